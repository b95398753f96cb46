// Package indexing turns a stream of dump articles into bulk requests:
// read, batch, vectorise, bulk write, report.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/jawiki-indexer/internal/elasticsearch"
	"github.com/DeafMist/jawiki-indexer/internal/embedding"
	"github.com/DeafMist/jawiki-indexer/internal/metrics"
	"github.com/DeafMist/jawiki-indexer/internal/models"
	"github.com/DeafMist/jawiki-indexer/internal/processing"
	"github.com/DeafMist/jawiki-indexer/internal/progress"
)

// DefaultBatchSize is the number of articles per bulk request.
const DefaultBatchSize = 1000

// ErrBulkItemsFailed is returned when Elasticsearch rejects documents and no
// dead-letter sink is configured.
var ErrBulkItemsFailed = errors.New("bulk items failed")

// Source yields articles in dump order.
type Source interface {
	Each(ctx context.Context, fn func(models.WikiDocument) error) error
}

// Embedder pools a document vector from text.
type Embedder interface {
	Embed(text string) embedding.Result
	Dim() int
}

// BulkWriter submits one batch.
type BulkWriter interface {
	Bulk(ctx context.Context, docs []models.IndexedDocument) (*elasticsearch.BulkResult, error)
}

// DeadLetter receives documents Elasticsearch rejected.
type DeadLetter interface {
	Publish(ctx context.Context, failures []elasticsearch.BulkFailure) error
}

// Options tune a Pipeline.
type Options struct {
	BatchSize int
	// Workers bounds concurrent vectorisation inside a batch. 1 is sequential.
	Workers int
	// TitleIDs sets each document ID to a hash of its title instead of
	// letting Elasticsearch assign one.
	TitleIDs bool
}

// Summary describes a finished run.
type Summary struct {
	Documents    int
	Batches      int
	Indexed      int
	Failed       int
	DeadLettered int
	Duration     time.Duration
}

// Snapshot is a point-in-time view of a running pipeline.
type Snapshot struct {
	Documents int64 `json:"documents"`
	Batches   int64 `json:"batches"`
	Indexed   int64 `json:"indexed"`
	Failed    int64 `json:"failed"`
}

// Pipeline wires the collaborators of one load.
type Pipeline struct {
	opts     Options
	embedder Embedder
	writer   BulkWriter
	dlq      DeadLetter
	progress progress.Reporter
	metrics  *metrics.Loader
	log      *slog.Logger

	documents atomic.Int64
	batches   atomic.Int64
	indexed   atomic.Int64
	failed    atomic.Int64
}

// New builds a pipeline. dlq, reporter and m may be nil.
func New(opts Options, embedder Embedder, writer BulkWriter, dlq DeadLetter, reporter progress.Reporter, m *metrics.Loader, logger *slog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		opts:     opts,
		embedder: embedder,
		writer:   writer,
		dlq:      dlq,
		progress: reporter,
		metrics:  m,
		log:      logger,
	}
}

// Snapshot returns the current counters. Safe to call while Run is active.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		Documents: p.documents.Load(),
		Batches:   p.batches.Load(),
		Indexed:   p.indexed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Run reads src to the end, flushing every BatchSize articles and once more
// for the remainder.
func (p *Pipeline) Run(ctx context.Context, src Source) (*Summary, error) {
	start := time.Now()
	sum := &Summary{}
	batch := make([]models.WikiDocument, 0, p.opts.BatchSize)

	err := src.Each(ctx, func(doc models.WikiDocument) error {
		batch = append(batch, doc)
		sum.Documents++
		p.documents.Add(1)

		if len(batch) < p.opts.BatchSize {
			return nil
		}
		if err := p.flush(ctx, batch, sum); err != nil {
			return err
		}
		batch = batch[:0]
		p.report(sum.Documents, false)
		return nil
	})
	if err != nil {
		sum.Duration = time.Since(start)
		return sum, err
	}

	if len(batch) > 0 {
		if err := p.flush(ctx, batch, sum); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		p.report(sum.Documents, true)
	}

	sum.Duration = time.Since(start)
	return sum, nil
}

func (p *Pipeline) report(count int, final bool) {
	if p.progress != nil {
		p.progress.Report(count, final)
	}
}

func (p *Pipeline) flush(ctx context.Context, batch []models.WikiDocument, sum *Summary) error {
	p.metrics.DocumentsRead(len(batch))

	embedStart := time.Now()
	docs, err := p.BuildRequests(ctx, batch)
	if err != nil {
		return err
	}
	p.metrics.Embedded(time.Since(embedStart).Seconds())

	bulkStart := time.Now()
	res, err := p.writer.Bulk(ctx, docs)
	if err != nil {
		return fmt.Errorf("batch %d: %w", sum.Batches+1, err)
	}

	sum.Batches++
	sum.Indexed += res.Indexed
	sum.Failed += len(res.Failed)
	p.batches.Add(1)
	p.indexed.Add(int64(res.Indexed))
	p.failed.Add(int64(len(res.Failed)))

	reasons := make(map[string]int)
	for _, f := range res.Failed {
		reasons[f.Type]++
	}
	p.metrics.Batch(time.Since(bulkStart).Seconds(), res.Indexed, reasons)

	p.log.Debug("batch indexed",
		slog.Int("batch", sum.Batches),
		slog.Int("size", len(docs)),
		slog.Int("indexed", res.Indexed),
		slog.Int("failed", len(res.Failed)),
	)

	if len(res.Failed) == 0 {
		return nil
	}

	first := res.Failed[0]
	if p.dlq == nil {
		return fmt.Errorf("%w: %d of %d in batch %d, first %q: %s %s",
			ErrBulkItemsFailed, len(res.Failed), len(docs), sum.Batches,
			first.Document.Title, first.Type, first.Reason)
	}

	p.log.Warn("bulk items rejected, sending to DLQ",
		slog.Int("batch", sum.Batches),
		slog.Int("failed", len(res.Failed)),
		slog.String("first_title", first.Document.Title),
		slog.String("first_reason", first.Reason),
	)
	if err := p.dlq.Publish(ctx, res.Failed); err != nil {
		return fmt.Errorf("batch %d: %w", sum.Batches, err)
	}
	sum.DeadLettered += len(res.Failed)
	return nil
}

// BuildRequests vectorises batch, preserving order.
func (p *Pipeline) BuildRequests(ctx context.Context, batch []models.WikiDocument) ([]models.IndexedDocument, error) {
	out := make([]models.IndexedDocument, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = p.buildRequest(batch[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) buildRequest(doc models.WikiDocument) models.IndexedDocument {
	res := p.embedder.Embed(processing.NormalizeText(doc.Text))
	p.metrics.Tokens(res.Tokens, res.OOV)

	rec := models.IndexedDocument{
		Title:      doc.Title,
		Text:       doc.Text,
		TextVector: res.Vector,
	}
	if p.opts.TitleIDs {
		rec.ID = processing.BuildDocumentID(doc.Title)
	}
	return rec
}
