package indexing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/jawiki-indexer/internal/elasticsearch"
	"github.com/DeafMist/jawiki-indexer/internal/embedding"
	"github.com/DeafMist/jawiki-indexer/internal/indexing"
	"github.com/DeafMist/jawiki-indexer/internal/models"
	"github.com/DeafMist/jawiki-indexer/internal/processing"
)

const dim = 4

type sliceSource []models.WikiDocument

func (s sliceSource) Each(ctx context.Context, fn func(models.WikiDocument) error) error {
	for _, d := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

type lengthEmbedder struct{}

func (lengthEmbedder) Embed(text string) embedding.Result {
	vec := make([]float32, dim)
	vec[0] = float32(len([]rune(text)))
	return embedding.Result{Vector: vec, Tokens: 1}
}

func (lengthEmbedder) Dim() int { return dim }

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]models.IndexedDocument
	reject  func(doc models.IndexedDocument) bool
	err     error
}

func (w *recordingWriter) Bulk(_ context.Context, docs []models.IndexedDocument) (*elasticsearch.BulkResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.batches = append(w.batches, append([]models.IndexedDocument(nil), docs...))

	res := &elasticsearch.BulkResult{}
	for i, d := range docs {
		if w.reject != nil && w.reject(d) {
			res.Failed = append(res.Failed, elasticsearch.BulkFailure{Position: i, Document: d, Status: 400, Type: "mapper_parsing_exception"})
			continue
		}
		res.Indexed++
	}
	return res, nil
}

type recordingDLQ struct {
	got []elasticsearch.BulkFailure
	err error
}

func (d *recordingDLQ) Publish(_ context.Context, failures []elasticsearch.BulkFailure) error {
	d.got = append(d.got, failures...)
	return d.err
}

type recordingReporter struct {
	counts []int
	finals []bool
}

func (r *recordingReporter) Report(count int, final bool) {
	r.counts = append(r.counts, count)
	r.finals = append(r.finals, final)
}

func (r *recordingReporter) Close() error { return nil }

func docs(n int) sliceSource {
	out := make(sliceSource, n)
	for i := range out {
		out[i] = models.WikiDocument{Title: fmt.Sprintf("記事%d", i), Text: fmt.Sprintf("本文 %d", i)}
	}
	return out
}

func TestRunFlushesFullBatchesThenRemainder(t *testing.T) {
	w := &recordingWriter{}
	rep := &recordingReporter{}
	p := indexing.New(indexing.Options{BatchSize: 1000}, lengthEmbedder{}, w, nil, rep, nil, nil)

	sum, err := p.Run(context.Background(), docs(2500))
	require.NoError(t, err)

	require.Len(t, w.batches, 3)
	require.Len(t, w.batches[0], 1000)
	require.Len(t, w.batches[1], 1000)
	require.Len(t, w.batches[2], 500)

	require.Equal(t, 2500, sum.Documents)
	require.Equal(t, 3, sum.Batches)
	require.Equal(t, 2500, sum.Indexed)
	require.Zero(t, sum.Failed)

	require.Equal(t, []int{1000, 2000, 2500}, rep.counts)
	require.Equal(t, []bool{false, false, true}, rep.finals)

	snap := p.Snapshot()
	require.Equal(t, int64(2500), snap.Documents)
	require.Equal(t, int64(3), snap.Batches)
}

func TestRunExactMultipleHasNoFinalBatch(t *testing.T) {
	w := &recordingWriter{}
	rep := &recordingReporter{}
	p := indexing.New(indexing.Options{BatchSize: 10}, lengthEmbedder{}, w, nil, rep, nil, nil)

	sum, err := p.Run(context.Background(), docs(30))
	require.NoError(t, err)
	require.Equal(t, 3, sum.Batches)
	require.Equal(t, []bool{false, false, false}, rep.finals)
}

func TestRunEmptySource(t *testing.T) {
	w := &recordingWriter{}
	p := indexing.New(indexing.Options{}, lengthEmbedder{}, w, nil, nil, nil, nil)

	sum, err := p.Run(context.Background(), sliceSource{})
	require.NoError(t, err)
	require.Zero(t, sum.Documents)
	require.Empty(t, w.batches)
}

func TestRequestsCarryTitleTextAndVector(t *testing.T) {
	w := &recordingWriter{}
	p := indexing.New(indexing.Options{BatchSize: 3, Workers: 4}, lengthEmbedder{}, w, nil, nil, nil, nil)

	src := docs(7)
	_, err := p.Run(context.Background(), src)
	require.NoError(t, err)

	var all []models.IndexedDocument
	for _, b := range w.batches {
		all = append(all, b...)
	}
	require.Len(t, all, len(src))
	for i, rec := range all {
		require.Equal(t, src[i].Title, rec.Title)
		require.Equal(t, src[i].Text, rec.Text)
		require.Len(t, rec.TextVector, dim)
		require.Equal(t, float32(len([]rune(src[i].Text))), rec.TextVector[0])
		require.Empty(t, rec.ID)
	}
}

func TestTitleIDs(t *testing.T) {
	w := &recordingWriter{}
	p := indexing.New(indexing.Options{BatchSize: 5, TitleIDs: true}, lengthEmbedder{}, w, nil, nil, nil, nil)

	_, err := p.Run(context.Background(), docs(2))
	require.NoError(t, err)
	require.Equal(t, processing.BuildDocumentID("記事0"), w.batches[0][0].ID)
}

func TestItemFailuresAreFatalWithoutDLQ(t *testing.T) {
	w := &recordingWriter{reject: func(d models.IndexedDocument) bool { return d.Title == "記事3" }}
	p := indexing.New(indexing.Options{BatchSize: 2}, lengthEmbedder{}, w, nil, nil, nil, nil)

	sum, err := p.Run(context.Background(), docs(6))
	require.ErrorIs(t, err, indexing.ErrBulkItemsFailed)
	require.Len(t, w.batches, 2)
	require.Equal(t, 1, sum.Failed)
}

func TestItemFailuresGoToDLQ(t *testing.T) {
	w := &recordingWriter{reject: func(d models.IndexedDocument) bool { return d.Title == "記事3" }}
	dlq := &recordingDLQ{}
	p := indexing.New(indexing.Options{BatchSize: 2}, lengthEmbedder{}, w, dlq, nil, nil, nil)

	sum, err := p.Run(context.Background(), docs(6))
	require.NoError(t, err)
	require.Equal(t, 6, sum.Documents)
	require.Equal(t, 5, sum.Indexed)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.DeadLettered)
	require.Len(t, dlq.got, 1)
	require.Equal(t, "記事3", dlq.got[0].Document.Title)
}

func TestDLQErrorStopsRun(t *testing.T) {
	w := &recordingWriter{reject: func(models.IndexedDocument) bool { return true }}
	dlq := &recordingDLQ{err: errors.New("kafka down")}
	p := indexing.New(indexing.Options{BatchSize: 2}, lengthEmbedder{}, w, dlq, nil, nil, nil)

	_, err := p.Run(context.Background(), docs(4))
	require.ErrorContains(t, err, "kafka down")
	require.Len(t, w.batches, 1)
}

func TestBulkErrorStopsRun(t *testing.T) {
	w := &recordingWriter{err: errors.New("connection refused")}
	p := indexing.New(indexing.Options{BatchSize: 2}, lengthEmbedder{}, w, nil, nil, nil, nil)

	sum, err := p.Run(context.Background(), docs(3))
	require.ErrorContains(t, err, "connection refused")
	require.Zero(t, sum.Batches)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := indexing.New(indexing.Options{BatchSize: 2}, lengthEmbedder{}, &recordingWriter{}, nil, nil, nil, nil)
	_, err := p.Run(ctx, docs(3))
	require.ErrorIs(t, err, context.Canceled)
}

type textEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (e *textEmbedder) Embed(text string) embedding.Result {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	return embedding.Result{Vector: make([]float32, dim)}
}

func (e *textEmbedder) Dim() int { return dim }

func TestEmbedderSeesDumpTextWithCollapsedWhitespace(t *testing.T) {
	e := &textEmbedder{}
	w := &recordingWriter{}
	p := indexing.New(indexing.Options{BatchSize: 5}, e, w, nil, nil, nil, nil)

	raw := "東京&amp;大阪\n\n  &lt;b&gt;の "
	_, err := p.Run(context.Background(), sliceSource{{Title: "記号", Text: raw}})
	require.NoError(t, err)

	require.Equal(t, []string{"東京&amp;大阪 &lt;b&gt;の"}, e.texts)
	require.Equal(t, raw, w.batches[0][0].Text)
}
