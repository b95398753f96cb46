package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/DeafMist/jawiki-indexer/internal/config"
	"github.com/DeafMist/jawiki-indexer/internal/corpus"
	"github.com/DeafMist/jawiki-indexer/internal/deadletter"
	"github.com/DeafMist/jawiki-indexer/internal/elasticsearch"
	"github.com/DeafMist/jawiki-indexer/internal/embedding"
	"github.com/DeafMist/jawiki-indexer/internal/indexing"
	"github.com/DeafMist/jawiki-indexer/internal/logger"
	"github.com/DeafMist/jawiki-indexer/internal/metrics"
	"github.com/DeafMist/jawiki-indexer/internal/models"
	"github.com/DeafMist/jawiki-indexer/internal/progress"
	"github.com/DeafMist/jawiki-indexer/internal/status"
	"github.com/DeafMist/jawiki-indexer/internal/tokenizer"
)

const vectorField = "text_vector"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type flagValues struct {
	cfgFile    string
	corpus     string
	vectors    string
	cache      string
	schema     string
	index      string
	batchSize  int
	workers    int
	noRecreate bool
	progress   string
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var fv flagValues

	root := &cobra.Command{
		Use:   "loader",
		Short: "Index a Wikipedia CirrusSearch dump into Elasticsearch with SWEM vectors",
		Long: `loader recreates the target index from a schema file, streams a gzip
CirrusSearch content dump, averages word vectors over each article's tokens
and bulk-indexes {title, text, text_vector}.

Settings come from environment variables (optionally a .env file and a
YAML --config file); flags override both.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &fv)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			log := logger.New("loader").With("run_id", runID)

			sum, err := run(cmd.Context(), cfg, log, stdout, runID)
			if err != nil {
				log.Error("load failed", slog.Any("err", err))
				return err
			}
			log.Info("load finished",
				slog.Int("documents", sum.Documents),
				slog.Int("batches", sum.Batches),
				slog.Int("indexed", sum.Indexed),
				slog.Int("dead_lettered", sum.DeadLettered),
				slog.Duration("duration", sum.Duration),
			)
			return nil
		},
	}

	bindFlags(root, &fv)
	root.AddCommand(newVectorCacheCmd(&fv))
	return root
}

func bindFlags(cmd *cobra.Command, fv *flagValues) {
	cmd.PersistentFlags().StringVar(&fv.cfgFile, "config", "", "YAML config file; environment variables take precedence")
	cmd.PersistentFlags().StringVar(&fv.vectors, "vectors", "", "word2vec text file (WORD_VECTORS_PATH)")
	cmd.PersistentFlags().StringVar(&fv.cache, "vector-cache", "", "bbolt word vector cache (WORD_VECTORS_CACHE)")
	cmd.Flags().StringVar(&fv.corpus, "corpus", "", "dump path or glob (CORPUS_PATH)")
	cmd.Flags().StringVar(&fv.schema, "schema", "", "index schema JSON (INDEX_SCHEMA_PATH)")
	cmd.Flags().StringVar(&fv.index, "index", "", "target index (ELASTICSEARCH_INDEX)")
	cmd.Flags().IntVar(&fv.batchSize, "batch-size", 0, "documents per bulk request (LOADER_BATCH_SIZE)")
	cmd.Flags().IntVar(&fv.workers, "workers", 0, "vectorisation workers per batch (LOADER_WORKERS)")
	cmd.Flags().BoolVar(&fv.noRecreate, "keep-index", false, "append to the existing index instead of recreating it")
	cmd.Flags().StringVar(&fv.progress, "progress", "", "progress output: lines or bar (LOADER_PROGRESS)")
}

// loadConfig reads env and file settings, applies changed flags, then
// validates the result.
func loadConfig(cmd *cobra.Command, fv *flagValues) (*config.Loader, error) {
	cfg, err := config.ReadLoader(fv.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("corpus") {
		cfg.CorpusPath = fv.corpus
	}
	if flags.Changed("vectors") {
		cfg.VectorsPath = fv.vectors
	}
	if flags.Changed("vector-cache") {
		cfg.VectorCachePath = fv.cache
	}
	if flags.Changed("schema") {
		cfg.SchemaPath = fv.schema
	}
	if flags.Changed("index") {
		cfg.ElasticsearchIndex = fv.index
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = fv.batchSize
	}
	if flags.Changed("workers") {
		cfg.Workers = fv.workers
	}
	if flags.Changed("keep-index") {
		cfg.RecreateIndex = !fv.noRecreate
	}
	if flags.Changed("progress") {
		cfg.Progress = fv.progress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run executes one full load: open vectors, recreate the index, stream the
// corpus and bulk-index it.
func run(ctx context.Context, cfg *config.Loader, log *slog.Logger, stdout io.Writer, runID string) (*indexing.Summary, error) {
	table, closeTable, err := openTable(cfg, log)
	if err != nil {
		return nil, err
	}
	defer closeTable()

	tok, err := tokenizer.New()
	if err != nil {
		return nil, err
	}
	swem := embedding.NewSWEM(table, tok, cfg.OOVPolicy, cfg.OOVSeed)

	schema, err := elasticsearch.LoadSchema(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	if dims, ok := schema.VectorDims(vectorField); ok && dims != table.Dim() {
		return nil, fmt.Errorf("%w: schema %s declares %d dims, word vectors have %d",
			embedding.ErrDimensionMismatch, vectorField, dims, table.Dim())
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		return nil, err
	}

	if cfg.RecreateIndex {
		lifecycleCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		err := esClient.Recreate(lifecycleCtx, schema)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	src, err := corpus.Open(cfg.CorpusPath, cfg.MaxLineBytes)
	if err != nil {
		return nil, err
	}
	log.Info("corpus resolved", slog.Any("files", src.Files()))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var dlq indexing.DeadLetter
	if len(cfg.KafkaBrokers) > 0 {
		sink := deadletter.New(cfg.KafkaBrokers, cfg.DeadLetterTopic, runID, log)
		defer sink.Close()
		dlq = sink
		log.Info("dead letters enabled", slog.String("topic", cfg.DeadLetterTopic))
	}

	var reporter progress.Reporter = progress.NewLines(stdout, cfg.ExpectedTotal)
	if cfg.Progress == config.ProgressBar {
		reporter = progress.NewBar(stdout, cfg.ExpectedTotal)
	}
	defer reporter.Close()

	pipeline := indexing.New(indexing.Options{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		TitleIDs:  cfg.IDStrategy == config.IDTitleHash,
	}, swem, timeoutWriter{w: esClient, timeout: cfg.RequestTimeout}, dlq, reporter, m, log)

	if cfg.StatusAddr != "" {
		statusCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		status.Serve(statusCtx, log, cfg.StatusAddr, status.NewRouter(log, esClient, pipeline, reg, runID))
	}

	log.Info("indexing started",
		slog.String("index", cfg.ElasticsearchIndex),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("workers", cfg.Workers),
		slog.Int("dims", table.Dim()),
	)

	sum, err := pipeline.Run(ctx, src)
	stats := src.Stats()
	log.Info("corpus read",
		slog.Int64("lines", stats.Lines),
		slog.Int64("metadata_lines", stats.Metadata),
		slog.Int64("documents", stats.Documents),
	)
	if err != nil {
		return sum, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	if err := esClient.Refresh(verifyCtx); err != nil {
		log.Warn("refresh after load", slog.Any("err", err))
		return sum, nil
	}
	count, err := esClient.Count(verifyCtx)
	if err != nil {
		log.Warn("count after load", slog.Any("err", err))
		return sum, nil
	}
	if cfg.RecreateIndex && count != int64(sum.Indexed) {
		log.Warn("index count differs from indexed documents",
			slog.Int64("count", count),
			slog.Int("indexed", sum.Indexed),
		)
	}
	return sum, nil
}

type closer func()

func openTable(cfg *config.Loader, log *slog.Logger) (embedding.Table, closer, error) {
	start := time.Now()

	if cfg.VectorCachePath != "" {
		if _, err := os.Stat(cfg.VectorCachePath); errors.Is(err, os.ErrNotExist) {
			log.Info("vector cache missing, building", slog.String("path", cfg.VectorCachePath))
			if _, err := buildCache(cfg.VectorsPath, cfg.VectorCachePath); err != nil {
				return nil, nil, err
			}
		}
		table, err := embedding.OpenBoltTable(cfg.VectorCachePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("word vectors opened", slog.String("cache", cfg.VectorCachePath), slog.Int("dims", table.Dim()))
		return table, func() { _ = table.Close() }, nil
	}

	f, err := os.Open(filepath.Clean(cfg.VectorsPath))
	if err != nil {
		return nil, nil, fmt.Errorf("open word vectors: %w", err)
	}
	defer f.Close()

	table, err := embedding.LoadWord2VecText(f)
	if err != nil {
		return nil, nil, fmt.Errorf("load word vectors: %w", err)
	}
	log.Info("word vectors loaded",
		slog.Int("words", table.Len()),
		slog.Int("dims", table.Dim()),
		slog.Duration("took", time.Since(start)),
	)
	return table, func() {}, nil
}

func buildCache(vectorsPath, cachePath string) (int, error) {
	if vectorsPath == "" {
		return 0, errors.New("WORD_VECTORS_PATH is required to build the vector cache")
	}
	f, err := os.Open(filepath.Clean(vectorsPath))
	if err != nil {
		return 0, fmt.Errorf("open word vectors: %w", err)
	}
	defer f.Close()

	n, err := embedding.BuildBoltTable(f, cachePath)
	if err != nil {
		return n, fmt.Errorf("build vector cache: %w", err)
	}
	return n, nil
}

func newVectorCacheCmd(fv *flagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "vector-cache",
		Short: "Convert the word2vec text file into a bbolt cache",
		Long: `vector-cache parses WORD_VECTORS_PATH once and stores the vectors in the
bbolt file WORD_VECTORS_CACHE so later loads open it instantly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, fv)
			if err != nil {
				return err
			}
			if cfg.VectorCachePath == "" {
				return errors.New("set WORD_VECTORS_CACHE or --vector-cache")
			}

			log := logger.New("vector-cache")
			start := time.Now()
			n, err := buildCache(cfg.VectorsPath, cfg.VectorCachePath)
			if err != nil {
				log.Error("build vector cache", slog.Any("err", err))
				return err
			}
			log.Info("vector cache built",
				slog.Int("words", n),
				slog.String("path", cfg.VectorCachePath),
				slog.Duration("took", time.Since(start)),
			)
			return nil
		},
	}
}

// timeoutWriter bounds every bulk request.
type timeoutWriter struct {
	w interface {
		Bulk(ctx context.Context, docs []models.IndexedDocument) (*elasticsearch.BulkResult, error)
	}
	timeout time.Duration
}

func (t timeoutWriter) Bulk(ctx context.Context, docs []models.IndexedDocument) (*elasticsearch.BulkResult, error) {
	if t.timeout <= 0 {
		return t.w.Bulk(ctx, docs)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.w.Bulk(ctx, docs)
}
