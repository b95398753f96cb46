package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/DeafMist/jawiki-indexer/internal/config"
	"github.com/DeafMist/jawiki-indexer/internal/elasticsearch"
	"github.com/DeafMist/jawiki-indexer/internal/logger"
)

var errNotConnected = errors.New("failed to connect to elasticsearch after retries")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd(os.Stdout, logger.New("indexctl")).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer, log *slog.Logger) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "indexctl",
		Short:        "Maintain the Wikipedia vector index",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; environment variables take precedence")

	// withClient loads config, connects and hands the client to fn.
	withClient := func(fn func(ctx context.Context, cfg *config.Admin, es *elasticsearch.Client) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAdmin(cfgFile)
			if err != nil {
				log.Error("load config", slog.Any("err", err))
				return err
			}
			esClient, err := connect(cmd.Context(), log, cfg)
			if err != nil {
				log.Error("connect", slog.Any("err", err))
				return err
			}
			if err := fn(cmd.Context(), cfg, esClient); err != nil {
				log.Error(cmd.Name()+" failed", slog.Any("err", err))
				return err
			}
			return nil
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "recreate",
			Short: "Delete the index if present and create it from the schema file",
			Args:  cobra.NoArgs,
			RunE: withClient(func(ctx context.Context, cfg *config.Admin, es *elasticsearch.Client) error {
				schema, err := elasticsearch.LoadSchema(cfg.SchemaPath)
				if err != nil {
					return err
				}
				subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				defer cancel()
				return es.Recreate(subCtx, schema)
			}),
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Delete the index; a missing index is not an error",
			Args:  cobra.NoArgs,
			RunE: withClient(func(ctx context.Context, _ *config.Admin, es *elasticsearch.Client) error {
				subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				defer cancel()
				return es.DeleteIndex(subCtx)
			}),
		},
		&cobra.Command{
			Use:   "count",
			Short: "Refresh the index and print its document count",
			Args:  cobra.NoArgs,
			RunE: withClient(func(ctx context.Context, _ *config.Admin, es *elasticsearch.Client) error {
				subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				defer cancel()
				if err := es.Refresh(subCtx); err != nil {
					return err
				}
				n, err := es.Count(subCtx)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, n)
				return nil
			}),
		},
	)
	return root
}

// connect retries client creation and ping with exponential backoff.
func connect(ctx context.Context, log *slog.Logger, cfg *config.Admin) (*elasticsearch.Client, error) {
	retryDelay := cfg.RetryDelay

	for i := 0; i < cfg.ConnectRetries; i++ {
		esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			log.Warn("failed to create elasticsearch client, retrying",
				slog.Any("err", err),
				slog.Int("attempt", i+1),
				slog.Int("max_retries", cfg.ConnectRetries),
			)
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := esClient.Ping(pingCtx)
			cancel()
			if pingErr == nil {
				log.Info("connected to elasticsearch", slog.String("index", esClient.Index()))
				return esClient, nil
			}
			log.Warn("elasticsearch ping failed, retrying",
				slog.Any("err", pingErr),
				slog.Int("attempt", i+1),
				slog.Int("max_retries", cfg.ConnectRetries),
				slog.Duration("retry_in", retryDelay),
			)
		}

		if i == cfg.ConnectRetries-1 {
			break
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		retryDelay *= 2
		if retryDelay > cfg.MaxRetryDelay {
			retryDelay = cfg.MaxRetryDelay
		}
	}

	return nil, errNotConnected
}
