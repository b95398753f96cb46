// Package deadletter parks documents Elasticsearch rejected on a Kafka topic
// so a run can finish and the rejects can be replayed later.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/jawiki-indexer/internal/elasticsearch"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes bulk failures with retry.
type Sink struct {
	w        MessageWriter
	runID    string
	log      *slog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// New connects a sink to topic on brokers.
func New(brokers []string, topic, runID string, logger *slog.Logger) *Sink {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxAttempts: 3,
	})
	return NewWithWriter(w, runID, logger)
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w MessageWriter, runID string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{
		w:        w,
		runID:    runID,
		log:      logger,
		attempts: 5,
		backoff:  time.Second,
		now:      time.Now,
	}
}

// SetBackoff changes the base delay between write attempts.
func (s *Sink) SetBackoff(d time.Duration) {
	s.backoff = d
}

// Publish writes one message per failure. Writes are retried with
// exponential backoff; the last error is returned once attempts run out.
func (s *Sink) Publish(ctx context.Context, failures []elasticsearch.BulkFailure) error {
	if len(failures) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(failures))
	for _, f := range failures {
		msg, err := Message(s.runID, f, s.now())
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	var lastErr error
	for attempt := range s.attempts {
		lastErr = s.w.WriteMessages(ctx, msgs...)
		if lastErr == nil {
			s.log.Info("failed documents sent to DLQ",
				slog.Int("count", len(msgs)),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}
		if attempt == s.attempts-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * s.backoff
		s.log.Warn("DLQ write failed, retrying",
			slog.Any("err", lastErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("DLQ write exhausted retries: %w", lastErr)
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}

// Message renders a failure as a Kafka message keyed by document ID or title.
func Message(runID string, f elasticsearch.BulkFailure, now time.Time) (kafka.Message, error) {
	value, err := json.Marshal(f.Document)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal failed document: %w", err)
	}

	key := f.Document.ID
	if key == "" {
		key = f.Document.Title
	}

	reason := f.Type
	if f.Reason != "" {
		reason += ": " + f.Reason
	}

	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "status", Value: []byte(strconv.Itoa(f.Status))},
			{Key: "error", Value: []byte(reason)},
			{Key: "timestamp", Value: []byte(now.UTC().Format(time.RFC3339))},
		},
	}, nil
}
