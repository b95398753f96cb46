package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Common contains Elasticsearch parameters shared by every command.
type Common struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
	SchemaPath         string
}

// Loader holds configuration for the dump -> Elasticsearch loader.
type Loader struct {
	Common
	CorpusPath      string
	VectorsPath     string
	VectorCachePath string
	BatchSize       int
	Workers         int
	ExpectedTotal   int
	MaxLineBytes    int
	OOVPolicy       string
	OOVSeed         int64
	IDStrategy      string
	Progress        string
	RecreateIndex   bool
	StatusAddr      string
	KafkaBrokers    []string
	DeadLetterTopic string
	RequestTimeout  time.Duration
}

// Admin configures the index maintenance tool.
type Admin struct {
	Common
	ConnectRetries int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
}

const (
	OOVRandom = "random"
	OOVSkip   = "skip"

	IDAuto      = "auto"
	IDTitleHash = "title-hash"

	ProgressLines = "lines"
	ProgressBar   = "bar"
)

// source resolves a key from the environment first, then from an optional
// YAML file, then from the fallback.
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	s := &source{file: map[string]string{}}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			s.file[key] = strings.Join(parts, ",")
		default:
			s.file[key] = fmt.Sprint(val)
		}
	}
	return s, nil
}

func (s *source) common() Common {
	return Common{
		ElasticsearchAddr:  s.getEnv("ELASTICSEARCH_ADDR", "http://localhost:9200"),
		ElasticsearchIndex: s.getEnv("ELASTICSEARCH_INDEX", "wikipedia"),
		SchemaPath:         s.getEnv("INDEX_SCHEMA_PATH", "index.json"),
	}
}

// LoadLoader builds and validates a Loader config from environment variables
// layered over the optional YAML file at path.
func LoadLoader(path string) (*Loader, error) {
	c, err := ReadLoader(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadLoader is LoadLoader without validation, for callers that apply
// their own overrides first.
func ReadLoader(path string) (*Loader, error) {
	s, err := newSource(path)
	if err != nil {
		return nil, err
	}

	c := &Loader{
		Common:          s.common(),
		CorpusPath:      s.getEnv("CORPUS_PATH", "jawiki-20211115-cirrussearch-content.json.gz"),
		VectorsPath:     s.getEnv("WORD_VECTORS_PATH", "jawiki.word_vectors.200d.txt"),
		VectorCachePath: s.getEnv("WORD_VECTORS_CACHE", ""),
		BatchSize:       s.getInt("LOADER_BATCH_SIZE", 1000),
		Workers:         s.getInt("LOADER_WORKERS", 1),
		ExpectedTotal:   s.getInt("LOADER_EXPECTED_TOTAL", 1165654),
		MaxLineBytes:    s.getInt("LOADER_MAX_LINE_BYTES", 64<<20),
		OOVPolicy:       strings.ToLower(s.getEnv("SWEM_OOV_POLICY", OOVRandom)),
		OOVSeed:         int64(s.getInt("SWEM_OOV_SEED", 0)),
		IDStrategy:      strings.ToLower(s.getEnv("LOADER_ID_STRATEGY", IDAuto)),
		Progress:        strings.ToLower(s.getEnv("LOADER_PROGRESS", ProgressLines)),
		RecreateIndex:   s.getBool("LOADER_RECREATE_INDEX", true),
		StatusAddr:      s.getEnv("STATUS_BIND_ADDR", ""),
		KafkaBrokers:    splitAndTrim(s.getEnv("KAFKA_BROKERS", "")),
		DeadLetterTopic: s.getEnv("KAFKA_DLQ_TOPIC", "wikipedia_dlq"),
		RequestTimeout:  s.getDuration("ELASTICSEARCH_REQUEST_TIMEOUT", "2m"),
	}
	return c, nil
}

// Validate checks value ranges and enumerations.
func (c *Loader) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("LOADER_BATCH_SIZE must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("LOADER_WORKERS must be positive")
	}
	if c.ExpectedTotal < 0 {
		return fmt.Errorf("LOADER_EXPECTED_TOTAL cannot be negative")
	}
	if c.MaxLineBytes < 1024 {
		return fmt.Errorf("LOADER_MAX_LINE_BYTES must be at least 1024")
	}
	if c.CorpusPath == "" {
		return fmt.Errorf("CORPUS_PATH must be set")
	}
	if c.VectorsPath == "" && c.VectorCachePath == "" {
		return fmt.Errorf("WORD_VECTORS_PATH or WORD_VECTORS_CACHE must be set")
	}
	switch c.OOVPolicy {
	case OOVRandom, OOVSkip:
	default:
		return fmt.Errorf("SWEM_OOV_POLICY must be %q or %q", OOVRandom, OOVSkip)
	}
	switch c.IDStrategy {
	case IDAuto, IDTitleHash:
	default:
		return fmt.Errorf("LOADER_ID_STRATEGY must be %q or %q", IDAuto, IDTitleHash)
	}
	switch c.Progress {
	case ProgressLines, ProgressBar:
	default:
		return fmt.Errorf("LOADER_PROGRESS must be %q or %q", ProgressLines, ProgressBar)
	}
	if len(c.KafkaBrokers) > 0 && c.DeadLetterTopic == "" {
		return fmt.Errorf("KAFKA_DLQ_TOPIC must be set when KAFKA_BROKERS is")
	}
	return nil
}

// LoadAdmin builds an Admin config from environment variables layered over
// the optional YAML file at path.
func LoadAdmin(path string) (*Admin, error) {
	s, err := newSource(path)
	if err != nil {
		return nil, err
	}

	c := &Admin{
		Common:         s.common(),
		ConnectRetries: s.getInt("ADMIN_CONNECT_RETRIES", 10),
		RetryDelay:     s.getDuration("ADMIN_RETRY_DELAY", "2s"),
		MaxRetryDelay:  s.getDuration("ADMIN_MAX_RETRY_DELAY", "30s"),
	}

	if c.ConnectRetries <= 0 {
		return nil, fmt.Errorf("ADMIN_CONNECT_RETRIES must be positive")
	}
	if c.RetryDelay <= 0 {
		return nil, fmt.Errorf("ADMIN_RETRY_DELAY must be positive")
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return nil, fmt.Errorf("ADMIN_MAX_RETRY_DELAY cannot be below ADMIN_RETRY_DELAY")
	}

	return c, nil
}

func (s *source) getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if v, ok := s.file[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (s *source) getInt(key string, fallback int) int {
	if parsed, err := strconv.Atoi(s.getEnv(key, "")); err == nil {
		return parsed
	}
	return fallback
}

func (s *source) getBool(key string, fallback bool) bool {
	if parsed, err := strconv.ParseBool(s.getEnv(key, "")); err == nil {
		return parsed
	}
	return fallback
}

func (s *source) getDuration(key, fallback string) time.Duration {
	raw := s.getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
