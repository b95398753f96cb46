package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/jawiki-indexer/internal/config"
	"github.com/DeafMist/jawiki-indexer/internal/elasticsearch"
	"github.com/DeafMist/jawiki-indexer/internal/embedding"
	"github.com/DeafMist/jawiki-indexer/internal/models"
)

const testSchema = `{
  "settings": {"number_of_shards": 1},
  "mappings": {
    "properties": {
      "title": {"type": "text"},
      "text": {"type": "text"},
      "text_vector": {"type": "dense_vector", "dims": 2}
    }
  }
}`

const testVectors = "3 2\nすもも 1 0\nもも 0 1\nうち 1 1\n"

type stubCluster struct {
	mu      sync.Mutex
	calls   []string
	indexed []map[string]any
}

func (s *stubCluster) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"index_not_found_exception"},"status":404}`)
	case r.Method == http.MethodPut:
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		var items []string
		sc := bufio.NewScanner(bytes.NewReader(body))
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		action := true
		for sc.Scan() {
			if action {
				action = false
				continue
			}
			action = true
			var doc map[string]any
			_ = json.Unmarshal(sc.Bytes(), &doc)
			s.indexed = append(s.indexed, doc)
			items = append(items, `{"index":{"status":201}}`)
		}
		fmt.Fprintf(w, `{"errors":false,"items":[%s]}`, strings.Join(items, ","))
	case strings.HasSuffix(r.URL.Path, "/_refresh"):
		_, _ = io.WriteString(w, `{}`)
	case strings.HasSuffix(r.URL.Path, "/_count"):
		fmt.Fprintf(w, `{"count":%d}`, len(s.indexed))
	default:
		_, _ = io.WriteString(w, `{}`)
	}
}

func writeCorpus(t *testing.T, dir string, articles int) string {
	t.Helper()
	path := filepath.Join(dir, "jawiki-cirrussearch-content.json.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	for i := 0; i < articles; i++ {
		fmt.Fprintf(gz, `{"index":{"_type":"page","_id":"%d"}}`+"\n", i)
		fmt.Fprintf(gz, `{"title":"記事%d","text":"すもももももももものうち","namespace":0}`+"\n", i)
	}
	require.NoError(t, gz.Close())
	return path
}

func testConfig(t *testing.T, esURL string) *config.Loader {
	t.Helper()
	dir := t.TempDir()

	schemaPath := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(testSchema), 0o600))
	vectorsPath := filepath.Join(dir, "vectors.txt")
	require.NoError(t, os.WriteFile(vectorsPath, []byte(testVectors), 0o600))

	return &config.Loader{
		Common: config.Common{
			ElasticsearchAddr:  esURL,
			ElasticsearchIndex: "wikipedia",
			SchemaPath:         schemaPath,
		},
		CorpusPath:     writeCorpus(t, dir, 5),
		VectorsPath:    vectorsPath,
		BatchSize:      2,
		Workers:        2,
		ExpectedTotal:  5,
		MaxLineBytes:   1 << 20,
		OOVPolicy:      config.OOVRandom,
		IDStrategy:     config.IDAuto,
		Progress:       config.ProgressLines,
		RecreateIndex:  true,
		RequestTimeout: 10 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunLoadsCorpus(t *testing.T) {
	cluster := &stubCluster{}
	srv := httptest.NewServer(http.HandlerFunc(cluster.handler))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	var stdout bytes.Buffer

	sum, err := run(context.Background(), cfg, discardLogger(), &stdout, "run-1")
	require.NoError(t, err)
	require.Equal(t, 5, sum.Documents)
	require.Equal(t, 3, sum.Batches)
	require.Equal(t, 5, sum.Indexed)

	require.Equal(t,
		"Indexed 2 documents. 40.0%\nIndexed 4 documents. 80.0%\nIndexed 5 documents.\n",
		stdout.String())

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	require.Equal(t, "DELETE /wikipedia", cluster.calls[0])
	require.Equal(t, "PUT /wikipedia", cluster.calls[1])

	require.Len(t, cluster.indexed, 5)
	first := cluster.indexed[0]
	require.Equal(t, "記事0", first["title"])
	require.Equal(t, "すもももももももものうち", first["text"])
	vec, ok := first["text_vector"].([]any)
	require.True(t, ok)
	require.Len(t, vec, 2)
}

func TestRunKeepIndexSkipsLifecycle(t *testing.T) {
	cluster := &stubCluster{}
	srv := httptest.NewServer(http.HandlerFunc(cluster.handler))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.RecreateIndex = false

	_, err := run(context.Background(), cfg, discardLogger(), io.Discard, "run-2")
	require.NoError(t, err)

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	for _, call := range cluster.calls {
		require.NotEqual(t, "DELETE /wikipedia", call)
		require.NotEqual(t, "PUT /wikipedia", call)
	}
}

func TestRunRejectsDimensionMismatch(t *testing.T) {
	cluster := &stubCluster{}
	srv := httptest.NewServer(http.HandlerFunc(cluster.handler))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	schema := strings.Replace(testSchema, `"dims": 2`, `"dims": 200`, 1)
	require.NoError(t, os.WriteFile(cfg.SchemaPath, []byte(schema), 0o600))

	_, err := run(context.Background(), cfg, discardLogger(), io.Discard, "run-3")
	require.ErrorIs(t, err, embedding.ErrDimensionMismatch)

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	require.Empty(t, cluster.calls)
}

func TestOpenTableBuildsMissingCache(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.VectorCachePath = filepath.Join(t.TempDir(), "vectors.bolt")

	table, closeTable, err := openTable(cfg, discardLogger())
	require.NoError(t, err)
	require.Equal(t, 2, table.Dim())
	vec, ok := table.Lookup("うち")
	require.True(t, ok)
	require.Equal(t, []float32{1, 1}, vec)
	closeTable()

	_, err = os.Stat(cfg.VectorCachePath)
	require.NoError(t, err)
}

func TestVectorCacheCommand(t *testing.T) {
	dir := t.TempDir()
	vectorsPath := filepath.Join(dir, "vectors.txt")
	require.NoError(t, os.WriteFile(vectorsPath, []byte(testVectors), 0o600))
	cachePath := filepath.Join(dir, "vectors.bolt")

	cmd := newRootCmd(io.Discard)
	cmd.SetArgs([]string{"vector-cache", "--vectors", vectorsPath, "--vector-cache", cachePath})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.Execute())

	table, err := embedding.OpenBoltTable(cachePath)
	require.NoError(t, err)
	defer table.Close()
	require.Equal(t, 2, table.Dim())
}

type slowWriter struct{}

func (slowWriter) Bulk(ctx context.Context, _ []models.IndexedDocument) (*elasticsearch.BulkResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutWriterBoundsBulk(t *testing.T) {
	w := timeoutWriter{w: slowWriter{}, timeout: 10 * time.Millisecond}
	_, err := w.Bulk(context.Background(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlagsFixInvalidEnvironment(t *testing.T) {
	t.Setenv("LOADER_BATCH_SIZE", "0")

	cmd := &cobra.Command{Use: "loader"}
	var fv flagValues
	bindFlags(cmd, &fv)
	require.NoError(t, cmd.ParseFlags([]string{"--batch-size", "10", "--keep-index"}))

	cfg, err := loadConfig(cmd, &fv)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.BatchSize)
	require.False(t, cfg.RecreateIndex)

	cmd = &cobra.Command{Use: "loader"}
	fv = flagValues{}
	bindFlags(cmd, &fv)
	require.NoError(t, cmd.ParseFlags(nil))
	_, err = loadConfig(cmd, &fv)
	require.ErrorContains(t, err, "LOADER_BATCH_SIZE")
}
