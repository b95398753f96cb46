// Package corpus streams documents out of gzip-compressed CirrusSearch
// dumps. Each dump is NDJSON where every article line is preceded by a bulk
// metadata line of the form {"index":{...}}.
package corpus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/DeafMist/jawiki-indexer/internal/models"
)

// DefaultMaxLineBytes bounds a single JSON line. Long articles run to several MiB.
const DefaultMaxLineBytes = 64 << 20

// ErrNoCorpusFiles is returned when a pattern matches nothing.
var ErrNoCorpusFiles = errors.New("no corpus files matched")

// Stats counts what a Reader has seen so far.
type Stats struct {
	Lines     int64
	Metadata  int64
	Documents int64
}

// Reader walks one or more dump files in lexical order.
type Reader struct {
	files        []string
	maxLineBytes int
	stats        Stats
}

// Open resolves pattern, which may be a plain path or a doublestar glob, into
// the list of dump files to read.
func Open(pattern string, maxLineBytes int) (*Reader, error) {
	files, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCorpusFiles, pattern)
	}
	sort.Strings(files)

	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Reader{files: files, maxLineBytes: maxLineBytes}, nil
}

// Files returns the resolved dump files.
func (r *Reader) Files() []string {
	return r.files
}

// Stats returns the counters accumulated by Each.
func (r *Reader) Stats() Stats {
	return r.stats
}

// Each calls fn for every article in every file. Metadata lines are skipped.
// A non-nil error from fn stops the walk and is returned unchanged.
func (r *Reader) Each(ctx context.Context, fn func(models.WikiDocument) error) error {
	for _, path := range r.files {
		if err := r.eachInFile(ctx, path, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) eachInFile(ctx context.Context, path string, fn func(models.WikiDocument) error) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip %s: %w", filepath.Base(path), err)
	}
	defer gz.Close()

	return r.scan(ctx, filepath.Base(path), gz, fn)
}

func (r *Reader) scan(ctx context.Context, name string, src io.Reader, fn func(models.WikiDocument) error) error {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, min(64*1024, r.maxLineBytes)), r.maxLineBytes)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}

		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		r.stats.Lines++

		doc, isMeta, err := ParseLine(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		if isMeta {
			r.stats.Metadata++
			continue
		}

		r.stats.Documents++
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s:%d: %w", name, lineNo+1, err)
	}
	return nil
}

// ParseLine decodes one dump line. isMeta reports a bulk metadata line,
// recognised by a top-level "index" key.
func ParseLine(line []byte) (doc models.WikiDocument, isMeta bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return doc, false, fmt.Errorf("decode line: %w", err)
	}
	if _, ok := fields["index"]; ok {
		return doc, true, nil
	}

	rawTitle, ok := fields["title"]
	if !ok {
		return doc, false, errors.New("document has no title")
	}
	rawText, ok := fields["text"]
	if !ok {
		return doc, false, errors.New("document has no text")
	}
	if err := json.Unmarshal(rawTitle, &doc.Title); err != nil {
		return doc, false, fmt.Errorf("decode title: %w", err)
	}
	if err := json.Unmarshal(rawText, &doc.Text); err != nil {
		return doc, false, fmt.Errorf("decode text: %w", err)
	}
	return doc, false, nil
}
