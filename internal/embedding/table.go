// Package embedding loads pretrained word vectors and pools them into
// fixed-size document vectors (SWEM).
package embedding

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrDimensionMismatch is returned for vector rows of the wrong width.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Table maps words to vectors of a single dimensionality.
type Table interface {
	Lookup(word string) ([]float32, bool)
	Dim() int
}

// MemoryTable keeps the whole vocabulary in a map.
type MemoryTable struct {
	dim     int
	vectors map[string][]float32
}

// NewMemoryTable returns an empty table of the given dimensionality.
func NewMemoryTable(dim int) *MemoryTable {
	return &MemoryTable{dim: dim, vectors: make(map[string][]float32)}
}

// Add stores vec under word unless word is already present.
func (t *MemoryTable) Add(word string, vec []float32) error {
	if len(vec) != t.dim {
		return fmt.Errorf("%w: %q has %d components, want %d", ErrDimensionMismatch, word, len(vec), t.dim)
	}
	if _, ok := t.vectors[word]; ok {
		return nil
	}
	t.vectors[word] = vec
	return nil
}

// Lookup returns the vector for word.
func (t *MemoryTable) Lookup(word string) ([]float32, bool) {
	v, ok := t.vectors[word]
	return v, ok
}

// Dim returns the vector width.
func (t *MemoryTable) Dim() int { return t.dim }

// Len returns the vocabulary size.
func (t *MemoryTable) Len() int { return len(t.vectors) }

// LoadWord2VecText reads a word2vec text file fully into memory.
func LoadWord2VecText(r io.Reader) (*MemoryTable, error) {
	var table *MemoryTable
	_, err := ReadWord2VecText(r, func(dim int) {
		table = NewMemoryTable(dim)
	}, func(word string, vec []float32) error {
		return table.Add(word, vec)
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// ReadWord2VecText streams a word2vec text file. header is called once with
// the vector width before the first row; row is called for every entry.
// It returns the number of rows read.
func ReadWord2VecText(r io.Reader, header func(dim int), row func(word string, vec []float32) error) (int, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	first, err := readLine(br)
	if err != nil {
		return 0, fmt.Errorf("read word2vec header: %w", err)
	}
	fields := strings.Fields(first)
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid word2vec header %q", first)
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count < 0 {
		return 0, fmt.Errorf("invalid vocabulary size %q", fields[0])
	}
	dim, err := strconv.Atoi(fields[1])
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid vector size %q", fields[1])
	}
	header(dim)

	n := 0
	for n < count {
		line, err := readLine(br)
		if errors.Is(err, io.EOF) && line == "" {
			return n, fmt.Errorf("word2vec file ended after %d of %d vectors", n, count)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("read word2vec row %d: %w", n+1, err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		word, vec, perr := parseRow(line, dim)
		if perr != nil {
			return n, fmt.Errorf("word2vec row %d: %w", n+1, perr)
		}
		if err := row(word, vec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func parseRow(line string, dim int) (string, []float32, error) {
	parts := strings.Split(strings.TrimRight(line, " \t\r"), " ")
	if len(parts) != dim+1 {
		return "", nil, fmt.Errorf("%w: got %d components, want %d", ErrDimensionMismatch, len(parts)-1, dim)
	}

	vec := make([]float32, dim)
	for i, raw := range parts[1:] {
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return "", nil, fmt.Errorf("parse component %d of %q: %w", i, parts[0], err)
		}
		vec[i] = float32(f)
	}
	return parts[0], vec, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}
