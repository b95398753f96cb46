package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketVectors = []byte("vectors")
	bucketMeta    = []byte("meta")
	keyDim        = []byte("dim")
)

const boltBatchRows = 10000

// BoltTable serves word vectors from a bbolt file so repeated runs do not
// re-parse the multi-gigabyte text dump.
type BoltTable struct {
	db  *bbolt.DB
	dim int
}

// BuildBoltTable converts a word2vec text stream into a bbolt file at path,
// replacing any existing file. It returns the number of vectors stored.
func BuildBoltTable(r io.Reader, path string) (int, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove old cache: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return 0, fmt.Errorf("failed to open bolt db: %w", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketVectors, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var (
		dim     int
		pending = make(map[string][]float32, boltBatchRows)
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketVectors)
			for word, vec := range pending {
				key := []byte(word)
				if b.Get(key) != nil {
					continue
				}
				if err := b.Put(key, encodeVector(vec)); err != nil {
					return err
				}
			}
			return nil
		})
		clear(pending)
		return err
	}

	n, err := ReadWord2VecText(r, func(d int) {
		dim = d
	}, func(word string, vec []float32) error {
		if _, dup := pending[word]; !dup {
			pending[word] = vec
		}
		if len(pending) >= boltBatchRows {
			return flush()
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	if err := flush(); err != nil {
		return n, fmt.Errorf("write vectors: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(dim))
		return tx.Bucket(bucketMeta).Put(keyDim, buf)
	})
	if err != nil {
		return n, fmt.Errorf("write cache metadata: %w", err)
	}
	return n, nil
}

// OpenBoltTable opens a cache produced by BuildBoltTable read-only.
func OpenBoltTable(path string) (*BoltTable, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	var dim int
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil || tx.Bucket(bucketVectors) == nil {
			return errors.New("not a word vector cache")
		}
		raw := meta.Get(keyDim)
		if len(raw) != 4 {
			return errors.New("cache has no dimension")
		}
		dim = int(binary.LittleEndian.Uint32(raw))
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector cache %s: %w", path, err)
	}

	return &BoltTable{db: db, dim: dim}, nil
}

// Lookup returns a copy of the vector for word.
func (t *BoltTable) Lookup(word string) ([]float32, bool) {
	var vec []float32
	_ = t.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketVectors).Get([]byte(word))
		if raw != nil && len(raw) == 4*t.dim {
			vec = decodeVector(raw)
		}
		return nil
	})
	return vec, vec != nil
}

// Dim returns the vector width.
func (t *BoltTable) Dim() int { return t.dim }

// Close releases the file lock.
func (t *BoltTable) Close() error {
	return t.db.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec
}
