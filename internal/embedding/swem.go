package embedding

import (
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// OOV policies.
const (
	// OOVRandom gives each unknown token a fresh vector drawn uniformly from
	// [OOVLow, OOVHigh).
	OOVRandom = "random"
	// OOVSkip leaves unknown tokens out of the average.
	OOVSkip = "skip"
)

const (
	OOVLow  = -0.01
	OOVHigh = 0.01
)

// Tokenizer splits text into words present in the vector vocabulary.
type Tokenizer interface {
	Tokenize(text string) []string
}

// Result is a pooled document vector plus the token counts behind it.
type Result struct {
	Vector []float32
	Tokens int
	OOV    int
}

// SWEM pools word vectors into a document vector.
type SWEM struct {
	table  Table
	tok    Tokenizer
	policy string
	seed   uint64
}

// NewSWEM builds a pooler. A zero seed draws a random one. Unknown-token
// vectors depend only on the seed and the text, so equal seeds give equal
// vectors whatever the number of concurrent callers.
func NewSWEM(table Table, tok Tokenizer, policy string, seed int64) *SWEM {
	if policy != OOVSkip {
		policy = OOVRandom
	}
	s := uint64(seed)
	if seed == 0 {
		s = rand.Uint64()
	}
	return &SWEM{
		table:  table,
		tok:    tok,
		policy: policy,
		seed:   s,
	}
}

// Dim returns the width of every vector produced.
func (s *SWEM) Dim() int { return s.table.Dim() }

// AveragePooling returns the mean word vector of text.
func (s *SWEM) AveragePooling(text string) []float32 {
	return s.Embed(text).Vector
}

// Embed tokenizes text and averages the token vectors.
//
// Text without tokens pools as a single unknown token under OOVRandom and
// as the zero vector under OOVSkip; the same holds when every token is
// unknown and skipped.
func (s *SWEM) Embed(text string) Result {
	dim := s.table.Dim()
	sum := make([]float64, dim)
	res := Result{}

	tokens := s.tok.Tokenize(text)
	res.Tokens = len(tokens)
	rng := rand.New(rand.NewPCG(s.seed, xxhash.Sum64String(text)))

	used := 0
	for _, word := range tokens {
		vec, ok := s.table.Lookup(word)
		if !ok {
			res.OOV++
			if s.policy == OOVSkip {
				continue
			}
			vec = randomVector(rng, dim)
		}
		for i, v := range vec {
			sum[i] += float64(v)
		}
		used++
	}

	if used == 0 && len(tokens) == 0 && s.policy == OOVRandom {
		for i, v := range randomVector(rng, dim) {
			sum[i] = float64(v)
		}
		used = 1
	}

	res.Vector = make([]float32, dim)
	if used == 0 {
		return res
	}
	for i := range sum {
		res.Vector[i] = float32(sum[i] / float64(used))
	}
	return res
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(OOVLow + (OOVHigh-OOVLow)*rng.Float64())
	}
	return vec
}
