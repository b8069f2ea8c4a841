package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultHashDimensions matches the output size of all-MiniLM-L6-v2.
const DefaultHashDimensions = 384

// HashProvider is a deterministic, offline embedding: accent-folded word
// unigrams and bigrams hashed into a fixed number of signed buckets, L2-normalised.
type HashProvider struct {
	dimensions int
}

func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return &HashProvider{dimensions: dimensions}
}

func (h *HashProvider) Dimensions() int {
	return h.dimensions
}

func (h *HashProvider) Model() string {
	return fmt.Sprintf("feature-hash-v1-%d", h.dimensions)
}

func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewEmbeddingError("embedding cancelled", err)
	}

	tokens, err := Tokenize(text)
	if err != nil {
		return nil, domain.NewEmbeddingError("failed to normalise text", err)
	}

	vec := make([]float32, h.dimensions)
	for i, tok := range tokens {
		h.add(vec, tok, 1.0)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (h *HashProvider) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	bucket := int(sum % uint64(h.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Tokenize lower-cases text, strips diacritics and splits on anything that is
// not a letter or digit. Single-letter tokens are dropped.
func Tokenize(text string) ([]string, error) {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, strings.ToLower(text))
	if err != nil {
		return nil, err
	}

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens, nil
}
