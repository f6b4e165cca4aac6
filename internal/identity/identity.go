// Package identity holds face embedding vectors and the similarity score
// the generation quality gates are built on.
package identity

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidEmbedding reports an embedding that cannot be scored.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// EmbeddingDim is the vector length produced by the face identity service.
const EmbeddingDim = 512

// Embedding is an opaque face identity vector together with the image it was
// derived from. Values are never mutated after construction.
type Embedding struct {
	Vector    []float32
	SourceRef string
}

// NewEmbedding copies vec so later writes to the caller's slice cannot leak
// into a stored embedding.
func NewEmbedding(vec []float32, sourceRef string) Embedding {
	v := make([]float32, len(vec))
	copy(v, vec)
	return Embedding{Vector: v, SourceRef: sourceRef}
}

// Dim returns the vector length.
func (e Embedding) Dim() int { return len(e.Vector) }

// IsZero reports whether the embedding carries no vector.
func (e Embedding) IsZero() bool { return len(e.Vector) == 0 }

// Score returns the cosine similarity of a and b clamped to [0, 1].
// It is deterministic and performs no I/O.
func Score(a, b Embedding) (float64, error) {
	if a.IsZero() || b.IsZero() {
		return 0, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if a.Dim() != b.Dim() {
		return 0, fmt.Errorf("%w: dimension mismatch %d != %d", ErrInvalidEmbedding, a.Dim(), b.Dim())
	}

	var dot, magA, magB float64
	for i := range a.Vector {
		x := float64(a.Vector[i])
		y := float64(b.Vector[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	// A NaN or Inf component poisons the magnitude sums.
	if math.IsNaN(magA) || math.IsInf(magA, 0) || math.IsNaN(magB) || math.IsInf(magB, 0) {
		return 0, fmt.Errorf("%w: non-finite component", ErrInvalidEmbedding)
	}
	if magA == 0 || magB == 0 {
		return 0, fmt.Errorf("%w: zero magnitude", ErrInvalidEmbedding)
	}

	cos := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	// Cosine lands in [-1, 1]. Negative values mean no resemblance and
	// clamp to the floor; float error can nudge identical vectors past 1.
	if cos < 0 {
		return 0, nil
	}
	if cos > 1 {
		return 1, nil
	}
	return cos, nil
}
