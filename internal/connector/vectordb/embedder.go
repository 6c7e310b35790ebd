package vectordb

import (
	"context"
	"hash/fnv"
)

// HashEmbedder is a deterministic, dependency-free stand-in embedder: it
// maps text to a fixed-dimension vector by counting, per bucket, the FNV-1a
// hashes of each byte paired with its position (mod 251). It is not a real embedding model — it exists so the RAM
// backend and its tests can exercise the full chunk→embed→insert→search
// pipeline without a network-facing model dependency, matching the role
// the teacher's own code plays for tests that stub out LLM calls.
type HashEmbedder struct {
	Dimensions int
}

func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dimensions: 32}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dims := e.Dimensions
	if dims <= 0 {
		dims = 32
	}
	out := make([]float64, dims)
	if text == "" {
		return out, nil
	}

	for i := 0; i < len(text); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte{text[i]})
		_, _ = h.Write([]byte{byte(i % 251)})
		bucket := int(h.Sum32()) % dims
		if bucket < 0 {
			bucket += dims
		}
		out[bucket]++
	}
	return out, nil
}
