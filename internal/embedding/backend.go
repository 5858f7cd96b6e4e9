// Package embedding turns text into vectors. A Coordinator batches requests
// adaptively, consults the shared cache, and calls a primary backend through
// its own circuit breaker, falling back to a CPU backend when the primary
// fails.
package embedding

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"magray/internal/vecmath"
)

// Errors returned while choosing a backend.
var (
	ErrAcceleratorUnavailable = errors.New("embedding: accelerator backend unavailable")
	ErrONNXUnavailable        = errors.New("embedding: built without onnx support (rebuild with -tags onnx)")
)

// Device says where a backend runs.
type Device string

const (
	DeviceCPU         Device = "cpu"
	DeviceAccelerator Device = "accelerator"
)

// Backend produces embeddings for a batch of texts. Implementations must
// return exactly one vector per input, in order.
type Backend interface {
	Name() string
	Device() Device
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// HashBackend is a dependency-free CPU backend using signed feature hashing
// over word tokens and character trigrams. Texts sharing vocabulary land
// close together, which is enough for local recall without a model file.
type HashBackend struct {
	dims int
}

// NewHashBackend creates a HashBackend producing dims-length unit vectors.
func NewHashBackend(dims int) *HashBackend {
	return &HashBackend{dims: dims}
}

func (h *HashBackend) Name() string    { return "hash" }
func (h *HashBackend) Device() Device  { return DeviceCPU }
func (h *HashBackend) Dimensions() int { return h.dims }
func (h *HashBackend) Close() error    { return nil }

// Embed hashes each text independently.
func (h *HashBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashBackend) embed(text string) []float32 {
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h.add(vec, "w:"+w, 1)
		runes := []rune("^" + w + "$")
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "c:"+string(runes[i:i+3]), 0.5)
		}
	}
	return vecmath.Normalize(vec)
}

func (h *HashBackend) add(vec []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	idx := sum % uint64(h.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
