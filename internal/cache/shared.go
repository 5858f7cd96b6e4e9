package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"magray/internal/memory"
)

const (
	textPrefix   = "t:"
	recordPrefix = "r:"
)

// Item is a shared-cache value: a query embedding, a hydrated record, or
// both.
type Item struct {
	Vector []float32
	Record *memory.Record
}

func (it Item) size() int64 {
	n := int64(len(it.Vector))*4 + 32
	if it.Record != nil {
		n += it.Record.Size()
	}
	return n
}

// Shared is the engine-wide cache for query embeddings and hydrated records.
type Shared struct {
	*LRU[string, Item]
}

// NewShared creates the shared cache.
func NewShared(cfg Config) *Shared {
	return &Shared{LRU: NewLRU[string, Item](cfg, Item.size)}
}

// TextKey returns the cache key for the embedding of text.
func TextKey(text string) string {
	return textPrefix + strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// RecordKey returns the cache key for the record with id.
func RecordKey(id string) string {
	return recordPrefix + id
}

// Vector returns a cached embedding for text.
func (s *Shared) Vector(text string) ([]float32, bool) {
	it, ok := s.Get(TextKey(text))
	if !ok || it.Vector == nil {
		return nil, false
	}
	return it.Vector, true
}

// PutVector caches the embedding of text for ttl.
func (s *Shared) PutVector(text string, vec []float32, ttl time.Duration) error {
	return s.PutTTL(TextKey(text), Item{Vector: vec}, ttl)
}

// Record returns a copy of a cached record.
func (s *Shared) Record(id string) (memory.Record, bool) {
	it, ok := s.Get(RecordKey(id))
	if !ok || it.Record == nil {
		return memory.Record{}, false
	}
	return it.Record.Clone(), true
}

// PutRecord caches a copy of rec for ttl.
func (s *Shared) PutRecord(rec memory.Record, ttl time.Duration) error {
	c := rec.Clone()
	return s.PutTTL(RecordKey(rec.ID), Item{Record: &c}, ttl)
}

// InvalidateRecord drops the cached copy of id.
func (s *Shared) InvalidateRecord(id string) {
	s.Remove(RecordKey(id))
}

// InvalidateVectors drops every cached query embedding.
func (s *Shared) InvalidateVectors() int {
	return s.RemoveFunc(func(k string) bool { return strings.HasPrefix(k, textPrefix) })
}
