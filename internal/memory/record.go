// Package memory holds the data model shared by every layer of the engine:
// records, retention tiers and the error taxonomy callers branch on.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Tier is one of the three ordered retention levels.
type Tier uint8

const (
	// TierInteraction holds short-lived interaction memory.
	TierInteraction Tier = iota
	// TierInsight holds medium-lived distilled insights.
	TierInsight
	// TierAsset holds long-lived assets.
	TierAsset
)

// Tiers lists every tier in promotion order.
var Tiers = [...]Tier{TierInteraction, TierInsight, TierAsset}

// String returns the tier's stable name, used in storage namespaces and config.
func (t Tier) String() string {
	switch t {
	case TierInteraction:
		return "interaction"
	case TierInsight:
		return "insight"
	case TierAsset:
		return "asset"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t <= TierAsset
}

// Next returns the only tier a record in t may be promoted to.
// The asset tier has no successor.
func (t Tier) Next() (Tier, bool) {
	if t >= TierAsset {
		return t, false
	}
	return t + 1, true
}

// ParseTier converts a tier name (or a short alias) into a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interaction", "short", "short-lived":
		return TierInteraction, nil
	case "insight", "medium", "medium-lived":
		return TierInsight, nil
	case "asset", "long", "long-lived":
		return TierAsset, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Record is a single semantic memory: text plus its embedding.
type Record struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tier        Tier      `json:"tier"`
	CreatedAt   time.Time `json:"created_at"`
	TierSince   time.Time `json:"tier_since"` // when the record entered its current tier
	LastAccess  time.Time `json:"last_access"`
	AccessCount uint64    `json:"access_count"`
	Importance  *float64  `json:"importance,omitempty"` // optional learned/assigned importance in [0,1]
	Tag         string    `json:"tag,omitempty"`        // optional project/source tag
}

// Clone returns a deep copy so cached snapshots never alias live records.
func (r Record) Clone() Record {
	out := r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Importance != nil {
		v := *r.Importance
		out.Importance = &v
	}
	return out
}

// Size estimates the in-memory footprint of the record in bytes.
func (r Record) Size() int64 {
	return int64(len(r.ID)+len(r.Text)+len(r.Tag)) + int64(len(r.Embedding))*4 + 96
}
