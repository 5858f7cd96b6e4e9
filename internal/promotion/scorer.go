package promotion

import (
	"math"
	"time"

	"magray/internal/memory"
)

// Scorer rates how much a record deserves to move to the next tier. Scores
// lie in [0,1] and must be deterministic for the same record and time.
type Scorer interface {
	Name() string
	Score(rec memory.Record, now time.Time) float64
}

// HeuristicScorer combines recency decay, access frequency and an optional
// importance signal:
//
//	score = (wR*exp(-ln2*idle/halfLife) + wF*(1-exp(-count/scale)) + wI*importance) / (wR+wF+wI)
//
// A record without an importance value is treated as neutral (0.5).
type HeuristicScorer struct {
	RecencyWeight    float64
	FrequencyWeight  float64
	ImportanceWeight float64
	HalfLife         time.Duration
	FrequencyScale   float64
}

// DefaultScorer returns the baseline weights.
func DefaultScorer() HeuristicScorer {
	return HeuristicScorer{
		RecencyWeight:    0.4,
		FrequencyWeight:  0.4,
		ImportanceWeight: 0.2,
		HalfLife:         24 * time.Hour,
		FrequencyScale:   5,
	}
}

func (HeuristicScorer) Name() string { return "heuristic" }

// Score implements Scorer.
func (h HeuristicScorer) Score(rec memory.Record, now time.Time) float64 {
	total := h.RecencyWeight + h.FrequencyWeight + h.ImportanceWeight
	if total <= 0 {
		return 0
	}

	last := rec.LastAccess
	if last.IsZero() {
		last = rec.CreatedAt
	}
	idle := max(now.Sub(last), 0)
	recency := 1.0
	if h.HalfLife > 0 {
		recency = math.Exp(-math.Ln2 * float64(idle) / float64(h.HalfLife))
	}

	frequency := 0.0
	if h.FrequencyScale > 0 {
		frequency = 1 - math.Exp(-float64(rec.AccessCount)/h.FrequencyScale)
	}

	importance := 0.5
	if rec.Importance != nil {
		importance = min(max(*rec.Importance, 0), 1)
	}

	return (h.RecencyWeight*recency + h.FrequencyWeight*frequency + h.ImportanceWeight*importance) / total
}
