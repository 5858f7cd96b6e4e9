package search

import (
	"context"
	"strings"
	"unicode"
)

// Reranker rescores the top candidates of a search. It returns one score per
// hit, higher is better.
type Reranker interface {
	Name() string
	Rerank(ctx context.Context, query string, hits []Hit) ([]float32, error)
}

// LexicalReranker blends vector similarity with query-term coverage of the
// record text.
type LexicalReranker struct {
	// Weight of term coverage in [0,1]; zero uses 0.3.
	Weight float32
}

func (LexicalReranker) Name() string { return "lexical" }

// Rerank scores each hit as (1-w)*similarity + w*coverage.
func (r LexicalReranker) Rerank(ctx context.Context, query string, hits []Hit) ([]float32, error) {
	w := r.Weight
	if w <= 0 || w > 1 {
		w = 0.3
	}
	terms := tokenSet(query)
	scores := make([]float32, len(hits))
	for i, h := range hits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var coverage float32
		if len(terms) > 0 {
			words := tokenSet(h.Record.Text)
			matched := 0
			for t := range terms {
				if words[t] {
					matched++
				}
			}
			coverage = float32(matched) / float32(len(terms))
		}
		scores[i] = (1-w)*h.Score + w*coverage
	}
	return scores, nil
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = true
	}
	return out
}
