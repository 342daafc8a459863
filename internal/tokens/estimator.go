// Package tokens provides pre-call token estimation and the model price table.
//
// Estimates are only ever used for admission budgeting before a provider call.
// Persisted accounting always comes from the provider's reported usage.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates the token count of a prompt. It uses the cl100k
// encoding when available and falls back to a character heuristic, so an
// estimate is always produced.
type Estimator struct {
	// CharsPerToken drives the fallback heuristic (default: 4).
	CharsPerToken float64

	once  sync.Once
	codec tokenizer.Codec
}

// NewEstimator creates an estimator with default settings.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Estimate returns an approximate token count for text. It never fails:
// if the tokenizer cannot be loaded, the character heuristic is used.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			e.codec = codec
		}
	})

	if e.codec != nil {
		if ids, _, err := e.codec.Encode(text); err == nil {
			return len(ids)
		}
	}

	return e.heuristic(text)
}

// EstimateMessages estimates a full prompt: system text plus message
// contents, with a small per-message overhead for role framing.
func (e *Estimator) EstimateMessages(system string, contents ...string) int {
	total := e.Estimate(system)
	for _, c := range contents {
		total += e.Estimate(c) + 4 // role tokens + separators
	}
	return total
}

func (e *Estimator) heuristic(text string) int {
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	n := int(float64(len(text)) / cpt)
	if n < 1 {
		n = 1
	}
	return n
}
