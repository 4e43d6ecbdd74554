// Package usage estimates token counts for translated responses.
//
// None of the estimators here are billing-accurate. The heuristic counts four
// characters per token; the tokenizer-backed estimator uses an OpenAI encoding,
// which only approximates what Gemini itself would report.
package usage

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

const (
	// KindHeuristic selects the four-characters-per-token estimator.
	KindHeuristic = "heuristic"
	// KindTiktoken selects the cl100k_base tokenizer.
	KindTiktoken = "tiktoken"

	charsPerToken = 4
)

// Estimator counts tokens in a piece of text.
type Estimator interface {
	Count(text string) int
}

// Heuristic implements max(1, runes/4) for non-empty text and 0 for empty text.
type Heuristic struct{}

// Count returns the estimated token count of text.
func (Heuristic) Count(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens is the coarse character-based token estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(1, utf8.RuneCountInString(text)/charsPerToken)
}

// Tokenizer counts tokens with a tiktoken codec and falls back to the heuristic
// when encoding fails.
type Tokenizer struct {
	codec tokenizer.Codec
}

// NewTokenizer loads the cl100k_base codec.
func NewTokenizer() (*Tokenizer, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Tokenizer{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		slog.Warn("tokenizer count failed, using heuristic", "err", err)
		return EstimateTokens(text)
	}
	return max(1, len(ids))
}

// New returns the estimator registered under kind.
func New(kind string) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindHeuristic:
		return Heuristic{}, nil
	case KindTiktoken:
		return NewTokenizer()
	default:
		return nil, fmt.Errorf("unknown usage estimator %q", kind)
	}
}
