package genai

import (
	"log/slog"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

// HistoryBudget keeps the newest history turns that fit in a token budget.
type HistoryBudget struct {
	count     func(string) int
	maxTokens int
}

// NewHistoryBudget selects the tokenizer for model, falling back to
// cl100k_base and finally to a length estimate when no encoding can be loaded.
func NewHistoryBudget(model string, maxTokens int) *HistoryBudget {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("NewHistoryBudget: tokenizer unavailable, estimating by length", "model", model, "error", err)
		return NewHistoryBudgetWithCounter(estimateTokens, maxTokens)
	}
	return NewHistoryBudgetWithCounter(func(s string) int { return len(enc.Encode(s, nil, nil)) }, maxTokens)
}

// NewHistoryBudgetWithCounter builds a budget around an explicit token counter.
func NewHistoryBudgetWithCounter(count func(string) int, maxTokens int) *HistoryBudget {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxHistoryTokens
	}
	return &HistoryBudget{count: count, maxTokens: maxTokens}
}

// Trim returns the longest suffix of history whose token count fits.
func (b *HistoryBudget) Trim(history []models.Turn) []models.Turn {
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := b.count(history[i].Text)
		if used+n > b.maxTokens {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}

// estimateTokens approximates four characters per token.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
