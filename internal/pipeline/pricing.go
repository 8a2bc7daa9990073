package pipeline

import "github.com/cfxhq/router/internal/openaishim"

// pricing holds a per-1000-token price pair for one model. Swappable
// without touching any other component: callers only ever see the
// resulting cost through the cost helper below.
type pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// priceTable is a static, best-effort cost lookup. Models absent from this
// table simply yield a nil cost rather than an error.
var priceTable = map[string]pricing{
	"gpt-4o-mini": {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-4o":      {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
}

// cost computes a USD estimate for usage against model's price entry.
// Returns nil if usage is unknown or model has no price entry.
func cost(model string, usage *openaishim.Usage) *float64 {
	if usage == nil {
		return nil
	}
	p, ok := priceTable[model]
	if !ok {
		return nil
	}
	v := float64(usage.PromptTokens)/1000*p.PromptPer1K + float64(usage.CompletionTokens)/1000*p.CompletionPer1K
	return &v
}
