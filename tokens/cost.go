package tokens

import "strings"

// modelPricing holds USD per million tokens, prompt and completion.
type modelPricing struct {
	Prompt     float64
	Completion float64
}

var pricing = map[string]modelPricing{
	"gpt-4o":        {Prompt: 2.50, Completion: 10.00},
	"gpt-4o-mini":   {Prompt: 0.15, Completion: 0.60},
	"gpt-4-turbo":   {Prompt: 10.00, Completion: 30.00},
	"gpt-4":         {Prompt: 30.00, Completion: 60.00},
	"gpt-3.5-turbo": {Prompt: 0.50, Completion: 1.50},
	"o1":            {Prompt: 15.00, Completion: 60.00},
	"o3":            {Prompt: 2.00, Completion: 8.00},
}

// EstimateCost returns the USD cost of a completion. Unknown models cost
// zero; budget enforcement then rests on token counts alone.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	best := 0
	var p modelPricing
	for prefix, price := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			p = price
		}
	}
	if best == 0 {
		return 0
	}
	return float64(promptTokens)/1e6*p.Prompt + float64(completionTokens)/1e6*p.Completion
}
