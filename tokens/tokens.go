// Package tokens estimates token usage and trims message histories to fit
// model context windows. Estimation is deterministic and provider-agnostic;
// providers report exact usage after the fact.
package tokens

import (
	"strings"

	"github.com/pipelit/pipelit/state"
)

// ReserveTokens is held back from every context window for the completion.
const ReserveTokens = 4096

// DefaultWindow applies when the model is unknown.
const DefaultWindow = 8192

// perMessageOverhead approximates the chat framing tokens per message.
const perMessageOverhead = 4

// contextWindows maps known model names (and prefixes) to context sizes.
var contextWindows = map[string]int{
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o3":            200000,
	"llama3":        8192,
	"mistral":       32768,
}

// Count estimates the token count of a text. Roughly four characters per
// token, never zero for non-empty text.
func Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// CountMessage estimates one message including chat framing overhead.
func CountMessage(m state.Message) int {
	n := Count(m.Content) + Count(m.Role) + perMessageOverhead
	if m.Name != "" {
		n += Count(m.Name)
	}
	return n
}

// CountMessages estimates a whole history.
func CountMessages(msgs []state.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(m)
	}
	return total
}

// ContextWindow returns the context size for a model. An explicit override
// from node configuration wins; otherwise the longest matching model prefix,
// falling back to DefaultWindow.
func ContextWindow(model string, override int) int {
	if override > 0 {
		return override
	}
	best := 0
	window := DefaultWindow
	for prefix, size := range contextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			window = size
		}
	}
	return window
}

// Budget returns the prompt token budget for a model: the context window
// minus the completion reserve, never below a small floor.
func Budget(model string, override int) int {
	b := ContextWindow(model, override) - ReserveTokens
	if b < 512 {
		b = 512
	}
	return b
}

// Trim drops the oldest non-system messages, one at a time, until the
// history fits the budget. System messages always survive; relative order is
// preserved. The input slice is not modified.
func Trim(msgs []state.Message, budget int) []state.Message {
	total := CountMessages(msgs)
	if total <= budget {
		return msgs
	}

	dropped := make(map[int]bool)
	for total > budget {
		oldest := -1
		for i, m := range msgs {
			if m.Role != "system" && !dropped[i] {
				oldest = i
				break
			}
		}
		if oldest < 0 {
			break // only system messages left
		}
		dropped[oldest] = true
		total -= CountMessage(msgs[oldest])
	}

	out := make([]state.Message, 0, len(msgs)-len(dropped))
	for i, m := range msgs {
		if !dropped[i] {
			out = append(out, m)
		}
	}
	return out
}
