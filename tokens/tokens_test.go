package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pipelit/pipelit/state"
)

func TestCount(t *testing.T) {
	assert.Equal(t, 0, Count(""))
	assert.Equal(t, 1, Count("hi"))
	assert.Equal(t, 2, Count("12345678"))

	// Deterministic: same input, same count.
	assert.Equal(t, Count("hello world"), Count("hello world"))
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, 128000, ContextWindow("gpt-4o", 0))
	assert.Equal(t, 128000, ContextWindow("gpt-4o-mini", 0))
	assert.Equal(t, 8192, ContextWindow("gpt-4", 0))
	assert.Equal(t, DefaultWindow, ContextWindow("unknown-model", 0))

	// Explicit override wins over the table.
	assert.Equal(t, 4000, ContextWindow("gpt-4o", 4000))
}

func TestTrim_KeepsSystemAndDropsOldest(t *testing.T) {
	long := strings.Repeat("x", 400) // ~100 tokens each
	msgs := []state.Message{
		{ID: "sys", Role: "system", Content: "be brief"},
		{ID: "u1", Role: "user", Content: long},
		{ID: "a1", Role: "assistant", Content: long},
		{ID: "u2", Role: "user", Content: long},
	}

	budget := CountMessages(msgs) - 1
	trimmed := Trim(msgs, budget)

	assert.Len(t, trimmed, 3)
	assert.Equal(t, "sys", trimmed[0].ID, "system message survives")
	assert.Equal(t, "a1", trimmed[1].ID, "oldest non-system dropped first")
	assert.Equal(t, "u2", trimmed[2].ID)
	assert.LessOrEqual(t, CountMessages(trimmed), budget)
}

func TestTrim_NoOpWhenUnderBudget(t *testing.T) {
	msgs := []state.Message{{Role: "user", Content: "hi"}}
	assert.Equal(t, msgs, Trim(msgs, 1000))
}

func TestTrim_OnlySystemLeft(t *testing.T) {
	msgs := []state.Message{{Role: "system", Content: strings.Repeat("x", 4000)}}
	trimmed := Trim(msgs, 10)
	assert.Len(t, trimmed, 1, "system messages are never dropped")
}

func TestBudget(t *testing.T) {
	assert.Equal(t, 128000-ReserveTokens, Budget("gpt-4o", 0))
	assert.Equal(t, 512, Budget("gpt-4", 4000), "floor applies when reserve exceeds window")
}
