package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEnv() map[string]any {
	return map[string]any{
		"trigger": map[string]any{"text": "hello world", "payload": map[string]any{"id": 7}},
		"agent":   map[string]any{"output": "Done.", "items": []any{"a", "b", "c"}},
		"tenant":  "acme",
	}
}

func TestResolve_Interpolation(t *testing.T) {
	got := Resolve("User said: {{ trigger.text }}", testEnv())
	assert.Equal(t, "User said: hello world", got)

	got = Resolve("{{ tenant }}/{{ agent.output }}", testEnv())
	assert.Equal(t, "acme/Done.", got)
}

func TestResolve_MissingPathStaysLiteral(t *testing.T) {
	text := "value: {{ missing.path }}"
	got := Resolve(text, testEnv())
	assert.Equal(t, text, got)

	// Idempotent: resolving again changes nothing.
	assert.Equal(t, got, Resolve(got, testEnv()))
}

func TestResolve_Filters(t *testing.T) {
	env := testEnv()

	assert.Equal(t, "HELLO WORLD", Resolve("{{ trigger.text | upper }}", env))
	assert.Equal(t, "done.", Resolve("{{ agent.output | lower }}", env))
	assert.Equal(t, "3", Resolve("{{ agent.items | length }}", env))
	assert.Equal(t, `{"id":7}`, Resolve("{{ trigger.payload | tojson }}", env))

	// Unknown filter leaves the placeholder in place.
	text := "{{ trigger.text | reverse }}"
	assert.Equal(t, text, Resolve(text, env))
}

func TestResolveValue_TypePreservation(t *testing.T) {
	env := testEnv()

	// A leaf that is exactly one placeholder keeps its type.
	v := ResolveValue("{{ trigger.payload.id }}", env)
	assert.Equal(t, 7, v)

	v = ResolveValue("{{ trigger.payload }}", env)
	assert.Equal(t, map[string]any{"id": 7}, v)

	// Mixed text interpolates to string.
	v = ResolveValue("id={{ trigger.payload.id }}", env)
	assert.Equal(t, "id=7", v)
}

func TestResolveMap_Recursive(t *testing.T) {
	cfg := map[string]any{
		"url":    "https://api.example.com/{{ tenant }}",
		"limit":  5,
		"nested": map[string]any{"greeting": "{{ trigger.text | upper }}"},
		"list":   []any{"{{ tenant }}", 42},
	}

	got := ResolveMap(cfg, testEnv())

	assert.Equal(t, "https://api.example.com/acme", got["url"])
	assert.Equal(t, 5, got["limit"])
	assert.Equal(t, "HELLO WORLD", got["nested"].(map[string]any)["greeting"])
	assert.Equal(t, "acme", got["list"].([]any)[0])
	assert.Equal(t, 42, got["list"].([]any)[1])

	// Original untouched.
	assert.Equal(t, "https://api.example.com/{{ tenant }}", cfg["url"])
}
