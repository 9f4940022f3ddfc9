package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepMergeScalarOverridesAndRecursesNested(t *testing.T) {
	a := map[string]any{
		"topic":      "default",
		"properties": map[string]any{"ack": "all", "retries": 3},
	}
	b := map[string]any{
		"topic":      "override",
		"properties": map[string]any{"retries": 5},
	}

	out := DeepMerge(a, b)

	assert.Equal(t, "override", out["topic"])
	props := out["properties"].(map[string]any)
	assert.Equal(t, "all", props["ack"])
	assert.Equal(t, 5, props["retries"])
}

func TestDeepMergeEmptyIsIdentity(t *testing.T) {
	a := map[string]any{"k": "v"}
	assert.Equal(t, a, DeepMerge(a, map[string]any{}))
	assert.Equal(t, a, DeepMerge(map[string]any{}, a))
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	src := Payload{"nested": map[string]any{"n": 1}}
	cloned := Clone(src)

	cloned["nested"].(map[string]any)["n"] = 2

	assert.Equal(t, 1, src["nested"].(map[string]any)["n"])
	assert.Equal(t, 2, cloned["nested"].(map[string]any)["n"])
}
