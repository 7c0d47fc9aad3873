package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowmonkey/engine/pkg/api"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	data, err := api.CanonicalJSON(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"c": true, "a": nil},
		"mid":   []any{"x", 2},
	})
	assert.NoError(t, err)
	assert.Equal(t,
		`{"alpha":{"a":null,"c":true},"mid":["x",2],"zebra":1}`,
		string(data))
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	data, err := api.CanonicalJSON(map[string]any{"total": 99.99})
	assert.NoError(t, err)
	assert.Equal(t, `{"total":99.99}`, string(data))
}

func TestNewJobIDDeterministic(t *testing.T) {
	key := api.JobKey{
		ExecutionID: "e1",
		StepID:      "s1",
		Handler:     "h",
		Input:       map[string]any{"n": 1},
	}

	first, err := api.NewJobID(key)
	assert.NoError(t, err)
	second, err := api.NewJobID(key)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, string(first), 32)

	other, err := api.NewJobID(api.JobKey{
		ExecutionID: "e1",
		StepID:      "s1",
		Handler:     "h",
		Input:       map[string]any{"n": 2},
	})
	assert.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestNewJobIDKeyOrderInsensitive(t *testing.T) {
	a, err := api.NewJobID(api.JobKey{
		ExecutionID: "e1",
		StepID:      "s1",
		Handler:     "h",
		Input:       map[string]any{"a": 1, "b": 2},
	})
	assert.NoError(t, err)

	b, err := api.NewJobID(api.JobKey{
		ExecutionID: "e1",
		StepID:      "s1",
		Handler:     "h",
		Input:       map[string]any{"b": 2, "a": 1},
	})
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}
