package external_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitorouter/sitorouter/internal/external"
)

// Property: %%token%% resolves to the bound scalar verbatim, non-scalar
// bindings serialize to JSON, and unknown tokens pass through untouched.
func TestSimpleMacroExpander(t *testing.T) {
	expander := external.SimpleMacroExpander{}
	bindings := map[string]any{
		"record_id": "rec-1",
		"cargo":     map[string]any{"a": float64(1)},
		"empty":     nil,
	}

	got, err := expander.Expand(context.Background(), "record_id", bindings)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got)

	got, err = expander.Expand(context.Background(), "cargo", bindings)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, got)

	got, err = expander.Expand(context.Background(), "empty", bindings)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = expander.Expand(context.Background(), "unbound_token", bindings)
	require.NoError(t, err)
	assert.Equal(t, "unbound_token", got)
}
