package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    RunInput
		decision string
		reason   string
	}{
		{
			name:     "member running python",
			input:    RunInput{UserID: "u1", RoomID: "r1", Language: "python", Member: true, CodeSize: 10},
			decision: DecisionAllow,
		},
		{
			name:     "not a member",
			input:    RunInput{UserID: "u1", RoomID: "r1", Language: "python", CodeSize: 10},
			decision: DecisionBlock,
			reason:   "not a member of this room",
		},
		{
			name:     "unsupported language",
			input:    RunInput{UserID: "u1", RoomID: "r1", Language: "cobol", Member: true},
			decision: DecisionBlock,
			reason:   "unsupported language",
		},
		{
			name:     "code too large",
			input:    RunInput{UserID: "u1", RoomID: "r1", Language: "php", Member: true, CodeSize: 1 << 20},
			decision: DecisionBlock,
			reason:   "code too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, reason, err := engine.Evaluate(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.reason, reason)

			allowed, _, err := engine.Allowed(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.decision == DecisionAllow, allowed)
		})
	}
}

func TestCustomPolicyWithoutReason(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package run_policy

default decision = "block"

decision = "allow" {
	input.language == "javascript"
}
`)
	require.NoError(t, err)

	decision, reason, err := engine.Evaluate(ctx, RunInput{Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, decision)
	assert.Equal(t, "blocked by policy", reason)

	decision, _, err = engine.Evaluate(ctx, RunInput{Language: "javascript"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, decision)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package run_policy\n decision = {")
	assert.Error(t, err)
}
