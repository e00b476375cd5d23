package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"skillforge/internal/conversation"
	"skillforge/internal/forge"
	"skillforge/internal/llm"
	"skillforge/internal/statestore"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"unknown conversation", fmt.Errorf("lookup: %w", conversation.ErrUnknownConversation), 2},
		{"invalid task id", conversation.ErrInvalidTaskID, 2},
		{"bad priority", fmt.Errorf("%w: 150", conversation.ErrBadPriorityValue), 2},
		{"capability missing", fmt.Errorf("%w: %v", conversation.ErrCapabilityMissing, forge.ErrGenerationDisabled), 3},
		{"generation disabled", forge.ErrGenerationDisabled, 3},
		{"store open failure", fmt.Errorf("%w: disk full", errPersistence), 4},
		{"corrupt state", fmt.Errorf("load: %w", statestore.ErrCorrupt), 4},
		{"unrecoverable state", statestore.ErrUnrecoverable, 4},
		{"generator down", fmt.Errorf("generation step generate: generator call failed: %w", llm.ErrUnreachable), 5},
		{"cancelled", context.Canceled, 6},
		{"anything else", fmt.Errorf("boom"), 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}
