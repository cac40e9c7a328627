package swap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to processing", from: StatusPending, to: StatusProcessing, want: true},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted, want: true},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, want: true},
		{name: "processing to completed", from: StatusProcessing, to: StatusCompleted, want: true},
		{name: "processing to failed", from: StatusProcessing, to: StatusFailed, want: true},
		{name: "processing back to pending", from: StatusProcessing, to: StatusPending, want: false},
		{name: "completed to failed", from: StatusCompleted, to: StatusFailed, want: false},
		{name: "completed to processing", from: StatusCompleted, to: StatusProcessing, want: false},
		{name: "failed to completed", from: StatusFailed, to: StatusCompleted, want: false},
		{name: "failed to pending", from: StatusFailed, to: StatusPending, want: false},
		{name: "self transition pending", from: StatusPending, to: StatusPending, want: false},
		{name: "self transition processing", from: StatusProcessing, to: StatusProcessing, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
