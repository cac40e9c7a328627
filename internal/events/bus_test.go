package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var received []*Event
	bus.Subscribe(DepositReceived, func(e *Event) {
		received = append(received, e)
	})

	bus.Emit(DepositReceived, "deposit", map[string]interface{}{
		"session_id": "abc",
	})

	require.Len(t, received, 1)
	assert.Equal(t, DepositReceived, received[0].Type)
	assert.Equal(t, "deposit", received[0].Module)
	assert.Equal(t, "abc", received[0].Data["session_id"])
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestBusIgnoresOtherTypes(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	bus.Subscribe(DepositConfirmed, func(e *Event) { calls++ })

	bus.Emit(DepositReceived, "deposit", nil)
	bus.Emit(SwapOrderUpdated, "swap", nil)

	assert.Equal(t, 0, calls)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	bus.Subscribe(DepositSettled, func(e *Event) { panic("boom") })

	delivered := false
	bus.Subscribe(DepositSettled, func(e *Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Emit(DepositSettled, "settlement", nil)
	})
	assert.True(t, delivered)
}

func TestManagerEmitTyped(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	manager := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(SwapOrderUpdated, func(e *Event) { got = e })

	manager.EmitTyped("swap", SwapOrderUpdatedData{
		OrderID:   "0xdeadbeef",
		Provider:  "router",
		OldStatus: "PROCESSING",
		NewStatus: "COMPLETED",
	})

	require.NotNil(t, got)
	assert.Equal(t, "0xdeadbeef", got.Data["order_id"])
	assert.Equal(t, "router", got.Data["provider"])
	assert.Equal(t, "COMPLETED", got.Data["new_status"])
}

func TestManagerEmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	manager := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { got = e })

	manager.EmitError("settlement", errors.New("leg failed"), "settle sess-1")

	require.NotNil(t, got)
	assert.Equal(t, "leg failed", got.Data["error"])
	assert.Equal(t, "settle sess-1", got.Data["context"])
}
