package events

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Manager is the emission front of the event system: modules emit
// through it, subscribers attach to the underlying bus.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates an event manager over a bus.
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Emit publishes an event with a free-form data map.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, module, data)

	if eventJSON, err := json.Marshal(data); err == nil {
		m.log.Debug().
			Str("event_type", string(eventType)).
			Str("module", module).
			RawJSON("event", eventJSON).
			Msg("Event emitted")
	}
}

// EmitTyped publishes a typed payload under its own event type.
func (m *Manager) EmitTyped(module string, data EventData) {
	dataMap, err := convertEventDataToMap(data)
	if err != nil {
		m.log.Warn().Err(err).
			Str("event_type", string(data.EventType())).
			Msg("Failed to convert event data, emitting without payload")
		dataMap = nil
	}
	m.Emit(data.EventType(), module, dataMap)
}

// EmitError publishes an ERROR_OCCURRED event for a module failure.
func (m *Manager) EmitError(module string, err error, context string) {
	m.EmitTyped(module, ErrorData{
		Module:  module,
		Error:   err.Error(),
		Context: context,
	})
}

// convertEventDataToMap round-trips a typed payload through JSON so the
// bus and SSE stream only ever see plain maps.
func convertEventDataToMap(data EventData) (map[string]interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	return out, nil
}
