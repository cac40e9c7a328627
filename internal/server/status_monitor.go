package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/clients/orderbook"
	"github.com/anthonykimani/kiota-sub002/internal/events"
)

// StatusMonitor periodically emits liveness events and watches the
// order book fill stream connection. SSE dashboards key off these
// instead of polling the status endpoint.
type StatusMonitor struct {
	eventManager *events.Manager
	fillStream   *orderbook.FillStream
	log          zerolog.Logger

	lastStreamConnected bool
}

// NewStatusMonitor creates a new status monitor. fillStream may be nil
// when the router venue is active.
func NewStatusMonitor(
	eventManager *events.Manager,
	fillStream *orderbook.FillStream,
	log zerolog.Logger,
) *StatusMonitor {
	return &StatusMonitor{
		eventManager: eventManager,
		fillStream:   fillStream,
		log:          log.With().Str("component", "status_monitor").Logger(),
	}
}

// Start begins periodic status monitoring
func (m *StatusMonitor) Start(interval time.Duration) {
	go m.monitor(interval)
}

// monitor runs the periodic monitoring loop
func (m *StatusMonitor) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do initial check
	m.checkStatuses()

	for range ticker.C {
		m.checkStatuses()
	}
}

// checkStatuses runs all the periodic checks. A full status snapshot
// samples CPU for 100ms, so the ticker only emits the cheap signals.
func (m *StatusMonitor) checkStatuses() {
	m.checkSystemStatus()
	m.checkFillStreamStatus()
}

// checkSystemStatus emits a periodic heartbeat event.
func (m *StatusMonitor) checkSystemStatus() {
	if m.eventManager != nil {
		m.eventManager.Emit(events.SystemStatusChanged, "status_monitor", map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// checkFillStreamStatus emits an event when the order book stream
// connection flips.
func (m *StatusMonitor) checkFillStreamStatus() {
	if m.fillStream == nil {
		return
	}

	connected := m.fillStream.IsConnected()
	if connected != m.lastStreamConnected {
		if m.eventManager != nil {
			m.eventManager.Emit(events.SystemStatusChanged, "status_monitor", map[string]interface{}{
				"fill_stream_connected": connected,
				"timestamp":             time.Now().Format(time.RFC3339),
			})
		}
		m.lastStreamConnected = connected
	}
}
