// Package events defines the lifecycle event payloads and the typed feeds
// used to publish them between channels, managers and their observers.
package events

import "time"

// Connected is emitted once per successful physical connection.
type Connected struct {
	Remote string
	At     time.Time
}

// Disconnected is emitted when a connection ends. Cause is nil for a manual
// disconnect and carries the failure otherwise.
type Disconnected struct {
	Remote string
	Cause  error
	At     time.Time
}

// Manual reports whether the disconnect was requested locally.
func (d Disconnected) Manual() bool {
	return d.Cause == nil
}

// Kind names a lifecycle transition for journals and telemetry.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindReconnecting Kind = "reconnecting"
	KindExhausted    Kind = "reconnect_exhausted"
)

// Reconnecting is emitted before each reconnect attempt is scheduled.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	LastErr error
	At      time.Time
}

// Lifecycle is a flattened, serialisable record of one session transition.
// It is what the journal stores and what telemetry publishes.
type Lifecycle struct {
	Session string        `json:"session"`
	Kind    Kind          `json:"kind"`
	Epoch   string        `json:"epoch,omitempty"`
	Remote  string        `json:"remote,omitempty"`
	Error   string        `json:"error,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay_ns,omitempty"`
	At      time.Time     `json:"at"`
}
