// Package voice layers the call state machine on top of conversation
// sessions: credential fetch, connect/ring/error/retry handling, and the
// bookkeeping that keeps exactly one channel current.
package voice

import (
	"github.com/google/uuid"
)

// State of one channel. HungUp and Error are terminal until re-activated.
type State string

const (
	StateNoChannelInfo State = "no_channel_info"
	StateReady         State = "ready"
	StateCallStarted   State = "call_started"
	StateRinging       State = "ringing"
	StateConnected     State = "connected"
	StateHungUp        State = "hung_up"
	StateError         State = "error"
)

// Kind selects the join mechanics.
type Kind string

const (
	// The region's spatial channel; always exists and acts as the fallback
	// whenever a non-spatial channel ends.
	KindProximal Kind = "proximal"
	KindGroup    Kind = "group"
	KindP2P      Kind = "p2p"
)

// channel is owned by the Manager and mutated only under its lock.
type channel struct {
	sessionID uuid.UUID
	peerID    uuid.UUID
	label     string
	kind      Kind
	state     State

	uri         string
	credentials string
	// Engine handle of an inbound invite; empty for outbound calls.
	handle string

	// Credential responses carry the generation they were requested under;
	// a mismatch means the fetch was superseded and is discarded.
	generation int
	retries    int

	// Set when this side intentionally leaves, so the engine's expected
	// leave event is not treated as a forced disconnect.
	ignoreNextLeave bool
}

func (ch *channel) active() bool {
	switch ch.state {
	case StateCallStarted, StateRinging, StateConnected:
		return true
	default:
		return false
	}
}

// Info is the read-only channel snapshot.
type Info struct {
	SessionID uuid.UUID `json:"session_id"`
	Label     string    `json:"label"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	URI       string    `json:"uri,omitempty"`
}
