// Package gateway talks to the external voice engine. The engine owns the
// actual media session; we only steer it between channels and mirror the
// participant state it reports.
package gateway

import (
	"github.com/google/uuid"

	"github.com/venarius/gridtalk/internal/protocol"
)

// Participant mirrors one member of the active voice channel as reported by
// the engine.
type Participant struct {
	ID               uuid.UUID
	LegacyName       string
	IsAvatar         bool
	IsSpeaking       bool
	IsModeratorMuted bool
	// Smoothed speech energy in [0,1].
	Energy float64
}

// Observer receives every status event the engine emits. Callbacks run on the
// gateway's read goroutine and must not block.
type Observer func(protocol.VoiceEvent)

// Gateway is the control surface of the voice engine.
type Gateway interface {
	// AddObserver registers for status events and returns an unsubscribe.
	AddObserver(Observer) func()

	// SetNonSpatialChannel steers the engine into a group or one-to-one
	// channel. The spatial channel is implicit: leaving the non-spatial
	// channel falls back to it.
	SetNonSpatialChannel(uri, credentials string) error
	LeaveNonSpatialChannel() error

	// CallUser places an outgoing one-to-one call to the agent's SIP URI.
	CallUser(id uuid.UUID) error
	// AnswerInvite accepts a pending incoming call by its engine handle.
	AnswerInvite(handle string) error
	DeclineInvite(handle string) error

	CurrentChannelURI() string
	InProximalChannel() bool
	Participants() []Participant
	Participant(id uuid.UUID) (Participant, bool)
	VoiceEnabled() bool
}

// SIPURI derives the deterministic per-agent SIP address used for one-to-one
// calls.
func SIPURI(id uuid.UUID) string {
	return "sip:" + id.String() + "@voice.gridtalk"
}
