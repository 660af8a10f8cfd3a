// Package im owns the set of live conversation sessions: creation and
// deduplication, history replay ordering, message queuing before the server
// confirms a session, and pending-invite bookkeeping.
package im

import (
	"time"

	"github.com/google/uuid"

	"github.com/venarius/gridtalk/internal/protocol"
)

// Line is one displayed message, after history merging.
type Line struct {
	SessionID uuid.UUID `json:"session_id"`
	FromID    uuid.UUID `json:"from_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// P2PSessionID derives the stable one-to-one session id from the two
// participant ids. XOR is symmetric, so both sides compute the same id
// without negotiation.
func P2PSessionID(a, b uuid.UUID) uuid.UUID {
	var out uuid.UUID
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// session is owned exclusively by the Registry and mutated only under its
// lock. Callers get SessionInfo copies.
type session struct {
	id           uuid.UUID
	label        string
	kind         protocol.DialogKind
	otherID      uuid.UUID
	participants []uuid.UUID
	logID        string

	// False until the server acknowledges creation; outgoing sends queue
	// in outbox until then.
	initialized bool
	outbox      []string

	// Live messages arriving while history replay is outstanding are held
	// here so the final order is local log, transcript, then these.
	historyPending bool
	liveBuffer     []Line

	members      map[string]protocol.AgentInfo
	snoozedUntil time.Time
}

func (s *session) snoozed(now time.Time) bool {
	return now.Before(s.snoozedUntil)
}

// SessionInfo is the read-only snapshot handed to collaborators.
type SessionInfo struct {
	ID           uuid.UUID           `json:"id"`
	Label        string              `json:"label"`
	Kind         protocol.DialogKind `json:"kind"`
	OtherID      uuid.UUID           `json:"other_id"`
	Participants []uuid.UUID         `json:"participants,omitempty"`
	Initialized  bool                `json:"initialized"`
	Snoozed      bool                `json:"snoozed"`
	Members      int                 `json:"members"`
}

// invite is a voice invitation for a session the user has not opened yet.
type invite struct {
	fromID   uuid.UUID
	fromName string
	label    string
	handle   string
}

// CreateFailure classifies why a server-side session create failed. Exactly
// one user notification is emitted per failure.
type CreateFailure string

const (
	FailureDoesNotExist CreateFailure = "session_does_not_exist"
	FailureNoAbility    CreateFailure = "no_ability"
	FailureNoPermission CreateFailure = "insufficient_permission"
	FailureGeneric      CreateFailure = "generic"
)
