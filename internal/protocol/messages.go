package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies point-to-point payload variants.
type MessageType string

const (
	TypeInstantMessage   MessageType = "instant_message"
	TypeTypingState      MessageType = "typing_state"
	TypeMuteListUpdate   MessageType = "mute_list_update"
	TypeMuteListRequest  MessageType = "mute_list_request"
	TypeSessionRoster    MessageType = "session_roster"
	TypeMembershipUpdate MessageType = "membership_update"
	TypeVoiceEvent       MessageType = "voice_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// DialogKind discriminates how an instant message relates to a session.
// Session-id derivation and voice-channel selection switch exhaustively on it.
type DialogKind string

const (
	// One-to-one text message; the session id is derived from the two
	// participant ids.
	DialogPlain DialogKind = "plain"
	// Message within an established group conversation.
	DialogGroup DialogKind = "group"
	// Notice broadcast to a group; no interactive session required.
	DialogGroupNotice DialogKind = "group_notice"
	// Conference started ad hoc; the session id is random.
	DialogAdHoc DialogKind = "ad_hoc"
	// Invitation into an existing session (carries that session's id).
	DialogInvite DialogKind = "invite"
	// Region- or estate-wide broadcast, never answered.
	DialogBroadcast DialogKind = "broadcast"
)

func (k DialogKind) Valid() bool {
	switch k {
	case DialogPlain, DialogGroup, DialogGroupNotice, DialogAdHoc, DialogInvite, DialogBroadcast:
		return true
	default:
		return false
	}
}

type Envelope struct {
	Type MessageType `json:"type"`
}

// InstantMessage is the legacy point-to-point delivery format. It is always
// available even when the region advertises no messaging capabilities.
type InstantMessage struct {
	Type      MessageType `json:"type"`
	Dialog    DialogKind  `json:"dialog"`
	SessionID uuid.UUID   `json:"session_id"`
	FromID    uuid.UUID   `json:"from_id"`
	FromName  string      `json:"from_name,omitempty"`
	ToID      uuid.UUID   `json:"to_id"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
	// Opaque binary payload, e.g. a folder offer blob.
	Payload []byte `json:"payload,omitempty"`
}

type TypingState struct {
	Type      MessageType `json:"type"`
	SessionID uuid.UUID   `json:"session_id"`
	FromID    uuid.UUID   `json:"from_id"`
	Typing    bool        `json:"typing"`
}

type MuteListUpdate struct {
	Type    MessageType `json:"type"`
	Muted   []uuid.UUID `json:"muted,omitempty"`
	Unmuted []uuid.UUID `json:"unmuted,omitempty"`
}

type MuteListRequest struct {
	Type    MessageType `json:"type"`
	AgentID uuid.UUID   `json:"agent_id"`
}

// AgentInfo carries per-participant moderation state in roster payloads.
type AgentInfo struct {
	IsModerator bool `json:"is_moderator"`
	MutedText   bool `json:"muted_text"`
	MutedVoice  bool `json:"muted_voice"`
}

// SessionRoster is the full membership snapshot pushed when a session is
// confirmed server-side.
type SessionRoster struct {
	Type      MessageType          `json:"type"`
	SessionID uuid.UUID            `json:"session_id"`
	Agents    map[string]AgentInfo `json:"agents"`
}

type MembershipTransition string

const (
	TransitionEnter MembershipTransition = "ENTER"
	TransitionLeave MembershipTransition = "LEAVE"
)

type MembershipChange struct {
	Transition MembershipTransition `json:"transition,omitempty"`
	Info       *AgentInfo           `json:"info,omitempty"`
}

// MembershipUpdate is a server-pushed delta against a session roster. It may
// arrive before the session itself is confirmed and must then be held back.
type MembershipUpdate struct {
	Type      MessageType                 `json:"type"`
	SessionID uuid.UUID                   `json:"session_id"`
	Updates   map[string]MembershipChange `json:"updates"`
}

// Voice-engine gateway event vocabulary.
type VoiceStatus string

const (
	VoiceStatusLoginRetry VoiceStatus = "login_retry"
	VoiceStatusLoggedIn   VoiceStatus = "logged_in"
	VoiceStatusJoining    VoiceStatus = "joining"
	VoiceStatusJoined     VoiceStatus = "joined"
	VoiceStatusLeft       VoiceStatus = "left_channel"
	VoiceStatusDisabled   VoiceStatus = "voice_disabled"
	VoiceStatusError      VoiceStatus = "error"
)

type VoiceErrorCode string

const (
	VoiceErrNone          VoiceErrorCode = ""
	VoiceErrChannelLocked VoiceErrorCode = "channel_locked"
	VoiceErrChannelFull   VoiceErrorCode = "channel_full"
	VoiceErrNotAvailable  VoiceErrorCode = "not_available"
	VoiceErrUnknown       VoiceErrorCode = "unknown"
)

type VoiceEvent struct {
	Type       MessageType    `json:"type"`
	Status     VoiceStatus    `json:"status"`
	ErrorCode  VoiceErrorCode `json:"error_code,omitempty"`
	ChannelURI string         `json:"channel_uri,omitempty"`
	Proximal   bool           `json:"proximal,omitempty"`
}

// Parse decodes a raw point-to-point frame into its concrete message type.
func Parse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInstantMessage:
		var msg InstantMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !msg.Dialog.Valid() {
			return nil, fmt.Errorf("invalid dialog kind %q", msg.Dialog)
		}
		if msg.FromID == uuid.Nil {
			return nil, errors.New("instant_message missing from_id")
		}
		return msg, nil
	case TypeTypingState:
		var msg TypingState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeMuteListUpdate:
		var msg MuteListUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeMuteListRequest:
		var msg MuteListRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionRoster:
		var msg SessionRoster
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeMembershipUpdate:
		var msg MembershipUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeVoiceEvent:
		var msg VoiceEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
