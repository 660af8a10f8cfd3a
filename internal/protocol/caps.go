package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Well-known capability names advertised by a region. Absence of a capability
// means the caller must fall back to the legacy point-to-point path.
const (
	CapNameLookup         = "GetDisplayNames"
	CapDisplayNameSet     = "SetDisplayName"
	CapChatSessionRequest = "ChatSessionRequest"
	CapHistoryFetch       = "ChatSessionHistory"
	CapOfflineMessages    = "ReadOfflineMsgs"
)

// NameEntry is one row of a batched name-lookup response.
type NameEntry struct {
	ID               uuid.UUID `json:"id"`
	Username         string    `json:"username"`
	DisplayName      string    `json:"display_name"`
	LegacyFirstName  string    `json:"legacy_first_name"`
	LegacyLastName   string    `json:"legacy_last_name"`
	IsDisplayDefault bool      `json:"is_display_name_default"`
	NextUpdate       time.Time `json:"display_name_next_update"`
}

type NameBatchResponse struct {
	Agents []NameEntry `json:"agents"`
	BadIDs []uuid.UUID `json:"bad_ids,omitempty"`
}

// ChatSessionRequest drives both session creation and voice credential
// fetches against the ChatSessionRequest capability, discriminated by Method.
type ChatSessionRequest struct {
	Method       string      `json:"method"`
	SessionID    uuid.UUID   `json:"session-id"`
	Participants []uuid.UUID `json:"params,omitempty"`
}

const (
	MethodStartConference = "start conference"
	MethodInviteToSession = "invite"
	MethodAcceptInvite    = "accept invitation"
	MethodDeclineInvite   = "decline invitation"
	MethodLeaveSession    = "leave session"
	MethodCall            = "call"
)

type VoiceCredentials struct {
	ChannelURI         string `json:"channel_uri"`
	ChannelCredentials string `json:"channel_credentials"`
}

type ChatSessionResponse struct {
	Success          bool              `json:"success"`
	SessionID        uuid.UUID         `json:"session_id"`
	Error            string            `json:"error,omitempty"`
	VoiceCredentials *VoiceCredentials `json:"voice_credentials,omitempty"`
}

type HistoryLine struct {
	FromID    uuid.UUID `json:"from_id"`
	FromName  string    `json:"from_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryResponse struct {
	SessionID uuid.UUID     `json:"session_id"`
	Lines     []HistoryLine `json:"lines"`
}

type DisplayNameSetRequest struct {
	DisplayName string `json:"display_name"`
}
