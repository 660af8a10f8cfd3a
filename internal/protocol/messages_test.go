package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestParseInstantMessage(t *testing.T) {
	from := uuid.New()
	raw := []byte(`{
		"type": "instant_message",
		"dialog": "plain",
		"from_id": "` + from.String() + `",
		"from_name": "Ada Byron",
		"text": "hello",
		"timestamp": "2026-08-28T10:00:00Z"
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)

	im, ok := msg.(InstantMessage)
	require.True(t, ok)
	require.Equal(t, DialogPlain, im.Dialog)
	require.Equal(t, from, im.FromID)
	require.Equal(t, "hello", im.Text)
	require.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), im.Timestamp)
}

func TestParseRejectsBadInstantMessages(t *testing.T) {
	from := uuid.New()

	_, err := Parse([]byte(`{"type":"instant_message","dialog":"telegram","from_id":"` + from.String() + `"}`))
	require.ErrorContains(t, err, "invalid dialog kind")

	_, err = Parse([]byte(`{"type":"instant_message","dialog":"plain","text":"hi"}`))
	require.ErrorContains(t, err, "missing from_id")
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"carrier_pigeon"}`))
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Parse([]byte(`not json`))
	require.ErrorContains(t, err, "invalid envelope")
}

func TestParseSessionRoster(t *testing.T) {
	session := uuid.New()
	member := uuid.New()
	raw := []byte(`{
		"type": "session_roster",
		"session_id": "` + session.String() + `",
		"agents": {"` + member.String() + `": {"is_moderator": true, "muted_voice": true}}
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)

	roster, ok := msg.(SessionRoster)
	require.True(t, ok)
	require.Equal(t, session, roster.SessionID)
	info := roster.Agents[member.String()]
	require.True(t, info.IsModerator)
	require.True(t, info.MutedVoice)
	require.False(t, info.MutedText)
}

func TestParseMembershipUpdate(t *testing.T) {
	session := uuid.New()
	joiner := uuid.New()
	leaver := uuid.New()
	raw := []byte(`{
		"type": "membership_update",
		"session_id": "` + session.String() + `",
		"updates": {
			"` + joiner.String() + `": {"transition": "ENTER"},
			"` + leaver.String() + `": {"transition": "LEAVE"}
		}
	}`)

	msg, err := Parse(raw)
	require.NoError(t, err)

	update, ok := msg.(MembershipUpdate)
	require.True(t, ok)
	require.Equal(t, TransitionEnter, update.Updates[joiner.String()].Transition)
	require.Equal(t, TransitionLeave, update.Updates[leaver.String()].Transition)
}

func TestParseVoiceEvent(t *testing.T) {
	raw := []byte(`{"type":"voice_event","status":"error","error_code":"channel_full","channel_uri":"sip:x@voice.gridtalk"}`)

	msg, err := Parse(raw)
	require.NoError(t, err)

	ev, ok := msg.(VoiceEvent)
	require.True(t, ok)
	require.Equal(t, VoiceStatusError, ev.Status)
	require.Equal(t, VoiceErrChannelFull, ev.ErrorCode)
	require.Equal(t, "sip:x@voice.gridtalk", ev.ChannelURI)
}

func TestDialogKindValid(t *testing.T) {
	for _, k := range []DialogKind{DialogPlain, DialogGroup, DialogGroupNotice, DialogAdHoc, DialogInvite, DialogBroadcast} {
		require.True(t, k.Valid(), string(k))
	}
	require.False(t, DialogKind("smoke_signal").Valid())
	require.False(t, DialogKind("").Valid())
}
