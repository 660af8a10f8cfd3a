package mutes

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/venarius/gridtalk/internal/protocol"
)

func TestApplyDelta(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	l := NewList()
	l.Add(a)

	l.Apply(protocol.MuteListUpdate{Muted: []uuid.UUID{b}, Unmuted: []uuid.UUID{a}})
	require.False(t, l.IsMuted(a))
	require.True(t, l.IsMuted(b))
	require.Equal(t, 1, l.Len())
}

func TestRequestCarriesAgentID(t *testing.T) {
	id := uuid.New()
	req := Request(id)
	require.Equal(t, protocol.TypeMuteListRequest, req.Type)
	require.Equal(t, id, req.AgentID)
}
