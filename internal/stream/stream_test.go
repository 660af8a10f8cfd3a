package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/gateway"
	"github.com/venarius/gridtalk/internal/im"
	"github.com/venarius/gridtalk/internal/mutes"
	"github.com/venarius/gridtalk/internal/names"
	"github.com/venarius/gridtalk/internal/notify"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/speakers"
	"github.com/venarius/gridtalk/internal/transcript"
)

type dispatchHarness struct {
	agentID  uuid.UUID
	registry *im.Registry
	mutes    *mutes.List
	tracker  *speakers.Tracker
	d        *Dispatcher
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	agentID := uuid.New()
	log := zerolog.Nop()
	nameCache := names.NewCache(nil, log, nil, names.CacheOptions{})
	registry := im.NewRegistry(im.Config{
		AgentID:  agentID,
		Send:     func(protocol.InstantMessage) error { return nil },
		Caps:     caps.NewClient(log, nil),
		Names:    nameCache,
		Logs:     transcript.NewStore(t.TempDir(), false),
		Notifier: notify.NewNotifier(),
		Log:      log,
	})
	muteList := mutes.NewList()
	tracker := speakers.NewTracker(speakers.Config{
		Gateway: gateway.NewMock(),
		Names:   nameCache,
		Mutes:   muteList,
		Log:     log,
	})
	return &dispatchHarness{
		agentID:  agentID,
		registry: registry,
		mutes:    muteList,
		tracker:  tracker,
		d:        NewDispatcher(registry, muteList, tracker, log),
	}
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDispatchRoutesInstantMessage(t *testing.T) {
	h := newDispatchHarness(t)
	lines := make(chan im.Line, 4)
	defer h.registry.OnMessage(func(l im.Line) { lines <- l })()

	peer := uuid.New()
	require.NoError(t, h.d.Dispatch(frame(t, protocol.InstantMessage{
		Type:     protocol.TypeInstantMessage,
		Dialog:   protocol.DialogPlain,
		FromID:   peer,
		FromName: "Ada Byron",
		Text:     "ahoy",
	})))

	select {
	case l := <-lines:
		require.Equal(t, "ahoy", l.Text)
		require.Equal(t, peer, l.FromID)
	case <-time.After(2 * time.Second):
		t.Fatal("incoming message never reached the registry")
	}
	require.Len(t, h.registry.Sessions(), 1)
}

func TestDispatchForwardsTyping(t *testing.T) {
	h := newDispatchHarness(t)
	typed := make(chan bool, 1)
	h.registry.SetTypingSink(func(_, _ uuid.UUID, typing bool) { typed <- typing })

	require.NoError(t, h.d.Dispatch(frame(t, protocol.TypingState{
		Type:      protocol.TypeTypingState,
		SessionID: uuid.New(),
		FromID:    uuid.New(),
		Typing:    true,
	})))

	select {
	case v := <-typed:
		require.True(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("typing state never forwarded")
	}
}

func TestDispatchAppliesMuteDeltas(t *testing.T) {
	h := newDispatchHarness(t)
	id := uuid.New()

	require.NoError(t, h.d.Dispatch(frame(t, protocol.MuteListUpdate{
		Type:  protocol.TypeMuteListUpdate,
		Muted: []uuid.UUID{id},
	})))
	require.True(t, h.mutes.IsMuted(id))

	require.NoError(t, h.d.Dispatch(frame(t, protocol.MuteListUpdate{
		Type:    protocol.TypeMuteListUpdate,
		Unmuted: []uuid.UUID{id},
	})))
	require.False(t, h.mutes.IsMuted(id))
}

func TestDispatchRosterFeedsRegistryAndTracker(t *testing.T) {
	h := newDispatchHarness(t)
	groupID := uuid.New()
	member := uuid.New()
	sessionID := h.registry.AddSession("Sailing Club", protocol.DialogGroup, groupID)

	require.NoError(t, h.d.Dispatch(frame(t, protocol.SessionRoster{
		Type:      protocol.TypeSessionRoster,
		SessionID: sessionID,
		Agents:    map[string]protocol.AgentInfo{member.String(): {IsModerator: true}},
	})))

	require.Contains(t, h.registry.Members(sessionID), member.String())
	require.Equal(t, 1, h.tracker.Len())
	list := h.tracker.List()
	require.Equal(t, member, list[0].ID)
	require.True(t, list[0].IsModerator)
}

func TestDispatchMembershipEnterAndLeave(t *testing.T) {
	h := newDispatchHarness(t)
	groupID := uuid.New()
	member := uuid.New()
	sessionID := h.registry.AddSession("Sailing Club", protocol.DialogGroup, groupID)
	require.NoError(t, h.d.Dispatch(frame(t, protocol.SessionRoster{
		Type:      protocol.TypeSessionRoster,
		SessionID: sessionID,
		Agents:    map[string]protocol.AgentInfo{},
	})))

	require.NoError(t, h.d.Dispatch(frame(t, protocol.MembershipUpdate{
		Type:      protocol.TypeMembershipUpdate,
		SessionID: sessionID,
		Updates:   map[string]protocol.MembershipChange{member.String(): {Transition: protocol.TransitionEnter}},
	})))
	require.Equal(t, 1, h.tracker.Len())

	require.NoError(t, h.d.Dispatch(frame(t, protocol.MembershipUpdate{
		Type:      protocol.TypeMembershipUpdate,
		SessionID: sessionID,
		Updates:   map[string]protocol.MembershipChange{member.String(): {Transition: protocol.TransitionLeave}},
	})))
	require.Zero(t, h.tracker.Len())
}

func TestDispatchRejectsMalformedFrame(t *testing.T) {
	h := newDispatchHarness(t)
	require.Error(t, h.d.Dispatch([]byte("not json")))
	require.Error(t, h.d.Dispatch([]byte(`{"type":"instant_message","dialog":"smoke_signal"}`)))
}

type fakeFeed struct {
	t        *testing.T
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	requests chan protocol.MuteListRequest
}

func newFakeFeed(t *testing.T) (*fakeFeed, *httptest.Server) {
	f := &fakeFeed{
		t:        t,
		conns:    make(chan *websocket.Conn, 2),
		requests: make(chan protocol.MuteListRequest, 4),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.conns <- conn
		for {
			var req protocol.MuteListRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.requests <- req
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeFeed) nextConn() *websocket.Conn {
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		f.t.Fatal("no feed connection")
		return nil
	}
}

func (f *fakeFeed) nextRequest() protocol.MuteListRequest {
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		f.t.Fatal("no mute list request received")
		return protocol.MuteListRequest{}
	}
}

func TestClientDispatchesFramesFromFeed(t *testing.T) {
	h := newDispatchHarness(t)
	feed, srv := newFakeFeed(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := Open(context.Background(), wsURL, h.agentID, h.d, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })

	req := feed.nextRequest()
	require.Equal(t, protocol.TypeMuteListRequest, req.Type)
	require.Equal(t, h.agentID, req.AgentID)

	lines := make(chan im.Line, 1)
	defer h.registry.OnMessage(func(l im.Line) { lines <- l })()

	conn := feed.nextConn()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, protocol.InstantMessage{
		Type:   protocol.TypeInstantMessage,
		Dialog: protocol.DialogPlain,
		FromID: uuid.New(),
		Text:   "over the wire",
	})))

	select {
	case l := <-lines:
		require.Equal(t, "over the wire", l.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("feed frame never dispatched")
	}
}

func TestClientRedialsAfterFeedDrop(t *testing.T) {
	h := newDispatchHarness(t)
	feed, srv := newFakeFeed(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := Open(context.Background(), wsURL, h.agentID, h.d, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })

	feed.nextRequest()
	require.NoError(t, feed.nextConn().Close())

	// A fresh connection re-syncs the mute list.
	req := feed.nextRequest()
	require.Equal(t, h.agentID, req.AgentID)
}
