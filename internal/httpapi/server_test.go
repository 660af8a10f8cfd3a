package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/config"
	"github.com/venarius/gridtalk/internal/gateway"
	"github.com/venarius/gridtalk/internal/im"
	"github.com/venarius/gridtalk/internal/mutes"
	"github.com/venarius/gridtalk/internal/names"
	"github.com/venarius/gridtalk/internal/notify"
	"github.com/venarius/gridtalk/internal/observability"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/speakers"
	"github.com/venarius/gridtalk/internal/stream"
	"github.com/venarius/gridtalk/internal/transcript"
	"github.com/venarius/gridtalk/internal/voice"
)

func newTestServer(t *testing.T) (*Server, *gateway.Mock) {
	agentID := uuid.New()
	cfg := config.Config{AgentID: agentID}
	log := zerolog.Nop()
	metrics := observability.NewMetrics("gridtalk_test")
	capsClient := caps.NewClient(log, metrics)
	nameCache := names.NewCache(nil, log, metrics, names.CacheOptions{})
	notifier := notify.NewNotifier()
	logs := transcript.NewStore(t.TempDir(), false)

	registry := im.NewRegistry(im.Config{
		AgentID:  agentID,
		Caps:     capsClient,
		Names:    nameCache,
		Logs:     logs,
		Notifier: notifier,
		Log:      log,
	})
	mock := gateway.NewMock()
	vm := voice.NewManager(voice.Config{
		AgentID:  agentID,
		Caps:     capsClient,
		Gateway:  mock,
		Notifier: notifier,
		Metrics:  metrics,
		Log:      log,
	})
	t.Cleanup(vm.Close)
	muteList := mutes.NewList()
	tracker := speakers.NewTracker(speakers.Config{Gateway: mock, Names: nameCache, Mutes: muteList, Log: log})
	dispatcher := stream.NewDispatcher(registry, muteList, tracker, log)

	return New(cfg, registry, vm, tracker, nameCache, capsClient, dispatcher, metrics), mock
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestCreateListAndMessageSession(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	peer := uuid.New()

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", createSessionRequest{
		Label: "Ada Byron", Kind: protocol.DialogPlain, OtherID: peer,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var info im.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.True(t, info.Initialized)

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), info.ID.String())

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/"+info.ID.String()+"/messages", sendMessageRequest{Text: "hello"})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateSessionRejectsBadKind(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/sessions", map[string]string{
		"label": "x", "kind": "carrier_pigeon",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCallOnPlainSession(t *testing.T) {
	srv, mock := newTestServer(t)
	router := srv.Router()
	peer := uuid.New()

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", createSessionRequest{
		Label: "Ada Byron", Kind: protocol.DialogPlain, OtherID: peer,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var info im.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/"+info.ID.String()+"/call", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), string(voice.StateCallStarted))
	require.Contains(t, mock.Commands(), "call "+gateway.SIPURI(peer))
}

func TestSpeakersEndpoint(t *testing.T) {
	srv, mock := newTestServer(t)
	id := uuid.New()
	mock.SetParticipants(gateway.Participant{ID: id, LegacyName: "Loud One", IsSpeaking: true, Energy: 0.5})
	srv.tracker.Update(true)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/speakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Loud One")
	require.Contains(t, rec.Body.String(), "speaking")
}

func TestIngestRouteDeliversWireFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	peer := uuid.New()

	rec := doJSON(t, router, http.MethodPost, "/v1/ingest", protocol.InstantMessage{
		Type:     protocol.TypeInstantMessage,
		Dialog:   protocol.DialogPlain,
		FromID:   peer,
		FromName: "Ada Byron",
		Text:     "delivered",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, srv.registry.Sessions(), 1)

	rec = doJSON(t, router, http.MethodPost, "/v1/ingest", map[string]string{"type": "carrier_pigeon"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/ingest", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "gridtalk_test")
}

func TestRemoveSessionHangsUpVoice(t *testing.T) {
	srv, mock := newTestServer(t)
	router := srv.Router()
	peer := uuid.New()

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", createSessionRequest{
		Label: "Ada Byron", Kind: protocol.DialogPlain, OtherID: peer,
	})
	var info im.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/"+info.ID.String()+"/call", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	uri := gateway.SIPURI(peer)
	mock.Emit(protocol.VoiceEvent{Status: protocol.VoiceStatusJoining, ChannelURI: uri})
	mock.Emit(protocol.VoiceEvent{Status: protocol.VoiceStatusJoined, ChannelURI: uri})

	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/"+info.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, ok := srv.registry.Session(info.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
	_, tracked := srv.voice.State(info.ID)
	require.False(t, tracked)
}
