// Package httpapi exposes the conversation core over a local HTTP surface:
// session control, voice calls, speaker listing, and debug/metrics endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/config"
	"github.com/venarius/gridtalk/internal/im"
	"github.com/venarius/gridtalk/internal/names"
	"github.com/venarius/gridtalk/internal/observability"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/speakers"
	"github.com/venarius/gridtalk/internal/stream"
	"github.com/venarius/gridtalk/internal/voice"
)

// maxIngestFrame bounds a single ingested wire frame.
const maxIngestFrame = 1 << 20

type Server struct {
	cfg        config.Config
	registry   *im.Registry
	voice      *voice.Manager
	tracker    *speakers.Tracker
	names      *names.Cache
	caps       *caps.Client
	dispatcher *stream.Dispatcher
	metrics    *observability.Metrics
}

func New(cfg config.Config, registry *im.Registry, vm *voice.Manager, tracker *speakers.Tracker, nameCache *names.Cache, capsClient *caps.Client, dispatcher *stream.Dispatcher, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		voice:      vm,
		tracker:    tracker,
		names:      nameCache,
		caps:       capsClient,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metrics.Handler().ServeHTTP(w, req)
	})

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Delete("/v1/sessions/{id}", s.handleRemoveSession)
	r.Post("/v1/sessions/{id}/messages", s.handleSendMessage)
	r.Post("/v1/sessions/{id}/call", s.handleStartCall)
	r.Post("/v1/sessions/{id}/hangup", s.handleHangUp)
	r.Post("/v1/invites/{id}/accept", s.handleAcceptInvite)
	r.Post("/v1/invites/{id}/decline", s.handleDeclineInvite)

	r.Post("/v1/ingest", s.handleIngest)

	r.Get("/v1/speakers", s.handleListSpeakers)
	r.Get("/v1/voice", s.handleVoiceState)

	r.Get("/v1/names/{id}", s.handleLookupName)
	r.Post("/v1/display_name", s.handleSetDisplayName)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"agent_id": s.cfg.AgentID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.Sessions()})
}

type createSessionRequest struct {
	Label        string              `json:"label"`
	Kind         protocol.DialogKind `json:"kind"`
	OtherID      uuid.UUID           `json:"other_id"`
	Participants []uuid.UUID         `json:"participants,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.Kind.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_kind", "unknown dialog kind")
		return
	}
	if req.OtherID == uuid.Nil && req.Kind != protocol.DialogAdHoc {
		respondError(w, http.StatusBadRequest, "missing_target", "other_id is required")
		return
	}
	id := s.registry.AddSession(req.Label, req.Kind, req.OtherID, req.Participants...)
	info, _ := s.registry.Session(id)
	respondJSON(w, http.StatusCreated, info)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var snooze time.Duration
	if raw := r.URL.Query().Get("snooze"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_snooze", err.Error())
			return
		}
		snooze = d
	}
	s.registry.RemoveSession(id, snooze)
	s.voice.RemoveSession(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_message", "text is required")
		return
	}
	if err := s.registry.DeliverMessage(id, req.Text); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	info, found := s.registry.Session(id)
	if !found {
		respondError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	switch info.Kind {
	case protocol.DialogPlain:
		s.voice.StartP2P(info.ID, info.OtherID, info.Label)
	case protocol.DialogGroup, protocol.DialogAdHoc, protocol.DialogInvite:
		s.voice.StartGroup(info.ID, info.Label)
	default:
		respondError(w, http.StatusBadRequest, "no_voice", "dialog kind has no voice channel")
		return
	}
	state, _ := s.voice.State(id)
	respondJSON(w, http.StatusAccepted, map[string]any{"state": state})
}

func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.voice.HangUp(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "hung_up"})
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.registry.AcceptInvite(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "invite_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.registry.DeclineInvite(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "invite_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

// handleIngest accepts one raw wire frame and routes it exactly as the
// message feed would; it is the inbound path for network layers that deliver
// over local HTTP instead of the websocket feed.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxIngestFrame))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", errEmptyBody.Error())
		return
	}
	if err := s.dispatcher.Dispatch(data); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"speakers": s.tracker.List()})
}

func (s *Server) handleVoiceState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"current":  s.voice.Current(),
		"channels": s.voice.Channels(),
	})
}

func (s *Server) handleLookupName(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	name, found := s.names.Lookup(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"id":           id,
		"display_name": name.DisplayName,
		"legacy_name":  name.LegacyName(),
		"complete":     name.CompleteName(),
		"resolved":     found && !name.IsDefault,
	})
}

type setDisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	var req setDisplayNameRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		respondError(w, http.StatusBadRequest, "empty_name", "display_name is required")
		return
	}
	if !s.caps.Has(protocol.CapDisplayNameSet) {
		respondError(w, http.StatusServiceUnavailable, "no_capability", "region does not allow display name changes")
		return
	}
	var resp protocol.NameEntry
	if err := s.caps.Post(r.Context(), protocol.CapDisplayNameSet, protocol.DisplayNameSetRequest{DisplayName: req.DisplayName}, &resp); err != nil {
		respondError(w, http.StatusBadGateway, "capability_failed", err.Error())
		return
	}
	// The server is authoritative; adopt whatever it echoed back.
	s.names.Insert(s.cfg.AgentID, names.Name{
		Username:    resp.Username,
		DisplayName: resp.DisplayName,
		LegacyFirst: resp.LegacyFirstName,
		LegacyLast:  resp.LegacyLastName,
		IsDefault:   resp.IsDisplayDefault,
		NextUpdate:  resp.NextUpdate,
	})
	respondJSON(w, http.StatusOK, map[string]string{"display_name": resp.DisplayName})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
