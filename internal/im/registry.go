package im

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/names"
	"github.com/venarius/gridtalk/internal/notify"
	"github.com/venarius/gridtalk/internal/observability"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/transcript"
)

const capabilityTimeout = 30 * time.Second

// SendFunc delivers a legacy point-to-point message to the network layer.
type SendFunc func(protocol.InstantMessage) error

// VoiceStartFunc asks the voice layer to open a channel for a session. An
// inbound invite carries the caller's engine handle; outbound starts pass "".
type VoiceStartFunc func(sessionID, otherID uuid.UUID, label, inviteHandle string)

// TypingFunc forwards typing indicators to whoever renders them.
type TypingFunc func(sessionID, fromID uuid.UUID, typing bool)

// MessageFunc receives every displayed line, history and live alike.
type MessageFunc func(Line)

type Config struct {
	AgentID         uuid.UUID
	HistoryMaxBytes int64
	Send            SendFunc
	Caps            *caps.Client
	Names           *names.Cache
	Logs            *transcript.Store
	Notifier        *notify.Notifier
	Metrics         *observability.Metrics
	Log             zerolog.Logger
	Now             func() time.Time
}

// Registry owns every live session. All session state is mutated under one
// lock; callbacks fire outside it.
type Registry struct {
	agentID         uuid.UUID
	historyMaxBytes int64
	send            SendFunc
	caps            *caps.Client
	names           *names.Cache
	logs            *transcript.Store
	notifier        *notify.Notifier
	metrics         *observability.Metrics
	log             zerolog.Logger
	now             func() time.Time

	mu             sync.Mutex
	sessions       map[uuid.UUID]*session
	pendingInvites map[uuid.UUID]invite
	pendingUpdates map[uuid.UUID][]protocol.MembershipUpdate
	pendingRosters map[uuid.UUID]protocol.SessionRoster
	startVoice     VoiceStartFunc
	typingSink     TypingFunc
	subs           map[int]MessageFunc
	nextSub        int
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryMaxBytes <= 0 {
		cfg.HistoryMaxBytes = 64 * 1024
	}
	return &Registry{
		agentID:         cfg.AgentID,
		historyMaxBytes: cfg.HistoryMaxBytes,
		send:            cfg.Send,
		caps:            cfg.Caps,
		names:           cfg.Names,
		logs:            cfg.Logs,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		log:             cfg.Log.With().Str("component", "im").Logger(),
		now:             cfg.Now,
		sessions:        map[uuid.UUID]*session{},
		pendingInvites:  map[uuid.UUID]invite{},
		pendingUpdates:  map[uuid.UUID][]protocol.MembershipUpdate{},
		pendingRosters:  map[uuid.UUID]protocol.SessionRoster{},
		subs:            map[int]MessageFunc{},
	}
}

// SetVoiceStarter wires the voice layer in after construction; the two
// packages reference each other only through these injected funcs.
func (r *Registry) SetVoiceStarter(fn VoiceStartFunc) {
	r.mu.Lock()
	r.startVoice = fn
	r.mu.Unlock()
}

func (r *Registry) SetTypingSink(fn TypingFunc) {
	r.mu.Lock()
	r.typingSink = fn
	r.mu.Unlock()
}

// OnMessage subscribes to displayed lines and returns an unsubscribe.
func (r *Registry) OnMessage(fn MessageFunc) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// sessionIDFor derives the stable session id per dialog kind. One-to-one ids
// come from the participant pair, group ids are the group id itself, ad-hoc
// conferences get a random id unless the remote side already assigned one.
func (r *Registry) sessionIDFor(kind protocol.DialogKind, other uuid.UUID) uuid.UUID {
	switch kind {
	case protocol.DialogPlain:
		return P2PSessionID(r.agentID, other)
	case protocol.DialogAdHoc:
		if other != uuid.Nil {
			return other
		}
		return uuid.New()
	default:
		return other
	}
}

// AddSession creates the session for (kind, other) or returns the existing
// one. Creation is idempotent: repeated calls never issue a second server
// create.
func (r *Registry) AddSession(label string, kind protocol.DialogKind, other uuid.UUID, extra ...uuid.UUID) uuid.UUID {
	id := r.sessionIDFor(kind, other)

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s.id
	}
	parts := make([]uuid.UUID, 0, 1+len(extra))
	if other != uuid.Nil {
		parts = append(parts, other)
	}
	parts = append(parts, extra...)
	s := &session{
		id:           id,
		label:        label,
		kind:         kind,
		otherID:      other,
		participants: parts,
		logID:        transcript.LogID(label),
		// Buffer live arrivals until history replay settles.
		historyPending: true,
		members:        map[string]protocol.AgentInfo{},
	}
	r.sessions[id] = s
	live := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetLiveSessions(live)
	r.metrics.ObserveSessionEvent("created")
	r.log.Info().Stringer("session", id).Str("kind", string(kind)).Str("label", label).Msg("session created")

	r.replayLocalLog(id, s.logID)

	if r.caps.Has(protocol.CapHistoryFetch) {
		go r.fetchHistory(id)
	} else {
		r.finishHistory(id, nil, nil)
	}

	switch kind {
	case protocol.DialogGroup, protocol.DialogAdHoc:
		if r.caps.Has(protocol.CapChatSessionRequest) {
			go r.createOnServer(id, label, parts)
		} else {
			// Legacy fallback: a conference-start message needs no ack.
			if r.send != nil {
				_ = r.send(protocol.InstantMessage{
					Type:      protocol.TypeInstantMessage,
					Dialog:    kind,
					SessionID: id,
					FromID:    r.agentID,
					ToID:      other,
					Timestamp: r.now(),
				})
			}
			r.markInitialized(id)
		}
	default:
		// One-to-one and invite-join sessions need no server create.
		r.markInitialized(id)
	}
	return id
}

// RemoveSession tears a session down, or snoozes a group session: the session
// survives with delivery suppressed until the wake time.
func (r *Registry) RemoveSession(id uuid.UUID, snooze time.Duration) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if snooze > 0 && s.kind == protocol.DialogGroup {
		s.snoozedUntil = r.now().Add(snooze)
		r.mu.Unlock()
		r.metrics.ObserveSessionEvent("snoozed")
		r.log.Info().Stringer("session", id).Dur("snooze", snooze).Msg("session snoozed")
		return
	}
	delete(r.sessions, id)
	delete(r.pendingUpdates, id)
	delete(r.pendingRosters, id)
	live := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetLiveSessions(live)
	r.metrics.ObserveSessionEvent("removed")
	if r.caps.Has(protocol.CapChatSessionRequest) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), capabilityTimeout)
			defer cancel()
			var resp protocol.ChatSessionResponse
			req := protocol.ChatSessionRequest{Method: protocol.MethodLeaveSession, SessionID: id}
			if err := r.caps.Post(ctx, protocol.CapChatSessionRequest, req, &resp); err != nil {
				r.log.Warn().Err(err).Stringer("session", id).Msg("leave notice failed")
			}
		}()
	}
}

// DeliverMessage sends text into a session. Before the server has confirmed
// the session the message queues; queued messages flush on confirmation.
func (r *Registry) DeliverMessage(id uuid.UUID, text string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown session %s", id)
	}
	if !s.initialized {
		s.outbox = append(s.outbox, text)
		r.mu.Unlock()
		return nil
	}
	msg := protocol.InstantMessage{
		Type:      protocol.TypeInstantMessage,
		Dialog:    s.kind,
		SessionID: id,
		FromID:    r.agentID,
		ToID:      s.otherID,
		Text:      text,
		Timestamp: r.now(),
	}
	logID := s.logID
	r.mu.Unlock()

	if r.send != nil {
		if err := r.send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	from := r.selfName()
	if err := r.logs.Append(logID, from, text); err != nil {
		r.log.Warn().Err(err).Msg("transcript append failed")
	}
	r.emit(Line{SessionID: id, FromID: r.agentID, From: from, Text: text, Timestamp: msg.Timestamp})
	return nil
}

// HandleIncoming routes one point-to-point message. Broadcast-style dialogs
// are emitted transiently; everything else lands in (or creates) a session.
func (r *Registry) HandleIncoming(msg protocol.InstantMessage) {
	switch msg.Dialog {
	case protocol.DialogBroadcast, protocol.DialogGroupNotice:
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = r.now()
		}
		r.emit(Line{SessionID: msg.SessionID, FromID: msg.FromID, From: r.senderName(msg), Text: msg.Text, Timestamp: ts})
		return
	case protocol.DialogInvite:
		r.handleInvite(msg)
		return
	}

	id := msg.SessionID
	if msg.Dialog == protocol.DialogPlain {
		id = P2PSessionID(r.agentID, msg.FromID)
	}

	r.mu.Lock()
	_, exists := r.sessions[id]
	r.mu.Unlock()
	if !exists {
		label := msg.FromName
		if label == "" {
			label = id.String()
		}
		if msg.Dialog == protocol.DialogPlain {
			r.AddSession(label, protocol.DialogPlain, msg.FromID)
		} else {
			r.AddSession(label, msg.Dialog, id)
		}
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	if s.snoozed(now) {
		r.mu.Unlock()
		return
	}
	line := Line{SessionID: id, FromID: msg.FromID, From: r.senderName(msg), Text: msg.Text, Timestamp: msg.Timestamp}
	if line.Timestamp.IsZero() {
		line.Timestamp = now
	}
	if s.historyPending {
		s.liveBuffer = append(s.liveBuffer, line)
		r.mu.Unlock()
		return
	}
	logID := s.logID
	r.mu.Unlock()

	if err := r.logs.Append(logID, line.From, line.Text); err != nil {
		r.log.Warn().Err(err).Msg("transcript append failed")
	}
	r.metrics.ObserveSessionEvent("message")
	r.emit(line)
}

// SystemMessage emits a locally generated status line into a session, e.g.
// call progress. It is displayed and logged but never sent.
func (r *Registry) SystemMessage(id uuid.UUID, text string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	logID := s.logID
	r.mu.Unlock()

	if err := r.logs.Append(logID, "System", text); err != nil {
		r.log.Warn().Err(err).Msg("transcript append failed")
	}
	r.emit(Line{SessionID: id, From: "System", Text: text, Timestamp: r.now()})
}

func (r *Registry) HandleTyping(ts protocol.TypingState) {
	r.mu.Lock()
	sink := r.typingSink
	r.mu.Unlock()
	if sink != nil {
		sink(ts.SessionID, ts.FromID, ts.Typing)
	}
}

// HandleRoster installs the confirmed membership snapshot. A roster push is
// the server-side acknowledgement, so it also initializes the session.
func (r *Registry) HandleRoster(roster protocol.SessionRoster) {
	r.mu.Lock()
	s, ok := r.sessions[roster.SessionID]
	if !ok {
		r.pendingRosters[roster.SessionID] = roster
		r.mu.Unlock()
		return
	}
	s.members = cloneAgents(roster.Agents)
	r.mu.Unlock()
	r.markInitialized(roster.SessionID)
}

// HandleMembershipUpdate applies a roster delta, or holds it back when the
// session it addresses does not exist yet.
func (r *Registry) HandleMembershipUpdate(upd protocol.MembershipUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[upd.SessionID]
	if !ok || !s.initialized {
		r.pendingUpdates[upd.SessionID] = append(r.pendingUpdates[upd.SessionID], upd)
		return
	}
	applyUpdate(s, upd)
}

// AcceptInvite accepts a pending voice invitation: acknowledge server-side,
// then open the session, which drains the invite into the voice layer.
func (r *Registry) AcceptInvite(ctx context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	inv, ok := r.pendingInvites[sessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending invite for session %s", sessionID)
	}
	if r.caps.Has(protocol.CapChatSessionRequest) {
		req := protocol.ChatSessionRequest{Method: protocol.MethodAcceptInvite, SessionID: sessionID}
		var resp protocol.ChatSessionResponse
		if err := r.caps.Post(ctx, protocol.CapChatSessionRequest, req, &resp); err != nil {
			return fmt.Errorf("accept invite: %w", err)
		}
	}
	r.AddSession(inv.label, protocol.DialogInvite, sessionID)
	return nil
}

func (r *Registry) DeclineInvite(ctx context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	_, ok := r.pendingInvites[sessionID]
	delete(r.pendingInvites, sessionID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending invite for session %s", sessionID)
	}
	if r.caps.Has(protocol.CapChatSessionRequest) {
		req := protocol.ChatSessionRequest{Method: protocol.MethodDeclineInvite, SessionID: sessionID}
		var resp protocol.ChatSessionResponse
		if err := r.caps.Post(ctx, protocol.CapChatSessionRequest, req, &resp); err != nil {
			return fmt.Errorf("decline invite: %w", err)
		}
	}
	return nil
}

func (r *Registry) Session(id uuid.UUID) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return r.infoLocked(s), true
}

func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.infoLocked(s))
	}
	return out
}

// Members returns a copy of the session's roster keyed by agent id string.
func (r *Registry) Members(id uuid.UUID) map[string]protocol.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return cloneAgents(s.members)
}

func (r *Registry) infoLocked(s *session) SessionInfo {
	parts := make([]uuid.UUID, len(s.participants))
	copy(parts, s.participants)
	return SessionInfo{
		ID:           s.id,
		Label:        s.label,
		Kind:         s.kind,
		OtherID:      s.otherID,
		Participants: parts,
		Initialized:  s.initialized,
		Snoozed:      s.snoozed(r.now()),
		Members:      len(s.members),
	}
}

// replayLocalLog hands the tail of the on-disk conversation log to
// subscribers before any transcript or live line.
func (r *Registry) replayLocalLog(id uuid.UUID, logID string) {
	lines, err := r.logs.Tail(logID, r.historyMaxBytes)
	if err != nil {
		r.log.Warn().Err(err).Str("log", logID).Msg("local log replay failed")
		return
	}
	for _, raw := range lines {
		r.emit(Line{SessionID: id, Text: raw})
	}
}

func (r *Registry) fetchHistory(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), capabilityTimeout)
	defer cancel()
	q := url.Values{}
	q.Set("session_id", id.String())
	var resp protocol.HistoryResponse
	_, err := r.caps.Get(ctx, protocol.CapHistoryFetch, q, &resp)
	r.finishHistory(id, resp.Lines, err)
}

// finishHistory emits the server transcript (deduplicated against anything
// already buffered) followed by the buffered live messages in arrival order.
func (r *Registry) finishHistory(id uuid.UUID, transcriptLines []protocol.HistoryLine, err error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || !s.historyPending {
		// Session closed or superseded while the fetch was in flight.
		r.mu.Unlock()
		return
	}
	buffered := s.liveBuffer
	s.liveBuffer = nil
	s.historyPending = false
	logID := s.logID
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Stringer("session", id).Msg("history fetch failed")
	}

	out := make([]Line, 0, len(transcriptLines)+len(buffered))
	for _, tl := range transcriptLines {
		if bufferedDuplicate(buffered, tl) {
			continue
		}
		out = append(out, Line{SessionID: id, FromID: tl.FromID, From: tl.FromName, Text: tl.Text, Timestamp: tl.Timestamp})
	}
	out = append(out, buffered...)

	for _, line := range buffered {
		if err := r.logs.Append(logID, line.From, line.Text); err != nil {
			r.log.Warn().Err(err).Msg("transcript append failed")
		}
	}
	r.emit(out...)
}

// bufferedDuplicate implements the best-effort sender+text dedup between a
// transcript line and the held-back live messages. It can rarely mismatch;
// that is accepted.
func bufferedDuplicate(buffered []Line, tl protocol.HistoryLine) bool {
	for _, b := range buffered {
		if b.FromID == tl.FromID && b.Text == tl.Text {
			return true
		}
	}
	return false
}

func (r *Registry) createOnServer(id uuid.UUID, label string, parts []uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), capabilityTimeout)
	defer cancel()
	req := protocol.ChatSessionRequest{
		Method:       protocol.MethodStartConference,
		SessionID:    id,
		Participants: parts,
	}
	var resp protocol.ChatSessionResponse
	err := r.caps.Post(ctx, protocol.CapChatSessionRequest, req, &resp)
	if err == nil && !resp.Success && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		r.failCreate(id, label, err)
		return
	}
	r.markInitialized(id)
}

// failCreate leaves the session un-initialized (sends keep queueing) and
// emits exactly one user notification for the failure.
func (r *Registry) failCreate(id uuid.UUID, label string, err error) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	reason := classifyCreateError(err)
	r.metrics.ObserveSessionEvent("create_failed")
	r.log.Warn().Err(err).Stringer("session", id).Str("reason", string(reason)).Msg("session create failed")
	if r.notifier != nil {
		r.notifier.Notify("session_create_failed", map[string]string{
			"label":  label,
			"reason": string(reason),
		})
	}
}

func classifyCreateError(err error) CreateFailure {
	var se *caps.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 404:
			return FailureDoesNotExist
		case 401:
			return FailureNoAbility
		case 403:
			return FailureNoPermission
		}
	}
	return FailureGeneric
}

// markInitialized flips the session live, flushes queued sends, and drains
// any invite, roster, or membership deltas that arrived early.
func (r *Registry) markInitialized(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.initialized {
		r.mu.Unlock()
		return
	}
	s.initialized = true
	queued := s.outbox
	s.outbox = nil
	if roster, ok := r.pendingRosters[id]; ok {
		s.members = cloneAgents(roster.Agents)
		delete(r.pendingRosters, id)
	}
	for _, upd := range r.pendingUpdates[id] {
		applyUpdate(s, upd)
	}
	delete(r.pendingUpdates, id)
	inv, hasInvite := r.pendingInvites[id]
	delete(r.pendingInvites, id)
	voiceStart := r.startVoice
	r.mu.Unlock()

	r.metrics.ObserveSessionEvent("initialized")
	for _, text := range queued {
		if err := r.DeliverMessage(id, text); err != nil {
			r.log.Warn().Err(err).Stringer("session", id).Msg("queued send failed")
		}
	}
	if hasInvite && voiceStart != nil {
		voiceStart(id, inv.fromID, inv.label, inv.handle)
	}
}

func (r *Registry) handleInvite(msg protocol.InstantMessage) {
	handle := string(msg.Payload)
	label := msg.FromName
	if label == "" {
		label = msg.FromID.String()
	}

	r.mu.Lock()
	_, exists := r.sessions[msg.SessionID]
	if exists {
		voiceStart := r.startVoice
		r.mu.Unlock()
		if voiceStart != nil {
			voiceStart(msg.SessionID, msg.FromID, label, handle)
		}
		return
	}
	_, pending := r.pendingInvites[msg.SessionID]
	if !pending {
		r.pendingInvites[msg.SessionID] = invite{
			fromID:   msg.FromID,
			fromName: msg.FromName,
			label:    label,
			handle:   handle,
		}
	}
	r.mu.Unlock()

	if !pending {
		r.metrics.ObserveSessionEvent("invite")
		if r.notifier != nil {
			r.notifier.Notify("voice_invite", map[string]string{
				"session": msg.SessionID.String(),
				"from":    label,
			})
		}
	}
}

func (r *Registry) emit(lines ...Line) {
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	subs := make([]MessageFunc, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, line := range lines {
		for _, fn := range subs {
			fn(line)
		}
	}
}

func (r *Registry) selfName() string {
	if r.names != nil {
		if n, ok := r.names.Lookup(r.agentID); ok {
			return n.CompleteName()
		}
	}
	return "(you)"
}

func (r *Registry) senderName(msg protocol.InstantMessage) string {
	if msg.FromName != "" {
		return msg.FromName
	}
	if r.names != nil {
		n, _ := r.names.Lookup(msg.FromID)
		return n.CompleteName()
	}
	return msg.FromID.String()
}

func applyUpdate(s *session, upd protocol.MembershipUpdate) {
	for key, change := range upd.Updates {
		switch change.Transition {
		case protocol.TransitionEnter:
			info := protocol.AgentInfo{}
			if change.Info != nil {
				info = *change.Info
			}
			s.members[key] = info
		case protocol.TransitionLeave:
			delete(s.members, key)
		default:
			if change.Info != nil {
				s.members[key] = *change.Info
			}
		}
	}
}

func cloneAgents(in map[string]protocol.AgentInfo) map[string]protocol.AgentInfo {
	out := make(map[string]protocol.AgentInfo, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
