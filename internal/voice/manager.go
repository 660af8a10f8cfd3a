package voice

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/caps"
	"github.com/venarius/gridtalk/internal/gateway"
	"github.com/venarius/gridtalk/internal/notify"
	"github.com/venarius/gridtalk/internal/observability"
	"github.com/venarius/gridtalk/internal/protocol"
	"github.com/venarius/gridtalk/internal/reliability"
)

const (
	credentialTimeout = 30 * time.Second
	// Total credential fetch attempts for a group channel before Error.
	maxCredentialAttempts = 3
)

// StateFunc observes channel state transitions.
type StateFunc func(sessionID uuid.UUID, state State)

// SystemMessageFunc posts a call-progress line ("ringing", "connected", ...)
// into the session's conversation.
type SystemMessageFunc func(sessionID uuid.UUID, key string)

type Config struct {
	AgentID       uuid.UUID
	Caps          *caps.Client
	Gateway       gateway.Gateway
	Notifier      *notify.Notifier
	Metrics       *observability.Metrics
	Log           zerolog.Logger
	SystemMessage SystemMessageFunc
}

// Manager keeps at most one channel current and drives every channel's state
// machine from capability responses and engine events. All channel state
// lives under one lock; callbacks and notifications fire after it is
// released.
type Manager struct {
	agentID       uuid.UUID
	caps          *caps.Client
	gw            gateway.Gateway
	notifier      *notify.Notifier
	metrics       *observability.Metrics
	log           zerolog.Logger
	systemMessage SystemMessageFunc

	mu        sync.Mutex
	bySession map[uuid.UUID]*channel
	byURI     map[string]*channel
	proximal  *channel
	current   *channel
	suspended *channel
	subs      map[int]StateFunc
	nextSub   int
	queued    []func()

	unsubGateway func()
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		agentID:       cfg.AgentID,
		caps:          cfg.Caps,
		gw:            cfg.Gateway,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		log:           cfg.Log.With().Str("component", "voice").Logger(),
		systemMessage: cfg.SystemMessage,
		bySession:     map[uuid.UUID]*channel{},
		byURI:         map[string]*channel{},
		proximal:      &channel{kind: KindProximal, label: "nearby", state: StateNoChannelInfo},
		subs:          map[int]StateFunc{},
	}
	m.current = m.proximal
	m.unsubGateway = m.gw.AddObserver(m.handleEvent)
	return m
}

func (m *Manager) Close() {
	if m.unsubGateway != nil {
		m.unsubGateway()
	}
}

// OnStateChanged subscribes to channel transitions and returns an
// unsubscribe.
func (m *Manager) OnStateChanged(fn StateFunc) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// StartGroup activates the group channel for a session, fetching fresh
// credentials if none are known.
func (m *Manager) StartGroup(sessionID uuid.UUID, label string) {
	m.mu.Lock()
	ch, ok := m.bySession[sessionID]
	if !ok {
		ch = &channel{sessionID: sessionID, label: label, kind: KindGroup, state: StateNoChannelInfo}
		m.bySession[sessionID] = ch
	}
	m.activateLocked(ch)
	m.mu.Unlock()
	m.flush()
}

// StartP2P places an outbound one-to-one call. No credential fetch is
// needed: the peer's SIP URI is derived from its id.
func (m *Manager) StartP2P(sessionID, peer uuid.UUID, label string) {
	m.mu.Lock()
	ch, ok := m.bySession[sessionID]
	if !ok {
		ch = &channel{sessionID: sessionID, peerID: peer, label: label, kind: KindP2P, state: StateNoChannelInfo}
		m.bySession[sessionID] = ch
		m.byURI[gateway.SIPURI(peer)] = ch
	}
	m.activateLocked(ch)
	m.mu.Unlock()
	m.flush()
}

// AcceptIncoming joins a call we were invited into. If we were concurrently
// calling the same peer (glare), the side with the numerically larger agent
// id abandons its outbound attempt and takes the invite; the other side
// ignores the invite and lets its own call stand.
func (m *Manager) AcceptIncoming(sessionID, peer uuid.UUID, label, handle string) {
	m.mu.Lock()
	ch, ok := m.bySession[sessionID]
	if ok && ch.kind == KindP2P && ch.active() && handle != "" {
		if bytes.Compare(m.agentID[:], peer[:]) > 0 {
			ch.ignoreNextLeave = true
			ch.handle = handle
			_ = m.gw.AnswerInvite(handle)
			m.log.Debug().Stringer("session", sessionID).Msg("call glare, deferring to peer invite")
		}
		m.mu.Unlock()
		m.flush()
		return
	}
	if !ok {
		ch = &channel{sessionID: sessionID, peerID: peer, label: label, kind: KindP2P, handle: handle, state: StateNoChannelInfo}
		m.bySession[sessionID] = ch
		m.byURI[gateway.SIPURI(peer)] = ch
	} else {
		ch.handle = handle
	}
	m.activateLocked(ch)
	m.mu.Unlock()
	m.flush()
}

// HangUp ends a session's call and falls back to the spatial channel if it
// was current.
func (m *Manager) HangUp(sessionID uuid.UUID) {
	m.mu.Lock()
	ch, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasCurrent := m.current == ch
	m.deactivateLocked(ch)
	if wasCurrent {
		m.activateLocked(m.proximal)
	}
	m.mu.Unlock()
	m.flush()
}

// RemoveSession tears down the channel when its session closes.
func (m *Manager) RemoveSession(sessionID uuid.UUID) {
	m.mu.Lock()
	ch, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasCurrent := m.current == ch
	m.deactivateLocked(ch)
	delete(m.bySession, sessionID)
	if ch.uri != "" {
		delete(m.byURI, ch.uri)
	}
	if ch.kind == KindP2P {
		delete(m.byURI, gateway.SIPURI(ch.peerID))
	}
	if m.suspended == ch {
		m.suspended = nil
	}
	if wasCurrent {
		m.activateLocked(m.proximal)
	}
	m.mu.Unlock()
	m.flush()
}

// SuspendCurrent parks the current non-spatial channel and returns to the
// spatial one, e.g. across a region crossing.
func (m *Manager) SuspendCurrent() {
	m.mu.Lock()
	if m.current != nil && m.current.kind != KindProximal {
		m.suspended = m.current
		m.activateLocked(m.proximal)
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) ResumeSuspended() {
	m.mu.Lock()
	if ch := m.suspended; ch != nil {
		m.suspended = nil
		m.activateLocked(ch)
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) ActivateProximal() {
	m.mu.Lock()
	m.activateLocked(m.proximal)
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) State(sessionID uuid.UUID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.bySession[sessionID]
	if !ok {
		return "", false
	}
	return ch.state, true
}

func (m *Manager) Current() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return infoOf(m.current)
}

func (m *Manager) Channels() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.bySession)+1)
	out = append(out, infoOf(m.proximal))
	for _, ch := range m.bySession {
		out = append(out, infoOf(ch))
	}
	return out
}

func infoOf(ch *channel) Info {
	if ch == nil {
		return Info{}
	}
	return Info{SessionID: ch.sessionID, Label: ch.label, Kind: ch.kind, State: ch.state, URI: ch.uri}
}

// activateLocked makes ch current, deactivating the previous channel first
// so its expected leave event is suppressed.
func (m *Manager) activateLocked(ch *channel) {
	if m.current == ch && ch.active() {
		return
	}
	if m.current != nil && m.current != ch {
		m.deactivateLocked(m.current)
	}
	m.current = ch

	// A channel that previously errored retries from scratch.
	if ch.state == StateError {
		ch.uri = ""
		ch.credentials = ""
		ch.retries = 0
	}

	switch ch.kind {
	case KindProximal, KindP2P:
		m.callStartedLocked(ch)
	case KindGroup:
		if ch.uri != "" {
			m.callStartedLocked(ch)
		} else {
			m.setStateLocked(ch, StateNoChannelInfo)
			m.requestCredentialsLocked(ch)
		}
	}
}

// deactivateLocked ends ch's call intentionally. The engine will still emit
// a leave event; ignoreNextLeave keeps it from reading as a forced
// disconnect.
func (m *Manager) deactivateLocked(ch *channel) {
	if !ch.active() {
		return
	}
	ch.ignoreNextLeave = true
	if ch.kind != KindProximal {
		_ = m.gw.LeaveNonSpatialChannel()
	}
	m.setStateLocked(ch, StateHungUp)
}

func (m *Manager) callStartedLocked(ch *channel) {
	m.setStateLocked(ch, StateCallStarted)
	switch ch.kind {
	case KindProximal:
		_ = m.gw.LeaveNonSpatialChannel()
	case KindGroup:
		if err := m.gw.SetNonSpatialChannel(ch.uri, ch.credentials); err != nil {
			m.log.Warn().Err(err).Str("uri", ch.uri).Msg("channel join failed")
			m.setStateLocked(ch, StateError)
		}
	case KindP2P:
		if ch.handle != "" {
			_ = m.gw.AnswerInvite(ch.handle)
		} else {
			_ = m.gw.CallUser(ch.peerID)
		}
	}
}

func (m *Manager) requestCredentialsLocked(ch *channel) {
	ch.generation++
	gen := ch.generation
	sessionID := ch.sessionID
	go m.fetchCredentials(sessionID, gen)
}

func (m *Manager) fetchCredentials(sessionID uuid.UUID, gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()
	req := protocol.ChatSessionRequest{Method: protocol.MethodCall, SessionID: sessionID}
	var resp protocol.ChatSessionResponse
	err := m.caps.Post(ctx, protocol.CapChatSessionRequest, req, &resp)
	m.applyCredentials(sessionID, gen, resp, err)
}

func (m *Manager) applyCredentials(sessionID uuid.UUID, gen int, resp protocol.ChatSessionResponse, err error) {
	m.mu.Lock()
	ch, ok := m.bySession[sessionID]
	if !ok || ch.generation != gen {
		// Channel gone or fetch superseded; the response is stale.
		m.mu.Unlock()
		return
	}

	if err == nil && resp.VoiceCredentials != nil {
		ch.uri = resp.VoiceCredentials.ChannelURI
		ch.credentials = resp.VoiceCredentials.ChannelCredentials
		ch.retries = 0
		m.byURI[ch.uri] = ch
		m.setStateLocked(ch, StateReady)
		if m.current == ch {
			m.callStartedLocked(ch)
		}
		m.mu.Unlock()
		m.flush()
		return
	}

	code := credentialErrorCode(resp, err)
	switch {
	case code == "forbidden":
		m.setStateLocked(ch, StateError)
		m.notifyLocked("voice_not_allowed", map[string]string{"label": ch.label})
	case ch.kind == KindGroup && reliability.IsRetryableVoiceError(code) && ch.retries+1 < maxCredentialAttempts:
		ch.retries++
		m.log.Debug().Stringer("session", sessionID).Int("attempt", ch.retries+1).Msg("channel not available, retrying")
		m.requestCredentialsLocked(ch)
	default:
		m.log.Warn().Err(err).Stringer("session", sessionID).Str("code", string(code)).Msg("credential fetch failed")
		m.setStateLocked(ch, StateError)
		m.notifyLocked("voice_channel_unavailable", map[string]string{"label": ch.label})
	}
	m.mu.Unlock()
	m.flush()
}

// credentialErrorCode folds transport errors and structured failures into
// one error-code vocabulary. "forbidden" is the one permission case that
// must never retry.
func credentialErrorCode(resp protocol.ChatSessionResponse, err error) protocol.VoiceErrorCode {
	if err != nil {
		var se *caps.StatusError
		if errors.As(err, &se) && (se.Code == 401 || se.Code == 403) {
			return "forbidden"
		}
		return protocol.VoiceErrUnknown
	}
	if resp.Error != "" {
		return protocol.VoiceErrorCode(resp.Error)
	}
	return protocol.VoiceErrUnknown
}

func (m *Manager) handleEvent(ev protocol.VoiceEvent) {
	m.mu.Lock()
	ch := m.channelForLocked(ev)
	if ch == nil {
		m.mu.Unlock()
		return
	}
	switch ev.Status {
	case protocol.VoiceStatusJoining:
		if ch.state == StateCallStarted {
			m.setStateLocked(ch, StateRinging)
		}
	case protocol.VoiceStatusJoined:
		ch.retries = 0
		m.setStateLocked(ch, StateConnected)
	case protocol.VoiceStatusLeft:
		if ch.ignoreNextLeave {
			ch.ignoreNextLeave = false
		} else if ch.active() {
			// Forced disconnect: fall back to the spatial channel so the
			// user is never stranded without audio.
			m.setStateLocked(ch, StateHungUp)
			m.notifyLocked("voice_disconnected", map[string]string{"label": ch.label})
			if m.current == ch {
				m.activateLocked(m.proximal)
			}
		}
	case protocol.VoiceStatusError:
		m.setStateLocked(ch, StateError)
		m.notifyLocked("voice_error", map[string]string{
			"label": ch.label,
			"code":  string(ev.ErrorCode),
		})
		if m.current == ch {
			m.activateLocked(m.proximal)
		}
	case protocol.VoiceStatusDisabled:
		m.setStateLocked(ch, StateHungUp)
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) channelForLocked(ev protocol.VoiceEvent) *channel {
	if ev.Proximal {
		return m.proximal
	}
	if ev.ChannelURI != "" {
		if ch, ok := m.byURI[ev.ChannelURI]; ok {
			return ch
		}
		return nil
	}
	return m.current
}

func (m *Manager) setStateLocked(ch *channel, state State) {
	if ch.state == state {
		return
	}
	ch.state = state
	m.metrics.ObserveVoiceTransition(string(state))
	m.log.Debug().Stringer("session", ch.sessionID).Str("state", string(state)).Msg("voice state")

	sessionID := ch.sessionID
	subs := make([]StateFunc, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.queued = append(m.queued, func() {
		for _, fn := range subs {
			fn(sessionID, state)
		}
	})
	if key := systemKeyFor(state); key != "" && m.systemMessage != nil && ch.kind != KindProximal {
		fn := m.systemMessage
		m.queued = append(m.queued, func() { fn(sessionID, key) })
	}
}

func systemKeyFor(state State) string {
	switch state {
	case StateCallStarted:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateHungUp:
		return "hang_up"
	default:
		return ""
	}
}

func (m *Manager) notifyLocked(key string, args map[string]string) {
	if m.notifier == nil {
		return
	}
	n := m.notifier
	m.queued = append(m.queued, func() { n.Notify(key, args) })
}

// flush runs callbacks queued under the lock, in order, outside it.
func (m *Manager) flush() {
	m.mu.Lock()
	q := m.queued
	m.queued = nil
	m.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}
