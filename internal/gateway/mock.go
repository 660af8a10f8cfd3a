package gateway

import (
	"sync"

	"github.com/google/uuid"

	"github.com/venarius/gridtalk/internal/protocol"
)

// Mock is an in-process Gateway for tests and for running without a voice
// engine. Commands are recorded; state transitions are driven explicitly via
// Emit and SetParticipants.
type Mock struct {
	mu           sync.Mutex
	commands     []string
	currentURI   string
	proximal     bool
	enabled      bool
	participants map[uuid.UUID]Participant
	observers    map[int]Observer
	nextObserver int

	// JoinErr, when set, is returned from SetNonSpatialChannel.
	JoinErr error
}

func NewMock() *Mock {
	return &Mock{
		enabled:      true,
		participants: map[uuid.UUID]Participant{},
		observers:    map[int]Observer{},
	}
}

func (m *Mock) AddObserver(obs Observer) func() {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = obs
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Mock) SetNonSpatialChannel(uri, credentials string) error {
	m.mu.Lock()
	m.commands = append(m.commands, "join "+uri)
	err := m.JoinErr
	m.mu.Unlock()
	return err
}

func (m *Mock) LeaveNonSpatialChannel() error {
	m.mu.Lock()
	m.commands = append(m.commands, "leave")
	m.mu.Unlock()
	return nil
}

func (m *Mock) CallUser(id uuid.UUID) error {
	m.mu.Lock()
	m.commands = append(m.commands, "call "+SIPURI(id))
	m.mu.Unlock()
	return nil
}

func (m *Mock) AnswerInvite(handle string) error {
	m.mu.Lock()
	m.commands = append(m.commands, "answer "+handle)
	m.mu.Unlock()
	return nil
}

func (m *Mock) DeclineInvite(handle string) error {
	m.mu.Lock()
	m.commands = append(m.commands, "decline "+handle)
	m.mu.Unlock()
	return nil
}

func (m *Mock) CurrentChannelURI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURI
}

func (m *Mock) InProximalChannel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proximal
}

func (m *Mock) Participants() []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	return out
}

func (m *Mock) Participant(id uuid.UUID) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	return p, ok
}

func (m *Mock) VoiceEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Mock) SetVoiceEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *Mock) SetParticipants(ps ...Participant) {
	next := make(map[uuid.UUID]Participant, len(ps))
	for _, p := range ps {
		next[p.ID] = p
	}
	m.mu.Lock()
	m.participants = next
	m.mu.Unlock()
}

// Emit mirrors the event into the mock's channel state and fans it out to
// observers, exactly as the websocket client does for engine frames.
func (m *Mock) Emit(ev protocol.VoiceEvent) {
	m.mu.Lock()
	switch ev.Status {
	case protocol.VoiceStatusJoined:
		m.currentURI = ev.ChannelURI
		m.proximal = ev.Proximal
	case protocol.VoiceStatusLeft:
		if m.currentURI == ev.ChannelURI {
			m.currentURI = ""
			m.proximal = false
			m.participants = map[uuid.UUID]Participant{}
		}
	case protocol.VoiceStatusDisabled:
		m.enabled = false
		m.currentURI = ""
		m.proximal = false
	case protocol.VoiceStatusLoggedIn:
		m.enabled = true
	}
	observers := make([]Observer, 0, len(m.observers))
	for _, obs := range m.observers {
		observers = append(observers, obs)
	}
	m.mu.Unlock()

	for _, obs := range observers {
		obs(ev)
	}
}

// Commands returns the command log in call order.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// Reset clears the command log but keeps channel state.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.commands = nil
	m.mu.Unlock()
}
