package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/protocol"
)

// Client is the websocket implementation of Gateway. One connection per
// process; the engine multiplexes channels behind it.
type Client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	log       zerolog.Logger

	mu           sync.Mutex
	currentURI   string
	proximal     bool
	enabled      bool
	participants map[uuid.UUID]Participant
	observers    map[int]Observer
	nextObserver int

	done chan struct{}
}

type command struct {
	Command     string `json:"command"`
	URI         string `json:"uri,omitempty"`
	Credentials string `json:"credentials,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

// participantUpdate is the engine's roster frame; it replaces the mirrored
// participant set wholesale.
type participantUpdate struct {
	Type         string `json:"type"`
	Participants []struct {
		ID               uuid.UUID `json:"id"`
		LegacyName       string    `json:"legacy_name"`
		IsAvatar         bool      `json:"is_avatar"`
		IsSpeaking       bool      `json:"is_speaking"`
		IsModeratorMuted bool      `json:"is_moderator_muted"`
		Energy           float64   `json:"energy"`
	} `json:"participants"`
}

// Dial connects to the voice engine and starts mirroring its state.
func Dial(ctx context.Context, wsURL string, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial voice gateway: %w", err)
	}
	c := &Client{
		conn:         conn,
		log:          log.With().Str("component", "gateway").Logger(),
		enabled:      true,
		participants: map[uuid.UUID]Participant{},
		observers:    map[int]Observer{},
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) AddObserver(obs Observer) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = obs
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Client) SetNonSpatialChannel(uri, credentials string) error {
	return c.send(command{Command: "join", URI: uri, Credentials: credentials})
}

func (c *Client) LeaveNonSpatialChannel() error {
	return c.send(command{Command: "leave"})
}

func (c *Client) CallUser(id uuid.UUID) error {
	return c.send(command{Command: "call", URI: SIPURI(id)})
}

func (c *Client) AnswerInvite(handle string) error {
	return c.send(command{Command: "answer", Handle: handle})
}

func (c *Client) DeclineInvite(handle string) error {
	return c.send(command{Command: "decline", Handle: handle})
}

func (c *Client) CurrentChannelURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentURI
}

func (c *Client) InProximalChannel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proximal
}

func (c *Client) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

func (c *Client) Participant(id uuid.UUID) (Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[id]
	return p, ok
}

func (c *Client) VoiceEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Done closes when the engine connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		retErr = c.conn.Close()
		close(c.done)
	})
	return retErr
}

func (c *Client) send(cmd command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(cmd)
}

func (c *Client) readLoop() {
	defer c.safeClose()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeVoiceEvent:
			var ev protocol.VoiceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			c.applyEvent(ev)
		case "participant_update":
			var upd participantUpdate
			if err := json.Unmarshal(data, &upd); err != nil {
				continue
			}
			c.applyParticipants(upd)
		default:
			c.log.Debug().Str("type", string(env.Type)).Msg("ignoring gateway frame")
		}
	}
}

func (c *Client) applyEvent(ev protocol.VoiceEvent) {
	c.mu.Lock()
	switch ev.Status {
	case protocol.VoiceStatusJoined:
		c.currentURI = ev.ChannelURI
		c.proximal = ev.Proximal
	case protocol.VoiceStatusLeft:
		if c.currentURI == ev.ChannelURI {
			c.currentURI = ""
			c.proximal = false
			c.participants = map[uuid.UUID]Participant{}
		}
	case protocol.VoiceStatusDisabled:
		c.enabled = false
		c.currentURI = ""
		c.proximal = false
	case protocol.VoiceStatusLoggedIn:
		c.enabled = true
	}
	observers := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		obs(ev)
	}
}

func (c *Client) applyParticipants(upd participantUpdate) {
	next := make(map[uuid.UUID]Participant, len(upd.Participants))
	for _, p := range upd.Participants {
		if p.ID == uuid.Nil {
			continue
		}
		next[p.ID] = Participant{
			ID:               p.ID,
			LegacyName:       p.LegacyName,
			IsAvatar:         p.IsAvatar,
			IsSpeaking:       p.IsSpeaking,
			IsModeratorMuted: p.IsModeratorMuted,
			Energy:           p.Energy,
		}
	}
	c.mu.Lock()
	c.participants = next
	c.mu.Unlock()
}

func (c *Client) safeClose() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
	})
}
