package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/mutes"
	"github.com/venarius/gridtalk/internal/reliability"
)

const (
	redialBase = time.Second
	redialCap  = 30 * time.Second
)

// Client maintains the websocket message feed, redialing with capped backoff
// when it drops. Each (re)connect starts with a mute-list sync request so the
// local mirror converges after downtime.
type Client struct {
	url        string
	agentID    uuid.UUID
	dispatcher *Dispatcher
	log        zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Open starts the feed in the background and returns immediately; the first
// connection attempt happens on the run goroutine so a down server does not
// block startup.
func Open(ctx context.Context, wsURL string, agentID uuid.UUID, d *Dispatcher, log zerolog.Logger) *Client {
	c := &Client{
		url:        wsURL,
		agentID:    agentID,
		dispatcher: d,
		log:        log.With().Str("component", "stream").Logger(),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			delay := reliability.ExponentialBackoff(attempt, redialBase, redialCap)
			attempt++
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("message feed dial failed")
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if err := c.Send(mutes.Request(c.agentID)); err != nil {
			c.log.Warn().Err(err).Msg("mute list sync request failed")
		}
		c.readLoop(conn)
		_ = conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("message feed dropped")
			return
		}
		if err := c.dispatcher.Dispatch(data); err != nil {
			c.log.Warn().Err(err).Msg("undeliverable feed frame")
		}
	}
}

// Send writes a frame upstream, e.g. outbound typing indicators or mute-list
// requests.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("message feed not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Done closes once the feed has shut down for good.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}
