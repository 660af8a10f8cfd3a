// Package caps talks to region-advertised capability endpoints: named,
// session-scoped HTTP URLs each implementing one operation. A missing
// capability is reported as ErrNoCapability so callers can fall back to the
// legacy point-to-point path.
package caps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/venarius/gridtalk/internal/observability"
	"github.com/venarius/gridtalk/internal/reliability"
)

var ErrNoCapability = errors.New("capability not granted")

// StatusError reports a non-2xx capability response.
type StatusError struct {
	Capability string
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("capability %s: status %d: %s", e.Capability, e.Code, e.Message)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

const (
	requestTimeout = 30 * time.Second
	maxRetries     = 2
	retryBase      = 250 * time.Millisecond
)

type Client struct {
	mu      sync.RWMutex
	urls    map[string]string
	http    *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewClient(log zerolog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		urls:    make(map[string]string),
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.With().Str("component", "caps").Logger(),
		metrics: metrics,
	}
}

// SetCapability registers (or clears, with an empty URL) a capability URL.
// Called on region handoff when a fresh seed-capability grant arrives.
func (c *Client) SetCapability(name, u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u == "" {
		delete(c.urls, name)
		return
	}
	c.urls[name] = u
}

func (c *Client) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.urls[name]
	return ok
}

func (c *Client) urlFor(name string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.urls[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCapability, name)
	}
	return u, nil
}

// Post sends a JSON body and decodes the JSON response into out (when out is
// non-nil). Transient statuses are retried with capped exponential backoff;
// the caller sees one final error, not one per attempt.
func (c *Client) Post(ctx context.Context, name string, body, out any) error {
	u, err := c.urlFor(name)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", name, err)
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{Capability: name, Code: resp.StatusCode, Message: readErrorBody(resp.Body)}
			if serr.Retryable() {
				return retry.RetryableError(serr)
			}
			return serr
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		c.metrics.ObserveCapabilityError(name, errorCode(err))
		c.log.Warn().Err(err).Str("capability", name).Msg("capability request failed")
	}
	return err
}

// Get issues a GET with query parameters and returns the response headers so
// callers can read cache-control hints.
func (c *Client) Get(ctx context.Context, name string, query url.Values, out any) (http.Header, error) {
	base, err := c.urlFor(name)
	if err != nil {
		return nil, err
	}
	u := base
	if len(query) > 0 {
		u = base + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveCapabilityError(name, "network")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Capability: name, Code: resp.StatusCode, Message: readErrorBody(resp.Body)}
		c.metrics.ObserveCapabilityError(name, errorCode(serr))
		return nil, serr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, err
		}
	}
	return resp.Header, nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(b))
}

func errorCode(err error) string {
	var serr *StatusError
	if errors.As(err, &serr) {
		return fmt.Sprintf("%d", serr.Code)
	}
	return "network"
}
