// Package stream is the Stream Client (component C5): a per-auction
// Server-Sent Events consumer that parses bidUpdate/auctionClosed frames
// pushed by the upstream, reconnecting with exponential backoff and
// falling back to polling after too many failed attempts.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Event is one parsed SSE frame.
type Event struct {
	Name string // "bidUpdate", "auctionClosed", or "" for an unnamed/heartbeat frame
	Data string
}

// ReadyState mirrors the browser EventSource readyState values exposed in
// the status snapshot (§4.5).
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

const (
	maxReconnectAttempts  = 5
	heartbeatGracePeriod  = 45 * time.Second
	safetyNetPollInterval = 30 * time.Second
)

// ConnectionStatus is the per-connection snapshot exposed by Status.
type ConnectionStatus struct {
	ProductID         int64
	ReadyState        string
	ReconnectAttempts int
}

// Handler receives parsed events and the fallback signal.
type Handler interface {
	HandleEvent(auctionID string, productID int64, ev Event)
	HandleFallback(auctionID string, productID int64)
}

// MetricsSink receives reconnect attempts (§6). Optional; a nil sink is a
// no-op. Open-connection counts are not reported through it.
type MetricsSink interface {
	RecordReconnect(auctionID string)
}

type connection struct {
	mu                sync.Mutex
	auctionID         string
	productID         int64
	readyState        ReadyState
	reconnectAttempts int
	cancel            context.CancelFunc
}

// Client manages one SSE connection per monitored auction.
type Client struct {
	httpClient *http.Client
	urlTemplate string // e.g. "https://example.com/api/auctions/%d/stream"
	handler    Handler
	metrics    MetricsSink

	mu    sync.Mutex
	conns map[string]*connection
}

// NewClient builds a stream Client. urlTemplate must contain exactly one
// %d verb for the numeric product ID (§9 open question: configurable).
func NewClient(urlTemplate string, handler Handler, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 0}, // streaming: no fixed request timeout
		urlTemplate: urlTemplate,
		handler:     handler,
		conns:       make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithMetrics wires a sink for stream_reconnects_total (§6).
func WithMetrics(m MetricsSink) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Start begins streaming for an auction. Safe to call once per auction ID;
// a second call is a no-op while a connection is already active.
func (c *Client) Start(auctionID string, productID int64) {
	c.mu.Lock()
	if existing, exists := c.conns[auctionID]; exists {
		existing.mu.Lock()
		fellBack := existing.readyState == Closed
		existing.mu.Unlock()
		if !fellBack {
			c.mu.Unlock()
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{auctionID: auctionID, productID: productID, readyState: Connecting, cancel: cancel}
	c.conns[auctionID] = conn
	c.mu.Unlock()

	go c.run(ctx, conn)
}

// Stop tears down the connection for an auction, if any.
func (c *Client) Stop(auctionID string) {
	c.mu.Lock()
	conn, ok := c.conns[auctionID]
	if ok {
		delete(c.conns, auctionID)
	}
	c.mu.Unlock()
	if ok {
		conn.cancel()
	}
}

// Status returns a snapshot of every active connection (§4.5).
func (c *Client) Status() []ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ConnectionStatus, 0, len(c.conns))
	for _, conn := range c.conns {
		conn.mu.Lock()
		out = append(out, ConnectionStatus{
			ProductID:         conn.productID,
			ReadyState:        conn.readyState.String(),
			ReconnectAttempts: conn.reconnectAttempts,
		})
		conn.mu.Unlock()
	}
	return out
}

// SafetyNetInterval is the minimum polling interval that must remain
// active alongside an open stream connection, per §4.5's hybrid mode.
func SafetyNetInterval() time.Duration { return safetyNetPollInterval }

func (c *Client) run(ctx context.Context, conn *connection) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded externally by maxReconnectAttempts
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.connectOnce(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		conn.mu.Lock()
		conn.readyState = Connecting
		conn.reconnectAttempts++
		attempts := conn.reconnectAttempts
		conn.mu.Unlock()

		if c.metrics != nil {
			c.metrics.RecordReconnect(conn.auctionID)
		}

		if err != nil {
			log.WithError(err).WithField("auction_id", conn.auctionID).Warn("stream: connection lost")
		}

		if attempts >= maxReconnectAttempts {
			log.WithField("auction_id", conn.auctionID).Warn("stream: max reconnect attempts reached, falling back to polling")
			conn.mu.Lock()
			conn.readyState = Closed
			conn.mu.Unlock()
			if c.handler != nil {
				c.handler.HandleFallback(conn.auctionID, conn.productID)
			}
			return
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectOnce opens one SSE connection and reads frames until it closes
// or ctx is cancelled, returning the error (if any) that ended it.
func (c *Client) connectOnce(ctx context.Context, conn *connection) error {
	url := fmt.Sprintf(c.urlTemplate, conn.productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	conn.mu.Lock()
	conn.readyState = Open
	conn.reconnectAttempts = 0
	conn.mu.Unlock()

	return scanFrames(resp.Body, heartbeatGracePeriod, func(ev Event) {
		if c.handler != nil {
			c.handler.HandleEvent(conn.auctionID, conn.productID, ev)
		}
	})
}

// scanFrames reads "event: name\ndata: payload\n\n" frames (and ": comment"
// keepalive lines) from r, invoking onEvent for each frame that carries an
// event name or data (unnamed data frames arrive with an empty Name). It
// returns once r reaches EOF or an error occurs; idleTimeout is not
// enforced here.
func scanFrames(r io.Reader, idleTimeout time.Duration, onEvent func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name, data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 || name.Len() > 0 {
				onEvent(Event{Name: name.String(), Data: data.String()})
			}
			name.Reset()
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignore
		case strings.HasPrefix(line, "event:"):
			name.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}
