package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: client closed")
)

// Options configures a Client. URL is required.
type Options struct {
	URL   string
	Token string
	// HeartbeatInterval is the ping period. A peer silent for two periods is dropped and redialed.
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	HandshakeTimeout  time.Duration
	Logger            zerolog.Logger
}

// Client is a reconnecting channel connection. Join messages are replayed after every
// successful connect because the server keeps room membership per connection only.
type Client struct {
	url       string
	heartbeat time.Duration
	minWait   time.Duration
	maxWait   time.Duration
	dialer    websocket.Dialer
	log       zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	joins    []ws.Envelope
	handlers map[ws.Event][]func(json.RawMessage)
	lastSeen time.Time
	started  bool
	closed   bool
	connects int

	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}

	return &Client{
		url:       u.String(),
		heartbeat: opts.HeartbeatInterval,
		minWait:   opts.ReconnectMin,
		maxWait:   opts.ReconnectMax,
		dialer:    websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:       opts.Logger.With().Str("component", "realtime_client").Logger(),
		handlers:  make(map[ws.Event][]func(json.RawMessage)),
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the connect loop. It returns immediately; the first dial happens in the background.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// On registers h for every frame of event. Handlers run on the read goroutine.
func (c *Client) On(event ws.Event, h func(data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Join records a membership message, sends it now when connected and resends it after every reconnect.
// Identical joins are kept once.
func (c *Client) Join(event ws.Event, data interface{}) {
	env, err := ws.Encode(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event)).Msg("Join payload not encodable")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.joins {
		if j.Event == env.Event && string(j.Data) == string(env.Data) {
			return
		}
	}
	c.joins = append(c.joins, env)
	if c.conn != nil {
		if err := c.write(c.conn, env); err != nil {
			c.log.Warn().Err(err).Str("event", string(event)).Msg("Join send failed, will replay on reconnect")
		}
	}
}

// Emit sends one frame. It fails fast with ErrNotConnected while the connection is down.
func (c *Client) Emit(event ws.Event, data interface{}) error {
	env, err := ws.Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, env)
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connects counts successful handshakes.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Close stops reconnecting, drops the connection and waits for the background goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) write(conn *websocket.Conn, env ws.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteEnvelope(conn, env)
}

// ─── Connect loop ────────────────────────────────────────────

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minWait
	bo.MaxInterval = c.maxWait
	bo.MaxElapsedTime = 0

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
		if err == nil {
			if c.serve(conn) {
				bo.Reset()
			}
		} else {
			c.log.Warn().Err(err).Msg("Dial failed")
		}

		wait := bo.NextBackOff()
		c.log.Debug().Dur("retry_in", wait).Msg("Reconnecting")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-c.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve owns one connection until it fails. It reports whether the connection got as far as replaying joins.
func (c *Client) serve(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.connects++
	c.lastSeen = time.Now()
	for _, env := range c.joins {
		if err := c.write(conn, env); err != nil {
			c.conn = nil
			c.mu.Unlock()
			c.log.Warn().Err(err).Msg("Join replay failed")
			_ = conn.Close()
			return false
		}
	}
	joins := len(c.joins)
	c.mu.Unlock()
	c.log.Info().Int("joins", joins).Msg("Channel connected")

	beatDone := make(chan struct{})
	go c.beat(conn, beatDone)

	for {
		env, err := ws.ReadEnvelope(conn)
		if err != nil {
			break
		}
		c.mu.Lock()
		c.lastSeen = time.Now()
		hs := append(([]func(json.RawMessage))(nil), c.handlers[env.Event]...)
		c.mu.Unlock()
		for _, h := range hs {
			h(env.Data)
		}
	}

	close(beatDone)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()
	if !closed {
		c.log.Warn().Msg("Channel disconnected")
	}
	return true
}

// beat pings on every interval and closes the connection once the peer has been quiet for two intervals,
// which unblocks the read loop and triggers a redial.
func (c *Client) beat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			quiet := time.Since(c.lastSeen)
			c.mu.Unlock()
			if quiet > 2*c.heartbeat {
				c.log.Warn().Dur("quiet", quiet).Msg("Heartbeat lost, forcing reconnect")
				_ = conn.Close()
				return
			}
			if err := c.write(conn, ws.Envelope{Event: ws.EventPing}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
