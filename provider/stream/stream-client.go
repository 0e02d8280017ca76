package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
)

var logger = logrus.WithField("component", "stream")

var ErrClientClosed = errors.New("stream client closed")

const (
	DefaultHandshakeTimeout     = 5 * time.Second
	DefaultManualReconnectDelay = 500 * time.Millisecond
	defaultMessageBuffer        = 256
	statusBuffer                = 16
	writeTimeout                = 5 * time.Second
)

type Options struct {
	Name string
	// URL is resolved before every dial.
	URL       func(ctx context.Context) (string, error)
	OnConnect func(ctx context.Context, conn *Conn) error
	// Ping is called every PingInterval; a websocket ping frame is sent when nil.
	Ping         func(conn *Conn) error
	PingInterval time.Duration
	ReadTimeout  time.Duration

	HandshakeTimeout     time.Duration
	ManualReconnectDelay time.Duration
	Backoff              *Backoff
	MessageBuffer        int
}

func StaticURL(url string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return url, nil
	}
}

// Conn serializes writes to a websocket connection.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *Conn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Client is a websocket connection that reconnects on its own. Frames are
// delivered on Messages and status transitions on Status; both channels are
// closed when the client stops and nothing is delivered after Close returns.
type Client struct {
	opts Options

	messages  chan []byte
	statuses  chan domain.ConnectionStatus
	reconnect chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	conn    *Conn
	status  domain.ConnectionStatus
	attempt int
	manual  bool
	started bool
	closed  bool
}

func NewClient(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ManualReconnectDelay <= 0 {
		opts.ManualReconnectDelay = DefaultManualReconnectDelay
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.MessageBuffer <= 0 {
		opts.MessageBuffer = defaultMessageBuffer
	}

	return &Client{
		opts:      opts,
		messages:  make(chan []byte, opts.MessageBuffer),
		statuses:  make(chan domain.ConnectionStatus, statusBuffer),
		reconnect: make(chan struct{}, 1),
		status:    domain.ConnectionStatus_Idle,
	}
}

func (c *Client) Messages() <-chan []byte {
	return c.messages
}

func (c *Client) Status() <-chan domain.ConnectionStatus {
	return c.statuses
}

func (c *Client) State() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Start launches the connect loop. It returns ErrClientClosed after Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.started = true
		c.wg.Add(1)
		go c.run(ctx)
	})
	return nil
}

// Reconnect drops the current connection and dials again after
// ManualReconnectDelay with the attempt counter reset.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if conn != nil {
		c.manual = true
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		return
	}

	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Close stops the client, cancelling any pending reconnect. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.started
		conn := c.conn
		c.status = domain.ConnectionStatus_Closed
		c.mu.Unlock()

		if !started {
			close(c.messages)
			close(c.statuses)
			return
		}

		c.cancel()
		if conn != nil {
			conn.Close()
		}
		c.wg.Wait()

		for range c.messages {
		}
		for range c.statuses {
		}
	})
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.statuses)
	defer close(c.messages)

	log := logger.WithField("stream", c.opts.Name)
	var delay time.Duration

	for {
		if delay > 0 && !c.wait(ctx, delay) {
			return
		}

		if c.Attempt() > 0 {
			c.setStatus(ctx, domain.ConnectionStatus_Reconnecting)
		} else {
			c.setStatus(ctx, domain.ConnectionStatus_Connecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("connection failed")
			c.setStatus(ctx, domain.ConnectionStatus_Disconnected)
			delay = c.scheduleReconnect(ctx)
			continue
		}

		c.mu.Lock()
		c.attempt = 0
		c.mu.Unlock()
		log.Info("connected")
		c.setStatus(ctx, domain.ConnectionStatus_Connected)

		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.conn = nil
		manual := c.manual
		c.manual = false
		c.mu.Unlock()

		c.setStatus(ctx, domain.ConnectionStatus_Disconnected)

		if manual {
			log.Info("manual reconnect")
			delay = c.opts.ManualReconnectDelay
			continue
		}

		log.WithError(err).Warn("disconnected")
		delay = c.scheduleReconnect(ctx)
	}
}

func (c *Client) scheduleReconnect(ctx context.Context) time.Duration {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	delay := c.opts.Backoff.Delay(attempt)
	logger.WithFields(logrus.Fields{
		"stream":  c.opts.Name,
		"attempt": attempt,
		"delay":   delay.Round(time.Millisecond),
	}).Info("reconnect scheduled")

	c.setStatus(ctx, domain.ConnectionStatus_Reconnecting)
	return delay
}

// wait sleeps for d. A manual reconnect during the wait resets the attempt
// counter and restarts the wait with the manual delay.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-c.reconnect:
			c.mu.Lock()
			c.attempt = 0
			c.mu.Unlock()

			timer.Stop()
			timer = time.NewTimer(c.opts.ManualReconnectDelay)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	url, err := c.opts.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn := &Conn{ws: ws}
	if c.opts.OnConnect != nil {
		if err := c.opts.OnConnect(ctx, conn); err != nil {
			ws.Close()
			return nil, fmt.Errorf("on connect: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.manual = false
	c.mu.Unlock()

	// a reconnect request issued while dialing is satisfied by this connection
	select {
	case <-c.reconnect:
	default:
	}

	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if c.opts.PingInterval > 0 {
		go c.pingLoop(connCtx, conn)
	}

	for {
		if c.opts.ReadTimeout > 0 {
			conn.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}

		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := conn.WritePing
			if c.opts.Ping != nil {
				ping = func() error { return c.opts.Ping(conn) }
			}
			if err := ping(); err != nil {
				logger.WithField("stream", c.opts.Name).WithError(err).Warn("ping failed")
				conn.Close()
				return
			}
		}
	}
}

// setStatus records the state and emits it when it changed and is public.
func (c *Client) setStatus(ctx context.Context, status domain.ConnectionStatus) {
	c.mu.Lock()
	if c.status == status || c.closed {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	if !status.IsPublic() {
		return
	}

	select {
	case c.statuses <- status:
	case <-ctx.Done():
	}
}
