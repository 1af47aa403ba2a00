// Package whip is a client for the WHIP asset protocol: one
// authenticated TCP connection per server carrying pipelined get
// requests, with duplicate requests for the same asset collapsed into a
// single wire request.
package whip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"aperture/internal/asset"
)

var (
	ErrNotConnected  = errors.New("whip: not connected")
	ErrDisconnected  = errors.New("whip: connection lost before response")
	ErrNotFound      = errors.New("whip: asset not found")
	ErrServer        = errors.New("whip: server error")
	ErrAuthFailed    = errors.New("whip: authentication rejected")
	ErrBadAuthStatus = errors.New("whip: invalid auth status message")
	ErrBadHeader     = errors.New("whip: invalid response header")
	ErrBadID         = errors.New("whip: asset id must be 32 bytes")
	errShutdown      = errors.New("whip: shut down")
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWait
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWait:
		return "reconnect-wait"
	case StateShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Callback receives the outcome of a get. Exactly one of a and err is
// non-nil. Callbacks run on the connection's goroutines and must not
// block.
type Callback func(a *asset.Container, err error)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
)

type options struct {
	logger           *slog.Logger
	dial             func(ctx context.Context, network, addr string) (net.Conn, error)
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.dial = dial }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectDelay = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

type Client struct {
	uri  URI
	opts options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	state State
	// sendq holds ids whose request header has not been written yet, in
	// the order the requests were issued.
	sendq []string
	kick  chan struct{}
	// pending maps an id to the callbacks waiting on its response. An id
	// is present from the first get until its response is dispatched.
	pending map[string][]Callback
}

func New(uri URI, opts ...Option) *Client {
	o := options{
		logger:           slog.Default(),
		reconnectDelay:   defaultReconnectDelay,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.dial == nil {
		var d net.Dialer
		o.dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		uri:     uri,
		opts:    o,
		log:     o.logger.With(slog.String("component", "whip"), slog.String("server", uri.Addr())),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		pending: map[string][]Callback{},
	}
}

// Connect starts the connection loop. It returns immediately; use State
// or IsConnected to observe progress.
func (c *Client) Connect() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Shutdown closes the connection, fails every pending get and stops any
// further reconnect attempt.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.state = StateShutDown
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Fetch requests id and arranges for cb to be called once with the
// result. A request for an id that already has a response outstanding
// is attached to that request instead of being sent again.
func (c *Client) Fetch(id string, cb Callback) {
	if len(id) != asset.IDLen {
		cb(nil, ErrBadID)
		return
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		cb(nil, ErrNotConnected)
		return
	}
	if waiters, ok := c.pending[id]; ok {
		c.pending[id] = append(waiters, cb)
		c.mu.Unlock()
		return
	}
	c.pending[id] = []Callback{cb}
	c.sendq = append(c.sendq, id)
	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.mu.Unlock()
}

type result struct {
	asset *asset.Container
	err   error
}

// Get is the blocking form of Fetch. Abandoning a get through ctx leaves
// the wire request in place; its response is still consumed.
func (c *Client) Get(ctx context.Context, id string) (*asset.Container, error) {
	ch := make(chan result, 1)
	c.Fetch(id, func(a *asset.Container, err error) {
		ch <- result{a, err}
	})
	select {
	case r := <-ch:
		return r.asset, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		if !c.transition(StateConnecting) {
			return
		}
		err := c.session()
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("connection to asset service lost, reconnecting",
			slog.Any("err", err), slog.Duration("delay", c.opts.reconnectDelay))

		if !c.transition(StateReconnectWait) {
			return
		}
		t := time.NewTimer(c.opts.reconnectDelay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// transition moves to s unless the client has been shut down.
func (c *Client) transition(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShutDown {
		return false
	}
	c.state = s
	return true
}

// session dials, authenticates and serves one connection until it fails
// or the client shuts down.
func (c *Client) session() error {
	conn, err := c.opts.dial(c.ctx, "tcp", c.uri.Addr())
	if err != nil {
		c.teardown(nil)
		return fmt.Errorf("connect: %w", err)
	}
	// Shutdown must not wait out the handshake deadline.
	stop := context.AfterFunc(c.ctx, func() { _ = conn.Close() })
	err = c.authenticate(conn)
	stop()
	if err != nil {
		_ = conn.Close()
		c.teardown(nil)
		return err
	}

	done := make(chan struct{})
	kick := make(chan struct{}, 1)
	c.mu.Lock()
	if c.state == StateShutDown {
		c.mu.Unlock()
		_ = conn.Close()
		return errShutdown
	}
	c.state = StateConnected
	c.kick = kick
	c.mu.Unlock()
	c.log.Info("connection established to asset service")

	errCh := make(chan error, 2)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		errCh <- c.writeLoop(conn, kick, done)
	}()
	go func() {
		defer loops.Done()
		errCh <- c.readLoop(conn)
	}()

	select {
	case err = <-errCh:
	case <-c.ctx.Done():
		err = errShutdown
	}
	close(done)
	_ = conn.Close()
	loops.Wait()
	c.teardown(err)
	return err
}

func (c *Client) authenticate(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(c.opts.handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}
	resp := newAuthResponse(challengePhrase(challenge), c.uri.Password)
	if _, err := conn.Write(resp); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}
	status := make([]byte, authStatusSize)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	st, err := parseAuthStatus(status)
	if err != nil {
		return err
	}
	if st != authSuccess {
		return ErrAuthFailed
	}
	return nil
}

// teardown drops the queues and fails every waiter. cause is nil when no
// connection was ever established.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string][]Callback{}
	c.sendq = nil
	c.kick = nil
	if c.state != StateShutDown {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debug("failing pending transfers", slog.Int("assets", len(pending)), slog.Any("cause", cause))
	}
	for _, waiters := range pending {
		for _, cb := range waiters {
			cb(nil, ErrDisconnected)
		}
	}
}

func (c *Client) writeLoop(conn net.Conn, kick <-chan struct{}, done <-chan struct{}) error {
	for {
		c.mu.Lock()
		if len(c.sendq) == 0 {
			c.mu.Unlock()
			select {
			case <-kick:
				continue
			case <-done:
				return nil
			}
		}
		id := c.sendq[0]
		c.mu.Unlock()

		if _, err := conn.Write(encodeRequest(requestGet, id)); err != nil {
			return fmt.Errorf("write asset request: %w", err)
		}

		c.mu.Lock()
		if len(c.sendq) > 0 {
			c.sendq = c.sendq[1:]
		}
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	hdr := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return fmt.Errorf("read response header: %w", err)
		}
		h, err := decodeResponseHeader(hdr)
		if err != nil {
			c.log.Error("invalid response header from server, terminating connection", slog.Any("err", err))
			return err
		}

		var body []byte
		if h.Size > 0 {
			body = make([]byte, h.Size)
			if _, err := io.ReadFull(conn, body); err != nil {
				return fmt.Errorf("read response body: %w", err)
			}
		}

		switch h.Code {
		case codeFound:
			a, err := asset.Decode(body)
			if err != nil {
				c.log.Warn("undecodable asset from server", slog.String("asset", h.ID), slog.Any("err", err))
				c.dispatch(h.ID, nil, err)
				continue
			}
			c.dispatch(h.ID, a, nil)
		case codeError:
			c.log.Warn("error from asset service", slog.String("asset", h.ID), slog.String("msg", string(body)))
			c.dispatch(h.ID, nil, fmt.Errorf("%w: %s", ErrServer, body))
		default:
			c.dispatch(h.ID, nil, ErrNotFound)
		}
	}
}

func (c *Client) dispatch(id string, a *asset.Container, err error) {
	c.mu.Lock()
	waiters := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	for _, cb := range waiters {
		cb(a, err)
	}
}
