package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/crypto"
	"github.com/ZentaChain/devlink/pkg/delivery"
	"github.com/ZentaChain/devlink/pkg/protocol"
)

// ConnConfig holds the per-connection protocol settings
type ConnConfig struct {
	RSABits           int
	WrapPublicKey     bool
	QueueInterval     time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	WriteTimeout      time.Duration
	MaxFrameSize      int
}

// DefaultConnConfig returns the settings deployed devices expect
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		RSABits:           crypto.DefaultRSABits,
		WrapPublicKey:     true,
		QueueInterval:     500 * time.Millisecond,
		MaxAttempts:       delivery.DefaultMaxAttempts,
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  DefaultMissedHeartbeats,
		WriteTimeout:      5 * time.Second,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
	}
}

// Callbacks receive connection events. They run on the connection's own
// goroutine, so they must not call Send on the same connection
// synchronously. Nil fields are skipped.
type Callbacks struct {
	OnConnected      func(c *Conn)
	OnReady          func(c *Conn)
	OnData           func(c *Conn, payload string)
	OnNameUpdated    func(c *Conn, name string)
	OnStateChanged   func(c *Conn, state ConnectionState)
	OnError          func(c *Conn, err error)
	OnDeliveryFailed func(c *Conn, id uint16)
}

// DeviceInfo is a point-in-time view of a connection
type DeviceInfo struct {
	ID          string          `json:"id"`
	Address     string          `json:"address"`
	Name        string          `json:"name"`
	State       ConnectionState `json:"state"`
	Handshake   EngineState     `json:"handshake"`
	Ready       bool            `json:"ready"`
	Fingerprint string          `json:"fingerprint"`
	Pending     int             `json:"pending"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastSeen    time.Time       `json:"last_seen"`
}

// MarshalText renders the state by name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalText renders the state by name
func (s EngineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Option customizes a Conn or Host
type Option func(*options)

type options struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	id      string
}

// WithClock replaces the wall clock driving the retransmission and
// heartbeat timers
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records activity in m
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithID fixes the connection ID instead of generating one
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return o
}

// Conn is one device connection. A single goroutine (Run) owns the engine,
// the retransmission queue and the heartbeat state; inbound lines, timer
// ticks and Send requests are all processed there in turn.
type Conn struct {
	id        string
	stream    net.Conn
	cfg       ConnConfig
	clock     clock.Clock
	callbacks Callbacks
	metrics   *Metrics
	logger    *zap.Logger

	engine   *Engine
	liveness *Liveness

	inbox     chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	info DeviceInfo
}

// NewConn prepares a connection over stream with a fresh RSA key pair. The
// handshake starts when Run is called.
func NewConn(stream net.Conn, cfg ConnConfig, callbacks Callbacks, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)

	session, err := crypto.NewSession(cfg.RSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to create crypto session: %w", err)
	}

	remote := ""
	if addr := stream.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	c := &Conn{
		id:        o.id,
		stream:    stream,
		cfg:       cfg,
		clock:     o.clock,
		callbacks: callbacks,
		metrics:   o.metrics,
		logger:    o.logger.With(zap.String("conn_id", o.id), zap.String("remote", remote)),
		inbox:     make(chan func()),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.engine = NewEngine(session, delivery.TransmitterFunc(c.transmit), EngineConfig{
		WrapPublicKey: cfg.WrapPublicKey,
		MaxAttempts:   cfg.MaxAttempts,
	}, EngineEvents{
		OnReady: func() {
			c.liveness.OnReady()
			if c.callbacks.OnReady != nil {
				c.callbacks.OnReady(c)
			}
		},
		OnPayload: func(payload string) {
			c.liveness.HandlePayload(payload)
		},
		OnError: c.raise,
		OnDeliveryFailed: func(id uint16) {
			c.logger.Warn("Frame not confirmed, giving up", zap.Uint16("id", id))
			if c.callbacks.OnDeliveryFailed != nil {
				c.callbacks.OnDeliveryFailed(c, id)
			}
		},
	}, c.metrics, c.logger)

	c.liveness = NewLiveness(c.engine, cfg.MissedHeartbeats, LivenessEvents{
		OnData: func(payload string) {
			if c.callbacks.OnData != nil {
				c.callbacks.OnData(c, payload)
			}
		},
		OnNameUpdated: func(name string) {
			c.refresh()
			if c.callbacks.OnNameUpdated != nil {
				c.callbacks.OnNameUpdated(c, name)
			}
		},
		OnStateChanged: func(state ConnectionState) {
			c.metrics.stateChanged(state)
			c.refresh()
			if c.callbacks.OnStateChanged != nil {
				c.callbacks.OnStateChanged(c, state)
			}
		},
	}, c.logger)

	now := c.clock.Now()
	c.info = DeviceInfo{
		ID:          c.id,
		Address:     remote,
		State:       StateConnected,
		Handshake:   StateHandshakeSent,
		Fingerprint: c.engine.Fingerprint(),
		ConnectedAt: now,
		LastSeen:    now,
	}

	return c, nil
}

// ID returns the connection identifier
func (c *Conn) ID() string { return c.id }

// Info returns a snapshot of the connection. Safe for concurrent use.
func (c *Conn) Info() DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Done is closed once the connection has been torn down
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run performs the handshake and serves the connection until the stream
// closes, Close is called or ctx is cancelled. It always leaves the
// connection DISCONNECTED.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)

	queueTicker := c.clock.Ticker(c.cfg.QueueInterval)
	defer queueTicker.Stop()
	heartbeat := c.clock.Ticker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go c.readLoop(lines, readErr)

	c.logger.Info("Device connected")
	if c.callbacks.OnConnected != nil {
		c.callbacks.OnConnected(c)
	}

	if err := c.engine.Start(); err != nil {
		c.terminate(err)
		return err
	}
	c.refresh()

	for {
		select {
		case line := <-lines:
			c.touch()
			c.engine.HandleLine(line)
		case err := <-readErr:
			c.terminate(err)
			return nil
		case <-queueTicker.C:
			c.engine.Tick()
		case <-heartbeat.C:
			c.liveness.Tick()
		case fn := <-c.inbox:
			fn()
		case <-c.closing:
			c.terminate(nil)
			return nil
		case <-ctx.Done():
			c.terminate(nil)
			return ctx.Err()
		}
		c.refresh()
	}
}

// Send encrypts text and queues it for the device. It fails with
// ErrNotReady before the handshake completes and ErrTerminated after
// teardown.
func (c *Conn) Send(text string) (uint16, error) {
	type result struct {
		id  uint16
		err error
	}

	res := make(chan result, 1)
	req := func() {
		id, err := c.engine.Send(text)
		res <- result{id, err}
	}

	select {
	case c.inbox <- req:
	case <-c.done:
		return 0, ErrTerminated
	}

	r := <-res
	return r.id, r.err
}

// Close tears the connection down. It is safe to call more than once and
// from any goroutine; use Done to wait for completion.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *Conn) readLoop(lines chan<- string, readErr chan<- error) {
	scanner := protocol.NewLineScanner(c.stream, c.cfg.MaxFrameSize)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-c.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	readErr <- err
}

func (c *Conn) transmit(f protocol.Frame) error {
	wire, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	if c.cfg.WriteTimeout > 0 {
		// real time: the deadline applies to the socket, not the protocol clock
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := io.WriteString(c.stream, wire); err != nil {
		return err
	}

	c.metrics.frameSent(f.Mode())
	c.logger.Debug("Frame sent",
		zap.Uint16("id", f.TransmissionID()),
		zap.Stringer("mode", f.Mode()),
		zap.Int("size", len(wire)))
	return nil
}

func (c *Conn) terminate(err error) {
	if IsExpectedClose(err) {
		c.logger.Info("Connection closed")
	} else {
		c.logger.Error("Connection failed", zap.Error(err))
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("line exceeds %d bytes: %w", c.cfg.MaxFrameSize, err)
		}
		c.raise(fmt.Errorf("%w: %v", ErrTransport, err))
	}

	c.engine.Terminate()
	if cerr := c.stream.Close(); cerr != nil && !IsExpectedClose(cerr) {
		c.logger.Debug("Failed to close stream", zap.Error(cerr))
	}
	c.liveness.Disconnected()
	c.refresh()
}

func (c *Conn) raise(err error) {
	c.logger.Debug("Connection error", zap.Error(err))
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(c, err)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.info.LastSeen = c.clock.Now()
	c.mu.Unlock()
}

// refresh copies actor-owned state into the snapshot returned by Info
func (c *Conn) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.Name = c.liveness.Name()
	c.info.State = c.liveness.State()
	c.info.Handshake = c.engine.State()
	c.info.Ready = c.liveness.Ready()
	c.info.Pending = c.engine.Pending()
}
