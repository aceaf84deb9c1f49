// Package device implements the remote end of a devlink connection: it
// answers the host's public key with a wrapped session key, confirms every
// frame it receives and replies to the name and status requests.
package device

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/crypto"
	"github.com/ZentaChain/devlink/pkg/delivery"
	"github.com/ZentaChain/devlink/pkg/network"
	"github.com/ZentaChain/devlink/pkg/protocol"
)

var (
	ErrNotReady = errors.New("no session key exchanged yet")
	ErrClosed   = errors.New("device connection closed")
)

// keyFrameIV is carried by AES_KEY frames. The host ignores it.
var keyFrameIV = base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})

// Config tunes a device client
type Config struct {
	Name          string
	QueueInterval time.Duration
	MaxAttempts   int
	WriteTimeout  time.Duration
	MaxFrameSize  int
}

// DefaultConfig mirrors the timings of the firmware
func DefaultConfig() Config {
	return Config{
		Name:          "devlink-device",
		QueueInterval: 500 * time.Millisecond,
		MaxAttempts:   delivery.DefaultMaxAttempts,
		WriteTimeout:  5 * time.Second,
		MaxFrameSize:  protocol.DefaultMaxFrameSize,
	}
}

// Events are invoked from the client goroutine
type Events struct {
	OnKeyExchanged   func()
	OnData           func(payload string)
	OnPlainData      func(payload string)
	OnError          func(err error)
	OnDeliveryFailed func(id uint16)
}

type options struct {
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Client
type Option func(*options)

// WithClock replaces the wall clock driving retransmissions
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the client logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Client is a device connected to a host. Like the host side, one
// goroutine (Run) owns the queue and the session.
type Client struct {
	stream net.Conn
	cfg    Config
	events Events
	clock  clock.Clock
	logger *zap.Logger

	queue   *delivery.Queue
	session *crypto.Session
	ready   atomic.Bool

	// key is the session key answered to the host key identified by hostKey.
	// keyDropped is set once its AES_KEY frame went unconfirmed.
	key        []byte
	hostKey    string
	keyDropped bool

	writeMu   sync.Mutex
	inbox     chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the host at addr, a multiaddr such as
// /ip4/192.168.1.10/tcp/1337
func Dial(ctx context.Context, addr string, cfg Config, events Events, opts ...Option) (*Client, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid host address %q: %w", addr, err)
	}

	var d manet.Dialer
	stream, err := d.DialContext(ctx, maddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", maddr, err)
	}
	return NewClient(stream, cfg, events, opts...), nil
}

// NewClient wraps an established stream. Nothing is exchanged until Run.
func NewClient(stream net.Conn, cfg Config, events Events, opts ...Option) *Client {
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

	c := &Client{
		stream:  stream,
		cfg:     cfg,
		events:  events,
		clock:   o.clock,
		logger:  o.logger.With(zap.String("device", cfg.Name)),
		inbox:   make(chan func()),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.queue = delivery.NewQueue(delivery.TransmitterFunc(c.transmit), cfg.MaxAttempts, delivery.Hooks{
		OnDropped: func(f protocol.Frame) {
			c.logger.Warn("Frame not confirmed by host", zap.Uint16("id", f.TransmissionID()))
			if _, isKey := f.(*protocol.KeyFrame); isKey {
				c.keyDropped = true
			}
			if c.events.OnDeliveryFailed != nil {
				c.events.OnDeliveryFailed(f.TransmissionID())
			}
		},
		OnTransmitError: func(f protocol.Frame, err error) {
			c.raise(fmt.Errorf("write frame %d: %w", f.TransmissionID(), err))
		},
	}, c.logger)
	return c
}

// Ready reports whether a session key has been sent to the host
func (c *Client) Ready() bool { return c.ready.Load() }

// Done is closed when Run has returned
func (c *Client) Done() <-chan struct{} { return c.done }

// Run serves the connection until the host hangs up, Close is called or ctx
// ends. A clean hangup returns nil.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	ticker := c.clock.Ticker(c.cfg.QueueInterval)
	defer ticker.Stop()

	frames := make(chan string)
	readErr := make(chan error, 1)
	go c.readLoop(frames, readErr)

	c.logger.Info("Connected to host", zap.String("remote", c.stream.RemoteAddr().String()))

	for {
		select {
		case raw := <-frames:
			c.handle(raw)
		case err := <-readErr:
			c.shutdown()
			if network.IsExpectedClose(err) {
				c.logger.Info("Host closed the connection")
				return nil
			}
			return fmt.Errorf("read from host: %w", err)
		case <-ticker.C:
			c.queue.Tick()
		case fn := <-c.inbox:
			fn()
		case <-c.closing:
			c.shutdown()
			return nil
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		}
	}
}

// Send encrypts text with the session key and queues it for the host
func (c *Client) Send(text string) (uint16, error) {
	return c.do(func() (uint16, error) {
		if c.session == nil {
			return 0, ErrNotReady
		}
		return c.sendEncrypted(text)
	})
}

// SendPlain queues text without encryption
func (c *Client) SendPlain(text string) (uint16, error) {
	return c.do(func() (uint16, error) {
		return c.queue.Enqueue(protocol.NewPlainData(text)), nil
	})
}

// Close ends the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *Client) do(fn func() (uint16, error)) (uint16, error) {
	type result struct {
		id  uint16
		err error
	}

	res := make(chan result, 1)
	select {
	case c.inbox <- func() {
		id, err := fn()
		res <- result{id, err}
	}:
	case <-c.done:
		return 0, ErrClosed
	}

	r := <-res
	return r.id, r.err
}

func (c *Client) readLoop(frames chan<- string, readErr chan<- error) {
	fr := protocol.NewFrameReader(c.stream, c.cfg.MaxFrameSize)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- raw:
		case <-c.done:
			return
		}
	}
}

func (c *Client) handle(raw string) {
	f, err := protocol.Decode(raw)
	if err != nil {
		c.raise(err)
		return
	}
	c.logger.Debug("Frame received", zap.Uint16("id", f.TransmissionID()), zap.Stringer("mode", f.Mode()))

	switch f := f.(type) {
	case *protocol.ConfirmFrame:
		c.queue.Confirm(f.ID)
	case *protocol.PublicKeyFrame:
		c.confirm(f.ID)
		if err := c.exchangeKey(f.Payload); err != nil {
			c.raise(err)
		}
	case *protocol.KeyFrame:
		// not meaningful on this side, confirmed so the host stops resending
		c.confirm(f.ID)
	case *protocol.DataFrame:
		c.confirm(f.ID)
		c.handleData(f)
	}
}

// exchangeKey answers a host public key. A repeated key from the same host
// keeps the session key; it is wrapped again only when the earlier AES_KEY
// was dropped, otherwise the pending or confirmed one stands.
func (c *Client) exchangeKey(publicKey string) error {
	pub, err := crypto.ParsePublicKeyBase64(publicKey)
	if err != nil {
		return err
	}
	fp, err := crypto.Fingerprint(pub)
	if err != nil {
		return err
	}

	if c.session != nil && fp == c.hostKey {
		if !c.keyDropped {
			c.logger.Debug("Host key repeated, session key kept", zap.String("host_key", fp))
			return nil
		}
		wrapped, err := crypto.WrapKey(c.key, pub)
		if err != nil {
			return err
		}
		c.keyDropped = false
		c.queue.Enqueue(protocol.NewKey(wrapped, keyFrameIV))
		c.logger.Info("Session key resent", zap.String("host_key", fp))
		return nil
	}

	key, err := crypto.RandomBytes(crypto.SymmetricKeySize)
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapKey(key, pub)
	if err != nil {
		crypto.Wipe(key)
		return err
	}
	session, err := crypto.NewKeyedSession(key)
	if err != nil {
		crypto.Wipe(key)
		return err
	}

	c.dropSession()
	c.session = session
	c.key = key
	c.hostKey = fp
	c.keyDropped = false
	c.queue.Enqueue(protocol.NewKey(wrapped, keyFrameIV))
	c.ready.Store(true)

	c.logger.Info("Session key sent", zap.String("host_key", fp))
	if c.events.OnKeyExchanged != nil {
		c.events.OnKeyExchanged()
	}
	return nil
}

func (c *Client) dropSession() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	crypto.Wipe(c.key)
	c.key = nil
	c.hostKey = ""
}

func (c *Client) handleData(f *protocol.DataFrame) {
	if f.Encryption != protocol.EncryptionAES {
		if c.events.OnPlainData != nil {
			c.events.OnPlainData(f.Payload)
		}
		return
	}
	if c.session == nil {
		c.raise(fmt.Errorf("encrypted frame %d: %w", f.ID, ErrNotReady))
		return
	}

	padded, err := c.session.Decrypt(f.Payload, f.IV)
	if err != nil {
		c.raise(err)
		return
	}
	payload := string(crypto.TrimZeroPadding(padded))

	switch {
	case strings.HasPrefix(payload, protocol.CmdGetName):
		_, err = c.sendEncrypted(protocol.CmdSetNamePrefix + c.cfg.Name)
	case strings.HasPrefix(payload, protocol.CmdStatusRequest):
		_, err = c.sendEncrypted(protocol.CmdStatusResponse)
	default:
		if c.events.OnData != nil {
			c.events.OnData(payload)
		}
	}
	if err != nil {
		c.raise(err)
	}
}

func (c *Client) sendEncrypted(text string) (uint16, error) {
	ct, iv, err := c.session.Encrypt([]byte(text))
	if err != nil {
		return 0, err
	}
	return c.queue.Enqueue(protocol.NewEncryptedData(ct, iv)), nil
}

func (c *Client) confirm(id uint16) {
	if err := c.writeLine(protocol.EncodeConfirmation(id)); err != nil {
		c.raise(fmt.Errorf("confirm frame %d: %w", id, err))
	}
}

func (c *Client) transmit(f protocol.Frame) error {
	wire, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.writeLine(wire)
}

// writeLine terminates each frame with CRLF, the host reads line by line
func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err := io.WriteString(c.stream, line+"\r\n")
	return err
}

func (c *Client) shutdown() {
	c.ready.Store(false)
	if dropped := c.queue.Flush(); dropped > 0 {
		c.logger.Debug("Dropped unconfirmed frames", zap.Int("count", dropped))
	}
	c.dropSession()
	c.stream.Close()
}

func (c *Client) raise(err error) {
	c.logger.Warn("Device error", zap.Error(err))
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}
