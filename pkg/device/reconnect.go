package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Backoff bounds used by NewRedialer
const (
	DefaultMinBackoff = 2 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Redialer keeps a device attached to its host. Every connection gets a
// fresh Client and therefore a fresh session key. Failed dials back off
// exponentially; a connection that was established resets the delay.
type Redialer struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration

	addr   string
	cfg    Config
	events Events
	opts   []Option
	logger *zap.Logger
	clock  clock.Clock

	mu       sync.Mutex
	current  *Client
	sessions int
	attempts int
}

// NewRedialer prepares a redialer for the host at addr
func NewRedialer(addr string, cfg Config, events Events, logger *zap.Logger, opts ...Option) *Redialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	return &Redialer{
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
		addr:       addr,
		cfg:        cfg,
		events:     events,
		opts:       append([]Option{WithLogger(logger)}, opts...),
		logger:     logger,
		clock:      o.clock,
	}
}

// Run dials the host and serves each connection until ctx ends, which is
// the only way it returns.
func (r *Redialer) Run(ctx context.Context) error {
	backoff := r.MinBackoff
	for {
		delay := backoff
		r.mu.Lock()
		r.attempts++
		r.mu.Unlock()
		client, err := Dial(ctx, r.addr, r.cfg, r.events, r.opts...)
		if err == nil {
			r.attach(client)
			err = client.Run(ctx)
			r.attach(nil)
			if err == nil {
				err = errors.New("host closed the connection")
			}
			delay = r.MinBackoff
			backoff = r.MinBackoff
		} else {
			backoff = min(backoff*2, r.MaxBackoff)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("Connection lost, redialing", zap.Error(err), zap.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
	}
}

// Connected reports whether a connection is currently established
func (r *Redialer) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Sessions counts the connections established so far
func (r *Redialer) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Attempts counts dials so far, successful or not
func (r *Redialer) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Send forwards to the current connection. Without one it fails with
// ErrNotReady.
func (r *Redialer) Send(text string) (uint16, error) {
	c := r.client()
	if c == nil {
		return 0, ErrNotReady
	}
	return c.Send(text)
}

// SendPlain is Send without encryption
func (r *Redialer) SendPlain(text string) (uint16, error) {
	c := r.client()
	if c == nil {
		return 0, ErrNotReady
	}
	return c.SendPlain(text)
}

func (r *Redialer) attach(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = c
	if c != nil {
		r.sessions++
	}
}

func (r *Redialer) client() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
