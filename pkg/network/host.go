package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrHostClosed    = errors.New("host closed")
)

// DefaultListenAddr is where devices expect the host
const DefaultListenAddr = "/ip4/0.0.0.0/tcp/1337"

// Host accepts device connections and keeps a registry of the live ones.
// Every accepted stream gets its own Conn with fresh keys; the entry is
// removed when the connection ends and the listener keeps accepting.
type Host struct {
	listenAddr ma.Multiaddr
	cfg        ConnConfig
	callbacks  Callbacks
	opts       []Option
	logger     *zap.Logger
	metrics    *Metrics

	listener manet.Listener
	conns    map[string]*Conn
	mu       sync.RWMutex
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewHost creates a host that will listen on listenAddr, a multiaddr such as
// /ip4/0.0.0.0/tcp/1337. Options apply to every connection.
func NewHost(listenAddr string, cfg ConnConfig, callbacks Callbacks, opts ...Option) (*Host, error) {
	addr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}

	o := buildOptions(opts)
	return &Host{
		listenAddr: addr,
		cfg:        cfg,
		callbacks:  callbacks,
		opts:       opts,
		logger:     o.logger,
		metrics:    o.metrics,
		conns:      make(map[string]*Conn),
		stop:       make(chan struct{}),
	}, nil
}

// Start opens the listener and begins accepting devices. Cancelling ctx
// closes the listener and tears down every connection; Close does the same
// and also waits for them.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHostClosed
	}
	if h.listener != nil {
		return errors.New("host already started")
	}

	listener, err := manet.Listen(h.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.listenAddr, err)
	}
	h.listener = listener
	h.logger.Info("Host listening", zap.String("addr", listener.Multiaddr().String()))

	h.wg.Add(2)
	go h.acceptLoop(ctx, listener)
	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
			h.logger.Info("Host context done, no longer accepting")
			listener.Close()
		case <-h.stop:
		}
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Start
func (h *Host) Addr() ma.Multiaddr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Multiaddr()
}

func (h *Host) acceptLoop(ctx context.Context, listener manet.Listener) {
	defer h.wg.Done()

	for {
		stream, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || h.isClosed() || ctx.Err() != nil {
				return
			}
			h.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			stream.Close()
			return
		}

		h.wg.Add(1)
		go h.serve(ctx, stream)
	}
}

func (h *Host) serve(ctx context.Context, stream net.Conn) {
	defer h.wg.Done()

	conn, err := NewConn(stream, h.cfg, h.callbacks, h.opts...)
	if err != nil {
		h.logger.Error("Failed to set up connection",
			zap.String("remote", stream.RemoteAddr().String()),
			zap.Error(err))
		stream.Close()
		return
	}

	if !h.register(conn) {
		stream.Close()
		return
	}
	defer h.unregister(conn)

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Connection ended with error", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func (h *Host) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.ID()] = c
	h.metrics.connectionOpened()
	return true
}

func (h *Host) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID()]; ok {
		delete(h.conns, c.ID())
		h.metrics.connectionClosed()
	}
}

func (h *Host) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Send queues text for the device with the given connection ID
func (h *Host) Send(id, text string) (uint16, error) {
	h.mu.RLock()
	conn, ok := h.conns[id]
	h.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return conn.Send(text)
}

// Device returns the snapshot of one connection
func (h *Host) Device(id string) (DeviceInfo, bool) {
	h.mu.RLock()
	conn, ok := h.conns[id]
	h.mu.RUnlock()

	if !ok {
		return DeviceInfo{}, false
	}
	return conn.Info(), true
}

// Devices returns snapshots of all live connections, oldest first
func (h *Host) Devices() []DeviceInfo {
	h.mu.RLock()
	devices := make([]DeviceInfo, 0, len(h.conns))
	for _, conn := range h.conns {
		devices = append(devices, conn.Info())
	}
	h.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].ConnectedAt.Equal(devices[j].ConnectedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].ConnectedAt.Before(devices[j].ConnectedAt)
	})
	return devices
}

// Disconnect tears down one connection
func (h *Host) Disconnect(id string) error {
	h.mu.RLock()
	conn, ok := h.conns[id]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	conn.Close()
	return nil
}

// Close stops accepting, tears down every connection and waits for them
// to finish
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stop)

	var err error
	if h.listener != nil {
		if cerr := h.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Host stopped")
	return err
}
