package network

import (
	"context"
	"testing"

	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T, ev *connEvents) *Host {
	t.Helper()

	h, err := NewHost("/ip4/127.0.0.1/tcp/0", testConnConfig(), ev.callbacks())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Close() })
	return h
}

func dialHost(t *testing.T, h *Host) *testPeer {
	t.Helper()

	stream, err := manet.Dial(h.Addr())
	require.NoError(t, err)
	return newTestPeer(t, stream, true)
}

func TestNewHostInvalidAddress(t *testing.T) {
	_, err := NewHost("localhost:1337", DefaultConnConfig(), Callbacks{})
	assert.Error(t, err)
}

func TestHostRegistryAndSend(t *testing.T) {
	ev := &connEvents{}
	h := startHost(t, ev)
	require.NotNil(t, h.Addr())

	peer := dialHost(t, h)
	peer.handshake(t)
	require.Equal(t, "get-name", peer.nextPayload(t))
	peer.sendText(t, "set-name:bench")

	require.Eventually(t, func() bool {
		devices := h.Devices()
		return len(devices) == 1 && devices[0].Name == "bench"
	}, waitFor, pollDur)

	id := h.Devices()[0].ID
	info, ok := h.Device(id)
	require.True(t, ok)
	assert.True(t, info.Ready)
	assert.Contains(t, info.Address, "127.0.0.1")

	_, err := h.Send(id, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", peer.nextPayload(t))

	_, err = h.Send("missing", "hello")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, ok = h.Device("missing")
	assert.False(t, ok)

	peer.close()
	require.Eventually(t, func() bool { return len(h.Devices()) == 0 }, waitFor, pollDur)
	assert.Equal(t, []ConnectionState{StateDisconnected}, ev.stateList())
}

func TestHostServesDevicesIndependently(t *testing.T) {
	ev := &connEvents{}
	h := startHost(t, ev)

	a := dialHost(t, h)
	b := dialHost(t, h)
	a.handshake(t)
	b.handshake(t)
	require.Equal(t, "get-name", a.nextPayload(t))
	require.Equal(t, "get-name", b.nextPayload(t))

	require.Eventually(t, func() bool { return len(h.Devices()) == 2 }, waitFor, pollDur)
	devices := h.Devices()
	assert.NotEqual(t, devices[0].ID, devices[1].ID)
	assert.NotEqual(t, devices[0].Fingerprint, devices[1].Fingerprint, "each connection has its own key pair")

	a.close()
	require.Eventually(t, func() bool { return len(h.Devices()) == 1 }, waitFor, pollDur)

	b.sendText(t, "still:alive")
	require.Eventually(t, func() bool {
		return len(ev.dataList()) == 1
	}, waitFor, pollDur)
}

func TestHostDisconnect(t *testing.T) {
	ev := &connEvents{}
	h := startHost(t, ev)

	peer := dialHost(t, h)
	peer.handshake(t)
	require.Eventually(t, func() bool { return len(h.Devices()) == 1 }, waitFor, pollDur)

	require.NoError(t, h.Disconnect(h.Devices()[0].ID))
	require.Eventually(t, func() bool { return len(h.Devices()) == 0 }, waitFor, pollDur)

	assert.ErrorIs(t, h.Disconnect("missing"), ErrUnknownDevice)
}

func TestHostClose(t *testing.T) {
	ev := &connEvents{}
	h := startHost(t, ev)

	peer := dialHost(t, h)
	peer.handshake(t)
	require.Eventually(t, func() bool { return len(h.Devices()) == 1 }, waitFor, pollDur)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.Empty(t, h.Devices())
	assert.Equal(t, []ConnectionState{StateDisconnected}, ev.stateList())
	assert.ErrorIs(t, h.Start(context.Background()), ErrHostClosed)
}

func TestHostStopsAcceptingOnCancel(t *testing.T) {
	ev := &connEvents{}
	h, err := NewHost("/ip4/127.0.0.1/tcp/0", testConnConfig(), ev.callbacks())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() { h.Close() })
	addr := h.Addr()

	dialHost(t, h)
	require.Eventually(t, func() bool { return len(h.Devices()) == 1 }, waitFor, pollDur)

	cancel()
	require.Eventually(t, func() bool { return len(h.Devices()) == 0 }, waitFor, pollDur)
	require.Eventually(t, func() bool {
		stream, err := manet.Dial(addr)
		if err != nil {
			return true
		}
		stream.Close()
		return false
	}, waitFor, pollDur)

	assert.Equal(t, []ConnectionState{StateDisconnected}, ev.stateList())
	assert.NoError(t, h.Close())
}
