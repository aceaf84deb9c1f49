package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/devlink/pkg/crypto"
	"github.com/ZentaChain/devlink/pkg/protocol"
)

const peerTimeout = 5 * time.Second

// keyFrameIV is the fixed IV devices put on AES_KEY frames
const keyFrameIV = "AAECAwQFBgcICQoLDA0ODw=="

// testPeer is a scripted device on the far end of a stream. A reader
// goroutine decodes incoming frames (confirming payload frames when
// autoConfirm is set) and a writer goroutine sends queued lines, so neither
// side ever blocks the other.
type testPeer struct {
	stream      net.Conn
	frames      chan protocol.Frame
	out         chan string
	autoConfirm bool
	session     *crypto.Session
	nextID      uint16

	closeOnce sync.Once
}

func newTestPeer(t *testing.T, stream net.Conn, autoConfirm bool) *testPeer {
	t.Helper()

	p := &testPeer{
		stream:      stream,
		frames:      make(chan protocol.Frame, 64),
		out:         make(chan string, 64),
		autoConfirm: autoConfirm,
	}
	go p.readLoop()
	go p.writeLoop()
	t.Cleanup(p.close)
	return p
}

func (p *testPeer) readLoop() {
	defer close(p.frames)

	fr := protocol.NewFrameReader(p.stream, 0)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if _, isConfirm := f.(*protocol.ConfirmFrame); !isConfirm && p.autoConfirm {
			p.out <- protocol.EncodeConfirmation(f.TransmissionID())
		}
		p.frames <- f
	}
}

func (p *testPeer) writeLoop() {
	for line := range p.out {
		if _, err := p.stream.Write([]byte(line + "\r\n")); err != nil {
			return
		}
	}
}

func (p *testPeer) close() {
	p.closeOnce.Do(func() {
		p.stream.Close()
	})
}

// next returns the next frame of any mode
func (p *testPeer) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "stream closed while waiting for a frame")
		return f
	case <-time.After(peerTimeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// nextPayload skips confirmations and returns the next decrypted payload
func (p *testPeer) nextPayload(t *testing.T) string {
	t.Helper()
	for {
		f := p.next(t)
		data, ok := f.(*protocol.DataFrame)
		if !ok {
			continue
		}
		require.NotNil(t, p.session, "payload before handshake")
		pt, err := p.session.Decrypt(data.Payload, data.IV)
		require.NoError(t, err)
		return string(crypto.TrimZeroPadding(pt))
	}
}

func (p *testPeer) sendFrame(t *testing.T, f protocol.Frame) uint16 {
	t.Helper()
	id := p.nextID
	p.nextID = protocol.NextID(p.nextID)
	f.SetTransmissionID(id)

	line, err := protocol.Encode(f)
	require.NoError(t, err)
	p.out <- line
	return id
}

func (p *testPeer) sendLine(line string) {
	p.out <- line
}

func (p *testPeer) sendText(t *testing.T, text string) uint16 {
	t.Helper()
	ct, iv, err := p.session.Encrypt([]byte(text))
	require.NoError(t, err)
	return p.sendFrame(t, protocol.NewEncryptedData(ct, iv))
}

// handshake answers the host's RSA_PUBKEY frame with a fresh AES key
func (p *testPeer) handshake(t *testing.T) {
	t.Helper()

	f := p.next(t)
	pk, ok := f.(*protocol.PublicKeyFrame)
	require.True(t, ok, "expected RSA_PUBKEY, got %T", f)

	pub, err := crypto.ParsePublicKeyBase64(pk.Payload)
	require.NoError(t, err)
	key, err := crypto.RandomBytes(crypto.SymmetricKeySize)
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey(key, pub)
	require.NoError(t, err)

	p.session, err = crypto.NewKeyedSession(key)
	require.NoError(t, err)

	if !p.autoConfirm {
		p.sendLine(protocol.EncodeConfirmation(pk.ID))
	}
	keyID := p.sendFrame(t, protocol.NewKey(wrapped, keyFrameIV))

	for {
		c, ok := p.next(t).(*protocol.ConfirmFrame)
		if ok && c.ID == keyID {
			return
		}
	}
}
