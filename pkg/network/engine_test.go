package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/devlink/pkg/crypto"
	"github.com/ZentaChain/devlink/pkg/protocol"
)

type frameLog struct {
	frames []protocol.Frame
}

func (l *frameLog) Transmit(f protocol.Frame) error {
	l.frames = append(l.frames, f)
	return nil
}

func (l *frameLog) last() protocol.Frame {
	if len(l.frames) == 0 {
		return nil
	}
	return l.frames[len(l.frames)-1]
}

type engineHarness struct {
	engine   *Engine
	wire     *frameLog
	payloads []string
	errs     []error
	ready    int
	failed   []uint16
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	session, err := crypto.NewSession(crypto.MinRSABits)
	require.NoError(t, err)

	h := &engineHarness{wire: &frameLog{}}
	h.engine = NewEngine(session, h.wire, EngineConfig{WrapPublicKey: true}, EngineEvents{
		OnReady:          func() { h.ready++ },
		OnPayload:        func(p string) { h.payloads = append(h.payloads, p) },
		OnError:          func(err error) { h.errs = append(h.errs, err) },
		OnDeliveryFailed: func(id uint16) { h.failed = append(h.failed, id) },
	}, nil, nil)

	require.NoError(t, h.engine.Start())
	return h
}

// keyLine plays the device side of the handshake: it wraps a fresh key under
// the advertised public key and returns the key session and the AES_KEY line
func (h *engineHarness) keyLine(t *testing.T, id uint16, keyLen int) (*crypto.Session, string) {
	t.Helper()

	pk, ok := h.wire.frames[0].(*protocol.PublicKeyFrame)
	require.True(t, ok, "first frame is %T", h.wire.frames[0])
	pub, err := crypto.ParsePublicKeyBase64(pk.Payload)
	require.NoError(t, err)

	key, err := crypto.RandomBytes(keyLen)
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey(key, pub)
	require.NoError(t, err)

	frame := protocol.NewKey(wrapped, keyFrameIV)
	frame.ID = id
	line, err := protocol.Encode(frame)
	require.NoError(t, err)

	session, err := crypto.NewKeyedSession(key[:crypto.SymmetricKeySize])
	require.NoError(t, err)
	return session, line
}

func (h *engineHarness) complete(t *testing.T) *crypto.Session {
	t.Helper()
	session, line := h.keyLine(t, 0, crypto.SymmetricKeySize)
	h.engine.HandleLine(protocol.EncodeConfirmation(0))
	h.engine.HandleLine(line)
	require.Equal(t, StateReady, h.engine.State())
	return session
}

func encryptedLine(t *testing.T, s *crypto.Session, id uint16, text string) string {
	t.Helper()
	ct, iv, err := s.Encrypt([]byte(text))
	require.NoError(t, err)
	f := protocol.NewEncryptedData(ct, iv)
	f.ID = id
	line, err := protocol.Encode(f)
	require.NoError(t, err)
	return line
}

func decryptFrame(t *testing.T, s *crypto.Session, f protocol.Frame) string {
	t.Helper()
	data, ok := f.(*protocol.DataFrame)
	require.True(t, ok, "frame is %T", f)
	require.Equal(t, protocol.EncryptionAES, data.Encryption)
	require.Equal(t, protocol.FormatBase64, data.Format)
	pt, err := s.Decrypt(data.Payload, data.IV)
	require.NoError(t, err)
	return string(crypto.TrimZeroPadding(pt))
}

func TestEngineStartSendsPublicKey(t *testing.T) {
	h := newEngineHarness(t)

	require.Len(t, h.wire.frames, 1)
	pk, ok := h.wire.frames[0].(*protocol.PublicKeyFrame)
	require.True(t, ok)
	assert.Equal(t, uint16(0), pk.ID)
	assert.Equal(t, protocol.FormatPlainText, pk.Format)
	assert.Equal(t, protocol.EncryptionNone, pk.Encryption)
	assert.Equal(t, protocol.IVDummy, pk.IV)
	assert.Contains(t, pk.Payload, "\r\n")

	assert.Equal(t, StateAwaitingKey, h.engine.State())
	assert.Error(t, h.engine.Start())
}

func TestEngineHandshake(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.engine.Send("too early")
	assert.ErrorIs(t, err, ErrNotReady)

	_, line := h.keyLine(t, 0, crypto.SymmetricKeySize)
	h.engine.HandleLine(line)

	assert.Equal(t, StateReady, h.engine.State())
	assert.Equal(t, 1, h.ready)
	assert.Empty(t, h.errs)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 0}, h.wire.last())
}

func TestEngineSendWaitsForPublicKeyConfirmation(t *testing.T) {
	h := newEngineHarness(t)
	_, line := h.keyLine(t, 0, crypto.SymmetricKeySize)
	h.engine.HandleLine(line)
	sent := len(h.wire.frames)

	id, err := h.engine.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
	assert.Len(t, h.wire.frames, sent, "RSA_PUBKEY is still unconfirmed")

	h.engine.HandleLine(protocol.EncodeConfirmation(0))
	require.Len(t, h.wire.frames, sent+1)
	assert.Equal(t, id, h.wire.last().TransmissionID())
}

func TestEngineEncryptsOutbound(t *testing.T) {
	h := newEngineHarness(t)
	device := h.complete(t)

	_, err := h.engine.Send("get-name")
	require.NoError(t, err)
	assert.Equal(t, "get-name", decryptFrame(t, device, h.wire.last()))
}

func TestEngineDecryptsInbound(t *testing.T) {
	h := newEngineHarness(t)
	device := h.complete(t)

	h.engine.HandleLine(encryptedLine(t, device, 5, "rs:status:active"))

	assert.Equal(t, []string{"rs:status:active"}, h.payloads)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 5}, h.wire.last())
	assert.Empty(t, h.errs)
}

func TestEnginePlainDataAnyState(t *testing.T) {
	h := newEngineHarness(t)

	f := protocol.NewPlainData("hello")
	f.ID = 9
	line, err := protocol.Encode(f)
	require.NoError(t, err)
	h.engine.HandleLine(line)

	assert.Equal(t, []string{"hello"}, h.payloads)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 9}, h.wire.last())
}

func TestEngineDecryptFailureStillConfirmed(t *testing.T) {
	h := newEngineHarness(t)
	h.complete(t)

	f := protocol.NewEncryptedData("bm90IGFsaWduZWQ=", "AAAAAAAAAAAAAAAAAAAAAA==")
	f.ID = 11
	line, err := protocol.Encode(f)
	require.NoError(t, err)
	h.engine.HandleLine(line)

	assert.Empty(t, h.payloads)
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], crypto.ErrCrypto)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 11}, h.wire.last())
}

func TestEngineDecodeErrorNotConfirmed(t *testing.T) {
	h := newEngineHarness(t)
	sent := len(h.wire.frames)

	h.engine.HandleLine("this is not a frame")
	h.engine.HandleLine("")

	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], protocol.ErrFrameDecode)
	assert.Len(t, h.wire.frames, sent)
}

func TestEngineBadKeyNotConfirmed(t *testing.T) {
	h := newEngineHarness(t)
	sent := len(h.wire.frames)

	f := protocol.NewKey("AAAA", protocol.IVDummy)
	line, err := protocol.Encode(f)
	require.NoError(t, err)
	h.engine.HandleLine(line)

	assert.Equal(t, StateAwaitingKey, h.engine.State())
	assert.Zero(t, h.ready)
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], crypto.ErrCrypto)
	assert.Len(t, h.wire.frames, sent)
}

func TestEngineShortKeyRejected(t *testing.T) {
	h := newEngineHarness(t)
	sent := len(h.wire.frames)

	// keyLine needs 16 bytes for the IV, so a 16-byte key is the shortest
	wrappedShort := func() string {
		pk := h.wire.frames[0].(*protocol.PublicKeyFrame)
		pub, err := crypto.ParsePublicKeyBase64(pk.Payload)
		require.NoError(t, err)
		wrapped, err := crypto.WrapKey(make([]byte, 16), pub)
		require.NoError(t, err)
		line, err := protocol.Encode(protocol.NewKey(wrapped, protocol.IVDummy))
		require.NoError(t, err)
		return line
	}()
	h.engine.HandleLine(wrappedShort)

	assert.Equal(t, StateAwaitingKey, h.engine.State())
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], crypto.ErrShortKey)
	assert.Len(t, h.wire.frames, sent)
}

func TestEngineOversizedKeyFlagged(t *testing.T) {
	h := newEngineHarness(t)

	device, line := h.keyLine(t, 0, 48)
	h.engine.HandleLine(line)

	assert.Equal(t, StateReady, h.engine.State())
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], crypto.ErrOversizedKey)

	h.engine.HandleLine(encryptedLine(t, device, 3, "set-name:porch"))
	assert.Equal(t, []string{"set-name:porch"}, h.payloads)
}

func TestEngineKeyAfterReadyIsViolation(t *testing.T) {
	h := newEngineHarness(t)
	device := h.complete(t)

	_, line := h.keyLine(t, 7, crypto.SymmetricKeySize)
	h.engine.HandleLine(line)

	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], ErrProtocolViolation)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 7}, h.wire.last())
	assert.Equal(t, 1, h.ready)

	// original key still in use
	h.engine.HandleLine(encryptedLine(t, device, 8, "still here"))
	assert.Equal(t, []string{"still here"}, h.payloads)
}

func TestEngineEncryptedDataBeforeReady(t *testing.T) {
	h := newEngineHarness(t)

	f := protocol.NewEncryptedData("AAAAAAAAAAAAAAAAAAAAAA==", "AAAAAAAAAAAAAAAAAAAAAA==")
	f.ID = 2
	line, err := protocol.Encode(f)
	require.NoError(t, err)
	h.engine.HandleLine(line)

	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], ErrProtocolViolation)
	assert.Empty(t, h.payloads)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 2}, h.wire.last())
}

func TestEngineRSADataIsViolation(t *testing.T) {
	h := newEngineHarness(t)

	f := &protocol.DataFrame{Envelope: protocol.Envelope{
		ID: 4, Format: protocol.FormatBase64, Encryption: protocol.EncryptionRSA,
		IV: protocol.IVDummy, Payload: "AAAA",
	}}
	h.engine.HandleFrame(f)

	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], ErrProtocolViolation)
	assert.Equal(t, &protocol.ConfirmFrame{ID: 4}, h.wire.last())
}

func TestEngineInboundPublicKeyIsViolation(t *testing.T) {
	h := newEngineHarness(t)
	sent := len(h.wire.frames)

	h.engine.HandleFrame(protocol.NewPublicKey("AAAA"))

	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], ErrProtocolViolation)
	assert.Len(t, h.wire.frames, sent)
}

func TestEngineDeliveryFailure(t *testing.T) {
	h := newEngineHarness(t)

	for i := 0; i < 5; i++ {
		h.engine.Tick()
	}

	assert.Len(t, h.wire.frames, 4)
	assert.Equal(t, []uint16{0}, h.failed)
	assert.Zero(t, h.engine.Pending())
}

func TestEngineTerminate(t *testing.T) {
	h := newEngineHarness(t)
	device := h.complete(t)
	_, err := h.engine.Send("queued")
	require.NoError(t, err)

	h.engine.Terminate()
	h.engine.Terminate()

	assert.Equal(t, StateTerminated, h.engine.State())
	assert.Zero(t, h.engine.Pending())
	assert.Empty(t, h.engine.Fingerprint())

	_, err = h.engine.Send("late")
	assert.ErrorIs(t, err, ErrTerminated)

	sent := len(h.wire.frames)
	h.engine.HandleLine(encryptedLine(t, device, 1, "ignored"))
	h.engine.Tick()
	assert.Len(t, h.wire.frames, sent)
	assert.Empty(t, h.payloads)
}
