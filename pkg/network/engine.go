package network

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/crypto"
	"github.com/ZentaChain/devlink/pkg/delivery"
	"github.com/ZentaChain/devlink/pkg/protocol"
)

var (
	ErrNotReady          = errors.New("handshake not complete")
	ErrTerminated        = errors.New("connection terminated")
	ErrTransport         = errors.New("transport error")
	ErrProtocolViolation = errors.New("protocol violation")
)

// EngineState is the handshake progress of one connection
type EngineState int

const (
	StateHandshakeSent EngineState = iota
	StateAwaitingKey
	StateReady
	StateTerminated
)

func (s EngineState) String() string {
	switch s {
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateAwaitingKey:
		return "AWAITING_KEY"
	case StateReady:
		return "READY"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("EngineState(%d)", int(s))
	}
}

// EngineConfig tunes an Engine
type EngineConfig struct {
	// WrapPublicKey breaks the exported key into 76-column CRLF lines
	WrapPublicKey bool

	// MaxAttempts bounds transmissions per frame, see delivery.Queue
	MaxAttempts int
}

// EngineEvents receives what the engine surfaces. Nil fields are skipped.
type EngineEvents struct {
	OnReady          func()
	OnPayload        func(payload string)
	OnError          func(err error)
	OnDeliveryFailed func(id uint16)
}

// Engine runs the host side of the protocol for one connection: it opens the
// handshake, installs the device's key, dispatches inbound frames and
// encrypts outbound payloads. It performs no I/O of its own; frames leave
// through the Transmitter and lines arrive through HandleLine.
//
// Engine is not safe for concurrent use.
type Engine struct {
	state   EngineState
	cfg     EngineConfig
	session *crypto.Session
	queue   *delivery.Queue
	tx      delivery.Transmitter
	events  EngineEvents
	metrics *Metrics
	logger  *zap.Logger
}

// NewEngine creates an engine around a fresh crypto session. metrics and
// logger may be nil.
func NewEngine(session *crypto.Session, tx delivery.Transmitter, cfg EngineConfig, events EngineEvents, metrics *Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		state:   StateHandshakeSent,
		cfg:     cfg,
		session: session,
		tx:      tx,
		events:  events,
		metrics: metrics,
		logger:  logger,
	}

	e.queue = delivery.NewQueue(tx, cfg.MaxAttempts, delivery.Hooks{
		OnRetransmit: func(f protocol.Frame, attempt int) {
			e.metrics.retransmission()
			e.logger.Debug("Retransmitting frame",
				zap.Uint16("id", f.TransmissionID()),
				zap.Int("attempt", attempt))
		},
		OnDropped: func(f protocol.Frame) {
			e.metrics.deliveryFailure()
			if e.events.OnDeliveryFailed != nil {
				e.events.OnDeliveryFailed(f.TransmissionID())
			}
		},
		OnTransmitError: func(_ protocol.Frame, err error) {
			e.raise(fmt.Errorf("%w: %v", ErrTransport, err))
		},
	}, logger)

	return e
}

// Start queues the RSA_PUBKEY frame and waits for the device's key
func (e *Engine) Start() error {
	if e.state != StateHandshakeSent {
		return fmt.Errorf("engine already started (state %s)", e.state)
	}

	publicKey, err := e.session.PublicKey(e.cfg.WrapPublicKey)
	if err != nil {
		return fmt.Errorf("failed to export public key: %w", err)
	}

	id := e.queue.Enqueue(protocol.NewPublicKey(publicKey))
	e.state = StateAwaitingKey
	e.logger.Info("Handshake started",
		zap.Uint16("id", id),
		zap.String("fingerprint", e.session.Fingerprint()))
	return nil
}

// State returns the handshake state
func (e *Engine) State() EngineState {
	return e.state
}

// Pending returns the number of frames awaiting confirmation
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Queued reports whether the frame with id still awaits confirmation
func (e *Engine) Queued(id uint16) bool {
	return e.queue.Contains(id)
}

// Fingerprint identifies the connection's public key
func (e *Engine) Fingerprint() string {
	return e.session.Fingerprint()
}

// HandleLine decodes and dispatches one inbound line. Empty lines are
// ignored; undecodable ones are reported and not acknowledged.
func (e *Engine) HandleLine(line string) {
	if e.state == StateTerminated || line == "" {
		return
	}

	f, err := protocol.Decode(line)
	if err != nil {
		e.metrics.decodeError()
		e.raise(err)
		return
	}
	e.metrics.frameReceived(f.Mode())
	e.HandleFrame(f)
}

// HandleFrame dispatches a decoded frame by mode
func (e *Engine) HandleFrame(f protocol.Frame) {
	if e.state == StateTerminated {
		return
	}

	e.logger.Debug("Frame received",
		zap.Uint16("id", f.TransmissionID()),
		zap.Stringer("mode", f.Mode()))

	switch frame := f.(type) {
	case *protocol.ConfirmFrame:
		e.queue.Confirm(frame.ID)
	case *protocol.KeyFrame:
		e.handleKey(frame)
	case *protocol.DataFrame:
		e.handleData(frame)
	case *protocol.PublicKeyFrame:
		e.violation("unexpected RSA_PUBKEY frame %d", frame.ID)
	}
}

func (e *Engine) handleKey(f *protocol.KeyFrame) {
	if e.state == StateReady {
		e.violation("AES_KEY frame %d after handshake completed, key kept", f.ID)
		e.confirm(f.ID)
		return
	}

	truncated, err := e.session.InstallSymmetricKey(f.Payload)
	if err != nil {
		e.metrics.cryptoError()
		e.raise(fmt.Errorf("failed to install symmetric key: %w", err))
		return
	}

	e.state = StateReady
	if truncated {
		e.logger.Warn("Symmetric key longer than expected, truncated", zap.Uint16("id", f.ID))
		e.raise(crypto.ErrOversizedKey)
	}
	e.logger.Info("Handshake complete", zap.Uint16("id", f.ID))

	e.confirm(f.ID)
	if e.events.OnReady != nil {
		e.events.OnReady()
	}
}

func (e *Engine) handleData(f *protocol.DataFrame) {
	switch f.Encryption {
	case protocol.EncryptionNone:
		e.deliver(f.Payload)
	case protocol.EncryptionAES:
		if e.state != StateReady {
			e.violation("encrypted DATA frame %d before handshake completed", f.ID)
			break
		}
		plaintext, err := e.session.Decrypt(f.Payload, f.IV)
		if err != nil {
			e.metrics.cryptoError()
			e.raise(fmt.Errorf("failed to decrypt frame %d: %w", f.ID, err))
			break
		}
		e.deliver(string(crypto.TrimZeroPadding(plaintext)))
	default:
		e.violation("DATA frame %d with %s encryption", f.ID, f.Encryption)
	}

	// acknowledged whether or not the payload could be used
	e.confirm(f.ID)
}

// Send encrypts payload and queues it as a DATA frame. It returns the
// assigned transmission ID.
func (e *Engine) Send(payload string) (uint16, error) {
	switch e.state {
	case StateReady:
	case StateTerminated:
		return 0, ErrTerminated
	default:
		return 0, ErrNotReady
	}

	ciphertext, iv, err := e.session.Encrypt([]byte(payload))
	if err != nil {
		e.metrics.cryptoError()
		return 0, err
	}
	return e.queue.Enqueue(protocol.NewEncryptedData(ciphertext, iv)), nil
}

// Tick advances the retransmission queue
func (e *Engine) Tick() {
	if e.state == StateTerminated {
		return
	}
	e.queue.Tick()
}

// Terminate wipes key material and drops queued frames. It is idempotent.
func (e *Engine) Terminate() {
	if e.state == StateTerminated {
		return
	}
	e.state = StateTerminated
	dropped := e.queue.Flush()
	e.session.Close()
	e.logger.Debug("Engine terminated", zap.Int("dropped_frames", dropped))
}

func (e *Engine) confirm(id uint16) {
	if err := e.tx.Transmit(&protocol.ConfirmFrame{ID: id}); err != nil {
		e.raise(fmt.Errorf("%w: failed to confirm frame %d: %v", ErrTransport, id, err))
	}
}

func (e *Engine) deliver(payload string) {
	if e.events.OnPayload != nil {
		e.events.OnPayload(payload)
	}
}

func (e *Engine) violation(format string, args ...interface{}) {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
	e.logger.Warn("Protocol violation", zap.Error(err))
	e.raise(err)
}

func (e *Engine) raise(err error) {
	if e.events.OnError != nil {
		e.events.OnError(err)
	}
}
