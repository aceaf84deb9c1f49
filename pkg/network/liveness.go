package network

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/protocol"
)

// DefaultMissedHeartbeats is how many unanswered status requests are tolerated
// before a device is considered not responding
const DefaultMissedHeartbeats = 2

// ConnectionState is the health of a device connection
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateNotResponding
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateNotResponding:
		return "NOT_RESPONDING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// LivenessEvents receives name and health changes. Nil fields are skipped.
type LivenessEvents struct {
	OnData         func(payload string)
	OnNameUpdated  func(name string)
	OnStateChanged func(state ConnectionState)
}

// Requester queues sub-protocol commands. *Engine implements it.
type Requester interface {
	Send(payload string) (uint16, error)
	Queued(id uint16) bool
}

// Liveness layers name resolution and the status heartbeat on top of an
// established engine. It starts CONNECTED, sends get-name once the engine is
// ready and sends rq:status on every tick after the name is known.
// A command is not queued again while the previous one is still waiting for
// its CONFIRM, so a silent device does not accumulate a backlog of requests.
//
// Liveness is not safe for concurrent use.
type Liveness struct {
	state        ConnectionState
	ready        bool
	name         string
	nameResolved bool
	missed       int
	missedLimit  int

	// lastID is the transmission carrying the latest command, valid while
	// outstanding is set
	lastID      uint16
	outstanding bool

	req    Requester
	events LivenessEvents
	logger *zap.Logger
}

// NewLiveness creates the state machine. req is normally the connection's
// Engine. missedLimit <= 0 selects DefaultMissedHeartbeats.
func NewLiveness(req Requester, missedLimit int, events LivenessEvents, logger *zap.Logger) *Liveness {
	if missedLimit <= 0 {
		missedLimit = DefaultMissedHeartbeats
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Liveness{
		state:       StateConnected,
		missedLimit: missedLimit,
		req:         req,
		events:      events,
		logger:      logger,
	}
}

// State returns the connection health
func (l *Liveness) State() ConnectionState { return l.state }

// Name returns the resolved device name, empty until set-name arrives
func (l *Liveness) Name() string { return l.name }

// Ready reports whether the encrypted channel is up
func (l *Liveness) Ready() bool { return l.ready }

// Missed returns the number of unanswered status requests
func (l *Liveness) Missed() int { return l.missed }

// OnReady is called once the handshake completes
func (l *Liveness) OnReady() {
	if l.state == StateDisconnected || l.ready {
		return
	}
	l.ready = true
	l.request(protocol.CmdGetName)
}

// HandlePayload interprets a decrypted payload. Sub-protocol replies update
// the state; anything else is passed on as application data.
func (l *Liveness) HandlePayload(payload string) {
	if l.state == StateDisconnected {
		return
	}

	switch {
	case strings.HasPrefix(payload, protocol.CmdSetNamePrefix):
		l.setName(strings.TrimSpace(payload[len(protocol.CmdSetNamePrefix):]))
	case strings.HasPrefix(payload, protocol.CmdStatusResponse):
		l.outstanding = false
		l.missed = 0
		if l.state != StateConnected {
			l.transition(StateConnected)
		}
	default:
		if l.events.OnData != nil {
			l.events.OnData(payload)
		}
	}
}

func (l *Liveness) setName(name string) {
	if name == "" {
		l.logger.Warn("Ignoring set-name without a name")
		return
	}

	l.name = name
	l.nameResolved = true
	l.outstanding = false
	l.logger.Info("Device name resolved", zap.String("name", name))
	if l.events.OnNameUpdated != nil {
		l.events.OnNameUpdated(name)
	}
}

// Tick runs one heartbeat period. Until the name is known it asks for it
// again; afterwards it sends a status request and counts it as missed until
// the reply arrives.
func (l *Liveness) Tick() {
	if l.state == StateDisconnected || !l.ready {
		return
	}

	if !l.nameResolved {
		l.request(protocol.CmdGetName)
		return
	}

	l.request(protocol.CmdStatusRequest)
	l.missed++
	if l.missed > l.missedLimit && l.state == StateConnected {
		l.logger.Warn("Device stopped answering status requests", zap.Int("missed", l.missed))
		l.transition(StateNotResponding)
	}
}

// Disconnected moves to the terminal state. Only the first call has any
// effect.
func (l *Liveness) Disconnected() {
	if l.state == StateDisconnected {
		return
	}
	l.ready = false
	l.transition(StateDisconnected)
}

func (l *Liveness) request(cmd string) {
	if l.outstanding && l.req.Queued(l.lastID) {
		l.logger.Debug("Previous command not confirmed yet, skipping",
			zap.String("command", cmd),
			zap.Uint16("pending_id", l.lastID))
		return
	}

	id, err := l.req.Send(cmd)
	if err != nil {
		l.logger.Debug("Failed to send command", zap.String("command", cmd), zap.Error(err))
		return
	}
	l.lastID = id
	l.outstanding = true
}

func (l *Liveness) transition(state ConnectionState) {
	l.logger.Info("Connection state changed",
		zap.Stringer("from", l.state),
		zap.Stringer("to", state))
	l.state = state
	if l.events.OnStateChanged != nil {
		l.events.OnStateChanged(state)
	}
}
