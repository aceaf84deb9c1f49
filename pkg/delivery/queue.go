// Package delivery implements the stop-and-wait retransmission queue shared by
// both ends of a devlink connection.
package delivery

import (
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/protocol"
)

// DefaultMaxAttempts is the number of transmissions a frame gets before it
// is dropped (one immediate send plus three retries)
const DefaultMaxAttempts = 4

// Transmitter writes one frame to the peer
type Transmitter interface {
	Transmit(f protocol.Frame) error
}

// TransmitterFunc adapts a function to Transmitter
type TransmitterFunc func(f protocol.Frame) error

// Transmit implements Transmitter
func (fn TransmitterFunc) Transmit(f protocol.Frame) error { return fn(f) }

// Hooks are optional observers of queue activity. They run synchronously on
// the goroutine that called into the queue.
type Hooks struct {
	// OnRetransmit fires before a frame is sent again; attempt counts all
	// transmissions including this one
	OnRetransmit func(f protocol.Frame, attempt int)

	// OnDropped fires when a frame exhausted its attempts without a CONFIRM
	OnDropped func(f protocol.Frame)

	// OnTransmitError fires when the transmitter rejects a frame. The frame
	// stays queued and is retried on the next tick.
	OnTransmitError func(f protocol.Frame, err error)
}

type entry struct {
	frame protocol.Frame

	// retries is 0 until the first tick marks the frame unconfirmed, then
	// counts transmissions
	retries int
}

// Queue is a FIFO of outbound frames with exactly one frame in flight.
// The head is transmitted on arrival and retransmitted on Tick until a
// matching CONFIRM removes it or it runs out of attempts.
//
// Queue is not safe for concurrent use; the owning connection serializes
// Enqueue, Confirm, Tick and Flush.
type Queue struct {
	entries     []*entry
	nextID      uint16
	maxAttempts int
	tx          Transmitter
	hooks       Hooks
	logger      *zap.Logger
}

// NewQueue creates a queue writing through tx. maxAttempts <= 0 selects
// DefaultMaxAttempts.
func NewQueue(tx Transmitter, maxAttempts int, hooks Hooks, logger *zap.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		maxAttempts: maxAttempts,
		tx:          tx,
		hooks:       hooks,
		logger:      logger,
	}
}

// Enqueue stamps f with the next transmission ID and appends it. If the
// queue was empty the frame is transmitted immediately. The assigned ID is
// returned.
func (q *Queue) Enqueue(f protocol.Frame) uint16 {
	id := q.nextID
	q.nextID = protocol.NextID(q.nextID)
	f.SetTransmissionID(id)

	q.entries = append(q.entries, &entry{frame: f})
	q.logger.Debug("Frame queued",
		zap.Uint16("id", id),
		zap.Stringer("mode", f.Mode()),
		zap.Int("depth", len(q.entries)))

	if len(q.entries) == 1 {
		q.transmit(f)
	}
	return id
}

// Confirm removes the first queued frame carrying id. When that frame was
// the head, the next frame is transmitted. Unknown IDs are ignored and
// reported as false.
func (q *Queue) Confirm(id uint16) bool {
	for i, e := range q.entries {
		if e.frame.TransmissionID() != id {
			continue
		}

		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.logger.Debug("Frame confirmed", zap.Uint16("id", id), zap.Int("depth", len(q.entries)))

		if i == 0 && len(q.entries) > 0 {
			q.transmit(q.entries[0].frame)
		}
		return true
	}

	q.logger.Debug("Confirmation for unknown frame", zap.Uint16("id", id))
	return false
}

// Tick advances the retry state of the head frame. The first tick after a
// transmission only marks the head unconfirmed; later ticks retransmit it
// until maxAttempts transmissions have been made, after which it is dropped
// and the next frame is sent.
func (q *Queue) Tick() {
	if len(q.entries) == 0 {
		return
	}

	head := q.entries[0]
	if head.retries == 0 {
		head.retries = 1
		return
	}

	if head.retries >= q.maxAttempts {
		q.entries = q.entries[1:]
		q.logger.Warn("Frame dropped after retries exhausted",
			zap.Uint16("id", head.frame.TransmissionID()),
			zap.Stringer("mode", head.frame.Mode()),
			zap.Int("attempts", head.retries))
		if q.hooks.OnDropped != nil {
			q.hooks.OnDropped(head.frame)
		}
		if len(q.entries) > 0 {
			q.transmit(q.entries[0].frame)
		}
		return
	}

	head.retries++
	if q.hooks.OnRetransmit != nil {
		q.hooks.OnRetransmit(head.frame, head.retries)
	}
	q.transmit(head.frame)
}

// Flush discards every queued frame without transmitting or reporting them
// and returns how many were dropped
func (q *Queue) Flush() int {
	n := len(q.entries)
	for i := range q.entries {
		q.entries[i] = nil
	}
	q.entries = q.entries[:0]
	return n
}

// Len returns the number of queued frames, including the one in flight
func (q *Queue) Len() int {
	return len(q.entries)
}

// Contains reports whether a frame with id is still waiting for its CONFIRM
func (q *Queue) Contains(id uint16) bool {
	for _, e := range q.entries {
		if e.frame.TransmissionID() == id {
			return true
		}
	}
	return false
}

// Head returns the frame currently awaiting confirmation, or nil
func (q *Queue) Head() protocol.Frame {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0].frame
}

func (q *Queue) transmit(f protocol.Frame) {
	if err := q.tx.Transmit(f); err != nil {
		q.logger.Error("Failed to transmit frame",
			zap.Uint16("id", f.TransmissionID()),
			zap.Error(err))
		if q.hooks.OnTransmitError != nil {
			q.hooks.OnTransmitError(f, err)
		}
	}
}
