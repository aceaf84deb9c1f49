package delivery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/devlink/pkg/protocol"
)

type recorder struct {
	sent []uint16
	err  error
}

func (r *recorder) Transmit(f protocol.Frame) error {
	r.sent = append(r.sent, f.TransmissionID())
	return r.err
}

func newTestQueue(hooks Hooks) (*Queue, *recorder) {
	r := &recorder{}
	return NewQueue(r, 0, hooks, nil), r
}

func TestEnqueueTransmitsHeadOnly(t *testing.T) {
	q, r := newTestQueue(Hooks{})

	a := q.Enqueue(protocol.NewPlainData("A"))
	b := q.Enqueue(protocol.NewPlainData("B"))

	assert.Equal(t, uint16(0), a)
	assert.Equal(t, uint16(1), b)
	assert.Equal(t, []uint16{a}, r.sent)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, a, q.Head().TransmissionID())
}

func TestConfirmHeadSendsNext(t *testing.T) {
	q, r := newTestQueue(Hooks{})

	a := q.Enqueue(protocol.NewPlainData("A"))
	b := q.Enqueue(protocol.NewPlainData("B"))

	require.True(t, q.Confirm(a))
	assert.Equal(t, []uint16{a, b}, r.sent)
	assert.Equal(t, 1, q.Len())

	require.True(t, q.Confirm(b))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Head())
}

func TestConfirmNonHeadPurgesWithoutSending(t *testing.T) {
	q, r := newTestQueue(Hooks{})

	a := q.Enqueue(protocol.NewPlainData("A"))
	b := q.Enqueue(protocol.NewPlainData("B"))
	c := q.Enqueue(protocol.NewPlainData("C"))

	require.True(t, q.Confirm(b))
	assert.Equal(t, []uint16{a}, r.sent)
	assert.Equal(t, 2, q.Len())

	require.True(t, q.Confirm(a))
	assert.Equal(t, []uint16{a, c}, r.sent)
}

func TestConfirmUnknownIgnored(t *testing.T) {
	q, r := newTestQueue(Hooks{})
	q.Enqueue(protocol.NewPlainData("A"))

	assert.False(t, q.Confirm(42))
	assert.Equal(t, 1, q.Len())
	assert.Len(t, r.sent, 1)
}

func TestHeadDroppedAfterFourTransmissions(t *testing.T) {
	var dropped []uint16
	var attempts []int
	q, r := newTestQueue(Hooks{
		OnDropped:    func(f protocol.Frame) { dropped = append(dropped, f.TransmissionID()) },
		OnRetransmit: func(_ protocol.Frame, attempt int) { attempts = append(attempts, attempt) },
	})

	a := q.Enqueue(protocol.NewPlainData("A"))
	b := q.Enqueue(protocol.NewPlainData("B"))

	// first tick only marks A unconfirmed
	q.Tick()
	assert.Equal(t, []uint16{a}, r.sent)

	q.Tick()
	q.Tick()
	q.Tick()
	assert.Equal(t, []uint16{a, a, a, a}, r.sent, "B must wait while A is unconfirmed")
	assert.Equal(t, []int{2, 3, 4}, attempts)
	assert.Empty(t, dropped)

	q.Tick()
	assert.Equal(t, []uint16{a}, dropped)
	assert.Equal(t, []uint16{a, a, a, a, b}, r.sent)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, b, q.Head().TransmissionID())
}

func TestConfirmDuringRetriesResetsForNextHead(t *testing.T) {
	q, r := newTestQueue(Hooks{})

	a := q.Enqueue(protocol.NewPlainData("A"))
	b := q.Enqueue(protocol.NewPlainData("B"))

	q.Tick()
	q.Tick()
	require.True(t, q.Confirm(a))
	assert.Equal(t, []uint16{a, a, b}, r.sent)

	// B starts with a fresh attempt count
	q.Tick()
	assert.Equal(t, []uint16{a, a, b}, r.sent)
	q.Tick()
	assert.Equal(t, []uint16{a, a, b, b}, r.sent)
}

func TestTickEmptyQueue(t *testing.T) {
	q, r := newTestQueue(Hooks{})
	q.Tick()
	assert.Empty(t, r.sent)
}

func TestCustomMaxAttempts(t *testing.T) {
	r := &recorder{}
	dropped := 0
	q := NewQueue(r, 2, Hooks{OnDropped: func(protocol.Frame) { dropped++ }}, nil)

	q.Enqueue(protocol.NewPlainData("A"))
	for i := 0; i < 3; i++ {
		q.Tick()
	}
	assert.Len(t, r.sent, 2)
	assert.Equal(t, 1, dropped)
	assert.Zero(t, q.Len())
}

func TestTransmitErrorKeepsFrame(t *testing.T) {
	var failures int
	r := &recorder{err: errors.New("broken pipe")}
	q := NewQueue(r, 0, Hooks{
		OnTransmitError: func(protocol.Frame, error) { failures++ },
	}, nil)

	q.Enqueue(protocol.NewPlainData("A"))
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, q.Len())

	r.err = nil
	q.Tick()
	q.Tick()
	assert.Len(t, r.sent, 2)
}

func TestFlush(t *testing.T) {
	q, r := newTestQueue(Hooks{
		OnDropped: func(protocol.Frame) { t.Fatal("flush must not report drops") },
	})
	q.Enqueue(protocol.NewPlainData("A"))
	q.Enqueue(protocol.NewPlainData("B"))

	assert.Equal(t, 2, q.Flush())
	assert.Zero(t, q.Len())

	q.Tick()
	assert.Len(t, r.sent, 1)
}

func TestTransmissionIDsWrap(t *testing.T) {
	q, _ := newTestQueue(Hooks{})
	q.nextID = 0xFFFF

	assert.Equal(t, uint16(0xFFFF), q.Enqueue(protocol.NewPlainData("A")))
	assert.Equal(t, uint16(0), q.Enqueue(protocol.NewPlainData("B")))
}

func TestContains(t *testing.T) {
	q, _ := newTestQueue(Hooks{})

	a := q.Enqueue(protocol.NewPlainData("A"))
	b := q.Enqueue(protocol.NewPlainData("B"))
	assert.True(t, q.Contains(a))
	assert.True(t, q.Contains(b))
	assert.False(t, q.Contains(b+1))

	q.Confirm(b)
	assert.False(t, q.Contains(b))

	for i := 0; i < 5; i++ {
		q.Tick()
	}
	assert.False(t, q.Contains(a), "dropped frames are gone")
}
