package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcampipe/frame"
)

func qframe(seq uint64) *frame.Frame {
	return &frame.Frame{
		Data:   make([]byte, 4*4*3),
		Width:  4,
		Height: 4,
		Format: frame.FormatBGR24,
		Seq:    seq,
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)

	for seq := uint64(1); seq <= 3; seq++ {
		assert.Nil(t, q.Push(qframe(seq)))
	}
	assert.Equal(t, 3, q.Len())

	for seq := uint64(1); seq <= 3; seq++ {
		f, err := q.Pop(50 * time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, seq, f.Seq)
	}
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue(3)

	// Fast producer: six frames into a queue of three. The first three
	// must be evicted in order and the newest three retained.
	var evicted []uint64
	for seq := uint64(1); seq <= 6; seq++ {
		if old := q.Push(qframe(seq)); old != nil {
			evicted = append(evicted, old.Seq)
		}
	}

	assert.Equal(t, []uint64{1, 2, 3}, evicted)

	var kept []uint64
	for {
		f, err := q.Pop(10 * time.Millisecond)
		if err != nil {
			break
		}
		kept = append(kept, f.Seq)
	}
	assert.Equal(t, []uint64{4, 5, 6}, kept)
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue(2)

	start := time.Now()
	f, err := q.Pop(30 * time.Millisecond)
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueuePopWakesOnPush(t *testing.T) {
	q := NewQueue(2)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(qframe(7))
	}()

	f, err := q.Pop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Seq)
}

func TestQueueCloseDrainsRemaining(t *testing.T) {
	q := NewQueue(4)
	q.Push(qframe(1))
	q.Push(qframe(2))
	q.Close()

	f, err := q.Pop(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	f, err = q.Pop(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq)

	_, err = q.Pop(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueuePushAfterClose(t *testing.T) {
	q := NewQueue(2)
	q.Close()

	f := qframe(1)
	assert.Same(t, f, q.Push(f), "push after close should report the frame dropped")
	assert.Equal(t, 0, q.Len())
}

func TestQueueCloseWakesWaiter(t *testing.T) {
	q := NewQueue(2)

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(5 * time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
}
