package transport

import (
	"errors"

	ringbuf "github.com/hedzr/go-ringbuf/v2"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// fragmentQueue is the ordered outbound buffer for one connection. The BLE
// link bounds single-write size, so the engine submits pre-fragmented
// buffers; they are forwarded strictly in submission order and never merged
// or reordered. Access is serialized by the owning connection's mutex.
type fragmentQueue struct {
	ring mpmc.RingBuffer[[]byte]
}

func newFragmentQueue(capacity uint32) *fragmentQueue {
	return &fragmentQueue{ring: ringbuf.New[[]byte](capacity)}
}

// push appends one fragment. The payload is copied so the caller may reuse
// its buffer after submission.
func (q *fragmentQueue) push(data []byte) error {
	frag := make([]byte, len(data))
	copy(frag, data)
	if err := q.ring.Enqueue(frag); err != nil {
		return &TransportError{Kind: KindQueueFull, Msg: "outbound fragment queue at capacity"}
	}
	return nil
}

// pop removes and returns the head fragment, or (nil, false) when empty.
func (q *fragmentQueue) pop() ([]byte, bool) {
	frag, err := q.ring.Dequeue()
	if err != nil {
		if errors.Is(err, mpmc.ErrQueueEmpty) {
			return nil, false
		}
		return nil, false
	}
	return frag, true
}

// discard drops every queued fragment. Called on the transition to Closing
// or Error; discarded fragments never produce delivery callbacks.
func (q *fragmentQueue) discard() int {
	n := 0
	for {
		if _, ok := q.pop(); !ok {
			return n
		}
		n++
	}
}

func (q *fragmentQueue) empty() bool {
	return q.ring.IsEmpty()
}
