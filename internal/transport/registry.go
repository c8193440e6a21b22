package transport

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/woble/internal/gatt"
)

// registry maps live connection handles to their state. Connections are
// created when a connect is requested and removed atomically with the
// transition into a terminal state, so a released handle can never reach a
// stale GATT object.
type registry struct {
	conns      *hashmap.Map[uint64, *conn]
	nextHandle atomic.Uint64
}

func newRegistry() *registry {
	return &registry{conns: hashmap.New[uint64, *conn]()}
}

// create allocates a fresh handle and its connection record.
func (r *registry) create(logger *logrus.Logger, queueDepth uint32) *conn {
	h := gatt.ConnectionHandle(r.nextHandle.Add(1))
	c := &conn{
		handle:   h,
		state:    StateIdle,
		outbound: newFragmentQueue(queueDepth),
		pending:  orderedmap.New[uint64, gatt.OpKind](),
		log:      logger.WithField("handle", uint64(h)),
	}
	r.conns.Set(uint64(h), c)
	return c
}

func (r *registry) lookup(h gatt.ConnectionHandle) (*conn, bool) {
	return r.conns.Get(uint64(h))
}

func (r *registry) remove(h gatt.ConnectionHandle) {
	r.conns.Del(uint64(h))
}

func (r *registry) len() int {
	return r.conns.Len()
}

// conn is the shared per-connection state behind both delegate roles. All
// mutable fields are guarded by mu — the single mutual-exclusion domain the
// caller-facing operations and the provider callbacks serialize through.
// Provider and engine calls are issued after releasing mu so a synchronous
// callback can never deadlock against it.
type conn struct {
	handle gatt.ConnectionHandle

	mu            sync.Mutex
	state         State
	endpoints     *gatt.Endpoints
	payloadMTU    int
	subscribed    bool
	outbound      *fragmentQueue
	pending       *orderedmap.OrderedMap[uint64, gatt.OpKind]
	inflight      []byte
	writeAttempts int

	log *logrus.Entry
}

// hasPendingLocked reports whether an operation of the given kind is
// outstanding. Caller holds mu.
func (c *conn) hasPendingLocked(kind gatt.OpKind) bool {
	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == kind {
			return true
		}
	}
	return false
}

// releaseLocked drops everything tied to the live link: queued fragments,
// pending correlation tokens, the in-flight fragment, and the bound
// endpoints. Caller holds mu and has already moved state.
func (c *conn) releaseLocked() {
	discarded := c.outbound.discard()
	if discarded > 0 {
		c.log.WithField("fragments", discarded).Debug("Discarded queued outbound fragments")
	}
	c.pending = orderedmap.New[uint64, gatt.OpKind]()
	c.inflight = nil
	c.writeAttempts = 0
	c.endpoints = nil
	c.subscribed = false
}
