package replication

import (
	"sync/atomic"
	"time"
)

// replicaQueueCapacity bounds each replica's outbound queue; a full queue
// blocks the producing command, providing end-to-end backpressure.
const replicaQueueCapacity = 32

// Event is one item enqueued to a replica's outbound queue: either a raw
// wire-encoded write to forward, or a reference to a quorum barrier that
// the replica's writer resolves by round-tripping REPLCONF GETACK.
type Event struct {
	Write   []byte
	Barrier *Quorum
}

// Replica is a master's view of one attached replica: its outbound event
// queue, the offset it last reported via REPLCONF ACK, and the listening
// port it advertised via REPLCONF listening-port.
type Replica struct {
	key      string
	Queue    chan Event
	acked    atomic.Uint64
	listener atomic.Int64 // advertised listening-port, 0 if not yet known
}

// ReportOffset records the offset a replica most recently ACKed.
func (rep *Replica) ReportOffset(n uint64) { rep.acked.Store(n) }

// ReportedOffset returns the most recently ACKed offset.
func (rep *Replica) ReportedOffset() uint64 { return rep.acked.Load() }

// SetListeningPort records the port a replica advertised via REPLCONF
// listening-port, surfaced by diagnostics that list attached replicas.
func (rep *Replica) SetListeningPort(port int) { rep.listener.Store(int64(port)) }

// ListeningPort reports the port last advertised via REPLCONF
// listening-port, or 0 if the replica hasn't sent one yet.
func (rep *Replica) ListeningPort() int { return int(rep.listener.Load()) }

// AttachReplica registers a new outbound queue under key (conventionally
// "peer-socket || connection-id"), returning the Replica the caller's
// writer task should drain.
func (r *Role) AttachReplica(key string) *Replica {
	rep := &Replica{key: key, Queue: make(chan Event, replicaQueueCapacity)}
	r.fanoutMu.Lock()
	if r.replicas == nil {
		r.replicas = make(map[string]*Replica)
	}
	r.replicas[key] = rep
	r.fanoutMu.Unlock()
	return rep
}

// DetachReplica removes a replica's outbound queue, called when its
// connection closes.
func (r *Role) DetachReplica(key string) {
	r.fanoutMu.Lock()
	delete(r.replicas, key)
	r.fanoutMu.Unlock()
}

// ReplicaCount reports the number of currently attached replicas.
func (r *Role) ReplicaCount() int {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	return len(r.replicas)
}

// broadcastLocked enqueues ev to every attached replica, in map iteration
// order; callers hold fanoutMu. Every replica must see the same
// order of writes — iterating a single map snapshot under one lock
// acquisition satisfies that as long as this is the only place writes are
// enqueued.
func (r *Role) broadcastLocked(ev Event) {
	for _, rep := range r.replicas {
		rep.Queue <- ev
	}
}

// ReplicateWrite executes apply — which mutates the keyspace and returns
// the wire-encoded command to forward — and, if this node is a master,
// bumps the offset and fans the encoded command out to every replica, all
// under one critical section. This establishes a total order over
// replicated writes: the keyspace mutation, the offset bump, and the
// fan-out enqueue happen as one atomic step from every other caller's
// perspective.
func (r *Role) ReplicateWrite(apply func() []byte) {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	data := apply()
	if !r.IsMaster() {
		return
	}
	r.offset.Add(uint64(len(data)))
	r.broadcastLocked(Event{Write: data})
}

// Barrier enqueues a quorum barrier to every attached replica and returns
// it; WAIT calls this then blocks on Quorum.Wait. Attaching under fanoutMu
// keeps the barrier's position in each queue consistent with any write
// enqueued concurrently.
func (r *Role) Barrier(needed uint64, deadline time.Time, hasDeadline bool) *Quorum {
	q := newQuorum(needed, deadline, hasDeadline)
	r.fanoutMu.Lock()
	q.NeedOffset = r.offset.Load()
	r.broadcastLocked(Event{Barrier: q})
	r.fanoutMu.Unlock()
	return q
}
