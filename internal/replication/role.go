// Package replication implements the role/identity, replica fan-out, and
// quorum-wait primitives: every node carries a
// 40-character identity and a monotonic byte offset; a master additionally
// owns a set of outbound per-replica event queues and the quorum barriers
// that WAIT blocks on.
package replication

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind distinguishes a master node from a replica node.
type Kind int

const (
	// KindMaster is the default role: it owns the replicas map and fans
	// out every write it accepts.
	KindMaster Kind = iota
	// KindReplica connects out to a master and applies its write stream.
	KindReplica
)

// Role is a node's replication identity: a 40-character id, its kind, and
// a monotonic offset counted (bytes forwarded on a master,
// bytes applied on a replica). A master additionally owns the replica
// fan-out map; mutating Kind (via REPLICAOF) swaps that map in or out.
type Role struct {
	mu   sync.RWMutex
	kind Kind
	id   string

	// replica-only
	masterHost    string
	masterPort    int
	listeningPort int

	offset atomic.Uint64

	// fanoutMu serializes "mutate keyspace, bump offset, enqueue to every
	// replica" into one critical section, so every replica
	// observes writes in the same total order the keyspace applied them.
	fanoutMu sync.Mutex
	replicas map[string]*Replica
}

// NewMaster constructs a master-role identity with a fresh id and a zero
// offset.
func NewMaster() *Role {
	return &Role{
		kind:     KindMaster,
		id:       generateID(),
		replicas: make(map[string]*Replica),
	}
}

// NewReplica constructs a replica-role identity bound to the given master
// address and this node's own listening port (advertised to the master via
// REPLCONF listening-port).
func NewReplica(masterHost string, masterPort, listeningPort int) *Role {
	return &Role{
		kind:          KindReplica,
		id:            generateID(),
		masterHost:    masterHost,
		masterPort:    masterPort,
		listeningPort: listeningPort,
	}
}

// generateID produces a 40-character lowercase-alphanumeric identifier,
// seeded from a UUID's randomness (two UUIDs' worth of
// hex digits truncated to 40, since one UUIDv4's 32 hex digits fall short).
func generateID() string {
	var b strings.Builder
	for b.Len() < 40 {
		u := uuid.New()
		b.WriteString(strings.ReplaceAll(u.String(), "-", ""))
	}
	return strings.ToLower(b.String()[:40])
}

// ID reports the node's replication identity.
func (r *Role) ID() string { return r.id }

// IsMaster reports whether this node is currently acting as a master.
func (r *Role) IsMaster() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kind == KindMaster
}

// MasterAddr reports the (host, port) this node replicates from, valid
// only when IsMaster is false.
func (r *Role) MasterAddr() (string, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.masterHost, r.masterPort
}

// ListeningPort reports the port this node advertises to its master via
// REPLCONF listening-port, valid only when IsMaster is false.
func (r *Role) ListeningPort() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeningPort
}

// Offset reports the current replication offset: bytes of
// forwarded writes on a master, bytes of applied master-stream commands on
// a replica.
func (r *Role) Offset() uint64 { return r.offset.Load() }

// SetOffset resets the offset counter, used after a snapshot install: the
// snapshot represents offset 0.
func (r *Role) SetOffset(n uint64) { r.offset.Store(n) }

// AddOffset advances the offset counter by n bytes.
func (r *Role) AddOffset(n uint64) { r.offset.Add(n) }

// InfoReplication renders the body of `INFO REPLICATION`.
func (r *Role) InfoReplication() string {
	r.mu.RLock()
	kind := r.kind
	id := r.id
	r.mu.RUnlock()
	roleName := "master"
	if kind == KindReplica {
		roleName = "slave"
	}
	return fmt.Sprintf("role:%s\nmaster_replid:%s\nmaster_repl_offset:%d", roleName, id, r.Offset())
}

// BecomeReplica demotes this node to a replica of the given master,
// tearing down any attached replicas (a node cannot be both at once).
// Used by the REPLICAOF command.
func (r *Role) BecomeReplica(masterHost string, masterPort, listeningPort int) {
	r.mu.Lock()
	r.kind = KindReplica
	r.masterHost = masterHost
	r.masterPort = masterPort
	r.listeningPort = listeningPort
	r.mu.Unlock()

	r.fanoutMu.Lock()
	r.replicas = nil
	r.fanoutMu.Unlock()
	r.offset.Store(0)
}

// BecomeMaster promotes this node back to a master with a fresh identity
// and a zero offset (REPLICAOF NO ONE).
func (r *Role) BecomeMaster() {
	r.mu.Lock()
	r.kind = KindMaster
	r.masterHost, r.masterPort = "", 0
	r.id = generateID()
	r.mu.Unlock()

	r.fanoutMu.Lock()
	r.replicas = make(map[string]*Replica)
	r.fanoutMu.Unlock()
	r.offset.Store(0)
}
