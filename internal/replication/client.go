package replication

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kvnode/keydb/internal/protocol"
)

// HandshakeResult is what a replica learns from a successful handshake:
// the master's identity and starting offset, and the raw snapshot bytes
// ready for Engine.WriteSnapshotData.
type HandshakeResult struct {
	MasterID     string
	MasterOffset uint64
	Snapshot     []byte
}

// HandshakeError reports an unexpected reply during the replica connect
// sequence ("ReplicaHandshake"): the caller closes the master
// socket and may retry the whole handshake from scratch.
type HandshakeError struct {
	Step   string
	Detail string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("replication: handshake step %s: %s", e.Step, e.Detail)
}

// Handshake drives the fixed PING / REPLCONF listening-port / REPLCONF capa
// / PSYNC sequence ("Connect lifecycle") over an already-dialed
// connection wrapped in r/w, and reads the subsequent snapshot dump.
func Handshake(r *protocol.Reader, w *protocol.Writer, listeningPort int) (*HandshakeResult, error) {
	if err := sendAndExpectSimple(r, w, []string{"PING"}, "PONG", "ping"); err != nil {
		return nil, err
	}
	if err := sendAndExpectSimple(r, w, []string{"REPLCONF", "listening-port", strconv.Itoa(listeningPort)}, "OK", "replconf-port"); err != nil {
		return nil, err
	}
	if err := sendAndExpectSimple(r, w, []string{"REPLCONF", "capa", "psync2"}, "OK", "replconf-capa"); err != nil {
		return nil, err
	}

	if err := w.WriteValue(protocol.NewBulkStringArray("PSYNC", "?", "-1")); err != nil {
		return nil, &HandshakeError{Step: "psync", Detail: err.Error()}
	}
	reply, err := r.ReadFrame()
	if err != nil {
		return nil, &HandshakeError{Step: "psync", Detail: err.Error()}
	}
	if reply.Kind != protocol.KindSimpleString {
		return nil, &HandshakeError{Step: "psync", Detail: "expected a simple-string FULLRESYNC reply"}
	}
	fields := strings.Fields(reply.Str)
	if len(fields) != 3 || !strings.EqualFold(fields[0], "FULLRESYNC") {
		return nil, &HandshakeError{Step: "psync", Detail: "expected FULLRESYNC reply, got " + reply.Str}
	}
	offset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, &HandshakeError{Step: "psync", Detail: "malformed offset in FULLRESYNC"}
	}

	dump, err := r.ReadDumpFile()
	if err != nil {
		return nil, &HandshakeError{Step: "snapshot", Detail: err.Error()}
	}
	return &HandshakeResult{MasterID: fields[1], MasterOffset: offset, Snapshot: dump}, nil
}

func sendAndExpectSimple(r *protocol.Reader, w *protocol.Writer, args []string, want, step string) error {
	if err := w.WriteValue(protocol.NewBulkStringArray(args...)); err != nil {
		return &HandshakeError{Step: step, Detail: err.Error()}
	}
	reply, err := r.ReadFrame()
	if err != nil {
		return &HandshakeError{Step: step, Detail: err.Error()}
	}
	if reply.Kind != protocol.KindSimpleString || !strings.EqualFold(reply.Str, want) {
		return &HandshakeError{Step: step, Detail: "unexpected reply to " + strings.Join(args, " ")}
	}
	return nil
}
