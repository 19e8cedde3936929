package replication

import (
	"net"
	"testing"

	"github.com/kvnode/keydb/internal/protocol"
)

func TestHandshakeSuccess(t *testing.T) {
	client, master := net.Pipe()
	defer client.Close()
	defer master.Close()

	masterR := protocol.NewReader(master)
	masterW := protocol.NewWriter(master)

	done := make(chan struct{})
	go func() {
		defer close(done)
		expectCommand(t, masterR, "PING")
		masterW.WriteValue(protocol.NewSimpleString("PONG"))

		expectCommand(t, masterR, "REPLCONF", "listening-port", "7100")
		masterW.WriteValue(protocol.NewSimpleString("OK"))

		expectCommand(t, masterR, "REPLCONF", "capa", "psync2")
		masterW.WriteValue(protocol.NewSimpleString("OK"))

		expectCommand(t, masterR, "PSYNC", "?", "-1")
		masterW.WriteValue(protocol.NewSimpleString("FULLRESYNC abc123 10"))
		masterW.WriteDumpFile([]byte("snapshot-bytes"))
	}()

	clientR := protocol.NewReader(client)
	clientW := protocol.NewWriter(client)
	result, err := Handshake(clientR, clientW, 7100)
	<-done
	if err != nil {
		t.Fatalf("unexpected handshake error: %v", err)
	}
	if result.MasterID != "abc123" {
		t.Fatalf("unexpected master id %q", result.MasterID)
	}
	if result.MasterOffset != 10 {
		t.Fatalf("unexpected master offset %d", result.MasterOffset)
	}
	if string(result.Snapshot) != "snapshot-bytes" {
		t.Fatalf("unexpected snapshot bytes %q", result.Snapshot)
	}
}

func TestHandshakeRejectsBadPong(t *testing.T) {
	client, master := net.Pipe()
	defer client.Close()
	defer master.Close()

	masterR := protocol.NewReader(master)
	masterW := protocol.NewWriter(master)
	go func() {
		expectCommand(t, masterR, "PING")
		masterW.WriteValue(protocol.NewSimpleString("WRONG"))
	}()

	clientR := protocol.NewReader(client)
	clientW := protocol.NewWriter(client)
	_, err := Handshake(clientR, clientW, 7100)
	if err == nil {
		t.Fatal("expected an error on an unexpected PING reply")
	}
	herr, ok := err.(*HandshakeError)
	if !ok || herr.Step != "ping" {
		t.Fatalf("expected a ping-step HandshakeError, got %v", err)
	}
}

func expectCommand(t *testing.T, r *protocol.Reader, want ...string) {
	t.Helper()
	v, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read command frame: %v", err)
	}
	if v.Kind != protocol.KindArray || len(v.Array) != len(want) {
		t.Fatalf("unexpected command shape: %+v", v)
	}
	for i, w := range want {
		if string(v.Array[i].Bytes) != w {
			t.Fatalf("unexpected command arg %d: got %q want %q", i, v.Array[i].Bytes, w)
		}
	}
}
