package command

import (
	"bytes"
	"testing"

	"github.com/kvnode/keydb/internal/engine"
	"github.com/kvnode/keydb/internal/protocol"
	"github.com/kvnode/keydb/internal/replication"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	engine       *engine.Engine
	role         *replication.Role
	buf          *bytes.Buffer
	writer       *protocol.Writer
	writeable    bool
	ackedOffset  uint64
	psyncCalled  bool
	replicaOfErr error
	replicaOf    *struct {
		host  string
		port  int
		noOne bool
	}
	listeningPort int
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	dir := t.TempDir()
	e, err := engine.New(dir, "dump.kvdb")
	require.NoError(t, err)
	t.Cleanup(e.Close)
	buf := &bytes.Buffer{}
	return &fakeConn{
		engine:    e,
		role:      replication.NewMaster(),
		buf:       buf,
		writer:    protocol.NewWriter(buf),
		writeable: true,
	}
}

func (f *fakeConn) Engine() *engine.Engine           { return f.engine }
func (f *fakeConn) Role() *replication.Role          { return f.role }
func (f *fakeConn) Writer() *protocol.Writer         { return f.writer }
func (f *fakeConn) Writeable() bool                  { return f.writeable }
func (f *fakeConn) SetReplicaListeningPort(port int) { f.listeningPort = port }
func (f *fakeConn) ReportAck(offset uint64)          { f.ackedOffset = offset }
func (f *fakeConn) ServePSync() error                { f.psyncCalled = true; return nil }
func (f *fakeConn) SetReplicaOf(host string, port int, noOne bool) error {
	f.replicaOf = &struct {
		host  string
		port  int
		noOne bool
	}{host, port, noOne}
	return f.replicaOfErr
}

func request(args ...string) protocol.Value {
	return protocol.NewBulkStringArray(args...)
}

func readReply(t *testing.T, conn *fakeConn) protocol.Value {
	t.Helper()
	r := protocol.NewReader(conn.buf)
	v, err := r.ReadFrame()
	require.NoError(t, err)
	return v
}

func TestParsePingWithAndWithoutMessage(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("PING"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.Equal(t, protocol.NewSimpleString("PONG"), readReply(t, conn))

	conn2 := newFakeConn(t)
	cmd2, err := Parse(request("PING", "hello"))
	require.NoError(t, err)
	require.NoError(t, cmd2.Apply(conn2))
	require.Equal(t, []byte("hello"), readReply(t, conn2).Bytes)
}

func TestSetGetRoundTrip(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("SET", "a", "1"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.Equal(t, protocol.NewSimpleString("OK"), readReply(t, conn))
	require.Equal(t, uint64(len(protocol.Encode(protocol.NewBulkStringArray("SET", "a", "1")))), conn.role.Offset())

	getCmd, err := Parse(request("GET", "a"))
	require.NoError(t, err)
	require.NoError(t, getCmd.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, "1", string(reply.Bytes))
}

func TestGetWrongType(t *testing.T) {
	conn := newFakeConn(t)
	_, err := conn.engine.XAdd("s", nil, []engine.FieldValue{{Field: []byte("f"), Value: []byte("v")}})
	require.NoError(t, err)

	cmd, err := Parse(request("GET", "s"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, protocol.KindError, reply.Kind)
	require.Contains(t, reply.Str, "WRONGTYPE")
}

func TestDelCounts(t *testing.T) {
	conn := newFakeConn(t)
	conn.engine.Set("a", []byte("1"), nil)
	conn.engine.Set("b", []byte("2"), nil)

	cmd, err := Parse(request("DEL", "a", "b", "c"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, protocol.KindInteger, reply.Kind)
	require.Equal(t, int64(2), reply.Int)
}

func TestTypeCommand(t *testing.T) {
	conn := newFakeConn(t)
	conn.engine.Set("s", []byte("x"), nil)
	_, err := conn.engine.XAdd("t", nil, nil)
	require.NoError(t, err)

	for key, want := range map[string]string{"s": "string", "t": "stream", "missing": "none"} {
		cmd, err := Parse(request("TYPE", key))
		require.NoError(t, err)
		require.NoError(t, cmd.Apply(conn))
		reply := readReply(t, conn)
		require.Equal(t, want, reply.Str)
	}
}

func TestKeysGlobMatch(t *testing.T) {
	conn := newFakeConn(t)
	conn.engine.Set("foo", []byte("1"), nil)
	conn.engine.Set("bar", []byte("2"), nil)

	cmd, err := Parse(request("KEYS", "*"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Len(t, reply.Array, 2)
}

func TestConfigGetDirAndDbfilename(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("CONFIG", "GET", "dbfilename"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, "dbfilename", string(reply.Array[0].Bytes))
	require.Equal(t, "dump.kvdb", string(reply.Array[1].Bytes))
}

func TestInfoReplicationReportsMaster(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("INFO", "REPLICATION"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Contains(t, string(reply.Bytes), "role:master")
}

func TestReplConfListeningPortAndCapa(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("REPLCONF", "listening-port", "7777"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.Equal(t, protocol.NewSimpleString("OK"), readReply(t, conn))
	require.Equal(t, 7777, conn.listeningPort)

	cmd2, err := Parse(request("REPLCONF", "capa", "psync2"))
	require.NoError(t, err)
	require.NoError(t, cmd2.Apply(conn))
	require.Equal(t, protocol.NewSimpleString("OK"), readReply(t, conn))
}

func TestReplConfAckRecordsOffsetWithNoReply(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("REPLCONF", "ACK", "42"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.Equal(t, uint64(42), conn.ackedOffset)
	require.Equal(t, 0, conn.buf.Len())
}

func TestReplConfGetAckRepliesEvenWhenNotWriteable(t *testing.T) {
	conn := newFakeConn(t)
	conn.writeable = false
	conn.role.AddOffset(99)
	cmd, err := Parse(request("REPLCONF", "GETACK", "*"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, "99", string(reply.Array[2].Bytes))
}

func TestPsyncDelegatesToServePSync(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("PSYNC", "?", "-1"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.True(t, conn.psyncCalled)
}

func TestWaitWithNoReplicasAndZeroTimeoutReturnsImmediately(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("WAIT", "0", "0"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, int64(0), reply.Int)
}

func TestXAddRejectsZeroAndSmallerIDs(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("XADD", "k", "1-1", "f", "v"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.Equal(t, protocol.NewSimpleString("1-1"), readReply(t, conn))

	cmd2, err := Parse(request("XADD", "k", "1-1", "f", "v"))
	require.NoError(t, err)
	require.NoError(t, cmd2.Apply(conn))
	reply := readReply(t, conn)
	require.Equal(t, protocol.KindError, reply.Kind)
	require.Contains(t, reply.Str, "equal or smaller")

	cmd3, err := Parse(request("XADD", "k2", "0-0", "f", "v"))
	require.NoError(t, err)
	require.NoError(t, cmd3.Apply(conn))
	reply3 := readReply(t, conn)
	require.Contains(t, reply3.Str, "must be greater than 0-0")
}

func TestXRangeAndXReadRoundTrip(t *testing.T) {
	conn := newFakeConn(t)
	addCmd, err := Parse(request("XADD", "k", "1-0", "f", "v"))
	require.NoError(t, err)
	require.NoError(t, addCmd.Apply(conn))
	readReply(t, conn)

	addCmd2, err := Parse(request("XADD", "k", "2-0", "f2", "v2"))
	require.NoError(t, err)
	require.NoError(t, addCmd2.Apply(conn))
	readReply(t, conn)

	rangeCmd, err := Parse(request("XRANGE", "k", "-", "+"))
	require.NoError(t, err)
	require.NoError(t, rangeCmd.Apply(conn))
	rangeReply := readReply(t, conn)
	require.Len(t, rangeReply.Array, 2)

	readCmd, err := Parse(request("XREAD", "STREAMS", "k", "1-0"))
	require.NoError(t, err)
	require.NoError(t, readCmd.Apply(conn))
	readReplyVal := readReply(t, conn)
	require.Len(t, readReplyVal.Array, 1)
	streamEntries := readReplyVal.Array[0].Array[1].Array
	require.Len(t, streamEntries, 1)
}

func TestXReadEmptyYieldsNullArray(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("XREAD", "STREAMS", "missing", "0-0"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	reply := readReply(t, conn)
	require.True(t, reply.Null)
}

func TestReplicaOfNoOne(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("REPLICAOF", "NO", "ONE"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.True(t, conn.replicaOf.noOne)
	require.Equal(t, protocol.NewSimpleString("OK"), readReply(t, conn))
}

func TestReplicaOfHostPort(t *testing.T) {
	conn := newFakeConn(t)
	cmd, err := Parse(request("REPLICAOF", "10.0.0.5", "6380"))
	require.NoError(t, err)
	require.NoError(t, cmd.Apply(conn))
	require.Equal(t, "10.0.0.5", conn.replicaOf.host)
	require.Equal(t, 6380, conn.replicaOf.port)
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse(request("NOPE"))
	require.Error(t, err)
}

func TestParseRejectsNonArrayRequest(t *testing.T) {
	_, err := Parse(protocol.NewSimpleString("PING"))
	require.Error(t, err)
}

func TestGlobToRegexpTranslatesWildcards(t *testing.T) {
	re, err := globToRegexp("a.b*c?")
	require.NoError(t, err)
	require.True(t, re.MatchString("a.bxyzcd"))
	require.False(t, re.MatchString("aXbxyzcd"))
}
