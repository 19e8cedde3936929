// Package command implements the tagged-union command set driving a
// connection's request/response loop: parsing a request frame
// into a typed command, and applying it against a connection's keyspace and
// replication state.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kvnode/keydb/internal/engine"
	"github.com/kvnode/keydb/internal/protocol"
	"github.com/kvnode/keydb/internal/replication"
)

// ErrProtocolMalformed reports a recognized frame with arguments that can
// never be valid (wrong command name shape, wrong arity) — the CommandParse
// error kind: reply with a SimpleError, but the connection stays open.
var ErrProtocolMalformed = errors.New("ERR protocol error")

// Conn is everything a Command needs from the connection it runs on. It is
// defined here, not in internal/server, so that internal/server can depend
// on internal/command without a cycle; internal/server.Connection
// implements it.
type Conn interface {
	Engine() *engine.Engine
	Role() *replication.Role
	Writer() *protocol.Writer
	// Writeable reports whether Apply should write a response frame: false
	// on a master's connection to an attached replica, and on a replica's
	// connection to its master (every command arriving there is either
	// explicitly suppressed or a REPLCONF reply handled by this package).
	Writeable() bool
	// SetReplicaListeningPort records a REPLCONF listening-port
	// advertisement for diagnostics.
	SetReplicaListeningPort(port int)
	// ReportAck records a REPLCONF ACK offset against this connection's
	// attached Replica, if the master has attached one.
	ReportAck(offset uint64)
	// ServePSync performs the master-side PSYNC attach: force a
	// snapshot, reply FULLRESYNC, stream the dump, attach the replica's
	// fan-out queue, and run the connection's writer loop until it closes.
	ServePSync() error
	// SetReplicaOf drives a live REPLICAOF transition: either (host, port)
	// to become a replica, or noOne=true to promote back to master.
	SetReplicaOf(host string, port int, noOne bool) error
}

// Command is one parsed request; Apply executes it against conn.
type Command interface {
	Apply(conn Conn) error
}

// Parse decodes one request frame into a Command. v must be the Array of
// BulkStrings every request takes.
func Parse(v protocol.Value) (Command, error) {
	args, err := argStrings(v)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrProtocolMalformed)
	}
	name := strings.ToUpper(args[0])
	rest := args[1:]

	switch name {
	case "PING":
		return parsePing(rest)
	case "ECHO":
		return parseEcho(rest)
	case "SET":
		return parseSet(rest)
	case "GET":
		return parseGet(rest)
	case "DEL":
		return parseDel(rest)
	case "TYPE":
		return parseType(rest)
	case "KEYS":
		return parseKeys(rest)
	case "CONFIG":
		return parseConfig(rest)
	case "INFO":
		return parseInfo(rest)
	case "REPLCONF":
		return parseReplConf(rest)
	case "PSYNC":
		return parsePsync(rest)
	case "WAIT":
		return parseWait(rest)
	case "XADD":
		return parseXAdd(rest)
	case "XRANGE":
		return parseXRange(rest)
	case "XREAD":
		return parseXRead(rest)
	case "REPLICAOF":
		return parseReplicaOf(rest)
	default:
		return nil, fmt.Errorf("%w: unknown command '%s'", ErrProtocolMalformed, args[0])
	}
}

func argStrings(v protocol.Value) ([]string, error) {
	if v.Kind != protocol.KindArray || v.Null {
		return nil, fmt.Errorf("%w: expected an array request", ErrProtocolMalformed)
	}
	out := make([]string, len(v.Array))
	for i, elem := range v.Array {
		if elem.Kind != protocol.KindBulkString || elem.Null {
			return nil, fmt.Errorf("%w: expected bulk string arguments", ErrProtocolMalformed)
		}
		out[i] = string(elem.Bytes)
	}
	return out, nil
}

func writeReply(conn Conn, v protocol.Value) error {
	if !conn.Writeable() {
		return nil
	}
	return conn.Writer().WriteValue(v)
}

func arityError(cmd string) error {
	return fmt.Errorf("%w: wrong number of arguments for '%s' command", ErrProtocolMalformed, strings.ToLower(cmd))
}

// --- PING / ECHO ---

type PingCmd struct {
	Msg []byte
	has bool
}

func parsePing(args []string) (Command, error) {
	switch len(args) {
	case 0:
		return &PingCmd{}, nil
	case 1:
		return &PingCmd{Msg: []byte(args[0]), has: true}, nil
	default:
		return nil, arityError("ping")
	}
}

func (c *PingCmd) Apply(conn Conn) error {
	if c.has {
		return writeReply(conn, protocol.NewBulkString(c.Msg))
	}
	return writeReply(conn, protocol.NewSimpleString("PONG"))
}

type EchoCmd struct {
	Msg []byte
}

func parseEcho(args []string) (Command, error) {
	if len(args) != 1 {
		return nil, arityError("echo")
	}
	return &EchoCmd{Msg: []byte(args[0])}, nil
}

func (c *EchoCmd) Apply(conn Conn) error {
	return writeReply(conn, protocol.NewBulkString(c.Msg))
}

// --- SET / GET / DEL / TYPE / KEYS ---

type SetCmd struct {
	Key   string
	Value []byte
	TTL   *time.Duration
}

func parseSet(args []string) (Command, error) {
	if len(args) < 2 {
		return nil, arityError("set")
	}
	cmd := &SetCmd{Key: args[0], Value: []byte(args[1])}
	rest := args[2:]
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "EX":
			if len(rest) < 2 {
				return nil, arityError("set")
			}
			seconds, err := strconv.ParseInt(rest[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
			}
			d := time.Duration(seconds) * time.Second
			cmd.TTL = &d
			rest = rest[2:]
		case "PX":
			if len(rest) < 2 {
				return nil, arityError("set")
			}
			ms, err := strconv.ParseInt(rest[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
			}
			d := time.Duration(ms) * time.Millisecond
			cmd.TTL = &d
			rest = rest[2:]
		default:
			return nil, fmt.Errorf("%w: syntax error", ErrProtocolMalformed)
		}
	}
	return cmd, nil
}

// encode renders the canonical forwarded form of this SET, used as the
// fan-out Write payload sent to attached replicas.
func (c *SetCmd) encode() []byte {
	args := []string{"SET", c.Key, string(c.Value)}
	if c.TTL != nil {
		args = append(args, "PX", strconv.FormatInt(c.TTL.Milliseconds(), 10))
	}
	return protocol.Encode(protocol.NewBulkStringArray(args...))
}

func (c *SetCmd) Apply(conn Conn) error {
	role := conn.Role()
	role.ReplicateWrite(func() []byte {
		conn.Engine().Set(c.Key, c.Value, c.TTL)
		return c.encode()
	})
	return writeReply(conn, protocol.NewSimpleString("OK"))
}

type GetCmd struct {
	Key string
}

func parseGet(args []string) (Command, error) {
	if len(args) != 1 {
		return nil, arityError("get")
	}
	return &GetCmd{Key: args[0]}, nil
}

func (c *GetCmd) Apply(conn Conn) error {
	v := conn.Engine().Get(c.Key)
	if v == nil {
		return writeReply(conn, protocol.NullBulkString())
	}
	bb, ok := v.(engine.BulkBytes)
	if !ok {
		return writeReply(conn, protocol.NewError(engine.ErrWrongType.Error()))
	}
	return writeReply(conn, protocol.NewBulkString([]byte(bb)))
}

type DelCmd struct {
	Keys []string
}

func parseDel(args []string) (Command, error) {
	if len(args) < 1 {
		return nil, arityError("del")
	}
	return &DelCmd{Keys: args}, nil
}

func (c *DelCmd) encode() []byte {
	return protocol.Encode(protocol.NewBulkStringArray(append([]string{"DEL"}, c.Keys...)...))
}

func (c *DelCmd) Apply(conn Conn) error {
	role := conn.Role()
	var count int
	role.ReplicateWrite(func() []byte {
		count = conn.Engine().Del(c.Keys)
		return c.encode()
	})
	return writeReply(conn, protocol.NewInteger(int64(count)))
}

type TypeCmd struct {
	Key string
}

func parseType(args []string) (Command, error) {
	if len(args) != 1 {
		return nil, arityError("type")
	}
	return &TypeCmd{Key: args[0]}, nil
}

func (c *TypeCmd) Apply(conn Conn) error {
	return writeReply(conn, protocol.NewSimpleString(conn.Engine().GetType(c.Key)))
}

type KeysCmd struct {
	Pattern string
}

func parseKeys(args []string) (Command, error) {
	if len(args) != 1 {
		return nil, arityError("keys")
	}
	return &KeysCmd{Pattern: args[0]}, nil
}

// globToRegexp translates a glob pattern into an anchored regexp: * becomes
// .*, ? becomes ., and '.', '[' and ']' are escaped so they match literally
// (there are no character classes). Every other character is passed to the
// regexp unchanged.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '.', '[', ']':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

func (c *KeysCmd) Apply(conn Conn) error {
	re, err := globToRegexp(c.Pattern)
	if err != nil {
		return writeReply(conn, protocol.NewError(fmt.Sprintf("ERR invalid pattern: %s", err)))
	}
	var out []protocol.Value
	for _, k := range conn.Engine().Keys() {
		if re.MatchString(k) {
			out = append(out, protocol.NewBulkStringFromString(k))
		}
	}
	return writeReply(conn, protocol.NewArray(out))
}

// --- CONFIG / INFO ---

type ConfigGetCmd struct {
	Name string
}

func parseConfig(args []string) (Command, error) {
	if len(args) != 2 || strings.ToUpper(args[0]) != "GET" {
		return nil, fmt.Errorf("%w: unsupported CONFIG subcommand", ErrProtocolMalformed)
	}
	return &ConfigGetCmd{Name: strings.ToLower(args[1])}, nil
}

func (c *ConfigGetCmd) Apply(conn Conn) error {
	var value string
	switch c.Name {
	case "dir":
		value = conn.Engine().Dir()
	case "dbfilename":
		value = conn.Engine().FileName()
	default:
		return writeReply(conn, protocol.NewArray(nil))
	}
	return writeReply(conn, protocol.NewArray([]protocol.Value{
		protocol.NewBulkStringFromString(c.Name),
		protocol.NewBulkStringFromString(value),
	}))
}

type InfoReplicationCmd struct{}

func parseInfo(args []string) (Command, error) {
	if len(args) != 1 || strings.ToUpper(args[0]) != "REPLICATION" {
		return nil, fmt.Errorf("%w: unsupported INFO section", ErrProtocolMalformed)
	}
	return &InfoReplicationCmd{}, nil
}

func (c *InfoReplicationCmd) Apply(conn Conn) error {
	return writeReply(conn, protocol.NewBulkStringFromString(conn.Role().InfoReplication()))
}

// --- REPLCONF / PSYNC / WAIT ---

type ReplConfCmd struct {
	Sub  string
	Args []string
}

func parseReplConf(args []string) (Command, error) {
	if len(args) < 1 {
		return nil, arityError("replconf")
	}
	return &ReplConfCmd{Sub: strings.ToUpper(args[0]), Args: args[1:]}, nil
}

func (c *ReplConfCmd) Apply(conn Conn) error {
	switch c.Sub {
	case "LISTENING-PORT":
		if len(c.Args) != 1 {
			return arityError("replconf")
		}
		port, err := strconv.Atoi(c.Args[0])
		if err != nil {
			return fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
		}
		conn.SetReplicaListeningPort(port)
		return writeReply(conn, protocol.NewSimpleString("OK"))
	case "CAPA":
		return writeReply(conn, protocol.NewSimpleString("OK"))
	case "GETACK":
		// Always replies, even on a replica's otherwise non-writeable
		// master-link connection: this is the ACK channel the master reads
		// to resolve WAIT, not an ordinary command response.
		offset := conn.Role().Offset()
		return conn.Writer().WriteValue(protocol.NewArray([]protocol.Value{
			protocol.NewBulkStringFromString("REPLCONF"),
			protocol.NewBulkStringFromString("ACK"),
			protocol.NewBulkStringFromString(strconv.FormatUint(offset, 10)),
		}))
	case "ACK":
		if len(c.Args) != 1 {
			return arityError("replconf")
		}
		offset, err := strconv.ParseUint(c.Args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
		}
		conn.ReportAck(offset)
		return nil
	default:
		return writeReply(conn, protocol.NewSimpleString("OK"))
	}
}

type PsyncCmd struct{}

func parsePsync(args []string) (Command, error) {
	if len(args) != 2 {
		return nil, arityError("psync")
	}
	return &PsyncCmd{}, nil
}

func (c *PsyncCmd) Apply(conn Conn) error {
	return conn.ServePSync()
}

type WaitCmd struct {
	Needed    int
	TimeoutMS int
}

func parseWait(args []string) (Command, error) {
	if len(args) != 2 {
		return nil, arityError("wait")
	}
	needed, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
	}
	timeout, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
	}
	return &WaitCmd{Needed: needed, TimeoutMS: timeout}, nil
}

func (c *WaitCmd) Apply(conn Conn) error {
	role := conn.Role()
	hasDeadline := c.TimeoutMS > 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(time.Duration(c.TimeoutMS) * time.Millisecond)
	}
	q := role.Barrier(uint64(c.Needed), deadline, hasDeadline)
	acked := q.Wait()
	return writeReply(conn, protocol.NewInteger(int64(acked)))
}

// --- REPLICAOF ---

type ReplicaOfCmd struct {
	Host  string
	Port  int
	NoOne bool
}

func parseReplicaOf(args []string) (Command, error) {
	if len(args) != 2 {
		return nil, arityError("replicaof")
	}
	if strings.ToUpper(args[0]) == "NO" && strings.ToUpper(args[1]) == "ONE" {
		return &ReplicaOfCmd{NoOne: true}, nil
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
	}
	return &ReplicaOfCmd{Host: args[0], Port: port}, nil
}

func (c *ReplicaOfCmd) Apply(conn Conn) error {
	if err := conn.SetReplicaOf(c.Host, c.Port, c.NoOne); err != nil {
		return writeReply(conn, protocol.NewError(fmt.Sprintf("ERR %s", err)))
	}
	return writeReply(conn, protocol.NewSimpleString("OK"))
}

// --- XADD / XRANGE / XREAD ---

type XAddCmd struct {
	Key    string
	Spec   *engine.StreamIDSpec
	Fields []engine.FieldValue
}

func parseStreamIDSpec(token string) (*engine.StreamIDSpec, error) {
	if token == "*" {
		return nil, nil
	}
	parts := strings.SplitN(token, "-", 2)
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: Invalid stream ID specified as stream command argument", ErrProtocolMalformed)
	}
	spec := &engine.StreamIDSpec{MS: ms}
	if len(parts) == 2 && parts[1] != "*" {
		seq, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: Invalid stream ID specified as stream command argument", ErrProtocolMalformed)
		}
		spec.Seq = &seq
	}
	return spec, nil
}

func parseXAdd(args []string) (Command, error) {
	if len(args) < 4 {
		return nil, arityError("xadd")
	}
	fieldArgs := args[2:]
	if len(fieldArgs)%2 != 0 {
		return nil, arityError("xadd")
	}
	spec, err := parseStreamIDSpec(args[1])
	if err != nil {
		return nil, err
	}
	fields := make([]engine.FieldValue, 0, len(fieldArgs)/2)
	for i := 0; i+1 < len(fieldArgs); i += 2 {
		fields = append(fields, engine.FieldValue{Field: []byte(fieldArgs[i]), Value: []byte(fieldArgs[i+1])})
	}
	return &XAddCmd{Key: args[0], Spec: spec, Fields: fields}, nil
}

// encode renders the canonical forwarded form of this XADD with id resolved
// to its concrete value, so every replica assigns the same ID the master
// did rather than re-deriving one of its own.
func (c *XAddCmd) encode(id engine.StreamID) []byte {
	args := []string{"XADD", c.Key, id.String()}
	for _, f := range c.Fields {
		args = append(args, string(f.Field), string(f.Value))
	}
	return protocol.Encode(protocol.NewBulkStringArray(args...))
}

func (c *XAddCmd) Apply(conn Conn) error {
	role := conn.Role()
	var id engine.StreamID
	var applyErr error
	role.ReplicateWrite(func() []byte {
		id, applyErr = conn.Engine().XAdd(c.Key, c.Spec, c.Fields)
		if applyErr != nil {
			return nil
		}
		return c.encode(id)
	})
	if applyErr != nil {
		return writeReply(conn, protocol.NewError(applyErr.Error()))
	}
	return writeReply(conn, protocol.NewSimpleString(id.String()))
}

type XRangeCmd struct {
	Key        string
	Start, End *engine.StreamIDSpec
	Count      int
}

func parseRangeBound(token string) *engine.StreamIDSpec {
	switch token {
	case "-":
		return &engine.StreamIDSpec{MS: 0}
	case "+":
		max := ^uint64(0)
		return &engine.StreamIDSpec{MS: max, Seq: &max}
	}
	spec, err := parseStreamIDSpec(token)
	if err != nil || spec == nil {
		return &engine.StreamIDSpec{MS: 0}
	}
	return spec
}

func parseXRange(args []string) (Command, error) {
	if len(args) < 3 {
		return nil, arityError("xrange")
	}
	cmd := &XRangeCmd{Key: args[0], Start: parseRangeBound(args[1]), End: parseRangeBound(args[2])}
	if len(args) >= 5 && strings.ToUpper(args[3]) == "COUNT" {
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
		}
		cmd.Count = n
	}
	return cmd, nil
}

func (c *XRangeCmd) Apply(conn Conn) error {
	entries, err := conn.Engine().XRange(c.Key, c.Start, c.End, c.Count)
	if err != nil {
		return writeReply(conn, protocol.NewError(err.Error()))
	}
	return writeReply(conn, protocol.NewArray(encodeStreamEntries(entries)))
}

func encodeStreamEntries(entries []engine.StreamEntry) []protocol.Value {
	out := make([]protocol.Value, len(entries))
	for i, e := range entries {
		fields := make([]protocol.Value, 0, len(e.Fields)*2)
		for _, f := range e.Fields {
			fields = append(fields, protocol.NewBulkString(f.Field), protocol.NewBulkString(f.Value))
		}
		out[i] = protocol.NewArray([]protocol.Value{
			protocol.NewBulkStringFromString(e.ID.String()),
			protocol.NewArray(fields),
		})
	}
	return out
}

type XReadCmd struct {
	Count   int
	Queries []engine.XReadQuery
}

func parseXRead(args []string) (Command, error) {
	count := 0
	i := 0
	if i < len(args) && strings.ToUpper(args[i]) == "COUNT" {
		if i+1 >= len(args) {
			return nil, arityError("xread")
		}
		n, err := strconv.Atoi(args[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: value is not an integer or out of range", ErrProtocolMalformed)
		}
		count = n
		i += 2
	}
	if i >= len(args) || strings.ToUpper(args[i]) != "STREAMS" {
		return nil, fmt.Errorf("%w: syntax error", ErrProtocolMalformed)
	}
	i++
	rest := args[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return nil, arityError("xread")
	}
	n := len(rest) / 2
	queries := make([]engine.XReadQuery, n)
	for j := 0; j < n; j++ {
		key := rest[j]
		idToken := rest[n+j]
		id, err := parseFullStreamID(idToken)
		if err != nil {
			return nil, err
		}
		queries[j] = engine.XReadQuery{Key: key, After: id}
	}
	return &XReadCmd{Count: count, Queries: queries}, nil
}

func parseFullStreamID(token string) (engine.StreamID, error) {
	parts := strings.SplitN(token, "-", 2)
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return engine.StreamID{}, fmt.Errorf("%w: Invalid stream ID specified as stream command argument", ErrProtocolMalformed)
	}
	var seq uint64
	if len(parts) == 2 {
		seq, err = strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return engine.StreamID{}, fmt.Errorf("%w: Invalid stream ID specified as stream command argument", ErrProtocolMalformed)
		}
	}
	return engine.StreamID{MS: ms, Seq: seq}, nil
}

func (c *XReadCmd) Apply(conn Conn) error {
	results, err := conn.Engine().XRead(c.Queries, c.Count)
	if err != nil {
		return writeReply(conn, protocol.NewError(err.Error()))
	}
	var out []protocol.Value
	for i, q := range c.Queries {
		if len(results[i]) == 0 {
			continue
		}
		out = append(out, protocol.NewArray([]protocol.Value{
			protocol.NewBulkStringFromString(q.Key),
			protocol.NewArray(encodeStreamEntries(results[i])),
		}))
	}
	if len(out) == 0 {
		return writeReply(conn, protocol.Value{Kind: protocol.KindArray, Null: true})
	}
	return writeReply(conn, protocol.NewArray(out))
}
