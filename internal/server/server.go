// Package server implements the TCP connection state machine: the accept
// loop, the per-connection request/response cycle, the master-side PSYNC
// attach, and the replica-side link to its master.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kvnode/keydb/internal/command"
	"github.com/kvnode/keydb/internal/engine"
	"github.com/kvnode/keydb/internal/protocol"
	"github.com/kvnode/keydb/internal/replication"
)

// Config holds the server's own runtime knobs, distinct from the process's
// CLI flags (internal/config): the address to listen on and the per-
// connection I/O deadlines.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the listener, the keyspace, and the node's replication role.
// A replica additionally runs one outbound link goroutine to its master.
type Server struct {
	cfg    Config
	engine *engine.Engine
	role   *replication.Role
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	addr     string
	closed   bool
	wg       sync.WaitGroup
	runCtx   context.Context
}

// Addr returns the address the server is listening on, or "" before Start
// has bound its listener. cfg.Port == 0 lets tests bind an ephemeral port
// and read the resolved address back here.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// New constructs a Server bound to e and role, logging through logger.
func New(cfg Config, e *engine.Engine, role *replication.Role, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, engine: e, role: role, logger: logger}
}

// Start listens on cfg.Port and runs the accept loop, plus a replica link
// goroutine if role starts out as a replica. It blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.runCtx = ctx
	s.mu.Unlock()
	s.logger.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	if !s.role.IsMaster() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runReplicaLoop(ctx)
		}()
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(5 * time.Minute)
		}
		s.logger.Info("accepted connection", "remote", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops the listener and waits for every connection and background
// goroutine to finish. Safe to call once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}

// handleConnection runs the main per-connection loop: read a
// frame, parse it into a Command, apply it. PSYNC hands the connection's
// remaining lifetime to ServePSync and this loop exits without closing the
// socket twice.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := &Connection{
		srv:       s,
		conn:      conn,
		reader:    protocol.NewReader(conn),
		writer:    protocol.NewWriter(conn),
		writeable: true,
		remoteKey: conn.RemoteAddr().String(),
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		v, err := c.reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("connection read failed", "remote", c.remoteKey, "error", err)
			}
			return
		}
		cmd, err := command.Parse(v)
		if err != nil {
			if errors.Is(err, command.ErrProtocolMalformed) {
				c.writer.WriteValue(protocol.NewError(err.Error()))
				continue
			}
			s.logger.Warn("malformed frame", "remote", c.remoteKey, "error", err)
			return
		}
		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, isPsync := cmd.(*command.PsyncCmd); isPsync {
			if err := cmd.Apply(c); err != nil {
				s.logger.Warn("psync session ended", "remote", c.remoteKey, "error", err)
			}
			return
		}
		if err := cmd.Apply(c); err != nil {
			s.logger.Warn("command apply failed", "remote", c.remoteKey, "error", err)
			return
		}
	}
}

// runReplicaLoop drives the replica-side connection to its configured
// master, reconnecting with a short backoff until the role is promoted back
// to master (REPLICAOF NO ONE) or the context is cancelled.
func (s *Server) runReplicaLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		host, port := s.role.MasterAddr()
		if host == "" {
			return
		}
		conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			s.logger.Warn("replica: dial master failed", "master", host, "error", err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		if err := s.serveReplicaLink(ctx, conn); err != nil {
			s.logger.Warn("replica: link to master ended", "error", err)
		}
		conn.Close()
		if ctx.Err() != nil || s.role.IsMaster() {
			return
		}
		if !sleepOrDone(ctx, time.Second) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serveReplicaLink runs the handshake ("Connect lifecycle") over
// conn, installs the received snapshot, then applies every subsequent
// command the master streams, bumping the role offset by each frame's
// encoded length "Offset update rule".
func (s *Server) serveReplicaLink(ctx context.Context, conn net.Conn) error {
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	result, err := replication.Handshake(r, w, s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: handshake: %w", err)
	}
	if err := s.engine.WriteSnapshotData(result.Snapshot); err != nil {
		return fmt.Errorf("server: install snapshot: %w", err)
	}
	s.role.SetOffset(result.MasterOffset)
	s.logger.Info("replica: attached to master", "master_id", result.MasterID, "offset", result.MasterOffset)

	c := &Connection{srv: s, conn: conn, reader: r, writer: w, writeable: false, remoteKey: "master-link"}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		v, err := r.ReadFrame()
		if err != nil {
			return err
		}
		s.role.AddOffset(uint64(len(protocol.Encode(v))))

		cmd, err := command.Parse(v)
		if err != nil {
			s.logger.Warn("replica: malformed command from master", "error", err)
			continue
		}
		if err := cmd.Apply(c); err != nil {
			return err
		}
	}
}

// Connection adapts a single TCP connection to command.Conn.
type Connection struct {
	srv       *Server
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	writeable bool
	remoteKey string

	listeningPort int
	replica       *replication.Replica
}

func (c *Connection) Engine() *engine.Engine   { return c.srv.engine }
func (c *Connection) Role() *replication.Role  { return c.srv.role }
func (c *Connection) Writer() *protocol.Writer { return c.writer }
func (c *Connection) Writeable() bool          { return c.writeable }

func (c *Connection) SetReplicaListeningPort(port int) {
	c.listeningPort = port
	if c.replica != nil {
		c.replica.SetListeningPort(port)
	}
}

func (c *Connection) ReportAck(offset uint64) {
	if c.replica != nil {
		c.replica.ReportOffset(offset)
	}
}

// ServePSync implements the master-side attach lifecycle: force
// a snapshot, reply FULLRESYNC, stream the dump, attach a fan-out queue, and
// run this connection's writer for as long as the replica stays attached.
func (c *Connection) ServePSync() error {
	s := c.srv
	if err := s.engine.WriteSnapshot(); err != nil {
		return fmt.Errorf("server: snapshot for psync: %w", err)
	}

	reply := fmt.Sprintf("FULLRESYNC %s %d", s.role.ID(), s.role.Offset())
	if err := c.writer.WriteValue(protocol.NewSimpleString(reply)); err != nil {
		return err
	}
	dump, err := os.ReadFile(filepath.Join(s.engine.Dir(), s.engine.FileName()))
	if err != nil {
		return fmt.Errorf("server: read snapshot for psync: %w", err)
	}
	if err := c.writer.WriteDumpFile(dump); err != nil {
		return err
	}

	rep := s.role.AttachReplica(c.remoteKey)
	if c.listeningPort != 0 {
		rep.SetListeningPort(c.listeningPort)
	}
	c.replica = rep
	c.writeable = false
	s.logger.Info("replica attached", "remote", c.remoteKey)
	defer func() {
		s.role.DetachReplica(c.remoteKey)
		s.logger.Info("replica detached", "remote", c.remoteKey)
	}()

	readDone := make(chan error, 1)
	go func() {
		for {
			v, err := c.reader.ReadFrame()
			if err != nil {
				readDone <- err
				return
			}
			cmd, err := command.Parse(v)
			if err != nil {
				continue
			}
			cmd.Apply(c)
		}
	}()

	for {
		select {
		case ev := <-rep.Queue:
			if ev.Write != nil {
				if err := c.writer.WriteRaw(ev.Write); err != nil {
					return err
				}
				continue
			}
			if ev.Barrier != nil {
				if err := c.resolveBarrier(rep, ev.Barrier); err != nil {
					return err
				}
			}
		case err := <-readDone:
			return err
		}
	}
}

// resolveBarrier implements a replica writer's half of the WAIT protocol
//: ask the replica to report its offset, then poll its
// acknowledged offset against the barrier's need-offset until satisfied or
// the barrier's deadline passes.
func (c *Connection) resolveBarrier(rep *replication.Replica, q *replication.Quorum) error {
	if rep.ReportedOffset() >= q.NeedOffset {
		q.Ack()
		return nil
	}
	getack := protocol.Encode(protocol.NewBulkStringArray("REPLCONF", "GETACK", "*"))
	if err := c.writer.WriteRaw(getack); err != nil {
		return err
	}

	const pollInterval = 5 * time.Millisecond
	for {
		if rep.ReportedOffset() >= q.NeedOffset {
			q.Ack()
			return nil
		}
		remaining, hasDeadline := q.Remaining()
		if hasDeadline && remaining <= 0 {
			return nil
		}
		wait := pollInterval
		if hasDeadline && remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

// SetReplicaOf drives a live REPLICAOF transition: NO ONE promotes this
// node back to master; a host/port pair
// demotes it to a replica of that master, and the accept loop's replica
// link goroutine is (re)started to perform the handshake.
func (c *Connection) SetReplicaOf(host string, port int, noOne bool) error {
	s := c.srv
	if noOne {
		s.role.BecomeMaster()
		return nil
	}
	s.role.BecomeReplica(host, port, s.cfg.Port)
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runReplicaLoop(runCtx)
	}()
	return nil
}
