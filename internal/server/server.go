// Package server implements the line-oriented TCP front end for the
// two-phase-commit core: PREPARE, COMMIT PREPARED, ROLLBACK PREPARED,
// LIST, and LIST MINE, one goroutine per connection.
//
// Grounded on the teacher's internal/network/server.go accept loop and
// bufio.Scanner connection handler, extended with the backend lifecycle
// (internal/backend) spec.md §4.2/§9 requires and the top-level
// PANIC-catch-and-exit contract twopcerrors.CriticalFailure documents:
// this is the one place in the module allowed to recover() one of these
// panics, and it only does so long enough to log before calling os.Exit.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/leengari/twophase/internal/backend"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/twophase"
	"github.com/leengari/twophase/internal/view"
)

// Server owns the listener and the Subsystem every connection operates
// against.
type Server struct {
	sub    *twophase.Subsystem
	logger *slog.Logger
}

// New returns a Server driving sub. logger defaults to slog.Default()
// if nil, matching the teacher's use of the package-level logger when
// no explicit one is threaded through.
func New(sub *twophase.Subsystem, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sub: sub, logger: logger}
}

// Run binds port and serves connections (teacher's Start loop,
// generalized to a method). It returns only if binding fails: an Accept
// error is logged and the loop goes on, and the listener is not exposed,
// so a caller holding the *Server cannot stop it.
func (s *Server) Run(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding port %d: %w", port, err)
	}
	defer listener.Close()

	s.logger.Info("twopc server listening", "port", port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.logger.Error("accept failed", "error", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	id := backend.NewID()

	defer func() {
		if r := recover(); r != nil {
			cf, ok := r.(twopcerrors.CriticalFailure)
			if !ok {
				panic(r)
			}
			s.logger.Error("PANIC in critical section, terminating process", "backend", id, "xid", cf.XID, "gid", cf.GID, "step", cf.Step, "error", cf.Cause)
			conn.Close()
			os.Exit(1)
		}
	}()

	defer conn.Close()
	defer s.sub.Backends.Cleanup(id)

	caller := twophase.CallerInfo{BackendID: id, Role: uint32(id), DatabaseOID: 0}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "\\q" {
			break
		}

		reply := s.dispatch(caller, line)
		if reply != "" {
			io.WriteString(conn, reply)
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("connection error", "remote_addr", conn.RemoteAddr(), "backend", id, "error", err)
	}
}

// dispatch parses one line of the protocol and runs it against the
// Subsystem. The protocol is deliberately small: this module is the
// coordination core, not a SQL front end, so commands carry only what
// PrepareTransaction/FinishPrepared need to exercise the state machine
// (spec §4.3) — a real deployment's SQL layer would supply subxacts and
// relfile lists out of its own transaction state, not off the wire.
func (s *Server) dispatch(caller twophase.CallerInfo, line string) string {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])

	switch {
	case cmd == "PREPARE" && len(fields) >= 2:
		return s.cmdPrepare(caller, fields[1])
	case cmd == "COMMIT" && len(fields) >= 3 && strings.ToUpper(fields[1]) == "PREPARED":
		return s.cmdFinish(caller, fields[2], true)
	case cmd == "ROLLBACK" && len(fields) >= 3 && strings.ToUpper(fields[1]) == "PREPARED":
		return s.cmdFinish(caller, fields[2], false)
	case cmd == "LIST" && len(fields) >= 2 && strings.ToUpper(fields[1]) == "MINE":
		return s.cmdListMine(caller)
	case cmd == "LIST":
		return s.cmdListAll()
	default:
		return fmt.Sprintf("Error: unrecognized command %q\n", line)
	}
}

func (s *Server) cmdPrepare(caller twophase.CallerInfo, gid string) string {
	id, err := s.sub.PrepareTransaction(context.Background(), twophase.PrepareInput{
		GID:    gid,
		Caller: caller,
	})
	if err != nil {
		return fmt.Sprintf("Error: %v\n", err)
	}
	return fmt.Sprintf("PREPARED xid=%d gid=%s\n", uint32(id), gid)
}

func (s *Server) cmdFinish(caller twophase.CallerInfo, gid string, commit bool) string {
	ok, err := s.sub.FinishPrepared(context.Background(), twophase.FinishInput{
		GID:            gid,
		IsCommit:       commit,
		RaiseIfMissing: true,
		Caller:         caller,
	})
	if err != nil {
		return fmt.Sprintf("Error: %v\n", err)
	}
	if !ok {
		return fmt.Sprintf("Error: no such prepared transaction %q\n", gid)
	}
	verb := "COMMITTED"
	if !commit {
		verb = "ROLLED BACK"
	}
	return fmt.Sprintf("%s gid=%s\n", verb, gid)
}

func (s *Server) cmdListAll() string {
	rows := view.All(s.sub.GXacts)
	return formatRows(rows)
}

func (s *Server) cmdListMine(caller twophase.CallerInfo) string {
	rows := view.Mine(s.sub.GXacts, caller.Role)
	return formatRows(rows)
}

func formatRows(rows []view.Row) string {
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(strconv.FormatUint(uint64(r.Transaction), 10))
		b.WriteByte('\t')
		b.WriteString(r.GID)
		b.WriteByte('\t')
		b.WriteString(r.Prepared.UTC().Format("2006-01-02T15:04:05Z"))
		b.WriteByte('\t')
		b.WriteString(strconv.FormatUint(uint64(r.OwnerID), 10))
		b.WriteByte('\t')
		b.WriteString(strconv.FormatUint(uint64(r.DatabaseOID), 10))
		b.WriteByte('\n')
	}
	return b.String()
}
