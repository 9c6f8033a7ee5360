package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/agtmux/agtmux/internal/daemonlog"
)

// Server owns the client-facing Unix socket and drives the
// newline-delimited JSON-RPC 2.0 protocol over it (spec 4.9/6). Socket
// lifecycle (directory mode, stale-socket detection, graceful unlink on
// shutdown) follows the teacher's own Start/Shutdown pattern
// (internal/daemon/server.go), adapted from HTTP-over-UDS to
// JSON-RPC-over-UDS.
type Server struct {
	socketPath string
	dispatcher *Dispatcher
	log        *daemonlog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown sync.Once
}

// New builds a Server bound to socketPath once Start is called.
func New(socketPath string, dispatcher *Dispatcher, log *daemonlog.Logger) *Server {
	return &Server{socketPath: socketPath, dispatcher: dispatcher, log: log, conns: make(map[net.Conn]struct{})}
}

// Start creates the socket directory (mode 0700, with the process umask
// neutralized so the mode is never briefly wider), removes a stale
// socket left by a prior process, binds mode 0600, and serves
// connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	oldMask := unix.Umask(0)
	err := os.MkdirAll(dir, 0o700)
	unix.Umask(oldMask)
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	if st, err := os.Lstat(s.socketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.socketPath)
		}
		// A stale socket from a crashed prior process: a fresh Listen will
		// fail with "address already in use" unless we remove it first
		// (spec 4.9's "stale socket ... detected by connect attempt and
		// unlinked" — Listen itself is our connect attempt).
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ln)
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		_ = s.Shutdown()
		return err
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept uds: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

// serveConn speaks one newline-delimited JSON-RPC message per line. A
// malformed line gets a parse-error reply; the connection itself is not
// dropped, since a single bad line should not cost the caller its
// session (spec 7's "errors inside a single pane's classification are
// absorbed" spirit extended to the transport).
func (s *Server) serveConn(conn net.Conn) {
	// A per-connection id, not a protocol field, lets log lines from
	// concurrent clients be told apart (teacher's server.go tags its own
	// long-lived streams with uuid.NewString() the same way).
	connID := uuid.NewString()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close() //nolint:errcheck
	}()

	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	writer := bufio.NewWriter(conn)

	for reader.Scan() {
		line := reader.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handleLine(line)
		if resp == nil {
			// A notification (no id): spec 6 calls source.ingest
			// fire-and-forget, but callers may still set an id and expect a
			// reply; only a truly id-less request skips the write.
			continue
		}
		encoded, err := json.Marshal(resp)
		if err != nil {
			if s.log != nil {
				s.log.Error("rpc.encode", "conn=", connID, "err=", err)
			}
			continue
		}
		if _, err := writer.Write(encoded); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\n")); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleLine(line []byte) *response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		r := errResponse(nil, codeParseError, "parse_error", err.Error())
		return &r
	}
	if req.Method == "" {
		r := errResponse(req.ID, codeInvalidRequest, "invalid_request", "missing method")
		return &r
	}

	result, err := s.dispatcher.Dispatch(req.Method, req.Params)
	if err != nil {
		var ne *namedErr
		if errors.As(err, &ne) {
			r := errResponse(req.ID, ne.code, ne.reason, ne.message)
			return &r
		}
		r := errResponse(req.ID, codeInternal, "internal_error", err.Error())
		return &r
	}
	if req.ID == nil {
		// A request with no id is a notification; JSON-RPC 2.0 forbids a
		// reply to it even on success.
		return nil
	}
	r := okResponse(req.ID, result)
	return &r
}

// Shutdown closes the listener, every open connection, and unlinks the
// socket file so a restart does not trip the stale-socket path
// needlessly (spec 5's "the client-facing socket is unlinked" on
// SIGINT/SIGTERM).
func (s *Server) Shutdown() error {
	var err error
	s.shutdown.Do(func() {
		s.mu.Lock()
		ln := s.listener
		s.listener = nil
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if ln != nil {
			err = ln.Close()
		}
		for _, c := range conns {
			c.Close() //nolint:errcheck
		}
		if removeErr := os.Remove(s.socketPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			if err == nil {
				err = removeErr
			}
		}
	})
	return err
}

