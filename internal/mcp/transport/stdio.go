package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// closeGrace is how long Close waits for the child to exit after its stdin
// is closed before killing it.
const closeGrace = 2 * time.Second

// Stdio is a [Connector] over a child process's standard streams.
//
// The connector exclusively owns the process handle. Termination, whether by
// Close or by the child exiting, is observed exactly once by the read loop.
type Stdio struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	// writes feeds writeLoop, the only goroutine that touches stdin.
	writes chan writeReq

	inbox chan []byte

	// done is closed when the child's stdout reaches EOF and the process has
	// been reaped. exitErr is written before done is closed.
	done    chan struct{}
	exitErr error

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

var _ Connector = (*Stdio)(nil)

type writeReq struct {
	line []byte
	done chan error
}

func openStdio(_ context.Context, cfg mcp.ServerConfig) (*Stdio, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: server %q: empty command", mcp.ErrConnectFailed, cfg.ID)
	}

	// The process outlives the context used to open it, so it is not bound
	// to ctx via exec.CommandContext.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &stderrLog{server: cfg.ID}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: server %q: stdin pipe: %v", mcp.ErrConnectFailed, cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: server %q: stdout pipe: %v", mcp.ErrConnectFailed, cfg.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: server %q: start %q: %v", mcp.ErrConnectFailed, cfg.ID, cfg.Command, err)
	}

	s := &Stdio{
		server: cfg.ID,
		cmd:    cmd,
		stdin:  stdin,
		writes: make(chan writeReq),
		inbox:  make(chan []byte, inboxSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.readLoop(stdout)
	go s.writeLoop()

	slog.Debug("stdio server started", "server", cfg.ID, "pid", cmd.Process.Pid)
	return s, nil
}

// readLoop splits stdout into lines and delivers each non-empty line to the
// inbox. It reaps the process once stdout is exhausted.
func (s *Stdio) readLoop(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		line, err := readLine(r, maxMessageSize)
		if errors.Is(err, errLineTooLong) {
			slog.Warn("dropping oversized line from stdio server", "server", s.server, "limit", maxMessageSize)
			continue
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case s.inbox <- line:
			case <-s.closed:
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := s.cmd.Wait()
	select {
	case <-s.closed:
		s.exitErr = fmt.Errorf("%w: server %q closed", mcp.ErrTransportClosed, s.server)
	default:
		if waitErr == nil {
			waitErr = errors.New("exited")
		}
		s.exitErr = fmt.Errorf("%w: server %q: %v", mcp.ErrTransportClosed, s.server, waitErr)
		slog.Warn("stdio server exited", "server", s.server, "err", waitErr)
	}
	close(s.done)
}

// writeLoop performs writes to stdin one at a time until the connector is
// closed or the child exits.
func (s *Stdio) writeLoop() {
	for {
		select {
		case w := <-s.writes:
			_, err := s.stdin.Write(w.line)
			w.done <- err
		case <-s.closed:
			return
		case <-s.done:
			return
		}
	}
}

// Send writes msg followed by a newline to the child's stdin. If ctx ends
// while the line is only partly written, the stream framing is lost: the
// connector closes itself and reports [mcp.ErrTransportClosed].
func (s *Stdio) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return s.exitErr
	case <-s.closed:
		return fmt.Errorf("%w: server %q closed", mcp.ErrTransportClosed, s.server)
	case <-ctx.Done():
		return ctxErr(ctx)
	default:
	}

	line := make([]byte, 0, len(msg)+1)
	line = append(line, msg...)
	line = append(line, '\n')
	w := writeReq{line: line, done: make(chan error, 1)}

	select {
	case s.writes <- w:
	case <-s.done:
		return s.exitErr
	case <-s.closed:
		return fmt.Errorf("%w: server %q closed", mcp.ErrTransportClosed, s.server)
	case <-ctx.Done():
		return ctxErr(ctx)
	}

	select {
	case err := <-w.done:
		if err != nil {
			return fmt.Errorf("%w: server %q: write: %v", mcp.ErrTransportClosed, s.server, err)
		}
		return nil
	case <-s.done:
		return s.exitErr
	case <-ctx.Done():
		slog.Warn("stdio write abandoned, closing server", "server", s.server, "bytes", len(line))
		go func() { _ = s.Close() }()
		return fmt.Errorf("%w: server %q: write abandoned: %w", mcp.ErrTransportClosed, s.server, ctxErr(ctx))
	}
}

// Receive returns the next line written by the child.
func (s *Stdio) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.done:
		// Lines read before EOF are still delivered.
		select {
		case msg := <-s.inbox:
			return msg, nil
		default:
			return nil, s.exitErr
		}
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Close closes the child's stdin, waits briefly for it to exit and kills it
// otherwise. Only the first call has an effect.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.stdin.Close()

		select {
		case <-s.done:
			return
		case <-time.After(closeGrace):
		}

		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.closeErr = fmt.Errorf("transport: kill server %q: %w", s.server, err)
		}
		<-s.done
	})
	return s.closeErr
}

// stderrLog forwards the child's stderr to the debug log.
type stderrLog struct {
	server string
}

func (w *stderrLog) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			slog.Debug("stdio server stderr", "server", w.server, "line", string(line))
		}
	}
	return len(p), nil
}
