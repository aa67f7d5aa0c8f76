// Package transport implements the connectors that own one live connection to
// one tool server.
//
// Two variants exist:
//
//   - [Stdio] spawns the configured command and exchanges one JSON message per
//     line over the child's stdin/stdout.
//   - [HTTP] POSTs each message to an endpoint and accepts either a JSON body
//     or a Server-Sent-Events stream in reply.
//
// Both satisfy [Connector]. Receive honours the caller's context: when its
// deadline passes, [mcp.ErrTimeout] is returned and the request is considered
// still possibly in flight.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// Connector is one live connection to one tool server.
type Connector interface {
	// Send writes one encoded JSON-RPC message.
	Send(ctx context.Context, msg []byte) error

	// Receive returns the next inbound message. It returns
	// [mcp.ErrTransportClosed] once the connection is gone and [mcp.ErrTimeout]
	// when ctx's deadline passes first.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

const (
	// inboxSize bounds the number of decoded-but-unread inbound messages.
	inboxSize = 64

	// maxMessageSize bounds a single inbound message: a JSON body, an event
	// stream line or a stdio line.
	maxMessageSize = 16 << 20
)

var errLineTooLong = errors.New("transport: line too long")

// options holds settings shared by all connectors.
type options struct {
	httpClient *http.Client
}

// Option is a functional option for [Open].
type Option func(*options)

// WithHTTPClient sets the client used by the HTTP connector. The default is a
// client without an overall timeout; per-request bounds come from contexts.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// Open creates the connector selected by cfg.Transport. Failures are reported
// as [mcp.ErrConnectFailed].
func Open(ctx context.Context, cfg mcp.ServerConfig, opts ...Option) (Connector, error) {
	o := options{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}
	switch cfg.Transport {
	case mcp.TransportStdio:
		return openStdio(ctx, cfg)
	case mcp.TransportHTTP:
		return newHTTP(cfg, o.httpClient)
	default:
		return nil, fmt.Errorf("%w: server %q: unknown transport %q", mcp.ErrConnectFailed, cfg.ID, cfg.Transport)
	}
}

// ctxErr translates a finished context into the connector error taxonomy.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", mcp.ErrTimeout, err)
	}
	return err
}

// readLine reads up to and including the next newline. A line longer than
// limit is consumed and discarded, and errLineTooLong is returned so the
// caller stays aligned on the next line.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, errLineTooLong
		}
		return line, err
	}
}
