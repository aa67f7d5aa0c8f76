package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/jsonrpc"
)

// lastResponse reads an event stream until a response (result or error) for
// id has arrived and returns its data. Servers may keep the stream open after
// answering, so reading stops once a matching event was seen and no further
// complete line is already buffered. Buffered events may repeat or refine the
// response; the last one wins. Events for other IDs and server notifications
// are skipped. A data payload that is not a JSON object, or a line longer than
// maxMessageSize, is an [mcp.ErrProtocol].
func lastResponse(r io.Reader, id int64) ([]byte, error) {
	var (
		last []byte
		data bytes.Buffer
		br   = bufio.NewReader(r)
	)

	dispatch := func() error {
		if data.Len() == 0 {
			return nil
		}
		payload := bytes.Clone(data.Bytes())
		data.Reset()

		msg, err := jsonrpc.Decode(payload)
		if err != nil {
			return fmt.Errorf("event stream frame: %w", err)
		}
		if !msg.IsResponse() {
			slog.Debug("skipping event stream message", "method", msg.Method)
			return nil
		}
		if got, ok := msg.IntID(); ok && got == id {
			last = payload
		}
		return nil
	}

	for {
		if last != nil && !lineBuffered(br) {
			return last, nil
		}

		line, err := readLine(br, maxMessageSize)
		if errors.Is(err, errLineTooLong) {
			return nil, fmt.Errorf("%w: event stream line exceeds %d bytes", mcp.ErrProtocol, maxMessageSize)
		}
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if derr := dispatch(); derr != nil {
					return nil, derr
				}
			case line[0] == ':':
				// Comment / keep-alive.
			default:
				field, value, _ := bytes.Cut(line, []byte(":"))
				if string(field) == "data" {
					value = bytes.TrimPrefix(value, []byte(" "))
					if data.Len() > 0 {
						data.WriteByte('\n')
					}
					data.Write(value)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if last != nil {
					return last, nil
				}
				return nil, fmt.Errorf("%w: read event stream: %v", mcp.ErrProtocol, err)
			}
			break
		}
	}

	// A final event without its terminating blank line is still accepted.
	if err := dispatch(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w: event stream ended without a response for request %d", mcp.ErrProtocol, id)
	}
	return last, nil
}

// lineBuffered reports whether br holds a complete line that can be read
// without blocking.
func lineBuffered(br *bufio.Reader) bool {
	buf, _ := br.Peek(br.Buffered())
	return bytes.IndexByte(buf, '\n') >= 0
}
