package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// TestHelperProcess is not a real test. It is re-executed as the child
// process by the stdio tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TOOLWEAVE_TRANSPORT_HELPER") != "1" {
		return
	}
	in := bufio.NewScanner(os.Stdin)
	switch os.Getenv("TOOLWEAVE_HELPER_MODE") {
	case "echo":
		for in.Scan() {
			fmt.Fprintln(os.Stdout, in.Text())
		}
	case "exit-after-one":
		if in.Scan() {
			fmt.Fprintln(os.Stdout, in.Text())
		}
		os.Exit(3)
	case "silent":
		for in.Scan() {
		}
	case "ignore-stdin":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helperServer(mode string) mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:        "helper",
		Transport: mcp.TransportStdio,
		Command:   os.Args[0],
		Args:      []string{"-test.run=^TestHelperProcess$"},
		Env: map[string]string{
			"TOOLWEAVE_TRANSPORT_HELPER": "1",
			"TOOLWEAVE_HELPER_MODE":      mode,
		},
	}
}

func openHelper(t *testing.T, mode string) Connector {
	t.Helper()
	c, err := Open(context.Background(), helperServer(mode))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStdio_EchoRoundTrip(t *testing.T) {
	t.Parallel()

	c := openHelper(t, "echo")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := range 3 {
		msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i)
		if err := c.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(got) != msg {
			t.Errorf("got %s, want %s", got, msg)
		}
	}
}

func TestStdio_ReceiveTimeout(t *testing.T) {
	t.Parallel()

	c := openHelper(t, "silent")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Receive(ctx); !errors.Is(err, mcp.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestStdio_ProcessExitIsTransportClosed(t *testing.T) {
	t.Parallel()

	c := openHelper(t, "exit-after-one")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Send(ctx, []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The echoed line written before exit is still delivered.
	if _, err := c.Receive(ctx); err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	if _, err := c.Receive(ctx); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Fatalf("second Receive err = %v, want ErrTransportClosed", err)
	}
	if err := c.Send(ctx, []byte(`{"id":2}`)); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("Send after exit err = %v, want ErrTransportClosed", err)
	}
}

func TestStdio_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := openHelper(t, "echo")
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Receive(context.Background()); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("Receive after Close err = %v, want ErrTransportClosed", err)
	}
}

func TestStdio_CloseKillsUnresponsiveChild(t *testing.T) {
	t.Parallel()

	c := openHelper(t, "ignore-stdin")
	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Close took %v, want bounded by the kill grace period", elapsed)
	}
}

func TestStdio_SendBoundedWhenChildStopsReading(t *testing.T) {
	t.Parallel()

	c := openHelper(t, "ignore-stdin")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Far larger than a pipe buffer, so the write cannot complete.
	msg := make([]byte, 1<<20)
	for i := range msg {
		msg[i] = 'x'
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Send(ctx, msg) }()

	select {
	case err := <-errc:
		if !errors.Is(err, mcp.ErrTransportClosed) {
			t.Fatalf("err = %v, want ErrTransportClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send still blocked long after its deadline")
	}

	if err := c.Send(context.Background(), []byte(`{"id":2}`)); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("Send after abandoned write err = %v, want ErrTransportClosed", err)
	}
}

func TestReadLine_Limit(t *testing.T) {
	t.Parallel()

	in := "short\n" + strings.Repeat("y", 100) + "\nnext\ntail"
	r := bufio.NewReaderSize(strings.NewReader(in), 16)

	tests := []struct {
		want    string
		wantErr error
	}{
		{want: "short\n"},
		{wantErr: errLineTooLong},
		{want: "next\n"},
		{want: "tail", wantErr: io.EOF},
	}
	for i, tt := range tests {
		got, err := readLine(r, 32)
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("line %d: err = %v, want %v", i, err, tt.wantErr)
		}
		if string(got) != tt.want {
			t.Errorf("line %d: got %q, want %q", i, got, tt.want)
		}
	}
}
