package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/silverline/internal/protocol/frame"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/danmuck/silverline/internal/testutil/testlog"
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.WriteTimeout = 20 * time.Millisecond
	cfg.WriteRetries = 2
	cfg.HandshakeTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sl")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestSocketPath(t *testing.T) {
	if got := SocketPath("/tmp/sl", 10); got != "/tmp/sl/0a.s" {
		t.Fatalf("socket path=%q", got)
	}
}

func TestListenAcceptDialRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	path := SocketPath(shortTempDir(t), 1)
	ln, err := Listen(path, "rt-1", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		conn *Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := ln.Accept(context.Background())
		accepted <- result{c, err}
	}()

	client, err := Dial(context.Background(), path, "rt-1", cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	server := res.conn
	defer server.Close()

	out := frame.Frame{H1: 0x80 | 3, H2: frame.Create, Payload: []byte(`{"uuid":"m"}`)}
	if err := server.Write(out); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got, ok, err := client.Read()
	if err != nil || !ok {
		t.Fatalf("client read ok=%v err=%v", ok, err)
	}
	if got.H1 != out.H1 || got.H2 != out.H2 || !bytes.Equal(got.Payload, out.Payload) {
		t.Fatalf("frame mismatch: %s", got)
	}

	if err := client.Write(frame.Frame{H1: 0x80 | 3, H2: frame.Exited}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got, ok, err = server.Read()
	if err != nil || !ok || got.H2 != frame.Exited || len(got.Payload) != 0 {
		t.Fatalf("server read %s ok=%v err=%v", got, ok, err)
	}
}

func TestAcceptHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	ln, err := Listen(SocketPath(shortTempDir(t), 2), "rt-2", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestReadTimeoutIsNotAnError(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConn(a, "rt", testConfig())
	defer conn.Close()

	_, ok, err := conn.Read()
	if ok || err != nil {
		t.Fatalf("expected no data, got ok=%v err=%v", ok, err)
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ReadTimeout = 10 * time.Second
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConn(a, "rt", cfg)

	done := make(chan error, 1)
	go func() {
		_, _, err := conn.Read()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = conn.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not unblock after close")
	}
}

func TestPeerCloseSurfacesErrClosed(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	conn := NewConn(a, "rt", testConfig())
	defer conn.Close()
	_ = b.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := conn.Read()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed, got %v", err)
			}
			return
		}
		if ok {
			t.Fatalf("unexpected frame")
		}
	}
	t.Fatalf("peer close never surfaced")
}

func TestWriteDropsAfterRetries(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConn(a, "rt", testConfig())
	defer conn.Close()

	start := time.Now()
	if err := conn.Write(frame.Frame{H1: 1, H2: 1, Payload: []byte("lost")}); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("write returned before exhausting retries")
	}
}

func TestWritePartialFrameClosesStream(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConn(a, "rt", testConfig())
	defer conn.Close()

	head := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 3)
		n, _ := io.ReadFull(b, buf)
		head <- buf[:n]
	}()

	err := conn.Write(frame.Frame{H1: 0x80, H2: frame.Create, Payload: []byte(`{"uuid":"m1"}`)})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after partial write, got %v", err)
	}
	if got := <-head; len(got) != 3 {
		t.Fatalf("peer read %d bytes", len(got))
	}

	if err := conn.Write(frame.Frame{H1: 5, H2: 7, Payload: []byte(`["second"]`)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected later writes to fail with ErrClosed, got %v", err)
	}
	if _, _, err := conn.Read(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected reader to see ErrClosed, got %v", err)
	}
	_ = b.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := b.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected peer to see EOF, got %v", err)
	}
}

func TestWriteWithoutRetriesMakesOneAttempt(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	cfg := testConfig()
	cfg.WriteRetries = session.NoWriteRetries
	conn := NewConn(a, "rt", cfg)
	defer conn.Close()

	start := time.Now()
	if err := conn.Write(frame.Frame{H1: 1, H2: 1, Payload: []byte("lost")}); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 40*time.Millisecond {
		t.Fatalf("write retried without retries configured: %v", elapsed)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConn(a, "rt", testConfig())
	defer conn.Close()
	err := conn.Write(frame.Frame{Payload: make([]byte, frame.MaxPayloadLen+1)})
	if !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
