package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/silverline/internal/observability"
	"github.com/danmuck/silverline/internal/protocol/frame"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed           = errors.New("transport: connection closed")
	ErrHandshakeTimeout = errors.New("transport: handshake timeout")
)

// SocketPath returns the endpoint for runtime index under baseDir.
func SocketPath(baseDir string, index int) string {
	return filepath.Join(baseDir, fmt.Sprintf("%02x.s", index))
}

// Listener is the server role of one runtime endpoint.
type Listener struct {
	ln   *net.UnixListener
	path string
	cfg  session.Config
	name string
}

// Listen binds the AF_UNIX endpoint at path, replacing a stale socket file.
func Listen(path string, name string, cfg session.Config) (*Listener, error) {
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	ln.SetUnlinkOnClose(true)
	return &Listener{ln: ln, path: path, cfg: cfg, name: name}, nil
}

func (l *Listener) Path() string {
	return l.path
}

// Accept waits for the runtime to connect, bounded by HandshakeTimeout and ctx.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.ln.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer stop()

	c, err := l.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: path=%s", ErrHandshakeTimeout, l.path)
		}
		return nil, err
	}
	log.Debug().Str("runtime", l.name).Str("path", l.path).Msg("transport.Listener.Accept connected")
	return newConn(c, l.name, l.cfg), nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects the client role to path, retrying with backoff until
// ConnectTimeout elapses or ctx is done.
func Dial(ctx context.Context, path string, name string, cfg session.Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{}
	for attempt := 1; ; attempt++ {
		c, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return newConn(c, name, cfg), nil
		}
		log.Debug().Str("path", path).Int("attempt", attempt).Err(err).Msg("transport.Dial retry")
		timer := time.NewTimer(session.NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("transport: dial %s: %w", path, err)
		case <-timer.C:
		}
	}
}

// Conn is one framed duplex stream. A single reader goroutine decodes frames
// so a read timeout never splits a frame.
type Conn struct {
	conn net.Conn
	name string
	cfg  session.Config

	frames  chan frame.Frame
	readErr error
	done    chan struct{}
	once    sync.Once

	wmu sync.Mutex
}

// NewConn wraps an established stream, e.g. one end of net.Pipe in tests.
func NewConn(c net.Conn, name string, cfg session.Config) *Conn {
	return newConn(c, name, cfg.WithDefaults())
}

func newConn(c net.Conn, name string, cfg session.Config) *Conn {
	conn := &Conn{
		conn:   c,
		name:   name,
		cfg:    cfg,
		frames: make(chan frame.Frame, 16),
		done:   make(chan struct{}),
	}
	go conn.readLoop()
	return conn
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		f, err := frame.ReadFrame(c.conn)
		if err != nil {
			c.readErr = err
			return
		}
		observability.RecordFrame(c.name, "in", f.IsControl())
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// Read returns the next frame, or ok=false with a nil error when nothing
// arrived within ReadTimeout.
func (c *Conn) Read() (frame.Frame, bool, error) {
	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-c.frames:
		if !ok {
			return frame.Frame{}, false, c.terminalError()
		}
		return f, true, nil
	case <-timer.C:
		return frame.Frame{}, false, nil
	case <-c.done:
		return frame.Frame{}, false, ErrClosed
	}
}

func (c *Conn) terminalError() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	err := c.readErr
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}

// Write sends f, retrying timed-out writes up to WriteRetries times. A frame
// that still cannot be sent is logged and dropped when none of it reached the
// peer. A partially sent frame would desynchronize the stream, so the Conn is
// closed instead and ErrClosed is returned.
func (c *Conn) Write(f frame.Frame) error {
	buf, err := frame.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for attempt := 0; attempt <= max(c.cfg.WriteRetries, 0); attempt++ {
		select {
		case <-c.done:
			return ErrClosed
		default:
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		n, err := c.conn.Write(buf[written:])
		written += n
		if err == nil {
			observability.RecordFrame(c.name, "out", f.IsControl())
			return nil
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return ErrClosed
			}
			return err
		}
		log.Debug().Str("runtime", c.name).Str("frame", f.String()).Int("attempt", attempt+1).Msg("transport.Conn.Write timeout")
	}
	if written > 0 {
		observability.RecordFrameDropped(c.name, "partial_write")
		log.Error().Str("runtime", c.name).Str("frame", f.String()).Int("written", written).Int("size", len(buf)).Msg("transport.Conn.Write partial frame; closing stream")
		_ = c.Close()
		return fmt.Errorf("%w: partial frame %s after %d of %d bytes", ErrClosed, f, written, len(buf))
	}
	observability.RecordFrameDropped(c.name, "write_timeout")
	log.Warn().Str("runtime", c.name).Str("frame", f.String()).Msg("transport.Conn.Write dropped after retries")
	return nil
}

// Close shuts the stream and unblocks a pending Read.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
