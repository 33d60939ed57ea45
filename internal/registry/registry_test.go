package registry

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/protocol/frame"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/danmuck/silverline/internal/router"
	"github.com/danmuck/silverline/internal/testutil/testlog"
	"github.com/danmuck/silverline/internal/tools"
	"github.com/danmuck/silverline/internal/transport"
	"github.com/stretchr/testify/require"
)

var topics = bus.Topics{Realm: "realm"}

func testSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.WriteTimeout = 200 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

type message struct {
	topic   string
	payload []byte
}

type observer struct {
	mu  sync.Mutex
	got []message
}

func (o *observer) handler(topic string, payload []byte) {
	o.mu.Lock()
	o.got = append(o.got, message{topic: topic, payload: append([]byte(nil), payload...)})
	o.mu.Unlock()
}

func (o *observer) on(topic string) []message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []message
	for _, m := range o.got {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	broker  *bus.Memory
	remote  *bus.MemoryClient
	seen    *observer
	router  *router.Router
	reg     *Registry
	runtime *transport.Conn
}

// stallingBus holds every Unsubscribe until release is closed.
type stallingBus struct {
	bus.Bus
	entered chan string
	release chan struct{}
}

func (b *stallingBus) Unsubscribe(pattern string) error {
	select {
	case b.entered <- pattern:
	default:
	}
	<-b.release
	return b.Bus.Unsubscribe(pattern)
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	return newHarnessOn(t, capacity, nil)
}

// newHarnessOn builds a harness whose registry and router use wrap(mgr) when
// wrap is set.
func newHarnessOn(t *testing.T, capacity int, wrap func(bus.Bus) bus.Bus) *harness {
	t.Helper()
	testlog.Start(t)
	broker := bus.NewMemory()
	mgr := broker.Client("manager")
	remote := broker.Client("remote")
	seen := &observer{}
	require.NoError(t, remote.Subscribe("realm/#", seen.handler))

	var b bus.Bus = mgr
	if wrap != nil {
		b = wrap(mgr)
	}
	rtr := router.New(b, router.Config{Topics: topics})
	reg, err := New(Config{
		Index:       0,
		ID:          "rt-1",
		Name:        "linux-default",
		Type:        "linux/default",
		APIs:        []string{"wasm", "wasi"},
		Capacity:    capacity,
		Parent:      "mgr-1",
		ProfileKind: "benchmarking",
		Topics:      topics,
		Session:     testSession(),
	}, b, rtr)
	require.NoError(t, err)

	a, pb := net.Pipe()
	info := reg.AttachConn(transport.NewConn(a, "linux-default", testSession()))
	require.Equal(t, "rt-1", info.UUID)
	require.Equal(t, capacity, info.MaxModules)
	rt := transport.NewConn(pb, "fake-runtime", testSession())
	t.Cleanup(func() {
		_ = reg.Close()
		_ = rt.Close()
		_ = mgr.Close()
		_ = remote.Close()
	})
	return &harness{broker: broker, remote: remote, seen: seen, router: rtr, reg: reg, runtime: rt}
}

func (h *harness) nextFrame(t *testing.T) frame.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, ok, err := h.runtime.Read()
		require.NoError(t, err)
		if ok {
			return f
		}
	}
	t.Fatal("runtime received no frame")
	return frame.Frame{}
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.True(t, h.broker.Quiesce(time.Second))
}

func control(t *testing.T, idx int, sub byte, payload string) frame.Frame {
	t.Helper()
	f, err := frame.NewControl(idx, sub, []byte(payload))
	require.NoError(t, err)
	return f
}

func decodeEnvelope(t *testing.T, m message) session.Envelope {
	t.Helper()
	env, err := session.DecodeEnvelope(m.payload)
	require.NoError(t, err)
	return env
}

func TestCreateModuleUsesFirstFreeIndex(t *testing.T) {
	h := newHarness(t, 2)

	idx, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1", Name: "hello", File: "hello.wasm"})
	require.NoError(t, err)
	require.Zero(t, idx)
	f := h.nextFrame(t)
	require.Equal(t, byte(0x80), f.H1)
	require.Equal(t, frame.Create, f.H2)
	var sent session.ModuleSpec
	require.NoError(t, json.Unmarshal(f.Payload, &sent))
	require.Equal(t, "m1", sent.UUID)
	require.Equal(t, session.KindModule, sent.Type)
	require.NotNil(t, sent.Index)
	require.Zero(t, *sent.Index)

	idx, err = h.reg.CreateModule(session.ModuleSpec{UUID: "m2"})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, byte(0x81), h.nextFrame(t).H1)

	_, err = h.reg.CreateModule(session.ModuleSpec{UUID: "m3"})
	require.ErrorIs(t, err, ErrLimitExceeded)
	var modErr *ModuleError
	require.ErrorAs(t, err, &modErr)
	require.Equal(t, "m3", modErr.Module)
	require.Equal(t, "rt-1", modErr.Runtime)

	_, err = h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.ErrorIs(t, err, ErrModuleExists)
	require.Len(t, h.reg.Modules(), 2)
}

func TestExitedFreesIndexAndReportsExit(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	h.nextFrame(t)
	_, err = h.reg.CreateModule(session.ModuleSpec{UUID: "m2"})
	require.NoError(t, err)
	h.nextFrame(t)
	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.ChOpen, "\x01\x01realm/in")))

	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.Exited, `{"status":"exited"}`)))
	h.settle(t)
	require.Empty(t, h.router.Channels())

	got := h.seen.on("realm/proc/control/rt-1")
	require.Len(t, got, 1)
	env := decodeEnvelope(t, got[0])
	require.Equal(t, session.ActionExited, env.Action)
	require.Equal(t, session.TypeRequest, env.Type)
	var spec session.ModuleSpec
	require.NoError(t, env.DecodeData(&spec))
	require.Equal(t, "m1", spec.UUID)
	require.JSONEq(t, `{"status":"exited"}`, string(spec.Reason))

	idx, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m3"})
	require.NoError(t, err)
	require.Zero(t, idx)
}

func TestExitedLeavesRegistryUsableWhileUnsubscribing(t *testing.T) {
	stall := &stallingBus{entered: make(chan string, 1), release: make(chan struct{})}
	h := newHarnessOn(t, 2, func(b bus.Bus) bus.Bus {
		stall.Bus = b
		return stall
	})
	_, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	h.nextFrame(t)
	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.ChOpen, "\x01\x01realm/in")))

	exited := control(t, 0, frame.Exited, `{"status":"exited"}`)
	done := make(chan error, 1)
	go func() { done <- h.reg.OnRuntimeMessage(exited) }()
	select {
	case topic := <-stall.entered:
		require.Equal(t, "realm/in", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("exit never reached unsubscribe")
	}

	type created struct {
		idx int
		err error
	}
	createDone := make(chan created, 1)
	go func() {
		idx, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m2"})
		createDone <- created{idx: idx, err: err}
	}()
	f := h.nextFrame(t)
	require.Equal(t, frame.Create, f.H2)
	select {
	case c := <-createDone:
		require.NoError(t, c.err)
		require.Equal(t, 1, c.idx, "slot 0 stays taken until cleanup finishes")
	case <-time.After(2 * time.Second):
		t.Fatal("CreateModule blocked behind unsubscribe")
	}
	require.Len(t, h.reg.Modules(), 2)

	close(stall.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("exit did not finish after release")
	}
	h.settle(t)
	require.Len(t, h.seen.on("realm/proc/control/rt-1"), 1)
	mods := h.reg.Modules()
	require.Len(t, mods, 1)
	require.Equal(t, "m2", mods[0].UUID)
}

func TestDeleteModuleKeepsSlotUntilExited(t *testing.T) {
	h := newHarness(t, 0)
	require.ErrorIs(t, h.reg.DeleteModule("missing"), ErrModuleNotFound)

	_, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	h.nextFrame(t)

	require.NoError(t, h.reg.DeleteModule("m1"))
	f := h.nextFrame(t)
	require.Equal(t, byte(0x80), f.H1)
	require.Equal(t, frame.Delete, f.H2)
	require.Empty(t, f.Payload)
	require.Len(t, h.reg.Modules(), 1)

	require.NoError(t, h.reg.StopModule("m1"))
	require.Equal(t, frame.Stop, h.nextFrame(t).H2)
}

func TestChannelFramesBridgeToBus(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	h.nextFrame(t)

	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.ChOpen, "\x03\x01realm/sensor\x00\x00")))
	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.ChOpen, "\x04\x02realm/out")))
	require.Len(t, h.router.Channels(), 2)
	require.Equal(t, "realm/sensor", h.router.Channels()[0].Topic)

	require.NoError(t, h.remote.Publish("realm/sensor", []byte("21.5")))
	f := h.nextFrame(t)
	require.False(t, f.IsControl())
	require.Equal(t, byte(0), f.H1)
	require.Equal(t, byte(3), f.H2)
	require.Equal(t, "21.5", string(f.Payload))

	require.NoError(t, h.reg.OnRuntimeMessage(frame.Frame{H1: 0, H2: 4, Payload: []byte("out")}))
	h.settle(t)
	got := h.seen.on("realm/out")
	require.Len(t, got, 1)
	require.Equal(t, "out", string(got[0].payload))

	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.ChClose, "\x03")))
	require.Len(t, h.router.Channels(), 1)
	require.Error(t, h.reg.OnRuntimeMessage(control(t, 0, frame.ChOpen, "\x05\x02realm/+")))
}

func TestLogProfileAndKeepaliveTopics(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	h.nextFrame(t)

	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.LogRuntime, "runtime up")))
	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.LogModule, "module says hi")))
	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.Profile, "\x01\x02")))
	require.NoError(t, h.reg.OnRuntimeMessage(control(t, 0, frame.Keepalive, `{"cpu":0.5,"uuid":"spoofed"}`)))
	h.settle(t)

	require.Equal(t, "runtime up", string(h.seen.on("realm/proc/log/rt-1")[0].payload))
	require.Equal(t, "module says hi", string(h.seen.on("realm/proc/log/rt-1/m1")[0].payload))
	require.Len(t, h.seen.on("realm/proc/profile/benchmarking/rt-1/m1"), 1)

	ka := h.seen.on("realm/proc/keepalive/rt-1")
	require.Len(t, ka, 1)
	env := decodeEnvelope(t, ka[0])
	require.Equal(t, session.ActionUpdate, env.Action)
	var health map[string]any
	require.NoError(t, env.DecodeData(&health))
	require.Equal(t, "rt-1", health["uuid"])
	require.Equal(t, "runtime", health["type"])
	require.Equal(t, "linux-default", health["name"])
	require.InDelta(t, 0.5, health["cpu"], 1e-9)
	require.InDelta(t, 1, health["nmodules"], 1e-9)
}

func TestProtocolErrorsAreReported(t *testing.T) {
	h := newHarness(t, 0)
	require.ErrorIs(t, h.reg.OnRuntimeMessage(control(t, 5, frame.Exited, "")), ErrProtocol)
	require.ErrorIs(t, h.reg.OnRuntimeMessage(frame.Frame{H1: 7, H2: 0}), ErrProtocol)
	require.ErrorIs(t, h.reg.OnRuntimeMessage(control(t, 0, frame.Keepalive, "not json")), ErrProtocol)

	_, err := h.reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	h.nextFrame(t)
	require.ErrorIs(t, h.reg.OnRuntimeMessage(control(t, 0, 0x7f, "")), ErrProtocol)
}

func TestOnOrchestratorMessageClosedMatch(t *testing.T) {
	h := newHarness(t, 0)
	create, err := session.NewCommand(session.ActionCreate, session.ModuleSpec{Type: session.KindModule, UUID: "m1"})
	require.NoError(t, err)
	require.NoError(t, h.reg.OnOrchestratorMessage(create))
	require.Equal(t, frame.Create, h.nextFrame(t).H2)

	stop, err := session.NewCommand(session.ActionStop, session.ObjectRef{Type: session.KindModule, UUID: "m1"})
	require.NoError(t, err)
	require.NoError(t, h.reg.OnOrchestratorMessage(stop))
	require.Equal(t, frame.Stop, h.nextFrame(t).H2)

	del, err := session.NewCommand(session.ActionDelete, session.ObjectRef{Type: session.KindModule, UUID: "m1"})
	require.NoError(t, err)
	require.NoError(t, h.reg.OnOrchestratorMessage(del))
	require.Equal(t, frame.Delete, h.nextFrame(t).H2)

	wrongKind, err := session.NewCommand(session.ActionCreate, session.ObjectRef{Type: session.KindRuntime, UUID: "x"})
	require.NoError(t, err)
	require.ErrorIs(t, h.reg.OnOrchestratorMessage(wrongKind), ErrInvalidMessage)

	unknown, err := session.NewCommand("reboot", session.ObjectRef{Type: session.KindModule, UUID: "m1"})
	require.NoError(t, err)
	require.ErrorIs(t, h.reg.OnOrchestratorMessage(unknown), ErrInvalidMessage)

	noUUID, err := session.NewCommand(session.ActionDelete, session.ObjectRef{Type: session.KindModule})
	require.NoError(t, err)
	require.ErrorIs(t, h.reg.OnOrchestratorMessage(noUUID), ErrInvalidMessage)
}

func TestRunDispatchesUntilClosed(t *testing.T) {
	h := newHarness(t, 0)
	done := make(chan error, 1)
	go func() { done <- h.reg.Run(context.Background()) }()

	require.NoError(t, h.runtime.Write(control(t, 0, frame.LogRuntime, "booted")))
	require.NoError(t, h.runtime.Write(control(t, 3, frame.Exited, "")))
	require.Eventually(t, func() bool {
		return len(h.seen.on("realm/proc/log/rt-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.reg.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reg.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeProcess struct {
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func (p *fakeProcess) Pid() int              { return 4242 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) Stop(time.Duration) error {
	p.stopped.Store(true)
	p.once.Do(func() { close(p.done) })
	return nil
}

// dialLauncher plays the runtime process: it connects back to the socket
// named by its index argument.
type dialLauncher struct {
	baseDir string
	name    string
	args    []string
	proc    *fakeProcess
	conns   chan *transport.Conn
}

func (l *dialLauncher) Launch(name string, args ...string) (tools.Process, error) {
	l.name = name
	l.args = args
	l.proc = &fakeProcess{done: make(chan struct{})}
	go func() {
		path := transport.SocketPath(l.baseDir, 3)
		c, err := transport.Dial(context.Background(), path, "fake-runtime", testSession())
		if err != nil {
			close(l.conns)
			return
		}
		l.conns <- c
	}()
	return l.proc, nil
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestStartLaunchesRuntimeAndAccepts(t *testing.T) {
	testlog.Start(t)
	broker := bus.NewMemory()
	mgr := broker.Client("manager")
	defer mgr.Close()
	launcher := &dialLauncher{baseDir: shortTempDir(t), conns: make(chan *transport.Conn, 1)}

	reg, err := New(Config{
		Index:    3,
		ID:       "rt-3",
		Command:  "./runtime",
		Args:     []string{"--verbose"},
		BaseDir:  launcher.baseDir,
		Topics:   topics,
		Session:  testSession(),
		Launcher: launcher,
	}, mgr, router.New(mgr, router.Config{Topics: topics}))
	require.NoError(t, err)

	info, err := reg.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rt-3", info.UUID)
	require.Equal(t, "rt-3", info.Name)
	require.Equal(t, session.KindRuntime, info.Type)
	require.Equal(t, "./runtime", launcher.name)
	require.Equal(t, []string{"--verbose", "3"}, launcher.args)

	rt, ok := <-launcher.conns
	require.True(t, ok)
	defer rt.Close()

	_, err = reg.CreateModule(session.ModuleSpec{UUID: "m1"})
	require.NoError(t, err)
	var f frame.Frame
	require.Eventually(t, func() bool {
		got, ok, err := rt.Read()
		f = got
		return err == nil && ok
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, byte(0x80), f.H1)

	require.NoError(t, reg.Close())
	require.True(t, launcher.proc.stopped.Load())
	_, err = os.Stat(transport.SocketPath(launcher.baseDir, 3))
	require.True(t, os.IsNotExist(err))
}

func TestStartHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	broker := bus.NewMemory()
	mgr := broker.Client("manager")
	defer mgr.Close()
	cfg := testSession()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	reg, err := New(Config{Index: 1, ID: "rt", BaseDir: shortTempDir(t), Topics: topics, Session: cfg},
		mgr, router.New(mgr, router.Config{Topics: topics}))
	require.NoError(t, err)

	_, err = reg.Start(context.Background())
	require.ErrorIs(t, err, transport.ErrHandshakeTimeout)
	require.True(t, strings.Contains(err.Error(), "rt"))
	require.ErrorIs(t, reg.Run(context.Background()), ErrNotStarted)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ID: "x", Index: 128}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Index: 0}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{ID: "x", Capacity: 129}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
