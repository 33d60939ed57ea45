// Package registry owns one runtime process on a node: its transport, its
// hosted module slots, and the translation between runtime frames and bus
// traffic.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/observability"
	"github.com/danmuck/silverline/internal/protocol/frame"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/danmuck/silverline/internal/router"
	"github.com/danmuck/silverline/internal/tools"
	"github.com/danmuck/silverline/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseDir     = "/tmp/sl"
	DefaultProfileKind = "default"
	DefaultStopGrace   = 2 * time.Second
)

// Conn is the framed runtime stream. *transport.Conn implements it.
type Conn interface {
	Read() (frame.Frame, bool, error)
	Write(f frame.Frame) error
	Close() error
}

// Config describes one runtime hosted by the manager.
type Config struct {
	Index       int
	ID          string
	Name        string
	Type        string
	APIs        []string
	Capacity    int
	Parent      string
	ProfileKind string
	Metadata    json.RawMessage
	Platform    json.RawMessage

	// Command launches the runtime as "{Command} {Args...} {Index}". Empty
	// means the runtime is started externally and only connects.
	Command   string
	Args      []string
	BaseDir   string
	StopGrace time.Duration

	Topics   bus.Topics
	Session  session.Config
	Launcher tools.Launcher
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseDir) == "" {
		c.BaseDir = DefaultBaseDir
	}
	if strings.TrimSpace(c.ProfileKind) == "" {
		c.ProfileKind = DefaultProfileKind
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Launcher == nil {
		c.Launcher = tools.ExecLauncher{}
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) validate() error {
	if c.Index < 0 || c.Index >= frame.MaxModules {
		return fmt.Errorf("%w: index=%d", ErrInvalidConfig, c.Index)
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if c.Capacity < 0 || c.Capacity > frame.MaxModules {
		return fmt.Errorf("%w: capacity=%d", ErrInvalidConfig, c.Capacity)
	}
	return nil
}

// slots is the number of module indexes the runtime can address.
func (c Config) slots() int {
	if c.Capacity == 0 {
		return frame.MaxModules
	}
	return c.Capacity
}

// Registry mirrors the modules alive on one runtime. r.mu is never held
// across router calls.
type Registry struct {
	cfg    Config
	bus    bus.Bus
	router *router.Router

	mu      sync.Mutex
	conn    Conn
	proc    tools.Process
	modules []*session.ModuleSpec
	byID    map[string]int
	closed  bool
}

func New(cfg Config, b bus.Bus, r *router.Router) (*Registry, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.ID
	}
	return &Registry{
		cfg:     cfg,
		bus:     b,
		router:  r,
		modules: make([]*session.ModuleSpec, cfg.slots()),
		byID:    make(map[string]int),
	}, nil
}

func (r *Registry) ID() string   { return r.cfg.ID }
func (r *Registry) Name() string { return r.cfg.Name }
func (r *Registry) Index() int   { return r.cfg.Index }

// Info is the runtime registration payload.
func (r *Registry) Info() session.RuntimeInfo {
	return session.RuntimeInfo{
		Type:        session.KindRuntime,
		UUID:        r.cfg.ID,
		Name:        r.cfg.Name,
		RuntimeType: r.cfg.Type,
		APIs:        append([]string(nil), r.cfg.APIs...),
		MaxModules:  r.cfg.Capacity,
		Parent:      r.cfg.Parent,
		Metadata:    r.cfg.Metadata,
		Platform:    r.cfg.Platform,
	}
}

// Start binds the runtime endpoint, launches the runtime process when a
// command is configured, and waits for it to connect.
func (r *Registry) Start(ctx context.Context) (session.RuntimeInfo, error) {
	path := transport.SocketPath(r.cfg.BaseDir, r.cfg.Index)
	ln, err := transport.Listen(path, r.cfg.Name, r.cfg.Session)
	if err != nil {
		return session.RuntimeInfo{}, fmt.Errorf("registry: listen %s: %w", path, err)
	}
	defer ln.Close()

	var proc tools.Process
	if strings.TrimSpace(r.cfg.Command) != "" {
		args := append(append([]string(nil), r.cfg.Args...), strconv.Itoa(r.cfg.Index))
		proc, err = r.cfg.Launcher.Launch(r.cfg.Command, args...)
		if err != nil {
			return session.RuntimeInfo{}, err
		}
	}

	conn, err := ln.Accept(ctx)
	if err != nil {
		if proc != nil {
			_ = proc.Stop(r.cfg.StopGrace)
		}
		return session.RuntimeInfo{}, fmt.Errorf("registry: runtime %s: %w", r.cfg.Name, err)
	}
	r.mu.Lock()
	r.proc = proc
	r.mu.Unlock()
	log.Info().Str("runtime", r.cfg.Name).Str("id", r.cfg.ID).Str("path", path).Msg("registry.Registry.Start connected")
	return r.AttachConn(conn), nil
}

// AttachConn binds an already connected runtime stream.
func (r *Registry) AttachConn(conn Conn) session.RuntimeInfo {
	r.mu.Lock()
	r.conn = conn
	r.closed = false
	r.mu.Unlock()
	r.router.Attach(r.cfg.Index, conn)
	return r.Info()
}

// CreateModule takes the first free slot and sends CREATE to the runtime.
func (r *Registry) CreateModule(spec session.ModuleSpec) (int, error) {
	if err := spec.Validate(); err != nil {
		return -1, &ModuleError{Runtime: r.cfg.ID, Module: spec.UUID, Index: -1, Err: err}
	}
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return -1, &ModuleError{Runtime: r.cfg.ID, Module: spec.UUID, Index: -1, Err: ErrNotStarted}
	}
	if idx, ok := r.byID[spec.UUID]; ok {
		r.mu.Unlock()
		return -1, &ModuleError{Runtime: r.cfg.ID, Module: spec.UUID, Index: idx, Err: ErrModuleExists}
	}
	idx := -1
	for i, m := range r.modules {
		if m == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return -1, &ModuleError{Runtime: r.cfg.ID, Module: spec.UUID, Index: -1, Err: fmt.Errorf("%w: max=%d", ErrLimitExceeded, len(r.modules))}
	}
	spec.Type = session.KindModule
	spec.Index = &idx
	stored := spec
	r.modules[idx] = &stored
	r.byID[spec.UUID] = idx
	alive := len(r.byID)
	r.mu.Unlock()

	observability.SetModulesAlive(r.cfg.Name, alive)
	payload, err := json.Marshal(spec)
	if err != nil {
		r.release(idx)
		return -1, &ModuleError{Runtime: r.cfg.ID, Module: spec.UUID, Index: idx, Err: err}
	}
	if err := r.sendControl(conn, idx, frame.Create, payload); err != nil {
		r.release(idx)
		return -1, &ModuleError{Runtime: r.cfg.ID, Module: spec.UUID, Index: idx, Err: err}
	}
	log.Info().Str("runtime", r.cfg.Name).Str("module", spec.UUID).Int("index", idx).Msg("registry.Registry.CreateModule")
	return idx, nil
}

// DeleteModule asks the runtime to remove a module. The slot stays taken
// until the runtime reports EXITED.
func (r *Registry) DeleteModule(id string) error {
	return r.signalModule("Delete", id, frame.Delete)
}

// StopModule asks the runtime to stop a module without removing it.
func (r *Registry) StopModule(id string) error {
	return r.signalModule("Stop", id, frame.Stop)
}

func (r *Registry) signalModule(op, id string, sub byte) error {
	r.mu.Lock()
	conn := r.conn
	idx, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return &ModuleError{Runtime: r.cfg.ID, Module: id, Index: -1, Err: ErrModuleNotFound}
	}
	if conn == nil {
		return &ModuleError{Runtime: r.cfg.ID, Module: id, Index: idx, Err: ErrNotStarted}
	}
	if err := r.sendControl(conn, idx, sub, nil); err != nil {
		return &ModuleError{Runtime: r.cfg.ID, Module: id, Index: idx, Err: err}
	}
	log.Info().Str("runtime", r.cfg.Name).Str("module", id).Int("index", idx).Msg("registry.Registry." + op + "Module")
	return nil
}

func (r *Registry) sendControl(conn Conn, idx int, sub byte, payload []byte) error {
	f, err := frame.NewControl(idx, sub, payload)
	if err != nil {
		return err
	}
	return conn.Write(f)
}

func (r *Registry) release(idx int) {
	r.mu.Lock()
	if m := r.modules[idx]; m != nil {
		delete(r.byID, m.UUID)
		r.modules[idx] = nil
	}
	alive := len(r.byID)
	r.mu.Unlock()
	observability.SetModulesAlive(r.cfg.Name, alive)
}

// Modules returns the hosted modules ordered by index.
func (r *Registry) Modules() []session.ModuleSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.ModuleSpec, 0, len(r.byID))
	for _, m := range r.modules {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// lookup returns the module id hosted at idx.
func (r *Registry) lookup(idx int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.modules) || r.modules[idx] == nil {
		return "", false
	}
	return r.modules[idx].UUID, true
}

// OnOrchestratorMessage applies a command from the control topic.
func (r *Registry) OnOrchestratorMessage(env session.Envelope) error {
	kind := env.DataType()
	switch {
	case env.Action == session.ActionCreate && kind == session.KindModule:
		var spec session.ModuleSpec
		if err := env.DecodeData(&spec); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		_, err := r.CreateModule(spec)
		return err
	case env.Action == session.ActionDelete && kind == session.KindModule:
		ref, err := decodeRef(env)
		if err != nil {
			return err
		}
		return r.DeleteModule(ref.UUID)
	case env.Action == session.ActionStop && kind == session.KindModule:
		ref, err := decodeRef(env)
		if err != nil {
			return err
		}
		return r.StopModule(ref.UUID)
	default:
		return fmt.Errorf("%w: action=%q type=%q", ErrInvalidMessage, env.Action, kind)
	}
}

func decodeRef(env session.Envelope) (session.ObjectRef, error) {
	var ref session.ObjectRef
	if err := env.DecodeData(&ref); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := ref.Validate(); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return ref, nil
}

// Run reads and dispatches runtime frames until ctx is done or the stream
// closes. Protocol errors are logged and the loop continues.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, ok, err := conn.Read()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				log.Info().Str("runtime", r.cfg.Name).Msg("registry.Registry.Run transport closed")
				return nil
			}
			return fmt.Errorf("registry: runtime %s read: %w", r.cfg.Name, err)
		}
		if !ok {
			continue
		}
		if err := r.OnRuntimeMessage(f); err != nil {
			log.Warn().Str("runtime", r.cfg.Name).Str("frame", f.String()).Err(err).Msg("registry.Registry.Run dropped frame")
		}
	}
}

// OnRuntimeMessage dispatches one frame received from the runtime.
func (r *Registry) OnRuntimeMessage(f frame.Frame) error {
	idx := f.Index()
	if !f.IsControl() {
		if _, ok := r.lookup(idx); !ok {
			return fmt.Errorf("%w: data frame for free index %d", ErrProtocol, idx)
		}
		return r.router.Publish(router.Key{Runtime: r.cfg.Index, Module: idx, FD: int(f.H2)}, f.Payload)
	}

	switch f.H2 {
	case frame.Keepalive:
		return r.publishKeepalive(f.Payload)
	case frame.LogRuntime:
		return r.bus.Publish(r.cfg.Topics.Log(r.cfg.ID), f.Payload)
	}

	mid, ok := r.lookup(idx)
	if !ok {
		return fmt.Errorf("%w: %s for free index %d", ErrProtocol, f, idx)
	}
	key := func(fd int) router.Key { return router.Key{Runtime: r.cfg.Index, Module: idx, FD: fd} }
	switch f.H2 {
	case frame.Exited:
		return r.moduleExited(idx, mid, f.Payload)
	case frame.ChOpen:
		ch, err := frame.DecodeChannelOpen(f.Payload)
		if err != nil {
			return err
		}
		return r.router.Open(key(ch.FD), mid, ch.Topic, ch.Flags)
	case frame.ChClose:
		fd, err := frame.DecodeChannelClose(f.Payload)
		if err != nil {
			return err
		}
		return r.router.Close(key(fd))
	case frame.LogModule:
		return r.bus.Publish(r.cfg.Topics.Log(r.cfg.ID, mid), f.Payload)
	case frame.Profile:
		return r.bus.Publish(r.cfg.Topics.Profile(r.cfg.ProfileKind, r.cfg.ID, mid), f.Payload)
	default:
		return fmt.Errorf("%w: unknown header %s", ErrProtocol, f)
	}
}

// Heartbeat publishes a keepalive on behalf of the runtime.
func (r *Registry) Heartbeat() error {
	return r.publishKeepalive(nil)
}

func (r *Registry) publishKeepalive(payload []byte) error {
	health := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &health); err != nil {
			return fmt.Errorf("%w: keepalive payload: %v", ErrProtocol, err)
		}
	}
	r.mu.Lock()
	alive := len(r.byID)
	r.mu.Unlock()
	identity := map[string]any{
		"type":     session.KindRuntime,
		"uuid":     r.cfg.ID,
		"name":     r.cfg.Name,
		"parent":   r.cfg.Parent,
		"nmodules": alive,
	}
	for k, v := range identity {
		raw, _ := json.Marshal(v)
		health[k] = raw
	}
	env, err := session.NewRequest(session.ActionUpdate, health)
	if err != nil {
		return err
	}
	return r.publishEnvelope(r.cfg.Topics.Keepalive(r.cfg.ID), env)
}

// moduleExited drops the module's channels, then frees the slot and reports
// the exit. Cleanup may wait on the broker, so it runs without r.mu; the slot
// stays taken until it returns, so a new CREATE cannot reuse the index early.
func (r *Registry) moduleExited(idx int, mid string, payload []byte) error {
	if err := r.router.Cleanup(r.cfg.Index, idx); err != nil {
		log.Warn().Str("runtime", r.cfg.Name).Int("index", idx).Err(err).Msg("registry.Registry.moduleExited cleanup")
	}
	r.mu.Lock()
	if cur, ok := r.byID[mid]; ok && cur == idx {
		r.modules[idx] = nil
		delete(r.byID, mid)
	}
	alive := len(r.byID)
	r.mu.Unlock()
	observability.SetModulesAlive(r.cfg.Name, alive)

	env, err := session.NewRequest(session.ActionExited, session.ModuleSpec{
		Type:   session.KindModule,
		UUID:   mid,
		Parent: r.cfg.ID,
		Reason: exitReason(payload),
	})
	if err != nil {
		return err
	}
	log.Info().Str("runtime", r.cfg.Name).Str("module", mid).Int("index", idx).Msg("registry.Registry.moduleExited")
	return r.publishEnvelope(r.cfg.Topics.Control(r.cfg.ID), env)
}

// exitReason keeps a JSON payload as is and quotes anything else.
func exitReason(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	raw, _ := json.Marshal(string(payload))
	return raw
}

func (r *Registry) publishEnvelope(topic string, env session.Envelope) error {
	payload, err := session.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.bus.Publish(topic, payload)
}

// Close shuts the transport, drops the runtime's channels and stops the
// launched process.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn, proc := r.conn, r.proc
	r.proc = nil
	for i := range r.modules {
		r.modules[i] = nil
	}
	clear(r.byID)
	r.mu.Unlock()

	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.router.Detach(r.cfg.Index)
	if proc != nil {
		if err := proc.Stop(r.cfg.StopGrace); err != nil {
			errs = append(errs, err)
		}
	}
	observability.SetModulesAlive(r.cfg.Name, 0)
	log.Info().Str("runtime", r.cfg.Name).Msg("registry.Registry.Close")
	return errors.Join(errs...)
}
