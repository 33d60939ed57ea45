// Package orchestrator is the cluster-wide module lifecycle state machine:
// admission against runtime capacity, FIFO queueing, crash recovery and
// manager/runtime registration.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/observability"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/danmuck/silverline/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultRuntime receives modules created without a parent.
const DefaultRuntime = "pyruntime"

// AdmissionPolicy decides what a capacity of 0 means.
type AdmissionPolicy string

const (
	// UnboundedWhenZero admits every module on a runtime with capacity 0.
	UnboundedWhenZero AdmissionPolicy = "unbounded_when_zero"
	// QueueWhenZero queues every module on a runtime with capacity 0.
	QueueWhenZero AdmissionPolicy = "queue_when_zero"
)

func ParsePolicy(raw string) (AdmissionPolicy, error) {
	switch p := AdmissionPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return UnboundedWhenZero, nil
	case UnboundedWhenZero, QueueWhenZero:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Outbound is one bus message an operation wants published.
type Outbound struct {
	Topic    string
	Envelope session.Envelope
}

type Config struct {
	Topics         bus.Topics
	DefaultRuntime string
	Policy         AdmissionPolicy
	Now            func() time.Time
}

// Orchestrator applies lifecycle transitions to a store. Operations are
// serialized and return the messages to publish; the caller owns the bus.
type Orchestrator struct {
	mu     sync.Mutex
	store  store.Store
	topics bus.Topics
	dft    string
	policy AdmissionPolicy
	now    func() time.Time
}

func New(s store.Store, cfg Config) *Orchestrator {
	if strings.TrimSpace(cfg.DefaultRuntime) == "" {
		cfg.DefaultRuntime = DefaultRuntime
	}
	if cfg.Policy == "" {
		cfg.Policy = UnboundedWhenZero
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{store: s, topics: cfg.Topics, dft: cfg.DefaultRuntime, policy: cfg.Policy, now: cfg.Now}
}

// free returns how many more modules rt may run, or -1 for no limit.
func (o *Orchestrator) free(rt store.Runtime) (int, error) {
	if rt.Capacity == 0 && o.policy == UnboundedWhenZero {
		return -1, nil
	}
	alive, err := o.store.ListModules(rt.ID, store.StatusAlive)
	if err != nil {
		return 0, err
	}
	return max(rt.Capacity-len(alive), 0), nil
}

func (o *Orchestrator) runtime(ref string) (store.Runtime, error) {
	rt, err := o.store.GetRuntime(ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rt, fmt.Errorf("%w: runtime %s", ErrNotFound, ref)
		}
		return rt, err
	}
	return rt, nil
}

func (o *Orchestrator) module(id string) (store.Module, error) {
	m, err := o.store.GetModule(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return m, fmt.Errorf("%w: module %s", ErrNotFound, id)
		}
		return m, err
	}
	return m, nil
}

func (o *Orchestrator) command(rtID, action string, data any) (Outbound, error) {
	env, err := session.NewCommand(action, data)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Topic: o.topics.Control(rtID), Envelope: env}, nil
}

func (o *Orchestrator) createCommand(m store.Module) (Outbound, error) {
	return o.command(m.Parent, session.ActionCreate, moduleSpec(m))
}

func moduleSpec(m store.Module) session.ModuleSpec {
	return session.ModuleSpec{
		Type:     session.KindModule,
		UUID:     m.ID,
		Name:     m.Name,
		Parent:   m.Parent,
		File:     m.File,
		Args:     m.Args,
		Env:      m.Env,
		APIs:     m.APIs,
		Channels: m.Channels,
	}
}

func moduleFromSpec(spec session.ModuleSpec) store.Module {
	id := strings.TrimSpace(spec.UUID)
	if id == "" {
		id = uuid.NewString()
	}
	return store.Module{
		ID:       id,
		Name:     spec.Name,
		File:     spec.File,
		Args:     spec.Args,
		Env:      spec.Env,
		APIs:     spec.APIs,
		Channels: spec.Channels,
	}
}

// CreateModule admits or queues one module on its parent runtime, or on the
// default runtime when no parent is given.
func (o *Orchestrator) CreateModule(spec session.ModuleSpec) ([]Outbound, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id := strings.TrimSpace(spec.UUID); id != "" {
		existing, err := o.store.GetModule(id)
		switch {
		case err == nil && existing.Status == store.StatusAlive:
			return nil, fmt.Errorf("%w: module %s", ErrDuplicateID, id)
		case err == nil:
			if err := o.store.DeleteModule(id); err != nil {
				return nil, err
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	parent := strings.TrimSpace(spec.Parent)
	if parent == "" {
		parent = o.dft
	}
	rt, err := o.runtime(parent)
	if err != nil {
		return nil, err
	}
	free, err := o.free(rt)
	if err != nil {
		return nil, err
	}

	m := moduleFromSpec(spec)
	m.Parent = rt.ID
	if free == 0 {
		m.Status = store.StatusQueued
		if _, err := o.store.PutModule(m); err != nil {
			return nil, err
		}
		observability.RecordAdmission("queued")
		log.Info().Str("module", m.ID).Str("runtime", rt.ID).Msg("orchestrator.Orchestrator.CreateModule queued")
		return nil, nil
	}
	m.Status = store.StatusAlive
	m, err = o.store.PutModule(m)
	if err != nil {
		return nil, err
	}
	observability.RecordAdmission("admitted")
	log.Info().Str("module", m.ID).Str("runtime", rt.ID).Msg("orchestrator.Orchestrator.CreateModule admitted")
	out, err := o.createCommand(m)
	if err != nil {
		return nil, err
	}
	return []Outbound{out}, nil
}

// CreateModuleBatch sizes the free slots once, admits modules in list order
// up to that count and queues the rest.
func (o *Orchestrator) CreateModuleBatch(batch session.BatchSpec) ([]Outbound, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rt, err := o.runtime(batch.Parent)
	if err != nil {
		return nil, err
	}
	free, err := o.free(rt)
	if err != nil {
		return nil, err
	}

	var out []Outbound
	queued := 0
	for i, spec := range batch.Modules {
		m := moduleFromSpec(spec)
		m.Parent = rt.ID
		m.Status = store.StatusAlive
		if free >= 0 && i >= free {
			m.Status = store.StatusQueued
		}
		m, err = o.store.PutModule(m)
		if err != nil {
			return out, err
		}
		if m.Status == store.StatusQueued {
			queued++
			observability.RecordAdmission("queued")
			continue
		}
		observability.RecordAdmission("admitted")
		cmd, err := o.createCommand(m)
		if err != nil {
			return out, err
		}
		out = append(out, cmd)
	}
	log.Info().Str("runtime", rt.ID).Int("modules", len(batch.Modules)).Int("queued", queued).Msg("orchestrator.Orchestrator.CreateModuleBatch")
	return out, nil
}

// ModuleExited marks the module dead and promotes the head of its runtime's
// queue.
func (o *Orchestrator) ModuleExited(id string) ([]Outbound, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.module(id)
	if err != nil {
		return nil, err
	}
	m.Status = store.StatusDead
	if _, err := o.store.PutModule(m); err != nil {
		return nil, err
	}
	log.Info().Str("module", m.ID).Str("runtime", m.Parent).Msg("orchestrator.Orchestrator.ModuleExited")

	queued, err := o.store.ListModules(m.Parent, store.StatusQueued)
	if err != nil || len(queued) == 0 {
		return nil, err
	}
	head := queued[0]
	head.Status = store.StatusAlive
	if _, err := o.store.PutModule(head); err != nil {
		return nil, err
	}
	observability.RecordAdmission("promoted")
	log.Info().Str("module", head.ID).Str("runtime", head.Parent).Msg("orchestrator.Orchestrator.ModuleExited promoted queued module")
	out, err := o.createCommand(head)
	if err != nil {
		return nil, err
	}
	return []Outbound{out}, nil
}

// DeleteModule marks the module exiting and forwards the delete to its
// runtime. The record goes dead when the runtime reports the exit.
func (o *Orchestrator) DeleteModule(id string) ([]Outbound, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.module(id)
	if err != nil {
		return nil, err
	}
	m.Status = store.StatusExiting
	if _, err := o.store.PutModule(m); err != nil {
		return nil, err
	}
	log.Info().Str("module", m.ID).Str("runtime", m.Parent).Msg("orchestrator.Orchestrator.DeleteModule")
	out, err := o.command(m.Parent, session.ActionDelete, session.ObjectRef{Type: session.KindModule, UUID: m.ID})
	if err != nil {
		return nil, err
	}
	return []Outbound{out}, nil
}

// RegisterRuntime creates a runtime record, or resurrects a known runtime
// and respawns its killed modules in admission order. The first message is
// the ack on replyTopic.
func (o *Orchestrator) RegisterRuntime(replyTopic, objectID string, info session.RuntimeInfo) ([]Outbound, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	rt, err := o.store.GetRuntime(info.UUID)
	switch {
	case err == nil:
		return o.resurrect(replyTopic, objectID, rt)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	rt = store.Runtime{
		ID:            info.UUID,
		Name:          info.Name,
		Type:          info.RuntimeType,
		APIs:          info.APIs,
		Capacity:      info.MaxModules,
		Status:        store.StatusAlive,
		Metadata:      info.Metadata,
		Platform:      info.Platform,
		LastKeepalive: o.now(),
	}
	if parent := strings.TrimSpace(info.Parent); parent != "" {
		if _, err := o.store.GetManager(parent); err == nil {
			rt.Parent = parent
		} else {
			log.Warn().Str("runtime", rt.ID).Str("manager", parent).Msg("orchestrator.Orchestrator.RegisterRuntime unknown parent manager")
		}
	}
	if err := o.store.PutRuntime(rt); err != nil {
		return nil, err
	}
	log.Info().Str("runtime", rt.ID).Str("name", rt.Name).Int("capacity", rt.Capacity).Msg("orchestrator.Orchestrator.RegisterRuntime created")
	ack, err := session.NewResponse(objectID, session.ActionCreate, rt)
	if err != nil {
		return nil, err
	}
	return []Outbound{{Topic: replyTopic, Envelope: ack}}, nil
}

func (o *Orchestrator) resurrect(replyTopic, objectID string, rt store.Runtime) ([]Outbound, error) {
	rt.Status = store.StatusAlive
	rt.LastKeepalive = o.now()
	if err := o.store.PutRuntime(rt); err != nil {
		return nil, err
	}
	killed, err := o.store.ListModules(rt.ID, store.StatusKilled)
	if err != nil {
		return nil, err
	}
	ack, err := session.NewResponse(objectID, session.ActionCreate, rt)
	if err != nil {
		return nil, err
	}
	out := []Outbound{{Topic: replyTopic, Envelope: ack}}
	for _, m := range killed {
		m.Status = store.StatusAlive
		if _, err := o.store.PutModule(m); err != nil {
			return out, err
		}
		observability.RecordAdmission("resurrected")
		cmd, err := o.createCommand(m)
		if err != nil {
			return out, err
		}
		out = append(out, cmd)
	}
	log.Warn().Str("runtime", rt.ID).Int("respawned", len(killed)).Msg("orchestrator.Orchestrator.RegisterRuntime resurrected")
	return out, nil
}

// DeregisterRuntime marks the runtime dead. Its alive modules become killed
// so a later registration respawns them; queued modules die.
func (o *Orchestrator) DeregisterRuntime(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deregisterRuntime(id)
}

func (o *Orchestrator) deregisterRuntime(id string) error {
	rt, err := o.runtime(id)
	if err != nil {
		return err
	}
	rt.Status = store.StatusDead
	if err := o.store.PutRuntime(rt); err != nil {
		return err
	}
	killed, err := o.markAll(rt.ID, store.StatusAlive, store.StatusKilled)
	if err != nil {
		return err
	}
	dropped, err := o.markAll(rt.ID, store.StatusQueued, store.StatusDead)
	if err != nil {
		return err
	}
	log.Warn().Str("runtime", rt.ID).Int("killed", killed).Int("dropped_queued", dropped).Msg("orchestrator.Orchestrator.DeregisterRuntime")
	return nil
}

func (o *Orchestrator) markAll(parent string, from, to store.Status) (int, error) {
	mods, err := o.store.ListModules(parent, from)
	if err != nil {
		return 0, err
	}
	for _, m := range mods {
		m.Status = to
		if _, err := o.store.PutModule(m); err != nil {
			return 0, err
		}
	}
	return len(mods), nil
}

// RegisterManager records a node manager and acks on replyTopic.
func (o *Orchestrator) RegisterManager(replyTopic, objectID string, info session.ManagerInfo) ([]Outbound, error) {
	if strings.TrimSpace(info.UUID) == "" {
		return nil, fmt.Errorf("%w: manager uuid", ErrInvalidMessage)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	m := store.Manager{ID: info.UUID, Name: info.Name, Status: store.StatusAlive}
	if err := o.store.PutManager(m); err != nil {
		return nil, err
	}
	log.Info().Str("manager", m.ID).Str("name", m.Name).Msg("orchestrator.Orchestrator.RegisterManager")
	ack, err := session.NewResponse(objectID, session.ActionCreate, m)
	if err != nil {
		return nil, err
	}
	return []Outbound{{Topic: replyTopic, Envelope: ack}}, nil
}

// DeregisterManager marks the manager dead and deregisters every alive
// runtime it owns.
func (o *Orchestrator) DeregisterManager(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.store.GetManager(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: manager %s", ErrNotFound, id)
		}
		return err
	}
	m.Status = store.StatusDead
	if err := o.store.PutManager(m); err != nil {
		return err
	}
	owned, err := o.store.ListRuntimes(m.ID, store.StatusAlive)
	if err != nil {
		return err
	}
	for _, rt := range owned {
		if err := o.deregisterRuntime(rt.ID); err != nil {
			return err
		}
	}
	log.Warn().Str("manager", m.ID).Int("runtimes", len(owned)).Msg("orchestrator.Orchestrator.DeregisterManager")
	return nil
}

// Keepalive refreshes a runtime's liveness and, when the payload carries
// them, its metadata and platform.
func (o *Orchestrator) Keepalive(id string, payload json.RawMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rt, err := o.runtime(id)
	if err != nil {
		return err
	}
	var health struct {
		Metadata json.RawMessage `json:"metadata"`
		Platform json.RawMessage `json:"platform"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &health); err != nil {
			return fmt.Errorf("%w: keepalive: %v", ErrInvalidMessage, err)
		}
	}
	if len(health.Metadata) > 0 && string(health.Metadata) != "null" {
		rt.Metadata = health.Metadata
	}
	if len(health.Platform) > 0 && string(health.Platform) != "null" {
		rt.Platform = health.Platform
	}
	rt.LastKeepalive = o.now()
	return o.store.PutRuntime(rt)
}
