// Package manager runs a node manager: it registers itself and its runtimes
// with the orchestrator, hosts each runtime through a registry, and bridges
// runtime channels onto the cluster bus.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/danmuck/silverline/internal/registry"
	"github.com/danmuck/silverline/internal/router"
	"github.com/danmuck/silverline/internal/tools"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// reconnecter is implemented by buses that report reconnects.
type reconnecter interface {
	SetOnReconnect(fn func())
}

// Service is one node manager.
type Service struct {
	cfg      ServiceConfig
	bus      bus.Bus
	topics   bus.Topics
	router   *router.Router
	launcher tools.Launcher
	probe    tools.Probe

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	group      errgroup.Group
	runtimes   []*registry.Registry
	registered map[string]session.RuntimeInfo
}

// Manager service constructor using explicit config. A nil launcher uses
// tools.ExecLauncher.
func NewService(cfg ServiceConfig, b bus.Bus, launcher tools.Launcher) (*Service, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if launcher == nil {
		launcher = tools.ExecLauncher{}
	}
	topics := cfg.topics()
	s := &Service{
		cfg:        cfg,
		bus:        b,
		topics:     topics,
		router:     router.New(b, router.Config{Topics: topics, AliasPrefix: cfg.AliasPrefix}),
		launcher:   launcher,
		probe:      tools.ExecProbe{},
		registered: make(map[string]session.RuntimeInfo),
	}
	if rc, ok := b.(reconnecter); ok {
		rc.SetOnReconnect(s.replayRegistrations)
	}
	return s, nil
}

func (s *Service) ID() string {
	return s.cfg.ManagerID
}

func (s *Service) Router() *router.Router {
	return s.router
}

// Run starts the manager and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Start registers the manager, then starts and registers every runtime on its
// own goroutine. Failing to register the manager is fatal; a runtime that
// fails is logged and its siblings continue.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.registerManager(ctx); err != nil {
		return err
	}

	platform, err := json.Marshal(tools.HostPlatform(ctx, s.probe))
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	regs := make([]*registry.Registry, 0, len(s.cfg.Runtimes))
	for i, rt := range s.cfg.Runtimes {
		reg, err := registry.New(registry.Config{
			Index:       i,
			ID:          rt.ID,
			Name:        rt.Name,
			Type:        rt.Type,
			APIs:        rt.APIs,
			Capacity:    rt.Capacity,
			Parent:      s.cfg.ManagerID,
			ProfileKind: rt.ProfileKind,
			Metadata:    rt.Metadata,
			Platform:    platform,
			Command:     rt.Command,
			Args:        rt.Args,
			BaseDir:     s.cfg.BaseDir,
			Topics:      s.topics,
			Session:     s.cfg.Session,
			Launcher:    s.launcher,
		}, s.bus, s.router)
		if err != nil {
			cancel()
			return err
		}
		regs = append(regs, reg)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.runtimes = regs
	s.mu.Unlock()

	for _, reg := range regs {
		s.group.Go(func() error {
			s.serveRuntime(runCtx, reg)
			return nil
		})
	}
	s.group.Go(func() error {
		s.heartbeat(runCtx)
		return nil
	})
	log.Info().Str("manager", s.cfg.ManagerID).Int("runtimes", len(regs)).Msg("manager.Service.Start")
	return nil
}

func (s *Service) registerManager(ctx context.Context) error {
	req, err := session.NewRequest(session.ActionCreate, s.managerInfo())
	if err != nil {
		return err
	}
	if _, err := bus.Request(ctx, s.bus, s.topics.Registration(s.cfg.ManagerID), req, s.cfg.Session.RegistrationTimeout); err != nil {
		return fmt.Errorf("manager: register %s: %w", s.cfg.ManagerID, err)
	}
	log.Info().Str("manager", s.cfg.ManagerID).Str("name", s.cfg.Name).Msg("manager.Service registered")
	return nil
}

func (s *Service) managerInfo() session.ManagerInfo {
	return session.ManagerInfo{Type: session.KindManager, UUID: s.cfg.ManagerID, Name: s.cfg.Name}
}

// serveRuntime owns one runtime from launch to exit.
func (s *Service) serveRuntime(ctx context.Context, reg *registry.Registry) {
	info, err := reg.Start(ctx)
	if err != nil {
		log.Error().Str("runtime", reg.Name()).Err(err).Msg("manager.Service.serveRuntime start failed")
		return
	}

	control := s.topics.Control(reg.ID())
	if err := s.bus.Subscribe(control, s.controlHandler(reg)); err != nil {
		log.Error().Str("runtime", reg.Name()).Str("topic", control).Err(err).Msg("manager.Service.serveRuntime subscribe failed")
		_ = reg.Close()
		return
	}
	defer func() {
		if err := s.bus.Unsubscribe(control); err != nil && !errors.Is(err, bus.ErrNotSubscribed) {
			log.Debug().Str("topic", control).Err(err).Msg("manager.Service.serveRuntime unsubscribe")
		}
	}()

	if err := s.registerRuntime(ctx, info); err != nil {
		log.Warn().Str("runtime", reg.Name()).Err(err).Msg("manager.Service.serveRuntime registration not acknowledged")
	}
	s.mu.Lock()
	s.registered[info.UUID] = info
	s.mu.Unlock()

	if err := reg.Run(ctx); err != nil {
		log.Error().Str("runtime", reg.Name()).Err(err).Msg("manager.Service.serveRuntime run failed")
	}
	_ = reg.Close()
	if ctx.Err() == nil {
		// The runtime went away on its own.
		s.deregisterRuntime(info.UUID)
	}
}

func (s *Service) registerRuntime(ctx context.Context, info session.RuntimeInfo) error {
	req, err := session.NewRequest(session.ActionCreate, info)
	if err != nil {
		return err
	}
	_, err = bus.Request(ctx, s.bus, s.topics.Registration(info.UUID), req, s.cfg.Session.RegistrationTimeout)
	return err
}

// controlHandler applies orchestrator commands addressed to reg. Requests
// and responses sharing the topic are not for the manager.
func (s *Service) controlHandler(reg *registry.Registry) bus.Handler {
	return func(topic string, payload []byte) {
		env, err := session.DecodeEnvelope(payload)
		if err != nil {
			log.Warn().Str("topic", topic).Err(err).Msg("manager.Service control decode failed")
			return
		}
		if env.Type != session.TypeCommand {
			return
		}
		if err := reg.OnOrchestratorMessage(env); err != nil {
			log.Error().Str("runtime", reg.Name()).Str("action", env.Action).Err(err).Msg("manager.Service control rejected")
		}
	}
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Session.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		regs := make([]*registry.Registry, 0, len(s.registered))
		for _, reg := range s.runtimes {
			if _, ok := s.registered[reg.ID()]; ok {
				regs = append(regs, reg)
			}
		}
		s.mu.Unlock()
		for _, reg := range regs {
			if err := reg.Heartbeat(); err != nil {
				log.Warn().Str("runtime", reg.Name()).Err(err).Msg("manager.Service.heartbeat")
			}
		}
	}
}

// replayRegistrations republishes the manager and runtime registrations after
// a bus reconnect. It runs on the bus callback path, so it does not wait for
// acks.
func (s *Service) replayRegistrations() {
	s.mu.Lock()
	infos := make([]session.RuntimeInfo, 0, len(s.registered))
	for _, reg := range s.runtimes {
		if info, ok := s.registered[reg.ID()]; ok {
			infos = append(infos, info)
		}
	}
	s.mu.Unlock()

	s.publishRequest(s.topics.Registration(s.cfg.ManagerID), session.ActionCreate, s.managerInfo())
	for _, info := range infos {
		s.publishRequest(s.topics.Registration(info.UUID), session.ActionCreate, info)
	}
	log.Info().Str("manager", s.cfg.ManagerID).Int("runtimes", len(infos)).Msg("manager.Service.replayRegistrations")
}

func (s *Service) deregisterRuntime(id string) {
	s.mu.Lock()
	_, ok := s.registered[id]
	delete(s.registered, id)
	s.mu.Unlock()
	if ok {
		s.publishRequest(s.topics.Registration(id), session.ActionDelete, session.ObjectRef{Type: session.KindRuntime, UUID: id})
	}
}

func (s *Service) publishRequest(topic, action string, data any) {
	env, err := session.NewRequest(action, data)
	if err == nil {
		var payload []byte
		payload, err = session.EncodeEnvelope(env)
		if err == nil {
			err = s.bus.Publish(topic, payload)
		}
	}
	if err != nil {
		log.Warn().Str("topic", topic).Str("action", action).Err(err).Msg("manager.Service.publishRequest")
	}
}

// Stop cancels the runtime workers, closes their transports, waits for them,
// deregisters the runtimes and the manager and closes the bus.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, regs := s.cancel, s.runtimes
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return s.bus.Close()
	}

	cancel()
	var errs []error
	for _, reg := range regs {
		if err := reg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("manager: close runtime %s: %w", reg.Name(), err))
		}
	}
	_ = s.group.Wait()

	for _, reg := range regs {
		s.deregisterRuntime(reg.ID())
	}
	s.publishRequest(s.topics.Registration(s.cfg.ManagerID), session.ActionDelete, session.ObjectRef{Type: session.KindManager, UUID: s.cfg.ManagerID})
	if err := s.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Str("manager", s.cfg.ManagerID).Msg("manager.Service.Stop")
	return errors.Join(errs...)
}
