package store

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	managers map[string]Manager
	runtimes map[string]Runtime
	modules  map[string]Module
	seq      int64
}

func NewMemory() *Memory {
	return &Memory{
		managers: make(map[string]Manager),
		runtimes: make(map[string]Runtime),
		modules:  make(map[string]Module),
	}
}

func (s *Memory) GetManager(id string) (Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[id]
	if !ok {
		return Manager{}, fmt.Errorf("%w: manager %s", ErrNotFound, id)
	}
	return m, nil
}

func (s *Memory) PutManager(m Manager) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: manager id", ErrInvalid)
	}
	s.mu.Lock()
	s.managers[m.ID] = m
	s.mu.Unlock()
	return nil
}

// GetRuntime resolves ref as a name first, then as an id. Among runtimes
// sharing a name an alive one wins, then the lowest id.
func (s *Memory) GetRuntime(ref string) (Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var byName []Runtime
	for _, rt := range s.runtimes {
		if rt.Name == ref {
			byName = append(byName, rt)
		}
	}
	if len(byName) > 0 {
		sort.Slice(byName, func(i, j int) bool {
			ai, aj := byName[i].Status == StatusAlive, byName[j].Status == StatusAlive
			if ai != aj {
				return ai
			}
			return byName[i].ID < byName[j].ID
		})
		return cloneRuntime(byName[0]), nil
	}
	rt, ok := s.runtimes[ref]
	if !ok {
		return Runtime{}, fmt.Errorf("%w: runtime %s", ErrNotFound, ref)
	}
	return cloneRuntime(rt), nil
}

func (s *Memory) PutRuntime(rt Runtime) error {
	if strings.TrimSpace(rt.ID) == "" {
		return fmt.Errorf("%w: runtime id", ErrInvalid)
	}
	s.mu.Lock()
	s.runtimes[rt.ID] = cloneRuntime(rt)
	s.mu.Unlock()
	return nil
}

func (s *Memory) ListRuntimes(parent string, status Status) ([]Runtime, error) {
	s.mu.RLock()
	out := make([]Runtime, 0)
	for _, rt := range s.runtimes {
		if rt.Parent == parent && (status == AnyStatus || rt.Status == status) {
			out = append(out, cloneRuntime(rt))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) GetModule(id string) (Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok {
		return Module{}, fmt.Errorf("%w: module %s", ErrNotFound, id)
	}
	return cloneModule(m), nil
}

func (s *Memory) PutModule(m Module) (Module, error) {
	if strings.TrimSpace(m.ID) == "" {
		return Module{}, fmt.Errorf("%w: module id", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Seq == 0 {
		s.seq++
		m.Seq = s.seq
	}
	s.modules[m.ID] = cloneModule(m)
	return cloneModule(m), nil
}

func (s *Memory) DeleteModule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; !ok {
		return fmt.Errorf("%w: module %s", ErrNotFound, id)
	}
	delete(s.modules, id)
	return nil
}

func (s *Memory) ListModules(parent string, status Status) ([]Module, error) {
	s.mu.RLock()
	out := make([]Module, 0)
	for _, m := range s.modules {
		if m.Parent == parent && (status == AnyStatus || m.Status == status) {
			out = append(out, cloneModule(m))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func cloneRuntime(rt Runtime) Runtime {
	rt.APIs = slices.Clone(rt.APIs)
	rt.Metadata = slices.Clone(rt.Metadata)
	rt.Platform = slices.Clone(rt.Platform)
	return rt
}

func cloneModule(m Module) Module {
	m.Args = slices.Clone(m.Args)
	m.Env = slices.Clone(m.Env)
	m.APIs = slices.Clone(m.APIs)
	m.Channels = slices.Clone(m.Channels)
	return m
}
