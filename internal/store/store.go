// Package store holds the orchestrator's manager, runtime and module records.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrInvalid  = errors.New("store: invalid record")
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusAlive   Status = "alive"
	StatusExiting Status = "exiting"
	StatusDead    Status = "dead"
	StatusKilled  Status = "killed"
)

// AnyStatus matches every status in List queries.
const AnyStatus Status = ""

type Manager struct {
	ID     string `json:"uuid"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}

type Runtime struct {
	ID            string          `json:"uuid"`
	Name          string          `json:"name"`
	Type          string          `json:"runtime_type,omitempty"`
	APIs          []string        `json:"apis,omitempty"`
	Capacity      int             `json:"max_nmodules"`
	Parent        string          `json:"parent,omitempty"`
	Status        Status          `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Platform      json.RawMessage `json:"platform,omitempty"`
	LastKeepalive time.Time       `json:"ka_ts"`
}

// Module is the cluster-side record of one module. Seq is the admission
// order used to drain queues.
type Module struct {
	ID       string            `json:"uuid"`
	Name     string            `json:"name,omitempty"`
	File     string            `json:"file,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      []string          `json:"env,omitempty"`
	APIs     []string          `json:"apis,omitempty"`
	Channels []json.RawMessage `json:"channels,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	Status   Status            `json:"status"`
	Seq      int64             `json:"seq"`
}

// Store is the CRUD surface the orchestrator needs from persistence.
type Store interface {
	GetManager(id string) (Manager, error)
	PutManager(m Manager) error

	// GetRuntime resolves by name first, then by id. An alive runtime wins a
	// shared name.
	GetRuntime(ref string) (Runtime, error)
	PutRuntime(rt Runtime) error
	ListRuntimes(parent string, status Status) ([]Runtime, error)

	GetModule(id string) (Module, error)
	// PutModule upserts m, assigning the next Seq when m.Seq is zero.
	PutModule(m Module) (Module, error)
	DeleteModule(id string) error
	// ListModules returns matching modules ordered by Seq.
	ListModules(parent string, status Status) ([]Module, error)
}
