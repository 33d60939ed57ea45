package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ModuleSpec is the data payload of module create/delete/exited messages and
// the JSON body of the CREATE frame sent to a runtime.
type ModuleSpec struct {
	Type     string            `json:"type"`
	UUID     string            `json:"uuid"`
	Name     string            `json:"name,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	File     string            `json:"file,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      []string          `json:"env,omitempty"`
	APIs     []string          `json:"apis,omitempty"`
	Channels []json.RawMessage `json:"channels,omitempty"`
	Index    *int              `json:"index,omitempty"`
	Reason   json.RawMessage   `json:"reason,omitempty"`
}

func (m ModuleSpec) Validate() error {
	if strings.TrimSpace(m.UUID) == "" {
		return fmt.Errorf("%w: module uuid", ErrMissingField)
	}
	return nil
}

// BatchSpec is the data payload of create_batch.
type BatchSpec struct {
	Type    string       `json:"type"`
	Parent  string       `json:"parent"`
	Modules []ModuleSpec `json:"modules"`
}

// RuntimeInfo is the registration and keepalive payload of a runtime.
type RuntimeInfo struct {
	Type        string          `json:"type"`
	UUID        string          `json:"uuid"`
	Name        string          `json:"name"`
	RuntimeType string          `json:"runtime_type,omitempty"`
	APIs        []string        `json:"apis,omitempty"`
	MaxModules  int             `json:"max_nmodules"`
	Parent      string          `json:"parent,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Platform    json.RawMessage `json:"platform,omitempty"`
}

func (r RuntimeInfo) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return fmt.Errorf("%w: runtime uuid", ErrMissingField)
	}
	if r.MaxModules < 0 {
		return fmt.Errorf("%w: max_nmodules=%d", ErrInvalidEnvelope, r.MaxModules)
	}
	return nil
}

// ManagerInfo is the registration payload of a node manager.
type ManagerInfo struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// ObjectRef addresses one object by uuid (or name) in delete requests.
type ObjectRef struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

func (r ObjectRef) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return fmt.Errorf("%w: uuid", ErrMissingField)
	}
	return nil
}
