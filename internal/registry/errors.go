package registry

import (
	"errors"
	"fmt"
)

var (
	ErrLimitExceeded  = errors.New("registry: module limit exceeded")
	ErrModuleNotFound = errors.New("registry: module not found")
	ErrModuleExists   = errors.New("registry: module already hosted")
	ErrInvalidMessage = errors.New("registry: invalid orchestrator message")
	ErrProtocol       = errors.New("registry: runtime protocol error")
	ErrNotStarted     = errors.New("registry: runtime not started")
	ErrInvalidConfig  = errors.New("registry: invalid runtime config")
)

// ModuleError carries the runtime and module a registry operation failed on.
// Index is -1 when no slot was involved.
type ModuleError struct {
	Runtime string
	Module  string
	Index   int
	Err     error
}

func (e *ModuleError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("registry: runtime=%s module=%s: %v", e.Runtime, e.Module, e.Err)
	}
	return fmt.Sprintf("registry: runtime=%s module=%s index=%d: %v", e.Runtime, e.Module, e.Index, e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}
