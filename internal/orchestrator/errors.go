package orchestrator

import "errors"

var (
	ErrDuplicateID    = errors.New("orchestrator: duplicate uuid")
	ErrNotFound       = errors.New("orchestrator: uuid not found")
	ErrInvalidMessage = errors.New("orchestrator: invalid message")
	ErrInvalidPolicy  = errors.New("orchestrator: invalid admission policy")
	ErrInvalidConfig  = errors.New("orchestrator: invalid config")
)
