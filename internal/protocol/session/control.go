package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Envelope types.
const (
	TypeRequest  = "req"
	TypeResponse = "resp"
	TypeCommand  = "cmd"
)

// Envelope actions.
const (
	ActionCreate      = "create"
	ActionCreateBatch = "create_batch"
	ActionDelete      = "delete"
	ActionStop        = "stop"
	ActionExited      = "exited"
	ActionUpdate      = "update"
)

// Object kinds carried in data.type.
const (
	KindModule  = "module"
	KindRuntime = "runtime"
	KindManager = "manager"
)

var (
	ErrInvalidEnvelope = errors.New("session: invalid control envelope")
	ErrMissingField    = errors.New("session: missing field")
)

// Envelope is the JSON control message exchanged on the bus.
type Envelope struct {
	ObjectID string          `json:"object_id"`
	Action   string          `json:"action"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ObjectID) == "" {
		return fmt.Errorf("%w: missing object_id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.Action) == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidEnvelope)
	}
	switch e.Type {
	case TypeRequest, TypeResponse, TypeCommand:
	default:
		return fmt.Errorf("%w: type=%q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// DataType returns data.type, or "" when data is absent or has no type.
func (e Envelope) DataType() string {
	var head struct {
		Type string `json:"type"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &head) != nil {
		return ""
	}
	return head.Type
}

// DecodeData unmarshals data into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

func newEnvelope(objectID, action, typ string, data any) (Envelope, error) {
	env := Envelope{ObjectID: objectID, Action: action, Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// NewRequest builds a req envelope with a fresh object id.
func NewRequest(action string, data any) (Envelope, error) {
	return newEnvelope(uuid.NewString(), action, TypeRequest, data)
}

// NewCommand builds an orchestrator->manager cmd envelope.
func NewCommand(action string, data any) (Envelope, error) {
	return newEnvelope(uuid.NewString(), action, TypeCommand, data)
}

// NewResponse builds a resp envelope answering objectID.
func NewResponse(objectID, action string, data any) (Envelope, error) {
	return newEnvelope(objectID, action, TypeResponse, data)
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ErrorReport is published on the realm log topic for rejected requests.
type ErrorReport struct {
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data,omitempty"`
}
