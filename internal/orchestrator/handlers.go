package orchestrator

import (
	"fmt"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/protocol/session"
)

func decode(env session.Envelope, v any) error {
	if err := env.DecodeData(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func decodeRef(env session.Envelope) (session.ObjectRef, error) {
	var ref session.ObjectRef
	if err := decode(env, &ref); err != nil {
		return ref, err
	}
	if err := ref.Validate(); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return ref, nil
}

// HandleControl applies a request from {realm}/proc/control/#.
func (o *Orchestrator) HandleControl(env session.Envelope) ([]Outbound, error) {
	if env.Type != session.TypeRequest {
		return nil, fmt.Errorf("%w: action=%q type=%q", ErrInvalidMessage, env.Action, env.Type)
	}
	switch env.Action {
	case session.ActionCreate:
		var spec session.ModuleSpec
		if err := decode(env, &spec); err != nil {
			return nil, err
		}
		return o.CreateModule(spec)
	case session.ActionCreateBatch:
		var batch session.BatchSpec
		if err := decode(env, &batch); err != nil {
			return nil, err
		}
		return o.CreateModuleBatch(batch)
	case session.ActionDelete:
		ref, err := decodeRef(env)
		if err != nil {
			return nil, err
		}
		return o.DeleteModule(ref.UUID)
	case session.ActionExited:
		ref, err := decodeRef(env)
		if err != nil {
			return nil, err
		}
		return o.ModuleExited(ref.UUID)
	default:
		return nil, fmt.Errorf("%w: action=%q type=%q", ErrInvalidMessage, env.Action, env.Type)
	}
}

// HandleRegistration applies a request from {realm}/proc/reg/#. Acks are
// addressed to topic.
func (o *Orchestrator) HandleRegistration(topic string, env session.Envelope) ([]Outbound, error) {
	kind := env.DataType()
	switch {
	case env.Action == session.ActionCreate && kind == session.KindRuntime:
		var info session.RuntimeInfo
		if err := decode(env, &info); err != nil {
			return nil, err
		}
		return o.RegisterRuntime(topic, env.ObjectID, info)
	case env.Action == session.ActionDelete && kind == session.KindRuntime:
		ref, err := decodeRef(env)
		if err != nil {
			return nil, err
		}
		return nil, o.DeregisterRuntime(ref.UUID)
	case env.Action == session.ActionCreate && kind == session.KindManager:
		var info session.ManagerInfo
		if err := decode(env, &info); err != nil {
			return nil, err
		}
		return o.RegisterManager(topic, env.ObjectID, info)
	case env.Action == session.ActionDelete && kind == session.KindManager:
		ref, err := decodeRef(env)
		if err != nil {
			return nil, err
		}
		return nil, o.DeregisterManager(ref.UUID)
	default:
		return nil, fmt.Errorf("%w: action=%q type=%q", ErrInvalidMessage, env.Action, kind)
	}
}

// HandleKeepalive applies an update from {realm}/proc/keepalive/{id}.
func (o *Orchestrator) HandleKeepalive(topic string, env session.Envelope) error {
	if env.Action != session.ActionUpdate || env.DataType() != session.KindRuntime {
		return fmt.Errorf("%w: action=%q type=%q", ErrInvalidMessage, env.Action, env.DataType())
	}
	var ref session.ObjectRef
	if err := decode(env, &ref); err != nil {
		return err
	}
	if ref.UUID == "" {
		ref.UUID = bus.LastLevel(topic)
	}
	return o.Keepalive(ref.UUID, env.Data)
}
