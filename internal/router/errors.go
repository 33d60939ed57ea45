package router

import (
	"errors"
	"fmt"
)

var (
	ErrWildcardWrite   = errors.New("router: wildcard in write-capable topic")
	ErrChannelExists   = errors.New("router: channel already open")
	ErrChannelNotFound = errors.New("router: channel not found")
	ErrInvalidTopic    = errors.New("router: invalid channel topic")
	ErrFDRange         = errors.New("router: channel fd out of range")
)

// ChannelError carries the channel triple a router operation failed on.
type ChannelError struct {
	Op      string
	Runtime int
	Module  int
	FD      int
	Topic   string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("router: %s rt=%d mod=%d fd=%d: %v", e.Op, e.Runtime, e.Module, e.FD, e.Err)
	}
	return fmt.Sprintf("router: %s rt=%d mod=%d fd=%d topic=%q: %v", e.Op, e.Runtime, e.Module, e.FD, e.Topic, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func channelErr(op string, key Key, topic string, err error) error {
	return &ChannelError{Op: op, Runtime: key.Runtime, Module: key.Module, FD: key.FD, Topic: topic, Err: err}
}
