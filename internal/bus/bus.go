// Package bus defines the cluster pub/sub contract and its implementations.
//
// Delivery contract:
// - no-local: a client never receives its own publishes
// - one callback per matching subscription, on the client's delivery goroutine
// - handlers must not block on further deliveries of the same client
package bus

import "errors"

var (
	ErrClosed          = errors.New("bus: client closed")
	ErrNotSubscribed   = errors.New("bus: topic not subscribed")
	ErrRequestTimeout  = errors.New("bus: request timeout")
	ErrConnectTimeout  = errors.New("bus: connect timeout")
	ErrBrokerRequired  = errors.New("bus: broker address required")
	ErrClientIDMissing = errors.New("bus: client id required")
)

// Handler receives one delivered message.
type Handler func(topic string, payload []byte)

// Bus is one client connection to the cluster broker.
type Bus interface {
	Publish(topic string, payload []byte) error
	// Subscribe registers h for pattern, replacing any previous handler.
	Subscribe(pattern string, h Handler) error
	Unsubscribe(pattern string) error
	Close() error
}
