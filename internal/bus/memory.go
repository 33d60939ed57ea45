package bus

import (
	"sync"
	"time"
)

// Memory is an in-process broker with no-local delivery semantics. Each
// client delivers on its own goroutine, in publish order.
type Memory struct {
	mu      sync.Mutex
	clients map[*MemoryClient]struct{}
}

func NewMemory() *Memory {
	return &Memory{clients: make(map[*MemoryClient]struct{})}
}

type memoryMessage struct {
	topic   string
	payload []byte
}

// MemoryClient is one connection to a Memory broker.
type MemoryClient struct {
	broker *Memory
	name   string

	mu       sync.Mutex
	handlers map[string]Handler
	matcher  *Matcher[string]
	queue    []memoryMessage
	pending  int
	closed   bool
	wake     chan struct{}
	done     chan struct{}

	willTopic   string
	willPayload []byte
}

// Client connects a new client to the broker.
func (m *Memory) Client(name string) *MemoryClient {
	c := &MemoryClient{
		broker:   m,
		name:     name,
		handlers: make(map[string]Handler),
		matcher:  NewMatcher[string](),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	go c.deliverLoop()
	return c
}

func (m *Memory) publish(from *MemoryClient, topic string, payload []byte) {
	m.mu.Lock()
	targets := make([]*MemoryClient, 0, len(m.clients))
	for c := range m.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.enqueue(topic, payload)
	}
}

// Quiesce waits until every client has drained its delivery queue.
func (m *Memory) Quiesce(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	idleRounds := 0
	for time.Now().Before(deadline) {
		if m.idle() {
			idleRounds++
			if idleRounds >= 2 {
				return true
			}
		} else {
			idleRounds = 0
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (m *Memory) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		c.mu.Lock()
		busy := c.pending > 0
		c.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

func (c *MemoryClient) Name() string {
	return c.name
}

func (c *MemoryClient) enqueue(topic string, payload []byte) {
	c.mu.Lock()
	if c.closed || len(c.matcher.Match(topic)) == 0 {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, memoryMessage{topic: topic, payload: append([]byte(nil), payload...)})
	c.pending++
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryClient) deliverLoop() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		var hs []Handler
		for _, pattern := range c.matcher.Match(msg.topic) {
			if h := c.handlers[pattern]; h != nil {
				hs = append(hs, h)
			}
		}
		c.mu.Unlock()

		for _, h := range hs {
			h(msg.topic, msg.payload)
		}

		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
	}
}

func (c *MemoryClient) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.broker.publish(c, topic, payload)
	return nil
}

func (c *MemoryClient) Subscribe(pattern string, h Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.handlers[pattern]; !ok {
		c.matcher.Add(pattern, pattern)
	}
	c.handlers[pattern] = h
	return nil
}

func (c *MemoryClient) Unsubscribe(pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[pattern]; !ok {
		return ErrNotSubscribed
	}
	delete(c.handlers, pattern)
	c.matcher.Remove(pattern, pattern)
	return nil
}

// SetWill registers a message the broker publishes if the client drops.
func (c *MemoryClient) SetWill(topic string, payload []byte) {
	c.mu.Lock()
	c.willTopic = topic
	c.willPayload = append([]byte(nil), payload...)
	c.mu.Unlock()
}

// Close disconnects cleanly; no will is published.
func (c *MemoryClient) Close() error {
	c.disconnect()
	return nil
}

// Drop simulates a lost connection: the broker publishes the will.
func (c *MemoryClient) Drop() {
	if topic, payload, ok := c.disconnect(); ok && topic != "" {
		c.broker.publish(c, topic, payload)
	}
}

func (c *MemoryClient) disconnect() (string, []byte, bool) {
	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, false
	}
	c.closed = true
	c.pending -= len(c.queue)
	c.queue = nil
	close(c.done)
	return c.willTopic, c.willPayload, true
}
