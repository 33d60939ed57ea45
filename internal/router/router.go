package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/observability"
	"github.com/danmuck/silverline/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Key identifies one channel: (runtime index, module index, fd).
type Key struct {
	Runtime int
	Module  int
	FD      int
}

// ModuleRef identifies one hosted module: (runtime index, module index).
type ModuleRef struct {
	Runtime int
	Module  int
}

// NoExclude disables loopback exclusion in HandleInbound.
var NoExclude = ModuleRef{Runtime: -1, Module: -1}

// Channel is one open binding between a module fd and a bus topic.
type Channel struct {
	Key
	Topic string
	Flags byte
}

func (c Channel) Readable() bool { return c.Flags&frame.FlagRead != 0 }
func (c Channel) Writable() bool { return c.Flags&frame.FlagWrite != 0 }

// FrameWriter is the runtime transport as seen by the router.
type FrameWriter interface {
	Write(f frame.Frame) error
}

type Config struct {
	Topics      bus.Topics
	AliasPrefix string
}

// Router maps module channels onto bus topics for one manager. Bus
// subscription changes are serialized by subMu and happen outside mu so a
// delivery callback never waits on a broker round trip.
type Router struct {
	bus    bus.Bus
	topics bus.Topics
	alias  string

	subMu sync.Mutex

	mu       sync.Mutex
	channels map[Key]*Channel
	modules  map[ModuleRef]map[int]*Channel
	refs     map[string]int
	matcher  *bus.Matcher[Key]
	writers  map[int]FrameWriter
}

func New(b bus.Bus, cfg Config) *Router {
	if cfg.AliasPrefix == "" {
		cfg.AliasPrefix = bus.DefaultAliasPrefix
	}
	return &Router{
		bus:      b,
		topics:   cfg.Topics,
		alias:    cfg.AliasPrefix,
		channels: make(map[Key]*Channel),
		modules:  make(map[ModuleRef]map[int]*Channel),
		refs:     make(map[string]int),
		matcher:  bus.NewMatcher[Key](),
		writers:  make(map[int]FrameWriter),
	}
}

// Attach registers the transport of runtime index rt for inbound delivery.
func (r *Router) Attach(rt int, w FrameWriter) {
	r.mu.Lock()
	r.writers[rt] = w
	r.mu.Unlock()
}

// Detach drops the runtime transport and every channel it still holds.
func (r *Router) Detach(rt int) {
	r.mu.Lock()
	delete(r.writers, rt)
	var mods []int
	for ref := range r.modules {
		if ref.Runtime == rt {
			mods = append(mods, ref.Module)
		}
	}
	r.mu.Unlock()
	sort.Ints(mods)
	for _, mod := range mods {
		_ = r.Cleanup(rt, mod)
	}
}

// Open registers the channel. moduleID scopes alias topics.
func (r *Router) Open(key Key, moduleID string, topic string, flags byte) error {
	err := r.open(key, moduleID, topic, flags)
	observability.RecordChannelOp("open", err)
	return err
}

func (r *Router) open(key Key, moduleID string, topic string, flags byte) error {
	if key.FD < 0 || key.FD >= frame.MaxChannels {
		return channelErr("open", key, topic, ErrFDRange)
	}
	topic = r.topics.Alias(r.alias, topic, moduleID)
	ch := &Channel{Key: key, Topic: topic, Flags: flags}
	if ch.Writable() && bus.HasWildcard(topic) {
		return channelErr("open", key, topic, ErrWildcardWrite)
	}
	if ch.Readable() {
		if err := bus.ValidatePattern(topic); err != nil {
			return channelErr("open", key, topic, fmt.Errorf("%w: %v", ErrInvalidTopic, err))
		}
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	if _, exists := r.channels[key]; exists {
		r.mu.Unlock()
		return channelErr("open", key, topic, ErrChannelExists)
	}
	subscribe := false
	if ch.Readable() {
		subscribe = r.refs[topic] == 0
		r.refs[topic]++
		r.matcher.Add(topic, key)
	}
	r.channels[key] = ch
	ref := ModuleRef{Runtime: key.Runtime, Module: key.Module}
	if r.modules[ref] == nil {
		r.modules[ref] = make(map[int]*Channel)
	}
	r.modules[ref][key.FD] = ch
	r.mu.Unlock()

	if subscribe {
		if err := r.bus.Subscribe(topic, r.busHandler(topic)); err != nil {
			r.mu.Lock()
			r.removeLocked(ch)
			r.mu.Unlock()
			return channelErr("open", key, topic, err)
		}
	}
	log.Debug().Int("runtime", key.Runtime).Int("module", key.Module).Int("fd", key.FD).
		Str("topic", topic).Uint8("flags", flags).Bool("subscribed", subscribe).Msg("router.Router.Open")
	return nil
}

// removeLocked drops ch and reports whether its topic lost its last reader.
func (r *Router) removeLocked(ch *Channel) bool {
	delete(r.channels, ch.Key)
	ref := ModuleRef{Runtime: ch.Runtime, Module: ch.Module}
	if fds := r.modules[ref]; fds != nil {
		delete(fds, ch.FD)
		if len(fds) == 0 {
			delete(r.modules, ref)
		}
	}
	if !ch.Readable() {
		return false
	}
	r.matcher.Remove(ch.Topic, ch.Key)
	r.refs[ch.Topic]--
	if r.refs[ch.Topic] > 0 {
		return false
	}
	delete(r.refs, ch.Topic)
	return true
}

// Close removes one channel, unsubscribing its topic with the last reader.
func (r *Router) Close(key Key) error {
	err := r.close(key)
	observability.RecordChannelOp("close", err)
	return err
}

func (r *Router) close(key Key) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		r.mu.Unlock()
		return channelErr("close", key, "", ErrChannelNotFound)
	}
	unsubscribe := r.removeLocked(ch)
	r.mu.Unlock()

	if unsubscribe {
		r.unsubscribe(ch.Topic)
	}
	log.Debug().Int("runtime", key.Runtime).Int("module", key.Module).Int("fd", key.FD).
		Str("topic", ch.Topic).Bool("unsubscribed", unsubscribe).Msg("router.Router.Close")
	return nil
}

func (r *Router) unsubscribe(topic string) {
	if err := r.bus.Unsubscribe(topic); err != nil {
		log.Warn().Str("topic", topic).Err(err).Msg("router.Router unsubscribe failed")
	}
}

// Cleanup closes every channel of a module in one step. An unknown module is
// not an error.
func (r *Router) Cleanup(rt, mod int) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	ref := ModuleRef{Runtime: rt, Module: mod}
	r.mu.Lock()
	fds := r.modules[ref]
	if len(fds) == 0 {
		r.mu.Unlock()
		log.Debug().Int("runtime", rt).Int("module", mod).Msg("router.Router.Cleanup no channels")
		return nil
	}
	closed := len(fds)
	var drop []string
	for _, ch := range fds {
		if r.removeLocked(ch) {
			drop = append(drop, ch.Topic)
		}
	}
	r.mu.Unlock()

	sort.Strings(drop)
	for _, topic := range drop {
		r.unsubscribe(topic)
	}
	observability.RecordChannelOp("cleanup", nil)
	log.Debug().Int("runtime", rt).Int("module", mod).Int("closed", closed).Int("unsubscribed", len(drop)).Msg("router.Router.Cleanup")
	return nil
}

// Publish sends payload from a module fd: local channels on the same topic
// get it directly (the sender excluded), then it goes onto the bus.
func (r *Router) Publish(key Key, payload []byte) error {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		r.mu.Unlock()
		return channelErr("publish", key, "", ErrChannelNotFound)
	}
	topic := ch.Topic
	targets := r.resolveLocked(r.matcher.Match(topic), ModuleRef{Runtime: key.Runtime, Module: key.Module})
	r.mu.Unlock()

	n := r.deliver(targets, payload)
	observability.RecordDeliveries("loopback", n)
	log.Trace().Int("runtime", key.Runtime).Int("module", key.Module).Int("fd", key.FD).
		Str("topic", topic).Int("loopback", n).Msg("router.Router.Publish")

	if err := r.bus.Publish(topic, payload); err != nil {
		return channelErr("publish", key, topic, err)
	}
	return nil
}

// HandleInbound delivers a bus message to every matching read channel,
// skipping the excluded module. It returns the number of frames written.
func (r *Router) HandleInbound(topic string, payload []byte, exclude ModuleRef) int {
	r.mu.Lock()
	matched := r.matcher.Match(topic)
	targets := r.resolveLocked(matched, exclude)
	r.mu.Unlock()

	if len(matched) == 0 {
		observability.RecordRoutingAnomaly()
		log.Warn().Str("topic", topic).Msg("router.Router.HandleInbound no matching channel")
		return 0
	}
	n := r.deliver(targets, payload)
	observability.RecordDeliveries("bus", n)
	return n
}

// busHandler delivers messages for one subscribed pattern to the channels
// registered under exactly that pattern. The bus calls one handler per
// matching subscription, so each channel sees a message once.
func (r *Router) busHandler(pattern string) bus.Handler {
	return func(topic string, payload []byte) {
		r.mu.Lock()
		keys := r.matcher.Values(pattern)
		targets := r.resolveLocked(keys, NoExclude)
		r.mu.Unlock()

		if len(keys) == 0 {
			observability.RecordRoutingAnomaly()
			log.Warn().Str("topic", topic).Str("pattern", pattern).Msg("router.Router.HandleInbound no matching channel")
			return
		}
		observability.RecordDeliveries("bus", r.deliver(targets, payload))
	}
}

type delivery struct {
	key Key
	w   FrameWriter
}

func (r *Router) resolveLocked(keys []Key, exclude ModuleRef) []delivery {
	out := make([]delivery, 0, len(keys))
	for _, key := range keys {
		if key.Runtime == exclude.Runtime && key.Module == exclude.Module {
			continue
		}
		w, ok := r.writers[key.Runtime]
		if !ok {
			log.Debug().Int("runtime", key.Runtime).Msg("router.Router deliver to detached runtime")
			continue
		}
		out = append(out, delivery{key: key, w: w})
	}
	return out
}

func (r *Router) deliver(targets []delivery, payload []byte) int {
	n := 0
	for _, t := range targets {
		f, err := frame.NewData(t.key.Module, t.key.FD, payload)
		if err == nil {
			err = t.w.Write(f)
		}
		if err != nil {
			log.Warn().Int("runtime", t.key.Runtime).Int("module", t.key.Module).Int("fd", t.key.FD).Err(err).Msg("router.Router deliver failed")
			continue
		}
		n++
	}
	return n
}

// Channels returns a snapshot of every open channel ordered by key.
func (r *Router) Channels() []Channel {
	r.mu.Lock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Runtime != b.Runtime {
			return a.Runtime < b.Runtime
		}
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.FD < b.FD
	})
	return out
}

// Subscriptions returns the reference count of every subscribed topic.
func (r *Router) Subscriptions() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.refs))
	for topic, n := range r.refs {
		out[topic] = n
	}
	return out
}
