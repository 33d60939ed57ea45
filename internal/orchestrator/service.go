package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Service binds an Orchestrator to the bus: registration, control and
// keepalive topics in, commands, acks and error reports out.
type Service struct {
	orch   *Orchestrator
	bus    bus.Bus
	topics bus.Topics
}

func NewService(b bus.Bus, o *Orchestrator, topics bus.Topics) *Service {
	return &Service{orch: o, bus: b, topics: topics}
}

func (s *Service) subscriptions() map[string]bus.Handler {
	return map[string]bus.Handler{
		s.topics.AllRegistrations(): s.onRegistration,
		s.topics.AllControl():       s.onControl,
		s.topics.AllKeepalives():    s.onKeepalive,
	}
}

func (s *Service) Start() error {
	for pattern, h := range s.subscriptions() {
		if err := s.bus.Subscribe(pattern, h); err != nil {
			_ = s.Stop()
			return err
		}
	}
	log.Info().Str("realm", s.topics.Realm).Msg("orchestrator.Service.Start")
	return nil
}

// Run serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Service) Stop() error {
	var errs []error
	for pattern := range s.subscriptions() {
		if err := s.bus.Unsubscribe(pattern); err != nil && !errors.Is(err, bus.ErrNotSubscribed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) decode(topic string, payload []byte) (session.Envelope, bool) {
	env, err := session.DecodeEnvelope(payload)
	if err != nil {
		log.Warn().Str("topic", topic).Err(err).Msg("orchestrator.Service decode failed")
		s.report(err, payload)
		return env, false
	}
	return env, true
}

func (s *Service) onRegistration(topic string, payload []byte) {
	env, ok := s.decode(topic, payload)
	if !ok || env.Type == session.TypeResponse {
		return
	}
	out, err := s.orch.HandleRegistration(topic, env)
	s.finish(topic, payload, out, err)
}

func (s *Service) onControl(topic string, payload []byte) {
	env, ok := s.decode(topic, payload)
	if !ok || env.Type == session.TypeResponse || env.Type == session.TypeCommand {
		return
	}
	out, err := s.orch.HandleControl(env)
	s.finish(topic, payload, out, err)
}

func (s *Service) onKeepalive(topic string, payload []byte) {
	env, err := session.DecodeEnvelope(payload)
	if err == nil {
		err = s.orch.HandleKeepalive(topic, env)
	}
	if err != nil {
		log.Debug().Str("topic", topic).Err(err).Msg("orchestrator.Service.onKeepalive ignored")
	}
}

func (s *Service) finish(topic string, payload []byte, out []Outbound, err error) {
	if err != nil {
		log.Warn().Str("topic", topic).Err(err).Msg("orchestrator.Service rejected request")
		s.report(err, payload)
	}
	s.publish(out)
}

func (s *Service) publish(out []Outbound) {
	for _, o := range out {
		payload, err := session.EncodeEnvelope(o.Envelope)
		if err == nil {
			err = s.bus.Publish(o.Topic, payload)
		}
		if err != nil {
			log.Error().Str("topic", o.Topic).Str("action", o.Envelope.Action).Err(err).Msg("orchestrator.Service publish failed")
		}
	}
}

// report publishes a rejected request on the realm log topic.
func (s *Service) report(cause error, payload []byte) {
	data := json.RawMessage(payload)
	if !json.Valid(payload) {
		data, _ = json.Marshal(string(payload))
	}
	raw, err := json.Marshal(session.ErrorReport{Desc: cause.Error(), Data: data})
	if err == nil {
		err = s.bus.Publish(s.topics.RealmLog(), raw)
	}
	if err != nil {
		log.Error().Err(err).Msg("orchestrator.Service.report publish failed")
	}
}
