package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/silverline/internal/observability"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Request publishes req on topic and blocks until a resp envelope with the
// same object id arrives on that topic, the timeout fires, or ctx is done.
// The subscription only lives for the duration of the call.
func Request(ctx context.Context, b Bus, topic string, req session.Envelope, timeout time.Duration) (session.Envelope, error) {
	start := time.Now()
	resp, err := request(ctx, b, topic, req, timeout)
	observability.RecordRegistration(req.DataType(), time.Since(start), err)
	return resp, err
}

func request(ctx context.Context, b Bus, topic string, req session.Envelope, timeout time.Duration) (session.Envelope, error) {
	raw, err := session.EncodeEnvelope(req)
	if err != nil {
		return session.Envelope{}, err
	}

	acks := make(chan session.Envelope, 1)
	handler := func(_ string, payload []byte) {
		resp, err := session.DecodeEnvelope(payload)
		if err != nil {
			log.Debug().Str("topic", topic).Err(err).Msg("bus.Request ignoring malformed reply")
			return
		}
		if resp.Type != session.TypeResponse || resp.ObjectID != req.ObjectID {
			return
		}
		select {
		case acks <- resp:
		default:
		}
	}
	if err := b.Subscribe(topic, handler); err != nil {
		return session.Envelope{}, err
	}
	defer func() {
		if err := b.Unsubscribe(topic); err != nil {
			log.Debug().Str("topic", topic).Err(err).Msg("bus.Request unsubscribe")
		}
	}()

	if err := b.Publish(topic, raw); err != nil {
		return session.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-acks:
		return resp, nil
	case <-timer.C:
		return session.Envelope{}, fmt.Errorf("%w: topic=%s object_id=%s after=%s", ErrRequestTimeout, topic, req.ObjectID, timeout)
	case <-ctx.Done():
		return session.Envelope{}, ctx.Err()
	}
}
