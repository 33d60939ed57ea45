package orchestrator

import (
	"fmt"
	"strings"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/protocol/session"
)

// ServiceConfig configures one orchestrator process.
type ServiceConfig struct {
	Realm          string
	Policy         AdmissionPolicy
	DefaultRuntime string
	MetricsAddr    string
	MQTT           bus.MQTTConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Realm:          "realm",
		Policy:         UnboundedWhenZero,
		DefaultRuntime: DefaultRuntime,
		MQTT: bus.MQTTConfig{
			Broker:  "tcp://localhost:1883",
			QoS:     1,
			Session: session.DefaultConfig(),
		},
	}
}

// Validate reports the first unusable field.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Realm) == "" {
		return fmt.Errorf("%w: empty realm", ErrInvalidConfig)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	return nil
}

func (c ServiceConfig) Topics() bus.Topics {
	return bus.Topics{Realm: c.Realm}
}

func (c ServiceConfig) Orchestrator() Config {
	return Config{
		Topics:         c.Topics(),
		DefaultRuntime: c.DefaultRuntime,
		Policy:         c.Policy,
	}
}
