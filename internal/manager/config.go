package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/protocol/frame"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/danmuck/silverline/internal/registry"
	"github.com/google/uuid"
)

var (
	ErrInvalidConfig = errors.New("manager: invalid config")
	ErrStarted       = errors.New("manager: already started")
)

// RuntimeConfig describes one runtime the manager hosts. Its index is its
// position in ServiceConfig.Runtimes.
type RuntimeConfig struct {
	ID          string
	Name        string
	Type        string
	APIs        []string
	Capacity    int
	ProfileKind string
	Command     string
	Args        []string
	Metadata    json.RawMessage
}

// ServiceConfig configures one node manager.
type ServiceConfig struct {
	ManagerID   string
	Name        string
	Realm       string
	AliasPrefix string
	BaseDir     string
	MetricsAddr string
	Session     session.Config
	MQTT        bus.MQTTConfig
	Runtimes    []RuntimeConfig
}

// Manager service defaults for a single-node deployment.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:        "manager",
		Realm:       "realm",
		AliasPrefix: bus.DefaultAliasPrefix,
		BaseDir:     registry.DefaultBaseDir,
		Session:     session.DefaultConfig(),
		MQTT: bus.MQTTConfig{
			Broker: "tcp://localhost:1883",
			QoS:    1,
		},
	}
}

// Normalize fills generated ids and validates the runtime list.
func (c ServiceConfig) Normalize() (ServiceConfig, error) {
	c.Session = c.Session.WithDefaults()
	if strings.TrimSpace(c.ManagerID) == "" {
		c.ManagerID = uuid.NewString()
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.ManagerID
	}
	if strings.TrimSpace(c.Realm) == "" {
		return c, fmt.Errorf("%w: empty realm", ErrInvalidConfig)
	}
	if len(c.Runtimes) > frame.MaxModules {
		return c, fmt.Errorf("%w: %d runtimes exceeds %d", ErrInvalidConfig, len(c.Runtimes), frame.MaxModules)
	}
	seen := make(map[string]bool, len(c.Runtimes))
	runtimes := make([]RuntimeConfig, len(c.Runtimes))
	for i, rt := range c.Runtimes {
		if strings.TrimSpace(rt.ID) == "" {
			rt.ID = uuid.NewString()
		}
		if seen[rt.ID] {
			return c, fmt.Errorf("%w: duplicate runtime id %s", ErrInvalidConfig, rt.ID)
		}
		seen[rt.ID] = true
		runtimes[i] = rt
	}
	c.Runtimes = runtimes
	return c, nil
}

func (c ServiceConfig) topics() bus.Topics {
	return bus.Topics{Realm: c.Realm}
}

// Will returns the last-will message that deregisters the manager when its
// bus connection is lost.
func (c ServiceConfig) Will() (string, []byte, error) {
	env, err := session.NewRequest(session.ActionDelete, session.ObjectRef{Type: session.KindManager, UUID: c.ManagerID})
	if err != nil {
		return "", nil, err
	}
	payload, err := session.EncodeEnvelope(env)
	if err != nil {
		return "", nil, err
	}
	return c.topics().Registration(c.ManagerID), payload, nil
}
