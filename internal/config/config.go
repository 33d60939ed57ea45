// Package config loads the TOML files of the slmanager and slorchestrator
// binaries. Keys present in a file override the service defaults; absent keys
// keep them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/silverline/internal/manager"
	"github.com/danmuck/silverline/internal/orchestrator"
	"github.com/danmuck/silverline/internal/protocol/session"
	"github.com/google/uuid"
)

type fileMQTT struct {
	Broker       string `toml:"broker"`
	ClientID     string `toml:"client_id"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
	QoS          int    `toml:"qos"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	ServerName         string `toml:"server_name"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
}

type fileSession struct {
	ConnectTimeout      string  `toml:"connect_timeout"`
	HandshakeTimeout    string  `toml:"handshake_timeout"`
	ReadTimeout         string  `toml:"read_timeout"`
	WriteTimeout        string  `toml:"write_timeout"`
	WriteRetries        int     `toml:"write_retries"`
	RegistrationTimeout string  `toml:"registration_timeout"`
	KeepaliveInterval   string  `toml:"keepalive_interval"`
	SecurityMode        string  `toml:"security_mode"`
	TLS                 fileTLS `toml:"tls"`
}

type fileRuntime struct {
	ID          string         `toml:"id"`
	Name        string         `toml:"name"`
	Type        string         `toml:"type"`
	APIs        []string       `toml:"apis"`
	Capacity    int            `toml:"max_nmodules"`
	ProfileKind string         `toml:"profile_kind"`
	Command     string         `toml:"command"`
	Args        []string       `toml:"args"`
	Metadata    map[string]any `toml:"metadata"`
}

type managerFile struct {
	ManagerID   string        `toml:"manager_id"`
	Name        string        `toml:"name"`
	Realm       string        `toml:"realm"`
	AliasPrefix string        `toml:"alias_prefix"`
	BaseDir     string        `toml:"base_dir"`
	MetricsAddr string        `toml:"metrics_addr"`
	MQTT        fileMQTT      `toml:"mqtt"`
	Session     fileSession   `toml:"session"`
	Runtimes    []fileRuntime `toml:"runtimes"`
}

type orchestratorFile struct {
	Realm          string      `toml:"realm"`
	Policy         string      `toml:"policy"`
	DefaultRuntime string      `toml:"default_runtime"`
	MetricsAddr    string      `toml:"metrics_addr"`
	MQTT           fileMQTT    `toml:"mqtt"`
	Session        fileSession `toml:"session"`
}

// LoadManager reads a manager file over manager.DefaultServiceConfig. The
// result is normalized, so generated ids are final.
func LoadManager(path string) (manager.ServiceConfig, error) {
	cfg := manager.DefaultServiceConfig()

	var raw managerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return manager.ServiceConfig{}, fmt.Errorf("load manager config: %w", err)
	}

	if meta.IsDefined("manager_id") {
		cfg.ManagerID = strings.TrimSpace(raw.ManagerID)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("realm") {
		cfg.Realm = strings.TrimSpace(raw.Realm)
	}
	if meta.IsDefined("alias_prefix") {
		cfg.AliasPrefix = strings.TrimSpace(raw.AliasPrefix)
	}
	if meta.IsDefined("base_dir") {
		cfg.BaseDir = strings.TrimSpace(raw.BaseDir)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if err := applySession(meta, raw.Session, &cfg.Session); err != nil {
		return manager.ServiceConfig{}, err
	}
	if err := applyMQTT(meta, raw.MQTT, &cfg.MQTT.Broker, &cfg.MQTT.ClientID, &cfg.MQTT.QoS); err != nil {
		return manager.ServiceConfig{}, err
	}
	cfg.MQTT.Username = strings.TrimSpace(raw.MQTT.Username)
	cfg.MQTT.Password = raw.MQTT.Password
	cfg.MQTT.PasswordFile = strings.TrimSpace(raw.MQTT.PasswordFile)
	if meta.IsDefined("runtimes") {
		runtimes, err := runtimeConfigs(raw.Runtimes)
		if err != nil {
			return manager.ServiceConfig{}, err
		}
		cfg.Runtimes = runtimes
	}

	cfg, err = cfg.Normalize()
	if err != nil {
		return manager.ServiceConfig{}, err
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return manager.ServiceConfig{}, err
	}
	cfg.MQTT.Session = cfg.Session
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "slmanager-" + cfg.ManagerID
	}
	return cfg, nil
}

// LoadOrchestrator reads an orchestrator file over
// orchestrator.DefaultServiceConfig.
func LoadOrchestrator(path string) (orchestrator.ServiceConfig, error) {
	cfg := orchestrator.DefaultServiceConfig()

	var raw orchestratorFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: %w", err)
	}

	if meta.IsDefined("realm") {
		cfg.Realm = strings.TrimSpace(raw.Realm)
	}
	if meta.IsDefined("policy") {
		policy, err := orchestrator.ParsePolicy(raw.Policy)
		if err != nil {
			return orchestrator.ServiceConfig{}, fmt.Errorf("parse policy: %w", err)
		}
		cfg.Policy = policy
	}
	if meta.IsDefined("default_runtime") {
		if v := strings.TrimSpace(raw.DefaultRuntime); v != "" {
			cfg.DefaultRuntime = v
		}
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if err := applySession(meta, raw.Session, &cfg.MQTT.Session); err != nil {
		return orchestrator.ServiceConfig{}, err
	}
	if err := applyMQTT(meta, raw.MQTT, &cfg.MQTT.Broker, &cfg.MQTT.ClientID, &cfg.MQTT.QoS); err != nil {
		return orchestrator.ServiceConfig{}, err
	}
	cfg.MQTT.Username = strings.TrimSpace(raw.MQTT.Username)
	cfg.MQTT.Password = raw.MQTT.Password
	cfg.MQTT.PasswordFile = strings.TrimSpace(raw.MQTT.PasswordFile)

	if err := cfg.Validate(); err != nil {
		return orchestrator.ServiceConfig{}, err
	}
	if err := cfg.MQTT.Session.ValidateClientTransport(); err != nil {
		return orchestrator.ServiceConfig{}, err
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "slorchestrator-" + uuid.NewString()
	}
	return cfg, nil
}

func applyMQTT(meta toml.MetaData, raw fileMQTT, broker, clientID *string, qos *byte) error {
	if meta.IsDefined("mqtt", "broker") {
		*broker = strings.TrimSpace(raw.Broker)
	}
	if meta.IsDefined("mqtt", "client_id") {
		*clientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("mqtt", "qos") {
		if raw.QoS < 0 || raw.QoS > 2 {
			return fmt.Errorf("parse mqtt.qos: %d out of range", raw.QoS)
		}
		*qos = byte(raw.QoS)
	}
	return nil
}

func applySession(meta toml.MetaData, raw fileSession, cfg *session.Config) error {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"registration_timeout", raw.RegistrationTimeout, &cfg.RegistrationTimeout},
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.KeepaliveInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "write_retries") {
		switch {
		case raw.WriteRetries < 0:
			return fmt.Errorf("parse session.write_retries: %d is negative", raw.WriteRetries)
		case raw.WriteRetries == 0:
			cfg.WriteRetries = session.NoWriteRetries
		default:
			cfg.WriteRetries = raw.WriteRetries
		}
	}
	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("session", "tls") {
		cfg.TLS = tlsConfig(raw.TLS)
	}
	return nil
}
