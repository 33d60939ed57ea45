package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes the client side of a TLS connection to the bus broker.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

// NoWriteRetries disables write retries. A zero WriteRetries means unset and
// takes the default.
const NoWriteRetries = -1

// Config defines transport and registration reliability defaults.
type Config struct {
	ConnectTimeout      time.Duration
	HandshakeTimeout    time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	WriteRetries        int
	RegistrationTimeout time.Duration
	KeepaliveInterval   time.Duration
	Backoff             BackoffConfig
	SecurityMode        SecurityMode
	TLS                 TLSConfig
}

// DefaultConfig returns the control-plane defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      5 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		ReadTimeout:         time.Second,
		WriteTimeout:        time.Second,
		WriteRetries:        3,
		RegistrationTimeout: 5 * time.Second,
		KeepaliveInterval:   60 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills every unset field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = d.WriteRetries
	} else if c.WriteRetries < 0 {
		c.WriteRetries = NoWriteRetries
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = d.RegistrationTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.SecurityMode == "" {
		c.SecurityMode = d.SecurityMode
	}
	return c
}
