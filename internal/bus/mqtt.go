package bus

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/silverline/internal/protocol/session"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const echoTTL = 30 * time.Second

// MQTTConfig configures one broker connection.
type MQTTConfig struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	PasswordFile string
	QoS          byte
	WillTopic    string
	WillPayload  []byte
	Session      session.Config
}

type echoKey struct {
	topic string
	sum   [sha256.Size]byte
}

// MQTT is a Bus over an MQTT v3.1.1 broker. Brokers echo a client's own
// publishes back when it is subscribed to the topic; MQTT suppresses those
// echoes to keep the no-local contract.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu       sync.Mutex
	handlers map[string]Handler
	matcher  *Matcher[string]
	echoes   map[echoKey][]time.Time
	closed   bool

	connected   atomic.Bool
	onReconnect atomic.Pointer[func()]
}

// DialMQTT connects to the broker and returns once the first CONNACK arrives.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, ErrBrokerRequired
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, ErrClientIDMissing
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	m := &MQTT{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		matcher:  NewMatcher[string](),
		echoes:   make(map[echoKey][]time.Time),
	}
	opts, err := m.options()
	if err != nil {
		return nil, err
	}
	m.client = mqtt.NewClient(opts)

	log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Bool("tls", cfg.Session.TLS.Enabled).Msg("bus.MQTT connecting")
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(cfg.Session.ConnectTimeout):
		m.client.Disconnect(0)
		return nil, fmt.Errorf("%w: broker=%s", ErrConnectTimeout, cfg.Broker)
	case <-ctx.Done():
		m.client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", cfg.Broker, err)
	}
	return m, nil
}

func (m *MQTT) options() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(m.cfg.Session.ConnectTimeout).
		SetMaxReconnectInterval(m.cfg.Session.Backoff.MaxDelay).
		SetDefaultPublishHandler(m.onMessage).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Error().Str("broker", m.cfg.Broker).Err(err).Msg("bus.MQTT connection lost")
		})

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		password := m.cfg.Password
		if m.cfg.PasswordFile != "" {
			raw, err := os.ReadFile(m.cfg.PasswordFile)
			if err != nil {
				log.Warn().Str("file", m.cfg.PasswordFile).Err(err).Msg("bus.MQTT password file unreadable; using empty password")
			} else {
				password = strings.TrimRight(string(raw), "\r\n")
			}
		}
		opts.SetPassword(password)
	}
	if m.cfg.WillTopic != "" {
		opts.SetBinaryWill(m.cfg.WillTopic, m.cfg.WillPayload, m.cfg.QoS, false)
	}
	if m.cfg.Session.TLS.Enabled {
		u, err := url.Parse(m.cfg.Broker)
		if err != nil {
			return nil, err
		}
		tlsCfg, err := m.cfg.Session.ClientTLSConfig(u.Host)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// SetOnReconnect installs fn to run after every reconnect, once subscriptions
// have been restored. It never runs for the initial connect.
func (m *MQTT) SetOnReconnect(fn func()) {
	m.onReconnect.Store(&fn)
}

func (m *MQTT) onConnect(_ mqtt.Client) {
	first := !m.connected.Swap(true)
	log.Info().Str("broker", m.cfg.Broker).Bool("first", first).Msg("bus.MQTT connected")
	if first {
		return
	}
	go func() {
		m.resubscribe()
		if fn := m.onReconnect.Load(); fn != nil && *fn != nil {
			(*fn)()
		}
	}()
}

func (m *MQTT) resubscribe() {
	m.mu.Lock()
	patterns := make([]string, 0, len(m.handlers))
	for pattern := range m.handlers {
		patterns = append(patterns, pattern)
	}
	m.mu.Unlock()
	for _, pattern := range patterns {
		if err := m.wait(m.client.Subscribe(pattern, m.cfg.QoS, nil)); err != nil {
			log.Error().Str("topic", pattern).Err(err).Msg("bus.MQTT resubscribe failed")
		}
	}
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	key := echoKey{topic: topic, sum: sha256.Sum256(payload)}

	m.mu.Lock()
	if stamps := m.echoes[key]; len(stamps) > 0 {
		if len(stamps) == 1 {
			delete(m.echoes, key)
		} else {
			m.echoes[key] = stamps[1:]
		}
		m.mu.Unlock()
		log.Trace().Str("topic", topic).Msg("bus.MQTT dropped own echo")
		return
	}
	var hs []Handler
	for _, pattern := range m.matcher.Match(topic) {
		if h := m.handlers[pattern]; h != nil {
			hs = append(hs, h)
		}
	}
	m.mu.Unlock()

	if len(hs) == 0 {
		log.Debug().Str("topic", topic).Msg("bus.MQTT message without handler")
		return
	}
	for _, h := range hs {
		h(topic, payload)
	}
}

// Publish does not wait for the broker acknowledgement so it is safe to call
// from a delivery callback; failures are logged.
func (m *MQTT) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.expectEcho(topic, payload, time.Now())
	m.mu.Unlock()

	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Warn().Str("topic", topic).Err(err).Msg("bus.MQTT publish failed")
		}
	}()
	return nil
}

// expectEcho records an in-flight publish the broker will echo back because
// this client is subscribed to a matching pattern. Caller holds m.mu.
func (m *MQTT) expectEcho(topic string, payload []byte, now time.Time) {
	if len(m.matcher.Match(topic)) == 0 {
		return
	}
	m.pruneEchoes(now)
	key := echoKey{topic: topic, sum: sha256.Sum256(payload)}
	m.echoes[key] = append(m.echoes[key], now)
}

func (m *MQTT) pruneEchoes(now time.Time) {
	for key, stamps := range m.echoes {
		i := 0
		for i < len(stamps) && now.Sub(stamps[i]) > echoTTL {
			i++
		}
		if i == len(stamps) {
			delete(m.echoes, key)
		} else if i > 0 {
			m.echoes[key] = stamps[i:]
		}
	}
}

func (m *MQTT) Subscribe(pattern string, h Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existing := m.handlers[pattern]
	m.handlers[pattern] = h
	if !existing {
		m.matcher.Add(pattern, pattern)
	}
	m.mu.Unlock()
	if existing {
		return nil
	}
	return m.wait(m.client.Subscribe(pattern, m.cfg.QoS, nil))
}

func (m *MQTT) Unsubscribe(pattern string) error {
	m.mu.Lock()
	if _, ok := m.handlers[pattern]; !ok {
		m.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(m.handlers, pattern)
	m.matcher.Remove(pattern, pattern)
	m.mu.Unlock()
	return m.wait(m.client.Unsubscribe(pattern))
}

func (m *MQTT) wait(token mqtt.Token) error {
	if !token.WaitTimeout(m.cfg.Session.ConnectTimeout) {
		return fmt.Errorf("bus: broker did not acknowledge within %s", m.cfg.Session.ConnectTimeout)
	}
	return token.Error()
}

// Close disconnects cleanly; the broker discards the will.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.client.Disconnect(250)
	return nil
}
