package session

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/danmuck/silverline/internal/testutil/testlog"
	"github.com/danmuck/silverline/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestWithDefaultsFillsUnsetFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReadTimeout: 250 * time.Millisecond}.WithDefaults()
	if cfg.ReadTimeout != 250*time.Millisecond {
		t.Fatalf("explicit read timeout overwritten: %v", cfg.ReadTimeout)
	}
	if cfg.RegistrationTimeout != 5*time.Second || cfg.WriteRetries != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	env, err := NewRequest(ActionCreate, ModuleSpec{Type: KindModule, UUID: "m1", File: "a.wasm"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ObjectID != env.ObjectID || got.Action != ActionCreate || got.Type != TypeRequest {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.DataType() != KindModule {
		t.Fatalf("data type=%q", got.DataType())
	}
	var spec ModuleSpec
	if err := got.DecodeData(&spec); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if spec.UUID != "m1" || spec.File != "a.wasm" || spec.Index != nil {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestResponseKeepsObjectID(t *testing.T) {
	testlog.Start(t)
	env, err := NewResponse("obj-1", ActionCreate, RuntimeInfo{Type: KindRuntime, UUID: "rt"})
	if err != nil {
		t.Fatalf("new response: %v", err)
	}
	if env.ObjectID != "obj-1" || env.Type != TypeResponse {
		t.Fatalf("unexpected response: %+v", env)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		`not json`,
		`{"action":"create","type":"req"}`,
		`{"object_id":"x","type":"req"}`,
		`{"object_id":"x","action":"create","type":"arts_req"}`,
	}
	for _, raw := range cases {
		if _, err := DecodeEnvelope([]byte(raw)); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("expected ErrInvalidEnvelope for %s, got %v", raw, err)
		}
	}
}

func TestDecodeDataMissing(t *testing.T) {
	testlog.Start(t)
	env := Envelope{ObjectID: "x", Action: ActionDelete, Type: TypeRequest, Data: json.RawMessage("null")}
	var ref ObjectRef
	if err := env.DecodeData(&ref); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if env.DataType() != "" {
		t.Fatalf("expected empty data type")
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestClientTLSConfigDisabled(t *testing.T) {
	testlog.Start(t)
	cfg, err := DefaultConfig().ClientTLSConfig("broker:8883")
	if err != nil || cfg != nil {
		t.Fatalf("expected nil tls config, got %v err=%v", cfg, err)
	}
}

func TestClientTLSConfigServerNameFromAddress(t *testing.T) {
	testlog.Start(t)
	c := DefaultConfig()
	c.TLS.Enabled = true
	c.TLS.InsecureSkipVerify = true
	cfg, err := c.ClientTLSConfig("broker.local:8883")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if cfg.ServerName != "broker.local" || !cfg.InsecureSkipVerify {
		t.Fatalf("unexpected tls config: server=%q", cfg.ServerName)
	}
}

func TestClientTLSConfigMutualHandshake(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "silverline-test-ca")
	broker := ca.Broker(t, "broker.local")
	client := ca.Client(t, "manager")

	c := DefaultConfig()
	c.SecurityMode = SecurityModeProduction
	c.TLS = TLSConfig{Enabled: true, Mutual: true, CAFile: ca.CAFile(), CertFile: client.CertFile, KeyFile: client.KeyFile}
	if err := c.ValidateClientTransport(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	clientCfg, err := c.ClientTLSConfig("broker.local:8883")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if clientCfg.RootCAs == nil || len(clientCfg.Certificates) != 1 {
		t.Fatalf("expected pinned ca and client cert")
	}

	serverCert, err := tls.LoadX509KeyPair(broker.CertFile, broker.KeyFile)
	if err != nil {
		t.Fatalf("load broker pair: %v", err)
	}
	caPEM, err := os.ReadFile(ca.CAFile())
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)
	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		errCh <- conn.(*tls.Conn).Handshake()
	}()
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	defer conn.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestWithDefaultsKeepsDisabledWriteRetries(t *testing.T) {
	testlog.Start(t)
	c := DefaultConfig()
	c.WriteRetries = NoWriteRetries
	if got := c.WithDefaults().WriteRetries; got != NoWriteRetries {
		t.Fatalf("disabled retries overwritten: %d", got)
	}
	c.WriteRetries = -7
	if got := c.WithDefaults().WriteRetries; got != NoWriteRetries {
		t.Fatalf("negative retries not normalized: %d", got)
	}
	if got := (Config{}).WithDefaults().WriteRetries; got != 3 {
		t.Fatalf("unset retries not defaulted: %d", got)
	}
}
