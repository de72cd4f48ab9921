package embeddedmqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/venditt/billboardd/pkg/bb"
)

// Config configures the embedded MQTT broker.
type Config struct {
	Listen         string
	TopicBase      string
	AllowAnonymous bool
	Username       string
	Password       string
	TLSCA          string
	TLSCert        string
	TLSKey         string
}

// Module runs an embedded MQTT broker so billctl works on a device with
// no external broker configured. Clients are confined to the billboard
// topic namespace, and the broker tails the device's own retained state
// documents so playback transitions land in the daemon log.
type Module struct {
	log    *zap.Logger
	server *mqtt.Server
	config Config

	mu         sync.Mutex
	lastStatus map[string]string
}

// NewModule creates a new embedded broker module.
func NewModule(log *zap.Logger, cfg Config) (*Module, error) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:1883"
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = bb.BaseTopic
	}

	server, err := newServer(log, cfg)
	if err != nil {
		return nil, err
	}
	return &Module{
		log:        log,
		server:     server,
		config:     cfg,
		lastStatus: map[string]string{},
	}, nil
}

// Run starts the embedded broker and serves until the context ends.
func (m *Module) Run(ctx context.Context) error {
	listenerConfig := listeners.Config{ID: "tcp-device", Address: m.config.Listen}
	if m.config.TLSCert != "" || m.config.TLSKey != "" || m.config.TLSCA != "" {
		tlsConfig, err := buildTLSConfig(m.config.TLSCA, m.config.TLSCert, m.config.TLSKey)
		if err != nil {
			return err
		}
		listenerConfig.TLSConfig = tlsConfig
	}

	listener := listeners.NewTCP(listenerConfig)
	if err := m.server.AddListener(listener); err != nil {
		return err
	}

	// Tail every device state document passing through the broker, so
	// the daemon log shows playback transitions even when nobody runs
	// billctl --watch.
	stateFilter := bb.TopicState(m.config.TopicBase, "+")
	if err := m.server.Subscribe(stateFilter, 1, m.handleState); err != nil {
		return err
	}

	go func() {
		_ = m.server.Serve()
	}()

	<-ctx.Done()
	m.server.Close()
	return nil
}

// handleState logs status transitions from retained PlayerState docs.
func (m *Module) handleState(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
	var state bb.PlayerState
	if err := json.Unmarshal(pk.Payload, &state); err != nil {
		m.log.Debug("unreadable state document", zap.String("topic", pk.TopicName), zap.Error(err))
		return
	}

	m.mu.Lock()
	prev := m.lastStatus[pk.TopicName]
	m.lastStatus[pk.TopicName] = state.Status
	m.mu.Unlock()

	if prev == state.Status {
		m.log.Debug("device state",
			zap.String("topic", pk.TopicName),
			zap.String("status", state.Status),
			zap.String("url", state.URL))
		return
	}
	m.log.Info("device status changed",
		zap.String("topic", pk.TopicName),
		zap.String("from", prev),
		zap.String("to", state.Status),
		zap.String("url", state.URL))
}

func newServer(log *zap.Logger, cfg Config) (*mqtt.Server, error) {
	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: brokerLogger(log)})

	// This broker exists to serve billboard status; every client is
	// confined to the billboard namespace.
	scope := auth.Filters{auth.RString(cfg.TopicBase + "/#"): auth.ReadWrite}

	var ledger *auth.Ledger
	switch {
	case cfg.AllowAnonymous:
		ledger = &auth.Ledger{
			Auth: auth.AuthRules{{Allow: true}},
			ACL:  auth.ACLRules{{Filters: scope}},
		}
	case cfg.Username != "":
		ledger = &auth.Ledger{
			Auth: auth.AuthRules{{Username: auth.RString(cfg.Username), Password: auth.RString(cfg.Password), Allow: true}},
			ACL:  auth.ACLRules{{Username: auth.RString(cfg.Username), Filters: scope}},
		}
	default:
		return nil, errors.New("embedded mqtt requires allow_anonymous or username")
	}
	if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}); err != nil {
		return nil, err
	}

	return server, nil
}

// brokerLogger bridges the broker's slog output into the daemon's zap
// logger.
func brokerLogger(log *zap.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return slog.New(&slogBridge{log: log})
}

type slogBridge struct {
	log   *zap.Logger
	attrs []slog.Attr
}

func (b *slogBridge) Enabled(context.Context, slog.Level) bool { return true }

func (b *slogBridge) Handle(_ context.Context, record slog.Record) error {
	fields := make([]zap.Field, 0, len(b.attrs)+record.NumAttrs())
	for _, attr := range b.attrs {
		fields = append(fields, zap.Any(attr.Key, attr.Value.Any()))
	}
	disconnect := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "error" && isClientDisconnect(attr.Value) {
			disconnect = true
		}
		fields = append(fields, zap.Any(attr.Key, attr.Value.Any()))
		return true
	})

	if disconnect {
		// billctl dropping its connection after a one-shot status read.
		b.log.Debug(record.Message, fields...)
		return nil
	}
	switch {
	case record.Level >= slog.LevelError:
		b.log.Error(record.Message, fields...)
	case record.Level >= slog.LevelWarn:
		b.log.Warn(record.Message, fields...)
	case record.Level >= slog.LevelInfo:
		b.log.Info(record.Message, fields...)
	default:
		b.log.Debug(record.Message, fields...)
	}
	return nil
}

func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, b.attrs...), attrs...)
	return &slogBridge{log: b.log, attrs: merged}
}

func (b *slogBridge) WithGroup(string) slog.Handler { return b }

func isClientDisconnect(v slog.Value) bool {
	switch v.Kind() {
	case slog.KindString:
		return strings.Contains(v.String(), "EOF")
	case slog.KindAny:
		err, ok := v.Any().(error)
		return ok && (errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF"))
	}
	return false
}

func buildTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}

	config := &tls.Config{}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA bundle")
		}
		config.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("both tls cert and key are required")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

// BrokerURL returns the broker URL for a listen address.
func BrokerURL(listen string, tlsEnabled bool) string {
	scheme := "mqtt"
	if tlsEnabled {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s", scheme, listen)
}
