package heartbeat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/api"
)

const askPath = "/device/askforevent"

// Config configures the heartbeat module.
type Config struct {
	Interval time.Duration
}

// Module periodically announces the device to the API so the operator
// backend can tell a dark screen from a dead endpoint.
type Module struct {
	log    *zap.Logger
	api    *api.Client
	config Config
}

// NewModule creates a heartbeat module.
func NewModule(log *zap.Logger, client *api.Client, cfg Config) (*Module, error) {
	if client == nil {
		return nil, errors.New("api client required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Module{log: log, api: client, config: cfg}, nil
}

// Run sends heartbeats until the context ends. Failures are logged and
// never fatal.
func (m *Module) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Module) beat(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, body, err := m.api.PostJSON(callCtx, askPath, map[string]any{})
	if err != nil {
		m.log.Warn("heartbeat failed", zap.Error(err))
		return
	}
	if status >= 400 {
		m.log.Warn("heartbeat rejected", zap.Int("status", status), zap.ByteString("body", truncate(body, 200)))
		return
	}
	m.log.Debug("heartbeat ok", zap.Int("status", status))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
