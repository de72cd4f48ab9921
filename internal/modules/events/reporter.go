package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/api"
	"github.com/venditt/billboardd/internal/adapters/idgen"
)

const logPath = "/device/logdeviceevent"

var bucketPending = []byte("pending")

// Config configures the event reporter.
type Config struct {
	SpoolPath     string
	FlushInterval time.Duration
}

// Reporter spools proof-of-play events on disk and delivers them to the
// API with idempotency keys, so a crash or an offline stretch loses
// nothing and a retry never double-counts.
type Reporter struct {
	log    *zap.Logger
	api    *api.Client
	db     *bolt.DB
	idgen  idgen.Generator
	config Config
}

type spooledEvent struct {
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Data           map[string]any `json:"data,omitempty"`
	TS             int64          `json:"ts"`
}

type logEventBody struct {
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Data           map[string]any `json:"data"`
}

// NewReporter opens the spool database.
func NewReporter(log *zap.Logger, client *api.Client, cfg Config) (*Reporter, error) {
	if client == nil {
		return nil, errors.New("api client required")
	}
	if cfg.SpoolPath == "" {
		return nil, errors.New("spool path required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SpoolPath), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.SpoolPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Reporter{log: log, api: client, db: db, config: cfg}, nil
}

// Record spools one event. Never blocks on the network.
func (r *Reporter) Record(eventType string, data map[string]any) {
	event := spooledEvent{
		Type:           eventType,
		IdempotencyKey: r.idgen.NewID(),
		Data:           data,
		TS:             time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.log.Warn("marshal event failed", zap.Error(err))
		return
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(event.IdempotencyKey), payload)
	})
	if err != nil {
		r.log.Warn("spool event failed", zap.Error(err))
	}
}

// Pending returns the number of undelivered events.
func (r *Reporter) Pending() int {
	var count int
	_ = r.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return count
}

// Run flushes the spool on an interval until the context ends, then
// makes one last delivery attempt and closes the database.
func (r *Reporter) Run(ctx context.Context) error {
	defer r.db.Close()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush delivers spooled events in key order. Delivery stops at the first
// transport error; rejected events (4xx) are dropped because a replay
// cannot succeed either.
func (r *Reporter) Flush(ctx context.Context) {
	type pending struct {
		key   []byte
		event spooledEvent
	}
	var batch []pending
	_ = r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var event spooledEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return nil
			}
			batch = append(batch, pending{key: append([]byte{}, k...), event: event})
			return nil
		})
	})

	for _, item := range batch {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, _, err := r.api.PostJSON(callCtx, logPath, logEventBody{
			Type:           item.event.Type,
			IdempotencyKey: item.event.IdempotencyKey,
			Data:           item.event.Data,
		})
		cancel()
		if err != nil {
			r.log.Warn("event delivery failed", zap.String("type", item.event.Type), zap.Error(err))
			return
		}
		if status >= 500 {
			r.log.Warn("event delivery deferred", zap.Int("status", status))
			return
		}
		if status >= 400 {
			r.log.Warn("event rejected, dropping", zap.Int("status", status), zap.String("type", item.event.Type))
		} else {
			r.log.Debug("event delivered", zap.String("type", item.event.Type))
		}
		err = r.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPending).Delete(item.key)
		})
		if err != nil {
			r.log.Warn("spool delete failed", zap.Error(err))
			return
		}
	}
}
