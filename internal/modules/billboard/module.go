package billboard

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/modules/assetcache"
	"github.com/venditt/billboardd/internal/modules/player"
	"github.com/venditt/billboardd/pkg/bb"
)

const (
	bootRetry    = 5 * time.Second
	refetchRetry = 2 * time.Second
	playRetry    = time.Second
)

// ErrRestartDue signals the scheduled supervisor restart; the process
// exits 0 and the external supervisor respawns it.
var ErrRestartDue = errors.New("scheduled restart due")

// EventRecorder receives proof-of-play events. Implementations must not
// block playback.
type EventRecorder interface {
	Record(eventType string, data map[string]any)
}

// AssetPlayer shows one asset at a time on the attached display.
type AssetPlayer interface {
	Play(ctx context.Context, assetURL, localPath string) error
	Shutdown()
}

// StatusPublisher carries the device's status documents to the broker;
// nil disables publishing.
type StatusPublisher interface {
	PublishJSON(topic string, qos byte, retained bool, v any) error
}

// Config configures the playback coordinator.
type Config struct {
	NodeID       string
	TopicBase    string
	RestartHours int
}

// Module is the playback coordinator: it pages the billboard API into the
// on-disk playlists, feeds assets through the cache to the player, and
// swaps in the prefetched list at batch boundaries.
type Module struct {
	log     *zap.Logger
	client  StatusPublisher
	store   *Store
	fetcher *Fetcher
	cache   *assetcache.Cache
	player  AssetPlayer
	events  EventRecorder
	config  Config

	stateVersion atomic.Int64
	reload       atomic.Bool

	prefetchMu     sync.Mutex
	prefetchCancel context.CancelFunc
	prefetchDone   chan struct{}
}

// NewModule wires the coordinator. client and events may be nil.
func NewModule(log *zap.Logger, client StatusPublisher, store *Store, fetcher *Fetcher, cache *assetcache.Cache, driver AssetPlayer, events EventRecorder, cfg Config) (*Module, error) {
	if store == nil || fetcher == nil || cache == nil || driver == nil {
		return nil, errors.New("store, fetcher, cache and player are required")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("node_id required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = bb.BaseTopic
	}
	return &Module{
		log:     log,
		client:  client,
		store:   store,
		fetcher: fetcher,
		cache:   cache,
		player:  driver,
		events:  events,
		config:  cfg,
	}, nil
}

// Run drives the play/swap/prefetch state machine until the context is
// cancelled or the restart timer fires.
func (m *Module) Run(ctx context.Context) error {
	defer m.player.Shutdown()
	defer m.stopPrefetch()

	m.publishPresence()
	m.publishState(bb.StateBooting, "", "", 0, 0)

	var restartAt time.Time
	if m.config.RestartHours > 0 {
		restartAt = time.Now().Add(time.Duration(m.config.RestartHours) * time.Hour)
	}

	if err := m.bootstrap(ctx); err != nil {
		return err
	}
	m.startPrefetch(ctx)

	watcher, err := m.watchMain(ctx)
	if err != nil {
		m.log.Warn("state watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	for {
		if ctx.Err() != nil {
			m.publishState(bb.StateExiting, "", "", 0, 0)
			return nil
		}

		m.reload.Store(false)
		urls, err := m.store.ReadMain()
		if err != nil {
			m.log.Warn("read main failed", zap.Error(err))
			if !sleepCtx(ctx, refetchRetry) {
				return nil
			}
			continue
		}
		if len(urls) == 0 {
			m.log.Warn("main list empty, refetching")
			m.publishState(bb.StateRefetching, "", "", 0, 0)
			if !m.refetchMain(ctx) {
				return nil
			}
			continue
		}

		completed := m.playList(ctx, urls)
		if ctx.Err() != nil {
			m.publishState(bb.StateExiting, "", "", 0, 0)
			return nil
		}
		if !completed {
			// External edit of main.txt: re-read without swapping.
			continue
		}

		if !restartAt.IsZero() && time.Now().After(restartAt) {
			m.log.Info("restart interval reached, exiting for supervisor")
			m.publishState(bb.StateExiting, "", "", 0, 0)
			return ErrRestartDue
		}
		m.swap(ctx)
	}
}

// playList walks the list once. Returns false when the walk was cut short
// by an external playlist edit; a wrap flag ends the walk but still counts
// as completed so the swap runs.
func (m *Module) playList(ctx context.Context, urls []string) bool {
	for i, url := range urls {
		if ctx.Err() != nil {
			return false
		}
		if m.store.ConsumeWrapFlag() {
			m.log.Info("wrap flag consumed, swapping early")
			return true
		}
		if m.reload.CompareAndSwap(true, false) {
			m.log.Info("main list changed externally, reloading")
			return false
		}
		m.playOne(ctx, url, i, len(urls))
	}
	return true
}

func (m *Module) playOne(ctx context.Context, url string, index, length int) {
	source, err := m.cache.GetOrFetch(ctx, url)
	if err != nil {
		// Stream fallback: hand the original URL to the player so the
		// screen stays live while the CDN misbehaves.
		m.log.Warn("download failed, streaming original url",
			zap.String("url", url), zap.Error(err))
		source = url
	}

	kind := player.KindFor(url)
	m.publishState(bb.StatePlaying, url, kind, index, length)

	start := time.Now()
	if err := m.player.Play(ctx, url, source); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("playback failed", zap.String("url", url), zap.Error(err))
		m.record("billboard.asset_failed", map[string]any{
			"url":    url,
			"kind":   kind,
			"reason": err.Error(),
		})
		sleepCtx(ctx, playRetry)
		return
	}
	if kind == "" {
		// The player skips extensionless URLs; nothing was shown.
		return
	}
	m.record("billboard.asset_shown", map[string]any{
		"url":             url,
		"kind":            kind,
		"display_seconds": int(time.Since(start).Seconds()),
	})
}

// bootstrap retries the initial fetch forever, then seeds main and the
// cursor.
func (m *Module) bootstrap(ctx context.Context) error {
	for {
		cursor := m.store.ReadCursor()
		batch, err := m.fetcher.Fetch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("bootstrap fetch failed", zap.Int("cursor", cursor), zap.Error(err))
			if !sleepCtx(ctx, bootRetry) {
				return nil
			}
			continue
		}
		if err := m.store.WriteMain(batch.URLs); err != nil {
			return err
		}
		if err := m.store.WriteCursor(batch.Next); err != nil {
			return err
		}
		m.log.Info("bootstrap complete",
			zap.Int("urls", len(batch.URLs)), zap.Int("cursor", batch.Next))
		return nil
	}
}

// refetchMain refills main.txt at the current cursor with a short backoff.
// Returns false when the context ended.
func (m *Module) refetchMain(ctx context.Context) bool {
	for {
		cursor := m.store.ReadCursor()
		batch, err := m.fetcher.Fetch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			m.log.Warn("refetch failed", zap.Int("cursor", cursor), zap.Error(err))
			if !sleepCtx(ctx, refetchRetry) {
				return false
			}
			continue
		}
		if err := m.store.WriteMain(batch.URLs); err != nil {
			m.log.Warn("write main failed", zap.Error(err))
			return ctx.Err() == nil
		}
		if err := m.store.WriteCursor(batch.Next); err != nil {
			m.log.Warn("write cursor failed", zap.Error(err))
		}
		return true
	}
}

// swap promotes pending into main, evicts the cache, and starts the next
// prefetch. With nothing prefetched the current main plays again.
func (m *Module) swap(ctx context.Context) {
	m.publishState(bb.StateSwapping, "", "", 0, 0)

	swapped, err := m.store.SwapPendingIntoMain()
	if err != nil {
		m.log.Warn("swap failed", zap.Error(err))
		return
	}
	if !swapped {
		m.log.Info("pending list empty, replaying main")
		return
	}
	m.log.Info("swapped pending into main")
	m.cache.Evict()
	m.startPrefetch(ctx)
}

// startPrefetch owns the single background task slot. A new request
// cancels the prior fetch; the join is bounded by the fetch timeout.
func (m *Module) startPrefetch(parent context.Context) {
	m.prefetchMu.Lock()
	defer m.prefetchMu.Unlock()

	if m.prefetchCancel != nil {
		m.prefetchCancel()
		<-m.prefetchDone
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.prefetchCancel = cancel
	m.prefetchDone = done

	go func() {
		defer close(done)
		defer cancel()

		cursor := m.store.ReadCursor()
		batch, err := m.fetcher.Fetch(ctx, cursor)
		if err != nil {
			m.log.Warn("prefetch failed", zap.Int("cursor", cursor), zap.Error(err))
			return
		}
		if err := m.store.WritePending(batch.URLs); err != nil {
			m.log.Warn("write pending failed", zap.Error(err))
			return
		}
		if err := m.store.WriteCursor(batch.Next); err != nil {
			m.log.Warn("write cursor failed", zap.Error(err))
		}
		if batch.Wrapped {
			m.log.Info("cursor wrapped", zap.Int("cursor", cursor), zap.Int("next", batch.Next))
			if err := m.store.SetWrapFlag(); err != nil {
				m.log.Warn("set wrap flag failed", zap.Error(err))
			}
		}
	}()
}

func (m *Module) stopPrefetch() {
	m.prefetchMu.Lock()
	defer m.prefetchMu.Unlock()
	if m.prefetchCancel != nil {
		m.prefetchCancel()
		<-m.prefetchDone
		m.prefetchCancel = nil
		m.prefetchDone = nil
	}
}

// watchMain flags external edits of main.txt so S4-style truncation is
// noticed mid-list instead of at the next boundary.
func (m *Module) watchMain(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(m.store.Dir()); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != mainFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					m.reload.Store(true)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Debug("state watcher error", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}

func (m *Module) publishPresence() {
	if m.client == nil {
		return
	}
	presence := bb.Presence{
		NodeID: m.config.NodeID,
		Kind:   "billboard",
		Name:   "Billboard Player",
		Caps:   map[string]any{"wrap": true, "prefetch": true},
		TS:     time.Now().Unix(),
	}
	topic := bb.TopicPresence(m.config.TopicBase, m.config.NodeID)
	if err := m.client.PublishJSON(topic, 1, true, presence); err != nil {
		m.log.Warn("publish presence failed", zap.Error(err))
	}
}

func (m *Module) publishState(status, url, kind string, index, length int) {
	if m.client == nil {
		return
	}
	state := bb.PlayerState{
		Status:       status,
		URL:          url,
		Kind:         kind,
		Index:        index,
		Length:       length,
		Cursor:       m.store.ReadCursor(),
		StateVersion: m.stateVersion.Add(1),
		TS:           time.Now().Unix(),
	}
	if err := bb.ValidatePlayerState(state); err != nil {
		m.log.Warn("invalid state", zap.Error(err))
		return
	}
	topic := bb.TopicState(m.config.TopicBase, m.config.NodeID)
	if err := m.client.PublishJSON(topic, 1, true, state); err != nil {
		m.log.Warn("publish state failed", zap.Error(err))
	}
}

func (m *Module) record(eventType string, data map[string]any) {
	if m.events != nil {
		m.events.Record(eventType, data)
	}
	if m.client != nil {
		event := bb.Event{Type: eventType, TS: time.Now().Unix(), Data: data}
		topic := bb.TopicEvents(m.config.TopicBase, m.config.NodeID)
		_ = m.client.PublishJSON(topic, 0, false, event)
	}
}

// sleepCtx sleeps unless the context ends first; false means shutdown.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
