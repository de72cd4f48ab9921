package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	respawnWait     = 8 * time.Second
	respawnPoll     = 100 * time.Millisecond
	eofPoll         = 200 * time.Millisecond
	eofSlack        = 10 * time.Second
	unknownDuration = 5 * time.Minute
	ipcCallTimeout  = 2 * time.Second
)

// Asset kinds recognized by the driver.
const (
	KindImage = "image"
	KindVideo = "video"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".webp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true,
	".avi": true, ".m4v": true, ".ts": true,
}

// KindFor classifies an asset URL by its path extension. Unrecognized
// extensions are treated as video so streams still play.
func KindFor(rawURL string) string {
	ext := strings.ToLower(urlExt(rawURL))
	if ext == "" {
		return ""
	}
	if imageExts[ext] {
		return KindImage
	}
	if videoExts[ext] {
		return KindVideo
	}
	// Anything else with an extension goes through the video path, which
	// also covers live-stream formats.
	return KindVideo
}

func urlExt(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return path.Ext(u.Path)
	}
	trimmed := rawURL
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return path.Ext(trimmed)
}

// Config configures the player driver.
type Config struct {
	Binary       string
	Socket       string
	Orientation  int
	ImageSeconds time.Duration
}

// Driver supervises one long-running media player subprocess reachable
// over its IPC socket, restarting it whenever the socket goes stale.
type Driver struct {
	log    *zap.Logger
	config Config

	mu       sync.Mutex
	ipc      *ipcClient
	cmd      *exec.Cmd
	shutdown bool

	// spawn is swapped out by tests to avoid launching a real player.
	spawn func() (*exec.Cmd, error)
}

// NewDriver creates a player driver.
func NewDriver(log *zap.Logger, cfg Config) (*Driver, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, errors.New("player binary required")
	}
	if strings.TrimSpace(cfg.Socket) == "" {
		return nil, errors.New("player socket required")
	}
	if cfg.ImageSeconds <= 0 {
		cfg.ImageSeconds = 15 * time.Second
	}
	d := &Driver{log: log, config: cfg}
	d.spawn = d.spawnPlayer
	return d, nil
}

func (d *Driver) launchArgs() []string {
	return []string{
		"--fullscreen",
		"--no-border",
		"--hwdec=auto",
		"--mute=yes",
		"--idle=yes",
		"--force-window=yes",
		"--no-osc",
		"--cursor-autohide=1000",
		fmt.Sprintf("--video-rotate=%d", d.config.Orientation),
		"--image-display-duration=inf",
		"--input-ipc-server=" + d.config.Socket,
	}
}

func (d *Driver) spawnPlayer() (*exec.Cmd, error) {
	cmd := exec.Command(d.config.Binary, d.launchArgs()...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	// Reap the child when it dies so a crashed player never lingers as
	// a zombie while the probe is respawning.
	go func() { _ = cmd.Wait() }()
	return cmd, nil
}

// EnsureAlive probes the player socket and respawns the player when the
// probe fails. Consecutive calls against a healthy player spawn nothing.
func (d *Driver) EnsureAlive(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return errors.New("driver is shut down")
	}
	if d.probeLocked(ctx) == nil {
		return nil
	}
	return d.respawnLocked(ctx)
}

func (d *Driver) probeLocked(ctx context.Context) error {
	if d.ipc == nil {
		d.ipc = newIPCClient(d.log, d.config.Socket)
	}
	if err := d.ipc.Connect(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, ipcCallTimeout)
	defer cancel()
	_, err := d.ipc.GetProperty(callCtx, "idle-active")
	return err
}

func (d *Driver) respawnLocked(ctx context.Context) error {
	d.log.Warn("player unresponsive, respawning", zap.String("socket", d.config.Socket))

	if d.ipc != nil {
		_ = d.ipc.Close()
		d.ipc = nil
	}
	d.killLocked()
	_ = os.Remove(d.config.Socket)

	cmd, err := d.spawn()
	if err != nil {
		return fmt.Errorf("spawn player: %w", err)
	}
	d.cmd = cmd

	deadline := time.Now().Add(respawnWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(respawnPoll):
		}
		if _, err := os.Stat(d.config.Socket); err != nil {
			continue
		}
		if err := d.probeLocked(ctx); err == nil {
			d.log.Info("player ready", zap.String("socket", d.config.Socket))
			return nil
		}
		if d.ipc != nil {
			_ = d.ipc.Close()
			d.ipc = nil
		}
	}
	return errors.New("player did not come up within 8s")
}

// killLocked terminates whatever owns the socket: the tracked child if
// any, plus a pattern kill for a stale player from a previous run.
func (d *Driver) killLocked() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		d.cmd = nil
	}
	_ = exec.Command("pkill", "-f", "input-ipc-server="+d.config.Socket).Run()
}

// Play shows one asset. Images are held for the configured duration;
// videos run until end-of-file or the safety timeout.
func (d *Driver) Play(ctx context.Context, assetURL, localPath string) error {
	kind := KindFor(assetURL)
	if kind == "" {
		d.log.Info("skipping extensionless url", zap.String("url", assetURL))
		return nil
	}
	if err := d.EnsureAlive(ctx); err != nil {
		return err
	}

	loop := "no"
	if kind == KindImage {
		// Keep a still image on screen instead of re-loading on EOF.
		loop = "inf"
	}
	if err := d.setProperty(ctx, "loop-file", loop); err != nil {
		d.log.Warn("set loop-file failed", zap.Error(err))
	}
	if _, err := d.command(ctx, "loadfile", localPath, "replace"); err != nil {
		return fmt.Errorf("loadfile: %w", err)
	}

	if kind == KindImage {
		return d.holdImage(ctx)
	}
	return d.waitVideo(ctx)
}

func (d *Driver) holdImage(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.config.ImageSeconds):
	}
	// Stop so the next loadfile starts from a clean screen.
	if _, err := d.command(ctx, "stop"); err != nil {
		d.log.Warn("stop after image failed", zap.Error(err))
	}
	return nil
}

func (d *Driver) waitVideo(ctx context.Context) error {
	timeout := unknownDuration
	if duration := d.videoDuration(ctx); duration > 0 {
		timeout = duration + eofSlack
	}
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(eofPoll):
		}
		if time.Now().After(deadline) {
			d.log.Warn("video safety timeout, stopping")
			if _, err := d.command(ctx, "stop"); err != nil {
				d.log.Warn("stop after timeout failed", zap.Error(err))
			}
			return nil
		}

		data, err := d.getProperty(ctx, "eof-reached")
		if err != nil {
			return fmt.Errorf("eof probe: %w", err)
		}
		var eof bool
		if err := json.Unmarshal(data, &eof); err == nil && eof {
			return nil
		}
	}
}

// videoDuration reads the duration once the file finishes loading. A few
// early probes fail or report nothing while the demuxer opens the file.
func (d *Driver) videoDuration(ctx context.Context) time.Duration {
	for attempt := 0; attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(eofPoll):
		}
		data, err := d.getProperty(ctx, "duration")
		if err != nil {
			continue
		}
		var seconds float64
		if err := json.Unmarshal(data, &seconds); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return 0
}

func (d *Driver) command(ctx context.Context, args ...any) (json.RawMessage, error) {
	d.mu.Lock()
	ipc := d.ipc
	d.mu.Unlock()
	if ipc == nil {
		return nil, errors.New("player not running")
	}
	callCtx, cancel := context.WithTimeout(ctx, ipcCallTimeout)
	defer cancel()
	return ipc.Command(callCtx, args...)
}

func (d *Driver) getProperty(ctx context.Context, name string) (json.RawMessage, error) {
	d.mu.Lock()
	ipc := d.ipc
	d.mu.Unlock()
	if ipc == nil {
		return nil, errors.New("player not running")
	}
	callCtx, cancel := context.WithTimeout(ctx, ipcCallTimeout)
	defer cancel()
	return ipc.GetProperty(callCtx, name)
}

func (d *Driver) setProperty(ctx context.Context, name string, value any) error {
	d.mu.Lock()
	ipc := d.ipc
	d.mu.Unlock()
	if ipc == nil {
		return errors.New("player not running")
	}
	callCtx, cancel := context.WithTimeout(ctx, ipcCallTimeout)
	defer cancel()
	return ipc.SetProperty(callCtx, name, value)
}

// Shutdown quits the player, terminates the process, and removes the
// socket file. Idempotent; runs on normal exit and on signals.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return
	}
	d.shutdown = true

	if d.ipc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = d.ipc.Command(ctx, "quit")
		cancel()
		_ = d.ipc.Close()
		d.ipc = nil
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Signal(syscall.SIGTERM)
		d.cmd = nil
	}
	_ = exec.Command("pkill", "-f", "input-ipc-server="+d.config.Socket).Run()
	_ = os.Remove(d.config.Socket)
}
