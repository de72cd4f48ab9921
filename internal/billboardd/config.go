package billboardd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/venditt/billboardd/pkg/bb"
)

// Config is the top-level configuration for billboardd.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	API     APIConfig     `toml:"api"`
	Modules ModulesConfig `toml:"modules"`
}

// ServerConfig defines shared daemon settings.
type ServerConfig struct {
	Identity  string     `toml:"identity"`
	Broker    string     `toml:"broker"`
	TopicBase string     `toml:"topic_base"`
	LogLevel  string     `toml:"log_level"`
	LogFormat string     `toml:"log_format"`
	LogFile   string     `toml:"log_file"`
	TLS       TLSConfig  `toml:"tls"`
	Auth      AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// APIConfig holds the billboard API endpoint and device auth settings.
type APIConfig struct {
	Base          string `toml:"base"`
	BillboardID   string `toml:"billboard_id"`
	AuthHeader    string `toml:"auth_header"`
	MachineIDPath string `toml:"machine_id_path"`
	EnvFile       string `toml:"env_file"`
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	Billboard    BillboardConfig    `toml:"billboard"`
	Heartbeat    HeartbeatConfig    `toml:"heartbeat"`
	Events       EventsConfig       `toml:"events"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
}

// BillboardConfig configures the playback coordinator.
type BillboardConfig struct {
	Enabled      bool   `toml:"enabled"`
	StateDir     string `toml:"state_dir"`
	CacheDir     string `toml:"cache_dir"`
	ImageSeconds int    `toml:"image_seconds"`
	RestartHours int    `toml:"restart_hours"`
	MaxCacheMB   int64  `toml:"max_cache_mb"`
	Orientation  int    `toml:"orientation"`
	PlayerBinary string `toml:"player_binary"`
	PlayerSocket string `toml:"player_socket"`
}

// HeartbeatConfig configures the heartbeat module.
type HeartbeatConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// EventsConfig configures the proof-of-play event spool.
type EventsConfig struct {
	Enabled      bool   `toml:"enabled"`
	SpoolPath    string `toml:"spool_path"`
	FlushSeconds int    `toml:"flush_seconds"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// LoadConfig loads a config file from path and applies the device env
// overlay and defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	// An explicit restart_hours = 0 disables the restart timer, so the
	// default applies only when neither file nor env sets the key.
	restartSet := md.IsDefined("modules", "billboard", "restart_hours")
	if err := applyEnvOverlay(&cfg); err != nil {
		return Config{}, err
	}
	if v, ok := os.LookupEnv("RESTART_HOURS"); ok && v != "" {
		restartSet = true
	}
	applyDefaults(&cfg, restartSet)
	return cfg, nil
}

// applyEnvOverlay layers the flat device keys over the TOML config. Values
// already present in the process environment win over the env file.
func applyEnvOverlay(cfg *Config) error {
	envFile := cfg.API.EnvFile
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("env file: %w", err)
		}
	} else {
		// Optional config.env next to the daemon, matching the fleet
		// provisioning layout.
		_ = godotenv.Load("config.env")
	}

	cfg.API.Base = getEnv("API_BASE", cfg.API.Base)
	cfg.API.BillboardID = getEnv("ID", cfg.API.BillboardID)
	cfg.API.AuthHeader = getEnv("AUTH_HEADER", cfg.API.AuthHeader)

	var err error
	bc := &cfg.Modules.Billboard
	if bc.ImageSeconds, err = getEnvInt("IMAGE_SECONDS", bc.ImageSeconds); err != nil {
		return err
	}
	if bc.RestartHours, err = getEnvInt("RESTART_HOURS", bc.RestartHours); err != nil {
		return err
	}
	if bc.MaxCacheMB, err = getEnvInt64("MAX_CACHE_MB", bc.MaxCacheMB); err != nil {
		return err
	}
	if bc.Orientation, err = getEnvInt("ORIENTATION", bc.Orientation); err != nil {
		return err
	}
	hb := &cfg.Modules.Heartbeat
	if hb.IntervalSeconds, err = getEnvInt("HEARTBEAT_SECONDS", hb.IntervalSeconds); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config, restartSet bool) {
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = bb.BaseTopic
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "console"
	}

	bc := &cfg.Modules.Billboard
	if bc.StateDir == "" {
		bc.StateDir = "/data/player/state"
	}
	if bc.CacheDir == "" {
		bc.CacheDir = "/data/assets"
	}
	if bc.ImageSeconds == 0 {
		bc.ImageSeconds = 15
	}
	if !restartSet {
		bc.RestartHours = 24
	}
	if bc.MaxCacheMB == 0 {
		bc.MaxCacheMB = 30000
	}
	if bc.PlayerBinary == "" {
		bc.PlayerBinary = "mpv"
	}
	if bc.PlayerSocket == "" {
		bc.PlayerSocket = "/tmp/billboard-mpv.sock"
	}

	if cfg.Modules.Heartbeat.IntervalSeconds == 0 {
		cfg.Modules.Heartbeat.IntervalSeconds = 10
	}
	ev := &cfg.Modules.Events
	if ev.SpoolPath == "" {
		ev.SpoolPath = filepath.Join(bc.StateDir, "events.db")
	}
	if ev.FlushSeconds == 0 {
		ev.FlushSeconds = 30
	}
}

// Validate checks the startup-fatal invariants.
func Validate(cfg Config) error {
	needsAPI := cfg.Modules.Billboard.Enabled || cfg.Modules.Heartbeat.Enabled || cfg.Modules.Events.Enabled
	if needsAPI {
		if cfg.API.Base == "" {
			return errors.New("API_BASE is required")
		}
		if cfg.API.BillboardID == "" {
			return errors.New("ID is required")
		}
	}
	switch cfg.Modules.Billboard.Orientation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("invalid orientation %d", cfg.Modules.Billboard.Orientation)
	}
	if cfg.Modules.Billboard.RestartHours < 0 {
		return errors.New("restart_hours must be >= 0")
	}
	return nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() string {
	return "/etc/billboardd/billboardd.toml"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
