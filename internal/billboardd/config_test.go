package billboardd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billboardd.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[api]
base = "https://api.example.com/api/v1/user"
billboard_id = "b-42"

[modules.billboard]
enabled = true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	bc := cfg.Modules.Billboard
	if bc.ImageSeconds != 15 {
		t.Fatalf("image seconds default: %d", bc.ImageSeconds)
	}
	if bc.RestartHours != 24 {
		t.Fatalf("restart hours default: %d", bc.RestartHours)
	}
	if bc.MaxCacheMB != 30000 {
		t.Fatalf("cache quota default: %d", bc.MaxCacheMB)
	}
	if bc.StateDir != "/data/player/state" || bc.CacheDir != "/data/assets" {
		t.Fatalf("dir defaults: %s %s", bc.StateDir, bc.CacheDir)
	}
	if cfg.Modules.Heartbeat.IntervalSeconds != 10 {
		t.Fatalf("heartbeat default: %d", cfg.Modules.Heartbeat.IntervalSeconds)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadConfigExplicitZeroRestart(t *testing.T) {
	path := writeConfig(t, `
[api]
base = "https://api.example.com"
billboard_id = "b-42"

[modules.billboard]
enabled = true
restart_hours = 0
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Modules.Billboard.RestartHours != 0 {
		t.Fatalf("explicit zero restart_hours overridden: %d", cfg.Modules.Billboard.RestartHours)
	}
}

func TestEnvOverlayWins(t *testing.T) {
	path := writeConfig(t, `
[api]
base = "https://file.example.com"
billboard_id = "from-file"

[modules.billboard]
enabled = true
image_seconds = 5
`)

	t.Setenv("API_BASE", "https://env.example.com")
	t.Setenv("IMAGE_SECONDS", "7")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Base != "https://env.example.com" {
		t.Fatalf("env overlay lost: %s", cfg.API.Base)
	}
	if cfg.Modules.Billboard.ImageSeconds != 7 {
		t.Fatalf("env image seconds lost: %d", cfg.Modules.Billboard.ImageSeconds)
	}
	if cfg.API.BillboardID != "from-file" {
		t.Fatalf("file value clobbered: %s", cfg.API.BillboardID)
	}
}

func TestValidateRequiresAPISettings(t *testing.T) {
	path := writeConfig(t, `
[modules.billboard]
enabled = true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected missing API_BASE error")
	}
}

func TestValidateRejectsBadOrientation(t *testing.T) {
	path := writeConfig(t, `
[api]
base = "https://api.example.com"
billboard_id = "b-42"

[modules.billboard]
enabled = true
orientation = 45
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected orientation error")
	}
}

func TestLoadConfigBadEnvInt(t *testing.T) {
	path := writeConfig(t, `
[api]
base = "https://api.example.com"
billboard_id = "b-42"
`)
	t.Setenv("MAX_CACHE_MB", "lots")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error")
	}
}
