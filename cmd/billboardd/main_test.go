package main

import (
	"testing"

	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/api"
	"github.com/venditt/billboardd/internal/adapters/sign"
	"github.com/venditt/billboardd/internal/billboardd"
)

func testAPIClient(t *testing.T) *api.Client {
	t.Helper()
	signer, err := sign.NewSigner("billboard-01", []byte("secret"))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := api.NewClient(api.Options{BaseURL: "http://127.0.0.1:0", Signer: signer})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func TestBuildModulesModuleOnlyFilter(t *testing.T) {
	cfg := billboardd.Config{}
	cfg.Server.Identity = "billboard-01"
	cfg.API.Base = "http://127.0.0.1:0"
	cfg.API.BillboardID = "b-42"
	cfg.Modules.Heartbeat.Enabled = true
	cfg.Modules.Heartbeat.IntervalSeconds = 10

	modules, err := buildModules(cfg, testAPIClient(t), nil, zap.NewNop(), "heartbeat", false)
	if err != nil {
		t.Fatalf("buildModules: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "heartbeat" {
		t.Fatalf("expected the heartbeat module, got %d", len(modules))
	}

	if _, err = buildModules(cfg, testAPIClient(t), nil, zap.NewNop(), "billboard", false); err == nil {
		t.Fatalf("expected error for filtered module")
	}
}

func TestBuildModulesBillboard(t *testing.T) {
	dir := t.TempDir()
	cfg := billboardd.Config{}
	cfg.Server.Identity = "billboard-01"
	cfg.API.Base = "http://127.0.0.1:0"
	cfg.API.BillboardID = "b-42"
	cfg.Modules.Billboard.Enabled = true
	cfg.Modules.Billboard.StateDir = dir + "/state"
	cfg.Modules.Billboard.CacheDir = dir + "/assets"
	cfg.Modules.Billboard.MaxCacheMB = 100
	cfg.Modules.Billboard.ImageSeconds = 15
	cfg.Modules.Billboard.PlayerBinary = "mpv"
	cfg.Modules.Billboard.PlayerSocket = dir + "/mpv.sock"

	modules, err := buildModules(cfg, testAPIClient(t), nil, zap.NewNop(), "billboard", false)
	if err != nil {
		t.Fatalf("buildModules: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "billboard" {
		t.Fatalf("expected the billboard module")
	}
}
