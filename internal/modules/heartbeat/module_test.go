package heartbeat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/api"
	"github.com/venditt/billboardd/internal/adapters/sign"
)

func TestHeartbeatPostsRepeatedly(t *testing.T) {
	var mu sync.Mutex
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/device/askforevent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get(sign.HeaderSignature) == "" {
			t.Errorf("heartbeat not signed")
		}
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	signer, err := sign.NewSigner("billboard-01", []byte("secret"))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := api.NewClient(api.Options{BaseURL: server.URL, Signer: signer})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	module, err := NewModule(zap.NewNop(), client, Config{Interval: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("module: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- module.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := hits
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits < 3 {
		t.Fatalf("expected at least 3 heartbeats, got %d", hits)
	}
}

func TestHeartbeatSurvivesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	signer, _ := sign.NewSigner("billboard-01", []byte("secret"))
	client, err := api.NewClient(api.Options{BaseURL: server.URL, Signer: signer})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	module, err := NewModule(zap.NewNop(), client, Config{Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("module: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := module.Run(ctx); err != nil {
		t.Fatalf("run must absorb server errors: %v", err)
	}
}
