package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// echoServer replies to every request with a canned response.
func echoServer(t *testing.T, socket string, respond func(req ipcRequest) map[string]any) {
	t.Helper()
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					var req ipcRequest
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
						continue
					}
					reply := respond(req)
					reply["request_id"] = req.RequestID
					payload, _ := json.Marshal(reply)
					conn.Write(append(payload, '\n'))
				}
			}()
		}
	}()
}

func TestCommandMatchesReplyByRequestID(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	echoServer(t, socket, func(req ipcRequest) map[string]any {
		return map[string]any{"error": "success", "data": len(req.Command)}
	})

	client := newIPCClient(zap.NewNop(), socket)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	data, err := client.Command(context.Background(), "loadfile", "/a.png", "replace")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil || n != 3 {
		t.Fatalf("reply mismatch: %s (%v)", data, err)
	}
}

func TestCommandErrorStatus(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	echoServer(t, socket, func(req ipcRequest) map[string]any {
		return map[string]any{"error": "invalid parameter"}
	})

	client := newIPCClient(zap.NewNop(), socket)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if _, err := client.Command(context.Background(), "loadfile"); err == nil {
		t.Fatalf("expected error for non-success reply")
	}
}

func TestGetPropertyRequiresData(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	echoServer(t, socket, func(req ipcRequest) map[string]any {
		// A wedged player acks without a data field.
		return map[string]any{"error": "success"}
	})

	client := newIPCClient(zap.NewNop(), socket)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if _, err := client.GetProperty(context.Background(), "idle-active"); err == nil {
		t.Fatalf("expected error for reply without data")
	}
}

func TestCommandTimesOutOnSilence(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn // accept and say nothing
		}
	}()

	client := newIPCClient(zap.NewNop(), socket)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := client.Command(ctx, "get_property", "idle-active"); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestConnectMissingSocket(t *testing.T) {
	client := newIPCClient(zap.NewNop(), filepath.Join(t.TempDir(), "absent.sock"))
	if err := client.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
