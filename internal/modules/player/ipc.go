package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ipcClient speaks the media player's line-delimited JSON IPC over a
// Unix-domain socket. One request at a time is matched to its reply by
// request id; unsolicited event lines are dropped.
type ipcClient struct {
	log        *zap.Logger
	socketPath string

	mu    sync.Mutex
	conn  net.Conn
	reqID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan ipcResponse
}

type ipcRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type ipcResponse struct {
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID *int64          `json:"request_id,omitempty"`
	Event     string          `json:"event,omitempty"`
}

func newIPCClient(log *zap.Logger, socketPath string) *ipcClient {
	return &ipcClient{
		log:        log,
		socketPath: socketPath,
		pending:    make(map[int64]chan ipcResponse),
	}
}

// Connect dials the player socket.
func (c *ipcClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("ipc dial: %w", err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

// Close closes the connection. Safe to call repeatedly.
func (c *ipcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *ipcClient) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		c.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("ipc read error", zap.Error(err))
	}
	_ = c.Close()
}

func (c *ipcClient) handleLine(data []byte) {
	var msg ipcResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.RequestID == nil {
		// Player event (file-loaded, end-file, ...); the driver polls
		// properties instead of consuming the event stream.
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[*msg.RequestID]
	if ok {
		delete(c.pending, *msg.RequestID)
	}
	c.pendingMu.Unlock()
	if ok && ch != nil {
		ch <- msg
	}
}

// Command sends a command array and waits for its reply.
func (c *ipcClient) Command(ctx context.Context, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("ipc not connected")
	}

	id := c.reqID.Add(1)
	payload, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	respCh := make(chan ipcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	c.mu.Lock()
	if c.conn != nil {
		_, err = c.conn.Write(payload)
	} else {
		err = errors.New("ipc connection lost")
	}
	c.mu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Error != "" && resp.Error != "success" {
			return nil, fmt.Errorf("ipc command failed: %s", resp.Error)
		}
		return resp.Data, nil
	}
}

// GetProperty reads a player property. A reply without a data field is an
// error so a wedged player fails the health probe.
func (c *ipcClient) GetProperty(ctx context.Context, name string) (json.RawMessage, error) {
	data, err := c.Command(ctx, "get_property", name)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("property %s: no data in reply", name)
	}
	return data, nil
}

// SetProperty writes a player property.
func (c *ipcClient) SetProperty(ctx context.Context, name string, value any) error {
	_, err := c.Command(ctx, "set_property", name, value)
	return err
}
