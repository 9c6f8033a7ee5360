package appserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agtmux/agtmux/internal/model"
)

// rpcMessage is the wire shape of every JSON-RPC 2.0 frame exchanged with
// the agent app-server (spec 4.4): newline-delimited JSON over stdio, and
// every outgoing message must carry "jsonrpc":"2.0".
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// notification is a server-pushed message with no id.
type notification struct {
	Method string
	Params json.RawMessage
}

// client is the transport contract the adapter drives; the real
// implementation spawns the official app-server subprocess, a fake
// implementation drives the adapter's logic in tests.
type client interface {
	Handshake(ctx context.Context) error
	ThreadList(ctx context.Context, cwd string, limit int) (threadListResult, error)
	DrainNotifications(timeout time.Duration) []notification
	Alive() bool
	Close()
}

type threadListResult struct {
	Threads []threadEntry
}

type threadEntry struct {
	ID        string
	Cwd       string
	UpdatedAt time.Time
	Status    string
}

// subprocessClient implements client by spawning the agent's app-server
// binary and speaking JSON-RPC 2.0 over its stdio, grounded on the
// teacher's own codex app-server handshake (internal/daemon/codex_appserver.go)
// but kept alive across ticks instead of one-shot per workspace query.
type subprocessClient struct {
	command string
	args    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *json.Encoder
	decoder *json.Decoder
	stderr  bytes.Buffer

	nextID      int64
	alive       atomic.Bool
	notifyCh    chan notification
	done        chan struct{}
	pendingResp chan map[string]json.RawMessage
}

func newSubprocessClient(command string, args []string) *subprocessClient {
	return &subprocessClient{command: command, args: args, notifyCh: make(chan notification, 64)}
}

func (c *subprocessClient) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := exec.CommandContext(context.Background(), c.command, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("app-server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("app-server stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("app-server stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start app-server: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.encoder = json.NewEncoder(stdin)
	c.decoder = json.NewDecoder(bufio.NewReader(stdout))
	c.done = make(chan struct{})

	go io.Copy(&c.stderr, stderr) //nolint:errcheck
	go c.readLoop()

	initReq := rpcMessage{
		JSONRPC: "2.0",
		ID:      idPtr(c.nextRequestID()),
		Method:  "initialize",
		Params: map[string]any{
			"clientInfo":   map[string]any{"name": "agtmux", "title": "AGTMUX", "version": "v1"},
			"capabilities": map[string]any{},
		},
	}
	if err := c.send(initReq); err != nil {
		return fmt.Errorf("write initialize: %w", err)
	}
	if _, err := c.awaitResponse(ctx, *initReq.ID); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.send(rpcMessage{JSONRPC: "2.0", Method: "initialized", Params: map[string]any{}}); err != nil {
		return fmt.Errorf("write initialized: %w", err)
	}

	c.alive.Store(true)
	return nil
}

func (c *subprocessClient) nextRequestID() int64 {
	c.nextID++
	return c.nextID
}

func (c *subprocessClient) send(msg rpcMessage) error {
	if msg.JSONRPC == "" {
		msg.JSONRPC = "2.0"
	}
	return c.encoder.Encode(msg)
}

// readLoop pulls every frame off the decoder and routes responses to
// pending callers (via the pending map) and everything else (no id) to
// the notification channel, draining it continuously so a slow consumer
// never blocks the subprocess's stdout pipe.
func (c *subprocessClient) readLoop() {
	defer close(c.done)
	for {
		var raw map[string]json.RawMessage
		if err := c.decoder.Decode(&raw); err != nil {
			c.alive.Store(false)
			return
		}
		if _, hasID := raw["id"]; hasID {
			c.mu.Lock()
			if c.pendingResp != nil {
				select {
				case c.pendingResp <- raw:
				default:
				}
			}
			c.mu.Unlock()
			continue
		}
		method, _ := raw["method"]
		var methodStr string
		_ = json.Unmarshal(method, &methodStr)
		select {
		case c.notifyCh <- notification{Method: methodStr, Params: raw["params"]}:
		default:
		}
	}
}

// awaitResponse blocks for the matching response id. pendingResp is
// assigned per in-flight request; the adapter issues one request at a
// time so a single channel suffices (spec 4.4's per-cwd thread/list calls
// are sequential within a tick).
func (c *subprocessClient) awaitResponse(ctx context.Context, id int64) (map[string]json.RawMessage, error) {
	ch := make(chan map[string]json.RawMessage, 1)
	c.mu.Lock()
	c.pendingResp = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pendingResp = nil
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil, model.ErrSubprocessExit
			}
			var gotID int64
			if rawID, ok := raw["id"]; ok {
				_ = json.Unmarshal(rawID, &gotID)
			}
			if gotID != id {
				continue
			}
			if errField, ok := raw["error"]; ok && len(errField) > 0 && string(errField) != "null" {
				return nil, fmt.Errorf("%w: %s", model.ErrProtocolError, string(errField))
			}
			return raw, nil
		}
	}
}

func (c *subprocessClient) ThreadList(ctx context.Context, cwd string, limit int) (threadListResult, error) {
	if !c.Alive() {
		return threadListResult{}, model.ErrSubprocessExit
	}
	id := c.nextRequestID()
	req := rpcMessage{
		JSONRPC: "2.0",
		ID:      idPtr(id),
		Method:  "thread/list",
		Params: map[string]any{
			"limit":   limit,
			"sortKey": "updated_at",
			"cwd":     cwd,
		},
	}
	if err := c.send(req); err != nil {
		return threadListResult{}, fmt.Errorf("write thread/list: %w", err)
	}
	raw, err := c.awaitResponse(ctx, id)
	if err != nil {
		return threadListResult{}, err
	}
	return parseThreadListResult(raw["result"]), nil
}

func (c *subprocessClient) DrainNotifications(timeout time.Duration) []notification {
	deadline := time.After(timeout)
	var out []notification
	for {
		select {
		case n := <-c.notifyCh:
			out = append(out, n)
		case <-deadline:
			return out
		}
	}
}

func (c *subprocessClient) Alive() bool { return c.alive.Load() }

func (c *subprocessClient) Close() {
	c.alive.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}

func idPtr(v int64) *int64 { return &v }

func parseThreadListResult(raw json.RawMessage) threadListResult {
	var result struct {
		Data []struct {
			ID        string `json:"id"`
			Cwd       string `json:"cwd"`
			UpdatedAt any    `json:"updatedAt"`
			Status    struct {
				Type string `json:"type"`
			} `json:"status"`
		} `json:"data"`
		Threads []struct {
			ID        string `json:"id"`
			Cwd       string `json:"cwd"`
			UpdatedAt any    `json:"updatedAt"`
			Status    struct {
				Type string `json:"type"`
			} `json:"status"`
		} `json:"threads"`
	}
	if len(raw) == 0 {
		return threadListResult{}
	}
	_ = json.Unmarshal(raw, &result)

	var out threadListResult
	appendEntry := func(id, cwd, status string, updatedAt any) {
		status = firstNonEmptyStr(status, "idle")
		out.Threads = append(out.Threads, threadEntry{ID: id, Cwd: cwd, Status: status, UpdatedAt: parseTimestamp(updatedAt)})
	}
	for _, t := range result.Data {
		appendEntry(t.ID, t.Cwd, t.Status.Type, t.UpdatedAt)
	}
	for _, t := range result.Threads {
		appendEntry(t.ID, t.Cwd, t.Status.Type, t.UpdatedAt)
	}
	return out
}

func firstNonEmptyStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parseTimestamp(raw any) time.Time {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}
