package mux

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/agtmux/agtmux/internal/tmuxfmt"
)

// listPanesFormat matches the field order spec section 6 names:
// session_name, window_id, window_name, pane_id, pane_pid, current_command,
// current_path, pane_title, width, height, active.
var listPanesFields = []string{
	"#{session_name}", "#{window_id}", "#{window_name}", "#{pane_id}",
	"#{pane_pid}", "#{pane_current_command}", "#{pane_current_path}",
	"#{pane_title}", "#{pane_width}", "#{pane_height}", "#{pane_active}",
}

// Tmux is the Backend implementation wrapping the tmux CLI.
type Tmux struct {
	SocketPath string
	SocketName string
	Timeout    time.Duration
}

// NewTmux returns a tmux-backed Backend. socketPath/socketName mirror the
// config envelope's mux_socket_path/mux_socket_name overrides (spec 6);
// leave both empty to use tmux's default server.
func NewTmux(socketPath, socketName string) *Tmux {
	return &Tmux{SocketPath: socketPath, SocketName: socketName, Timeout: 2 * time.Second}
}

func (t *Tmux) args(sub string, rest ...string) []string {
	args := make([]string, 0, len(rest)+4)
	if t.SocketPath != "" {
		args = append(args, "-S", t.SocketPath)
	} else if t.SocketName != "" {
		args = append(args, "-L", t.SocketName)
	}
	args = append(args, sub)
	args = append(args, rest...)
	return args
}

func (t *Tmux) run(ctx context.Context, sub string, rest ...string) (string, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "tmux", t.args(sub, rest...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w", sub, err)
	}
	return string(out), nil
}

// ListPanes runs `tmux list-panes -a` with the canonical format string.
func (t *Tmux) ListPanes(ctx context.Context) ([]PaneInfo, error) {
	format := tmuxfmt.Join(listPanesFields...)
	out, err := t.run(ctx, "list-panes", "-a", "-F", format)
	if err != nil {
		return nil, err
	}
	return parseListPanes(out, time.Now())
}

func parseListPanes(output string, observedAt time.Time) ([]PaneInfo, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	var panes []PaneInfo
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := tmuxfmt.SplitLine(line, len(listPanesFields))
		if len(parts) != len(listPanesFields) {
			return nil, fmt.Errorf("invalid tmux list-panes line: %q", line)
		}
		pane := PaneInfo{
			SessionName: parts[0],
			WindowID:    parts[1],
			WindowName:  parts[2],
			PaneID:      parts[3],
			CurrentCmd:  parts[5],
			CurrentPath: parts[6],
			PaneTitle:   parts[7],
			ObservedAt:  observedAt,
		}
		if pid, err := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64); err == nil && pid > 0 {
			pane.PanePID = pid
			pane.HasPID = true
		}
		if w, err := strconv.Atoi(strings.TrimSpace(parts[8])); err == nil {
			pane.Width = w
		}
		if h, err := strconv.Atoi(strings.TrimSpace(parts[9])); err == nil {
			pane.Height = h
		}
		pane.Active = strings.TrimSpace(parts[10]) == "1"
		panes = append(panes, pane)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan tmux output: %w", err)
	}
	return panes, nil
}

// CapturePane runs `tmux capture-pane` for the last N lines of scrollback.
func (t *Tmux) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-t", paneID, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// InspectProcesses reports the pane's root pid as-is; ancestor
// classification itself is procinspect's job, kept out of the mux
// collaborator per spec section 6's narrow three-method trait.
func (t *Tmux) InspectProcesses(_ context.Context, panePID int64) (ProcessHint, error) {
	if panePID <= 0 {
		return ProcessHint{}, nil
	}
	return ProcessHint{RootPID: panePID, HasPID: true}, nil
}
