// Package jsonlwatch implements the JSONL watcher adapter (spec section
// 4.6): it discovers active Claude sessions from the provider's sessions
// index, matches each session's cwd against panes' current_path, and
// tails the session transcript log, surviving rotation by tracking
// (inode, offset).
package jsonlwatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/mux"
	"github.com/agtmux/agtmux/internal/procinspect"
)

// IndexEntry is one active session as reported by the provider's
// sessions index.
type IndexEntry struct {
	SessionID string
	Cwd       string
	LogPath   string
}

// IndexReader discovers the provider's currently active sessions. The
// real implementation reads a JSON index file on disk; tests inject a
// fake.
type IndexReader interface {
	ReadIndex(ctx context.Context) ([]IndexEntry, error)
}

// FileIndexReader reads a JSON array of {session_id, cwd, log_path}
// objects from Path.
type FileIndexReader struct {
	Path string
}

func (r FileIndexReader) ReadIndex(context.Context) ([]IndexEntry, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	var raw []struct {
		SessionID string `json:"session_id"`
		Cwd       string `json:"cwd"`
		LogPath   string `json:"log_path"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	out := make([]IndexEntry, 0, len(raw))
	for _, e := range raw {
		out = append(out, IndexEntry{SessionID: e.SessionID, Cwd: e.Cwd, LogPath: e.LogPath})
	}
	return out, nil
}

// DefaultIndexPath is Claude Code's on-disk sessions index.
func DefaultIndexPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.claude/sessions/index.json"
}

type tailState struct {
	inode        uint64
	offset       int64
	bootstrapped bool
}

// Source is the gateway.Source implementation for the JSONL watcher.
type Source struct {
	backend mux.Backend
	walker  procinspect.Walker
	index   IndexReader

	mu    sync.Mutex
	tails map[string]*tailState // session_id -> tail state
	seq   int64
}

// New builds a jsonlwatch Source.
func New(backend mux.Backend, walker procinspect.Walker, index IndexReader) *Source {
	return &Source{backend: backend, walker: walker, index: index, tails: make(map[string]*tailState)}
}

// Kind identifies this adapter to the gateway.
func (s *Source) Kind() model.SourceKind { return model.SourceJsonl }

// PullEvents implements gateway.Source (spec 4.6).
func (s *Source) PullEvents(ctx context.Context, _ string, _ int) ([]model.Evidence, string, error) {
	entries, err := s.index.ReadIndex(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("jsonlwatch read index: %w", err)
	}
	panes, err := s.backend.ListPanes(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("jsonlwatch list panes: %w", err)
	}

	candidatesByCwd := s.buildCwdCandidates(ctx, panes)

	now := time.Now()
	var events []model.Evidence
	for _, entry := range entries {
		if entry.LogPath == "" {
			continue
		}
		candidates := candidatesByCwd[entry.Cwd]
		ev, ok := s.pollSession(now, entry, candidates)
		if ok {
			events = append(events, ev)
		}
	}

	s.mu.Lock()
	s.seq++
	cursor := fmt.Sprintf("%020d", s.seq)
	s.mu.Unlock()
	return events, cursor, nil
}

// buildCwdCandidates groups panes by current_path, keeping only those
// whose process hint is not a shell and not a competing agent (spec
// 4.6's literal filter).
func (s *Source) buildCwdCandidates(ctx context.Context, panes []mux.PaneInfo) map[string][]mux.PaneInfo {
	out := make(map[string][]mux.PaneInfo)
	for _, p := range panes {
		if p.CurrentPath == "" || !p.HasPID {
			continue
		}
		hint, err := s.walker.ClassifyTree(ctx, int32(p.PanePID))
		if err != nil {
			continue
		}
		if hint == model.ProcessHintShell || hint == model.ProcessHintCompetingAgent {
			continue
		}
		out[p.CurrentPath] = append(out[p.CurrentPath], p)
	}
	for cwd := range out {
		sort.Slice(out[cwd], func(i, j int) bool { return out[cwd][i].PaneID < out[cwd][j].PaneID })
	}
	return out
}

func (s *Source) pollSession(now time.Time, entry IndexEntry, candidates []mux.PaneInfo) (model.Evidence, bool) {
	inode, size, err := statInode(entry.LogPath)
	if err != nil {
		return model.Evidence{}, false
	}

	s.mu.Lock()
	state, existed := s.tails[entry.SessionID]
	if !existed {
		state = &tailState{}
		s.tails[entry.SessionID] = state
	}
	s.mu.Unlock()

	isFirstPoll := !existed
	if state.inode != 0 && state.inode != inode {
		// Rotation: start over from the beginning of the new file.
		state.offset = 0
	}
	state.inode = inode

	var title string
	var sawNewLines bool
	if isFirstPoll {
		// Bootstrap starts tailing from end-of-file; it never replays
		// history (spec 4.6's "opens the session log at end-of-file").
		state.offset = size
	} else if size > state.offset {
		lines, newOffset, err := readNewLines(entry.LogPath, state.offset)
		if err == nil {
			state.offset = newOffset
			sawNewLines = len(lines) > 0
			if t, ok := latestTitle(lines); ok {
				title = t
			}
		}
	}

	ambiguous := len(candidates) > 1
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	ev := model.Evidence{
		EventID:       fmt.Sprintf("jsonl-%s-%d", entry.SessionID, seq),
		Provider:      model.ProviderClaude,
		SourceKind:    model.SourceJsonl,
		Tier:          model.TierDeterministic,
		ObservedAt:    now,
		SessionKey:    entry.SessionID,
		SourceEventID: fmt.Sprintf("jsonl-%s-%d", entry.SessionID, state.offset),
		Confidence:    1.0,
		Title:         title,
	}
	if len(candidates) == 1 {
		ev.PaneID = candidates[0].PaneID
		ev.HasPaneID = true
	}

	switch {
	case isFirstPoll:
		ev.EventType = "jsonl.bootstrap"
		ev.ActivityHint = model.ActivityIdle
		ev.IsHeartbeat = ambiguous
	case sawNewLines:
		ev.EventType = "jsonl.activity"
		ev.ActivityHint = model.ActivityRunning
		ev.IsHeartbeat = false
	default:
		ev.EventType = "jsonl.heartbeat"
		ev.ActivityHint = model.ActivityIdle
		ev.IsHeartbeat = true
	}
	state.bootstrapped = true
	return ev, true
}

func statInode(path string) (uint64, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, info.Size(), nil
	}
	return stat.Ino, info.Size(), nil
}

// readNewLines reads every complete line appended to path since
// fromOffset, returning the new tail offset (the byte after the last
// complete line; a trailing partial line is left for the next tick).
func readNewLines(path string, fromOffset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fromOffset, err
	}
	defer f.Close()

	if _, err := f.Seek(fromOffset, 0); err != nil {
		return nil, fromOffset, err
	}

	var lines []string
	offset := fromOffset
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(line)) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, offset, nil
}

// latestTitle scans new lines for a custom-title record, keeping the
// last one found (spec 4.6).
func latestTitle(lines []string) (string, bool) {
	var title string
	found := false
	for _, line := range lines {
		var payload struct {
			Type        string `json:"type"`
			CustomTitle string `json:"customTitle"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		if payload.Type == "custom-title" && payload.CustomTitle != "" {
			title = payload.CustomTitle
			found = true
		}
	}
	return title, found
}
