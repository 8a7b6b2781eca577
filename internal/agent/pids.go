package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// orphanKillGrace is the pause between SIGTERM and SIGKILL when cleaning
// up children left over from a crashed run.
const orphanKillGrace = 5 * time.Second

// FileTracker records child process ids in a local file so that a janitor
// can terminate survivors after the agent itself dies without cleanup.
// The file is rewritten on every change; each line holds one PID.
type FileTracker struct {
	path string
	log  *slog.Logger

	mu   sync.Mutex
	pids map[int]struct{}
}

// NewFileTracker creates the tracker and truncates any stale file content.
// Stale PIDs must be handled by KillOrphans before the tracker takes over
// the file.
func NewFileTracker(path string, log *slog.Logger) (*FileTracker, error) {
	t := &FileTracker{path: path, log: log, pids: make(map[int]struct{})}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("op=pids.init: %w", err)
	}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// Track records a spawned child.
func (t *FileTracker) Track(pid int) {
	if pid <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[pid] = struct{}{}
	if err := t.persist(); err != nil {
		t.log.Warn("pid file write failed", slog.Int("pid", pid), slog.Any("error", err))
	}
}

// Untrack drops a child that exited through the normal path.
func (t *FileTracker) Untrack(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, pid)
	if err := t.persist(); err != nil {
		t.log.Warn("pid file write failed", slog.Int("pid", pid), slog.Any("error", err))
	}
}

// Tracked returns the currently recorded PIDs, sorted.
func (t *FileTracker) Tracked() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.pids))
	for pid := range t.pids {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// persist rewrites the file under the lock. A temp file plus rename keeps
// a crash mid-write from corrupting the list.
func (t *FileTracker) persist() error {
	pids := make([]int, 0, len(t.pids))
	for pid := range t.pids {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	var sb strings.Builder
	for _, pid := range pids {
		sb.WriteString(strconv.Itoa(pid))
		sb.WriteByte('\n')
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("op=pids.persist: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("op=pids.persist: %w", err)
	}
	return nil
}

// KillOrphans reads the PID file a previous run left behind and terminates
// every process that is still alive: SIGTERM first, then SIGKILL after a
// grace period. It returns how many processes were signalled. A missing
// file means a clean previous shutdown and is not an error.
func KillOrphans(path string, log *slog.Logger) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("pid file unreadable", slog.String("path", path), slog.Any("error", err))
		}
		return 0
	}

	var stale []int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		if processAlive(pid) {
			stale = append(stale, pid)
		}
	}
	if len(stale) == 0 {
		_ = os.Remove(path)
		return 0
	}

	log.Warn("terminating orphaned child processes", slog.Int("count", len(stale)))
	for _, pid := range stale {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			log.Warn("orphan SIGTERM failed", slog.Int("pid", pid), slog.Any("error", err))
		}
	}

	deadline := time.Now().Add(orphanKillGrace)
	remaining := stale
	for time.Now().Before(deadline) && len(remaining) > 0 {
		time.Sleep(100 * time.Millisecond)
		alive := remaining[:0]
		for _, pid := range remaining {
			if processAlive(pid) {
				alive = append(alive, pid)
			}
		}
		remaining = alive
	}
	for _, pid := range remaining {
		log.Warn("orphan survived SIGTERM, sending SIGKILL", slog.Int("pid", pid))
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	_ = os.Remove(path)
	return len(stale)
}

// processAlive probes a PID with signal 0. EPERM means the process exists
// but belongs to someone else; it is not ours to kill.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
