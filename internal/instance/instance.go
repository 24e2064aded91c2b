// Package instance implements per-process node identity persistence and
// the per-UUID workspace/lock-file isolation described in spec §4.3.
package instance

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"midimesh/internal/nodeid"
)

// LoadOrCreateNodeId loads a persisted NodeId from
// "<configDir>/node-id", or generates and persists a fresh one if the file
// is absent. An empty configDir means "ephemeral": a fresh NodeId is
// generated and not persisted.
func LoadOrCreateNodeId(configDir string) (nodeid.NodeId, error) {
	if configDir == "" {
		return nodeid.New(), nil
	}
	path := filepath.Join(configDir, "node-id")
	if data, err := os.ReadFile(path); err == nil {
		if n, perr := nodeid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return n, nil
		}
		log.Printf("[instance] ignoring malformed node-id file at %s", path)
	}

	n := nodeid.New()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nodeid.NodeId{}, fmt.Errorf("instance: create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(n.String()), 0o644); err != nil {
		return nodeid.NodeId{}, fmt.Errorf("instance: persist node-id: %w", err)
	}
	return n, nil
}

// ErrAlreadyRunning is returned by Start when a live instance already holds
// the workspace for this NodeId (spec §4.3 step 1, §4.11 "Duplicate
// instance detection: fatal").
var ErrAlreadyRunning = fmt.Errorf("instance: another instance is already running")

// Manager owns a per-UUID workspace directory and its PID lock file for the
// lifetime of a successfully started process (spec §4.3).
type Manager struct {
	dir     string
	started bool
}

// Start creates (or reclaims, after orphan cleanup) the workspace directory
// "<tempDir>/midi-network-<uuid>/" and writes its .lock file with the
// current PID. It fails with ErrAlreadyRunning if a live instance already
// holds the workspace.
func Start(tempDir string, n nodeid.NodeId) (*Manager, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	dir := filepath.Join(tempDir, "midi-network-"+n.String())
	lockPath := filepath.Join(dir, ".lock")

	if data, err := os.ReadFile(lockPath); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && processAlive(pid) {
			return nil, ErrAlreadyRunning
		}
		log.Printf("[instance] removing orphaned workspace %s (stale pid %s)", dir, strings.TrimSpace(string(data)))
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("instance: remove orphaned workspace: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("instance: create workspace: %w", err)
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("instance: write lock: %w", err)
	}

	return &Manager{dir: dir, started: true}, nil
}

// Dir returns the workspace directory path.
func (m *Manager) Dir() string { return m.dir }

// GetStateFile returns the path to a named state file beneath the
// workspace. Pure path composition, per spec §4.3.
func (m *Manager) GetStateFile(name string) string {
	return filepath.Join(m.dir, name)
}

// Cleanup removes the lock file then the workspace directory. Idempotent:
// calling it twice is a no-op the second time (spec §8 round-trip property).
func (m *Manager) Cleanup() {
	if !m.started {
		return
	}
	_ = os.Remove(filepath.Join(m.dir, ".lock"))
	_ = os.RemoveAll(m.dir)
	m.started = false
}
