// Package envmanager resolves a job's env_hash to a runnable plugin
// execution spec. Environments are provisioned out-of-band; this package
// only discovers them, and a "not found" lookup is an expected, routine
// signal, never an error — the caller degrades by skipping work it cannot
// satisfy, not by failing.
package envmanager

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/job"
)

// ErrRootUnavailable signals the root directory could not be scanned;
// this degrades the worker's declared capability set rather than failing
// startup.
var ErrRootUnavailable = errors.New("envmanager: environment root unavailable")

// execSpecFile is the on-disk shape of one environment's exec-spec.json.
type execSpecFile struct {
	Interpreter string   `json:"interpreter"`
	Args        []string `json:"args"`
}

// Manager scans a root directory of env-hash-named subdirectories, each
// containing an exec-spec.json, and caches the resulting capability set.
type Manager struct {
	root   string
	logger *zap.Logger

	mu      sync.RWMutex
	known   map[string]job.PluginManifest // keyed by hex env hash
	lastErr error
}

// New scans root once at construction. A scan failure is logged and
// leaves the Manager with an empty capability set rather than failing —
// discovery is best-effort and non-fatal.
func New(root string, logger *zap.Logger) *Manager {
	m := &Manager{root: root, logger: logger, known: map[string]job.PluginManifest{}}
	m.Rescan()
	return m
}

// Rescan re-reads the environment root, replacing the cached capability
// set. Intended to be called on a low-cadence ticker by the Worker.
func (m *Manager) Rescan() {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("environment root unavailable, capability set left unchanged", zap.String("root", m.root), zap.Error(err))
		return
	}

	found := map[string]job.PluginManifest{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hashHex := e.Name()
		hashBytes, err := hex.DecodeString(hashHex)
		if err != nil || len(hashBytes) != 32 {
			continue // not an env-hash-named directory; ignore
		}

		specPath := filepath.Join(m.root, hashHex, "exec-spec.json")
		raw, err := os.ReadFile(specPath)
		if err != nil {
			continue // directory present but spec missing/unreadable — skip, not fatal
		}
		var spec execSpecFile
		if err := json.Unmarshal(raw, &spec); err != nil {
			m.logger.Warn("malformed exec-spec.json, skipping environment", zap.String("env_hash", hashHex), zap.Error(err))
			continue
		}

		var hash [32]byte
		copy(hash[:], hashBytes)
		found[hashHex] = job.PluginManifest{
			EnvHash:     hash,
			Interpreter: spec.Interpreter,
			Args:        spec.Args,
			WorkDir:     filepath.Join(m.root, hashHex),
		}
	}

	m.mu.Lock()
	m.known = found
	m.lastErr = nil
	m.mu.Unlock()
}

// Lookup returns the PluginManifest for hash, or ok=false if no environment with
// that hash is currently resolvable. Absence is an expected signal, not an
// error — callers must not log it as a failure on the hot path.
func (m *Manager) Lookup(hash [32]byte) (job.PluginManifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.known[hex.EncodeToString(hash[:])]
	return spec, ok
}

// CapabilitySet returns the env hashes (hex-encoded; IDENTIFY carries them
// as raw 32-byte values) this worker can currently resolve.
func (m *Manager) CapabilitySet() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.known))
	for hashHex := range m.known {
		out = append(out, hashHex)
	}
	return out
}

// StartRescanLoop rescans on a fixed interval until stop is closed.
func (m *Manager) StartRescanLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Rescan()
		case <-stop:
			return
		}
	}
}
