package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// entry is one broker process's registration.
type entry struct {
	PID         int `json:"pid"`
	DebugPort   int `json:"debug_port"`
	LightPort   int `json:"light_port"`
}

// PIDRegistry coordinates multiple broker processes sharing a machine by
// recording which debug ports are claimed, guarded by an flock-backed file
// lock so concurrent startups don't race on the same port.
type PIDRegistry struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewPIDRegistry opens (creating if absent) the registry file under dir.
func NewPIDRegistry(dir string) (*PIDRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "brokers.json")
	return &PIDRegistry{path: path, lock: flock.New(path + ".lock")}, nil
}

// Register claims a debug port pair for the current process, sweeping
// stale entries (processes that no longer exist) first. It returns an
// error if the port is already claimed by a live process.
func (r *PIDRegistry) Register(debugPort, lightPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("pidregistry: acquire lock: %w", err)
	}
	defer r.lock.Unlock()

	entries, err := r.readLocked()
	if err != nil {
		return err
	}

	live := make([]entry, 0, len(entries))
	for _, e := range entries {
		if processAlive(e.PID) {
			live = append(live, e)
		} else {
			log.Debug().Int("pid", e.PID).Msg("pidregistry: sweeping stale entry")
		}
	}

	for _, e := range live {
		if e.DebugPort == debugPort {
			return fmt.Errorf("pidregistry: debug port %d already claimed by pid %d", debugPort, e.PID)
		}
	}

	live = append(live, entry{PID: os.Getpid(), DebugPort: debugPort, LightPort: lightPort})
	return r.writeLocked(live)
}

// Unregister removes the current process's entry.
func (r *PIDRegistry) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return err
	}
	defer r.lock.Unlock()

	entries, err := r.readLocked()
	if err != nil {
		return err
	}

	pid := os.Getpid()
	remaining := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.PID != pid {
			remaining = append(remaining, e)
		}
	}
	return r.writeLocked(remaining)
}

func (r *PIDRegistry) readLocked() ([]entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("pidregistry: decode %s: %w", r.path, err)
	}
	return entries, nil
}

func (r *PIDRegistry) writeLocked(entries []entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
