// Package storagestate persists per-session cookies and localStorage to
// content-addressed JSON files and restores them onto a target's first
// page (C10).
package storagestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/driver"
	"github.com/browserkit/broker/internal/types"
)

// sessionIDPattern whitelists the characters allowed in a session id used
// to build a filesystem path, preventing path traversal through a
// maliciously chosen session id.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID rejects any id that is not a safe path component.
func ValidateSessionID(id string) error {
	if id == "" {
		return types.NewInvalidSessionIDError(id, "empty")
	}
	if !sessionIDPattern.MatchString(id) {
		return types.NewInvalidSessionIDError(id, "contains characters outside [A-Za-z0-9_-]")
	}
	return nil
}

// Manager loads and flushes storage-state snapshots under a configured
// directory, one file per session.
type Manager struct {
	dir string

	mu       sync.Mutex
	watchers map[string]chan struct{}
}

// New constructs a Manager rooted at dir. The directory is created lazily
// on first Save.
func New(dir string) *Manager {
	return &Manager{dir: dir, watchers: make(map[string]chan struct{})}
}

func (m *Manager) pathFor(sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, sessionID+".json"), nil
}

// Load reads a session's persisted storage state, if any. It returns
// (nil, nil) when no snapshot exists yet.
func (m *Manager) Load(sessionID string) (*types.StorageState, error) {
	path, err := m.pathFor(sessionID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state types.StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("storagestate: decode %s: %w", path, err)
	}
	return &state, nil
}

// Save snapshots the given page's cookies and localStorage to disk.
func (m *Manager) Save(sessionID string, page driver.Page, origins []string) error {
	path, err := m.pathFor(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}

	state, err := Snapshot(page, origins)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Snapshot reads cookies and per-origin localStorage off a live page.
func Snapshot(page driver.Page, origins []string) (*types.StorageState, error) {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, types.NewDriverError("cookies", err)
	}

	state := &types.StorageState{Cookies: make([]types.Cookie, 0, len(cookies))}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}

	for _, origin := range origins {
		result, err := page.Eval(localStorageDumpScript)
		if err != nil {
			log.Debug().Err(err).Str("origin", origin).Msg("storagestate: localStorage dump failed")
			continue
		}
		entries := make(map[string]string)
		if err := result.Value.Unmarshal(&entries); err != nil {
			log.Debug().Err(err).Str("origin", origin).Msg("storagestate: localStorage decode failed")
			continue
		}
		state.Origins = append(state.Origins, types.OriginStorage{Origin: origin, LocalStorage: entries})
	}

	return state, nil
}

const localStorageDumpScript = `() => {
	const out = {};
	for (let i = 0; i < localStorage.length; i++) {
		const key = localStorage.key(i);
		out[key] = localStorage.getItem(key);
	}
	return out;
}`

// Apply restores a previously saved state onto a freshly created page.
func Apply(page driver.Page, state *types.StorageState) error {
	if state == nil {
		return nil
	}

	params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	if len(params) > 0 {
		if err := page.SetCookies(params); err != nil {
			return types.NewDriverError("set_cookies", err)
		}
	}

	for _, origin := range state.Origins {
		if _, err := page.Eval(localStorageRestoreScript, origin.LocalStorage); err != nil {
			log.Debug().Err(err).Str("origin", origin.Origin).Msg("storagestate: localStorage restore failed")
		}
	}
	return nil
}

const localStorageRestoreScript = `(entries) => {
	for (const key in entries) {
		localStorage.setItem(key, entries[key]);
	}
}`

// StartWatchdog periodically re-snapshots a session's page to disk until
// Stop is called, so a crash between explicit flushes loses at most one
// interval's worth of state.
func (m *Manager) StartWatchdog(sessionID string, page driver.Page, origins []string, interval time.Duration) func() {
	stop := make(chan struct{})
	m.mu.Lock()
	m.watchers[sessionID] = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if page.IsClosed() {
					return
				}
				if err := m.Save(sessionID, page, origins); err != nil {
					log.Debug().Err(err).Str("session_id", sessionID).Msg("storagestate: watchdog save failed")
				}
			}
		}
	}()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ch, ok := m.watchers[sessionID]; ok {
			close(ch)
			delete(m.watchers, sessionID)
		}
	}
}
