// Package refs implements the reference-ID manager (C11): an ephemeral
// handle table mapping short ref tokens to backend DOM node ids, scoped by
// session x target.
package refs

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const maxNodeID = 1<<31 - 1

// Entry describes one ref token's resolved backend node.
type Entry struct {
	NodeID int64
	Role   string
	Name   string
}

type targetScope struct {
	counter int64
	entries map[string]Entry
}

// Manager generates and resolves ref_N tokens.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]map[string]*targetScope // sessionID -> targetID -> scope
}

// NewManager returns an empty reference-id manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]map[string]*targetScope)}
}

func (m *Manager) scope(sessionID, targetID string) *targetScope {
	targets, ok := m.sessions[sessionID]
	if !ok {
		targets = make(map[string]*targetScope)
		m.sessions[sessionID] = targets
	}
	s, ok := targets[targetID]
	if !ok {
		s = &targetScope{entries: make(map[string]Entry)}
		targets[targetID] = s
	}
	return s
}

// Generate allocates a fresh ref_N token for nodeID within (session, target).
func (m *Manager) Generate(sessionID, targetID string, nodeID int64, role, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scope(sessionID, targetID)
	s.counter++
	token := fmt.Sprintf("ref_%d", s.counter)
	s.entries[token] = Entry{NodeID: nodeID, Role: role, Name: name}
	return token
}

// Resolve implements the resolve_to_node_id rules from SPEC_FULL.md §4.10:
// 1. A known ref_N in this (session, target) resolves to its node id.
// 2. A bare decimal integer in (0, 2^31-1] is returned as a raw node id.
// 3. "node_N" with N satisfying rule 2 resolves to N.
// 4. Anything else is undefined (ok=false).
func (m *Manager) Resolve(sessionID, targetID, input string) (nodeID int64, ok bool) {
	m.mu.Lock()
	if targets, found := m.sessions[sessionID]; found {
		if s, found := targets[targetID]; found {
			if entry, found := s.entries[input]; found {
				m.mu.Unlock()
				return entry.NodeID, true
			}
		}
	}
	m.mu.Unlock()

	if n, ok := parseNodeID(input); ok {
		return n, true
	}

	if rest, found := strings.CutPrefix(input, "node_"); found {
		if n, ok := parseNodeID(rest); ok {
			return n, true
		}
	}

	return 0, false
}

func parseNodeID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	if n <= 0 || n > maxNodeID {
		return 0, false
	}
	return n, true
}

// ClearTarget removes every ref entry for (session, target).
func (m *Manager) ClearTarget(sessionID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if targets, ok := m.sessions[sessionID]; ok {
		delete(targets, targetID)
	}
}

// ClearSession removes every ref entry for every target of a session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
