// Copyright 2025 The Kernelforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session keeps the kernel's live conversation.Session instances,
// keyed by session_id, and serialises turns within one session while
// leaving different sessions free to run in parallel: a session processes
// at most one turn at a time, but turns across different sessions run
// concurrently. conversation.Session itself owns the history plane and its
// own lock; this package owns the session-keyed registry and the turn
// admission gate sitting in front of it, grounded on the same
// name-keyed-store shape as pkg/registry.Store[T].
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/orkestra-project/kernelforge/pkg/conversation"
)

// entry pairs a Session with the mutex that serialises turns against it.
type entry struct {
	session *conversation.Session
	turnMu  sync.Mutex
}

// Manager is the kernel's session registry: get-or-create by session_id,
// with a per-session admission gate so concurrent submit_prompt calls for
// the same session_id queue rather than racing each other's turn history.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	compression conversation.CompressionConfig
}

// New creates an empty Manager. Every session it creates shares compression
// so the session plane summarises with the same thresholds as the turn
// plane.
func New(compression conversation.CompressionConfig) *Manager {
	return &Manager{
		sessions:    make(map[string]*entry),
		compression: compression,
	}
}

// GetOrCreate returns the Session for sessionID, creating it if absent.
func (m *Manager) GetOrCreate(sessionID string) *conversation.Session {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return e.session
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.session
	}
	e = &entry{session: conversation.NewSession(sessionID, m.compression)}
	m.sessions[sessionID] = e
	return e.session
}

// Get looks up an existing session without creating one.
func (m *Manager) Get(sessionID string) (*conversation.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Remove discards a session and its history.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// WithTurn serialises fn against every other turn for sessionID: at most
// one fn runs per session_id at a time, while turns for different
// session_ids proceed concurrently. fn is handed the session to run its
// turn against.
func (m *Manager) WithTurn(ctx context.Context, sessionID string, fn func(ctx context.Context, s *conversation.Session) error) error {
	if sessionID == "" {
		return fmt.Errorf("session: session_id is required")
	}
	m.GetOrCreate(sessionID) // ensure entry exists before taking its lock

	m.mu.RLock()
	e := m.sessions[sessionID]
	m.mu.RUnlock()

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, e.session)
}
