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

package conversation

import (
	"context"
	"sync"
	"time"
)

// Statistics tracks simple session-lifetime counters.
type Statistics struct {
	TurnCount        int
	ToolCallCount    int
	CompressionCount int
}

// Session is the long-lived, per-session history plane, guarded by its own
// lock so that turns across different sessions never contend with each
// other's history reads and appends.
type Session struct {
	mu sync.Mutex

	SessionID                string
	SystemConversationHistory []Message
	CreatedAt                 time.Time
	Statistics                Statistics

	compression CompressionConfig
}

// NewSession creates an empty Session.
func NewSession(sessionID string, compression CompressionConfig) *Session {
	return &Session{
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
		compression: compression,
	}
}

// AppendTurn appends a completed turn's history to the session plane and
// compresses it if it now exceeds the configured threshold. Callers opt a
// turn out of this by setting PromptObject.SkipSessionHistory before
// completion.
func (s *Session) AppendTurn(ctx context.Context, turnHistory []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SystemConversationHistory = append(s.SystemConversationHistory, turnHistory...)
	s.Statistics.TurnCount++

	before := len(s.SystemConversationHistory)
	s.SystemConversationHistory = Compress(ctx, s.compression, s.SystemConversationHistory)
	if len(s.SystemConversationHistory) < before {
		s.Statistics.CompressionCount++
	}
}

// History returns a snapshot of the session-level history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.SystemConversationHistory))
	copy(out, s.SystemConversationHistory)
	return out
}
