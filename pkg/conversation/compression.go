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
	"fmt"
	"log/slog"
	"strings"
)

// SummaryPrefix marks a Message produced by compression, letting later
// compression passes find the last checkpoint instead of re-summarising
// already-summarised history.
const SummaryPrefix = "Previous conversation summary: "

// minRecentExchanges is the number of most recent user/assistant exchanges
// that compression must preserve verbatim.
const minRecentExchanges = 2

// Summarizer produces a concise summary of a message segment, typically by
// calling the LLM with a summarisation prompt.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// CompressionConfig configures Store's compression behaviour.
type CompressionConfig struct {
	// MaxHistoryLength is the hard cap on messages per plane.
	MaxHistoryLength int

	// CompressionThreshold triggers summarisation; must be strictly less
	// than MaxHistoryLength.
	CompressionThreshold int

	Summarizer Summarizer
}

// Validate enforces the CompressionThreshold < MaxHistoryLength invariant.
func (c CompressionConfig) Validate() error {
	if c.MaxHistoryLength <= 0 {
		return fmt.Errorf("max_history_length must be positive")
	}
	if c.CompressionThreshold <= 0 || c.CompressionThreshold >= c.MaxHistoryLength {
		return fmt.Errorf("compression_threshold (%d) must be strictly less than max_history_length (%d)", c.CompressionThreshold, c.MaxHistoryLength)
	}
	return nil
}

// Compress applies the Conversation Store's C6 compression algorithm: when
// messages exceeds CompressionThreshold, it summarises the oldest segment
// via Summarizer and replaces it with a single system Message, preserving
// the most recent exchanges verbatim. On summarisation failure, or when no
// Summarizer is configured, it falls back to trimming to the tail of
// MaxHistoryLength messages.
func Compress(ctx context.Context, cfg CompressionConfig, messages []Message) []Message {
	if len(messages) <= cfg.CompressionThreshold {
		return messages
	}

	if checkpoint := findLastSummaryIndex(messages); checkpoint > 0 {
		messages = messages[checkpoint:]
		if len(messages) <= cfg.CompressionThreshold {
			return messages
		}
	}

	if cfg.Summarizer == nil {
		return trimToTail(messages, cfg.MaxHistoryLength)
	}

	keepFrom := recentExchangeBoundary(messages, minRecentExchanges)
	oldSegment := messages[:keepFrom]
	recent := messages[keepFrom:]

	if len(oldSegment) == 0 {
		return trimToTail(messages, cfg.MaxHistoryLength)
	}

	summary, err := cfg.Summarizer.Summarize(ctx, oldSegment)
	if err != nil {
		slog.Warn("conversation compression: summarisation failed, falling back to trim", "error", err)
		return trimToTail(messages, cfg.MaxHistoryLength)
	}

	summaryMessage := Message{
		Role:    RoleSystem,
		Content: SummaryPrefix + summary,
	}

	out := make([]Message, 0, 1+len(recent))
	out = append(out, summaryMessage)
	out = append(out, recent...)
	return out
}

// trimToTail falls back to keeping only the most recent max messages.
func trimToTail(messages []Message, max int) []Message {
	if len(messages) <= max {
		return messages
	}
	return messages[len(messages)-max:]
}

// recentExchangeBoundary returns the index at which the last n user
// messages (and everything after the first of them) begin, so that segment
// is preserved verbatim by compression.
func recentExchangeBoundary(messages []Message, n int) int {
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			seen++
			if seen == n {
				return i
			}
		}
	}
	return 0
}

func findLastSummaryIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.HasPrefix(messages[i].Content, SummaryPrefix) {
			return i
		}
	}
	return -1
}
