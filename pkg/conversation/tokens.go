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
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates message-list size against max_context_size, the
// character/token budget sent to the LLM. Grounded on hector's
// pkg/utils/tokens.go TokenCounter: cl100k_base encoding, a fixed
// per-message overhead, cached per model so repeated turns don't reinit
// the encoder.
type TokenCounter struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// NewTokenCounter returns a counter for model, falling back to cl100k_base
// (GPT-4/3.5-turbo's encoding) when the model is unrecognised or empty —
// the kernel runs against OpenAI, Anthropic, and Gemini models alike, none
// of which tiktoken-go has exact tokenizers for beyond the OpenAI family,
// so cl100k_base is used uniformly as a budget estimate rather than an
// exact count for non-OpenAI providers.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()
	return &TokenCounter{encoding: enc}, nil
}

// tokensPerMessage is the fixed per-message framing overhead OpenAI's own
// cookbook counting recipe uses (<|start|>role|message<|end|>).
const tokensPerMessage = 3

// Count returns the estimated token count of messages, including the
// per-message role/framing overhead.
func (tc *TokenCounter) Count(messages []Message) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(string(m.Role), nil, nil))
		total += len(tc.encoding.Encode(m.Content, nil, nil))
	}
	return total
}

// FitWithinBudget drops the oldest messages (keeping the tail) until the
// remainder's estimated token count is at or under maxTokens. Used as the
// max_context_size backstop after ordinary history compression/trimming
// has already run, so a single oversized turn can't blow the hard cap.
func (tc *TokenCounter) FitWithinBudget(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}
	if maxTokens <= 0 {
		return nil
	}
	if tc.Count(messages) <= maxTokens {
		return messages
	}
	for start := 1; start < len(messages); start++ {
		tail := messages[start:]
		if tc.Count(tail) <= maxTokens {
			return tail
		}
	}
	return nil
}
