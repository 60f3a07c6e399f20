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

package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config configures the Controller's backoff schedule.
type Config struct {
	// MaxRetries is the number of retry attempts after the first try; zero
	// means a single attempt. DefaultConfig uses 3, and New replaces a
	// negative value with it.
	MaxRetries int

	// BaseDelay is the base of the exponential backoff: base * 2^attempt.
	BaseDelay time.Duration

	// Jitter, when true, adds up to ±10% random jitter to each delay.
	Jitter bool

	// MaxDelay caps any single computed delay.
	MaxDelay time.Duration
}

// DefaultConfig is the backoff schedule used when a caller doesn't override it.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Jitter:     true,
		MaxDelay:   30 * time.Second,
	}
}

// Controller wraps LLM (and, where the caller chooses, tool) calls with the
// adaptive retry policy.
type Controller struct {
	cfg Config
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Controller{cfg: cfg}
}

// Do runs op, retrying on retryable categories up to MaxRetries times with
// exponential backoff. It returns the last error as-is once retries are
// exhausted, or a non-retryable error immediately on the first attempt that
// produces one; AsSignal converts either into a Signal.
func (c *Controller) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		category := Categorize(lastErr)
		if !category.retryable() || attempt == c.cfg.MaxRetries {
			return lastErr
		}

		delay := c.delay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Attempts returns how many attempts a MaxRetries=k configuration makes in
// the worst case: k+1.
func (c *Controller) Attempts() int { return c.cfg.MaxRetries + 1 }

func (c *Controller) delay(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * c.cfg.BaseDelay
	if c.cfg.Jitter {
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
		delay += jitter
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// AsSignal converts a terminal error from Do into the structured
// error-as-signal the turn engine surfaces to callers.
func AsSignal(err error, context map[string]any) Signal {
	return NewSignal(err, context)
}
