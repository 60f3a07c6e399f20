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

// Package retry implements the adaptive loop / retry controller (C9):
// error categorisation, exponential backoff with jitter grounded on
// hector's pkg/httpclient retry client, and the "error-as-signal" pattern
// that turns a failure into a structured Signal instead of a bare error
// bubbling out of the turn engine.
package retry

import (
	"errors"
	"net"
	"strings"
)

// Category classifies an error for retry and signal purposes.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryServer     Category = "server"
	CategoryValidation Category = "validation"
	CategoryTool       Category = "tool"
	CategoryUnknown    Category = "unknown"
)

// retryable reports whether a category is eligible for automatic retry:
// network, rate_limit, and server conditions are transient enough to be
// worth a backoff-and-retry; validation and tool errors are not.
func (c Category) retryable() bool {
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategoryServer:
		return true
	default:
		return false
	}
}

// StatusError lets HTTP-backed LLM clients classify by status code without
// this package depending on net/http.
type StatusError interface {
	StatusCode() int
}

// Categorize inspects err's type and message for known substrings and an
// optional StatusError to assign a Category.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.StatusCode(); {
		case code == 401 || code == 403:
			return CategoryAuth
		case code == 429:
			return CategoryRateLimit
		case code >= 500:
			return CategoryServer
		case code >= 400:
			return CategoryValidation
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid api key"):
		return CategoryAuth
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout") || strings.Contains(msg, "no such host") || strings.Contains(msg, "eof"):
		return CategoryNetwork
	case strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable"):
		return CategoryServer
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") || strings.Contains(msg, "parameters"):
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}
