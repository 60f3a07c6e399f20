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

// Package observability provides the kernel's Prometheus metrics and
// OpenTelemetry tracing, grounded on hector's pkg/observability/metrics.go
// and tracer.go but narrowed from hector's agent/RAG/HTTP surface down to
// the turn engine, tool executor, MCP fleet, and retry controller this
// kernel actually runs.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig mirrors hector's MetricsConfig shape, narrowed to the one
// namespace this kernel needs.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills unset fields the way hector's MetricsConfig.SetDefaults
// does before NewMetrics builds collectors off of it.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "kernelforge"
	}
}

// Metrics holds every Prometheus collector the kernel exports.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	turnsStarted   *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnErrors     *prometheus.CounterVec
	turnIterations *prometheus.HistogramVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmRetries      *prometheus.CounterVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec

	mcpTransportsConnected *prometheus.GaugeVec
	mcpCallDuration        *prometheus.HistogramVec

	sessionsActive prometheus.Gauge
}

// NewMetrics builds a Metrics instance, or returns (nil, nil) when disabled
// — callers should treat a nil *Metrics as a no-op sink.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{config: cfg, registry: prometheus.NewRegistry()}
	m.initTurnMetrics()
	m.initToolMetrics()
	m.initLLMMetrics()
	m.initMCPMetrics()
	return m, nil
}

func (m *Metrics) initTurnMetrics() {
	m.turnsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "turn", Name: "started_total",
		Help: "Total number of turns started",
	}, []string{"session_id"})
	m.turnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "turn", Name: "duration_seconds",
		Help: "Turn duration in seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})
	m.turnErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "turn", Name: "errors_total",
		Help: "Total number of turns that ended in error",
	}, []string{"error_type"})
	m.turnIterations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "turn", Name: "iterations",
		Help: "Number of LLM round-trips consumed per turn", Buckets: prometheus.LinearBuckets(1, 2, 15),
	}, []string{"outcome"})
	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace, Subsystem: "session", Name: "active",
		Help: "Number of live sessions held by the session manager",
	})
	m.registry.MustRegister(m.turnsStarted, m.turnDuration, m.turnErrors, m.turnIterations, m.sessionsActive)
}

func (m *Metrics) initToolMetrics() {
	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "tool", Name: "calls_total",
		Help: "Total number of tool invocations dispatched by C4",
	}, []string{"tool_name", "origin"})
	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "tool", Name: "call_duration_seconds",
		Help: "Tool invocation duration in seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"tool_name"})
	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "tool", Name: "errors_total",
		Help: "Total number of tool invocations that failed",
	}, []string{"tool_name", "kind"})
	m.registry.MustRegister(m.toolCalls, m.toolCallDuration, m.toolErrors)
}

func (m *Metrics) initLLMMetrics() {
	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "calls_total",
		Help: "Total number of LLM requests issued by the turn engine",
	}, []string{"model", "provider"})
	m.llmCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "call_duration_seconds",
		Help: "LLM request duration in seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model", "provider"})
	m.llmRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "retries_total",
		Help: "Total number of retry attempts made by the retry controller",
	}, []string{"category"})
	m.llmTokensInput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "tokens_input_total",
		Help: "Total input tokens consumed",
	}, []string{"model", "provider"})
	m.llmTokensOutput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "tokens_output_total",
		Help: "Total output tokens produced",
	}, []string{"model", "provider"})
	m.registry.MustRegister(m.llmCalls, m.llmCallDuration, m.llmRetries, m.llmTokensInput, m.llmTokensOutput)
}

func (m *Metrics) initMCPMetrics() {
	m.mcpTransportsConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.config.Namespace, Subsystem: "mcp", Name: "transports_connected",
		Help: "Number of MCP transports currently in the ready state",
	}, []string{"transport"})
	m.mcpCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "mcp", Name: "call_duration_seconds",
		Help: "Remote tool call_tool duration in seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"agent_id"})
	m.registry.MustRegister(m.mcpTransportsConnected, m.mcpCallDuration)
}

// RecordTurnStarted increments the started counter for sessionID.
func (m *Metrics) RecordTurnStarted(sessionID string) {
	if m == nil {
		return
	}
	m.turnsStarted.WithLabelValues(sessionID).Inc()
}

// RecordTurnFinished records duration and iteration count for a completed turn.
func (m *Metrics) RecordTurnFinished(outcome string, duration time.Duration, iterations int) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.turnIterations.WithLabelValues(outcome).Observe(float64(iterations))
}

// RecordTurnError increments the error counter for errType.
func (m *Metrics) RecordTurnError(errType string) {
	if m == nil {
		return
	}
	m.turnErrors.WithLabelValues(errType).Inc()
}

// SetSessionsActive records the session manager's current live-session count.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordToolCall records a single tool invocation's outcome and duration.
func (m *Metrics) RecordToolCall(toolName, origin string, duration time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName, origin).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	if errKind != "" {
		m.toolErrors.WithLabelValues(toolName, errKind).Inc()
	}
}

// RecordLLMCall records one LLM request's duration and token usage.
func (m *Metrics) RecordLLMCall(model, provider string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, provider).Inc()
	m.llmCallDuration.WithLabelValues(model, provider).Observe(duration.Seconds())
	m.llmTokensInput.WithLabelValues(model, provider).Add(float64(inputTokens))
	m.llmTokensOutput.WithLabelValues(model, provider).Add(float64(outputTokens))
}

// RecordRetry increments the retry counter for category, one of the retry
// controller's error taxonomy labels.
func (m *Metrics) RecordRetry(category string) {
	if m == nil {
		return
	}
	m.llmRetries.WithLabelValues(category).Inc()
}

// SetMCPTransportsConnected records the live count of ready transports.
func (m *Metrics) SetMCPTransportsConnected(transport string, n int) {
	if m == nil {
		return
	}
	m.mcpTransportsConnected.WithLabelValues(transport).Set(float64(n))
}

// RecordMCPCall records a remote call_tool round trip's duration.
func (m *Metrics) RecordMCPCall(agentID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mcpCallDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// Handler exposes the collected metrics over HTTP for Prometheus to scrape.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
