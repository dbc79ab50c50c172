// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics collection for the orchestrator: run
// spend (SPEC_FULL §3a "orchestrator_run_spend_usd"), circuit breaker state
// ("orchestrator_breaker_state"), rate limiter token levels
// ("orchestrator_limiter_tokens"), tool invocation counts
// ("orchestrator_tool_invocations_total"), agent step outcomes, saga
// compensations, gate decisions, and HTTP request stats.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	runSpend      *prometheus.GaugeVec
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec

	agentSteps       *prometheus.CounterVec
	agentStepLatency *prometheus.HistogramVec

	toolInvocations *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec

	breakerState  *prometheus.GaugeVec
	limiterTokens *prometheus.GaugeVec

	compensations *prometheus.CounterVec
	gatesOpened   *prometheus.CounterVec
	gatesDecided  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers Metrics against a fresh registry scoped by
// cfg.Namespace/cfg.Subsystem.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	ns := cfg.Namespace
	sub := cfg.Subsystem

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runSpend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "run_spend_usd",
			Help:        "Cumulative spend in USD for an in-flight or completed run.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"run_id"}),

		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "runs_started_total",
			Help:        "Total number of workflow runs started.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"niche"}),

		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "runs_completed_total",
			Help:        "Total number of workflow runs that reached a terminal state.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"status"}),

		agentSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "agent_steps_total",
			Help:        "Total agent steps executed, by agent and outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"agent_name", "phase", "outcome"}),

		agentStepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "agent_step_duration_seconds",
			Help:        "Agent step latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: cfg.ConstLabels,
		}, []string{"agent_name", "phase"}),

		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tool_invocations_total",
			Help:        "Total tool invocations routed through the tool router, by tool and outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"tool_id", "op", "outcome"}),

		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tool_invoke_duration_seconds",
			Help:        "Tool invocation latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: cfg.ConstLabels,
		}, []string{"tool_id", "op"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "breaker_state",
			Help:        "Circuit breaker state per tool (0=closed, 1=half_open, 2=open).",
			ConstLabels: cfg.ConstLabels,
		}, []string{"tool_id"}),

		limiterTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "limiter_tokens",
			Help:        "Tokens currently available in a tool's rate limiter bucket.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"tool_id"}),

		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "compensations_total",
			Help:        "Total saga compensation attempts, by agent and outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"agent_name", "outcome"}),

		gatesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "gates_opened_total",
			Help:        "Total human approval gates opened, by phase.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"phase"}),

		gatesDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "gates_decided_total",
			Help:        "Total human approval gate decisions, by decision.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"decision"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_requests_total",
			Help:        "Total HTTP requests served by the control plane.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"method", "path", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: cfg.ConstLabels,
		}, []string{"method", "path"}),
	}

	collectors := []prometheus.Collector{
		m.runSpend, m.runsStarted, m.runsCompleted,
		m.agentSteps, m.agentStepLatency,
		m.toolInvocations, m.toolLatency,
		m.breakerState, m.limiterTokens,
		m.compensations, m.gatesOpened, m.gatesDecided,
		m.httpRequests, m.httpDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetRunSpend records the current cumulative spend for a run.
func (m *Metrics) SetRunSpend(runID string, usd float64) {
	if m == nil {
		return
	}
	m.runSpend.WithLabelValues(runID).Set(usd)
}

// RecordRunStarted records a new run submission.
func (m *Metrics) RecordRunStarted(niche string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(niche).Inc()
}

// RecordRunCompleted records a run reaching a terminal status.
func (m *Metrics) RecordRunCompleted(status string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
}

// RecordAgentStep records the outcome and latency of one agent step.
func (m *Metrics) RecordAgentStep(agentName, phase, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.agentSteps.WithLabelValues(agentName, phase, outcome).Inc()
	m.agentStepLatency.WithLabelValues(agentName, phase).Observe(duration.Seconds())
}

// RecordToolInvocation records the outcome and latency of one tool call.
func (m *Metrics) RecordToolInvocation(toolID, op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(toolID, op, outcome).Inc()
	m.toolLatency.WithLabelValues(toolID, op).Observe(duration.Seconds())
}

// SetBreakerState records a tool's current circuit breaker state
// (0=closed, 1=half_open, 2=open).
func (m *Metrics) SetBreakerState(toolID string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(toolID).Set(state)
}

// SetLimiterTokens records a tool's current rate limiter token level.
func (m *Metrics) SetLimiterTokens(toolID string, tokens float64) {
	if m == nil {
		return
	}
	m.limiterTokens.WithLabelValues(toolID).Set(tokens)
}

// RecordCompensation records one saga compensation attempt.
func (m *Metrics) RecordCompensation(agentName, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(agentName, outcome).Inc()
}

// RecordGateOpened records a human approval gate being opened for a phase.
func (m *Metrics) RecordGateOpened(phase string) {
	if m == nil {
		return
	}
	m.gatesOpened.WithLabelValues(phase).Inc()
}

// RecordGateDecided records a human approval gate decision.
func (m *Metrics) RecordGateDecided(decision string) {
	if m == nil {
		return
	}
	m.gatesDecided.WithLabelValues(decision).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, _, _ int64) {
	if m == nil {
		return
	}
	status := http.StatusText(statusCode)
	if status == "" {
		status = "unknown"
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for this Metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
