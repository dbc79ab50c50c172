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
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// No-op Manager
// =============================================================================

// NoopManager returns a no-operation Manager that does nothing.
// Use this when observability is completely disabled.
func NoopManager() *Manager {
	return &Manager{}
}

// =============================================================================
// No-op Tracer
// =============================================================================

// NoopTracer is a no-operation Tracer.
type NoopTracer struct{}

// Start returns a no-op span.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ctx, noopSpan()
}

// StartAgentStep returns a no-op span.
func (NoopTracer) StartAgentStep(ctx context.Context, _, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan()
}

// StartToolInvoke returns a no-op span.
func (NoopTracer) StartToolInvoke(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan()
}

// AddPayload is a no-op.
func (NoopTracer) AddPayload(_ trace.Span, _, _ string) {}

// RecordError is a no-op.
func (NoopTracer) RecordError(_ trace.Span, _ error) {}

// DebugExporter returns nil.
func (NoopTracer) DebugExporter() *DebugExporter { return nil }

// Shutdown is a no-op.
func (NoopTracer) Shutdown(_ context.Context) error { return nil }

// =============================================================================
// No-op Metrics
// =============================================================================

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) SetRunSpend(_ string, _ float64)         {}
func (NoopMetrics) RecordRunStarted(_ string)                {}
func (NoopMetrics) RecordRunCompleted(_ string)              {}
func (NoopMetrics) RecordAgentStep(_, _, _ string, _ time.Duration) {}
func (NoopMetrics) RecordToolInvocation(_, _, _ string, _ time.Duration) {}
func (NoopMetrics) SetBreakerState(_ string, _ float64)      {}
func (NoopMetrics) SetLimiterTokens(_ string, _ float64)     {}
func (NoopMetrics) RecordCompensation(_, _ string)           {}
func (NoopMetrics) RecordGateOpened(_ string)                {}
func (NoopMetrics) RecordGateDecided(_ string)                {}
func (NoopMetrics) RecordHTTPRequest(_, _ string, _ int, _ time.Duration, _, _ int64) {}

// Handler returns a handler that returns 503 Service Unavailable.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

// =============================================================================
// Recorder Interface
// =============================================================================

// Recorder defines the interface for recording metrics, allowing callers to
// depend on either *Metrics or NoopMetrics interchangeably.
type Recorder interface {
	SetRunSpend(runID string, usd float64)
	RecordRunStarted(niche string)
	RecordRunCompleted(status string)
	RecordAgentStep(agentName, phase, outcome string, duration time.Duration)
	RecordToolInvocation(toolID, op, outcome string, duration time.Duration)
	SetBreakerState(toolID string, state float64)
	SetLimiterTokens(toolID string, tokens float64)
	RecordCompensation(agentName, outcome string)
	RecordGateOpened(phase string)
	RecordGateDecided(decision string)
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, reqSize, respSize int64)
}

// Ensure implementations satisfy the interface.
var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NoopMetrics{}
)
