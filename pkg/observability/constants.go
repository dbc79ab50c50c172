package observability

// Span and attribute names used across tracer.go, middleware.go, and
// debug_exporter.go (spec §4.9/SPEC_FULL §3a: "workflow.agent.step" and
// "tool.invoke" spans).
const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrRunID          = "orchestrator.run_id"
	AttrTaskID         = "orchestrator.task_id"
	AttrAgentName      = "orchestrator.agent_name"
	AttrPhase          = "orchestrator.phase"
	AttrToolID         = "orchestrator.tool_id"
	AttrToolOp         = "orchestrator.tool_op"
	AttrErrorType      = "error.type"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanWorkflowAgentStep = "workflow.agent.step"
	SpanToolInvoke        = "tool.invoke"
	SpanHTTPRequest       = "http.request"

	DefaultServiceName  = "orchestrator"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
