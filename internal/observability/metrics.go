package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the engine: message flow,
// LM usage, tool executions, memory pipeline activity, and subagent
// concurrency.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageReceived("cli")
//	metrics.RecordLLMRequest("openai", "gpt-4o", "success", 1.2, 800, 120)
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// QueueDepth tracks the current bus queue depths.
	// Labels: queue (inbound|outbound)
	QueueDepth *prometheus.GaugeVec

	// LLMRequestDuration measures LM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LM calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|bus|tool|session|memory|subagent), error_type
	ErrorCounter *prometheus.CounterVec

	// FactsExtracted counts extracted facts that passed validation.
	// Labels: fact_type, source
	FactsExtracted *prometheus.CounterVec

	// ExtractionCounter counts extraction pipeline runs.
	// Labels: outcome (llm|heuristic_fallback|llm_failure)
	ExtractionCounter *prometheus.CounterVec

	// ConsolidationActions counts consolidator decisions.
	// Labels: action (add|update|delete|noop)
	ConsolidationActions *prometheus.CounterVec

	// CompactionCounter counts history compactions.
	// Labels: (none beyond name)
	CompactionCounter prometheus.Counter

	// SubagentsRunning is the number of subagents holding a permit.
	SubagentsRunning prometheus.Gauge

	// SubagentCounter counts completed subagent executions.
	// Labels: status (completed|failed)
	SubagentCounter *prometheus.CounterVec

	// CronRunCounter counts scheduler job firings.
	// Labels: status (fired|error)
	CronRunCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at startup; the /metrics listener
// serves the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set against a specific
// registerer. Tests pass a fresh prometheus.NewRegistry to avoid
// duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_bus_queue_depth",
				Help: "Current number of messages waiting in a bus queue",
			},
			[]string{"queue"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_llm_request_duration_seconds",
				Help:    "Duration of LM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_requests_total",
				Help: "Total number of LM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		FactsExtracted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_facts_extracted_total",
				Help: "Total number of validated facts by type and source",
			},
			[]string{"fact_type", "source"},
		),

		ExtractionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_extractions_total",
				Help: "Total number of extraction runs by outcome",
			},
			[]string{"outcome"},
		),

		ConsolidationActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_consolidation_actions_total",
				Help: "Total number of consolidator decisions by action",
			},
			[]string{"action"},
		),

		CompactionCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_compactions_total",
				Help: "Total number of session history compactions",
			},
		),

		SubagentsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_subagents_running",
				Help: "Current number of subagents holding a concurrency permit",
			},
		),

		SubagentCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_subagents_total",
				Help: "Total number of finished subagent executions by status",
			},
			[]string{"status"},
		),

		CronRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_cron_runs_total",
				Help: "Total number of scheduler job firings by status",
			},
			[]string{"status"},
		),
	}
}

// MessageReceived increments the inbound message counter.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound message counter.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// SetQueueDepth updates the depth gauge for a bus queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordLLMRequest records one LM call: count, latency, and token use.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordFact counts one validated fact.
func (m *Metrics) RecordFact(factType, source string) {
	m.FactsExtracted.WithLabelValues(factType, source).Inc()
}

// RecordExtraction counts one extraction run by outcome.
func (m *Metrics) RecordExtraction(outcome string) {
	m.ExtractionCounter.WithLabelValues(outcome).Inc()
}

// RecordConsolidation counts one consolidator decision.
func (m *Metrics) RecordConsolidation(action string) {
	m.ConsolidationActions.WithLabelValues(action).Inc()
}

// RecordCompaction counts one history compaction.
func (m *Metrics) RecordCompaction() {
	m.CompactionCounter.Inc()
}

// SubagentStarted marks a subagent acquiring its permit.
func (m *Metrics) SubagentStarted() {
	m.SubagentsRunning.Inc()
}

// SubagentFinished marks a subagent releasing its permit.
func (m *Metrics) SubagentFinished(status string) {
	m.SubagentsRunning.Dec()
	m.SubagentCounter.WithLabelValues(status).Inc()
}

// RecordCronRun counts one scheduler firing.
func (m *Metrics) RecordCronRun(status string) {
	m.CronRunCounter.WithLabelValues(status).Inc()
}
