// Package observability provides metrics, structured logging, and
// distributed tracing for the Conduit agent runtime.
//
// # Metrics
//
// Prometheus counters, gauges, and histograms cover message flow,
// queue depth, LM request latency and token usage, tool execution,
// memory extraction and consolidation, compaction, subagent runs, and
// cron deliveries. NewMetrics registers against the default registry
// served by the /metrics listener; tests use NewMetricsWith and a
// fresh registry.
//
//	metrics := observability.NewMetrics()
//	metrics.MessageReceived("cli")
//	metrics.RecordLLMRequest("openai", "gpt-4o-mini", "success", elapsed, promptTokens, completionTokens)
//	metrics.RecordToolExecution("web_search", "success", elapsed)
//
// # Logging
//
// Logging is built on slog with automatic redaction of secret-shaped
// values (API keys, bearer tokens, JWTs) and context correlation:
// request, session, and channel identifiers placed in the context
// appear on every record.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.WithRequestID(ctx, requestID)
//	logger.Info(ctx, "processing message", "channel", msg.Channel)
//
// # Tracing
//
// OpenTelemetry spans wrap message processing, LM requests, and tool
// dispatch. With no OTLP endpoint configured the tracer is a no-op.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "conduit",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(ctx)
//	ctx, span := tracer.TraceMessageProcessing(ctx, channel, sessionKey)
//	defer span.End()
package observability
