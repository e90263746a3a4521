// Package telemetry provides observability for uncertainty runs.
//
// It integrates structured logging (zerolog), distributed tracing (OpenTelemetry), metrics
// (Prometheus) and a diagnostics sink into one bundle.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithRunID(runID).WithNode(3, assignment).Warn("model evaluation failed")
//
// Log levels: trace, debug, info, warn, error, disabled.
//
// # Tracing
//
// The engine opens one uq.run span per run, one uq.phase span per state, and uq.node and
// uq.fit spans for evaluations and fits. Supported exporters are "otlp", "stdout" and
// "none". A nil *Tracer is valid and starts no-op spans.
//
// # Metrics
//
// Key metrics exposed, prefixed by the configured namespace:
//
//   - runs_started_total
//   - runs_completed_total{state}
//   - run_duration_seconds{state}
//   - node_evaluations_total{status}
//   - node_evaluation_duration_seconds
//   - feature_errors_total{feature}
//   - output_failures_total{status}
//   - errors_by_class_total{class}
//   - active_runs, queued_nodes
//
// A nil *Metrics is valid and records nothing.
//
// # Diagnostics
//
// Every run publishes events to a Sink: run lifecycle, state transitions, failed nodes,
// failed features and outputs without statistics. LogSink writes them through zerolog,
// Recorder keeps them in memory, and EventPublisher fans them out to subscribers,
// optionally from a buffered background goroutine.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
