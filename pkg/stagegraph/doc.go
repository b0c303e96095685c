/*
Package stagegraph runs a fixed set of named stages over shared state.

# Overview

Each stage declares the stages whose output it requires and a failure
policy. Compile orders the stages topologically (stable with respect to
insertion order) and rejects duplicates, unknown dependencies and cycles.
Run executes them one at a time and never returns an error value: the
Report describes what happened.

	graph := stagegraph.NewGraph[*State]().
	    AddStage(stagegraph.Stage[*State]{Name: "analyze", Run: analyze}).
	    AddStage(stagegraph.Stage[*State]{
	        Name:     "enhance",
	        Requires: []string{"analyze"},
	        Policy:   stagegraph.Recoverable,
	        Run:      enhance,
	        Fallback: useOriginalQuery,
	    })

	compiled, err := graph.Compile()
	if err != nil {
	    log.Fatal(err)
	}
	state, report := compiled.Run(ctx, &State{Query: "..."})

# Failure Policies

A Fatal stage failure moves the run to StatusFailed and every remaining
stage is recorded as skipped. A Recoverable failure applies the stage's
Fallback to the state the stage was given, marks the run degraded, and
continues. A run that finishes after a recoverable failure ends
StatusSucceeded with Report.Degraded set.

Panics and cancellation are always fatal.

# Observability

Stage timings are always collected in the Report. Structured logs,
OpenTelemetry metrics and spans, and per-stage checkpoints are enabled
with RunOptions:

	compiled.Run(ctx, state,
	    stagegraph.WithLogger(logger),
	    stagegraph.WithMetrics(observability.NewMetricsRecorder()),
	    stagegraph.WithTracing(observability.NewSpanManager()),
	    stagegraph.WithCheckpointing(store))

# Thread Safety

Graph is not safe for concurrent building. CompiledGraph is immutable and
may be Run from many goroutines at once; each Run owns its state.
*/
package stagegraph
