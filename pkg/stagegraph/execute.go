package stagegraph

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/randalmurphal/tenderflow/pkg/stagegraph/checkpoint"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// Run executes every stage in compiled order over state.
//
// Run never returns an error value for stage failures and never panics
// because of one. The returned state is the state after the last stage
// that completed (or recovered); the Report carries the status, the
// per-stage outcomes and the errors.
func (cg *CompiledGraph[S]) Run(ctx context.Context, state S, opts ...RunOption) (S, Report) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	runID := cfg.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	cfg.runID = runID

	report := Report{
		RunID:  runID,
		Status: StatusPending,
		Stages: make([]StageOutcome, 0, len(cg.order)),
	}
	setStatus := func(s Status) {
		report.Status = s
		if obs, ok := any(state).(StatusObserver); ok {
			obs.ObserveStatus(s)
		}
	}
	setStatus(StatusPending)

	start := time.Now()
	observability.LogRunStart(cfg.logger, runID, len(cg.order))

	runCtx, runSpan := cfg.spans.StartRunSpan(ctx, cfg.name, runID)
	setStatus(StatusRunning)

	prev := ""
	executed := 0
	for i, name := range cg.order {
		if report.FailedStage != "" {
			report.Stages = append(report.Stages, StageOutcome{Stage: name, Skipped: true})
			observability.LogStageSkipped(cfg.logger, name, "run failed at "+report.FailedStage)
			cfg.metrics.RecordStage(ctx, name, 0, observability.OutcomeSkipped)
			continue
		}

		if err := ctx.Err(); err != nil {
			cerr := &CancellationError{Stage: name, Cause: err}
			report.Stages = append(report.Stages, StageOutcome{Stage: name, Err: cerr})
			report.Errors = append(report.Errors, cerr)
			report.FailedStage = name
			setStatus(StatusFailed)
			observability.LogStageError(cfg.logger, name, cerr, false)
			cfg.metrics.RecordStage(ctx, name, 0, observability.OutcomeFailed)
			continue
		}

		stage := cg.stages[name]
		outcome, next := cg.runStage(runCtx, &cfg, stage, state)
		executed++

		switch {
		case outcome.Err == nil:
			state = next
		case outcome.Recovered:
			state = next
			report.Degraded = true
			report.Errors = append(report.Errors, outcome.Err)
			if report.Status != StatusDegraded {
				setStatus(StatusDegraded)
			}
		default:
			report.Stages = append(report.Stages, outcome)
			report.Errors = append(report.Errors, outcome.Err)
			report.FailedStage = name
			setStatus(StatusFailed)
			continue
		}

		nextStage := ""
		if i+1 < len(cg.order) {
			nextStage = cg.order[i+1]
		}
		if err := cg.saveCheckpoint(ctx, &cfg, name, prev, nextStage, outcome, state); err != nil {
			outcome.Err = err
			outcome.Recovered = false
			report.Stages = append(report.Stages, outcome)
			report.Errors = append(report.Errors, err)
			report.FailedStage = name
			setStatus(StatusFailed)
			continue
		}

		report.Stages = append(report.Stages, outcome)
		prev = name
	}

	report.Duration = time.Since(start)
	durationMs := float64(report.Duration.Milliseconds())

	runErr := report.Err()
	if runErr == nil {
		setStatus(StatusSucceeded)
		observability.LogRunComplete(cfg.logger, runID, durationMs, executed, report.Degraded)
	} else {
		observability.LogRunError(cfg.logger, runID, runErr, durationMs, report.FailedStage)
	}

	cfg.metrics.RecordRun(ctx, report.Status.String(), report.Degraded, report.Duration)
	cfg.spans.EndSpanWithError(runSpan, runErr)

	return state, report
}

// runStage executes one stage with its span, logs and metrics, applying
// the fallback when a recoverable stage fails. The returned state is the
// state to continue with; on fatal failure it is the state the stage was
// given.
func (cg *CompiledGraph[S]) runStage(runCtx context.Context, cfg *runConfig, stage Stage[S], state S) (StageOutcome, S) {
	spanCtx, span := cfg.spans.StartStageSpan(runCtx, stage.Name)
	sctx := newStageContext(spanCtx, cfg, cfg.runID, stage.Name)

	observability.LogStageStart(sctx.logger, stage.Name)
	started := time.Now()
	next, err := executeStage(sctx, stage, state)
	outcome := StageOutcome{Stage: stage.Name, Duration: time.Since(started)}
	cfg.spans.EndSpanWithError(span, err)

	if err == nil {
		observability.LogStageComplete(sctx.logger, stage.Name, float64(outcome.Duration.Milliseconds()))
		cfg.metrics.RecordStage(runCtx, stage.Name, outcome.Duration, observability.OutcomeOK)
		return outcome, next
	}

	var panicErr *PanicError
	isPanic := errors.As(err, &panicErr)

	if ctxErr := runCtx.Err(); ctxErr != nil && !isPanic {
		err = &CancellationError{Stage: stage.Name, Cause: errors.Join(ctxErr, err), WasExecuting: true}
	}
	outcome.Err = err

	var cancelErr *CancellationError
	recoverable := stage.Policy == Recoverable && !isPanic && !errors.As(err, &cancelErr)
	if !recoverable {
		observability.LogStageError(sctx.logger, stage.Name, err, false)
		cfg.metrics.RecordStage(runCtx, stage.Name, outcome.Duration, observability.OutcomeFailed)
		return outcome, state
	}

	outcome.Recovered = true
	observability.LogStageError(sctx.logger, stage.Name, err, true)
	cfg.metrics.RecordStage(runCtx, stage.Name, outcome.Duration, observability.OutcomeRecovered)
	cfg.spans.RecordRecovery(runCtx, stage.Name, err)

	if stage.Fallback == nil {
		return outcome, state
	}
	return outcome, applyFallback(sctx, stage, state, err)
}

// executeStage runs the stage function with panic recovery.
func executeStage[S any](ctx *executionContext, stage Stage[S], state S) (result S, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = state
			err = &PanicError{
				Stage: stage.Name,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()

	result, err = stage.Run(ctx, state)
	if err != nil {
		return state, &StageError{Stage: stage.Name, Policy: stage.Policy, Err: err}
	}
	return result, nil
}

// applyFallback runs a fallback; a panicking fallback leaves state unchanged.
func applyFallback[S any](ctx *executionContext, stage Stage[S], state S, cause error) (result S) {
	defer func() {
		if r := recover(); r != nil {
			ctx.logger.Error("fallback panicked", "stage", stage.Name, "panic", r)
			result = state
		}
	}()
	return stage.Fallback(ctx, state, cause)
}

// saveCheckpoint persists the state after a completed or recovered stage.
// Failures are logged and ignored unless checkpoint failures are fatal.
func (cg *CompiledGraph[S]) saveCheckpoint(ctx context.Context, cfg *runConfig, stage, prev, next string, outcome StageOutcome, state S) error {
	if cfg.checkpointStore == nil {
		return nil
	}

	fail := func(op string, err error) error {
		if cfg.checkpointFailureFatal {
			return &CheckpointError{Stage: stage, Op: op, Err: err}
		}
		observability.LogCheckpointError(cfg.logger, stage, op, err)
		return nil
	}

	stateBytes, err := gojson.Marshal(state)
	if err != nil {
		return fail("serialize", err)
	}

	result := observability.OutcomeOK
	if outcome.Recovered {
		result = observability.OutcomeRecovered
	}
	cfg.sequence++
	data, err := checkpoint.New(cfg.runID, stage, cfg.sequence, stateBytes, result).
		WithNeighbours(prev, next).
		Marshal()
	if err != nil {
		return fail("marshal", err)
	}

	if err := cfg.checkpointStore.Save(ctx, cfg.runID, stage, data); err != nil {
		return fail("save", err)
	}

	observability.LogCheckpoint(cfg.logger, stage, len(data))
	cfg.metrics.RecordCheckpoint(ctx, stage, int64(len(data)))
	return nil
}
