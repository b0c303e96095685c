package stagegraph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tenderflow/pkg/stagegraph/checkpoint"
)

func TestRun_Success(t *testing.T) {
	cg, err := linear().Compile()
	require.NoError(t, err)

	state, report := cg.Run(bg(), &testState{}, WithRunID("run-1"))

	assert.Equal(t, []string{"analyze", "enhance", "generate", "execute", "score"}, state.Progress)
	assert.Equal(t, StatusSucceeded, report.Status)
	assert.False(t, report.Degraded)
	assert.NoError(t, report.Err())
	assert.Empty(t, report.Errors)
	assert.Equal(t, "run-1", report.RunID)
	assert.Len(t, report.Stages, 5)
	assert.Len(t, report.Timings(), 5)
	assert.GreaterOrEqual(t, report.Duration, time.Duration(0))
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusSucceeded}, state.Statuses)
}

func TestRun_GeneratesRunID(t *testing.T) {
	cg, err := linear().Compile()
	require.NoError(t, err)

	_, r1 := cg.Run(bg(), &testState{})
	_, r2 := cg.Run(bg(), &testState{})
	assert.NotEmpty(t, r1.RunID)
	assert.NotEqual(t, r1.RunID, r2.RunID)
}

func TestRun_FatalFailureShortCircuits(t *testing.T) {
	scoreCalled := false
	cg, err := linear(
		Stage[*testState]{Name: "execute", Requires: []string{"generate"}, Run: fail(errBoom)},
		Stage[*testState]{Name: "score", Requires: []string{"execute"}, Run: func(_ Context, s *testState) (*testState, error) {
			scoreCalled = true
			return s, nil
		}},
	).Compile()
	require.NoError(t, err)

	state, report := cg.Run(bg(), &testState{})

	assert.False(t, scoreCalled, "score must not run after a fatal failure")
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, "execute", report.FailedStage)
	assert.Equal(t, []string{"analyze", "enhance", "generate"}, state.Progress)

	var stageErr *StageError
	require.True(t, errors.As(report.Err(), &stageErr))
	assert.Equal(t, "execute", stageErr.Stage)
	assert.Equal(t, Fatal, stageErr.Policy)
	assert.ErrorIs(t, report.Err(), errBoom)
	assert.Len(t, report.Errors, 1)

	score, ok := report.Outcome("score")
	require.True(t, ok)
	assert.True(t, score.Skipped)
	assert.NotContains(t, report.Timings(), "score")

	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusFailed}, state.Statuses)
}

func TestRun_RecoverableFailureDegrades(t *testing.T) {
	cg, err := linear(Stage[*testState]{
		Name:     "enhance",
		Requires: []string{"analyze"},
		Policy:   Recoverable,
		Run:      fail(errBoom),
		Fallback: func(_ Context, s *testState, cause error) *testState {
			s.Fallback = errors.Is(cause, errBoom)
			return s
		},
	}).Compile()
	require.NoError(t, err)

	state, report := cg.Run(bg(), &testState{})

	assert.Equal(t, StatusSucceeded, report.Status)
	assert.True(t, report.Degraded)
	assert.NoError(t, report.Err())
	assert.True(t, state.Fallback)
	assert.Equal(t, []string{"analyze", "generate", "execute", "score"}, state.Progress)

	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], errBoom)
	enhance, _ := report.Outcome("enhance")
	assert.True(t, enhance.Recovered)

	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusDegraded, StatusSucceeded}, state.Statuses)
}

func TestRun_RecoverableWithoutFallbackKeepsState(t *testing.T) {
	cg, err := linear(Stage[*testState]{
		Name: "enhance", Requires: []string{"analyze"}, Policy: Recoverable, Run: fail(errBoom),
	}).Compile()
	require.NoError(t, err)

	state, report := cg.Run(bg(), &testState{Query: "q"})
	assert.True(t, report.Degraded)
	assert.Equal(t, "q", state.Query)
	assert.False(t, state.Fallback)
}

func TestRun_DegradedThenFatal(t *testing.T) {
	cg, err := linear(
		Stage[*testState]{Name: "enhance", Requires: []string{"analyze"}, Policy: Recoverable, Run: fail(errBoom)},
		Stage[*testState]{Name: "execute", Requires: []string{"generate"}, Run: fail(errors.New("exhausted"))},
	).Compile()
	require.NoError(t, err)

	_, report := cg.Run(bg(), &testState{})
	assert.Equal(t, StatusFailed, report.Status)
	assert.True(t, report.Degraded)
	assert.Len(t, report.Errors, 2)
	assert.Equal(t, "execute", report.FailedStage)
}

func TestRun_PanicIsFatal(t *testing.T) {
	for _, policy := range []Policy{Fatal, Recoverable} {
		t.Run(policy.String(), func(t *testing.T) {
			cg, err := linear(Stage[*testState]{
				Name: "enhance", Requires: []string{"analyze"}, Policy: policy, Run: explode("kaboom"),
			}).Compile()
			require.NoError(t, err)

			state, report := cg.Run(bg(), &testState{})
			assert.Equal(t, StatusFailed, report.Status)
			assert.Equal(t, []string{"analyze"}, state.Progress)

			var panicErr *PanicError
			require.True(t, errors.As(report.Err(), &panicErr))
			assert.Equal(t, "enhance", panicErr.Stage)
			assert.Equal(t, "kaboom", panicErr.Value)
			assert.NotEmpty(t, panicErr.Stack)
		})
	}
}

func TestRun_PanickingFallbackKeepsState(t *testing.T) {
	cg, err := linear(Stage[*testState]{
		Name: "enhance", Requires: []string{"analyze"}, Policy: Recoverable, Run: fail(errBoom),
		Fallback: func(Context, *testState, error) *testState { panic("fallback broke") },
	}).Compile()
	require.NoError(t, err)

	logger, _ := bufferLogger()
	state, report := cg.Run(bg(), &testState{}, WithLogger(logger))
	assert.Equal(t, StatusSucceeded, report.Status)
	assert.True(t, report.Degraded)
	assert.Len(t, state.Progress, 4)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	cg, err := linear().Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg())
	cancel()

	state, report := cg.Run(ctx, &testState{})
	assert.Equal(t, StatusFailed, report.Status)
	assert.Empty(t, state.Progress)

	var cancelErr *CancellationError
	require.True(t, errors.As(report.Err(), &cancelErr))
	assert.Equal(t, "analyze", cancelErr.Stage)
	assert.False(t, cancelErr.WasExecuting)
	assert.ErrorIs(t, report.Err(), context.Canceled)
}

func TestRun_CancelledDuringRecoverableStageIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(bg())
	defer cancel()

	cg, err := linear(Stage[*testState]{
		Name: "enhance", Requires: []string{"analyze"}, Policy: Recoverable,
		Run: func(c Context, s *testState) (*testState, error) {
			cancel()
			return s, c.Err()
		},
	}).Compile()
	require.NoError(t, err)

	_, report := cg.Run(ctx, &testState{})
	assert.Equal(t, StatusFailed, report.Status)
	assert.False(t, report.Degraded)

	var cancelErr *CancellationError
	require.True(t, errors.As(report.Err(), &cancelErr))
	assert.True(t, cancelErr.WasExecuting)
	assert.ErrorIs(t, report.Err(), context.Canceled)
}

func TestRun_StageContext(t *testing.T) {
	var seenRun, seenStage string
	cg, err := NewGraph[*testState]().
		AddStage(Stage[*testState]{Name: "analyze", Run: func(c Context, s *testState) (*testState, error) {
			seenRun, seenStage = c.RunID(), c.Stage()
			c.Logger().Info("inside stage")
			require.NotNil(t, c.Metrics())
			return s, nil
		}}).
		Compile()
	require.NoError(t, err)

	logger, buf := bufferLogger()
	_, report := cg.Run(bg(), &testState{}, WithRunID("run-ctx"), WithLogger(logger), WithName("retrieval"))
	require.Equal(t, StatusSucceeded, report.Status)

	assert.Equal(t, "run-ctx", seenRun)
	assert.Equal(t, "analyze", seenStage)
	assert.Contains(t, buf.String(), `"msg":"inside stage","run_id":"run-ctx","stage":"analyze"`)
	assert.Contains(t, buf.String(), "pipeline run completed")
}

func TestRun_Checkpointing(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cg, err := linear(
		Stage[*testState]{Name: "enhance", Requires: []string{"analyze"}, Policy: Recoverable, Run: fail(errBoom)},
		Stage[*testState]{Name: "execute", Requires: []string{"generate"}, Run: fail(errBoom)},
	).Compile()
	require.NoError(t, err)

	_, report := cg.Run(bg(), &testState{Query: "network"}, WithRunID("run-cp"), WithCheckpointing(store))
	require.Equal(t, StatusFailed, report.Status)

	infos, err := store.List(bg(), "run-cp")
	require.NoError(t, err)
	var stages []string
	for _, info := range infos {
		stages = append(stages, info.Stage)
	}
	assert.Equal(t, []string{"analyze", "enhance", "generate"}, stages)

	cp, err := checkpoint.Latest(bg(), store, "run-cp")
	require.NoError(t, err)
	assert.Equal(t, "generate", cp.Stage)
	assert.Equal(t, "enhance", cp.PrevStage)
	assert.Equal(t, "execute", cp.NextStage)
	assert.Contains(t, string(cp.State), `"query":"network"`)

	data, err := store.Load(bg(), "run-cp", "enhance")
	require.NoError(t, err)
	enhance, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "recovered", enhance.Outcome)
}

// failingStore rejects every save.
type failingStore struct{ *checkpoint.MemoryStore }

func (failingStore) Save(context.Context, string, string, []byte) error {
	return errors.New("disk full")
}

func TestRun_CheckpointFailure(t *testing.T) {
	store := failingStore{checkpoint.NewMemoryStore()}
	cg, err := linear().Compile()
	require.NoError(t, err)

	t.Run("logged by default", func(t *testing.T) {
		logger, buf := bufferLogger()
		_, report := cg.Run(bg(), &testState{}, WithCheckpointing(store), WithLogger(logger))
		assert.Equal(t, StatusSucceeded, report.Status)
		assert.Equal(t, 5, strings.Count(buf.String(), "checkpoint failed"))
	})

	t.Run("fatal when configured", func(t *testing.T) {
		_, report := cg.Run(bg(), &testState{}, WithCheckpointing(store), WithCheckpointFailureFatal(true))
		assert.Equal(t, StatusFailed, report.Status)
		assert.Equal(t, "analyze", report.FailedStage)

		var cpErr *CheckpointError
		require.True(t, errors.As(report.Err(), &cpErr))
		assert.Equal(t, "save", cpErr.Op)
	})
}

func TestRun_ConcurrentRuns(t *testing.T) {
	cg, err := linear().Compile()
	require.NoError(t, err)

	const runs = 20
	done := make(chan Report, runs)
	for i := 0; i < runs; i++ {
		go func() {
			_, report := cg.Run(bg(), &testState{})
			done <- report
		}()
	}
	for i := 0; i < runs; i++ {
		report := <-done
		assert.Equal(t, StatusSucceeded, report.Status)
	}
}

func TestNewContext(t *testing.T) {
	logger, _ := bufferLogger()
	ctx := NewContext(bg(), WithContextLogger(logger), WithContextRunID("r"), WithContextStage("score"))
	assert.Equal(t, "r", ctx.RunID())
	assert.Equal(t, "score", ctx.Stage())
	assert.Same(t, logger, ctx.Logger())
	assert.NotNil(t, ctx.Metrics())

	assert.NotEmpty(t, NewContext(bg()).RunID())
}
