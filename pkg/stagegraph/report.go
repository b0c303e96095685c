package stagegraph

import "time"

// StageOutcome records how one stage ended.
type StageOutcome struct {
	Stage    string
	Duration time.Duration
	// Err is nil when the stage succeeded or was skipped.
	Err       error
	Recovered bool
	Skipped   bool
}

// Report describes a finished run.
type Report struct {
	RunID  string
	Status Status
	// Degraded is set when a recoverable stage failed and the run went on
	// with a fallback.
	Degraded bool
	// Stages holds one outcome per stage in execution order.
	Stages []StageOutcome
	// Errors lists stage failures in order, recovered ones included.
	Errors []error
	// FailedStage names the stage that failed the run, if any.
	FailedStage string
	Duration    time.Duration
}

// Err returns the error that failed the run, or nil.
func (r Report) Err() error {
	if r.FailedStage == "" {
		return nil
	}
	for _, o := range r.Stages {
		if o.Stage == r.FailedStage && o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// Outcome returns the outcome for the named stage.
func (r Report) Outcome(stage string) (StageOutcome, bool) {
	for _, o := range r.Stages {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// Timings returns the duration of every stage that ran.
func (r Report) Timings() map[string]time.Duration {
	timings := make(map[string]time.Duration, len(r.Stages))
	for _, o := range r.Stages {
		if !o.Skipped {
			timings[o.Stage] = o.Duration
		}
	}
	return timings
}
