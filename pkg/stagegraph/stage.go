package stagegraph

// Policy decides what a stage failure does to the run.
type Policy int

const (
	// Fatal failures end the run.
	Fatal Policy = iota
	// Recoverable failures apply the stage fallback and continue degraded.
	Recoverable
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Fatal:
		return "fatal"
	case Recoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// StageFunc performs one stage of work.
//
// States are usually pointers; a stage that fails should return its error
// before mutating the state so that fallbacks see what the stage was given.
type StageFunc[S any] func(ctx Context, state S) (S, error)

// FallbackFunc produces the state to continue with after a recoverable
// stage failed with err. It receives the state the stage was given.
type FallbackFunc[S any] func(ctx Context, state S, err error) S

// Stage describes one named unit of work.
type Stage[S any] struct {
	// Name identifies the stage in reports, logs and checkpoints.
	Name string

	// Requires lists stages that must complete before this one.
	Requires []string

	// Policy classifies failures of this stage. Default: Fatal.
	Policy Policy

	// Run performs the stage.
	Run StageFunc[S]

	// Fallback is applied when a Recoverable stage fails.
	// Nil continues with the unchanged state.
	Fallback FallbackFunc[S]
}

// Status is the lifecycle position of a run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	// StatusDegraded marks a running run that recovered from a stage failure.
	StatusDegraded
	StatusSucceeded
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDegraded:
		return "degraded"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StatusObserver is implemented by states that track the run status.
// The runner calls ObserveStatus on every transition.
type StatusObserver interface {
	ObserveStatus(Status)
}
