package stagegraph

import "slices"

// CompiledGraph is an immutable, executable stage graph.
// It is safe for concurrent use.
type CompiledGraph[S any] struct {
	order  []string
	stages map[string]Stage[S]
}

// Order returns the stage names in execution order.
func (cg *CompiledGraph[S]) Order() []string {
	return slices.Clone(cg.order)
}

// Stage returns the named stage descriptor.
func (cg *CompiledGraph[S]) Stage(name string) (Stage[S], bool) {
	st, ok := cg.stages[name]
	return st, ok
}

// Len returns the number of stages.
func (cg *CompiledGraph[S]) Len() int {
	return len(cg.order)
}
