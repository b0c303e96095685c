package stagegraph

import (
	"fmt"
	"slices"
	"strings"
)

// Graph is a mutable builder for a stage graph.
// Use NewGraph, chain AddStage calls, then Compile.
//
// Graph is NOT thread-safe during building. Compile produces an immutable
// CompiledGraph that can be shared.
type Graph[S any] struct {
	stages []Stage[S]
}

// NewGraph creates a builder for state type S.
func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{}
}

// AddStage appends a stage. Insertion order breaks ties in the compiled
// order. Returns the graph for method chaining.
//
// Panics if:
//   - the name is empty or contains whitespace
//   - Run is nil
//   - Policy is not Fatal or Recoverable
//
// Duplicate names and unknown dependencies are reported by Compile.
func (g *Graph[S]) AddStage(stage Stage[S]) *Graph[S] {
	if stage.Name == "" {
		panic("stagegraph: stage name cannot be empty")
	}
	if strings.ContainsAny(stage.Name, " \t\n\r") {
		panic("stagegraph: stage name cannot contain whitespace")
	}
	if stage.Run == nil {
		panic(fmt.Sprintf("stagegraph: stage %s has nil Run", stage.Name))
	}
	if stage.Policy != Fatal && stage.Policy != Recoverable {
		panic(fmt.Sprintf("stagegraph: stage %s has invalid policy %d", stage.Name, stage.Policy))
	}

	stage.Requires = slices.Clone(stage.Requires)
	g.stages = append(g.stages, stage)
	return g
}
