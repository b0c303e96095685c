package stagegraph

import (
	"errors"
	"fmt"
	"strings"
)

// Compile validates the graph and creates an executable CompiledGraph.
// Multiple errors are joined together.
//
// Validation checks:
//  1. At least one stage exists
//  2. Stage names are unique
//  3. Every requirement names an existing stage
//  4. Fatal stages declare no Fallback
//  5. Requirements are acyclic
//
// The compiled order is topological; among stages that are ready at the
// same time the one added first runs first.
func (g *Graph[S]) Compile() (*CompiledGraph[S], error) {
	var errs []error

	if len(g.stages) == 0 {
		return nil, ErrNoStages
	}

	index := make(map[string]int, len(g.stages))
	for i, st := range g.stages {
		if _, dup := index[st.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateStage, st.Name))
			continue
		}
		index[st.Name] = i
	}

	for _, st := range g.stages {
		for _, req := range st.Requires {
			if _, ok := index[req]; !ok {
				errs = append(errs, fmt.Errorf("%w: stage %s requires %s", ErrUnknownDependency, st.Name, req))
			}
		}
		if st.Policy == Fatal && st.Fallback != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrFallbackOnFatal, st.Name))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	order, stuck := stableTopoOrder(g.stages)
	if len(stuck) > 0 {
		return nil, fmt.Errorf("%w among: %s", ErrCycle, strings.Join(stuck, ", "))
	}

	return g.buildCompiledGraph(order), nil
}

// stableTopoOrder repeatedly picks the earliest-added stage whose
// requirements are all placed. Stages left over form at least one cycle.
func stableTopoOrder[S any](stages []Stage[S]) (order []string, stuck []string) {
	placed := make(map[string]bool, len(stages))
	order = make([]string, 0, len(stages))

	for len(order) < len(stages) {
		progressed := false
		for _, st := range stages {
			if placed[st.Name] || !requirementsMet(st.Requires, placed) {
				continue
			}
			placed[st.Name] = true
			order = append(order, st.Name)
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}

	for _, st := range stages {
		if !placed[st.Name] {
			stuck = append(stuck, st.Name)
		}
	}
	return order, stuck
}

func requirementsMet(requires []string, placed map[string]bool) bool {
	for _, req := range requires {
		if !placed[req] {
			return false
		}
	}
	return true
}

func (g *Graph[S]) buildCompiledGraph(order []string) *CompiledGraph[S] {
	stages := make(map[string]Stage[S], len(g.stages))
	for _, st := range g.stages {
		stages[st.Name] = st
	}
	return &CompiledGraph[S]{
		order:  order,
		stages: stages,
	}
}
