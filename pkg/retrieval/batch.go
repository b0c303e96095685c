package retrieval

import (
	"context"
	"fmt"
	"sync"
)

// RunBatch runs every query concurrently on the batch worker pool,
// bounded by Settings.BatchWorkers, and returns the states in query
// order. A query that cannot be scheduled gets a failed state.
func (p *Pipeline) RunBatch(ctx context.Context, queries []string, qc *QueryContext) []*PipelineState {
	states := make([]*PipelineState, len(queries))
	var wg sync.WaitGroup

	for i, q := range queries {
		i, q := i, q
		wg.Add(1)
		err := p.workers.Submit(func() {
			defer wg.Done()
			states[i] = p.RunPipeline(ctx, q, qc)
		})
		if err != nil {
			wg.Done()
			st := newPipelineState("", q, p.resolveContext(qc))
			states[i] = st.fail("batch", fmt.Errorf("schedule query: %w", err))
		}
	}

	wg.Wait()
	return states
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Degraded  int `json:"degraded"`
	Failed    int `json:"failed"`
	Results   int `json:"results"`
	CacheHits int `json:"cache_hits"`
}

// SummarizeBatch counts the outcomes of states.
func SummarizeBatch(states []*PipelineState) BatchSummary {
	s := BatchSummary{Total: len(states)}
	for _, st := range states {
		if st == nil {
			continue
		}
		if st.Succeeded() {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if st.Degraded() {
			s.Degraded++
		}
		if st.Metrics().CacheHit {
			s.CacheHits++
		}
		s.Results += len(st.results)
	}
	return s
}
