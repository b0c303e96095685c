/*
Package retrieval answers natural-language tender queries with ranked
documents from a Neo4j knowledge graph.

A query passes through five stages, run by a stagegraph.CompiledGraph:

	analyze   LLM extraction of intent, concepts and temporal bounds (fatal)
	enhance   optional LLM rewrite and constraint merging (recoverable)
	generate  parametrized Cypher from the merged constraints (fatal)
	execute   the query through a pooled, retrying graphdb.Executor (fatal)
	score     relevance scoring, threshold filter, sort and truncation (fatal)

When enhance fails the run continues with the original query text and
ends succeeded but degraded. Any other stage failure ends the run
failed with no results.

# Usage

	p, err := retrieval.New(settings, driver, analyzer,
	    retrieval.WithRefiner(refiner),
	    retrieval.WithLogger(logger))
	if err != nil {
	    return err
	}
	defer p.Close(ctx)

	qc, err := retrieval.NewQueryContext(
	    retrieval.WithScope("Technical"),
	    retrieval.WithThreshold(0.8),
	    retrieval.WithMaxResults(10))
	if err != nil {
	    return err
	}
	st := p.RunPipeline(ctx, "network infrastructure requirements", qc)
	if !st.Succeeded() {
	    return st.Err()
	}
	for _, r := range st.Results() {
	    fmt.Println(r.ID(), r.Score())
	}

RunPipeline never returns an error: outcome, failures and performance
metrics are carried by the returned PipelineState.

# Caching and Checkpoints

WithCache serves repeated (query, context) pairs from a badger-backed
cache.Store; only succeeded runs that were not degraded are stored.
WithCheckpoints saves the state after every stage, keyed by run ID.
*/
package retrieval
