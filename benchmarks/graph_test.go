package benchmarks

import (
	"context"
	"testing"
)

// BenchmarkCompile_Linear_5 compiles a 5-stage chain.
func BenchmarkCompile_Linear_5(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = buildLinearGraph(5).Compile()
	}
}

// BenchmarkCompile_Linear_50 compiles a 50-stage chain.
func BenchmarkCompile_Linear_50(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = buildLinearGraph(50).Compile()
	}
}

// BenchmarkRun_Linear_5 runs a 5-stage chain, the pipeline's shape.
func BenchmarkRun_Linear_5(b *testing.B) {
	compiled := mustCompile(buildLinearGraph(5))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, &State{})
	}
}

// BenchmarkRun_Linear_50 runs a 50-stage chain.
func BenchmarkRun_Linear_50(b *testing.B) {
	compiled := mustCompile(buildLinearGraph(50))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, &State{})
	}
}
