package worker

import (
	"context"
	"testing"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/executor"
)

// BenchmarkPool_Process measures the overhead of process with a no-op
// executor, i.e. the pool engine itself excluding real I/O.
func BenchmarkPool_Process(b *testing.B) {
	q := newFakeQueue()
	p, err := NewPool(testConfig(), q, executor.Func(func(context.Context, *domain.Task) (domain.Result, error) {
		return domain.Result{}, nil
	}), WithLogger(discardLogger), WithOutcomeHandler(&recordingOutcomes{}))
	if err != nil {
		b.Fatal(err)
	}
	task := newTask("bench-task")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.process("bench-worker", task)
	}
}

// BenchmarkPool_Process_Parallel measures throughput under concurrent load.
func BenchmarkPool_Process_Parallel(b *testing.B) {
	p, err := NewPool(testConfig(), newFakeQueue(), executor.Echo(), WithLogger(discardLogger))
	if err != nil {
		b.Fatal(err)
	}

	b.RunParallel(func(pb *testing.PB) {
		task := newTask("bench-task")
		for pb.Next() {
			p.process("bench-worker", task)
		}
	})
}
