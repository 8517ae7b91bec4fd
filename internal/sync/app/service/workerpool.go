// Package service hosts the Task Controller and its Worker Pool, grounded
// on the teacher's executor/app/service.ExecutorService: a queue of work
// items drained by a bounded set of goroutines, coordinated through a
// process-wide map guarded by a mutex.
package service

import (
	"context"
	"sync"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	domainservice "github.com/datatrac/datatrac-sync/internal/sync/domain/service"
)

// workerPool drains a pre-loaded, closed queue of units with up to
// concurrency goroutines, each running the Unit Pipeline (spec.md §4.2).
type workerPool struct {
	pipeline    *domainservice.Pipeline
	concurrency int
}

// run spawns workers and blocks until the queue is drained or cancel fires
// and every in-flight pipeline run has returned — the "worker barrier"
// from spec.md §4.1.
func (wp *workerPool) run(ctx context.Context, queue <-chan job, cancel <-chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(wp.concurrency)
	for i := 0; i < wp.concurrency; i++ {
		go func() {
			defer wg.Done()
			wp.worker(ctx, queue, cancel)
		}()
	}
	wg.Wait()
}

// worker is the cooperative loop from spec.md §4.2: on each iteration it
// either observes cancellation or receives a unit from the queue. A
// per-unit failure never aborts the pool; policy=pause escalation is the
// caller's responsibility (each finished unit is handed to the job's onDone
// callback, and controller.go's onUnitDone fires the shared signal).
func (wp *workerPool) worker(ctx context.Context, queue <-chan job, cancel <-chan struct{}) {
	for {
		select {
		case <-cancel:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			j.unitCancel = cancel
			wp.runOne(ctx, j)
		}
	}
}

func (wp *workerPool) runOne(ctx context.Context, j job) {
	unitJob := domainservice.UnitJob{
		Task:    j.task,
		Config:  j.config,
		Runtime: j.runtime,
		Source:  j.source,
		Target:  j.target,
		Cancel:  j.unitCancel,
	}
	if err := wp.pipeline.Run(ctx, unitJob); err != nil {
		// Checkpoint Store failure (spec.md §7 "Storage"): the worker can no
		// longer trust its view of the unit; it abandons the unit in place
		// rather than risk a divergent counter write.
		j.onStorageFailure(j.runtime, err)
		return
	}
	j.onDone(j.runtime)
}

// job is one unit of work handed to a worker, plus the callbacks the
// Controller needs to observe completion without the pool importing the
// Controller (keeps the dependency direction one-way).
type job struct {
	task       *model.Task
	config     *model.TaskConfig
	runtime    *model.TaskUnitRuntime
	source     *model.DataSource
	target     *model.DataSource
	unitCancel <-chan struct{}

	onDone           func(r *model.TaskUnitRuntime)
	onStorageFailure func(r *model.TaskUnitRuntime, err error)
}
