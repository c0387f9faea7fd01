package ingestion

import (
	"context"
	"log"
	"sync"
)

// Queue feeds jobs to a fixed pool of pipeline workers through a buffered
// channel. Enqueue never blocks; a full buffer is an error the caller
// surfaces to the client.
type Queue struct {
	jobs     chan Job
	pipeline *Pipeline
	logger   *log.Logger
	workers  int

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewQueue(pipeline *Pipeline, workers, buffer int, logger *log.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		jobs:     make(chan Job, buffer),
		pipeline: pipeline,
		logger:   logger,
		workers:  workers,
	}
}

// Start launches the worker pool. ctx cancellation aborts in-flight jobs;
// Stop drains the remaining queued work first.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for job := range q.jobs {
				if ctx.Err() != nil {
					return
				}
				if err := q.pipeline.Process(ctx, job); err != nil {
					q.logger.Printf("worker %d: source %s: %v", worker, job.SourceID, err)
				}
			}
		}(i)
	}
}

func (q *Queue) Enqueue(job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to finish. Safe to call more
// than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
}
