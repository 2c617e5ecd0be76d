/*
Copyright 2021.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"cloudfoundry.org/cf-crd-staging/metrics"
)

const (
	// GenericQueue takes low-priority work that any worker may run
	GenericQueue = "cc-generic"
	// LocalQueue takes work that needs this instance's local disk
	LocalQueue = "cc-local"
)

const defaultDrainTimeout = 30 * time.Second

var (
	ErrUnknownQueue  = errors.New("unknown job queue")
	ErrQueueShutDown = errors.New("job queue is shut down")
)

type Job interface {
	Perform(ctx context.Context) error
	JobName() string
}

type Enqueuer interface {
	Enqueue(job Job, queue string) error
}

type queuedJob struct {
	job Job
}

// Queues runs jobs from named rate-limited work queues. Delivery is at least once:
// a failed job is requeued with backoff until it has been attempted maxAttempts times.
type Queues struct {
	queues       map[string]workqueue.RateLimitingInterface
	workers      int
	maxAttempts  int
	drainTimeout time.Duration
	logger       logr.Logger
	recorder     *metrics.Recorder

	mu       sync.RWMutex
	shutDown bool
}

func NewQueues(logger logr.Logger, recorder *metrics.Recorder, workers, maxAttempts int, names ...string) *Queues {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	queues := make(map[string]workqueue.RateLimitingInterface, len(names))
	for _, name := range names {
		queues[name] = workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), name)
	}
	return &Queues{
		queues:       queues,
		workers:      workers,
		maxAttempts:  maxAttempts,
		drainTimeout: defaultDrainTimeout,
		logger:       logger,
		recorder:     recorder,
	}
}

func (q *Queues) Enqueue(job Job, queue string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	wq, ok := q.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if q.shutDown || wq.ShuttingDown() {
		return fmt.Errorf("%w: %s", ErrQueueShutDown, queue)
	}

	wq.Add(&queuedJob{job: job})
	q.recorder.JobEnqueued(queue, job.JobName())
	q.logger.V(1).Info("enqueued job", "queue", queue, "job", job.JobName())
	return nil
}

// Start runs the workers until ctx is done, then stops accepting jobs and lets
// the workers finish what is already queued. Jobs run with their own context,
// which is only cancelled once draining has taken longer than the drain timeout.
func (q *Queues) Start(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var wg sync.WaitGroup
	for name, wq := range q.queues {
		for i := 0; i < q.workers; i++ {
			wg.Add(1)
			go func(name string, wq workqueue.RateLimitingInterface) {
				defer wg.Done()
				for q.processNextJob(jobCtx, name, wq) {
				}
			}(name, wq)
		}
	}

	q.logger.Info(fmt.Sprintf("Started %d workers per queue", q.workers))
	<-ctx.Done()
	q.Stop()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(q.drainTimeout):
		q.logger.Info(fmt.Sprintf("Queued jobs not drained after %s, cancelling them", q.drainTimeout))
		cancelJobs()
		<-drained
	}
	return nil
}

// WithDrainTimeout bounds how long Start waits for queued jobs after shutdown
func (q *Queues) WithDrainTimeout(timeout time.Duration) *Queues {
	q.drainTimeout = timeout
	return q
}

func (q *Queues) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutDown = true
	for _, wq := range q.queues {
		wq.ShutDown()
	}
}

func (q *Queues) processNextJob(ctx context.Context, queue string, wq workqueue.RateLimitingInterface) bool {
	obj, shutdown := wq.Get()
	if shutdown {
		return false
	}
	defer wq.Done(obj)

	item, ok := obj.(*queuedJob)
	if !ok {
		wq.Forget(obj)
		return true
	}

	name := item.job.JobName()
	logger := q.logger.WithValues("queue", queue, "job", name)
	started := time.Now()
	err := item.job.Perform(ctx)
	elapsed := time.Since(started).Seconds()

	if err == nil {
		wq.Forget(obj)
		q.recorder.JobCompleted(queue, name, "success", elapsed)
		logger.V(1).Info("job completed")
		return true
	}

	attempts := wq.NumRequeues(obj) + 1
	if attempts < q.maxAttempts && wq.ShuttingDown() {
		logger.Error(err, fmt.Sprintf("Job failed on attempt %d while the queue shuts down, not retrying", attempts))
		wq.Forget(obj)
		q.recorder.JobCompleted(queue, name, "failure", elapsed)
		return true
	}
	if attempts < q.maxAttempts {
		logger.Info(fmt.Sprintf("Job failed on attempt %d, requeueing: %s", attempts, err))
		wq.AddRateLimited(obj)
		q.recorder.JobCompleted(queue, name, "retry", elapsed)
		return true
	}

	logger.Error(err, fmt.Sprintf("Job failed after %d attempts, giving up", attempts))
	wq.Forget(obj)
	q.recorder.JobCompleted(queue, name, "failure", elapsed)
	return true
}
