// Package webhook serves the push webhook: it authenticates push events,
// filters them by branch and queues deployments per target.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueStopped = errors.New("deploy queue is stopped")

// Job is one requested deployment of a target.
type Job struct {
	Target   string
	Branch   string
	Revision string // Commit to deploy; empty deploys the branch tip
	Delivery string // Provider delivery ID, for logs
	Pusher   string
}

// DeployFunc runs one deployment. Its error is logged by the queue.
type DeployFunc func(ctx context.Context, job Job) error

// EnqueueResult says what Enqueue did with a job.
type EnqueueResult string

const (
	// EnqueueStarted means the job started right away.
	EnqueueStarted EnqueueResult = "started"
	// EnqueueQueued means a run is in flight; the job runs after it.
	EnqueueQueued EnqueueResult = "queued"
	// EnqueueCoalesced means the job replaced a job already waiting.
	EnqueueCoalesced EnqueueResult = "coalesced"
)

// lane serializes the runs of one target. At most one job waits; a newer
// push replaces it, since deploying the older commit first is wasted work.
type lane struct {
	running bool
	pending *Job
}

// Queue runs deployments one at a time per target, with different targets
// running in parallel.
type Queue struct {
	deploy DeployFunc
	logger *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a stopped Queue. Call Start before Enqueue.
func NewQueue(deploy DeployFunc, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		deploy:  deploy,
		logger:  logger.With("component", "deploy_queue"),
		lanes:   make(map[string]*lane),
		stopped: true,
	}
}

// Start accepts jobs until Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.stopped = false
	q.logger.Info("deploy queue started")
}

// Stop cancels running deployments, drops waiting ones and waits for the
// running ones to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for target, l := range q.lanes {
		if l.pending != nil {
			q.logger.Warn("dropping queued deployment", "target", target, "revision", l.pending.Revision)
			l.pending = nil
		}
	}
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.logger.Info("deploy queue stopped")
}

// Enqueue schedules job on its target's lane.
func (q *Queue) Enqueue(job Job) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return "", ErrQueueStopped
	}

	l, ok := q.lanes[job.Target]
	if !ok {
		l = &lane{}
		q.lanes[job.Target] = l
	}

	if l.running {
		result := EnqueueQueued
		if l.pending != nil {
			result = EnqueueCoalesced
			q.logger.Info("replacing queued deployment",
				"target", job.Target,
				"replaced_revision", l.pending.Revision,
				"revision", job.Revision,
			)
		}
		l.pending = &job
		return result, nil
	}

	l.running = true
	q.wg.Add(1)
	go q.drain(l, job)
	return EnqueueStarted, nil
}

// Busy reports whether target has a run in flight.
func (q *Queue) Busy(target string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[target]
	return ok && l.running
}

// drain runs job, then whatever was queued behind it, until the lane is empty.
func (q *Queue) drain(l *lane, job Job) {
	defer q.wg.Done()

	for {
		q.run(job)

		q.mu.Lock()
		if l.pending == nil || q.stopped {
			l.pending = nil
			l.running = false
			q.mu.Unlock()
			return
		}
		job = *l.pending
		l.pending = nil
		q.mu.Unlock()
	}
}

func (q *Queue) run(job Job) {
	logger := q.logger.With("target", job.Target, "revision", job.Revision, "delivery", job.Delivery)
	logger.Info("deployment started", "branch", job.Branch, "pusher", job.Pusher)

	if err := q.deploy(q.ctx, job); err != nil {
		logger.Error("deployment failed", "error", err)
		return
	}
	logger.Info("deployment succeeded")
}
