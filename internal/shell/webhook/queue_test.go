package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingDeployer records jobs and holds each run until released.
type blockingDeployer struct {
	mu      sync.Mutex
	ran     []Job
	started chan Job
	release chan struct{}
}

func newBlockingDeployer() *blockingDeployer {
	return &blockingDeployer{
		started: make(chan Job, 16),
		release: make(chan struct{}),
	}
}

func (d *blockingDeployer) deploy(ctx context.Context, job Job) error {
	d.started <- job
	select {
	case <-d.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	d.ran = append(d.ran, job)
	d.mu.Unlock()
	return nil
}

func (d *blockingDeployer) revisions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.ran))
	for _, j := range d.ran {
		out = append(out, j.Revision)
	}
	return out
}

func waitStarted(t *testing.T, d *blockingDeployer) Job {
	t.Helper()
	select {
	case job := <-d.started:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("deployment did not start")
		return Job{}
	}
}

// =============================================================================
// Queue Tests
// =============================================================================

func TestQueue_EnqueueBeforeStart(t *testing.T) {
	q := NewQueue(func(context.Context, Job) error { return nil }, nil)

	_, err := q.Enqueue(Job{Target: "bot"})
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestQueue_SerializesAndCoalescesPerTarget(t *testing.T) {
	d := newBlockingDeployer()
	q := NewQueue(d.deploy, nil)
	q.Start()
	defer q.Stop()

	result, err := q.Enqueue(Job{Target: "bot", Revision: "a"})
	require.NoError(t, err)
	assert.Equal(t, EnqueueStarted, result)
	assert.Equal(t, "a", waitStarted(t, d).Revision)
	assert.True(t, q.Busy("bot"))

	result, err = q.Enqueue(Job{Target: "bot", Revision: "b"})
	require.NoError(t, err)
	assert.Equal(t, EnqueueQueued, result)

	result, err = q.Enqueue(Job{Target: "bot", Revision: "c"})
	require.NoError(t, err)
	assert.Equal(t, EnqueueCoalesced, result)

	d.release <- struct{}{}
	assert.Equal(t, "c", waitStarted(t, d).Revision, "newest waiting push runs next")
	d.release <- struct{}{}

	require.Eventually(t, func() bool { return !q.Busy("bot") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, d.revisions())
}

func TestQueue_TargetsRunInParallel(t *testing.T) {
	d := newBlockingDeployer()
	q := NewQueue(d.deploy, nil)
	q.Start()
	defer q.Stop()

	_, err := q.Enqueue(Job{Target: "bot", Revision: "a"})
	require.NoError(t, err)
	result, err := q.Enqueue(Job{Target: "api", Revision: "b"})
	require.NoError(t, err)
	assert.Equal(t, EnqueueStarted, result)

	started := map[string]bool{}
	started[waitStarted(t, d).Target] = true
	started[waitStarted(t, d).Target] = true
	assert.Equal(t, map[string]bool{"bot": true, "api": true}, started)

	close(d.release)
}

func TestQueue_StopCancelsRunningAndDropsPending(t *testing.T) {
	d := newBlockingDeployer()
	q := NewQueue(d.deploy, nil)
	q.Start()

	_, err := q.Enqueue(Job{Target: "bot", Revision: "a"})
	require.NoError(t, err)
	waitStarted(t, d)
	_, err = q.Enqueue(Job{Target: "bot", Revision: "b"})
	require.NoError(t, err)

	q.Stop()

	assert.Empty(t, d.revisions(), "running job was cancelled, pending job dropped")
	assert.False(t, q.Busy("bot"))
	_, err = q.Enqueue(Job{Target: "bot", Revision: "c"})
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestQueue_FailedRunDoesNotBlockLane(t *testing.T) {
	calls := make(chan string, 4)
	q := NewQueue(func(_ context.Context, job Job) error {
		calls <- job.Revision
		return errors.New("boom")
	}, nil)
	q.Start()
	defer q.Stop()

	_, err := q.Enqueue(Job{Target: "bot", Revision: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", <-calls)
	require.Eventually(t, func() bool { return !q.Busy("bot") }, 2*time.Second, 10*time.Millisecond)

	result, err := q.Enqueue(Job{Target: "bot", Revision: "b"})
	require.NoError(t, err)
	assert.Equal(t, EnqueueStarted, result)
	assert.Equal(t, "b", <-calls)
}
