package jobrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker/internal/core"
	domainjob "github.com/target/merrymaker/internal/domain/job"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// queueStub feeds a fixed set of jobs to the runner and records settlement
// calls.
type queueStub struct {
	mu        sync.Mutex
	jobs      []*model.Job
	completes []core.CompleteJobParams
	fails     []core.FailJobParams

	heartbeatErr error
	heartbeats   int
}

func (q *queueStub) Create(_ context.Context, _ *model.CreateJobRequest) (*model.CreateJobResult, error) {
	return nil, nil
}

func (q *queueStub) GetByID(_ context.Context, _ string) (*model.Job, error) {
	return nil, apperrors.NotFound("job not found")
}

func (q *queueStub) ReserveNext(_ context.Context, params core.ReserveNextParams) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	job.Status = model.JobStatusActive
	job.Attempts++
	worker := params.WorkerID
	job.WorkerID = &worker
	return job, nil
}

func (q *queueStub) WaitForNotification(ctx context.Context, _ model.JobType) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *queueStub) Heartbeat(_ context.Context, _ core.HeartbeatParams) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return q.heartbeatErr
}

func (q *queueStub) Complete(_ context.Context, params core.CompleteJobParams) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completes = append(q.completes, params)
	return nil
}

func (q *queueStub) Fail(_ context.Context, params core.FailJobParams) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fails = append(q.fails, params)
	status := model.JobStatusPending
	if !params.Retry {
		status = model.JobStatusFailed
	}
	return &model.Job{ID: params.JobID, Status: status}, nil
}

func (q *queueStub) Stats(_ context.Context, _ model.JobType) (*model.JobStats, error) {
	return &model.JobStats{}, nil
}

func (q *queueStub) HasBlockingJobs(_ context.Context, _ core.BlockingJobsQuery) (bool, error) {
	return false, nil
}

func (q *queueStub) Delete(_ context.Context, _ string) error { return nil }

func (q *queueStub) failCalls() []core.FailJobParams {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.FailJobParams(nil), q.fails...)
}

func (q *queueStub) completeCalls() []core.CompleteJobParams {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.CompleteJobParams(nil), q.completes...)
}

func newTestRunner(t *testing.T, queue *queueStub, handler Handler) *Runner {
	t.Helper()
	lease, err := domainjob.NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)
	r, err := New(Options{
		JobType:      model.JobTypeRules,
		Handler:      handler,
		Jobs:         queue,
		Lease:        lease,
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

// runUntil drives the runner until stop is signalled or the deadline hits.
func runUntil(t *testing.T, r *Runner, stop <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-stop:
	case <-time.After(2 * time.Second):
		t.Error("runner did not process the job in time")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_CompletesSuccessfulJob(t *testing.T) {
	queue := &queueStub{jobs: []*model.Job{{ID: "j1", Type: model.JobTypeRules}}}
	handled := make(chan struct{})
	r := newTestRunner(t, queue, func(_ context.Context, job *model.Job) error {
		assert.Equal(t, "j1", job.ID)
		close(handled)
		return nil
	})

	runUntil(t, r, handled)

	require.Eventually(t, func() bool { return len(queue.completeCalls()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "j1", queue.completeCalls()[0].JobID)
	assert.Equal(t, r.WorkerID(), queue.completeCalls()[0].WorkerID)
	assert.Empty(t, queue.failCalls())
}

func TestRunner_RetryableErrorFailsWithRetry(t *testing.T) {
	queue := &queueStub{jobs: []*model.Job{{ID: "j1", Type: model.JobTypeRules}}}
	handled := make(chan struct{})
	r := newTestRunner(t, queue, func(_ context.Context, _ *model.Job) error {
		close(handled)
		return apperrors.Transient("upstream 503")
	})

	runUntil(t, r, handled)

	require.Eventually(t, func() bool { return len(queue.failCalls()) == 1 }, time.Second, 10*time.Millisecond)
	fail := queue.failCalls()[0]
	assert.True(t, fail.Retry)
	assert.Contains(t, fail.Reason, "upstream 503")
}

func TestRunner_ValidationErrorFailsTerminally(t *testing.T) {
	queue := &queueStub{jobs: []*model.Job{{ID: "j1", Type: model.JobTypeRules}}}
	handled := make(chan struct{})
	r := newTestRunner(t, queue, func(_ context.Context, _ *model.Job) error {
		close(handled)
		return apperrors.Validation("malformed payload")
	})

	runUntil(t, r, handled)

	require.Eventually(t, func() bool { return len(queue.failCalls()) == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, queue.failCalls()[0].Retry)
}

func TestRunner_PanicBecomesTerminalFailure(t *testing.T) {
	queue := &queueStub{jobs: []*model.Job{{ID: "j1", Type: model.JobTypeRules}}}
	handled := make(chan struct{})
	r := newTestRunner(t, queue, func(_ context.Context, _ *model.Job) error {
		close(handled)
		panic("boom")
	})

	runUntil(t, r, handled)

	require.Eventually(t, func() bool { return len(queue.failCalls()) == 1 }, time.Second, 10*time.Millisecond)
	fail := queue.failCalls()[0]
	assert.False(t, fail.Retry)
	assert.Contains(t, fail.Reason, "handler panic")
}

func TestRunner_LeaseLossCancelsHandler(t *testing.T) {
	queue := &queueStub{
		jobs:         []*model.Job{{ID: "j1", Type: model.JobTypeRules}},
		heartbeatErr: apperrors.LeaseLost("taken over"),
	}
	lease, err := domainjob.NewLeasePolicy(3 * time.Second)
	require.NoError(t, err)

	cancelled := make(chan struct{})
	r, err := New(Options{
		JobType: model.JobTypeRules,
		Jobs:    queue,
		Lease:   lease,
		Handler: func(ctx context.Context, _ *model.Job) error {
			// Block until the heartbeat loop detects lease loss.
			<-ctx.Done()
			close(cancelled)
			return apperrors.LeaseLost("lease lost")
		},
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	runUntil(t, r, cancelled)

	// Lease loss settles nothing; the new owner is responsible now.
	assert.Empty(t, queue.failCalls())
	assert.Empty(t, queue.completeCalls())
}

// notifierStub fans a manual wakeup out to every subscriber.
type notifierStub struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (n *notifierStub) Subscribe(model.JobType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 1)
	n.subs = append(n.subs, ch)
	return func() {}, ch
}

func (n *notifierStub) StopAll() {}

func (n *notifierStub) wake() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifierStub) subscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func TestRunner_NotifierWakesIdleWorkers(t *testing.T) {
	queue := &queueStub{}
	notifier := &notifierStub{}
	lease, err := domainjob.NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	handled := make(chan struct{})
	r, err := New(Options{
		JobType: model.JobTypeRules,
		Jobs:    queue,
		Lease:   lease,
		Handler: func(_ context.Context, _ *model.Job) error {
			close(handled)
			return nil
		},
		Notifier: notifier,
		// Long enough that only a wakeup can explain a prompt reservation.
		PollInterval: time.Minute,
		Concurrency:  2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Let both workers find the queue empty and park on the notifier.
	require.Eventually(t, func() bool { return notifier.subscriberCount() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	queue.mu.Lock()
	queue.jobs = []*model.Job{{ID: "j1", Type: model.JobTypeRules}}
	queue.mu.Unlock()
	notifier.wake()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Error("wakeup did not rouse an idle worker")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	require.Eventually(t, func() bool { return len(queue.completeCalls()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestRunner_RejectsBadOptions(t *testing.T) {
	lease, err := domainjob.NewLeasePolicy(time.Second)
	require.NoError(t, err)

	_, err = New(Options{JobType: "bogus", Handler: func(context.Context, *model.Job) error { return nil }, Lease: lease})
	require.Error(t, err)

	_, err = New(Options{JobType: model.JobTypeScan, Lease: lease})
	require.Error(t, err)

	_, err = New(Options{JobType: model.JobTypeScan, Handler: func(context.Context, *model.Job) error { return nil }})
	require.Error(t, err)
}
