package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleetrelay/internal/types"
)

// memQueue is an in-memory Queue with the same claim semantics as the
// relational backend: Fetch moves eligible PENDING jobs to PROCESSING under
// one lock, so concurrent callers never receive the same job.
type memQueue struct {
	mu    sync.Mutex
	now   func() time.Time
	jobs  map[string]*types.DeliveryJob
	order []string

	fetchErr   error
	acked      []string
	terminated []string
	retries    []retryCall
	requeued   int
}

type retryCall struct {
	ID       string
	Attempts int
	Delay    time.Duration
}

func newMemQueue(jobs ...*types.DeliveryJob) *memQueue {
	q := &memQueue{
		now:  func() time.Time { return time.Now().UTC() },
		jobs: make(map[string]*types.DeliveryJob),
	}
	for _, j := range jobs {
		q.add(j)
	}
	return q
}

func (q *memQueue) add(j *types.DeliveryJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *j
	if c.Status == "" {
		c.Status = types.JobStatusPending
	}
	q.jobs[c.ID] = &c
	q.order = append(q.order, c.ID)
}

func (q *memQueue) Name() string { return "memory" }

func (q *memQueue) Fetch(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	now := q.now()
	var out []*types.DeliveryJob
	for _, id := range q.order {
		if len(out) >= limit {
			break
		}
		j := q.jobs[id]
		if j.Status != types.JobStatusPending || j.NextRunAt.After(now) {
			continue
		}
		j.Status = types.JobStatusProcessing
		started := now
		j.StartedAt = &started
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (q *memQueue) settle(job *types.DeliveryJob, status types.JobStatus) *types.DeliveryJob {
	stored, ok := q.jobs[job.ID]
	if !ok {
		return nil
	}
	stored.Status = status
	if job.Attempts > stored.Attempts {
		stored.Attempts = job.Attempts
	}
	stored.LastError = job.LastError
	return stored
}

func (q *memQueue) Ack(ctx context.Context, job *types.DeliveryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settle(job, types.JobStatusCompleted)
	q.acked = append(q.acked, job.ID)
	return nil
}

func (q *memQueue) Retry(ctx context.Context, job *types.DeliveryJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if stored := q.settle(job, types.JobStatusPending); stored != nil {
		stored.NextRunAt = q.now().Add(delay)
	}
	q.retries = append(q.retries, retryCall{ID: job.ID, Attempts: job.Attempts, Delay: delay})
	return nil
}

func (q *memQueue) Terminal(ctx context.Context, job *types.DeliveryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settle(job, types.JobStatusFailed)
	q.terminated = append(q.terminated, job.ID)
	return nil
}

func (q *memQueue) RequeueStuck(ctx context.Context, after time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-after)
	var n int64
	for _, j := range q.jobs {
		if j.Status == types.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			j.Status = types.JobStatusPending
			j.NextRunAt = q.now()
			n++
		}
	}
	q.requeued += int(n)
	return n, nil
}

func (q *memQueue) CountPending(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, j := range q.jobs {
		if j.Status == types.JobStatusPending {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) get(id string) types.DeliveryJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.jobs[id]
}

func (q *memQueue) countStatus(s types.JobStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == s {
			n++
		}
	}
	return n
}

// scriptedAdapter returns results from script in order, repeating the last
// one once the script runs out.
type scriptedAdapter struct {
	mu     sync.Mutex
	typ    types.DestinationType
	host   string
	script []Result
	calls  int
	sendFn func(ctx context.Context, job *types.DeliveryJob) Result
}

func (a *scriptedAdapter) Type() types.DestinationType { return a.typ }

func (a *scriptedAdapter) Send(ctx context.Context, job *types.DeliveryJob) Result {
	a.mu.Lock()
	a.calls++
	n := a.calls
	fn := a.sendFn
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, job)
	}
	if len(a.script) == 0 {
		return Delivered()
	}
	if n > len(a.script) {
		n = len(a.script)
	}
	return a.script[n-1]
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// networkAdapter adds a Target so the dispatcher runs egress checks.
type networkAdapter struct {
	*scriptedAdapter
}

func (a networkAdapter) Target(job *types.DeliveryJob) (string, error) {
	if a.host == "" {
		return "", errors.New("missing host")
	}
	return a.host, nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	err     error
	written []deadLetter
}

type deadLetter struct {
	JobID    string
	Attempts int
	Code     types.ErrorCode
}

func (f *fakeDLQ) Write(ctx context.Context, job *types.DeliveryJob, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, deadLetter{JobID: job.ID, Attempts: job.Attempts, Code: types.CodeOf(cause)})
	return f.err
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type metricKey struct {
	Tenant string
	Dest   types.DestinationType
	Result MetricResult
}

type recordingMetrics struct {
	mu         sync.Mutex
	deliveries map[metricKey]int
	latencies  int
	depths     map[string]int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		deliveries: make(map[metricKey]int),
		depths:     make(map[string]int64),
	}
}

func (m *recordingMetrics) RecordDelivery(_ context.Context, tenant string, dest types.DestinationType, result MetricResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[metricKey{tenant, dest, result}]++
}

func (m *recordingMetrics) RecordLatency(context.Context, types.DestinationType, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *recordingMetrics) RecordDeadLetter(context.Context, string) {}

func (m *recordingMetrics) RecordQueueDepth(_ context.Context, queue string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths[queue] = depth
}

func (m *recordingMetrics) delivered(k metricKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[k]
}

func (m *recordingMetrics) depth(queue string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.depths[queue]
	return d, ok
}

// stepClock is a manually advanced time source for the memQueue.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func timeoutResult() Result {
	return Transient(types.ErrCodeDeliveryTimeout, context.DeadlineExceeded)
}
