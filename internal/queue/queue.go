// Package queue implements the Queue Service (§4.C): a per-session FIFO job
// queue over Redis primitives, with delay/backoff scheduling and the
// poison-pill escalation that publishes STOP once a job exhausts its
// attempts.
package queue

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/domain"
)

const controlChannelPrefix = "session-control:"

const randomSuffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Queue implements domain.Queue over a rediskv.Client.
type Queue struct {
	kv         *rediskv.Client
	validate   *validator.Validate
	retry      domain.RetryConfig
	recordTTL  time.Duration
	promoteMax int64
}

// New constructs a Queue. recordTTL refreshes alongside every write, the
// same TTL discipline the Registry applies to session records.
func New(kv *rediskv.Client, retry domain.RetryConfig, recordTTL time.Duration) *Queue {
	if recordTTL <= 0 {
		recordTTL = time.Hour
	}
	return &Queue{
		kv:         kv,
		validate:   validator.New(),
		retry:      retry,
		recordTTL:  recordTTL,
		promoteMax: 50,
	}
}

func queueKey(sessionID, suffix string) string {
	return fmt.Sprintf("queue:rpa-session-%s:%s", sessionID, suffix)
}

func (q *Queue) keys(sessionID string) (waiting, delayed, jobs, paused, active, completed, failed string) {
	return queueKey(sessionID, "waiting"),
		queueKey(sessionID, "delayed"),
		queueKey(sessionID, "jobs"),
		queueKey(sessionID, "paused"),
		queueKey(sessionID, "active"),
		queueKey(sessionID, "completed"),
		queueKey(sessionID, "failed")
}

// Enqueue validates opts, assigns a jobId in the `<sessionId>-<millis>-<9
// random chars>` format, and places the job on the waiting list (or the
// delayed set, if opts.Delay > 0).
func (q *Queue) Enqueue(ctx domain.Context, sessionID string, step domain.Step, opts domain.EnqueueOptions) (string, error) {
	tracer := otel.Tracer("queue")
	ctx, span := tracer.Start(ctx, "Queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := q.validate.Struct(opts); err != nil {
		return "", fmt.Errorf("op=queue.enqueue.validate: %w: %v", domain.ErrInvalidArgument, err)
	}

	maxAttempts := opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = q.retry.MaxAttempts
	}
	jobID, err := newJobID(sessionID)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue.job_id: %w", err)
	}
	job := domain.Job{
		ID:           jobID,
		SessionID:    sessionID,
		Step:         step,
		AttemptsMade: 0,
		MaxAttempts:  maxAttempts,
		Priority:     opts.Priority,
		Delay:        opts.Delay,
		EnqueuedAt:   time.Now(),
	}

	waitingKey, delayedKey, jobsKey, _, _, _, _ := q.keys(sessionID)
	if err := q.kv.HashWrite(ctx, jobsKey, map[string]any{jobID: serializeJob(job)}, q.recordTTL); err != nil {
		return "", fmt.Errorf("op=queue.enqueue.store: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.kv.SortedSetAdd(ctx, delayedKey, readyAt, jobID, q.recordTTL); err != nil {
			return "", fmt.Errorf("op=queue.enqueue.delay: %w", err)
		}
		return jobID, nil
	}

	if opts.Priority > 0 {
		if err := q.kv.ListPushHead(ctx, waitingKey, jobID, q.recordTTL); err != nil {
			return "", fmt.Errorf("op=queue.enqueue.priority_push: %w", err)
		}
		return jobID, nil
	}
	if err := q.kv.ListPushTail(ctx, waitingKey, jobID, q.recordTTL); err != nil {
		return "", fmt.Errorf("op=queue.enqueue.push: %w", err)
	}
	return jobID, nil
}

// Pause halts dispatch; in-flight jobs (already Dequeue'd) complete normally.
func (q *Queue) Pause(ctx domain.Context, sessionID string) error {
	_, _, _, pausedKey, _, _, _ := q.keys(sessionID)
	if err := q.kv.Put(ctx, pausedKey, "1", q.recordTTL); err != nil {
		return fmt.Errorf("op=queue.pause: %w", err)
	}
	return nil
}

// Resume restarts dispatch.
func (q *Queue) Resume(ctx domain.Context, sessionID string) error {
	_, _, _, pausedKey, _, _, _ := q.keys(sessionID)
	if err := q.kv.DeleteMany(ctx, pausedKey); err != nil {
		return fmt.Errorf("op=queue.resume: %w", err)
	}
	return nil
}

// Counts reports waiting (including not-yet-ready delayed jobs), active,
// completed, and failed counts.
func (q *Queue) Counts(ctx domain.Context, sessionID string) (domain.QueueCounts, error) {
	waitingKey, delayedKey, _, _, activeKey, completedKey, failedKey := q.keys(sessionID)

	waiting, err := q.kv.ListLength(ctx, waitingKey)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts.waiting: %w", err)
	}
	delayed, err := q.kv.SortedSetCardinality(ctx, delayedKey)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts.delayed: %w", err)
	}
	active, err := q.readCounter(ctx, activeKey)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts.active: %w", err)
	}
	completed, err := q.readCounter(ctx, completedKey)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts.completed: %w", err)
	}
	failed, err := q.readCounter(ctx, failedKey)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts.failed: %w", err)
	}
	counts := domain.QueueCounts{
		Waiting:   waiting + delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}
	observability.QueueDepth.WithLabelValues(sessionID).Set(float64(counts.Waiting))
	return counts, nil
}

func (q *Queue) readCounter(ctx domain.Context, key string) (int64, error) {
	v, err := q.kv.Get(ctx, key)
	if err != nil {
		return 0, nil // absent counter reads as zero, not an error
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Stats reports isActive and the queue's canonical name alongside Counts.
func (q *Queue) Stats(ctx domain.Context, sessionID string) (domain.QueueStats, error) {
	counts, err := q.Counts(ctx, sessionID)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return domain.QueueStats{
		IsActive:  counts.Waiting > 0 || counts.Active > 0,
		Counts:    counts,
		QueueName: fmt.Sprintf("rpa-session-%s", sessionID),
	}, nil
}

// Cleanup forcibly obliterates the queue and its bookkeeping. Irreversible.
func (q *Queue) Cleanup(ctx domain.Context, sessionID string) error {
	waitingKey, delayedKey, jobsKey, pausedKey, activeKey, completedKey, failedKey := q.keys(sessionID)
	if err := q.kv.DeleteMany(ctx, waitingKey, delayedKey, jobsKey, pausedKey, activeKey, completedKey, failedKey); err != nil {
		return fmt.Errorf("op=queue.cleanup: %w", err)
	}
	return nil
}

// Dequeue promotes any delayed jobs whose ready time has passed, then pops
// the next waiting job. ok is false (not an error) when the queue is paused
// or empty.
func (q *Queue) Dequeue(ctx domain.Context, sessionID string) (domain.Job, bool, error) {
	tracer := otel.Tracer("queue")
	ctx, span := tracer.Start(ctx, "Queue.Dequeue")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	waitingKey, _, jobsKey, pausedKey, activeKey, _, _ := q.keys(sessionID)

	paused, err := q.kv.Exists(ctx, pausedKey)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue.paused_check: %w", err)
	}
	if paused {
		return domain.Job{}, false, nil
	}

	if err := q.promoteReady(ctx, sessionID); err != nil {
		return domain.Job{}, false, err
	}

	jobID, ok, err := q.kv.ListPopHead(ctx, waitingKey)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue.pop: %w", err)
	}
	if !ok {
		return domain.Job{}, false, nil
	}

	fields, err := q.kv.HashReadAll(ctx, jobsKey)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue.read_job: %w", err)
	}
	raw, found := fields[jobID]
	if !found {
		// Job metadata missing (e.g. cleaned up concurrently); skip it.
		return domain.Job{}, false, nil
	}
	job, ok := deserializeJob(raw)
	if !ok {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue.decode: %w", domain.ErrInvalidArgument)
	}
	job.SessionID = sessionID

	if _, err := q.kv.Increment(ctx, activeKey, 1, q.recordTTL); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.dequeue.active_incr: %w", err)
	}
	return job, true, nil
}

func (q *Queue) promoteReady(ctx domain.Context, sessionID string) error {
	waitingKey, delayedKey, _, _, _, _, _ := q.keys(sessionID)
	ready, err := q.kv.SortedSetPopReadyBefore(ctx, delayedKey, float64(time.Now().UnixMilli()), q.promoteMax)
	if err != nil {
		return fmt.Errorf("op=queue.promote_ready: %w", err)
	}
	for _, jobID := range ready {
		if err := q.kv.ListPushTail(ctx, waitingKey, jobID, q.recordTTL); err != nil {
			return fmt.Errorf("op=queue.promote_ready.push: %w", err)
		}
	}
	return nil
}

// Complete records a successful drain: decrements active, increments
// completed, and removes the job's stored metadata.
func (q *Queue) Complete(ctx domain.Context, sessionID, jobID string) error {
	_, _, jobsKey, _, activeKey, completedKey, _ := q.keys(sessionID)
	if _, err := q.kv.Increment(ctx, activeKey, -1, q.recordTTL); err != nil {
		return fmt.Errorf("op=queue.complete.active_decr: %w", err)
	}
	if _, err := q.kv.Increment(ctx, completedKey, 1, q.recordTTL); err != nil {
		return fmt.Errorf("op=queue.complete.completed_incr: %w", err)
	}
	if err := q.kv.HashDelete(ctx, jobsKey, jobID); err != nil {
		return fmt.Errorf("op=queue.complete.forget: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Once attemptsMade reaches maxAttempts the
// failure is terminal: the job's metadata is discarded and STOP is
// published on the session's control channel — the single poison-pill
// escalation path (§4.C, §7). Otherwise the job is rescheduled into the
// delayed set at the next backoff delay.
func (q *Queue) Fail(ctx domain.Context, sessionID, jobID string, cause error) (bool, error) {
	tracer := otel.Tracer("queue")
	ctx, span := tracer.Start(ctx, "Queue.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("job.id", jobID))

	_, delayedKey, jobsKey, _, activeKey, _, failedKey := q.keys(sessionID)

	if _, err := q.kv.Increment(ctx, activeKey, -1, q.recordTTL); err != nil {
		return false, fmt.Errorf("op=queue.fail.active_decr: %w", err)
	}
	if _, err := q.kv.Increment(ctx, failedKey, 1, q.recordTTL); err != nil {
		return false, fmt.Errorf("op=queue.fail.failed_incr: %w", err)
	}

	fields, err := q.kv.HashReadAll(ctx, jobsKey)
	if err != nil {
		return false, fmt.Errorf("op=queue.fail.read_job: %w", err)
	}
	raw, found := fields[jobID]
	if !found {
		return false, nil
	}
	job, ok := deserializeJob(raw)
	if !ok {
		return false, fmt.Errorf("op=queue.fail.decode: %w", domain.ErrInvalidArgument)
	}
	job.AttemptsMade++

	if domain.Exhausted(job.AttemptsMade, job.MaxAttempts) {
		if err := q.kv.HashDelete(ctx, jobsKey, jobID); err != nil {
			return false, fmt.Errorf("op=queue.fail.forget: %w", err)
		}
		if err := q.kv.Publish(ctx, controlChannelPrefix+sessionID, "STOP"); err != nil {
			return false, fmt.Errorf("op=queue.fail.publish_stop: %w", err)
		}
		return true, nil
	}

	if err := q.kv.HashWrite(ctx, jobsKey, map[string]any{jobID: serializeJob(job)}, q.recordTTL); err != nil {
		return false, fmt.Errorf("op=queue.fail.persist_retry: %w", err)
	}
	delay := q.retry.NextDelay(job.AttemptsMade)
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.kv.SortedSetAdd(ctx, delayedKey, readyAt, jobID, q.recordTTL); err != nil {
		return false, fmt.Errorf("op=queue.fail.reschedule: %w", err)
	}
	return false, nil
}

func newJobID(sessionID string) (string, error) {
	suffix, err := randomAlphaNum(9)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%s", sessionID, time.Now().UnixMilli(), suffix), nil
}

func randomAlphaNum(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = randomSuffixAlphabet[int(b)%len(randomSuffixAlphabet)]
	}
	return string(out), nil
}

// serializeJob/deserializeJob encode a domain.Job into the \x1f-delimited
// wire format stored in the per-session jobs hash.
func serializeJob(j domain.Job) string {
	return strings.Join([]string{
		j.ID,
		j.Step.ID,
		j.Step.Action,
		j.Step.Data,
		strconv.FormatInt(j.Step.Timestamp.UnixMilli(), 10),
		strconv.Itoa(j.AttemptsMade),
		strconv.Itoa(j.MaxAttempts),
		strconv.Itoa(j.Priority),
		strconv.FormatInt(int64(j.Delay), 10),
		strconv.FormatInt(j.EnqueuedAt.UnixMilli(), 10),
	}, "\x1f")
}

func deserializeJob(s string) (domain.Job, bool) {
	parts := strings.Split(s, "\x1f")
	if len(parts) != 10 {
		return domain.Job{}, false
	}
	stepMillis, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return domain.Job{}, false
	}
	attemptsMade, err := strconv.Atoi(parts[5])
	if err != nil {
		return domain.Job{}, false
	}
	maxAttempts, err := strconv.Atoi(parts[6])
	if err != nil {
		return domain.Job{}, false
	}
	priority, err := strconv.Atoi(parts[7])
	if err != nil {
		return domain.Job{}, false
	}
	delayNanos, err := strconv.ParseInt(parts[8], 10, 64)
	if err != nil {
		return domain.Job{}, false
	}
	enqueuedMillis, err := strconv.ParseInt(parts[9], 10, 64)
	if err != nil {
		return domain.Job{}, false
	}
	return domain.Job{
		ID: parts[0],
		Step: domain.Step{
			ID:        parts[1],
			Action:    parts[2],
			Data:      parts[3],
			Timestamp: time.UnixMilli(stepMillis),
		},
		AttemptsMade: attemptsMade,
		MaxAttempts:  maxAttempts,
		Priority:     priority,
		Delay:        time.Duration(delayNanos),
		EnqueuedAt:   time.UnixMilli(enqueuedMillis),
	}, true
}
