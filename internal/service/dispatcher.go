package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/metrics"
	"github.com/timmy/conveyor/internal/queue"
	"github.com/timmy/conveyor/internal/repository"
)

// ErrInFlight is returned by DispatchManual when the stage already has a running job.
var ErrInFlight = errors.New("job already in flight")

// jobIDNamespace scopes the name-based UUIDs of dispatched jobs.
var jobIDNamespace = uuid.MustParse("6f1c2d7e-3b8a-4e25-9a0c-5d4f8e2b1a93")

// Skip reasons reported on DispatchResult and as the reason label of skipped_dispatches_total.
const (
	SkipInFlight  = "in_flight"
	SkipDuplicate = "duplicate"
)

// DispatcherConfig holds the dispatcher settings.
type DispatcherConfig struct {
	JobTimeouts    map[domain.JobType]time.Duration // execution timeout per stage
	SlotInterval   time.Duration                    // the monitor interval; dispatch slots are half as wide
	RequestTimeout time.Duration
	Now            func() time.Time
}

// DispatchResult describes what a Dispatch call did.
type DispatchResult struct {
	JobID      string
	Stage      domain.JobType
	Source     string
	Skipped    bool
	SkipReason string
	Handle     *queue.JobHandle
}

// Dispatcher turns a positive trigger into exactly one queue submission.
//
// Every dispatch pre-creates the JobRecord audit row. Its id is derived from
// (stage, source, slot), so two control loops dispatching in the same slot
// collide on the primary key and only the first submits.
type Dispatcher struct {
	repo           repository.StateRepository
	queue          queue.Queue
	metrics        *metrics.Metrics
	timeouts       map[domain.JobType]time.Duration
	slot           time.Duration
	requestTimeout time.Duration
	now            func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(repo repository.StateRepository, q queue.Queue, m *metrics.Metrics, cfg *DispatcherConfig) *Dispatcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		repo:           repo,
		queue:          q,
		metrics:        m,
		timeouts:       cfg.JobTimeouts,
		slot:           cfg.SlotInterval,
		requestTimeout: cfg.RequestTimeout,
		now:            now,
	}
}

// Dispatch submits one job for stage/source with an id derived from the
// slot containing cycleStart. Every unit of one cycle passes the same
// cycleStart, so the id does not depend on how long earlier units took.
// A skipped dispatch (in flight, or already dispatched this slot) is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, stage domain.JobType, source string, cycleStart time.Time) (*DispatchResult, error) {
	if !stage.PerSource() {
		source = ""
	}
	return d.dispatch(ctx, stage, source, d.slotJobID(stage, source, cycleStart))
}

// DispatchManual submits a job outside the monitoring cadence. The in-flight
// check still applies and is reported as ErrInFlight.
func (d *Dispatcher) DispatchManual(ctx context.Context, stage domain.JobType, source string) (*DispatchResult, error) {
	res, err := d.dispatch(ctx, stage, source, uuid.NewString())
	if err != nil {
		return res, err
	}
	if res.Skipped {
		return res, ErrInFlight
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, stage domain.JobType, source, jobID string) (*DispatchResult, error) {
	if !stage.PerSource() {
		source = ""
	} else if source == "" {
		return nil, fmt.Errorf("dispatch %s: source is required", stage)
	}

	res := &DispatchResult{JobID: jobID, Stage: stage, Source: source}
	label := stage.QueueName()
	ctx = logger.WithField(ctx, logger.FieldJobID, jobID)

	timeout, ok := d.timeouts[stage]
	if !ok || timeout <= 0 {
		return res, fmt.Errorf("dispatch %s: no execution timeout configured", stage)
	}

	inFlight, err := d.inFlight(ctx, stage, source, timeout)
	if err != nil {
		return res, err
	}
	if inFlight {
		return d.skip(ctx, res, SkipInFlight), nil
	}

	now := d.now().UTC()
	record := &domain.JobRecord{
		ID:        jobID,
		JobType:   stage,
		Status:    domain.JobStatusStarted,
		QueueName: label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if source != "" {
		record.TargetSource = &source
	}

	if err := d.insertRecord(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return d.skip(ctx, res, SkipDuplicate), nil
		}
		return res, fmt.Errorf("create job record: %w", err)
	}

	args := map[string]interface{}{"job_record_id": jobID}
	if source != "" {
		args["source"] = source
	}

	enqueueCtx, cancel := withRequestTimeout(ctx, d.requestTimeout)
	handle, err := d.queue.Enqueue(enqueueCtx, queue.Job{
		ID:      jobID,
		Queue:   label,
		Type:    stage.TaskName(),
		Args:    args,
		Timeout: timeout,
	})
	cancel()
	if err != nil {
		d.metrics.FailedJobs.WithLabelValues(label).Inc()
		err = fmt.Errorf("enqueue %s job: %w", label, err)
		d.markFailed(ctx, jobID, err)
		return res, err
	}

	res.Handle = handle
	d.metrics.ScheduledJobs.WithLabelValues(label).Inc()
	logger.CtxInfo(ctx, "Scheduled %s job on queue %s (timeout %s)", stage, label, timeout)
	return res, nil
}

// inFlight reports whether a started/training record of the same stage and
// source exists within its execution timeout. Older records are treated as
// abandoned by a crashed worker.
func (d *Dispatcher) inFlight(ctx context.Context, stage domain.JobType, source string, timeout time.Duration) (bool, error) {
	ctx, cancel := withRequestTimeout(ctx, d.requestTimeout)
	defer cancel()

	filters := []repository.Filter{
		repository.Eq(repository.ColumnJobType, string(stage)),
		repository.In(repository.ColumnStatus, statusValues(domain.InFlightStatuses)...),
		repository.Since(d.now().Add(-timeout)),
	}
	if source != "" {
		filters = append(filters, repository.Eq(repository.ColumnTargetSource, source))
	}

	n, err := d.repo.CountWhere(ctx, repository.TableJobs, filters...)
	if err != nil {
		return false, fmt.Errorf("check in-flight %s jobs: %w", stage, err)
	}
	return n > 0, nil
}

func (d *Dispatcher) insertRecord(ctx context.Context, record *domain.JobRecord) error {
	ctx, cancel := withRequestTimeout(ctx, d.requestTimeout)
	defer cancel()
	return d.repo.Insert(ctx, repository.TableJobs, record)
}

// markFailed closes the audit row of a job that never reached the queue.
// A failed row is neither in flight nor counted towards the training cooldown.
func (d *Dispatcher) markFailed(ctx context.Context, jobID string, cause error) {
	ctx, cancel := withRequestTimeout(ctx, d.requestTimeout)
	defer cancel()
	now := d.now().UTC()
	_, err := d.repo.Update(ctx, repository.TableJobs, map[string]interface{}{
		repository.ColumnStatus: string(domain.JobStatusFailed),
		"error_message":         cause.Error(),
		"failed_at":             now,
		"updated_at":            now,
	}, repository.Eq(repository.ColumnID, jobID))
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to mark unsubmitted job record as failed")
	}
}

func (d *Dispatcher) skip(ctx context.Context, res *DispatchResult, reason string) *DispatchResult {
	res.Skipped = true
	res.SkipReason = reason
	d.metrics.SkippedDispatch.WithLabelValues(res.Stage.QueueName(), reason).Inc()
	logger.CtxInfo(ctx, "Skipped %s dispatch: %s", res.Stage, reason)
	return res
}

// slotJobID derives a stable job id for (stage, source) within the slot
// containing t. Slots are half a monitor interval wide: two cycle starts one
// interval apart land in different slots even when the ticker drifts early.
func (d *Dispatcher) slotJobID(stage domain.JobType, source string, t time.Time) string {
	slot := t.UTC()
	if width := d.slot / 2; width > 0 {
		slot = slot.Truncate(width)
	}
	name := string(stage) + "|" + source + "|" + strconv.FormatInt(slot.Unix(), 10)
	return uuid.NewSHA1(jobIDNamespace, []byte(name)).String()
}

func statusValues(statuses []domain.JobStatus) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
