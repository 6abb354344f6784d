// Package pipeline drives transcription jobs from submission to a terminal
// report state. A bounded worker pool runs attempts; a bounded queue applies
// backpressure; every state write goes through the report store's
// compare-and-swap so races with user cancellation resolve cleanly.
package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"carelog.org/internal/obs"
	"carelog.org/internal/report"
	"carelog.org/internal/speech"
)

// ErrBusy is returned when the submission queue is full. Callers retry later
// with backoff.
var ErrBusy = errors.New("pipeline: queue full")

// ErrClosed is returned for submissions after shutdown began.
var ErrClosed = errors.New("pipeline: closed")

// Config is the immutable pipeline configuration.
type Config struct {
	Workers     int
	QueueDepth  int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	return c
}

// Orchestrator owns the worker pool. A submitted job holds one queue slot
// until it reaches a terminal state, so retry re-enqueues never block and
// never need a second reservation.
type Orchestrator struct {
	cfg         Config
	store       report.Store
	transcriber speech.Transcriber

	queue    chan string
	reserved atomic.Int64

	quit     chan struct{}
	quitOnce sync.Once
	workers  sync.WaitGroup
	timers   sync.WaitGroup
}

var _ report.Pipeline = (*Orchestrator)(nil)

// New constructs and starts the orchestrator.
func New(store report.Store, transcriber speech.Transcriber, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		transcriber: transcriber,
		queue:       make(chan string, cfg.QueueDepth),
		quit:        make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.workers.Add(1)
		go o.worker()
	}
	return o
}

// Submit enqueues a pending job. Non-blocking: a full queue fails with
// ErrBusy immediately instead of growing unbounded.
func (o *Orchestrator) Submit(_ context.Context, jobID string) error {
	select {
	case <-o.quit:
		return ErrClosed
	default:
	}

	for {
		n := o.reserved.Load()
		if n >= int64(o.cfg.QueueDepth) {
			return ErrBusy
		}
		if o.reserved.CompareAndSwap(n, n+1) {
			break
		}
	}
	obs.QueueDepth(int(o.reserved.Load()))

	// Capacity equals the reservation bound, so this never blocks.
	select {
	case o.queue <- jobID:
		return nil
	case <-o.quit:
		o.release()
		return ErrClosed
	}
}

// Close stops accepting work and waits for in-flight attempts to finish or
// the context to expire. Queued-but-unstarted jobs stay pending in the store.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.quitOnce.Do(func() { close(o.quit) })

	done := make(chan struct{})
	go func() {
		o.timers.Wait()
		o.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() {
	o.reserved.Add(-1)
	obs.QueueDepth(int(o.reserved.Load()))
}

func (o *Orchestrator) worker() {
	defer o.workers.Done()
	for {
		select {
		case jobID := <-o.queue:
			o.runAttempt(jobID)
		case <-o.quit:
			return
		}
	}
}

// runAttempt executes exactly one transcription attempt for the job. Retries
// come back through the queue after their backoff delay, so attempts for one
// job are strictly sequential.
func (o *Orchestrator) runAttempt(jobID string) {
	ctx := context.Background()
	log := obs.Logger().With("job_id", jobID)

	job, ok := o.startJob(ctx, jobID)
	if !ok {
		return
	}
	log = log.With("report_id", job.ReportID, "attempt", job.Attempts)

	obs.JobStarted()
	result, err := o.transcriber.Transcribe(ctx, job.AudioHandle)
	obs.JobFinished()

	switch {
	case err == nil:
		o.finishSuccess(ctx, job, result, log)
	case speech.IsPermanent(err):
		log.Infow("transcription failed permanently", "error", err)
		obs.AttemptOutcome("permanent")
		o.finishFailure(ctx, job, err.Error())
	default:
		// Transient, including anything unclassified.
		if job.Attempts >= o.cfg.MaxAttempts {
			log.Warnw("transcription retries exhausted", "error", err)
			obs.AttemptOutcome("exhausted")
			o.finishFailure(ctx, job, err.Error())
			return
		}
		log.Infow("transcription attempt failed, retrying", "error", err)
		obs.AttemptOutcome("transient")
		o.recordError(ctx, job, err.Error())
		o.scheduleRetry(jobID, job.Attempts)
	}
}

// startJob moves the job to running and bumps the attempt count. Returns
// false when the job is already terminal (cancelled underneath us) or gone;
// in that case the queue slot is released.
func (o *Orchestrator) startJob(ctx context.Context, jobID string) (*report.TranscriptionJob, bool) {
	for {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			obs.Logger().Errorw("pipeline: load job", "job_id", jobID, "error", err)
			o.release()
			return nil, false
		}
		if job.State.Done() {
			obs.AttemptOutcome("cancelled")
			o.release()
			return nil, false
		}
		now := time.Now().UTC()
		job.State = report.JobRunning
		job.Attempts++
		job.LastAttemptAt = &now
		err = o.store.UpdateJob(ctx, job, job.Version)
		if err == nil {
			return job, true
		}
		if errors.Is(err, report.ErrConflict) {
			continue
		}
		obs.Logger().Errorw("pipeline: start job", "job_id", jobID, "error", err)
		o.release()
		return nil, false
	}
}

// finishSuccess commits the transcription. Cancellation is re-checked
// immediately before the commit: the job CAS fails if the user cancelled
// after our last read, and a cancelled job or report is never overwritten.
func (o *Orchestrator) finishSuccess(ctx context.Context, job *report.TranscriptionJob, result speech.Transcription, log *zap.SugaredLogger) {
	defer o.release()

	if !o.updateJob(ctx, job, func(j *report.TranscriptionJob) bool {
		j.State = report.JobSucceeded
		j.LastError = ""
		return true
	}) {
		obs.AttemptOutcome("cancelled")
		return
	}

	committed := o.updateReport(ctx, job.ReportID, func(r *report.Report) bool {
		if r.State != report.StateTranscribing || r.ActiveJobID != job.ID {
			return false
		}
		if err := r.Transition(report.StateTranscribed); err != nil {
			return false
		}
		r.Content = result.Text
		c := result.Confidence
		r.Confidence = &c
		if result.Duration > 0 {
			r.AudioDuration = result.Duration
		}
		r.ActiveJobID = ""
		return true
	})
	if !committed {
		obs.AttemptOutcome("cancelled")
		return
	}
	obs.AttemptOutcome("succeeded")
	log.Infow("transcription succeeded", "confidence", result.Confidence)
}

// finishFailure marks the job failed and the report voice_failed.
func (o *Orchestrator) finishFailure(ctx context.Context, job *report.TranscriptionJob, reason string) {
	defer o.release()

	if !o.updateJob(ctx, job, func(j *report.TranscriptionJob) bool {
		j.State = report.JobFailed
		j.LastError = reason
		return true
	}) {
		return
	}
	o.updateReport(ctx, job.ReportID, func(r *report.Report) bool {
		if r.State != report.StateTranscribing || r.ActiveJobID != job.ID {
			return false
		}
		if err := r.Transition(report.StateVoiceFailed); err != nil {
			return false
		}
		r.ActiveJobID = ""
		return true
	})
}

func (o *Orchestrator) recordError(ctx context.Context, job *report.TranscriptionJob, reason string) {
	o.updateJob(ctx, job, func(j *report.TranscriptionJob) bool {
		j.State = report.JobPending
		j.LastError = reason
		return true
	})
}

// updateJob applies fn with a CAS retry loop. Returns false when the job
// turned terminal before the write landed.
func (o *Orchestrator) updateJob(ctx context.Context, job *report.TranscriptionJob, fn func(*report.TranscriptionJob) bool) bool {
	cur := job
	for {
		if cur.State.Done() {
			return false
		}
		if !fn(cur) {
			return false
		}
		err := o.store.UpdateJob(ctx, cur, cur.Version)
		if err == nil {
			*job = *cur
			return true
		}
		if !errors.Is(err, report.ErrConflict) {
			obs.Logger().Errorw("pipeline: update job", "job_id", job.ID, "error", err)
			return false
		}
		fresh, err := o.store.GetJob(ctx, job.ID)
		if err != nil {
			obs.Logger().Errorw("pipeline: reload job", "job_id", job.ID, "error", err)
			return false
		}
		cur = fresh
	}
}

// updateReport applies fn with a CAS retry loop; fn returning false means
// the report moved somewhere the pipeline must not touch.
func (o *Orchestrator) updateReport(ctx context.Context, reportID string, fn func(*report.Report) bool) bool {
	for {
		r, err := o.store.GetReport(ctx, reportID)
		if err != nil {
			obs.Logger().Errorw("pipeline: load report", "report_id", reportID, "error", err)
			return false
		}
		if !fn(r) {
			return false
		}
		err = o.store.UpdateReport(ctx, r, r.Version)
		if err == nil {
			return true
		}
		if !errors.Is(err, report.ErrConflict) {
			obs.Logger().Errorw("pipeline: update report", "report_id", reportID, "error", err)
			return false
		}
	}
}

// scheduleRetry re-enqueues the job after an exponential backoff with jitter.
// The queue slot is still held, so the delayed send cannot block.
func (o *Orchestrator) scheduleRetry(jobID string, attempt int) {
	delay := o.backoff(attempt)
	o.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer o.timers.Done()
		select {
		case o.queue <- jobID:
		case <-o.quit:
			o.release()
		}
	})
}

// backoff computes base × 2^(attempt-1) ± 25% jitter, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt && d < o.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
