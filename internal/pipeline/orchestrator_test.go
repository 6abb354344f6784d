package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelog.org/internal/auth"
	"carelog.org/internal/report"
	"carelog.org/internal/speech"
)

// scriptedTranscriber returns canned outcomes in order, then repeats the
// last one.
type scriptedTranscriber struct {
	mu      sync.Mutex
	calls   int
	script  []func() (speech.Transcription, error)
	started chan struct{}
	proceed chan struct{}
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, _ string) (speech.Transcription, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	step := s.script[idx]
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.proceed != nil {
		<-s.proceed
	}
	return step()
}

func (s *scriptedTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func transient() (speech.Transcription, error) {
	return speech.Transcription{}, &speech.TransientError{Reason: "timeout"}
}

func permanent() (speech.Transcription, error) {
	return speech.Transcription{}, &speech.PermanentError{Reason: "unsupported_format"}
}

func success(text string) func() (speech.Transcription, error) {
	return func() (speech.Transcription, error) {
		return speech.Transcription{Text: text, Confidence: 0.9}, nil
	}
}

func fastConfig() Config {
	return Config{
		Workers:     2,
		QueueDepth:  8,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

var testNurse = auth.Principal{ID: "nurse-1", Role: auth.RoleNurse}

func submitVoice(t *testing.T, svc *report.Service, handle string) *report.Report {
	t.Helper()
	r, err := svc.CreateVoice(context.Background(), testNurse, report.Draft{
		PatientName:       "Ali Rezaei",
		PatientFileNumber: "F-1001",
		AudioHandle:       handle,
	})
	require.NoError(t, err)
	return r
}

func waitForState(t *testing.T, store report.Store, id string, want report.State) *report.Report {
	t.Helper()
	var got *report.Report
	require.Eventually(t, func() bool {
		r, err := store.GetReport(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.State == want
	}, 5*time.Second, 5*time.Millisecond, "report never reached %s", want)
	return got
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{script: []func() (speech.Transcription, error){
		transient, transient, success("patient stable"),
	}}
	orch := New(store, tr, fastConfig())
	defer orch.Close(context.Background())
	svc := report.NewService(store, orch)

	r := submitVoice(t, svc, "blob://audio/a1")
	jobID := r.ActiveJobID

	final := waitForState(t, store, r.ID, report.StateTranscribed)
	assert.Equal(t, "patient stable", final.Content)
	assert.Empty(t, final.ActiveJobID)
	require.NotNil(t, final.Confidence)

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, report.JobSucceeded, job.State)
	assert.Equal(t, 3, job.Attempts)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{script: []func() (speech.Transcription, error){permanent}}
	orch := New(store, tr, fastConfig())
	defer orch.Close(context.Background())
	svc := report.NewService(store, orch)

	r := submitVoice(t, svc, "blob://audio/a2")
	jobID := r.ActiveJobID

	waitForState(t, store, r.ID, report.StateVoiceFailed)

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, report.JobFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "unsupported_format")
	assert.Equal(t, 1, tr.callCount())
}

func TestRetryExhaustionEndsVoiceFailed(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{script: []func() (speech.Transcription, error){transient}}
	orch := New(store, tr, fastConfig())
	defer orch.Close(context.Background())
	svc := report.NewService(store, orch)

	r := submitVoice(t, svc, "blob://audio/a3")
	jobID := r.ActiveJobID

	waitForState(t, store, r.ID, report.StateVoiceFailed)

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, report.JobFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
}

func TestManualRetryAfterExhaustion(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{script: []func() (speech.Transcription, error){
		transient, transient, transient, success("second time lucky"),
	}}
	orch := New(store, tr, fastConfig())
	defer orch.Close(context.Background())
	svc := report.NewService(store, orch)

	r := submitVoice(t, svc, "blob://audio/a4")
	waitForState(t, store, r.ID, report.StateVoiceFailed)

	retried, err := svc.Retry(context.Background(), testNurse, r.ID)
	require.NoError(t, err)
	assert.NotEqual(t, r.ActiveJobID, retried.ActiveJobID)

	final := waitForState(t, store, r.ID, report.StateTranscribed)
	assert.Equal(t, "second time lucky", final.Content)

	// Fresh job: attempt history starts over.
	job, err := store.GetJob(context.Background(), retried.ActiveJobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
}

func TestQueueSaturationFailsBusy(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{
		script:  []func() (speech.Transcription, error){success("ok")},
		started: make(chan struct{}, 8),
		proceed: make(chan struct{}),
	}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueDepth = 2
	orch := New(store, tr, cfg)
	svc := report.NewService(store, orch)
	ctx := context.Background()

	// First submission occupies the worker, second occupies its slot.
	first := submitVoice(t, svc, "blob://audio/b1")
	<-tr.started
	second := submitVoice(t, svc, "blob://audio/b2")

	_, err := svc.CreateVoice(ctx, testNurse, report.Draft{
		PatientName:       "Ali Rezaei",
		PatientFileNumber: "F-1001",
		AudioHandle:       "blob://audio/b3",
	})
	assert.ErrorIs(t, err, ErrBusy)

	// The rejected submission left nothing behind.
	reports, err := store.ListReports(ctx, report.Filter{})
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	close(tr.proceed)
	waitForState(t, store, first.ID, report.StateTranscribed)
	waitForState(t, store, second.ID, report.StateTranscribed)
	require.NoError(t, orch.Close(ctx))
}

func TestCancelDuringAttemptWinsOverSuccess(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{
		script:  []func() (speech.Transcription, error){success("should never land")},
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	orch := New(store, tr, fastConfig())
	defer orch.Close(context.Background())
	svc := report.NewService(store, orch)
	ctx := context.Background()

	r := submitVoice(t, svc, "blob://audio/c1")
	jobID := r.ActiveJobID

	// Wait for the attempt to be in flight, then cancel underneath it.
	<-tr.started
	cancelled, err := svc.Cancel(ctx, testNurse, r.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StateCancelled, cancelled.State)

	// Let the attempt finish; its result must not overwrite the cancel.
	close(tr.proceed)
	require.Never(t, func() bool {
		cur, err := store.GetReport(ctx, r.ID)
		return err == nil && cur.State != report.StateCancelled
	}, 300*time.Millisecond, 10*time.Millisecond)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, report.JobCancelled, job.State)
	assert.Empty(t, func() string {
		cur, _ := store.GetReport(ctx, r.ID)
		return cur.Content
	}())
}

func TestSubmitAfterCloseFails(t *testing.T) {
	store := report.NewMemoryStore()
	tr := &scriptedTranscriber{script: []func() (speech.Transcription, error){success("ok")}}
	orch := New(store, tr, fastConfig())
	require.NoError(t, orch.Close(context.Background()))

	err := orch.Submit(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	o := &Orchestrator{cfg: Config{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  400 * time.Millisecond,
	}.withDefaults()}

	for attempt, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		9: 400 * time.Millisecond, // capped
	} {
		for i := 0; i < 20; i++ {
			d := o.backoff(attempt)
			assert.GreaterOrEqual(t, d, base*3/4, "attempt %d", attempt)
			assert.LessOrEqual(t, d, base*3/2, "attempt %d", attempt)
		}
	}
}
