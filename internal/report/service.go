package report

import (
	"context"
	"errors"
	"strings"
	"time"

	"carelog.org/internal/audit"
	"carelog.org/internal/auth"
	"carelog.org/internal/ids"
)

// Pipeline accepts transcription work. The orchestrator implements it;
// submission must be non-blocking and fail fast when the queue is full.
type Pipeline interface {
	Submit(ctx context.Context, jobID string) error
}

// Service owns report lifecycle decisions: validation, role checks and
// state-machine transitions. All writes go through the store's
// compare-and-swap so concurrent pipeline completions and user actions
// cannot race into an illegal state.
type Service struct {
	store    Store
	pipeline Pipeline
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the report service.
func NewService(store Store, pipeline Pipeline, opts ...ServiceOption) *Service {
	svc := &Service{store: store, pipeline: pipeline, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Draft is the input for creating a report.
type Draft struct {
	PatientName       string
	PatientNationalID string
	PatientFileNumber string
	Department        string
	Content           string
	Notes             string
	AudioHandle       string
	AudioFormat       string
	AudioSize         int64
	AudioDuration     time.Duration
}

func (d Draft) validatePatient() error {
	if strings.TrimSpace(d.PatientName) == "" || strings.TrimSpace(d.PatientFileNumber) == "" {
		return ErrValidation
	}
	return nil
}

// CreateText creates a finalized text report in one step.
func (s *Service) CreateText(ctx context.Context, actor auth.Principal, d Draft) (*Report, error) {
	if err := d.validatePatient(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.Content) == "" {
		return nil, ErrValidation
	}
	r := s.newReport(actor.ID, KindText, d)
	r.Content = strings.TrimSpace(d.Content)
	if err := s.store.CreateReport(ctx, r); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, r, StateFinalized); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "report.created", map[string]any{"report_id": r.ID, "kind": KindText})
	return r, nil
}

// CreateVoice creates a draft report, attaches a pending transcription job
// and hands it to the pipeline. A saturated pipeline fails the submission
// and removes the draft so nothing half-created lingers.
func (s *Service) CreateVoice(ctx context.Context, actor auth.Principal, d Draft) (*Report, error) {
	if err := d.validatePatient(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.AudioHandle) == "" {
		return nil, ErrValidation
	}

	r := s.newReport(actor.ID, KindVoice, d)
	r.AudioHandle = strings.TrimSpace(d.AudioHandle)
	if err := s.store.CreateReport(ctx, r); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &TranscriptionJob{
		ID:          ids.New(),
		ReportID:    r.ID,
		AudioHandle: r.AudioHandle,
		State:       JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		_ = s.store.DeleteReport(ctx, r.ID)
		return nil, err
	}

	r.ActiveJobID = job.ID
	if err := s.transition(ctx, r, StateTranscribing); err != nil {
		_ = s.store.DeleteReport(ctx, r.ID)
		return nil, err
	}

	if err := s.pipeline.Submit(ctx, job.ID); err != nil {
		job.State = JobCancelled
		_ = s.store.UpdateJob(ctx, job, job.Version)
		_ = s.store.DeleteReport(ctx, r.ID)
		return nil, err
	}
	_ = audit.LogEvent(ctx, "report.created", map[string]any{"report_id": r.ID, "kind": KindVoice, "job_id": job.ID})
	return r, nil
}

// Patch carries the editable fields of a report. Nil means "leave as is".
type Patch struct {
	PatientName       *string
	PatientNationalID *string
	PatientFileNumber *string
	Department        *string
	Content           *string
	Notes             *string
}

// Update edits a report's patient fields, content and notes. Owner or admin
// only. Terminal reports are immutable, and content cannot change while a
// transcription job is still writing it.
func (s *Service) Update(ctx context.Context, actor auth.Principal, id string, p Patch) (*Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canMutate(actor, r) {
		return nil, ErrForbidden
	}
	if r.State.Terminal() {
		return nil, ErrInvalidTransition
	}
	if p.Content != nil && r.ActiveJobID != "" {
		return nil, ErrInvalidTransition
	}

	apply := func(dst, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	apply(&r.PatientName, p.PatientName)
	apply(&r.PatientNationalID, p.PatientNationalID)
	apply(&r.PatientFileNumber, p.PatientFileNumber)
	apply(&r.Department, p.Department)
	apply(&r.Content, p.Content)
	apply(&r.Notes, p.Notes)
	if r.PatientName == "" || r.PatientFileNumber == "" {
		return nil, ErrValidation
	}

	if err := s.store.UpdateReport(ctx, r, r.Version); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "report.updated", map[string]any{"report_id": r.ID})
	return r, nil
}

// Get returns a report the actor is allowed to see.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (*Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(actor, r) {
		return nil, ErrForbidden
	}
	return r, nil
}

// List returns reports matching the filter, scoped to the actor's own
// reports unless the role may read everything.
func (s *Service) List(ctx context.Context, actor auth.Principal, f Filter) ([]*Report, error) {
	if !actor.Role.CanReview() {
		f.PrincipalID = actor.ID
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListReports(ctx, f)
}

// Stats returns report counters scoped like List.
func (s *Service) Stats(ctx context.Context, actor auth.Principal) (Stats, error) {
	principalID := actor.ID
	if actor.Role.CanReview() {
		principalID = ""
	}
	return s.store.Stats(ctx, principalID)
}

// Finalize moves a transcribed voice report to finalized. Text reports are
// finalized at creation; a report with an active job cannot be finalized
// from draft by the user.
func (s *Service) Finalize(ctx context.Context, actor auth.Principal, id string) (*Report, error) {
	return s.ownerTransition(ctx, actor, id, StateFinalized, "report.finalized")
}

// Archive moves a finalized report to archived.
func (s *Service) Archive(ctx context.Context, actor auth.Principal, id string) (*Report, error) {
	return s.ownerTransition(ctx, actor, id, StateArchived, "report.archived")
}

// Cancel stops a report's pipeline and moves the report to cancelled. The
// in-flight attempt observes the cancelled job before committing, so a
// cancelled report is never overwritten with a transcription result.
func (s *Service) Cancel(ctx context.Context, actor auth.Principal, id string) (*Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canMutate(actor, r) {
		return nil, ErrForbidden
	}
	if r.ActiveJobID != "" {
		if err := s.cancelJob(ctx, r.ActiveJobID); err != nil {
			return nil, err
		}
	}
	r.ActiveJobID = ""
	if err := s.transition(ctx, r, StateCancelled); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "report.cancelled", map[string]any{"report_id": r.ID})
	return r, nil
}

// Retry re-runs transcription for a voice_failed report. Prior attempt
// history is discarded: a fresh job runs against the same stored audio.
func (s *Service) Retry(ctx context.Context, actor auth.Principal, id string) (*Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canMutate(actor, r) {
		return nil, ErrForbidden
	}
	if r.State != StateVoiceFailed {
		return nil, ErrInvalidTransition
	}

	now := s.now().UTC()
	job := &TranscriptionJob{
		ID:          ids.New(),
		ReportID:    r.ID,
		AudioHandle: r.AudioHandle,
		State:       JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	r.ActiveJobID = job.ID
	if err := s.transition(ctx, r, StateTranscribing); err != nil {
		return nil, err
	}
	if err := s.pipeline.Submit(ctx, job.ID); err != nil {
		// Roll the report back to voice_failed so the user can retry later.
		job.State = JobCancelled
		_ = s.store.UpdateJob(ctx, job, job.Version)
		r.ActiveJobID = ""
		r.State = StateVoiceFailed
		_ = s.store.UpdateReport(ctx, r, r.Version)
		return nil, err
	}
	_ = audit.LogEvent(ctx, "report.retry", map[string]any{"report_id": r.ID, "job_id": job.ID})
	return r, nil
}

// Review marks a finalized report as reviewed. Head nurses and admins only;
// review is metadata, not a state transition.
func (s *Service) Review(ctx context.Context, actor auth.Principal, id string) (*Report, error) {
	if !actor.Role.CanReview() {
		return nil, ErrForbidden
	}
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State != StateFinalized {
		return nil, ErrInvalidTransition
	}
	now := s.now().UTC()
	r.ReviewedBy = actor.ID
	r.ReviewedAt = &now
	if err := s.store.UpdateReport(ctx, r, r.Version); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "report.reviewed", map[string]any{"report_id": r.ID})
	return r, nil
}

func (s *Service) newReport(principalID string, kind Kind, d Draft) *Report {
	now := s.now().UTC()
	return &Report{
		ID:                ids.New(),
		PrincipalID:       principalID,
		PatientName:       strings.TrimSpace(d.PatientName),
		PatientNationalID: strings.TrimSpace(d.PatientNationalID),
		PatientFileNumber: strings.TrimSpace(d.PatientFileNumber),
		Department:        strings.TrimSpace(d.Department),
		Kind:              kind,
		State:             StateDraft,
		Notes:             strings.TrimSpace(d.Notes),
		AudioFormat:       strings.ToLower(strings.TrimSpace(d.AudioFormat)),
		AudioSize:         d.AudioSize,
		AudioDuration:     d.AudioDuration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *Service) ownerTransition(ctx context.Context, actor auth.Principal, id string, to State, event string) (*Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canMutate(actor, r) {
		return nil, ErrForbidden
	}
	if err := s.transition(ctx, r, to); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, event, map[string]any{"report_id": r.ID})
	return r, nil
}

// transition applies the edge in memory and persists it with a CAS write.
func (s *Service) transition(ctx context.Context, r *Report, to State) error {
	if err := r.Transition(to); err != nil {
		return err
	}
	return s.store.UpdateReport(ctx, r, r.Version)
}

func (s *Service) cancelJob(ctx context.Context, jobID string) error {
	for {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Done() {
			return nil
		}
		job.State = JobCancelled
		err = s.store.UpdateJob(ctx, job, job.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		// Lost a race with the worker; re-read and re-decide.
	}
}

func canRead(actor auth.Principal, r *Report) bool {
	return actor.Role.CanReview() || r.PrincipalID == actor.ID
}

func canMutate(actor auth.Principal, r *Report) bool {
	if r.PrincipalID == actor.ID {
		return true
	}
	return actor.Role == auth.RoleAdmin
}
