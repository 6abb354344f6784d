package report

import "context"

// Store is the durable home for reports and transcription jobs. Updates are
// compare-and-swap: the caller passes the version it read, and the store
// fails with ErrConflict when the stored version moved on.
type Store interface {
	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	// UpdateReport writes r if the stored version equals expectedVersion,
	// bumping r.Version on success.
	UpdateReport(ctx context.Context, r *Report, expectedVersion int64) error
	DeleteReport(ctx context.Context, id string) error
	ListReports(ctx context.Context, f Filter) ([]*Report, error)
	Stats(ctx context.Context, principalID string) (Stats, error)

	CreateJob(ctx context.Context, j *TranscriptionJob) error
	GetJob(ctx context.Context, id string) (*TranscriptionJob, error)
	UpdateJob(ctx context.Context, j *TranscriptionJob, expectedVersion int64) error
}
