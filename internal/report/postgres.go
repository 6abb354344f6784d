package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store on top of database/sql with the pgx driver.
// Compare-and-swap updates use `where version=$n` guards; a lost race shows
// up as zero affected rows.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// Open connects to Postgres and returns a store with tuned pool defaults.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the pool for health checks.
func (s *PostgresStore) DB() *sql.DB { return s.db }

const reportColumns = `
	id, principal_id, patient_name, patient_national_id, patient_file_number,
	department, kind, state, content, notes, audio_handle, audio_format,
	audio_size_bytes, audio_duration_ms, confidence, active_job_id,
	reviewed_by, reviewed_at, version, created_at, updated_at`

func (s *PostgresStore) CreateReport(ctx context.Context, r *Report) error {
	_, err := s.db.ExecContext(ctx, `
		insert into reports (`+reportColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, r.ID, r.PrincipalID, r.PatientName, r.PatientNationalID, r.PatientFileNumber,
		r.Department, string(r.Kind), string(r.State), r.Content, r.Notes,
		r.AudioHandle, r.AudioFormat, r.AudioSize, r.AudioDuration.Milliseconds(),
		r.Confidence, nullString(r.ActiveJobID), nullString(r.ReviewedBy), r.ReviewedAt,
		r.Version, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `select `+reportColumns+` from reports where id=$1`, id)
	return scanReport(row)
}

func (s *PostgresStore) UpdateReport(ctx context.Context, r *Report, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		update reports set
			patient_name=$2, patient_national_id=$3, patient_file_number=$4,
			department=$5, kind=$6, state=$7, content=$8, notes=$9,
			audio_handle=$10, audio_format=$11, audio_size_bytes=$12,
			audio_duration_ms=$13, confidence=$14, active_job_id=$15,
			reviewed_by=$16, reviewed_at=$17,
			version=version+1, updated_at=now()
		where id=$1 and version=$18
	`, r.ID, r.PatientName, r.PatientNationalID, r.PatientFileNumber,
		r.Department, string(r.Kind), string(r.State), r.Content, r.Notes,
		r.AudioHandle, r.AudioFormat, r.AudioSize, r.AudioDuration.Milliseconds(),
		r.Confidence, nullString(r.ActiveJobID), nullString(r.ReviewedBy), r.ReviewedAt,
		expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, `select 1 from reports where id=$1`, r.ID)
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) DeleteReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from reports where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListReports(ctx context.Context, f Filter) ([]*Report, error) {
	query := `select ` + reportColumns + ` from reports where 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.PrincipalID != "" {
		query += ` and principal_id=` + arg(f.PrincipalID)
	}
	if f.State != "" {
		query += ` and state=` + arg(string(f.State))
	}
	if f.Kind != "" {
		query += ` and kind=` + arg(string(f.Kind))
	}
	query += ` order by created_at desc, id desc`
	if f.Limit > 0 {
		query += ` limit ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` offset ` + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, principalID string) (Stats, error) {
	stats := Stats{
		ByState: make(map[State]int64),
		ByKind:  make(map[Kind]int64),
	}

	where := ``
	var args []any
	if principalID != "" {
		where = ` where principal_id=$1`
		args = append(args, principalID)
	}

	rows, err := s.db.QueryContext(ctx, `
		select state, kind, count(*),
			count(*) filter (where reviewed_at is not null),
			count(*) filter (where created_at >= date_trunc('day', now())),
			count(*) filter (where created_at >= now() - interval '7 days')
		from reports`+where+`
		group by state, kind
	`, args...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state, kind                  string
			n, reviewed, today, thisWeek int64
		)
		if err := rows.Scan(&state, &kind, &n, &reviewed, &today, &thisWeek); err != nil {
			return Stats{}, err
		}
		stats.Total += n
		stats.ByState[State(state)] += n
		stats.ByKind[Kind(kind)] += n
		stats.Reviewed += reviewed
		stats.Today += today
		stats.ThisWeek += thisWeek
	}
	return stats, rows.Err()
}

const jobColumns = `
	id, report_id, audio_handle, state, attempts, last_attempt_at, last_error,
	version, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, j *TranscriptionJob) error {
	_, err := s.db.ExecContext(ctx, `
		insert into transcription_jobs (`+jobColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, j.ID, j.ReportID, j.AudioHandle, string(j.State), j.Attempts,
		j.LastAttemptAt, j.LastError, j.Version, j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*TranscriptionJob, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from transcription_jobs where id=$1`, id)
	var (
		j     TranscriptionJob
		state string
		last  sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ReportID, &j.AudioHandle, &state, &j.Attempts,
		&last, &j.LastError, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.State = JobState(state)
	if last.Valid {
		t := last.Time
		j.LastAttemptAt = &t
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, j *TranscriptionJob, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		update transcription_jobs set
			state=$2, attempts=$3, last_attempt_at=$4, last_error=$5,
			version=version+1, updated_at=now()
		where id=$1 and version=$6
	`, j.ID, string(j.State), j.Attempts, j.LastAttemptAt, j.LastError, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, `select 1 from transcription_jobs where id=$1`, j.ID)
	}
	j.Version = expectedVersion + 1
	return nil
}

// missOrConflict disambiguates a zero-row CAS update: missing row vs stale
// version.
func (s *PostgresStore) missOrConflict(ctx context.Context, existsQuery, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	var (
		r                     Report
		kind, state           string
		durationMS            int64
		activeJob, reviewedBy sql.NullString
		reviewedAt            sql.NullTime
		confidence            sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.PrincipalID, &r.PatientName, &r.PatientNationalID,
		&r.PatientFileNumber, &r.Department, &kind, &state, &r.Content, &r.Notes,
		&r.AudioHandle, &r.AudioFormat, &r.AudioSize, &durationMS, &confidence,
		&activeJob, &reviewedBy, &reviewedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.State = State(state)
	r.AudioDuration = time.Duration(durationMS) * time.Millisecond
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	r.ActiveJobID = activeJob.String
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
