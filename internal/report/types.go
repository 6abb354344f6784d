package report

import "time"

// Kind distinguishes how a report's content arrived.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

// State is a report's position in its lifecycle.
type State string

const (
	StateDraft        State = "draft"
	StateTranscribing State = "transcribing"
	StateTranscribed  State = "transcribed"
	StateVoiceFailed  State = "voice_failed"
	StateFinalized    State = "finalized"
	StateArchived     State = "archived"
	StateCancelled    State = "cancelled"
)

// Terminal reports accept no further transitions.
func (s State) Terminal() bool {
	return s == StateArchived || s == StateCancelled
}

// JobState is a transcription job's position in its lifecycle.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Done reports whether the job reached a terminal state.
func (s JobState) Done() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Report is one shift report. Version guards compare-and-swap updates: every
// store write checks the expected version and bumps it on success.
type Report struct {
	ID          string
	PrincipalID string

	PatientName       string
	PatientNationalID string
	PatientFileNumber string
	Department        string

	Kind    Kind
	State   State
	Content string
	Notes   string

	AudioHandle   string
	AudioFormat   string
	AudioSize     int64
	AudioDuration time.Duration
	Confidence    *float64

	ActiveJobID string

	ReviewedBy string
	ReviewedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TranscriptionJob is the unit of work converting one audio handle into
// report text. Attempts counts started attempts, not scheduled ones.
type TranscriptionJob struct {
	ID          string
	ReportID    string
	AudioHandle string

	State         JobState
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	PrincipalID string
	State       State
	Kind        Kind
	Limit       int
	Offset      int
}

// Stats are per-principal report counters.
type Stats struct {
	Total    int64
	ByState  map[State]int64
	ByKind   map[Kind]int64
	Reviewed int64
	Today    int64
	ThisWeek int64
}
