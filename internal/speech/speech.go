// Package speech wraps the external transcription capability. Errors are
// classified into transient (retry) and permanent (fail now) so the pipeline
// can apply its retry policy without knowing transport details.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transcription is a successful transcription result.
type Transcription struct {
	Text       string
	Confidence float64
	Duration   time.Duration
}

// Transcriber converts one audio handle into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioHandle string) (Transcription, error)
}

// TransientError marks a failure worth retrying: timeouts, connection
// failures, 5xx-class responses, throttling.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("speech: transient: %s: %v", e.Reason, e.Err)
	}
	return "speech: transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retries cannot fix: malformed audio,
// unsupported format, content rejected by the service.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "speech: permanent: " + e.Reason }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable content failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

var allowedFormats = map[string]struct{}{
	"wav": {}, "mp3": {}, "m4a": {}, "ogg": {}, "webm": {}, "flac": {},
}

// MaxAudioBytes is the largest recording the transcription service accepts.
const MaxAudioBytes = 10 << 20

// ValidateSize rejects recordings the transcription service would refuse.
// Zero means the caller did not report a size.
func ValidateSize(bytes int64) error {
	if bytes > MaxAudioBytes {
		return &PermanentError{Reason: fmt.Sprintf("audio_too_large: %d bytes", bytes)}
	}
	return nil
}

// ValidateFormat rejects audio formats the transcription service cannot
// process. Empty format is allowed; the service sniffs it.
func ValidateFormat(format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return nil
	}
	if _, ok := allowedFormats[format]; !ok {
		return &PermanentError{Reason: "unsupported_format: " + format}
	}
	return nil
}
