package report

import "errors"

var (
	ErrNotFound          = errors.New("report: not found")
	ErrInvalidTransition = errors.New("report: invalid state transition")
	ErrConflict          = errors.New("report: version conflict")
	ErrValidation        = errors.New("report: invalid input")
	ErrForbidden         = errors.New("report: forbidden")
)
