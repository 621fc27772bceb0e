package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zombor/invoice-intake/internal/auth"
	"github.com/zombor/invoice-intake/internal/ledger"
)

var (
	ErrFileNotFound        = errors.New("staged file not found")
	ErrDuplicateName       = errors.New("a staged file with this name already exists")
	ErrExtractionInFlight  = errors.New("extraction already in progress")
	ErrAlreadySubmitted    = errors.New("invoice already submitted")
	ErrDraftNotFound       = errors.New("draft not found")
	ErrItemIndex           = errors.New("item index out of range")
	ErrInvalidValue        = errors.New("invalid value for item field")
	ErrStateTransition     = errors.New("invalid submission state transition")
	ErrGroupRequired       = errors.New("a group must be selected")
	ErrNotSubmitted        = errors.New("invoice has not been submitted")
	ErrSubmissionInFlight  = errors.New("submission already in progress")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptyFile           = errors.New("file is empty")
)

// FieldError is one failed field check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects client-side field failures. No network call is
// made when one is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// FailureKind tells the UI which affordance to offer after a failed
// submission.
type FailureKind string

const (
	// KindValidation: fix the draft, nothing was sent
	KindValidation FailureKind = "validation"
	// KindRejected: the ledger refused the request (4xx)
	KindRejected FailureKind = "rejected"
	// KindUnavailable: server error, network failure or timeout
	KindUnavailable FailureKind = "unavailable"
	// KindUnauthenticated: credentials are gone, log in again
	KindUnauthenticated FailureKind = "unauthenticated"
)

// SubmissionError is a failed submit or approve.
type SubmissionError struct {
	Op   string
	Kind FailureKind
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same request may succeed.
func (e *SubmissionError) Retryable() bool {
	return e.Kind == KindUnavailable
}

func classify(op string, err error) error {
	var v *ValidationError
	switch {
	case errors.As(err, &v):
		return &SubmissionError{Op: op, Kind: KindValidation, Err: err}
	case errors.Is(err, auth.ErrReauthRequired):
		return &SubmissionError{Op: op, Kind: KindUnauthenticated, Err: err}
	case ledger.IsClientError(err):
		return &SubmissionError{Op: op, Kind: KindRejected, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &SubmissionError{Op: op, Kind: KindUnavailable, Err: err}
	}
}
