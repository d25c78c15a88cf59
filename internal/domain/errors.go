// Package domain defines the engine-wide error taxonomy.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindDuplicate          ErrorKind = "duplicate"
	KindExtraction         ErrorKind = "extraction_error"
	KindScreening          ErrorKind = "screening_error"
	KindTransform          ErrorKind = "transform_error"
	KindEmbedding          ErrorKind = "embedding_error"
	KindStore              ErrorKind = "store_error"
	KindCitationValidation ErrorKind = "citation_validation_error"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// Error is a classified engine error. Transient errors are retry-eligible;
// permanent errors fail the job immediately.
type Error struct {
	Kind      ErrorKind
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new classified error.
func NewError(kind ErrorKind, message string, transient bool, err error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Transient: transient,
		Err:       err,
	}
}

// Constructors for the common kinds.

func InvalidInput(message string, err error) *Error {
	return NewError(KindInvalidInput, message, false, err)
}

func Duplicate(message string, err error) *Error {
	return NewError(KindDuplicate, message, false, err)
}

// ExtractionTransient covers timeouts, 429 and 5xx responses during fetch.
func ExtractionTransient(message string, err error) *Error {
	return NewError(KindExtraction, message, true, err)
}

// ExtractionPermanent covers 404s and unsupported or unparseable content.
func ExtractionPermanent(message string, err error) *Error {
	return NewError(KindExtraction, message, false, err)
}

func ScreeningError(message string, err error) *Error {
	return NewError(KindScreening, message, true, err)
}

func TransformError(message string, err error) *Error {
	return NewError(KindTransform, message, true, err)
}

func EmbeddingError(message string, err error) *Error {
	return NewError(KindEmbedding, message, true, err)
}

// StoreUnavailable covers transient backend failures during a write.
func StoreUnavailable(message string, err error) *Error {
	return NewError(KindStore, message, true, err)
}

// StoreTransactionFailed covers a rejected graph commit.
func StoreTransactionFailed(message string, err error) *Error {
	return NewError(KindStore, message, false, err)
}

func CitationValidation(message string, err error) *Error {
	return NewError(KindCitationValidation, message, false, err)
}

func Cancelled(message string) *Error {
	return NewError(KindCancelled, message, false, nil)
}

func Internal(message string, err error) *Error {
	return NewError(KindInternal, message, false, err)
}

// Classify maps an arbitrary error to its taxonomy entry. Unclassified
// errors become KindInternal; context cancellation becomes KindCancelled.
func Classify(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled("context cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindInternal, "deadline exceeded", true, err)
	}
	return Internal(err.Error(), err)
}

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	return Classify(err).Transient
}

// KindOf returns the taxonomy kind of err.
func KindOf(err error) ErrorKind {
	return Classify(err).Kind
}
