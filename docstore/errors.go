package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrDocumentNotFound indicates the document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists indicates the document already exists.
	ErrDocumentExists = errors.New("document exists")

	// ErrCasMismatch indicates the supplied CAS did not match the document.
	ErrCasMismatch = errors.New("cas mismatch")

	// ErrPathNotFound indicates a sub-document path does not exist.
	ErrPathNotFound = errors.New("path not found")

	// ErrPathExists indicates a sub-document path already exists.
	ErrPathExists = errors.New("path exists")

	// ErrPathMismatch indicates a path traverses a non-object value.
	ErrPathMismatch = errors.New("path mismatch")

	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrValueTooLarge indicates the resulting document exceeds the size limit.
	ErrValueTooLarge = errors.New("value too large")

	// ErrAmbiguousTimeout indicates a write timed out and may or may not have been applied.
	ErrAmbiguousTimeout = errors.New("ambiguous timeout")

	// ErrUnambiguousTimeout indicates a request timed out without being applied.
	ErrUnambiguousTimeout = errors.New("unambiguous timeout")

	// ErrDurabilityAmbiguous indicates durability could not be confirmed.
	ErrDurabilityAmbiguous = errors.New("durability ambiguous")

	// ErrTemporaryFailure indicates the store is temporarily unable to serve the request.
	ErrTemporaryFailure = errors.New("temporary failure")

	// ErrRequestCanceled indicates the request was canceled before a response arrived.
	ErrRequestCanceled = errors.New("request canceled")

	// ErrFeatureNotAvailable indicates the store does not support a requested feature.
	ErrFeatureNotAvailable = errors.New("feature not available")

	// ErrQueryFailed indicates a query statement failed.
	ErrQueryFailed = errors.New("query failed")
)

// SubDocError wraps a failure of a single operation within a MutateIn.
type SubDocError struct {
	Index int
	Cause error
}

func (e SubDocError) Error() string {
	return fmt.Sprintf("sub-document error at index %d: %s", e.Index, e.Cause)
}

func (e SubDocError) Unwrap() error {
	return e.Cause
}
