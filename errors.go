package transactions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/couchbaselabs/txnengine/docstore"
)

var (
	// ErrNoAttempt indicates no attempt was started before an operation was performed.
	ErrNoAttempt = errors.New("attempt was not started")

	// ErrOther indicates an non-specific error has occured.
	ErrOther = errors.New("other error")

	// ErrTransient indicates a transient error occured which may succeed at a later point in time.
	ErrTransient = errors.New("transient error")

	// ErrWriteWriteConflict indicates that another transaction conflicted with this one.
	ErrWriteWriteConflict = errors.New("write write conflict")

	// ErrHard indicates that an unrecoverable error occured.
	ErrHard = errors.New("hard")

	// ErrAmbiguous indicates that a failure occured but the outcome was not known.
	ErrAmbiguous = errors.New("ambiguous error")

	// ErrAtrFull indicates that the ATR record was too full to accept a new mutation.
	ErrAtrFull = errors.New("atr full")

	// ErrAttemptExpired indicates an attempt expired.
	ErrAttemptExpired = errors.New("attempt expired")

	// ErrAtrNotFound indicates that an expected ATR document was missing.
	ErrAtrNotFound = errors.New("atr not found")

	// ErrAtrEntryNotFound indicates that an expected ATR entry was missing.
	ErrAtrEntryNotFound = errors.New("atr entry not found")

	// ErrDocAlreadyInTransaction indicates that a document is already in a transaction.
	ErrDocAlreadyInTransaction = errors.New("doc already in transaction")

	// ErrIllegalState is used for when a transaction enters an illegal state.
	ErrIllegalState = errors.New("illegal state")

	// ErrOperationConflict indicates an operation was issued after the attempt
	// had begun committing or rolling back.
	ErrOperationConflict = errors.New("operation conflicts with commit or rollback in progress")

	// ErrPreviousOperationFailed indicates a previous operation in this attempt
	// failed and the attempt can no longer perform operations.
	ErrPreviousOperationFailed = errors.New("previous operation failed")

	// ErrUncaughtUserError indicates the attempt logic returned an error which
	// did not originate from the transaction itself.
	ErrUncaughtUserError = errors.New("uncaught user error")

	// ErrTransactionAbortedExternally indicates the ATR entry was removed or
	// aborted by another party, usually cleanup.
	ErrTransactionAbortedExternally = errors.New("transaction aborted externally")

	// ErrForwardCompatibilityFailure indicates an operation failed due to involving a document
	// written by a newer protocol version which this client cannot safely handle.
	ErrForwardCompatibilityFailure = errors.New("forward compatibility error")

	// ErrTransactionFailed indicates the transaction failed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTransactionExpired indicates the transaction ran out of time.
	ErrTransactionExpired = errors.New("transaction expired")

	// ErrTransactionCommitAmbiguous indicates it is unknown whether the
	// transaction was committed.
	ErrTransactionCommitAmbiguous = errors.New("transaction commit ambiguous")
)

// These are shared with the document store so that errors.Is works against
// both store and transaction level failures.
var (
	// ErrDocumentNotFound indicates the document does not exist.
	ErrDocumentNotFound = docstore.ErrDocumentNotFound

	// ErrDocumentAlreadyExists indicates a committed document already exists.
	ErrDocumentAlreadyExists = docstore.ErrDocumentExists

	// ErrCasMismatch indicates the CAS supplied with a document did not match
	// the current version of the document.
	ErrCasMismatch = docstore.ErrCasMismatch
)

// TransactionOperationFailedError is used when a transaction operation fails.
type TransactionOperationFailedError struct {
	shouldNotRetry    bool
	shouldNotRollback bool
	errorCause        error
	shouldRaise       ErrorReason
	errorClass        ErrorClass
}

// MarshalJSON will marshal this error for the wire.
func (tfe TransactionOperationFailedError) MarshalJSON() ([]byte, error) {
	var causeData json.RawMessage
	if tfe.errorCause != nil {
		causeData = marshalErrorToJSON(tfe.errorCause)
	}

	return json.Marshal(struct {
		Retry    bool            `json:"retry"`
		Rollback bool            `json:"rollback"`
		Raise    string          `json:"raise"`
		Class    string          `json:"class"`
		Cause    json.RawMessage `json:"cause,omitempty"`
	}{
		Retry:    !tfe.shouldNotRetry,
		Rollback: !tfe.shouldNotRollback,
		Raise:    tfe.shouldRaise.String(),
		Class:    tfe.errorClass.String(),
		Cause:    causeData,
	})
}

func (tfe TransactionOperationFailedError) Error() string {
	errStr := "transaction operation failed"
	errStr += " | " + fmt.Sprintf(
		"shouldRetry:%v, shouldRollback:%v, shouldRaise:%s, class:%s",
		!tfe.shouldNotRetry,
		!tfe.shouldNotRollback,
		tfe.shouldRaise,
		tfe.errorClass)
	if tfe.errorCause != nil {
		errStr += " | " + tfe.errorCause.Error()
	}
	return errStr
}

// Unwrap returns the underlying reason for the error.
func (tfe TransactionOperationFailedError) Unwrap() error {
	return tfe.errorCause
}

// Retry signals whether a new attempt should be made at rollback.
func (tfe TransactionOperationFailedError) Retry() bool {
	return !tfe.shouldNotRetry
}

// Rollback signals whether the attempt should be auto-rolled back.
func (tfe TransactionOperationFailedError) Rollback() bool {
	return !tfe.shouldNotRollback
}

// ToRaise signals which error type should be raised to the application.
func (tfe TransactionOperationFailedError) ToRaise() ErrorReason {
	return tfe.shouldRaise
}

// ErrorClass is the class of error which caused this error.
func (tfe TransactionOperationFailedError) ErrorClass() ErrorClass {
	return tfe.errorClass
}

// Action is the outcome this failure implies for the transaction.
func (tfe TransactionOperationFailedError) Action() ErrorAction {
	if tfe.shouldNotRetry {
		return ActionFailTransaction
	}
	return ActionRetryAttempt
}

// ErrorActionOf reports how the transaction should react to err.
func ErrorActionOf(err error) ErrorAction {
	if err == nil {
		return ActionSuccess
	}

	var tErr *TransactionOperationFailedError
	if errors.As(err, &tErr) {
		return tErr.Action()
	}

	return classifyError(err).action()
}

type classifiedError struct {
	Source error
	Class  ErrorClass
}

func (ce classifiedError) Error() string {
	return fmt.Sprintf("%s (class: %s)", ce.Source, ce.Class)
}

func (ce classifiedError) Unwrap() error {
	return ce.Source
}

// Wrap retypes the classified error as errType while keeping the source
// reachable through errors.Is.
func (ce classifiedError) Wrap(errType error) *classifiedError {
	return &classifiedError{
		Source: &retypedError{
			ErrType: errType,
			Source:  ce.Source,
		},
		Class: ce.Class,
	}
}

// action decides how a single KV level failure of this class should be
// handled by the operation that observed it.
func (ce classifiedError) action() ErrorAction {
	switch ce.Class {
	case ErrorClassFailTransient, ErrorClassFailAmbiguous:
		return ActionRetryOperation
	case ErrorClassFailCasMismatch, ErrorClassFailWriteWriteConflict, ErrorClassFailDocNotFound,
		ErrorClassFailDocAlreadyExists, ErrorClassFailPathNotFound, ErrorClassFailPathAlreadyExists:
		return ActionRetryAttempt
	default:
		return ActionFailTransaction
	}
}

type retypedError struct {
	ErrType error
	Source  error
}

func (e retypedError) Error() string {
	if e.Source == nil {
		return e.ErrType.Error()
	}
	return fmt.Sprintf("%s | %s", e.ErrType, e.Source)
}

func (e retypedError) Is(err error) bool {
	return errors.Is(e.ErrType, err)
}

func (e retypedError) Unwrap() error {
	return e.Source
}

func (e retypedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Msg   string          `json:"msg"`
		Cause json.RawMessage `json:"cause,omitempty"`
	}{
		Msg:   e.ErrType.Error(),
		Cause: marshalErrorToJSON(e.Source),
	})
}

type aggregateError []error

func (agge aggregateError) MarshalJSON() ([]byte, error) {
	suberrs := make([]json.RawMessage, len(agge))
	for i, err := range agge {
		suberrs[i] = marshalErrorToJSON(err)
	}
	return json.Marshal(suberrs)
}

func (agge aggregateError) Error() string {
	errStrs := []string{}
	for _, err := range agge {
		errStrs = append(errStrs, err.Error())
	}
	return "[" + strings.Join(errStrs, ", ") + "]"
}

func (agge aggregateError) Is(err error) bool {
	for _, aerr := range agge {
		if errors.Is(aerr, err) {
			return true
		}
	}
	return false
}

type writeWriteConflictError struct {
	Source         error
	BucketName     string
	ScopeName      string
	CollectionName string
	DocumentKey    []byte
}

func (wwce writeWriteConflictError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Msg            string          `json:"msg"`
		Cause          json.RawMessage `json:"cause,omitempty"`
		BucketName     string          `json:"bucket"`
		ScopeName      string          `json:"scope"`
		CollectionName string          `json:"collection"`
		DocumentKey    string          `json:"document_key"`
	}{
		Msg:            "write write conflict",
		Cause:          marshalErrorToJSON(wwce.Source),
		BucketName:     wwce.BucketName,
		ScopeName:      wwce.ScopeName,
		CollectionName: wwce.CollectionName,
		DocumentKey:    string(wwce.DocumentKey),
	})
}

func (wwce writeWriteConflictError) Error() string {
	errStr := "write write conflict"
	errStr += " | " + fmt.Sprintf(
		"bucket:%s, scope:%s, collection:%s, key:%s",
		wwce.BucketName,
		wwce.ScopeName,
		wwce.CollectionName,
		wwce.DocumentKey)
	if wwce.Source != nil {
		errStr += " | " + wwce.Source.Error()
	}

	return errStr
}

// Is indicates whether the passed error matches the error type.
func (wwce writeWriteConflictError) Is(err error) bool {
	return errors.Is(err, ErrWriteWriteConflict)
}

// Unwrap returns the underlying reason for the error.
func (wwce writeWriteConflictError) Unwrap() error {
	return wwce.Source
}

type forwardCompatError struct {
	BucketName     string
	ScopeName      string
	CollectionName string
	DocumentKey    []byte
}

func (fce forwardCompatError) Error() string {
	if fce.DocumentKey == nil {
		return ErrForwardCompatibilityFailure.Error()
	}

	return fmt.Sprintf("%s | bucket:%s, scope:%s, collection:%s, key:%s",
		ErrForwardCompatibilityFailure,
		fce.BucketName,
		fce.ScopeName,
		fce.CollectionName,
		fce.DocumentKey)
}

func (fce forwardCompatError) Is(err error) bool {
	return errors.Is(err, ErrForwardCompatibilityFailure)
}

// transactionFinalError is the error returned from a completed transaction
// run which did not succeed.
type transactionFinalError struct {
	kind   error
	cause  error
	result *Result
}

func (e transactionFinalError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e transactionFinalError) Is(err error) bool {
	return err == e.kind
}

func (e transactionFinalError) Unwrap() error {
	return e.cause
}

// TransactionFailedError indicates the transaction failed and was not committed.
type TransactionFailedError struct {
	transactionFinalError
}

// TransactionExpiredError indicates the transaction expired before it could be committed.
type TransactionExpiredError struct {
	transactionFinalError
}

// TransactionCommitAmbiguousError indicates the transaction may or may not
// have committed.
type TransactionCommitAmbiguousError struct {
	transactionFinalError
}

// Result returns the result of the transaction which failed.
func (e transactionFinalError) Result() *Result {
	return e.result
}

func marshalErrorToJSON(err error) json.RawMessage {
	if err == nil {
		return nil
	}

	if marshaler, ok := err.(json.Marshaler); ok {
		if data, err := marshaler.MarshalJSON(); err == nil {
			return data
		}
	}

	data, _ := json.Marshal(err.Error())
	return data
}
