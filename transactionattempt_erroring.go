package transactions

import (
	"errors"

	"github.com/couchbaselabs/txnengine/docstore"
	"go.uber.org/zap"
)

func mergeOperationFailedErrors(errs []*TransactionOperationFailedError) *TransactionOperationFailedError {
	if len(errs) == 0 {
		return nil
	}

	if len(errs) == 1 {
		return errs[0]
	}

	shouldNotRetry := false
	shouldNotRollback := false
	aggCauses := aggregateError{}
	shouldRaise := ErrorReasonSuccess
	errorClass := errs[0].errorClass

	for _, tErr := range errs {
		aggCauses = append(aggCauses, tErr)

		if tErr.shouldNotRetry {
			shouldNotRetry = true
		}
		if tErr.shouldNotRollback {
			shouldNotRollback = true
		}
		if tErr.shouldRaise > shouldRaise {
			shouldRaise = tErr.shouldRaise
		}
		if tErr.errorClass != errorClass {
			errorClass = ErrorClassFailOther
		}
	}

	return &TransactionOperationFailedError{
		shouldNotRetry:    shouldNotRetry,
		shouldNotRollback: shouldNotRollback,
		errorCause:        aggCauses,
		shouldRaise:       shouldRaise,
		errorClass:        errorClass,
	}
}

type operationFailedDef struct {
	Cerr              *classifiedError
	ShouldNotRetry    bool
	ShouldNotRollback bool
	CanStillCommit    bool
	Reason            ErrorReason
}

func (t *transactionAttempt) applyStateBits(stateBits uint32) {
	for {
		oldStateBits := t.stateBits.Load()
		newStateBits := oldStateBits | stateBits
		if t.stateBits.CompareAndSwap(oldStateBits, newStateBits) {
			break
		}
	}
}

func (t *transactionAttempt) hasStateBit(bit uint32) bool {
	return t.stateBits.Load()&bit != 0
}

// operationFailed builds the error surfaced to the caller, dooms the attempt
// according to def and records the failure in the attempt's error list.
func (t *transactionAttempt) operationFailed(def operationFailedDef) *TransactionOperationFailedError {
	err := &TransactionOperationFailedError{
		shouldNotRetry:    def.ShouldNotRetry,
		shouldNotRollback: def.ShouldNotRollback,
		errorCause:        def.Cerr.Source,
		errorClass:        def.Cerr.Class,
		shouldRaise:       def.Reason,
	}

	stateBits := uint32(0)
	if !def.CanStillCommit {
		stateBits |= transactionStateBitShouldNotCommit
	}
	if def.ShouldNotRollback {
		stateBits |= transactionStateBitShouldNotRollback
	}
	if def.ShouldNotRetry {
		stateBits |= transactionStateBitShouldNotRetry
	}
	if def.Reason == ErrorReasonTransactionExpired {
		stateBits |= transactionStateBitHasExpired
	}
	t.applyStateBits(stateBits)

	t.logger.Debug("operation failed",
		zap.Bool("shouldNotRetry", def.ShouldNotRetry),
		zap.Bool("shouldNotRollback", def.ShouldNotRollback),
		zap.Bool("canStillCommit", def.CanStillCommit),
		zap.Stringer("reason", def.Reason),
		zap.Stringer("class", def.Cerr.Class),
		zap.Error(def.Cerr.Source))

	if !errors.Is(def.Cerr.Source, ErrPreviousOperationFailed) {
		t.errors.add(err)
	}

	return err
}

// contextFailed translates a context cancellation into an attempt failure.
// A cancelled context ends the attempt without retry.
func (t *transactionAttempt) contextFailed(err error) *TransactionOperationFailedError {
	return t.operationFailed(operationFailedDef{
		Cerr:           classifyError(err),
		ShouldNotRetry: true,
		Reason:         ErrorReasonTransactionFailed,
	})
}

// uncaughtUserError wraps an error returned by attempt logic which did not
// come from the transaction.  It matches ErrUncaughtUserError and unwraps to
// the original error.
type uncaughtUserError struct {
	cause error
}

func (e uncaughtUserError) Error() string {
	return ErrUncaughtUserError.Error() + ": " + e.cause.Error()
}

func (e uncaughtUserError) Is(err error) bool {
	return err == ErrUncaughtUserError
}

func (e uncaughtUserError) Unwrap() error {
	return e.cause
}

// logicFailed records an error returned from attempt logic.  Failures which
// the attempt already raised are passed through, anything else fails the
// transaction without retry.
func (t *transactionAttempt) logicFailed(err error) *TransactionOperationFailedError {
	var tErr *TransactionOperationFailedError
	if errors.As(err, &tErr) {
		return tErr
	}

	return t.operationFailed(operationFailedDef{
		Cerr: &classifiedError{
			Source: uncaughtUserError{cause: err},
			Class:  ErrorClassFailOther,
		},
		ShouldNotRetry:    true,
		ShouldNotRollback: false,
		Reason:            ErrorReasonTransactionFailed,
	})
}

func classifyHookError(err error) *classifiedError {
	return classifyError(err)
}

func classifyError(err error) *classifiedError {
	ec := ErrorClassFailOther
	if errors.Is(err, ErrDocAlreadyInTransaction) || errors.Is(err, ErrWriteWriteConflict) {
		ec = ErrorClassFailWriteWriteConflict
	} else if errors.Is(err, ErrHard) {
		ec = ErrorClassFailHard
	} else if errors.Is(err, ErrAttemptExpired) {
		ec = ErrorClassFailExpiry
	} else if errors.Is(err, ErrTransient) {
		ec = ErrorClassFailTransient
	} else if errors.Is(err, ErrAmbiguous) {
		ec = ErrorClassFailAmbiguous
	} else if errors.Is(err, ErrAtrFull) {
		ec = ErrorClassFailOutOfSpace
	} else if errors.Is(err, docstore.ErrDocumentNotFound) {
		ec = ErrorClassFailDocNotFound
	} else if errors.Is(err, docstore.ErrDocumentExists) {
		ec = ErrorClassFailDocAlreadyExists
	} else if errors.Is(err, docstore.ErrPathExists) {
		ec = ErrorClassFailPathAlreadyExists
	} else if errors.Is(err, docstore.ErrPathNotFound) {
		ec = ErrorClassFailPathNotFound
	} else if errors.Is(err, docstore.ErrCasMismatch) {
		ec = ErrorClassFailCasMismatch
	} else if errors.Is(err, docstore.ErrUnambiguousTimeout) ||
		errors.Is(err, docstore.ErrTemporaryFailure) {
		ec = ErrorClassFailTransient
	} else if errors.Is(err, docstore.ErrDurabilityAmbiguous) ||
		errors.Is(err, docstore.ErrAmbiguousTimeout) ||
		errors.Is(err, docstore.ErrRequestCanceled) {
		ec = ErrorClassFailAmbiguous
	} else if errors.Is(err, docstore.ErrValueTooLarge) {
		ec = ErrorClassFailOutOfSpace
	}

	return &classifiedError{
		Source: err,
		Class:  ec,
	}
}

// asError converts a possibly nil failure into an error interface without
// producing a typed nil.
func asError(err *TransactionOperationFailedError) error {
	if err == nil {
		return nil
	}
	return err
}
