package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

// atrOpsBuilder accumulates the sub-document ops which update a single
// attempt entry of an ATR.
type atrOpsBuilder struct {
	prefix string
	ops    []docstore.SubDocOp
	err    error
}

func newATROpsBuilder(attemptID string) *atrOpsBuilder {
	return &atrOpsBuilder{prefix: "attempts." + attemptID + "."}
}

func (b *atrOpsBuilder) field(op docstore.SubDocOpType, name string, data interface{}, flags docstore.SubdocFlag) *atrOpsBuilder {
	bytes, err := json.Marshal(data)
	if err != nil && b.err == nil {
		b.err = err
	}

	b.ops = append(b.ops, docstore.SubDocOp{
		Op:    op,
		Flags: flags | docstore.SubdocFlagXattrPath,
		Path:  b.prefix + name,
		Value: bytes,
	})
	return b
}

func (b *atrOpsBuilder) casMacro(op docstore.SubDocOpType, name string, flags docstore.SubdocFlag) *atrOpsBuilder {
	b.ops = append(b.ops, docstore.SubDocOp{
		Op:    op,
		Flags: flags | docstore.SubdocFlagXattrPath | docstore.SubdocFlagExpandMacros,
		Path:  b.prefix + name,
		Value: []byte(docstore.MacroMutationCas),
	})
	return b
}

func (b *atrOpsBuilder) build() ([]docstore.SubDocOp, error) {
	return b.ops, b.err
}

// backoffOrFail waits before an operation is retried, failing the attempt
// if the context ends first.
func (t *transactionAttempt) backoffOrFail(ctx context.Context, b retry.Backoff) *TransactionOperationFailedError {
	if waitBackoff(ctx, b) {
		return nil
	}

	err := ctx.Err()
	if err == nil {
		err = errors.Wrap(ErrAttemptExpired, "retries exhausted")
	}
	return t.contextFailed(err)
}

func (t *transactionAttempt) mutateATR(ctx context.Context, ops []docstore.SubDocOp, flags docstore.SubdocDocFlag) error {
	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := t.atrAgent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       t.atrScopeName,
		CollectionName:  t.atrCollectionName,
		Key:             t.atrKey,
		Ops:             ops,
		Flags:           flags,
		DurabilityLevel: t.docstoreDurability(),
	})
	if err != nil {
		return err
	}

	for _, op := range result.Ops {
		if op.Err != nil {
			return op.Err
		}
	}

	return nil
}

// lookupATRState reads just the state field of this attempt's entry.
func (t *transactionAttempt) lookupATRState(ctx context.Context) (jsonAtrState, error) {
	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := t.atrAgent.LookupIn(opCtx, &docstore.LookupInOptions{
		ScopeName:      t.atrScopeName,
		CollectionName: t.atrCollectionName,
		Key:            t.atrKey,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  "attempts." + t.id + ".st",
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
	})
	if err != nil {
		return jsonAtrStateUnknown, err
	}

	if result.Ops[0].Err != nil {
		return jsonAtrStateUnknown, result.Ops[0].Err
	}

	var st jsonAtrState
	if err := json.Unmarshal(result.Ops[0].Value, &st); err != nil {
		return jsonAtrStateUnknown, err
	}

	return st, nil
}

// selectAtrExclusive picks the ATR for this attempt based on the first
// mutated document.  Must only be called by the goroutine holding atrWaitCh.
func (t *transactionAttempt) selectAtrExclusive(
	ctx context.Context,
	firstAgent docstore.Agent,
	firstScopeName string,
	firstCollectionName string,
	firstKey []byte,
) *TransactionOperationFailedError {
	atrKey := []byte(atrIDForKey(firstKey, t.numATRs))

	override, err := t.hooks.RandomATRIDForVbucket(ctx)
	if err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}
	if override != "" {
		atrKey = []byte(override)
	}

	atrAgent := firstAgent
	atrScopeName := defaultScopeName
	atrCollectionName := defaultCollectionName

	t.lock.Lock()
	if t.atrLocation.Agent != nil {
		atrAgent = t.atrLocation.Agent
		atrScopeName = nonEmpty(t.atrLocation.ScopeName, defaultScopeName)
		atrCollectionName = nonEmpty(t.atrLocation.CollectionName, defaultCollectionName)
	}
	t.atrAgent = atrAgent
	t.atrScopeName = atrScopeName
	t.atrCollectionName = atrCollectionName
	t.atrKey = atrKey
	t.lock.Unlock()

	t.logger.Debug("selected atr",
		docField(atrAgent, atrScopeName, atrCollectionName, atrKey),
		docField(firstAgent, firstScopeName, firstCollectionName, firstKey))

	return nil
}

func (t *transactionAttempt) setATRPendingExclusive(ctx context.Context) *TransactionOperationFailedError {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.writeATRPending(ctx)
		if cerr == nil {
			return nil
		}

		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			if err := t.backoffOrFail(ctx, backoff); err != nil {
				return err
			}
			continue
		case ErrorClassFailPathAlreadyExists:
			// An earlier ambiguous write landed.
			return nil
		case ErrorClassFailExpiry:
			return t.expiredFailure(cerr)
		case ErrorClassFailOutOfSpace:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrFull),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}
}

func (t *transactionAttempt) writeATRPending(ctx context.Context) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookATRPending, []byte{}, false); cerr != nil {
		return cerr
	}

	if err := t.hooks.BeforeATRPending(ctx); err != nil {
		return classifyHookError(err)
	}

	ops, err := newATROpsBuilder(t.id).
		casMacro(docstore.SubDocOpDictAdd, "tst", docstore.SubdocFlagMkDirP).
		field(docstore.SubDocOpDictAdd, "tid", t.transactionID, docstore.SubdocFlagMkDirP).
		field(docstore.SubDocOpDictAdd, "st", jsonAtrStatePending, docstore.SubdocFlagMkDirP).
		field(docstore.SubDocOpDictAdd, "exp", time.Until(t.expiryTime)/time.Millisecond, docstore.SubdocFlagMkDirP).
		field(docstore.SubDocOpDictAdd, "d", durabilityLevelToShorthand(t.durabilityLevel), docstore.SubdocFlagMkDirP).
		build()
	if err != nil {
		return classifyError(err)
	}

	ops = append(ops, docstore.SubDocOp{
		Op:    docstore.SubDocOpSetDoc,
		Flags: docstore.SubdocFlagNone,
		Value: []byte("{}"),
	})

	if err := t.mutateATR(ctx, ops, docstore.SubdocDocFlagMkDoc); err != nil {
		return classifyError(err)
	}

	if err := t.hooks.AfterATRPending(ctx); err != nil {
		return classifyHookError(err)
	}

	return nil
}

// setATRCommittedExclusive is the commit point of the attempt.  The p
// marker makes a repeated write fail with PathExists, which is resolved by
// reading the entry back.
func (t *transactionAttempt) setATRCommittedExclusive(ctx context.Context) *TransactionOperationFailedError {
	ambiguityResolution := false
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.writeATRCommitted(ctx)
		if cerr == nil {
			return nil
		}

		errorReason := ErrorReasonTransactionFailed
		if ambiguityResolution {
			errorReason = ErrorReasonTransactionCommitAmbiguous
		}

		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			ambiguityResolution = true
			if err := t.backoffOrFail(ctx, backoff); err != nil {
				return err
			}
			continue
		case ErrorClassFailPathAlreadyExists:
			return t.resolveATRCommitConflict(ctx, ambiguityResolution)
		case ErrorClassFailExpiry:
			if errorReason == ErrorReasonTransactionFailed {
				errorReason = ErrorReasonTransactionExpired
			}

			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: ambiguityResolution,
				Reason:            errorReason,
			})
		case ErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: ambiguityResolution,
				Reason:            errorReason,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            errorReason,
			})
		default:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: ambiguityResolution,
				Reason:            errorReason,
			})
		}
	}
}

func (t *transactionAttempt) writeATRCommitted(ctx context.Context) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookATRCommit, []byte{}, false); cerr != nil {
		return cerr
	}

	if err := t.hooks.BeforeATRCommit(ctx); err != nil {
		return classifyHookError(err)
	}

	t.lock.Lock()
	inserts, replaces, removes := t.stagedMutations.partition()
	t.lock.Unlock()

	ops, err := newATROpsBuilder(t.id).
		field(docstore.SubDocOpDictSet, "st", jsonAtrStateCommitted, docstore.SubdocFlagNone).
		casMacro(docstore.SubDocOpDictSet, "tsc", docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictAdd, "p", 0, docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictSet, "ins", inserts, docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictSet, "rep", replaces, docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictSet, "rem", removes, docstore.SubdocFlagNone).
		build()
	if err != nil {
		return classifyError(err)
	}

	if err := t.mutateATR(ctx, ops, docstore.SubdocDocFlagNone); err != nil {
		return classifyError(err)
	}

	if err := t.hooks.AfterATRCommit(ctx); err != nil {
		return classifyHookError(err)
	}

	return nil
}

// resolveATRCommitConflict reads back the entry after a commit write whose
// outcome is unknown.
func (t *transactionAttempt) resolveATRCommitConflict(
	ctx context.Context,
	ambiguityResolution bool,
) *TransactionOperationFailedError {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.checkATRCommitted(ctx)
		if cerr == nil {
			return nil
		}

		errorReason := ErrorReasonTransactionFailed
		if ambiguityResolution {
			errorReason = ErrorReasonTransactionCommitAmbiguous
		}

		switch cerr.Class {
		case ErrorClassFailTransient:
			if err := t.backoffOrFail(ctx, backoff); err != nil {
				return err
			}
			continue
		case ErrorClassFailExpiry:
			if errorReason == ErrorReasonTransactionFailed {
				errorReason = ErrorReasonTransactionExpired
			}

			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            errorReason,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            errorReason,
			})
		default:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: true,
				Reason:            errorReason,
			})
		}
	}
}

func (t *transactionAttempt) checkATRCommitted(ctx context.Context) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookATRCommitAmbiguityResolution, []byte{}, false); cerr != nil {
		return cerr
	}

	if err := t.hooks.BeforeATRCommitAmbiguityResolution(ctx); err != nil {
		return classifyHookError(err)
	}

	st, err := t.lookupATRState(ctx)
	if errors.Is(err, docstore.ErrPathNotFound) {
		return classifyError(errors.Wrap(ErrTransactionAbortedExternally, "atr entry removed during commit"))
	} else if err != nil {
		return classifyError(err)
	}

	switch st {
	case jsonAtrStateCommitted:
		return nil
	case jsonAtrStatePending:
		return classifyError(
			errors.Wrap(ErrIllegalState, "transaction still pending even with p set during commit"))
	case jsonAtrStateCompleted:
		return classifyError(
			errors.Wrap(ErrIllegalState, "transaction already completed during commit"))
	case jsonAtrStateAborted, jsonAtrStateRolledBack:
		return classifyError(
			errors.Wrap(ErrTransactionAbortedExternally, "transaction aborted during commit"))
	default:
		return classifyError(
			errors.Wrap(ErrIllegalState, fmt.Sprintf("illegal transaction state during commit: %s", st)))
	}
}

func (t *transactionAttempt) setATRCompletedExclusive(ctx context.Context) *TransactionOperationFailedError {
	cerr := t.writeATRFinalState(ctx, hookATRComplete, jsonAtrStateCompleted, "tsco",
		t.hooks.BeforeATRComplete, t.hooks.AfterATRComplete)
	if cerr == nil {
		return nil
	}

	if cerr.Class == ErrorClassFailPathNotFound {
		// Cleanup finished the attempt and removed the entry.
		return nil
	}

	return t.operationFailed(operationFailedDef{
		Cerr:              cerr,
		CanStillCommit:    true,
		ShouldNotRetry:    true,
		ShouldNotRollback: true,
		Reason:            ErrorReasonTransactionFailedPostCommit,
	})
}

func (t *transactionAttempt) setATRRolledBackExclusive(ctx context.Context) *TransactionOperationFailedError {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.writeATRFinalState(ctx, hookATRRollback, jsonAtrStateRolledBack, "tsrc",
			t.hooks.BeforeATRRolledBack, t.hooks.AfterATRRolledBack)
		if cerr == nil {
			return nil
		}

		if t.isExpiryOvertimeAtomic() {
			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrAttemptExpired, "atr rolledback failed during overtime")),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		switch cerr.Class {
		case ErrorClassFailPathNotFound:
			// Cleanup already removed the entry.
			return nil
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
		case ErrorClassFailDocNotFound:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrNotFound),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailOutOfSpace:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrFull),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		if err := t.backoffOrFail(ctx, backoff); err != nil {
			return err
		}
	}
}

func (t *transactionAttempt) writeATRFinalState(
	ctx context.Context,
	stage string,
	state jsonAtrState,
	timestampField string,
	before func(context.Context) error,
	after func(context.Context) error,
) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, stage, []byte{}, true); cerr != nil {
		return cerr
	}

	if err := before(ctx); err != nil {
		return classifyHookError(err)
	}

	ops, err := newATROpsBuilder(t.id).
		field(docstore.SubDocOpDictSet, "st", state, docstore.SubdocFlagNone).
		casMacro(docstore.SubDocOpDictSet, timestampField, docstore.SubdocFlagNone).
		build()
	if err != nil {
		return classifyError(err)
	}

	// Replacing st fails with PathNotFound if the entry has been removed.
	ops[0].Op = docstore.SubDocOpReplace

	if err := t.mutateATR(ctx, ops, docstore.SubdocDocFlagNone); err != nil {
		return classifyError(err)
	}

	if err := after(ctx); err != nil {
		return classifyHookError(err)
	}

	return nil
}

func (t *transactionAttempt) setATRAbortedExclusive(ctx context.Context) *TransactionOperationFailedError {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.writeATRAborted(ctx)
		if cerr == nil {
			return nil
		}

		if t.isExpiryOvertimeAtomic() {
			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrAttemptExpired, "atr abort failed during overtime")),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		switch cerr.Class {
		case ErrorClassFailPathAlreadyExists:
			return t.resolveATRAbortConflict(ctx)
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
		case ErrorClassFailDocNotFound:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrNotFound),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailPathNotFound:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrEntryNotFound),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailOutOfSpace:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrFull),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		if err := t.backoffOrFail(ctx, backoff); err != nil {
			return err
		}
	}
}

func (t *transactionAttempt) writeATRAborted(ctx context.Context) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookATRAbort, []byte{}, true); cerr != nil {
		return cerr
	}

	if err := t.hooks.BeforeATRAborted(ctx); err != nil {
		return classifyHookError(err)
	}

	t.lock.Lock()
	inserts, replaces, removes := t.stagedMutations.partition()
	t.lock.Unlock()

	ops, err := newATROpsBuilder(t.id).
		field(docstore.SubDocOpReplace, "st", jsonAtrStateAborted, docstore.SubdocFlagNone).
		casMacro(docstore.SubDocOpDictSet, "tsrs", docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictAdd, "p", 0, docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictSet, "ins", inserts, docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictSet, "rep", replaces, docstore.SubdocFlagNone).
		field(docstore.SubDocOpDictSet, "rem", removes, docstore.SubdocFlagNone).
		build()
	if err != nil {
		return classifyError(err)
	}

	if err := t.mutateATR(ctx, ops, docstore.SubdocDocFlagNone); err != nil {
		return classifyError(err)
	}

	if err := t.hooks.AfterATRAborted(ctx); err != nil {
		return classifyHookError(err)
	}

	return nil
}

func (t *transactionAttempt) resolveATRAbortConflict(ctx context.Context) *TransactionOperationFailedError {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.checkATRAborted(ctx)
		if cerr == nil {
			return nil
		}

		if t.isExpiryOvertimeAtomic() {
			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrAttemptExpired, "atr abort ambiguity resolution failed during overtime")),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		switch cerr.Class {
		case ErrorClassFailTransient:
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
		case ErrorClassFailPathNotFound, ErrorClassFailDocNotFound:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAtrNotFound),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		if err := t.backoffOrFail(ctx, backoff); err != nil {
			return err
		}
	}
}

func (t *transactionAttempt) checkATRAborted(ctx context.Context) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookATRAbort, []byte{}, true); cerr != nil {
		return cerr
	}

	st, err := t.lookupATRState(ctx)
	if err != nil {
		return classifyError(err)
	}

	switch st {
	case jsonAtrStateAborted:
		return nil
	case jsonAtrStateCommitted:
		return classifyError(
			errors.Wrap(ErrIllegalState, "transaction became committed during abort"))
	case jsonAtrStatePending:
		return classifyError(
			errors.Wrap(ErrIllegalState, "transaction still pending even with p set during abort"))
	case jsonAtrStateRolledBack:
		return classifyError(
			errors.Wrap(ErrIllegalState, "transaction already rolled back during abort"))
	default:
		return classifyError(
			errors.Wrap(ErrIllegalState, fmt.Sprintf("illegal transaction state during abort: %s", st)))
	}
}
