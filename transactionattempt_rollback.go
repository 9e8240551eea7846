package transactions

import (
	"context"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
)

// Rollback discards every staged mutation of the attempt.  An attempt which
// never wrote anything rolls back without touching an ATR.
func (t *transactionAttempt) Rollback(ctx context.Context) error {
	t.lock.Lock()
	if err := t.checkCanRollbackLocked(); err != nil {
		t.lock.Unlock()
		return err
	}
	t.finalizing = true
	t.lock.Unlock()

	if err := t.waitForOps(ctx); err != nil {
		return err
	}

	err := t.rollback(ctx)
	t.ensureCleanUpRequest()
	return asError(err)
}

func (t *transactionAttempt) rollback(ctx context.Context) *TransactionOperationFailedError {
	t.applyStateBits(transactionStateBitShouldNotCommit)

	if t.queryStarted() {
		return t.queryRollback(ctx)
	}

	t.lock.Lock()
	if t.state == AttemptStateNothingWritten {
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()

	if cerr := t.checkExpiredAtomic(ctx, hookATRAbort, []byte{}, true); cerr != nil {
		t.setExpiryOvertimeAtomic()
	}

	if err := t.setATRAbortedExclusive(ctx); err != nil {
		return err
	}

	t.lock.Lock()
	t.state = AttemptStateAborted
	mutations := t.stagedMutations.all()
	t.lock.Unlock()

	for _, mutation := range mutations {
		if err := t.rollbackMutation(ctx, mutation); err != nil {
			return err
		}
	}

	if err := t.setATRRolledBackExclusive(ctx); err != nil {
		return err
	}

	t.lock.Lock()
	t.state = AttemptStateRolledBack
	t.lock.Unlock()

	return nil
}

// rollbackMutation strips this attempt's links from a staged document.  A
// staged insert stays a tombstone, so it vanishes with its links.
func (t *transactionAttempt) rollbackMutation(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.writeRollbackMutation(ctx, mutation)
		if cerr == nil {
			return nil
		}

		if t.isExpiryOvertimeAtomic() {
			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrapf(ErrAttemptExpired, "rolling back %s failed during overtime: %s", mutation.OpType, cerr.Source)),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		switch cerr.Class {
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
		case ErrorClassFailPathNotFound, ErrorClassFailDocNotFound:
			// Already cleaned up by someone else.
			return nil
		case ErrorClassFailDocAlreadyExists:
			cerr.Class = ErrorClassFailCasMismatch
			fallthrough
		case ErrorClassFailCasMismatch, ErrorClassFailHard:
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

func (t *transactionAttempt) writeRollbackMutation(ctx context.Context, mutation *stagedMutation) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookRollbackDoc, mutation.Key, true); cerr != nil {
		return cerr
	}

	before, after := t.hooks.BeforeDocRolledBack, t.hooks.AfterRollbackReplaceOrRemove
	if mutation.OpType == StagedMutationInsert {
		before, after = t.hooks.BeforeRollbackDeleteInserted, t.hooks.AfterRollbackDeleteInserted
	}

	if err := before(ctx, mutation.Key); err != nil {
		return classifyHookError(err)
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	_, err := mutation.Agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       mutation.ScopeName,
		CollectionName:  mutation.CollectionName,
		Key:             mutation.Key,
		Cas:             mutation.Cas,
		Ops:             clearLinksOps(nil),
		Flags:           docstore.SubdocDocFlagAccessDeleted,
		DurabilityLevel: t.docstoreDurability(),
	})
	if err != nil {
		return classifyError(err)
	}

	if err := after(ctx, mutation.Key); err != nil {
		return classifyHookError(err)
	}

	return nil
}
