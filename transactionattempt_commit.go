package transactions

import (
	"context"
	"encoding/json"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Commit makes every staged mutation of the attempt visible.  A failure
// before the ATR entry reaches COMMITTED rolls the attempt back when that is
// still permitted.
func (t *transactionAttempt) Commit(ctx context.Context) error {
	err := t.commit(ctx)
	if err != nil {
		if t.ShouldRollback() {
			if !t.isExpiryOvertimeAtomic() {
				t.applyStateBits(transactionStateBitPreExpiryAutoRollback)
			}

			if rerr := t.rollback(ctx); rerr != nil {
				t.logger.Warn("implicit rollback after commit failure errored", zap.Error(rerr))
			}
		}

		t.ensureCleanUpRequest()
		return err
	}

	t.applyStateBits(transactionStateBitShouldNotRetry | transactionStateBitShouldNotRollback)
	t.ensureCleanUpRequest()
	return nil
}

func (t *transactionAttempt) commit(ctx context.Context) *TransactionOperationFailedError {
	t.lock.Lock()
	if err := t.checkCanCommitLocked(); err != nil {
		t.lock.Unlock()
		return err
	}
	t.finalizing = true
	t.lock.Unlock()

	if err := t.waitForOps(ctx); err != nil {
		return err
	}

	// An operation which was in flight when commit began may have doomed us.
	if t.hasStateBit(transactionStateBitShouldNotCommit) {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				errors.Wrap(ErrPreviousOperationFailed, "previous operation prevents commit")),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	t.applyStateBits(transactionStateBitShouldNotCommit)

	if t.queryStarted() {
		return t.queryCommit(ctx)
	}

	t.lock.Lock()
	if t.state == AttemptStateNothingWritten {
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()

	if cerr := t.checkExpiredAtomic(ctx, hookBeforeCommit, []byte{}, true); cerr != nil {
		return t.expiredFailure(cerr)
	}

	t.lock.Lock()
	t.state = AttemptStateCommitting
	t.lock.Unlock()

	if err := t.setATRCommittedExclusive(ctx); err != nil {
		t.lock.Lock()
		if err.shouldRaise == ErrorReasonTransactionFailedPostCommit {
			t.state = AttemptStateCommitted
		} else if err.shouldRaise != ErrorReasonTransactionCommitAmbiguous {
			t.state = AttemptStatePending
		}
		t.lock.Unlock()
		return err
	}

	t.lock.Lock()
	t.state = AttemptStateCommitted
	mutations := t.stagedMutations.all()
	t.lock.Unlock()

	// Every document is attempted even after a failure; the ATR entry stays
	// COMMITTED so that cleanup finishes whatever was left behind.
	var unstageErr *TransactionOperationFailedError
	for _, mutation := range mutations {
		if err := t.unstageMutation(ctx, mutation); err != nil {
			t.logger.Warn("unstaging failed, leaving document to cleanup",
				docField(mutation.Agent, mutation.ScopeName, mutation.CollectionName, mutation.Key),
				zap.Error(err))
			if unstageErr == nil {
				unstageErr = err
			}
		}
	}
	if unstageErr != nil {
		return unstageErr
	}

	if err := t.hooks.AfterDocsCommitted(ctx); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			CanStillCommit:    true,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailedPostCommit,
		})
	}

	if err := t.setATRCompletedExclusive(ctx); err != nil {
		return err
	}

	t.lock.Lock()
	t.state = AttemptStateCompleted
	t.lock.Unlock()

	return nil
}

type unstageMode int

const (
	unstageModeCas unstageMode = iota
	unstageModeForce
	unstageModeAdd
)

// unstageMutation writes a single staged mutation through to the committed
// document.
func (t *transactionAttempt) unstageMutation(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	if err := t.ensureStagedContent(ctx, mutation); err != nil {
		return err
	}

	postCommitFailure := func(cerr *classifiedError) *TransactionOperationFailedError {
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailedPostCommit,
		})
	}

	backoff := newAmbiguityBackoff()
	ambiguityResolution := false
	mode := unstageModeCas

	for {
		var cerr *classifiedError
		if mutation.OpType == StagedMutationRemove {
			cerr = t.writeUnstageRemove(ctx, mutation)
		} else {
			cerr = t.writeUnstageContent(ctx, mutation, mode)
		}
		if cerr == nil {
			return nil
		}

		if t.isExpiryOvertimeAtomic() {
			return postCommitFailure(classifyError(
				errors.Wrapf(ErrAttemptExpired, "unstaging %s failed during overtime: %s", mutation.OpType, cerr.Source)))
		}

		switch cerr.Class {
		case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch, ErrorClassFailDocNotFound:
			if t.unstagedElsewhere(ctx, mutation) {
				t.logger.Debug("document already unstaged by cleanup",
					docField(mutation.Agent, mutation.ScopeName, mutation.CollectionName, mutation.Key))
				return nil
			}
		}

		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			ambiguityResolution = true
		case ErrorClassFailTransient:
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
		case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
			if ambiguityResolution || mutation.OpType == StagedMutationRemove {
				return postCommitFailure(cerr)
			}
			mode = unstageModeForce
		case ErrorClassFailDocNotFound:
			if mutation.OpType == StagedMutationRemove {
				if ambiguityResolution {
					return nil
				}
				return postCommitFailure(cerr)
			}
			mode = unstageModeAdd
		default:
			return postCommitFailure(cerr)
		}

		if err := t.backoffOrFail(ctx, backoff); err != nil {
			return err
		}
	}
}

// unstagedElsewhere reports whether the document no longer carries this
// attempt's staged write, meaning cleanup has already unstaged it.
func (t *transactionAttempt) unstagedElsewhere(ctx context.Context, mutation *stagedMutation) bool {
	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := mutation.Agent.LookupIn(opCtx, &docstore.LookupInOptions{
		ScopeName:      mutation.ScopeName,
		CollectionName: mutation.CollectionName,
		Key:            mutation.Key,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  "txn.id.atmpt",
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
		Flags: docstore.SubdocDocFlagAccessDeleted,
	})
	if err != nil {
		return errors.Is(err, docstore.ErrDocumentNotFound) && mutation.OpType == StagedMutationRemove
	}

	if result.Ops[0].Err != nil {
		return errors.Is(result.Ops[0].Err, docstore.ErrPathNotFound)
	}

	var attemptID string
	if err := json.Unmarshal(result.Ops[0].Value, &attemptID); err != nil {
		return false
	}
	return attemptID != t.id
}

func (t *transactionAttempt) writeUnstageContent(
	ctx context.Context,
	mutation *stagedMutation,
	mode unstageMode,
) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookCommitDoc, mutation.Key, true); cerr != nil {
		t.setExpiryOvertimeAtomic()
	}

	if err := t.hooks.BeforeDocCommitted(ctx, mutation.Key); err != nil {
		return classifyHookError(err)
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	var err error
	if mode == unstageModeAdd {
		_, err = mutation.Agent.Add(opCtx, &docstore.AddOptions{
			ScopeName:       mutation.ScopeName,
			CollectionName:  mutation.CollectionName,
			Key:             mutation.Key,
			Value:           mutation.Staged,
			DurabilityLevel: t.docstoreDurability(),
		})
	} else {
		cas := mutation.Cas
		if mode == unstageModeForce {
			cas = 0
		}

		flags := docstore.SubdocDocFlagNone
		if mutation.IsTombstone {
			flags = docstore.SubdocDocFlagAccessDeleted | docstore.SubdocDocFlagReviveDocument
		}

		_, err = mutation.Agent.MutateIn(opCtx, &docstore.MutateInOptions{
			ScopeName:       mutation.ScopeName,
			CollectionName:  mutation.CollectionName,
			Key:             mutation.Key,
			Cas:             cas,
			Ops:             clearLinksOps(mutation.Staged),
			Flags:           flags,
			DurabilityLevel: t.docstoreDurability(),
		})
	}
	if err != nil {
		return classifyError(err)
	}

	if err := t.hooks.AfterDocCommitted(ctx, mutation.Key); err != nil {
		return classifyHookError(err)
	}

	return nil
}

func (t *transactionAttempt) writeUnstageRemove(ctx context.Context, mutation *stagedMutation) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookCommitDoc, mutation.Key, true); cerr != nil {
		t.setExpiryOvertimeAtomic()
	}

	if err := t.hooks.BeforeDocRemoved(ctx, mutation.Key); err != nil {
		return classifyHookError(err)
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	var err error
	if mutation.IsTombstone {
		// Already deleted, only the links need to go.
		_, err = mutation.Agent.MutateIn(opCtx, &docstore.MutateInOptions{
			ScopeName:       mutation.ScopeName,
			CollectionName:  mutation.CollectionName,
			Key:             mutation.Key,
			Ops:             clearLinksOps(nil),
			Flags:           docstore.SubdocDocFlagAccessDeleted,
			DurabilityLevel: t.docstoreDurability(),
		})
	} else {
		_, err = mutation.Agent.Delete(opCtx, &docstore.DeleteOptions{
			ScopeName:       mutation.ScopeName,
			CollectionName:  mutation.CollectionName,
			Key:             mutation.Key,
			DurabilityLevel: t.docstoreDurability(),
		})
	}
	if err != nil {
		return classifyError(err)
	}

	return nil
}

// clearLinksOps removes the txn xattr, tolerating its absence, and
// optionally replaces the body.
func clearLinksOps(body json.RawMessage) []docstore.SubDocOp {
	ops := []docstore.SubDocOp{
		{
			Op:    docstore.SubDocOpDictSet,
			Path:  "txn",
			Flags: docstore.SubdocFlagXattrPath,
			Value: []byte("null"),
		},
		{
			Op:    docstore.SubDocOpDelete,
			Path:  "txn",
			Flags: docstore.SubdocFlagXattrPath,
		},
	}

	if body != nil {
		ops = append(ops, docstore.SubDocOp{
			Op:    docstore.SubDocOpSetDoc,
			Path:  "",
			Value: body,
		})
	}

	return ops
}

// ensureStagedContent loads the staged body of mutations which were recorded
// without it, such as those of a resumed attempt.
func (t *transactionAttempt) ensureStagedContent(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	if mutation.OpType == StagedMutationRemove || mutation.Staged != nil {
		return nil
	}

	failed := func(cerr *classifiedError) *TransactionOperationFailedError {
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailedPostCommit,
		})
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := mutation.Agent.LookupIn(opCtx, &docstore.LookupInOptions{
		ScopeName:      mutation.ScopeName,
		CollectionName: mutation.CollectionName,
		Key:            mutation.Key,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  "txn.op.stgd",
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
		Flags: docstore.SubdocDocFlagAccessDeleted,
	})
	if err != nil {
		return failed(classifyError(err))
	}

	if result.Cas != mutation.Cas {
		return failed(classifyError(
			errors.Wrap(ErrCasMismatch, "document changed before its staged content could be read")))
	}

	if result.Ops[0].Err != nil {
		return failed(classifyError(result.Ops[0].Err))
	}

	t.lock.Lock()
	mutation.Staged = json.RawMessage(result.Ops[0].Value)
	t.lock.Unlock()

	return nil
}
