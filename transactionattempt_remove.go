package transactions

import (
	"context"

	"github.com/couchbaselabs/txnengine/docstore"
	pkgerrors "github.com/pkg/errors"
)

// Remove stages the removal of a document previously read in this
// transaction.  The document's CAS must still match opts.Document.Cas.
func (t *transactionAttempt) Remove(ctx context.Context, opts RemoveOptions) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	return t.doRemove(ctx, opts)
}

func (t *transactionAttempt) doRemove(ctx context.Context, opts RemoveOptions) (*GetResult, error) {
	if !t.beginKVOp() {
		return t.queryRemove(ctx, opts)
	}
	defer t.endKVOp()

	result, err := t.remove(ctx, opts)
	if err != nil {
		if !err.Rollback() {
			t.ensureCleanUpRequest()
		}
		return nil, err
	}

	return result, nil
}

func (t *transactionAttempt) remove(ctx context.Context, opts RemoveOptions) (*GetResult, *TransactionOperationFailedError) {
	doc := opts.Document
	agent := doc.agent
	scopeName := nonEmpty(doc.scopeName, defaultScopeName)
	collectionName := nonEmpty(doc.collectionName, defaultCollectionName)
	key := doc.key

	t.logger.Debug("performing remove", docField(agent, scopeName, collectionName, key))

	if cerr := t.checkExpiredAtomic(ctx, hookRemove, key, false); cerr != nil {
		return nil, t.expiredFailure(cerr)
	}

	existing := t.getStagedMutation(agent, scopeName, collectionName, key)
	if existing != nil {
		switch existing.OpType {
		case StagedMutationInsert:
			t.logger.Debug("staged insert exists on doc, removing the staging")
			return t.stageRemoveOfInsert(ctx, existing, doc.Cas)
		case StagedMutationReplace:
			// Turning a staged replace into a remove is allowed.
		case StagedMutationRemove:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					pkgerrors.Wrap(ErrDocumentNotFound, "attempted to remove a document previously removed in this transaction")),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.illegalState("unexpected staged mutation type")
		}
	}

	if err := t.writeWriteConflictPoll(
		ctx, forwardCompatStageWWCRemoving, agent, scopeName, collectionName, key, doc.Cas, doc.Links, existing,
	); err != nil {
		return nil, err
	}

	if err := t.confirmATRPending(ctx, agent, scopeName, collectionName, key); err != nil {
		return nil, err
	}

	isTombstone := doc.Links != nil && doc.Links.IsDeleted
	return t.stageRemove(ctx, agent, scopeName, collectionName, key, doc.Cas, isTombstone)
}

func (t *transactionAttempt) stageRemove(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	cas docstore.Cas,
	isTombstone bool,
) (*GetResult, *TransactionOperationFailedError) {
	backoff := newAmbiguityBackoff()

	for {
		result, cerr := t.writeStagedRemove(ctx, agent, scopeName, collectionName, key, cas, isTombstone)
		if cerr == nil {
			return result, nil
		}

		if cerr.Class == ErrorClassFailAmbiguous {
			if err := t.backoffOrFail(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}

		return nil, t.stagingFailed(cerr)
	}
}

func (t *transactionAttempt) writeStagedRemove(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	cas docstore.Cas,
	isTombstone bool,
) (*GetResult, *classifiedError) {
	if cerr := t.checkExpiredAtomic(ctx, hookRemove, key, false); cerr != nil {
		return nil, cerr
	}

	if err := t.hooks.BeforeStagedRemove(ctx, key); err != nil {
		return nil, classifyHookError(err)
	}

	txnMeta, err := t.stagingXattr(jsonMutationRemove, nil)
	if err != nil {
		return nil, classifyError(err)
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       scopeName,
		CollectionName:  collectionName,
		Key:             key,
		Cas:             cas,
		Ops:             stagingOps(docstore.SubDocOpDictSet, txnMeta, true),
		Flags:           docstore.SubdocDocFlagAccessDeleted,
		DurabilityLevel: t.docstoreDurability(),
	})
	if err != nil {
		return nil, classifyError(err)
	}

	if err := t.hooks.AfterStagedRemoveComplete(ctx, key); err != nil {
		return nil, classifyHookError(err)
	}

	staged := &stagedMutation{
		OpType:         StagedMutationRemove,
		Agent:          agent,
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            key,
		Cas:            result.Cas,
		IsTombstone:    isTombstone,
	}
	t.recordStagedMutation(staged)

	return t.stagedGetResult(staged), nil
}

// stageRemoveOfInsert undoes this attempt's own staged insert.  The staging
// tombstone loses its links and the mutation leaves the queue.
func (t *transactionAttempt) stageRemoveOfInsert(
	ctx context.Context,
	existing *stagedMutation,
	cas docstore.Cas,
) (*GetResult, *TransactionOperationFailedError) {
	backoff := newAmbiguityBackoff()

	for {
		cerr := t.removeInsertStaging(ctx, existing, cas)
		if cerr == nil {
			break
		}

		switch cerr.Class {
		case ErrorClassFailAmbiguous, ErrorClassFailTransient:
			if err := t.backoffOrFail(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
			return nil, t.expiredFailure(cerr)
		case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailHard:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	t.removeStagedMutation(existing.Agent, existing.ScopeName, existing.CollectionName, existing.Key)

	return &GetResult{
		agent:          existing.Agent,
		scopeName:      existing.ScopeName,
		collectionName: existing.CollectionName,
		key:            existing.Key,
	}, nil
}

func (t *transactionAttempt) removeInsertStaging(ctx context.Context, existing *stagedMutation, cas docstore.Cas) *classifiedError {
	if cerr := t.checkExpiredAtomic(ctx, hookRemoveStagedInsert, existing.Key, false); cerr != nil {
		return cerr
	}

	if err := t.hooks.BeforeRemoveStagedInsert(ctx, existing.Key); err != nil {
		return classifyHookError(err)
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	_, err := existing.Agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:      existing.ScopeName,
		CollectionName: existing.CollectionName,
		Key:            existing.Key,
		Cas:            cas,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpDelete,
				Path:  "txn",
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
		Flags:           docstore.SubdocDocFlagAccessDeleted,
		DurabilityLevel: t.docstoreDurability(),
	})
	if err != nil {
		return classifyError(err)
	}

	if err := t.hooks.AfterRemoveStagedInsert(ctx, existing.Key); err != nil {
		return classifyHookError(err)
	}

	return nil
}
