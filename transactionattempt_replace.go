package transactions

import (
	"context"
	"encoding/json"

	"github.com/couchbaselabs/txnengine/docstore"
	pkgerrors "github.com/pkg/errors"
)

// Replace stages new content for a document previously read in this
// transaction.  The document's CAS must still match opts.Document.Cas.
func (t *transactionAttempt) Replace(ctx context.Context, opts ReplaceOptions) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	return t.doReplace(ctx, opts)
}

func (t *transactionAttempt) doReplace(ctx context.Context, opts ReplaceOptions) (*GetResult, error) {
	if !t.beginKVOp() {
		return t.queryReplace(ctx, opts)
	}
	defer t.endKVOp()

	result, err := t.replace(ctx, opts)
	if err != nil {
		if !err.Rollback() {
			t.ensureCleanUpRequest()
		}
		return nil, err
	}

	return result, nil
}

func (t *transactionAttempt) replace(ctx context.Context, opts ReplaceOptions) (*GetResult, *TransactionOperationFailedError) {
	doc := opts.Document
	agent := doc.agent
	scopeName := nonEmpty(doc.scopeName, defaultScopeName)
	collectionName := nonEmpty(doc.collectionName, defaultCollectionName)
	key := doc.key

	t.logger.Debug("performing replace", docField(agent, scopeName, collectionName, key))

	if cerr := t.checkExpiredAtomic(ctx, hookReplace, key, false); cerr != nil {
		return nil, t.expiredFailure(cerr)
	}

	existing := t.getStagedMutation(agent, scopeName, collectionName, key)
	if existing != nil {
		switch existing.OpType {
		case StagedMutationInsert:
			t.logger.Debug("staged insert exists on doc, restaging insert")
			result, err := t.stageInsert(ctx, agent, scopeName, collectionName, key, opts.Value, doc.Cas)
			if err != nil {
				if tErr, ok := err.(*TransactionOperationFailedError); ok {
					return nil, tErr
				}
				return nil, t.operationFailed(operationFailedDef{
					Cerr:              classifyError(err),
					ShouldNotRetry:    true,
					ShouldNotRollback: false,
					Reason:            ErrorReasonTransactionFailed,
				})
			}
			return result, nil
		case StagedMutationReplace:
			// Restaging is fine, a stale CAS is caught by the conflict check.
		case StagedMutationRemove:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					pkgerrors.Wrap(ErrDocumentNotFound, "attempted to replace a document previously removed in this transaction")),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.illegalState("unexpected staged mutation type")
		}
	}

	if err := t.writeWriteConflictPoll(
		ctx, forwardCompatStageWWCReplacing, agent, scopeName, collectionName, key, doc.Cas, doc.Links, existing,
	); err != nil {
		return nil, err
	}

	if err := t.confirmATRPending(ctx, agent, scopeName, collectionName, key); err != nil {
		return nil, err
	}

	isTombstone := doc.Links != nil && doc.Links.IsDeleted
	return t.stageReplace(ctx, agent, scopeName, collectionName, key, opts.Value, doc.Cas, isTombstone)
}

func (t *transactionAttempt) stageReplace(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	value json.RawMessage,
	cas docstore.Cas,
	isTombstone bool,
) (*GetResult, *TransactionOperationFailedError) {
	backoff := newAmbiguityBackoff()

	for {
		result, cerr := t.writeStagedReplace(ctx, agent, scopeName, collectionName, key, value, cas, isTombstone)
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

func (t *transactionAttempt) writeStagedReplace(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	value json.RawMessage,
	cas docstore.Cas,
	isTombstone bool,
) (*GetResult, *classifiedError) {
	if cerr := t.checkExpiredAtomic(ctx, hookReplace, key, false); cerr != nil {
		return nil, cerr
	}

	if err := t.hooks.BeforeStagedReplace(ctx, key); err != nil {
		return nil, classifyHookError(err)
	}

	txnMeta, err := t.stagingXattr(jsonMutationReplace, value)
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

	if err := t.hooks.AfterStagedReplaceComplete(ctx, key); err != nil {
		return nil, classifyHookError(err)
	}

	staged := &stagedMutation{
		OpType:         StagedMutationReplace,
		Agent:          agent,
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            key,
		Cas:            result.Cas,
		Staged:         value,
		IsTombstone:    isTombstone,
	}
	t.recordStagedMutation(staged)

	return t.stagedGetResult(staged), nil
}
