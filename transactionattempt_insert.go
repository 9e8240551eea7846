package transactions

import (
	"context"
	"encoding/json"

	"github.com/couchbaselabs/txnengine/docstore"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Insert stages the creation of a new document.  The document is created as
// a tombstone carrying the staged content, so it stays invisible to readers
// outside the transaction until commit.
func (t *transactionAttempt) Insert(ctx context.Context, opts InsertOptions) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	return t.doInsert(ctx, opts)
}

func (t *transactionAttempt) doInsert(ctx context.Context, opts InsertOptions) (*GetResult, error) {
	if !t.beginKVOp() {
		return t.queryInsert(ctx, opts)
	}
	defer t.endKVOp()

	result, err := t.insert(ctx, opts)
	if err != nil {
		if tErr, ok := err.(*TransactionOperationFailedError); ok && !tErr.Rollback() {
			t.ensureCleanUpRequest()
		}
		return nil, err
	}

	return result, nil
}

func (t *transactionAttempt) insert(ctx context.Context, opts InsertOptions) (*GetResult, error) {
	agent := opts.Agent
	scopeName := nonEmpty(opts.ScopeName, defaultScopeName)
	collectionName := nonEmpty(opts.CollectionName, defaultCollectionName)
	key := opts.Key

	t.logger.Debug("performing insert", docField(agent, scopeName, collectionName, key))

	if cerr := t.checkExpiredAtomic(ctx, hookInsert, key, false); cerr != nil {
		return nil, t.expiredFailure(cerr)
	}

	if existing := t.getStagedMutation(agent, scopeName, collectionName, key); existing != nil {
		switch existing.OpType {
		case StagedMutationRemove:
			t.logger.Debug("staged remove exists on doc, performing replace")
			result, err := t.stageReplace(ctx, agent, scopeName, collectionName, key, opts.Value, existing.Cas, existing.IsTombstone)
			return result, asError(err)
		case StagedMutationInsert, StagedMutationReplace:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(pkgerrors.Wrap(ErrDocumentAlreadyExists,
					"attempted to insert a document already written in this transaction")),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.illegalState("unexpected staged mutation type")
		}
	}

	if err := t.confirmATRPending(ctx, agent, scopeName, collectionName, key); err != nil {
		return nil, err
	}

	return t.stageInsert(ctx, agent, scopeName, collectionName, key, opts.Value, 0)
}

func (t *transactionAttempt) stageInsert(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	value json.RawMessage,
	cas docstore.Cas,
) (*GetResult, error) {
	backoff := newAmbiguityBackoff()

	for {
		result, cerr := t.writeStagedInsert(ctx, agent, scopeName, collectionName, key, value, cas)
		if cerr == nil {
			return result, nil
		}

		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			if err := t.backoffOrFail(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
			return nil, t.expiredFailure(cerr)
		case ErrorClassFailTransient:
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
		case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
			return t.resolveConflictedInsert(ctx, agent, scopeName, collectionName, key, value)
		default:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}
}

func (t *transactionAttempt) writeStagedInsert(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	value json.RawMessage,
	cas docstore.Cas,
) (*GetResult, *classifiedError) {
	if cerr := t.checkExpiredAtomic(ctx, hookInsert, key, false); cerr != nil {
		return nil, cerr
	}

	if err := t.hooks.BeforeStagedInsert(ctx, key); err != nil {
		return nil, classifyHookError(err)
	}

	txnMeta, err := t.stagingXattr(jsonMutationInsert, value)
	if err != nil {
		return nil, classifyError(err)
	}

	flags := docstore.SubdocDocFlagCreateAsDeleted | docstore.SubdocDocFlagAccessDeleted
	txnOp := docstore.SubDocOpDictSet
	if cas == 0 {
		flags |= docstore.SubdocDocFlagAddDoc
		txnOp = docstore.SubDocOpDictAdd
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       scopeName,
		CollectionName:  collectionName,
		Key:             key,
		Cas:             cas,
		Ops:             stagingOps(txnOp, txnMeta, false),
		Flags:           flags,
		DurabilityLevel: t.docstoreDurability(),
	})
	if err != nil {
		return nil, classifyError(err)
	}

	if err := t.hooks.AfterStagedInsertComplete(ctx, key); err != nil {
		return nil, classifyHookError(err)
	}

	staged := &stagedMutation{
		OpType:         StagedMutationInsert,
		Agent:          agent,
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            key,
		Cas:            result.Cas,
		Staged:         value,
		IsTombstone:    true,
	}
	t.recordStagedMutation(staged)

	return t.stagedGetResult(staged), nil
}

// resolveConflictedInsert handles an insert which found the key occupied,
// either by a committed document or by a staged insert of some attempt.
func (t *transactionAttempt) resolveConflictedInsert(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	value json.RawMessage,
) (*GetResult, error) {
	isTombstone, txnMeta, cas, tErr := t.getMetaForConflictedInsert(ctx, agent, scopeName, collectionName, key)
	if tErr != nil {
		return nil, tErr
	}

	if txnMeta == nil {
		if !isTombstone {
			// A committed document is an application level failure and does
			// not doom the attempt.
			return nil, pkgerrors.Wrapf(ErrDocumentAlreadyExists, "document %s already exists", key)
		}

		return t.stageInsert(ctx, agent, scopeName, collectionName, key, value, cas)
	}

	links := newTransactionLinks(txnMeta, isTombstone)

	if err := t.checkForwardCompatibility(ctx, forwardCompatStageWWCInsertingGet, links.ForwardCompat, false); err != nil {
		return nil, err
	}

	if txnMeta.Operation.Type != jsonMutationInsert {
		return nil, t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				pkgerrors.Wrap(ErrDocumentAlreadyExists, "found staged non-insert mutation")),
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	if links.StagedTransactionID == t.transactionID && links.StagedAttemptID == t.id {
		return t.stageInsert(ctx, agent, scopeName, collectionName, key, value, cas)
	}

	t.logger.Debug("insert blocked by a staged insert",
		docField(agent, scopeName, collectionName, key),
		zap.String("blockingAttemptId", links.StagedAttemptID))

	if err := t.writeWriteConflictPoll(
		ctx, forwardCompatStageWWCInserting, agent, scopeName, collectionName, key, cas, links, nil,
	); err != nil {
		return nil, err
	}

	cas, tErr = t.cleanupStagedInsert(ctx, agent, scopeName, collectionName, key, cas, isTombstone)
	if tErr != nil {
		return nil, tErr
	}

	return t.stageInsert(ctx, agent, scopeName, collectionName, key, value, cas)
}

func (t *transactionAttempt) getMetaForConflictedInsert(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
) (bool, *jsonTxnXattr, docstore.Cas, *TransactionOperationFailedError) {
	failed := func(cerr *classifiedError) (bool, *jsonTxnXattr, docstore.Cas, *TransactionOperationFailedError) {
		switch cerr.Class {
		case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound, ErrorClassFailTransient:
			return false, nil, 0, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return false, nil, 0, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	if err := t.hooks.BeforeGetDocInExistsDuringStagedInsert(ctx, key); err != nil {
		return failed(classifyHookError(err))
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := agent.LookupIn(opCtx, &docstore.LookupInOptions{
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            key,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  "txn",
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
		Flags: docstore.SubdocDocFlagAccessDeleted,
	})
	if err != nil {
		return failed(classifyError(err))
	}

	var txnMeta *jsonTxnXattr
	if result.Ops[0].Err == nil {
		var txnMetaVal jsonTxnXattr
		if err := json.Unmarshal(result.Ops[0].Value, &txnMetaVal); err != nil {
			return failed(classifyError(err))
		}
		txnMeta = &txnMetaVal
	}

	return result.Deleted, txnMeta, result.Cas, nil
}

// cleanupStagedInsert clears the way for restaging over a foreign staged
// insert.  A staged insert is normally a tombstone already.
func (t *transactionAttempt) cleanupStagedInsert(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	cas docstore.Cas,
	isTombstone bool,
) (docstore.Cas, *TransactionOperationFailedError) {
	if isTombstone {
		return cas, nil
	}

	failed := func(cerr *classifiedError) (docstore.Cas, *TransactionOperationFailedError) {
		switch cerr.Class {
		case ErrorClassFailDocNotFound, ErrorClassFailCasMismatch, ErrorClassFailTransient:
			return 0, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return 0, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	if err := t.hooks.BeforeRemovingDocDuringStagedInsert(ctx, key); err != nil {
		return failed(classifyHookError(err))
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := agent.Delete(opCtx, &docstore.DeleteOptions{
		ScopeName:       scopeName,
		CollectionName:  collectionName,
		Key:             key,
		Cas:             cas,
		DurabilityLevel: t.docstoreDurability(),
	})
	if err != nil {
		return failed(classifyError(err))
	}

	return result.Cas, nil
}
