package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	hookATRCommit                    = "atrCommit"
	hookATRCommitAmbiguityResolution = "atrCommitAmbiguityResolution"
	hookATRAbort                     = "atrAbort"
	hookATRRollback                  = "atrRollbackComplete"
	hookATRPending                   = "atrPending"
	hookATRComplete                  = "atrComplete"
	hookGet                          = "get"
	hookInsert                       = "insert"
	hookReplace                      = "replace"
	hookRemove                       = "remove"
	hookQuery                        = "query"
	hookQueryBeginWork               = "queryBeginWork"
	hookGetMulti                     = "getMulti"
	hookCommitDoc                    = "commitDoc"
	hookRollbackDoc                  = "rollbackDoc"
	hookDeleteInserted               = "deleteInserted"
	hookRemoveDoc                    = "removeDoc"
	hookWWC                          = "writeWriteConflict"
	hookCreateStagedInsert           = "createdStagedInsert"
	hookRemoveStagedInsert           = "removeStagedInsert"
	hookBeforeCommit                 = "commit"
)

var errStillBlocked = errors.New("document is still staged by another attempt")

// newAmbiguityBackoff paces retries of writes whose outcome was unknown.
func newAmbiguityBackoff() retry.Backoff {
	return retry.WithCappedDuration(100*time.Millisecond, retry.NewExponential(3*time.Millisecond))
}

// newWriteWriteConflictBackoff paces polling of an ATR entry which blocks a
// staging write.  The caller also bounds it by the attempt deadline.
func newWriteWriteConflictBackoff() retry.Backoff {
	b := retry.NewExponential(50 * time.Millisecond)
	b = retry.WithCappedDuration(500*time.Millisecond, b)
	return retry.WithMaxDuration(1*time.Second, b)
}

// waitBackoff sleeps for the next interval of b.  Returns false when the
// backoff is exhausted or ctx is done.
func waitBackoff(ctx context.Context, b retry.Backoff) bool {
	next, stop := b.Next()
	if stop {
		return false
	}
	return sleepCtx(ctx, next) == nil
}

func transactionHasExpired(expiryTime time.Time) bool {
	return time.Now().After(expiryTime)
}

// beginOp registers an operation against the attempt, failing when the
// attempt can no longer accept operations.
func (t *transactionAttempt) beginOp() *TransactionOperationFailedError {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkCanPerformOpLocked(); err != nil {
		return err
	}

	t.ops.Add()
	return nil
}

func (t *transactionAttempt) endOp() {
	t.ops.Done()
}

// beginKVOp registers a KV operation, returning false instead when the
// attempt has switched to query mode and the operation belongs to the query
// service.
func (t *transactionAttempt) beginKVOp() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.queryMode {
		return false
	}
	t.kvOps.Add()
	return true
}

func (t *transactionAttempt) endKVOp() {
	t.kvOps.Done()
}

// waitForOps blocks until every operation dispatched against the attempt has
// finished.
func (t *transactionAttempt) waitForOps(ctx context.Context) *TransactionOperationFailedError {
	if err := t.ops.Wait(ctx); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}
	return nil
}

func (t *transactionAttempt) illegalState(msg string) *TransactionOperationFailedError {
	return t.operationFailed(operationFailedDef{
		Cerr:              classifyError(pkgerrors.Wrap(ErrIllegalState, msg)),
		ShouldNotRetry:    true,
		ShouldNotRollback: true,
		Reason:            ErrorReasonTransactionFailed,
	})
}

func (t *transactionAttempt) checkCanPerformOpLocked() *TransactionOperationFailedError {
	if t.finalizing {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyError(ErrOperationConflict),
			CanStillCommit:    true,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	switch t.state {
	case AttemptStateNothingWritten, AttemptStatePending:
		// Good to continue
	case AttemptStateCommitting:
		return t.illegalState("transaction is ambiguously committed")
	case AttemptStateCommitted, AttemptStateCompleted:
		return t.illegalState("transaction already committed")
	case AttemptStateAborted, AttemptStateRolledBack:
		return t.illegalState("transaction already aborted")
	default:
		return t.illegalState(fmt.Sprintf("invalid transaction state: %v", t.state))
	}

	if t.hasStateBit(transactionStateBitShouldNotCommit) {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				pkgerrors.Wrap(ErrPreviousOperationFailed, "previous operation prevents further operations")),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

func (t *transactionAttempt) checkCanCommitRollbackLocked() *TransactionOperationFailedError {
	if t.finalizing {
		return t.illegalState("commit or rollback already in progress")
	}

	switch t.state {
	case AttemptStateNothingWritten, AttemptStatePending:
		// Good to continue
	case AttemptStateCommitting:
		return t.illegalState("transaction is ambiguously committed")
	case AttemptStateCommitted, AttemptStateCompleted:
		return t.illegalState("transaction already committed")
	case AttemptStateAborted, AttemptStateRolledBack:
		return t.illegalState("transaction already aborted")
	default:
		return t.illegalState(fmt.Sprintf("invalid transaction state: %v", t.state))
	}

	return nil
}

func (t *transactionAttempt) checkCanCommitLocked() *TransactionOperationFailedError {
	if err := t.checkCanCommitRollbackLocked(); err != nil {
		return err
	}

	if t.hasStateBit(transactionStateBitShouldNotCommit) {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				pkgerrors.Wrap(ErrPreviousOperationFailed, "previous operation prevents commit")),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

func (t *transactionAttempt) checkCanRollbackLocked() *TransactionOperationFailedError {
	if err := t.checkCanCommitRollbackLocked(); err != nil {
		return err
	}

	if t.hasStateBit(transactionStateBitShouldNotRollback) {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				pkgerrors.Wrap(ErrPreviousOperationFailed, "previous operation prevents rollback")),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

func (t *transactionAttempt) setExpiryOvertimeAtomic() {
	t.logger.Info("entering expiry overtime")

	t.applyStateBits(transactionStateBitHasExpired)
}

func (t *transactionAttempt) isExpiryOvertimeAtomic() bool {
	return t.hasStateBit(transactionStateBitHasExpired)
}

func (t *transactionAttempt) checkExpiredAtomic(ctx context.Context, stage string, id []byte, proceedInOvertime bool) *classifiedError {
	if proceedInOvertime && t.isExpiryOvertimeAtomic() {
		return nil
	}

	expired, err := t.hooks.HasExpiredClientSideHook(ctx, stage, id)
	if err != nil {
		return classifyError(pkgerrors.Wrap(err, "HasExpired hook returned an unexpected error"))
	}

	if expired {
		return classifyError(pkgerrors.Wrap(ErrAttemptExpired, "a hook has marked this attempt expired"))
	} else if transactionHasExpired(t.expiryTime) {
		return classifyError(pkgerrors.Wrap(ErrAttemptExpired, "the expiry for the attempt was reached"))
	}

	return nil
}

func (t *transactionAttempt) expiredFailure(cerr *classifiedError) *TransactionOperationFailedError {
	return t.operationFailed(operationFailedDef{
		Cerr:              cerr,
		ShouldNotRetry:    true,
		ShouldNotRollback: false,
		Reason:            ErrorReasonTransactionExpired,
	})
}

// confirmATRPending makes sure the attempt's ATR entry exists, writing it on
// the first mutation.  Concurrent first mutations wait for the one which
// performs the write.
func (t *transactionAttempt) confirmATRPending(
	ctx context.Context,
	firstAgent docstore.Agent,
	firstScopeName string,
	firstCollectionName string,
	firstKey []byte,
) *TransactionOperationFailedError {
	t.lock.Lock()

	for {
		if t.state != AttemptStateNothingWritten {
			t.lock.Unlock()
			return nil
		}

		otherAtrWaitCh := t.atrWaitCh
		if otherAtrWaitCh == nil {
			break
		}

		t.lock.Unlock()

		select {
		case <-otherAtrWaitCh:
		case <-ctx.Done():
			return t.contextFailed(ctx.Err())
		}

		t.lock.Lock()
	}

	atrWaitCh := make(chan struct{})
	t.atrWaitCh = atrWaitCh

	t.lock.Unlock()

	finish := func(newState AttemptState) {
		t.lock.Lock()
		if newState != AttemptStateUnknown {
			t.state = newState
		}
		t.atrWaitCh = nil
		t.lock.Unlock()
		close(atrWaitCh)
	}

	if err := t.selectAtrExclusive(ctx, firstAgent, firstScopeName, firstCollectionName, firstKey); err != nil {
		finish(AttemptStateUnknown)
		return err
	}

	if err := t.setATRPendingExclusive(ctx); err != nil {
		finish(AttemptStateUnknown)
		return err
	}

	finish(AttemptStatePending)

	if t.lostCleanup != nil {
		t.lostCleanup.AddATRLocation(LostATRLocation{
			BucketName:     t.atrAgent.BucketName(),
			ScopeName:      t.atrScopeName,
			CollectionName: t.atrCollectionName,
		})
	}

	return nil
}

func (t *transactionAttempt) getStagedMutation(
	agent docstore.Agent, scopeName, collectionName string, key []byte,
) *stagedMutation {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, mutation := t.stagedMutations.find(agent, scopeName, collectionName, key)
	return mutation
}

func (t *transactionAttempt) removeStagedMutation(
	agent docstore.Agent, scopeName, collectionName string, key []byte,
) {
	t.lock.Lock()
	t.stagedMutations.remove(agent, scopeName, collectionName, key)
	t.lock.Unlock()
}

func (t *transactionAttempt) recordStagedMutation(mutation *stagedMutation) {
	t.lock.Lock()
	t.stagedMutations.record(mutation)
	t.lock.Unlock()
}

func (t *transactionAttempt) checkForwardCompatibility(
	ctx context.Context,
	stage forwardCompatStage,
	fc map[string][]ForwardCompatibilityEntry,
	forceNonFatal bool,
) *TransactionOperationFailedError {
	shouldRetry, err := checkForwardCompatibility(ctx, stage, fc)
	if err == nil {
		return nil
	}

	t.logger.Debug("forward compatibility check failed",
		zap.String("stage", string(stage)),
		zap.Bool("shouldRetry", shouldRetry),
		zap.Error(err))

	return t.operationFailed(operationFailedDef{
		Cerr:              classifyError(err),
		CanStillCommit:    forceNonFatal,
		ShouldNotRetry:    !shouldRetry,
		ShouldNotRollback: false,
		Reason:            ErrorReasonTransactionFailed,
	})
}

// getTxnState reads the ATR entry of the attempt which staged a document.
// A missing ATR or entry is reported as a nil entry.
func (t *transactionAttempt) getTxnState(
	ctx context.Context,
	srcBucketName string,
	srcScopeName string,
	srcCollectionName string,
	srcDocID []byte,
	atrBucketName string,
	atrScopeName string,
	atrCollectionName string,
	atrDocID string,
	attemptID string,
	forceNonFatal bool,
) (*ATREntry, *TransactionOperationFailedError) {
	ecCb := func(cerr *classifiedError) *TransactionOperationFailedError {
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: &writeWriteConflictError{
					Source:         cerr.Source,
					BucketName:     srcBucketName,
					ScopeName:      srcScopeName,
					CollectionName: srcCollectionName,
					DocumentKey:    srcDocID,
				},
				Class: ErrorClassFailWriteWriteConflict,
			},
			CanStillCommit:    forceNonFatal,
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	atrAgent, err := t.bucketAgentProvider(atrBucketName)
	if err != nil {
		return nil, ecCb(classifyError(err))
	}

	if err := t.hooks.BeforeCheckATREntryForBlockingDoc(ctx, []byte(atrDocID)); err != nil {
		return nil, ecCb(classifyHookError(err))
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	entry, err := atrEntryLookup(opCtx, atrAgent,
		nonEmpty(atrScopeName, defaultScopeName),
		nonEmpty(atrCollectionName, defaultCollectionName),
		[]byte(atrDocID), attemptID)
	if err != nil {
		return nil, ecCb(classifyError(err))
	}

	if entry == nil {
		t.logger.Debug("atr entry not found",
			zap.String("atr", atrDocID),
			zap.String("blockingAttemptId", attemptID))
	}

	return entry, nil
}

// writeWriteConflictPoll waits for the attempt which staged a document to
// reach a state where this attempt may overwrite the staging.
func (t *transactionAttempt) writeWriteConflictPoll(
	ctx context.Context,
	stage forwardCompatStage,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	cas docstore.Cas,
	meta *TransactionLinks,
	existingMutation *stagedMutation,
) *TransactionOperationFailedError {
	if !meta.HasStagedWrite() {
		return nil
	}

	if meta.StagedTransactionID == t.transactionID {
		if meta.StagedAttemptID == t.id {
			if existingMutation != nil {
				if cas != existingMutation.Cas {
					return t.operationFailed(operationFailedDef{
						Cerr: &classifiedError{
							Source: pkgerrors.Wrap(ErrCasMismatch, "cas mismatch occured against local staged mutation"),
							Class:  ErrorClassFailCasMismatch,
						},
						ShouldNotRetry:    false,
						ShouldNotRollback: false,
						Reason:            ErrorReasonTransactionFailed,
					})
				}

				return nil
			}

			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					pkgerrors.Wrap(ErrIllegalState, "attempted to overwrite local staged mutation but couldn't find it")),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		// An earlier attempt of this same transaction, which can no longer commit.
		return nil
	}

	if !meta.IsDocumentInTransaction() {
		return nil
	}

	pollCtx := ctx
	if !t.isExpiryOvertimeAtomic() {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithDeadline(ctx, t.expiryTime)
		defer cancel()
	}

	err := retry.Do(pollCtx, newWriteWriteConflictBackoff(), func(ctx context.Context) error {
		if err := t.checkForwardCompatibility(ctx, stage, meta.ForwardCompat, false); err != nil {
			return err
		}

		if cerr := t.checkExpiredAtomic(ctx, hookWWC, key, false); cerr != nil {
			return t.expiredFailure(cerr)
		}

		entry, err := t.getTxnState(
			ctx,
			agent.BucketName(),
			scopeName,
			collectionName,
			key,
			meta.AtrBucketName,
			meta.AtrScopeName,
			meta.AtrCollectionName,
			meta.AtrID,
			meta.StagedAttemptID,
			false)
		if err != nil {
			return err
		}

		if entry == nil {
			t.logger.Debug("atr entry missing, completing write-write conflict poll")
			return nil
		}

		if entry.State.IsTerminal() {
			t.logger.Debug("blocking attempt finished, completing write-write conflict poll",
				zap.Stringer("state", entry.State))
			return nil
		}

		if entry.HasExpired(0) {
			if entry.State != AttemptStateCommitted {
				t.logger.Debug("blocking attempt expired, overwriting its staging",
					zap.String("blockingAttemptId", entry.AttemptID),
					zap.Stringer("state", entry.State))
				return nil
			}

			// A committed attempt must be rolled forward before its staging
			// can be overwritten.
			t.cleaner.AddRequest(cleanupRequestFromEntry(meta, entry))
		}

		return retry.RetryableError(errStillBlocked)
	})
	if err == nil {
		return nil
	}

	var tErr *TransactionOperationFailedError
	if errors.As(err, &tErr) {
		return tErr
	}

	if cerr := t.checkExpiredAtomic(ctx, hookWWC, key, false); cerr != nil {
		return t.expiredFailure(cerr)
	}

	return t.operationFailed(operationFailedDef{
		Cerr: &classifiedError{
			Source: &writeWriteConflictError{
				Source: fmt.Errorf(
					"write write conflict was not resolved on %s.%s.%s.%s: %w",
					meta.AtrBucketName,
					meta.AtrScopeName,
					meta.AtrCollectionName,
					meta.AtrID,
					err),
				BucketName:     agent.BucketName(),
				ScopeName:      scopeName,
				CollectionName: collectionName,
				DocumentKey:    key,
			},
			Class: ErrorClassFailWriteWriteConflict,
		},
		ShouldNotRetry:    false,
		ShouldNotRollback: false,
		Reason:            ErrorReasonTransactionFailed,
	})
}

// fetchDocWithMeta reads a document body together with its transaction
// metadata, including tombstones.
func (t *transactionAttempt) fetchDocWithMeta(
	ctx context.Context,
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
) (*transactionGetDoc, error) {
	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	result, err := agent.LookupIn(opCtx, &docstore.LookupInOptions{
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            key,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  docstore.VirtualXattrDocument,
				Flags: docstore.SubdocFlagXattrPath,
			},
			{
				Op:    docstore.SubDocOpGet,
				Path:  "txn",
				Flags: docstore.SubdocFlagXattrPath,
			},
			{
				Op:    docstore.SubDocOpGetDoc,
				Path:  "",
				Flags: 0,
			},
		},
		Flags: docstore.SubdocDocFlagAccessDeleted,
	})
	if err != nil {
		return nil, err
	}

	var docMeta *docstore.DocumentMeta
	if result.Ops[0].Err == nil {
		if err := json.Unmarshal(result.Ops[0].Value, &docMeta); err != nil {
			return nil, err
		}
	}

	var txnMeta *jsonTxnXattr
	if result.Ops[1].Err == nil {
		var txnMetaVal jsonTxnXattr
		if err := json.Unmarshal(result.Ops[1].Value, &txnMetaVal); err != nil {
			return nil, err
		}
		txnMeta = &txnMetaVal
	}

	if txnMeta == nil && result.Deleted {
		return nil, docstore.ErrDocumentNotFound
	}

	return &transactionGetDoc{
		Body:    result.Ops[2].Value,
		TxnMeta: txnMeta,
		DocMeta: docMeta,
		Cas:     result.Cas,
		Deleted: result.Deleted,
	}, nil
}

// ensureCleanUpRequest hands an unfinished attempt to the cleaner.
func (t *transactionAttempt) ensureCleanUpRequest() {
	t.lock.Lock()

	if t.state == AttemptStateNothingWritten || t.state.IsTerminal() || t.hasCleanupRequest || t.atrAgent == nil ||
		t.queryTxID != "" {
		t.lock.Unlock()
		return
	}

	t.hasCleanupRequest = true

	var inserts, replaces, removes []DocRecord
	for _, staged := range t.stagedMutations.all() {
		dr := DocRecord{
			BucketName:     staged.Agent.BucketName(),
			ScopeName:      staged.ScopeName,
			CollectionName: staged.CollectionName,
			ID:             staged.Key,
		}

		switch staged.OpType {
		case StagedMutationInsert:
			inserts = append(inserts, dr)
		case StagedMutationReplace:
			replaces = append(replaces, dr)
		case StagedMutationRemove:
			removes = append(removes, dr)
		}
	}

	cleanupState := t.state
	if cleanupState == AttemptStateCommitting {
		cleanupState = AttemptStatePending
	}

	req := &CleanupRequest{
		AttemptID:         t.id,
		AtrID:             t.atrKey,
		AtrBucketName:     t.atrAgent.BucketName(),
		AtrScopeName:      t.atrScopeName,
		AtrCollectionName: t.atrCollectionName,
		Inserts:           inserts,
		Replaces:          replaces,
		Removes:           removes,
		State:             cleanupState,
		DurabilityLevel:   t.durabilityLevel,
		TxnStartTime:      t.txnStartTime,
		ReadyTime:         time.Now(),
		CheckIfExpired:    cleanupState == AttemptStatePending,
	}
	if req.CheckIfExpired {
		req.ReadyTime = t.expiryTime.Add(cleanupSafetyMarginMs * time.Millisecond)
	}

	t.lock.Unlock()

	t.logger.Debug("adding cleanup request",
		docField(t.atrAgent, t.atrScopeName, t.atrCollectionName, t.atrKey),
		zap.Stringer("state", cleanupState))

	t.cleaner.AddRequest(req)
}

// stagingXattr builds the txn extended attribute written when staging a
// mutation of the given type.
func (t *transactionAttempt) stagingXattr(opType jsonMutationType, staged json.RawMessage) ([]byte, error) {
	var txnMeta jsonTxnXattr
	txnMeta.ID.Transaction = t.transactionID
	txnMeta.ID.Attempt = t.id
	txnMeta.ID.Operation = uuid.New().String()
	txnMeta.ATR.BucketName = t.atrAgent.BucketName()
	txnMeta.ATR.ScopeName = t.atrScopeName
	txnMeta.ATR.CollectionName = t.atrCollectionName
	txnMeta.ATR.DocID = string(t.atrKey)
	txnMeta.Operation.Type = opType
	txnMeta.Operation.Staged = staged

	return json.Marshal(txnMeta)
}

// stagingOps returns the sub-document ops which write txnMeta, optionally
// capturing the document's current metadata for restoring on rollback.
func stagingOps(txnOp docstore.SubDocOpType, txnMeta []byte, captureRestore bool) []docstore.SubDocOp {
	ops := []docstore.SubDocOp{
		{
			Op:    txnOp,
			Path:  "txn",
			Flags: docstore.SubdocFlagMkDirP | docstore.SubdocFlagXattrPath,
			Value: txnMeta,
		},
		{
			Op:    docstore.SubDocOpDictSet,
			Path:  "txn.op.crc32",
			Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagExpandMacros,
			Value: []byte(docstore.MacroValueCrc32c),
		},
	}

	if !captureRestore {
		return ops
	}

	macroOp := func(path, macro string) docstore.SubDocOp {
		return docstore.SubDocOp{
			Op:    docstore.SubDocOpDictSet,
			Path:  path,
			Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagMkDirP | docstore.SubdocFlagExpandMacros,
			Value: []byte(macro),
		}
	}

	return append(ops,
		macroOp("txn.restore.CAS", docstore.MacroDocumentCas),
		macroOp("txn.restore.exptime", docstore.MacroDocumentExp),
		macroOp("txn.restore.revid", docstore.MacroDocumentRevID))
}

// stagingFailed classifies a failed staging write of a replace or remove.
func (t *transactionAttempt) stagingFailed(cerr *classifiedError) *TransactionOperationFailedError {
	switch cerr.Class {
	case ErrorClassFailExpiry:
		t.setExpiryOvertimeAtomic()
		return t.expiredFailure(cerr)
	case ErrorClassFailDocNotFound, ErrorClassFailCasMismatch, ErrorClassFailTransient:
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
