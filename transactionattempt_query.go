package transactions

import (
	"context"
	"encoding/json"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const queryBeginWork = "BEGIN WORK"

// Query runs a statement through the agent's query service on behalf of
// this attempt.  The first statement hands the attempt to the query service
// with BEGIN WORK; from then on every operation of the attempt goes through
// that query transaction.
func (t *transactionAttempt) Query(ctx context.Context, statement string, opts QueryOptions) (*QueryResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	result, err := t.query(ctx, statement, opts)
	if err != nil {
		if !err.Rollback() {
			t.ensureCleanUpRequest()
		}
		return nil, err
	}

	return result, nil
}

func (t *transactionAttempt) query(ctx context.Context, statement string, opts QueryOptions) (*QueryResult, *TransactionOperationFailedError) {
	if cerr := t.checkExpiredAtomic(ctx, hookQuery, nil, false); cerr != nil {
		return nil, t.expiredFailure(cerr)
	}

	queryAgent, ok := opts.Agent.(docstore.QueryAgent)
	if !ok {
		return nil, t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				errors.Wrap(docstore.ErrFeatureNotAvailable, "agent does not support queries")),
			CanStillCommit:    true,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	if err := t.beginQueryMode(ctx, queryAgent); err != nil {
		return nil, err
	}

	t.queryLock.Lock()
	defer t.queryLock.Unlock()

	if err := t.hooks.BeforeQuery(ctx, statement); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	t.logger.Debug("running query", zap.String("statement", statement), zap.Bool("readOnly", opts.ReadOnly))

	result, err := t.runQueryLocked(ctx, queryAgent, &docstore.QueryOptions{
		Statement: statement,
		Args:      opts.Args,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return nil, t.queryFailure(classifyError(err))
	}

	if err := t.hooks.AfterQuery(ctx, statement); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return &QueryResult{
		Rows:     result.Rows,
		MetaData: result.MetaData,
	}, nil
}

// beginQueryMode opens the query transaction the first time a statement
// runs.  KV operations still in flight finish first so that the attempt sent
// as txdata lists every staged mutation.
func (t *transactionAttempt) beginQueryMode(ctx context.Context, agent docstore.QueryAgent) *TransactionOperationFailedError {
	t.queryLock.Lock()
	defer t.queryLock.Unlock()

	t.lock.Lock()
	if t.queryTxID != "" {
		t.lock.Unlock()
		return nil
	}
	t.queryMode = true
	t.lock.Unlock()

	if err := t.kvOps.Wait(ctx); err != nil {
		t.leaveQueryMode()
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	t.lock.Lock()
	txData, err := json.Marshal(t.toJSONObjectLocked())
	numMutations := t.stagedMutations.len()
	t.lock.Unlock()
	if err != nil {
		t.leaveQueryMode()
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	// Nothing can be rolled back through a query transaction that never began.
	if err := t.hooks.BeforeQuery(ctx, queryBeginWork); err != nil {
		t.leaveQueryMode()
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	t.logger.Debug("beginning query transaction", zap.Int("numMutations", numMutations))

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	_, err = agent.Query(opCtx, &docstore.QueryOptions{
		Statement: queryBeginWork,
		TxData:    txData,
		TxTimeout: t.timeRemaining(),
	})
	if err != nil {
		t.leaveQueryMode()
		return t.queryFailure(classifyError(err))
	}

	t.lock.Lock()
	t.queryTxID = t.id
	t.queryAgent = agent
	t.lock.Unlock()

	if err := t.hooks.AfterQuery(ctx, queryBeginWork); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	if cerr := t.checkExpiredAtomic(ctx, hookQueryBeginWork, nil, false); cerr != nil {
		return t.expiredFailure(cerr)
	}

	return nil
}

// leaveQueryMode returns an attempt whose BEGIN WORK failed to KV mode.
func (t *transactionAttempt) leaveQueryMode() {
	t.lock.Lock()
	t.queryMode = false
	t.lock.Unlock()
}

func (t *transactionAttempt) queryStarted() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.queryTxID != ""
}

// runQueryLocked sends a statement as part of the query transaction.  The
// caller holds queryLock.
func (t *transactionAttempt) runQueryLocked(
	ctx context.Context,
	agent docstore.QueryAgent,
	opts *docstore.QueryOptions,
) (*docstore.QueryResult, error) {
	t.lock.Lock()
	opts.TxID = t.queryTxID
	t.lock.Unlock()

	if opts.TxID == "" {
		return nil, errors.Wrap(docstore.ErrFeatureNotAvailable, "query transaction has not begun")
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	return agent.Query(opCtx, opts)
}

func (t *transactionAttempt) queryFailure(cerr *classifiedError) *TransactionOperationFailedError {
	switch cerr.Class {
	case ErrorClassFailTransient, ErrorClassFailWriteWriteConflict, ErrorClassFailCasMismatch:
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	case ErrorClassFailExpiry:
		return t.expiredFailure(cerr)
	case ErrorClassFailDocNotFound, ErrorClassFailDocAlreadyExists:
		// Application level outcome of the statement, the attempt stays usable.
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			CanStillCommit:    true,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
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
