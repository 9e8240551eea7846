package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/couchbaselabs/txnengine/docstore"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	queryKVGet     = "EXECUTE __get"
	queryKVInsert  = "EXECUTE __insert"
	queryKVReplace = "EXECUTE __update"
	queryKVRemove  = "EXECUTE __delete"
	queryCommit    = "COMMIT"
	queryRollback  = "ROLLBACK"
)

type jsonQueryKVTxData struct {
	KV      bool            `json:"kv"`
	Scas    string          `json:"scas,omitempty"`
	TxnMeta json.RawMessage `json:"txnMeta,omitempty"`
}

type jsonQueryGetRow struct {
	Scas    string          `json:"scas"`
	Doc     json.RawMessage `json:"doc"`
	TxnMeta json.RawMessage `json:"txnMeta,omitempty"`
}

type jsonQueryMutateRow struct {
	Scas string `json:"scas"`
}

func queryKeyspace(agent docstore.Agent, scopeName, collectionName string) json.RawMessage {
	keyspace, _ := json.Marshal(fmt.Sprintf("default:`%s`.`%s`.`%s`", agent.BucketName(), scopeName, collectionName))
	return keyspace
}

func queryDocID(key []byte) json.RawMessage {
	id, _ := json.Marshal(string(key))
	return id
}

func queryKVTxData(doc *GetResult) json.RawMessage {
	txData := jsonQueryKVTxData{KV: true}
	if doc != nil {
		txData.Scas = strconv.FormatUint(uint64(doc.Cas), 10)
		txData.TxnMeta = doc.txnMeta
	}
	data, _ := json.Marshal(txData)
	return data
}

func parseScas(scas string) (docstore.Cas, error) {
	cas, err := strconv.ParseUint(scas, 10, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "invalid scas %q", scas)
	}
	return docstore.Cas(cas), nil
}

// queryKV runs one of the query service's KV statements as part of the
// query transaction.
func (t *transactionAttempt) queryKV(
	ctx context.Context,
	statement string,
	readOnly bool,
	txData json.RawMessage,
	args ...json.RawMessage,
) (*docstore.QueryResult, *classifiedError) {
	t.queryLock.Lock()
	defer t.queryLock.Unlock()

	t.lock.Lock()
	agent := t.queryAgent
	t.lock.Unlock()

	if agent == nil {
		return nil, classifyError(pkgerrors.Wrap(docstore.ErrFeatureNotAvailable, "query transaction has not begun"))
	}

	if err := t.hooks.BeforeQuery(ctx, statement); err != nil {
		return nil, classifyHookError(err)
	}

	result, err := t.runQueryLocked(ctx, agent, &docstore.QueryOptions{
		Statement: statement,
		Args:      args,
		TxData:    txData,
		ReadOnly:  readOnly,
	})
	if err != nil {
		return nil, classifyError(err)
	}

	if err := t.hooks.AfterQuery(ctx, statement); err != nil {
		return nil, classifyHookError(err)
	}

	return result, nil
}

// queryGet is doGetOptional for an attempt in query mode.
func (t *transactionAttempt) queryGet(ctx context.Context, opts GetOptions) (*GetResult, error) {
	scopeName := nonEmpty(opts.ScopeName, defaultScopeName)
	collectionName := nonEmpty(opts.CollectionName, defaultCollectionName)

	t.logger.Debug("performing get through query", docField(opts.Agent, scopeName, collectionName, opts.Key))

	result, cerr := t.queryKV(ctx, queryKVGet, true, queryKVTxData(nil),
		queryKeyspace(opts.Agent, scopeName, collectionName), queryDocID(opts.Key))
	if cerr != nil {
		if cerr.Class == ErrorClassFailDocNotFound {
			return nil, nil
		}
		return nil, t.queryFailure(cerr)
	}

	if len(result.Rows) == 0 {
		return nil, nil
	}

	var row jsonQueryGetRow
	if err := json.Unmarshal(result.Rows[0], &row); err != nil {
		return nil, t.queryFailure(classifyError(pkgerrors.Wrap(err, "failed to parse get row")))
	}

	cas, err := parseScas(row.Scas)
	if err != nil {
		return nil, t.queryFailure(classifyError(err))
	}

	return &GetResult{
		agent:          opts.Agent,
		scopeName:      scopeName,
		collectionName: collectionName,
		key:            opts.Key,
		Links:          newTransactionLinks(nil, false),
		Value:          row.Doc,
		Cas:            cas,
		txnMeta:        row.TxnMeta,
	}, nil
}

// queryInsert is doInsert for an attempt in query mode.
func (t *transactionAttempt) queryInsert(ctx context.Context, opts InsertOptions) (*GetResult, error) {
	scopeName := nonEmpty(opts.ScopeName, defaultScopeName)
	collectionName := nonEmpty(opts.CollectionName, defaultCollectionName)

	t.logger.Debug("performing insert through query", docField(opts.Agent, scopeName, collectionName, opts.Key))

	result, cerr := t.queryKV(ctx, queryKVInsert, false, queryKVTxData(nil),
		queryKeyspace(opts.Agent, scopeName, collectionName), queryDocID(opts.Key),
		opts.Value, json.RawMessage(`{}`))
	if cerr != nil {
		if cerr.Class == ErrorClassFailDocAlreadyExists {
			return nil, pkgerrors.Wrapf(ErrDocumentAlreadyExists, "document %s already exists", opts.Key)
		}
		return nil, t.queryFailure(cerr)
	}

	return t.queryMutationResult(opts.Agent, scopeName, collectionName, opts.Key, opts.Value, result)
}

// queryReplace is doReplace for an attempt in query mode.
func (t *transactionAttempt) queryReplace(ctx context.Context, opts ReplaceOptions) (*GetResult, error) {
	doc := opts.Document
	scopeName := nonEmpty(doc.scopeName, defaultScopeName)
	collectionName := nonEmpty(doc.collectionName, defaultCollectionName)

	t.logger.Debug("performing replace through query", docField(doc.agent, scopeName, collectionName, doc.key))

	result, cerr := t.queryKV(ctx, queryKVReplace, false, queryKVTxData(doc),
		queryKeyspace(doc.agent, scopeName, collectionName), queryDocID(doc.key),
		opts.Value, json.RawMessage(`{}`))
	if cerr != nil {
		return nil, t.queryMutationFailure(cerr)
	}

	return t.queryMutationResult(doc.agent, scopeName, collectionName, doc.key, opts.Value, result)
}

// queryRemove is doRemove for an attempt in query mode.
func (t *transactionAttempt) queryRemove(ctx context.Context, opts RemoveOptions) (*GetResult, error) {
	doc := opts.Document
	scopeName := nonEmpty(doc.scopeName, defaultScopeName)
	collectionName := nonEmpty(doc.collectionName, defaultCollectionName)

	t.logger.Debug("performing remove through query", docField(doc.agent, scopeName, collectionName, doc.key))

	_, cerr := t.queryKV(ctx, queryKVRemove, false, queryKVTxData(doc),
		queryKeyspace(doc.agent, scopeName, collectionName), queryDocID(doc.key),
		json.RawMessage(`{}`))
	if cerr != nil {
		return nil, t.queryMutationFailure(cerr)
	}

	return &GetResult{
		agent:          doc.agent,
		scopeName:      scopeName,
		collectionName: collectionName,
		key:            doc.key,
		Links:          newTransactionLinks(nil, true),
	}, nil
}

// A replace or remove of a document which changed underneath the attempt
// fails the attempt but leaves it retryable.
func (t *transactionAttempt) queryMutationFailure(cerr *classifiedError) *TransactionOperationFailedError {
	switch cerr.Class {
	case ErrorClassFailDocNotFound, ErrorClassFailCasMismatch:
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	default:
		return t.queryFailure(cerr)
	}
}

func (t *transactionAttempt) queryMutationResult(
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	value json.RawMessage,
	result *docstore.QueryResult,
) (*GetResult, error) {
	var cas docstore.Cas
	if len(result.Rows) > 0 {
		var row jsonQueryMutateRow
		if err := json.Unmarshal(result.Rows[0], &row); err != nil {
			return nil, t.queryFailure(classifyError(pkgerrors.Wrap(err, "failed to parse mutation row")))
		}
		parsed, err := parseScas(row.Scas)
		if err != nil {
			return nil, t.queryFailure(classifyError(err))
		}
		cas = parsed
	}

	return &GetResult{
		agent:          agent,
		scopeName:      scopeName,
		collectionName: collectionName,
		key:            key,
		Links:          newTransactionLinks(nil, false),
		Value:          value,
		Cas:            cas,
	}, nil
}

// queryCommit commits the query transaction.  The query service unstages
// every document before answering, so the attempt completes here.
func (t *transactionAttempt) queryCommit(ctx context.Context) *TransactionOperationFailedError {
	t.logger.Debug("committing query transaction")

	_, cerr := t.queryKV(ctx, queryCommit, false, queryKVTxData(nil))
	if cerr != nil {
		reason := ErrorReasonTransactionFailed
		if cerr.Class == ErrorClassFailExpiry {
			reason = ErrorReasonTransactionCommitAmbiguous
		}
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            reason,
		})
	}

	t.lock.Lock()
	t.state = AttemptStateCompleted
	t.lock.Unlock()

	return nil
}

func (t *transactionAttempt) queryRollback(ctx context.Context) *TransactionOperationFailedError {
	t.logger.Debug("rolling back query transaction")

	_, cerr := t.queryKV(ctx, queryRollback, false, queryKVTxData(nil))
	if cerr != nil {
		t.logger.Debug("query rollback failed", zap.Error(cerr.Source))
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	t.lock.Lock()
	t.state = AttemptStateRolledBack
	t.lock.Unlock()

	return nil
}
