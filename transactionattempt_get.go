package transactions

import (
	"context"

	"github.com/couchbaselabs/txnengine/docstore"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Get fetches a document, failing with ErrDocumentNotFound if it does not
// exist.
func (t *transactionAttempt) Get(ctx context.Context, opts GetOptions) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	return t.doGet(ctx, opts)
}

// doGet is Get for a caller which has already registered the operation.
func (t *transactionAttempt) doGet(ctx context.Context, opts GetOptions) (*GetResult, error) {
	result, err := t.doGetOptional(ctx, opts)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, pkgerrors.Wrapf(ErrDocumentNotFound, "document %s not found", opts.Key)
	}

	return result, nil
}

// GetOptional fetches a document, returning a nil result if it does not exist.
func (t *transactionAttempt) GetOptional(ctx context.Context, opts GetOptions) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	return t.doGetOptional(ctx, opts)
}

func (t *transactionAttempt) doGetOptional(ctx context.Context, opts GetOptions) (*GetResult, error) {
	if !t.beginKVOp() {
		return t.queryGet(ctx, opts)
	}
	defer t.endKVOp()

	result, tErr := t.get(ctx, opts, "")
	if tErr != nil {
		if !tErr.Rollback() {
			t.ensureCleanUpRequest()
		}
		return nil, tErr
	}

	if err := t.hooks.AfterGetComplete(ctx, opts.Key); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return result, nil
}

// get resolves the value of a document as seen by this attempt.  A nil
// result with no error means the document does not exist.  resolvingAttempt
// names an attempt whose links are known to be stale.
func (t *transactionAttempt) get(
	ctx context.Context,
	opts GetOptions,
	resolvingAttempt string,
) (*GetResult, *TransactionOperationFailedError) {
	if cerr := t.checkExpiredAtomic(ctx, hookGet, opts.Key, false); cerr != nil {
		return nil, t.expiredFailure(cerr)
	}

	scopeName := nonEmpty(opts.ScopeName, defaultScopeName)
	collectionName := nonEmpty(opts.CollectionName, defaultCollectionName)

	if !opts.NoRYOW {
		if mutation := t.getStagedMutation(opts.Agent, scopeName, collectionName, opts.Key); mutation != nil {
			if mutation.OpType == StagedMutationRemove {
				return nil, nil
			}
			return t.stagedGetResult(mutation), nil
		}
	}

	if err := t.hooks.BeforeDocGet(ctx, opts.Key); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	doc, err := t.fetchDocWithMeta(ctx, opts.Agent, scopeName, collectionName, opts.Key)
	if err != nil {
		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailDocNotFound:
			return nil, nil
		case ErrorClassFailHard:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailTransient:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
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

	committed := func() *GetResult {
		if doc.Deleted {
			return nil
		}
		return t.docGetResult(opts.Agent, scopeName, collectionName, opts.Key, doc, doc.Body)
	}

	if doc.TxnMeta == nil {
		return committed(), nil
	}

	links := doc.links()
	if links.StagedAttemptID == resolvingAttempt || links.StagedAttemptID == t.id {
		return committed(), nil
	}

	if err := t.checkForwardCompatibility(ctx, forwardCompatStageGets, links.ForwardCompat, false); err != nil {
		return nil, err
	}

	entry, tErr := t.blockingEntry(ctx, links)
	if tErr != nil {
		return nil, tErr
	}

	if entry == nil {
		t.logger.Debug("staging attempt has no atr entry, treating links as stale",
			docField(opts.Agent, scopeName, collectionName, opts.Key),
			zap.String("stagingAttemptId", links.StagedAttemptID))
		return t.get(ctx, opts, links.StagedAttemptID)
	}

	if err := t.checkForwardCompatibility(ctx, forwardCompatStageGetsReadingATR, entry.ForwardCompat, false); err != nil {
		return nil, err
	}

	if entry.State == AttemptStateCommitted || entry.State == AttemptStateCompleted {
		if links.Op == string(jsonMutationRemove) {
			return nil, nil
		}
		return t.docGetResult(opts.Agent, scopeName, collectionName, opts.Key, doc, links.StagedContent), nil
	}

	return committed(), nil
}

// blockingEntry reads the ATR entry of the attempt which staged links.
func (t *transactionAttempt) blockingEntry(ctx context.Context, links *TransactionLinks) (*ATREntry, *TransactionOperationFailedError) {
	atrAgent, err := t.bucketAgentProvider(links.AtrBucketName)
	if err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	opCtx, cancel := t.opContext(ctx)
	defer cancel()

	entry, err := atrEntryLookup(opCtx, atrAgent,
		nonEmpty(links.AtrScopeName, defaultScopeName),
		nonEmpty(links.AtrCollectionName, defaultCollectionName),
		[]byte(links.AtrID), links.StagedAttemptID)
	if err != nil {
		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailHard:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailTransient, ErrorClassFailAmbiguous:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
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

	return entry, nil
}

func (t *transactionAttempt) stagedGetResult(mutation *stagedMutation) *GetResult {
	return &GetResult{
		agent:          mutation.Agent,
		scopeName:      mutation.ScopeName,
		collectionName: mutation.CollectionName,
		key:            mutation.Key,
		Links: &TransactionLinks{
			StagedTransactionID: t.transactionID,
			StagedAttemptID:     t.id,
			StagedContent:       mutation.Staged,
			Op:                  string(mutation.OpType.jsonType()),
			IsDeleted:           mutation.IsTombstone,
		},
		Value: mutation.Staged,
		Cas:   mutation.Cas,
	}
}

func (t *transactionAttempt) docGetResult(
	agent docstore.Agent,
	scopeName string,
	collectionName string,
	key []byte,
	doc *transactionGetDoc,
	value []byte,
) *GetResult {
	links := doc.links()

	docMeta := doc.documentMetadata()
	if links.RestoreCas != "" {
		docMeta = &DocumentMetadata{
			Cas:        links.RestoreCas,
			RevID:      links.RestoreRevID,
			Expiration: links.RestoreExpiration,
			Crc32:      links.Crc32,
		}
	}

	return &GetResult{
		agent:          agent,
		scopeName:      scopeName,
		collectionName: collectionName,
		key:            key,
		Links:          links,
		DocumentMeta:   docMeta,
		Value:          value,
		Cas:            doc.Cas,
	}
}
