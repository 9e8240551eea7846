package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	errCleanupNotExpired = errors.New("attempt has not expired yet")
	errCleanupRetry      = errors.New("cleanup of attempt must be retried later")
)

// CleanupRequest represents a transaction attempt which requires cleanup.
// Internal: This should never be used and is not supported.
type CleanupRequest struct {
	AttemptID         string
	AtrID             []byte
	AtrBucketName     string
	AtrScopeName      string
	AtrCollectionName string
	Inserts           []DocRecord
	Replaces          []DocRecord
	Removes           []DocRecord
	State             AttemptState
	ForwardCompat     map[string][]ForwardCompatibilityEntry
	DurabilityLevel   DurabilityLevel
	TxnStartTime      time.Time

	// ReadyTime is the earliest time at which the request may be processed.
	ReadyTime time.Time

	// CheckIfExpired makes cleanup leave the entry alone unless it has
	// expired by the server clock of its ATR.
	CheckIfExpired bool

	index int
}

// cleanupRequestFromEntry builds a request for an entry found through a
// document's links, such as a committed attempt blocking a write.
func cleanupRequestFromEntry(meta *TransactionLinks, entry *ATREntry) *CleanupRequest {
	return &CleanupRequest{
		AttemptID:         entry.AttemptID,
		AtrID:             []byte(meta.AtrID),
		AtrBucketName:     meta.AtrBucketName,
		AtrScopeName:      nonEmpty(meta.AtrScopeName, defaultScopeName),
		AtrCollectionName: nonEmpty(meta.AtrCollectionName, defaultCollectionName),
		Inserts:           entry.Inserts,
		Replaces:          entry.Replaces,
		Removes:           entry.Removes,
		State:             entry.State,
		ForwardCompat:     entry.ForwardCompat,
		DurabilityLevel:   entry.DurabilityLevel,
		ReadyTime:         time.Now(),
		CheckIfExpired:    entry.State == AttemptStatePending,
		index:             -1,
	}
}

// CleanupAttempt represents the result of running cleanup for a transaction attempt.
// Internal: This should never be used and is not supported.
type CleanupAttempt struct {
	Success           bool
	IsRegular         bool
	AttemptID         string
	AtrID             []byte
	AtrBucketName     string
	AtrScopeName      string
	AtrCollectionName string
	Request           *CleanupRequest
	Err               error
}

// Cleaner is responsible for performing cleanup of completed transactions.
// Internal: This should never be used and is not supported.
type Cleaner interface {
	AddRequest(req *CleanupRequest) bool
	PopRequest() *CleanupRequest
	ForceCleanupQueue(ctx context.Context) []CleanupAttempt
	QueueLength() int32
	CleanupAttempt(ctx context.Context, req *CleanupRequest, regular bool) CleanupAttempt
	Close()
}

// NewCleaner returns a Cleaner which only processes requests when asked to.
// Internal: This should never be used and is not supported.
func NewCleaner(config *Config) Cleaner {
	return newStdCleaner(config)
}

type noopCleaner struct {
}

func (nc *noopCleaner) AddRequest(req *CleanupRequest) bool {
	return true
}

func (nc *noopCleaner) PopRequest() *CleanupRequest {
	return nil
}

func (nc *noopCleaner) ForceCleanupQueue(ctx context.Context) []CleanupAttempt {
	return []CleanupAttempt{}
}

func (nc *noopCleaner) QueueLength() int32 {
	return 0
}

func (nc *noopCleaner) CleanupAttempt(ctx context.Context, req *CleanupRequest, regular bool) CleanupAttempt {
	return newCleanupAttemptResult(req, regular, nil)
}

func (nc *noopCleaner) Close() {}

type stdCleaner struct {
	hooks               CleanUpHooks
	qSize               uint32
	q                   *cleanupQueue
	qLock               sync.Mutex
	bucketAgentProvider docstore.BucketProvider
	kvTimeout           time.Duration
	durabilityLevel     DurabilityLevel
	logger              *zap.Logger

	pollInterval time.Duration
	retryDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func newStdCleaner(config *Config) *stdCleaner {
	resolved := config.withDefaults()
	config = &resolved

	ctx, cancel := context.WithCancel(context.Background())

	return &stdCleaner{
		hooks:               config.Internal.CleanUpHooks,
		qSize:               config.CleanupQueueSize,
		q:                   newCleanupQueue(),
		bucketAgentProvider: config.BucketAgentProvider,
		kvTimeout:           config.KeyValueTimeout,
		durabilityLevel:     config.DurabilityLevel,
		logger:              config.Logger.Named("cleanup"),
		pollInterval:        100 * time.Millisecond,
		retryDelay:          10 * time.Second,
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// startCleanupThread returns a cleaner which processes due requests in the
// background until it is closed.
func startCleanupThread(config *Config) *stdCleaner {
	cleaner := newStdCleaner(config)

	cleaner.wg.Add(1)
	go cleaner.processQ()

	return cleaner
}

func (c *stdCleaner) AddRequest(req *CleanupRequest) bool {
	if c.closed.Load() {
		return false
	}

	c.qLock.Lock()
	defer c.qLock.Unlock()

	if c.q.Len() >= int(c.qSize) {
		cleanupDroppedRequests.Add(context.Background(), 1)
		c.logger.Debug("cleanup queue is full, dropping request",
			zap.String("attemptId", req.AttemptID))
		return false
	}

	c.q.Push(req)
	return true
}

// PopRequest removes the next request whose ready time has passed.
func (c *stdCleaner) PopRequest() *CleanupRequest {
	c.qLock.Lock()
	defer c.qLock.Unlock()

	return c.q.PopReady(time.Now())
}

// ForceCleanupQueue drains the queue, ignoring ready times, and cleans up
// every request in it.
func (c *stdCleaner) ForceCleanupQueue(ctx context.Context) []CleanupAttempt {
	c.qLock.Lock()
	var reqs []*CleanupRequest
	for c.q.Len() > 0 {
		reqs = append(reqs, c.q.Pop())
	}
	c.qLock.Unlock()

	results := make([]CleanupAttempt, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, c.CleanupAttempt(ctx, req, true))
	}

	return results
}

func (c *stdCleaner) QueueLength() int32 {
	c.qLock.Lock()
	defer c.qLock.Unlock()

	return int32(c.q.Len())
}

func (c *stdCleaner) Close() {
	if c.closed.Swap(true) {
		return
	}

	c.cancel()
	c.wg.Wait()
}

func (c *stdCleaner) processQ() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.processDue(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
	}
}

// processDue cleans up every request which is due.  A request stays queued
// while it is processed and is only removed once cleanup succeeds, so a
// failed request keeps its place even when the queue has filled up since.
func (c *stdCleaner) processDue(ctx context.Context) {
	for {
		req := c.claimRequest()
		if req == nil {
			return
		}

		attempt := c.CleanupAttempt(ctx, req, true)
		if ctx.Err() != nil {
			return
		}
		if attempt.Success {
			c.finishRequest(req)
		}
	}
}

// claimRequest returns the next due request after pushing its ready time
// back by the retry delay.
func (c *stdCleaner) claimRequest() *CleanupRequest {
	c.qLock.Lock()
	defer c.qLock.Unlock()

	now := time.Now()
	req := c.q.Peek()
	if req == nil || req.ReadyTime.After(now) {
		return nil
	}

	c.q.Update(req, now.Add(c.retryDelay))
	return req
}

func (c *stdCleaner) finishRequest(req *CleanupRequest) {
	c.qLock.Lock()
	c.q.Remove(req)
	c.qLock.Unlock()
}

func newCleanupAttemptResult(req *CleanupRequest, regular bool, err error) CleanupAttempt {
	return CleanupAttempt{
		Success:           err == nil,
		IsRegular:         regular,
		AttemptID:         req.AttemptID,
		AtrID:             req.AtrID,
		AtrBucketName:     req.AtrBucketName,
		AtrScopeName:      req.AtrScopeName,
		AtrCollectionName: req.AtrCollectionName,
		Request:           req,
		Err:               err,
	}
}

// CleanupAttempt drives the attempt described by req to completion or
// rollback, then removes its ATR entry.  Running it again for an attempt
// which is already cleaned up succeeds.
func (c *stdCleaner) CleanupAttempt(ctx context.Context, req *CleanupRequest, regular bool) CleanupAttempt {
	cleanupAttempts.Add(ctx, 1, cleanupAttrs(regular, req.State))

	logger := c.logger.With(
		zap.String("attemptId", req.AttemptID),
		zap.ByteString("atrId", req.AtrID))

	err := c.cleanupAttempt(ctx, req, logger)
	if err != nil {
		cleanupFailures.Add(ctx, 1, cleanupAttrs(regular, req.State))
		if errors.Is(err, errCleanupNotExpired) {
			logger.Debug("attempt not yet expired, leaving it")
		} else {
			logger.Warn("cleanup attempt failed", zap.Error(err))
		}
	}

	return newCleanupAttemptResult(req, regular, err)
}

func (c *stdCleaner) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.kvTimeout)
}

func (c *stdCleaner) cleanupAttempt(ctx context.Context, req *CleanupRequest, logger *zap.Logger) error {
	atrAgent, err := c.bucketAgentProvider(req.AtrBucketName)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to get agent for atr bucket %s", req.AtrBucketName)
	}

	if err := c.hooks.BeforeATRGet(ctx, req.AtrID); err != nil {
		return err
	}

	opCtx, cancel := c.opContext(ctx)
	entry, err := atrEntryLookup(opCtx, atrAgent, req.AtrScopeName, req.AtrCollectionName, req.AtrID, req.AttemptID)
	cancel()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read atr entry")
	}
	if entry == nil {
		logger.Debug("atr entry already removed, nothing to clean")
		return nil
	}

	if req.CheckIfExpired && !entry.HasExpired(cleanupSafetyMarginMs) {
		return errCleanupNotExpired
	}

	fc := entry.ForwardCompat
	if fc == nil {
		fc = req.ForwardCompat
	}
	shouldRetry, err := checkForwardCompatibility(ctx, forwardCompatStageGetsCleanupEntry, fc)
	if err != nil {
		return err
	}
	if shouldRetry {
		return errCleanupRetry
	}

	durabilityLevel := entry.DurabilityLevel
	if durabilityLevel == DurabilityLevelUnknown {
		durabilityLevel = req.DurabilityLevel
	}
	if durabilityLevel == DurabilityLevelUnknown {
		durabilityLevel = c.durabilityLevel
	}

	docs := cleanupDocSet{
		inserts:  entry.Inserts,
		replaces: entry.Replaces,
		removes:  entry.Removes,
	}
	if docs.empty() {
		docs = cleanupDocSet{
			inserts:  req.Inserts,
			replaces: req.Replaces,
			removes:  req.Removes,
		}
	}

	logger.Debug("cleaning up attempt", zap.Stringer("state", entry.State))

	switch entry.State {
	case AttemptStateCommitted:
		if err := c.commitDocs(ctx, req.AttemptID, docs, durabilityLevel); err != nil {
			return err
		}
		return c.cleanupATR(ctx, atrAgent, req, entry.State, durabilityLevel)
	case AttemptStateAborted:
		if err := c.rollbackDocs(ctx, req.AttemptID, docs, durabilityLevel); err != nil {
			return err
		}
		return c.cleanupATR(ctx, atrAgent, req, entry.State, durabilityLevel)
	case AttemptStatePending:
		if !entry.HasExpired(cleanupSafetyMarginMs) {
			return errCleanupNotExpired
		}

		// The entry goes first so that the owning attempt can no longer
		// commit, after which its staging is stale.
		if err := c.cleanupATR(ctx, atrAgent, req, entry.State, durabilityLevel); err != nil {
			return err
		}
		return c.rollbackDocs(ctx, req.AttemptID, docs, durabilityLevel)
	default:
		return c.cleanupATR(ctx, atrAgent, req, entry.State, durabilityLevel)
	}
}

type cleanupDocSet struct {
	inserts  []DocRecord
	replaces []DocRecord
	removes  []DocRecord
}

func (s cleanupDocSet) empty() bool {
	return len(s.inserts) == 0 && len(s.replaces) == 0 && len(s.removes) == 0
}

func (c *stdCleaner) commitDocs(ctx context.Context, attemptID string, docs cleanupDocSet, dl DurabilityLevel) error {
	var errs error
	errs = multierr.Append(errs, c.forEachDoc(ctx, attemptID, docs.inserts, true, func(doc *cleanupDoc) error {
		return c.commitInsRepDoc(ctx, doc, dl)
	}))
	errs = multierr.Append(errs, c.forEachDoc(ctx, attemptID, docs.replaces, true, func(doc *cleanupDoc) error {
		return c.commitInsRepDoc(ctx, doc, dl)
	}))
	errs = multierr.Append(errs, c.forEachDoc(ctx, attemptID, docs.removes, false, func(doc *cleanupDoc) error {
		return c.commitRemDoc(ctx, doc, dl)
	}))
	return errs
}

func (c *stdCleaner) rollbackDocs(ctx context.Context, attemptID string, docs cleanupDocSet, dl DurabilityLevel) error {
	var errs error
	errs = multierr.Append(errs, c.forEachDoc(ctx, attemptID, docs.inserts, false, func(doc *cleanupDoc) error {
		return c.rollbackInsDoc(ctx, doc, dl)
	}))
	errs = multierr.Append(errs, c.forEachDoc(ctx, attemptID, docs.replaces, false, func(doc *cleanupDoc) error {
		return c.removeLinks(ctx, doc, dl)
	}))
	errs = multierr.Append(errs, c.forEachDoc(ctx, attemptID, docs.removes, false, func(doc *cleanupDoc) error {
		return c.removeLinks(ctx, doc, dl)
	}))
	return errs
}

// cleanupDoc is a document still carrying staging written by the attempt
// under cleanup.
type cleanupDoc struct {
	agent          docstore.Agent
	scopeName      string
	collectionName string
	key            []byte
	cas            docstore.Cas
	deleted        bool
	staged         json.RawMessage
}

// forEachDoc runs fn against each document which still holds staging for
// attemptID.  Missing documents and those owned by another attempt are
// skipped, as are documents whose body no longer matches their staging when
// requireCrc32Match is set.
func (c *stdCleaner) forEachDoc(
	ctx context.Context,
	attemptID string,
	docs []DocRecord,
	requireCrc32Match bool,
	fn func(doc *cleanupDoc) error,
) error {
	var errs error
	for _, dr := range docs {
		doc, err := c.perDoc(ctx, attemptID, dr, requireCrc32Match)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if doc == nil {
			continue
		}

		if err := fn(doc); err != nil {
			errs = multierr.Append(errs, pkgerrors.Wrapf(err, "failed to clean up %s", dr.ID))
		}
	}
	return errs
}

func (c *stdCleaner) perDoc(ctx context.Context, attemptID string, dr DocRecord, requireCrc32Match bool) (*cleanupDoc, error) {
	agent, err := c.bucketAgentProvider(dr.BucketName)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get agent for bucket %s", dr.BucketName)
	}

	if err := c.hooks.BeforeDocGet(ctx, dr.ID); err != nil {
		return nil, err
	}

	scopeName := nonEmpty(dr.ScopeName, defaultScopeName)
	collectionName := nonEmpty(dr.CollectionName, defaultCollectionName)

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	result, err := agent.LookupIn(opCtx, &docstore.LookupInOptions{
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            dr.ID,
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
		},
		Flags: docstore.SubdocDocFlagAccessDeleted,
	})
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if result.Ops[0].Err != nil {
		return nil, result.Ops[0].Err
	}

	if result.Ops[1].Err != nil {
		// No staging left, most likely already committed.
		return nil, nil
	}

	var txnMeta jsonTxnXattr
	if err := json.Unmarshal(result.Ops[1].Value, &txnMeta); err != nil {
		return nil, err
	}

	if txnMeta.ID.Attempt != attemptID {
		return nil, nil
	}

	if requireCrc32Match {
		var meta docstore.DocumentMeta
		if err := json.Unmarshal(result.Ops[0].Value, &meta); err != nil {
			return nil, err
		}

		if meta.ValueCrc32c == "" || meta.ValueCrc32c != txnMeta.Operation.CRC32 {
			c.logger.Debug("document body changed since staging, skipping",
				docField(agent, scopeName, collectionName, dr.ID))
			return nil, nil
		}
	}

	return &cleanupDoc{
		agent:          agent,
		scopeName:      scopeName,
		collectionName: collectionName,
		key:            dr.ID,
		cas:            result.Cas,
		deleted:        result.Deleted,
		staged:         txnMeta.Operation.Staged,
	}, nil
}

func (c *stdCleaner) commitInsRepDoc(ctx context.Context, doc *cleanupDoc, dl DurabilityLevel) error {
	if err := c.hooks.BeforeCommitDoc(ctx, doc.key); err != nil {
		return err
	}

	flags := docstore.SubdocDocFlagAccessDeleted
	if doc.deleted {
		flags |= docstore.SubdocDocFlagReviveDocument
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	_, err := doc.agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       doc.scopeName,
		CollectionName:  doc.collectionName,
		Key:             doc.key,
		Cas:             doc.cas,
		Ops:             clearLinksOps(nonNilBody(doc.staged)),
		Flags:           flags,
		DurabilityLevel: durabilityLevelToDocstore(dl),
	})
	return err
}

func (c *stdCleaner) commitRemDoc(ctx context.Context, doc *cleanupDoc, dl DurabilityLevel) error {
	if err := c.hooks.BeforeRemoveDocStagedForRemoval(ctx, doc.key); err != nil {
		return err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if doc.deleted {
		_, err := doc.agent.MutateIn(opCtx, &docstore.MutateInOptions{
			ScopeName:       doc.scopeName,
			CollectionName:  doc.collectionName,
			Key:             doc.key,
			Cas:             doc.cas,
			Ops:             clearLinksOps(nil),
			Flags:           docstore.SubdocDocFlagAccessDeleted,
			DurabilityLevel: durabilityLevelToDocstore(dl),
		})
		return err
	}

	_, err := doc.agent.Delete(opCtx, &docstore.DeleteOptions{
		ScopeName:       doc.scopeName,
		CollectionName:  doc.collectionName,
		Key:             doc.key,
		Cas:             doc.cas,
		DurabilityLevel: durabilityLevelToDocstore(dl),
	})
	return err
}

// rollbackInsDoc removes a staged insert.  A staging tombstone only loses its
// links, a live document is deleted.
func (c *stdCleaner) rollbackInsDoc(ctx context.Context, doc *cleanupDoc, dl DurabilityLevel) error {
	if doc.deleted {
		return c.removeLinks(ctx, doc, dl)
	}

	if err := c.hooks.BeforeRemoveDoc(ctx, doc.key); err != nil {
		return err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	_, err := doc.agent.Delete(opCtx, &docstore.DeleteOptions{
		ScopeName:       doc.scopeName,
		CollectionName:  doc.collectionName,
		Key:             doc.key,
		Cas:             doc.cas,
		DurabilityLevel: durabilityLevelToDocstore(dl),
	})
	return err
}

func (c *stdCleaner) removeLinks(ctx context.Context, doc *cleanupDoc, dl DurabilityLevel) error {
	if err := c.hooks.BeforeRemoveLinks(ctx, doc.key); err != nil {
		return err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	_, err := doc.agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       doc.scopeName,
		CollectionName:  doc.collectionName,
		Key:             doc.key,
		Cas:             doc.cas,
		Ops:             clearLinksOps(nil),
		Flags:           docstore.SubdocDocFlagAccessDeleted,
		DurabilityLevel: durabilityLevelToDocstore(dl),
	})
	return err
}

// cleanupATR removes the attempt's entry.  A PENDING entry gets a collision
// marker in the same write so that its owner fails to commit if it is still
// running.
func (c *stdCleaner) cleanupATR(
	ctx context.Context,
	agent docstore.Agent,
	req *CleanupRequest,
	state AttemptState,
	dl DurabilityLevel,
) error {
	if err := c.hooks.BeforeATRRemove(ctx, req.AtrID); err != nil {
		return err
	}

	var ops []docstore.SubDocOp
	if state == AttemptStatePending {
		markerOps, err := newATROpsBuilder(req.AttemptID).
			field(docstore.SubDocOpDictAdd, "p", 0, docstore.SubdocFlagNone).
			build()
		if err != nil {
			return err
		}
		ops = append(ops, markerOps...)
	}
	ops = append(ops, docstore.SubDocOp{
		Op:    docstore.SubDocOpDelete,
		Path:  "attempts." + req.AttemptID,
		Flags: docstore.SubdocFlagXattrPath,
	})

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	_, err := agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:       req.AtrScopeName,
		CollectionName:  req.AtrCollectionName,
		Key:             req.AtrID,
		Ops:             ops,
		DurabilityLevel: durabilityLevelToDocstore(dl),
	})
	if err != nil {
		if errors.Is(err, docstore.ErrPathNotFound) || errors.Is(err, docstore.ErrDocumentNotFound) {
			return nil
		}
		if errors.Is(err, docstore.ErrPathExists) {
			// The owner got to its commit point first.
			return pkgerrors.Wrap(errCleanupRetry, "attempt raced with its owner")
		}
		return err
	}

	return nil
}

// nonNilBody turns a staged body which was lost into an empty document
// rather than leaving the body untouched.
func nonNilBody(body json.RawMessage) json.RawMessage {
	if body == nil {
		return json.RawMessage("{}")
	}
	return body
}
