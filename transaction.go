package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Transaction is a single transaction.  Each attempt at it is started with
// NewAttempt, after which operations are staged and finally committed or
// rolled back.
type Transaction struct {
	parent *Transactions

	expiryTime      time.Time
	startTime       time.Time
	keyValueTimeout time.Duration
	durabilityLevel DurabilityLevel
	atrLocation     ATRLocation
	numATRs         int
	provider        docstore.BucketProvider

	transactionID string
	attempt       *transactionAttempt
	hooks         TransactionHooks
	cleaner       Cleaner
	lostCleanup   lostTransactionCleaner
	logger        *zap.Logger
}

// ID returns the transaction ID of this transaction.
func (t *Transaction) ID() string {
	return t.transactionID
}

// Attempt returns details of the current attempt.
func (t *Transaction) Attempt() Attempt {
	if t.attempt == nil {
		return Attempt{}
	}

	return t.attempt.State()
}

func (t *Transaction) newAttempt(attemptID string, state AttemptState) *transactionAttempt {
	return &transactionAttempt{
		expiryTime:          t.expiryTime,
		txnStartTime:        t.startTime,
		keyValueTimeout:     t.keyValueTimeout,
		durabilityLevel:     t.durabilityLevel,
		transactionID:       t.transactionID,
		id:                  attemptID,
		hooks:               t.hooks,
		numATRs:             t.numATRs,
		atrLocation:         t.atrLocation,
		bucketAgentProvider: t.provider,
		cleaner:             t.cleaner,
		lostCleanup:         t.lostCleanup,
		logger: t.logger.With(
			zap.String("txnId", t.transactionID),
			zap.String("attemptId", attemptID)),

		state: state,
	}
}

// NewAttempt begins a new attempt with this transaction.
func (t *Transaction) NewAttempt() error {
	t.attempt = t.newAttempt(uuid.New().String(), AttemptStateNothingWritten)
	t.attempt.logger.Debug("starting attempt")
	return nil
}

func (t *Transaction) resumeAttempt(txnData *jsonSerializedAttempt) error {
	if txnData.ID.Attempt == "" {
		return errors.New("invalid txn data - no attempt id")
	}

	state := AttemptStateNothingWritten
	var atrAgent docstore.Agent
	var atrScope, atrCollection string
	var atrKey []byte
	if txnData.ATR.ID != "" {
		if txnData.ATR.Bucket == "" {
			return errors.New("invalid atr data - no bucket")
		}

		agent, err := t.provider(txnData.ATR.Bucket)
		if err != nil {
			return errors.Wrap(err, "failed to get atr agent")
		}

		state = AttemptStatePending
		atrAgent = agent
		atrScope = nonEmpty(txnData.ATR.Scope, defaultScopeName)
		atrCollection = nonEmpty(txnData.ATR.Collection, defaultCollectionName)
		atrKey = []byte(txnData.ATR.ID)
	} else if txnData.ATR.Bucket != "" {
		// Only the custom location was known when this attempt was serialized.
		agent, err := t.provider(txnData.ATR.Bucket)
		if err != nil {
			return errors.Wrap(err, "failed to get atr agent")
		}

		t.atrLocation = ATRLocation{
			Agent:          agent,
			ScopeName:      txnData.ATR.Scope,
			CollectionName: txnData.ATR.Collection,
		}
	}

	mutations, err := resumedMutations(t.provider, txnData)
	if err != nil {
		return err
	}

	attempt := t.newAttempt(txnData.ID.Attempt, state)
	attempt.atrAgent = atrAgent
	attempt.atrScopeName = atrScope
	attempt.atrCollectionName = atrCollection
	attempt.atrKey = atrKey
	attempt.stagedMutations = stagedMutationQueue{mutations: mutations}
	t.attempt = attempt

	attempt.logger.Debug("resumed attempt",
		zap.Stringer("state", state),
		zap.Int("numMutations", len(mutations)))

	return nil
}

// GetOptions provides options for a Get operation.
type GetOptions struct {
	Agent          docstore.Agent
	ScopeName      string
	CollectionName string
	Key            []byte

	// NoRYOW disables reading this attempt's own staged writes.
	NoRYOW bool
}

// InsertOptions provides options for an Insert operation.
type InsertOptions struct {
	Agent          docstore.Agent
	ScopeName      string
	CollectionName string
	Key            []byte
	Value          json.RawMessage
}

// ReplaceOptions provides options for a Replace operation.
type ReplaceOptions struct {
	Document *GetResult
	Value    json.RawMessage
}

// RemoveOptions provides options for a Remove operation.
type RemoveOptions struct {
	Document *GetResult
}

// QueryOptions provides options for a Query operation.  Agent must also
// implement docstore.QueryAgent.
type QueryOptions struct {
	Agent    docstore.Agent
	Args     []json.RawMessage
	ReadOnly bool
}

// QueryResult holds the rows and metadata returned by a query.
type QueryResult struct {
	Rows     []json.RawMessage
	MetaData json.RawMessage
}

// GetMultiMode picks how GetMulti trades latency against detecting read skew.
type GetMultiMode uint8

const (
	// GetMultiModePrioritiseLatency gives read skew resolution a short window
	// before the fetch fails.
	GetMultiModePrioritiseLatency GetMultiMode = iota

	// GetMultiModeDisableReadSkewDetection returns the first fetch as is.
	GetMultiModeDisableReadSkewDetection

	// GetMultiModePrioritiseReadSkewDetection keeps resolving read skew until
	// the transaction expires.
	GetMultiModePrioritiseReadSkewDetection
)

// GetMultiSpec names one document of a GetMulti.
type GetMultiSpec struct {
	Agent          docstore.Agent
	ScopeName      string
	CollectionName string
	Key            []byte
}

// GetMultiOptions provides options for a GetMulti operation.
type GetMultiOptions struct {
	Specs []GetMultiSpec
	Mode  GetMultiMode
}

// GetMultiResult holds one result per spec, in the order given.  The result
// of a document which does not exist is nil.
type GetMultiResult struct {
	Results []*GetResult
}

// Exists reports whether the document of spec index was found.
func (r *GetMultiResult) Exists(index int) bool {
	return index >= 0 && index < len(r.Results) && r.Results[index] != nil
}

// GetCallback is invoked with the outcome of GetAsync.
type GetCallback func(*GetResult, error)

// StoreCallback is invoked with the outcome of a staged write.
type StoreCallback func(*GetResult, error)

// Get fetches a document, failing with ErrDocumentNotFound when it does not
// exist.
func (t *Transaction) Get(ctx context.Context, opts GetOptions) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Get(ctx, opts)
}

// GetOptional fetches a document, returning a nil result when it does not
// exist.
func (t *Transaction) GetOptional(ctx context.Context, opts GetOptions) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.GetOptional(ctx, opts)
}

// GetMulti fetches several documents, resolving read skew against one other
// transaction committing concurrently.
func (t *Transaction) GetMulti(ctx context.Context, opts GetMultiOptions) (*GetMultiResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.GetMulti(ctx, opts)
}

// Insert stages the creation of a document.
func (t *Transaction) Insert(ctx context.Context, opts InsertOptions) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Insert(ctx, opts)
}

// Replace stages new content for a previously fetched document.
func (t *Transaction) Replace(ctx context.Context, opts ReplaceOptions) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Replace(ctx, opts)
}

// Remove stages the removal of a previously fetched document.
func (t *Transaction) Remove(ctx context.Context, opts RemoveOptions) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Remove(ctx, opts)
}

// Query runs a statement as part of the current attempt.
func (t *Transaction) Query(ctx context.Context, statement string, opts QueryOptions) (*QueryResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Query(ctx, statement, opts)
}

// GetAsync runs Get on its own goroutine and passes the outcome to cb.  The
// operation is registered before GetAsync returns, so a subsequent Commit or
// Rollback waits for it.
func (t *Transaction) GetAsync(ctx context.Context, opts GetOptions, cb GetCallback) error {
	return t.runAsync(cb, func(attempt *transactionAttempt) (*GetResult, error) {
		return attempt.doGet(ctx, opts)
	})
}

// InsertAsync runs Insert on its own goroutine and passes the outcome to cb.
func (t *Transaction) InsertAsync(ctx context.Context, opts InsertOptions, cb StoreCallback) error {
	return t.runAsync(cb, func(attempt *transactionAttempt) (*GetResult, error) {
		return attempt.doInsert(ctx, opts)
	})
}

// ReplaceAsync runs Replace on its own goroutine and passes the outcome to cb.
func (t *Transaction) ReplaceAsync(ctx context.Context, opts ReplaceOptions, cb StoreCallback) error {
	return t.runAsync(cb, func(attempt *transactionAttempt) (*GetResult, error) {
		return attempt.doReplace(ctx, opts)
	})
}

// RemoveAsync runs Remove on its own goroutine and passes the outcome to cb.
func (t *Transaction) RemoveAsync(ctx context.Context, opts RemoveOptions, cb StoreCallback) error {
	return t.runAsync(cb, func(attempt *transactionAttempt) (*GetResult, error) {
		return attempt.doRemove(ctx, opts)
	})
}

func (t *Transaction) runAsync(
	cb func(*GetResult, error),
	op func(attempt *transactionAttempt) (*GetResult, error),
) error {
	attempt := t.attempt
	if attempt == nil {
		return ErrNoAttempt
	}

	if err := attempt.beginOp(); err != nil {
		return err
	}

	go func() {
		result, err := op(attempt)
		attempt.endOp()
		cb(result, err)
	}()
	return nil
}

// Commit commits the current attempt.  An attempt which can no longer be
// committed is rolled back instead.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.attempt == nil {
		return ErrNoAttempt
	}

	return t.attempt.Commit(ctx)
}

// Rollback rolls back the current attempt.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.attempt == nil {
		return ErrNoAttempt
	}

	return t.attempt.Rollback(ctx)
}

// HasExpired indicates whether this attempt has expired.
func (t *Transaction) HasExpired() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.HasExpired()
}

// CanCommit indicates whether this attempt can still be committed.
func (t *Transaction) CanCommit() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.CanCommit()
}

// ShouldRollback indicates if this attempt should be rolled back.
func (t *Transaction) ShouldRollback() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.ShouldRollback()
}

// ShouldRetry indicates if a new attempt may be made after this one.
func (t *Transaction) ShouldRetry() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.ShouldRetry()
}

// SerializeAttempt encodes the current attempt so that it can be resumed,
// possibly by another client.  The attempt must not be used afterwards.
func (t *Transaction) SerializeAttempt() ([]byte, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Serialize()
}

// GetMutations returns the mutations staged by the current attempt.
func (t *Transaction) GetMutations() []StagedMutation {
	if t.attempt == nil {
		return nil
	}

	return t.attempt.GetMutations()
}

// GetATRLocation returns the ATR location of the current attempt.
func (t *Transaction) GetATRLocation() ATRLocation {
	if t.attempt != nil {
		return t.attempt.GetATRLocation()
	}

	return t.atrLocation
}

// SetATRLocation forces the ATR location of the current attempt.  This is
// only valid before anything has been staged.
func (t *Transaction) SetATRLocation(location ATRLocation) error {
	if t.attempt == nil {
		return errors.New("cannot set ATR location without an active attempt")
	}

	return t.attempt.SetATRLocation(location)
}

// Config returns the parameters of this transaction.  ExpirationTime is the
// time left rather than the configured value.
func (t *Transaction) Config() PerTransactionConfig {
	timeLeft := time.Until(t.expiryTime)
	if timeLeft < 0 {
		timeLeft = 0
	}

	return PerTransactionConfig{
		CustomATRLocation: t.GetATRLocation(),
		ExpirationTime:    timeLeft,
		DurabilityLevel:   t.durabilityLevel,
		KeyValueTimeout:   t.keyValueTimeout,
	}
}

// result builds the Result for this transaction from the given attempts.
func (t *Transaction) result(attempts []Attempt) *Result {
	res := &Result{
		TransactionID: t.transactionID,
		Attempts:      attempts,
	}
	res.UnstagingComplete = res.lastAttempt().UnstagingComplete
	return res
}
