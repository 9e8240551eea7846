package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Transactions is the top level object for running transactions.  It owns
// the cleanup of this client's attempts and the lost-attempt cleanup process.
type Transactions struct {
	config      Config
	cleaner     Cleaner
	lostCleanup lostTransactionCleaner
	logger      *zap.Logger
}

// Init creates a Transactions object from config.  Unset fields take their
// defaults.
func Init(config *Config) (*Transactions, error) {
	if config == nil {
		config = &Config{
			CleanupClientAttempts: true,
			CleanupLostAttempts:   true,
		}
	}

	cfg := config.withDefaults()
	if cfg.BucketAgentProvider == nil {
		cfg.BucketAgentProvider = func(bucketName string) (docstore.Agent, error) {
			return nil, errors.New("no bucket agent provider was specified")
		}
	}
	if cfg.NumATRs <= 0 || cfg.NumATRs > len(atrIDList) {
		return nil, errors.Errorf("invalid number of atrs: %d", cfg.NumATRs)
	}

	t := &Transactions{
		config: cfg,
		logger: cfg.Logger.Named("transactions"),
	}

	if cfg.CleanupClientAttempts {
		t.cleaner = startCleanupThread(&cfg)
	} else {
		t.cleaner = &noopCleaner{}
	}

	if cfg.CleanupLostAttempts {
		t.lostCleanup = startLostTransactionCleaner(&cfg)
	} else {
		t.lostCleanup = &noopLostTransactionCleaner{}
	}

	t.logger.Debug("initialized",
		zap.Duration("expirationTime", cfg.ExpirationTime),
		zap.Duration("keyValueTimeout", cfg.KeyValueTimeout),
		zap.Duration("cleanupWindow", cfg.CleanupWindow),
		zap.Int("numAtrs", cfg.NumATRs),
		zap.Bool("cleanupClientAttempts", cfg.CleanupClientAttempts),
		zap.Bool("cleanupLostAttempts", cfg.CleanupLostAttempts))

	return t, nil
}

// Config returns the config this object was initialized with, defaults
// applied.
func (t *Transactions) Config() Config {
	return t.config
}

// BeginTransaction begins a new transaction.  NewAttempt must be called on
// the result before performing operations.
func (t *Transactions) BeginTransaction(perConfig *PerTransactionConfig) (*Transaction, error) {
	expirationTime := t.config.ExpirationTime
	durabilityLevel := t.config.DurabilityLevel
	keyValueTimeout := t.config.KeyValueTimeout
	atrLocation := t.config.CustomATRLocation

	if perConfig != nil {
		if perConfig.ExpirationTime != 0 {
			expirationTime = perConfig.ExpirationTime
		}
		if perConfig.DurabilityLevel != DurabilityLevelUnknown {
			durabilityLevel = perConfig.DurabilityLevel
		}
		if perConfig.KeyValueTimeout != 0 {
			keyValueTimeout = perConfig.KeyValueTimeout
		}
		if perConfig.CustomATRLocation.Agent != nil {
			atrLocation = perConfig.CustomATRLocation
		}
	}

	now := time.Now()
	return t.newTransaction(uuid.New().String(), now, now.Add(expirationTime),
		durabilityLevel, keyValueTimeout, atrLocation), nil
}

func (t *Transactions) newTransaction(
	transactionID string,
	startTime, expiryTime time.Time,
	durabilityLevel DurabilityLevel,
	keyValueTimeout time.Duration,
	atrLocation ATRLocation,
) *Transaction {
	return &Transaction{
		parent:          t,
		expiryTime:      expiryTime,
		startTime:       startTime,
		keyValueTimeout: keyValueTimeout,
		durabilityLevel: durabilityLevel,
		atrLocation:     atrLocation,
		numATRs:         t.config.NumATRs,
		provider:        t.config.BucketAgentProvider,
		transactionID:   transactionID,
		hooks:           t.config.Internal.Hooks,
		cleaner:         t.cleaner,
		lostCleanup:     t.lostCleanup,
		logger:          t.config.Logger,
	}
}

// ResumeTransactionAttempt resumes an attempt previously serialized with
// SerializeAttempt, potentially by a different client.
func (t *Transactions) ResumeTransactionAttempt(txnBytes []byte) (*Transaction, error) {
	var txnData jsonSerializedAttempt
	if err := json.Unmarshal(txnBytes, &txnData); err != nil {
		return nil, errors.Wrap(err, "invalid txn data")
	}

	if txnData.ID.Transaction == "" {
		return nil, errors.New("invalid txn data - no transaction id")
	}
	if txnData.Config.DurabilityLevel == "" {
		return nil, errors.New("invalid txn data - no durability level")
	}
	if txnData.State.TimeLeftMs <= 0 {
		return nil, errors.New("invalid txn data - time left must be greater than 0")
	}
	if txnData.Config.KeyValueTimeoutMs <= 0 {
		return nil, errors.New("invalid txn data - kv timeout must be greater than 0")
	}
	if txnData.Config.NumAtrs <= 0 || txnData.Config.NumAtrs > len(atrIDList) {
		return nil, errors.Errorf("invalid txn data - num atrs must be between 1 and %d", len(atrIDList))
	}

	durabilityLevel := durabilityLevelFromShorthand(jsonDurabilityLevel(txnData.Config.DurabilityLevel))
	timeLeft := time.Duration(txnData.State.TimeLeftMs) * time.Millisecond
	keyValueTimeout := time.Duration(txnData.Config.KeyValueTimeoutMs) * time.Millisecond

	now := time.Now()
	txn := t.newTransaction(txnData.ID.Transaction, now, now.Add(timeLeft),
		durabilityLevel, keyValueTimeout, ATRLocation{})
	txn.numATRs = txnData.Config.NumAtrs

	if err := txn.resumeAttempt(&txnData); err != nil {
		return nil, err
	}

	return txn, nil
}

// AttemptFunc is the application logic of a transaction.  It is called once
// per attempt and may be called several times.
type AttemptFunc func(ctx context.Context, attempt *AttemptContext) error

// AttemptContext is handed to an AttemptFunc and performs operations within
// the current attempt.
type AttemptContext struct {
	attempt *transactionAttempt
}

// ID returns the id of the current attempt.
func (c *AttemptContext) ID() string {
	return c.attempt.id
}

// TransactionID returns the id of the transaction the attempt belongs to.
func (c *AttemptContext) TransactionID() string {
	return c.attempt.transactionID
}

// Get fetches a document, failing with ErrDocumentNotFound when it does not
// exist.
func (c *AttemptContext) Get(ctx context.Context, opts GetOptions) (*GetResult, error) {
	return c.attempt.Get(ctx, opts)
}

// GetOptional fetches a document, returning nil when it does not exist.
func (c *AttemptContext) GetOptional(ctx context.Context, opts GetOptions) (*GetResult, error) {
	return c.attempt.GetOptional(ctx, opts)
}

// GetMulti fetches several documents as one consistent set.
func (c *AttemptContext) GetMulti(ctx context.Context, opts GetMultiOptions) (*GetMultiResult, error) {
	return c.attempt.GetMulti(ctx, opts)
}

// Insert stages the creation of a document.
func (c *AttemptContext) Insert(ctx context.Context, opts InsertOptions) (*GetResult, error) {
	return c.attempt.Insert(ctx, opts)
}

// Replace stages new content for a fetched document.
func (c *AttemptContext) Replace(ctx context.Context, opts ReplaceOptions) (*GetResult, error) {
	return c.attempt.Replace(ctx, opts)
}

// Remove stages the removal of a fetched document.
func (c *AttemptContext) Remove(ctx context.Context, opts RemoveOptions) (*GetResult, error) {
	return c.attempt.Remove(ctx, opts)
}

// Query runs a statement within the attempt.
func (c *AttemptContext) Query(ctx context.Context, statement string, opts QueryOptions) (*QueryResult, error) {
	return c.attempt.Query(ctx, statement, opts)
}

func newAttemptRetryBackoff() retry.Backoff {
	return retry.WithCappedDuration(100*time.Millisecond, retry.NewExponential(1*time.Millisecond))
}

// Run executes logic as a transaction.  Each attempt runs logic and then
// commits, or rolls back when logic fails.  Attempts are retried until one
// succeeds, a failure cannot be retried or the transaction expires.
//
// A transaction which committed but could not unstage every document is a
// success with Result.UnstagingComplete unset; cleanup finishes the work.
func (t *Transactions) Run(ctx context.Context, logic AttemptFunc, perConfig *PerTransactionConfig) (*Result, error) {
	txn, err := t.BeginTransaction(perConfig)
	if err != nil {
		return nil, err
	}

	logger := t.logger.With(zap.String("txnId", txn.ID()))
	backoff := newAttemptRetryBackoff()
	var attempts []Attempt

	for {
		if err := txn.NewAttempt(); err != nil {
			return nil, err
		}
		attempt := txn.attempt

		var opErr error
		if lerr := logic(ctx, &AttemptContext{attempt: attempt}); lerr != nil {
			opErr = attempt.logicFailed(lerr)
			if attempt.ShouldRollback() {
				if rerr := attempt.Rollback(ctx); rerr != nil {
					attempt.logger.Debug("rollback after failed logic errored", zap.Error(rerr))
				}
			}
		} else {
			opErr = attempt.Commit(ctx)
		}

		attempts = append(attempts, attempt.State())
		if opErr == nil {
			logger.Debug("transaction completed", zap.Int("numAttempts", len(attempts)))
			return txn.result(attempts), nil
		}

		final := attempt.FinalError()
		if final == nil {
			final = &TransactionOperationFailedError{
				shouldNotRetry: true,
				errorCause:     opErr,
				shouldRaise:    ErrorReasonTransactionFailed,
				errorClass:     classifyError(opErr).Class,
			}
		}

		switch final.shouldRaise {
		case ErrorReasonTransactionFailedPostCommit:
			logger.Info("transaction committed, unstaging left to cleanup", zap.Error(final))
			res := txn.result(attempts)
			res.UnstagingComplete = false
			return res, nil
		case ErrorReasonTransactionCommitAmbiguous:
			return nil, &TransactionCommitAmbiguousError{
				transactionFinalError{ErrTransactionCommitAmbiguous, final, txn.result(attempts)},
			}
		case ErrorReasonTransactionExpired:
			return nil, &TransactionExpiredError{
				transactionFinalError{ErrTransactionExpired, final, txn.result(attempts)},
			}
		}

		if final.Retry() && attempt.ShouldRetry() && !transactionHasExpired(txn.expiryTime) {
			logger.Debug("retrying transaction", zap.Int("numAttempts", len(attempts)), zap.Error(final))
			if waitBackoff(ctx, backoff) {
				continue
			}
		}

		if attempt.HasExpired() || transactionHasExpired(txn.expiryTime) {
			return nil, &TransactionExpiredError{
				transactionFinalError{ErrTransactionExpired, final, txn.result(attempts)},
			}
		}
		return nil, &TransactionFailedError{
			transactionFinalError{ErrTransactionFailed, final, txn.result(attempts)},
		}
	}
}

// Close shuts down the cleanup processes of this object.
func (t *Transactions) Close() error {
	t.cleaner.Close()
	t.lostCleanup.Close()

	return nil
}

// TransactionsInternal exposes methods which are useful for testing and
// other specialized use.
type TransactionsInternal struct {
	parent *Transactions
}

// Internal returns a TransactionsInternal for this object.
func (t *Transactions) Internal() *TransactionsInternal {
	return &TransactionsInternal{
		parent: t,
	}
}

// CreateGetResultOptions exposes options for the Internal CreateGetResult method.
type CreateGetResultOptions struct {
	Agent          docstore.Agent
	ScopeName      string
	CollectionName string
	Key            []byte
	Cas            docstore.Cas
	Links          *TransactionLinks
}

// CreateGetResult builds a GetResult which can be passed to Replace or Remove
// when the original result is no longer available.
func (t *TransactionsInternal) CreateGetResult(opts CreateGetResultOptions) *GetResult {
	return &GetResult{
		agent:          opts.Agent,
		scopeName:      nonEmpty(opts.ScopeName, defaultScopeName),
		collectionName: nonEmpty(opts.CollectionName, defaultCollectionName),
		key:            opts.Key,
		Links:          opts.Links,
		Cas:            opts.Cas,
	}
}

// ForceCleanupQueue drains the cleanup queue without waiting for requests
// to become due.
func (t *TransactionsInternal) ForceCleanupQueue(ctx context.Context) []CleanupAttempt {
	return t.parent.cleaner.ForceCleanupQueue(ctx)
}

// CleanupQueueLength returns the current length of the cleanup queue.
func (t *TransactionsInternal) CleanupQueueLength() int32 {
	return t.parent.cleaner.QueueLength()
}

// LostCleaner returns a standalone lost-attempt cleaner sharing this
// object's config.  The caller must Close it.
func (t *TransactionsInternal) LostCleaner() LostTransactionCleaner {
	return NewLostTransactionCleaner(&t.parent.config)
}
