package transactions

import (
	"context"
	"sync"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type transactionAttempt struct {
	// immutable state
	expiryTime          time.Time
	txnStartTime        time.Time
	keyValueTimeout     time.Duration
	durabilityLevel     DurabilityLevel
	transactionID       string
	id                  string
	hooks               TransactionHooks
	numATRs             int
	atrLocation         ATRLocation
	bucketAgentProvider docstore.BucketProvider
	cleaner             Cleaner
	lostCleanup         lostTransactionCleaner
	logger              *zap.Logger

	// mutable state
	lock              sync.Mutex
	state             AttemptState
	stateBits         atomic.Uint32
	stagedMutations   stagedMutationQueue
	atrAgent          docstore.Agent
	atrScopeName      string
	atrCollectionName string
	atrKey            []byte
	finalizing        bool
	hasCleanupRequest bool
	atrWaitCh         chan struct{}

	ops    opsWaitGroup
	errors errorList

	// Once a query runs, the query service owns the attempt and every later
	// operation is sent through it.  queryLock serializes that traffic and
	// kvOps counts the KV operations which must drain before BEGIN WORK.
	queryLock  sync.Mutex
	queryMode  bool
	queryTxID  string
	queryAgent docstore.QueryAgent
	kvOps      opsWaitGroup
}

// State returns a snapshot of the attempt for reporting.
func (t *transactionAttempt) State() Attempt {
	t.lock.Lock()
	defer t.lock.Unlock()

	state := Attempt{
		State:                 t.state,
		ID:                    t.id,
		Expired:               t.hasStateBit(transactionStateBitHasExpired),
		PreExpiryAutoRollback: t.hasStateBit(transactionStateBitPreExpiryAutoRollback),
		UnstagingComplete:     t.state == AttemptStateCompleted,
	}

	if t.atrAgent != nil {
		state.AtrBucketName = t.atrAgent.BucketName()
		state.AtrScopeName = t.atrScopeName
		state.AtrCollectionName = t.atrCollectionName
		state.AtrID = t.atrKey
	}

	return state
}

func (t *transactionAttempt) HasExpired() bool {
	return t.isExpiryOvertimeAtomic()
}

func (t *transactionAttempt) CanCommit() bool {
	return !t.hasStateBit(transactionStateBitShouldNotCommit)
}

func (t *transactionAttempt) ShouldRollback() bool {
	return !t.hasStateBit(transactionStateBitShouldNotRollback)
}

func (t *transactionAttempt) ShouldRetry() bool {
	return !t.hasStateBit(transactionStateBitShouldNotRetry) && !t.isExpiryOvertimeAtomic()
}

// FinalError returns the merged failure recorded against this attempt.
func (t *transactionAttempt) FinalError() *TransactionOperationFailedError {
	return t.errors.merged()
}

// GetATRLocation returns where the attempt placed its ATR entry, or where it
// will place it when nothing has been written yet.
func (t *transactionAttempt) GetATRLocation() ATRLocation {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.atrAgent != nil {
		return ATRLocation{
			Agent:          t.atrAgent,
			ScopeName:      t.atrScopeName,
			CollectionName: t.atrCollectionName,
		}
	}
	return t.atrLocation
}

// SetATRLocation pins the ATR location.  Only valid before the first mutation.
func (t *transactionAttempt) SetATRLocation(location ATRLocation) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.atrAgent != nil {
		return errors.New("atr location cannot be changed once the atr has been selected")
	}
	t.atrLocation = location
	return nil
}

func (t *transactionAttempt) GetMutations() []StagedMutation {
	t.lock.Lock()
	defer t.lock.Unlock()

	mutations := make([]StagedMutation, 0, t.stagedMutations.len())
	for _, mutation := range t.stagedMutations.all() {
		mutations = append(mutations, mutation.public())
	}
	return mutations
}

// opContext bounds a single KV operation by the KV timeout and, outside of
// overtime, by what remains of the attempt.
func (t *transactionAttempt) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := t.keyValueTimeout
	if !t.isExpiryOvertimeAtomic() {
		if remaining := time.Until(t.expiryTime); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (t *transactionAttempt) docstoreDurability() docstore.DurabilityLevel {
	return durabilityLevelToDocstore(t.durabilityLevel)
}
