package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/couchbaselabs/txnengine/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestCleanupCommitsAfterPostCommitFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	hooks := &failingHooks{err: errors.New("unstaging blew up")}
	hooks.fail.Store(true)
	txns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = hooks
	})
	useManualCleaner(t, txns)

	seedDoc(t, agent, "replaceDoc", `{"v":1}`)
	seedDoc(t, agent, "removeDoc", `{"v":1}`)

	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		if _, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("insertDoc"),
			Value: json.RawMessage(`{"v":"new"}`),
		}); err != nil {
			return err
		}

		res, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("replaceDoc")})
		if err != nil {
			return err
		}
		if _, err := attempt.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)}); err != nil {
			return err
		}

		res, err = attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("removeDoc")})
		if err != nil {
			return err
		}
		_, err = attempt.Remove(ctx, RemoveOptions{Document: res})
		return err
	}, nil)
	require.NoError(t, err)
	assert.False(t, result.UnstagingComplete)

	// Only the remove got past the failing hook.
	assert.NotContains(t, agent.Keys("", ""), "insertDoc")
	assert.JSONEq(t, `{"v":1}`, string(readDoc(t, agent, "replaceDoc").Body))
	assert.NotContains(t, agent.Keys("", ""), "removeDoc")

	hooks.fail.Store(false)

	require.EqualValues(t, 1, txns.Internal().CleanupQueueLength())
	attempts := txns.Internal().ForceCleanupQueue(ctx)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success, "cleanup failed: %v", attempts[0].Err)
	assert.True(t, attempts[0].IsRegular)
	assert.Equal(t, result.Attempts[0].ID, attempts[0].AttemptID)
	assert.EqualValues(t, 0, txns.Internal().CleanupQueueLength())

	requireCommittedBody(t, agent, "insertDoc", `{"v":"new"}`)
	requireCommittedBody(t, agent, "replaceDoc", `{"v":2}`)
	assert.NotContains(t, agent.Keys("", ""), "removeDoc")

	assert.Nil(t, testATREntry(t, agent, result.Attempts[0]), "atr entry should be removed")
}

func TestCleanupOfPendingAttemptWaitsForExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memstore.New(memstore.WithClock(clock.Now))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)
	cleaner := useManualCleaner(t, txns)

	seedDoc(t, agent, "replaceDoc", `{"v":1}`)
	seedDoc(t, agent, "removeDoc", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	res, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("replaceDoc")})
	require.NoError(t, err)
	_, err = txn.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	res, err = txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("removeDoc")})
	require.NoError(t, err)
	_, err = txn.Remove(ctx, RemoveOptions{Document: res})
	require.NoError(t, err)
	_, err = txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("insertDoc"), Value: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)

	attempt := txn.Attempt()
	req := &CleanupRequest{
		AttemptID:         attempt.ID,
		AtrID:             attempt.AtrID,
		AtrBucketName:     attempt.AtrBucketName,
		AtrScopeName:      attempt.AtrScopeName,
		AtrCollectionName: attempt.AtrCollectionName,
		Inserts:           []DocRecord{{BucketName: testBucket, ID: []byte("insertDoc")}},
		Replaces:          []DocRecord{{BucketName: testBucket, ID: []byte("replaceDoc")}},
		Removes:           []DocRecord{{BucketName: testBucket, ID: []byte("removeDoc")}},
		State:             AttemptStatePending,
		CheckIfExpired:    true,
	}

	// The owner may still be running, so the entry is left alone.
	cleanup := cleaner.CleanupAttempt(ctx, req, false)
	assert.False(t, cleanup.Success)
	assert.ErrorIs(t, cleanup.Err, errCleanupNotExpired)
	entry := testATREntry(t, agent, attempt)
	require.NotNil(t, entry)
	assert.Equal(t, AttemptStatePending, entry.State)
	// Documents are only listed in the entry from the commit or abort point.
	assert.Empty(t, entry.Replaces)

	clock.Advance(time.Minute)

	cleanup = cleaner.CleanupAttempt(ctx, req, false)
	require.True(t, cleanup.Success, "cleanup failed: %v", cleanup.Err)
	assert.False(t, cleanup.IsRegular)

	assert.Nil(t, testATREntry(t, agent, attempt))
	requireCommittedBody(t, agent, "replaceDoc", `{"v":1}`)
	requireCommittedBody(t, agent, "removeDoc", `{"v":1}`)
	assert.NotContains(t, agent.Keys("", ""), "insertDoc")
	requireNoLinks(t, readDoc(t, agent, "insertDoc"))

	// The owner can no longer commit once its entry is gone.
	assert.Error(t, txn.Commit(ctx))
	requireCommittedBody(t, agent, "replaceDoc", `{"v":1}`)

	// Running it again is a no-op.
	cleanup = cleaner.CleanupAttempt(ctx, req, false)
	assert.True(t, cleanup.Success)
}

func TestCleanupOfAbortedAttempt(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)
	cleaner := useManualCleaner(t, txns)

	seedDoc(t, agent, "replaceDoc", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())
	res, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("replaceDoc")})
	require.NoError(t, err)
	_, err = txn.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)

	// Mark the entry aborted without rolling back the documents, as a
	// client crashing mid-rollback would.
	tAttempt := txn.attempt
	require.Nil(t, tAttempt.setATRAbortedExclusive(ctx))

	attempt := txn.Attempt()
	cleanup := cleaner.CleanupAttempt(ctx, &CleanupRequest{
		AttemptID:         attempt.ID,
		AtrID:             attempt.AtrID,
		AtrBucketName:     attempt.AtrBucketName,
		AtrScopeName:      attempt.AtrScopeName,
		AtrCollectionName: attempt.AtrCollectionName,
		State:             AttemptStateAborted,
	}, true)
	require.True(t, cleanup.Success, "cleanup failed: %v", cleanup.Err)

	requireCommittedBody(t, agent, "replaceDoc", `{"v":1}`)
	assert.Nil(t, testATREntry(t, agent, attempt))
}

func TestCleanupQueueOrdersByReadyTime(t *testing.T) {
	now := time.Now()
	q := newCleanupQueue()

	late := &CleanupRequest{AttemptID: "late", ReadyTime: now.Add(time.Hour)}
	soon := &CleanupRequest{AttemptID: "soon", ReadyTime: now.Add(time.Second)}
	due := &CleanupRequest{AttemptID: "due", ReadyTime: now.Add(-time.Second)}

	q.Push(late)
	q.Push(soon)
	q.Push(due)
	require.Equal(t, 3, q.Len())
	assert.Same(t, due, q.Peek())

	assert.Same(t, due, q.PopReady(now))
	assert.Nil(t, q.PopReady(now), "soon is not due yet")

	assert.True(t, q.Update(late, now.Add(-time.Minute)))
	assert.Same(t, late, q.PopReady(now))

	assert.True(t, q.Remove(soon))
	assert.False(t, q.Remove(soon))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Pop())
}

func TestCleanerDropsRequestsWhenFull(t *testing.T) {
	store := memstore.New()
	cfg := Config{
		CleanupQueueSize:    2,
		BucketAgentProvider: store.BucketProvider(),
	}
	cleaner := newStdCleaner(&cfg)
	defer cleaner.Close()

	assert.True(t, cleaner.AddRequest(&CleanupRequest{AttemptID: "1"}))
	assert.True(t, cleaner.AddRequest(&CleanupRequest{AttemptID: "2"}))
	assert.False(t, cleaner.AddRequest(&CleanupRequest{AttemptID: "3"}))
	assert.EqualValues(t, 2, cleaner.QueueLength())

	cleaner.Close()
	assert.False(t, cleaner.AddRequest(&CleanupRequest{AttemptID: "4"}))
}

func TestCleanerPopsOnlyDueRequests(t *testing.T) {
	store := memstore.New()
	cleaner := newStdCleaner(&Config{BucketAgentProvider: store.BucketProvider()})
	defer cleaner.Close()

	cleaner.AddRequest(&CleanupRequest{AttemptID: "later", ReadyTime: time.Now().Add(time.Hour)})
	assert.Nil(t, cleaner.PopRequest())

	cleaner.AddRequest(&CleanupRequest{AttemptID: "now", ReadyTime: time.Now().Add(-time.Millisecond)})
	req := cleaner.PopRequest()
	require.NotNil(t, req)
	assert.Equal(t, "now", req.AttemptID)
}

func TestATREntryHasExpired(t *testing.T) {
	entry := &ATREntry{
		StartMs:        1000,
		ExpiresAfterMs: 15000,
		AtrCasMs:       16000,
	}
	assert.False(t, entry.HasExpired(0), "exactly at expiry is not expired")
	assert.Equal(t, int64(15000), entry.AgeMs())

	entry.AtrCasMs = 16001
	assert.True(t, entry.HasExpired(0))
	assert.False(t, entry.HasExpired(cleanupSafetyMarginMs))

	entry.AtrCasMs = 16000 + cleanupSafetyMarginMs + 1
	assert.True(t, entry.HasExpired(cleanupSafetyMarginMs))
}

// failingCleanupHooks fails reading the ATR while fail is set.
type failingCleanupHooks struct {
	DefaultCleanupHooks
	fail atomic.Bool
}

func (h *failingCleanupHooks) BeforeATRGet(ctx context.Context, id []byte) error {
	if h.fail.Load() {
		return errors.New("atr unavailable")
	}
	return nil
}

func TestCleanerKeepsFailedRequestQueued(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	hooks := &failingCleanupHooks{}
	hooks.fail.Store(true)
	cfg := &Config{
		CleanupQueueSize:    1,
		BucketAgentProvider: store.BucketProvider(),
	}
	cfg.Internal.CleanUpHooks = hooks
	cleaner := newStdCleaner(cfg)
	defer cleaner.Close()
	cleaner.retryDelay = time.Hour

	req := &CleanupRequest{
		AttemptID:     "attempt",
		AtrID:         []byte("atr"),
		AtrBucketName: testBucket,
		ReadyTime:     time.Now().Add(-time.Second),
	}
	require.True(t, cleaner.AddRequest(req))

	cleaner.processDue(ctx)

	// The failed request was rescheduled in place rather than re-added, so
	// it still holds the only slot.
	assert.EqualValues(t, 1, cleaner.QueueLength())
	assert.True(t, req.ReadyTime.After(time.Now().Add(59*time.Minute)))
	assert.Nil(t, cleaner.PopRequest(), "rescheduled request is not due")
	assert.False(t, cleaner.AddRequest(&CleanupRequest{AttemptID: "other"}))

	hooks.fail.Store(false)
	cleaner.qLock.Lock()
	require.True(t, cleaner.q.Update(req, time.Now().Add(-time.Second)))
	cleaner.qLock.Unlock()

	cleaner.processDue(ctx)
	assert.EqualValues(t, 0, cleaner.QueueLength())
}
