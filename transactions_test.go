// Copyright 2021 Couchbase
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/couchbaselabs/txnengine/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertCommits(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		_, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("insertDoc"),
			Value: json.RawMessage(`{"name":"joel"}`),
		})
		return err
	}, nil)
	require.NoError(t, err, "transaction failed")

	assert.True(t, result.UnstagingComplete)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, AttemptStateCompleted, result.Attempts[0].State)
	assert.Equal(t, testBucket, result.Attempts[0].AtrBucketName)

	requireCommittedBody(t, agent, "insertDoc", `{"name":"joel"}`)

	entry := testATREntry(t, agent, result.Attempts[0])
	require.NotNil(t, entry)
	assert.Equal(t, AttemptStateCompleted, entry.State)
	assert.Equal(t, result.TransactionID, entry.TransactionID)

	_, err = agent.Add(ctx, &docstore.AddOptions{Key: []byte("insertDoc"), Value: []byte(`{}`)})
	assert.ErrorIs(t, err, docstore.ErrDocumentExists)
}

func TestInsertExistingDocumentFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "existing", `{"v":1}`)

	var insertErr error
	_, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		_, insertErr = attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("existing"),
			Value: json.RawMessage(`{"v":2}`),
		})
		return nil
	}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, insertErr, ErrDocumentAlreadyExists)
	requireCommittedBody(t, agent, "existing", `{"v":1}`)
}

func TestReadOnlyTransactionWritesNoATR(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "readDoc", `{"v":1}`)

	var got json.RawMessage
	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		res, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("readDoc")})
		if err != nil {
			return err
		}
		got = res.Value

		missing, err := attempt.GetOptional(ctx, GetOptions{Agent: agent, Key: []byte("missingDoc")})
		if err != nil {
			return err
		}
		assert.Nil(t, missing)
		return nil
	}, nil)
	require.NoError(t, err)

	assert.JSONEq(t, `{"v":1}`, string(got))
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, AttemptStateNothingWritten, result.Attempts[0].State)
	assert.Empty(t, result.Attempts[0].AtrID)
	assert.ElementsMatch(t, []string{"readDoc"}, agent.Keys("", ""))
}

func TestGetMissingDocument(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("nope")})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	// A missing document is an application outcome, the attempt carries on.
	assert.True(t, txn.CanCommit())
	require.NoError(t, txn.Commit(ctx))
}

func TestReplaceAndRemoveCommit(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "replaceDoc", `{"name":"joel"}`)
	seedDoc(t, agent, "removeDoc", `{"name":"mike"}`)

	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		res, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("replaceDoc")})
		if err != nil {
			return err
		}
		if _, err := attempt.Replace(ctx, ReplaceOptions{
			Document: res,
			Value:    json.RawMessage(`{"name":"frank"}`),
		}); err != nil {
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
	assert.True(t, result.UnstagingComplete)

	requireCommittedBody(t, agent, "replaceDoc", `{"name":"frank"}`)
	assert.True(t, readDoc(t, agent, "removeDoc").Deleted)
	assert.NotContains(t, agent.Keys("", ""), "removeDoc")
}

func TestReadYourOwnWrites(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "a", `{"v":1}`)
	seedDoc(t, agent, "b", `{"v":1}`)

	_, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		if _, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("c"),
			Value: json.RawMessage(`{"v":"inserted"}`),
		}); err != nil {
			return err
		}
		res, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("c")})
		if err != nil {
			return err
		}
		assert.JSONEq(t, `{"v":"inserted"}`, string(res.Value))

		res, err = attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("a")})
		if err != nil {
			return err
		}
		if _, err := attempt.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)}); err != nil {
			return err
		}
		res, err = attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("a")})
		if err != nil {
			return err
		}
		assert.JSONEq(t, `{"v":2}`, string(res.Value))

		res, err = attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("b")})
		if err != nil {
			return err
		}
		if _, err := attempt.Remove(ctx, RemoveOptions{Document: res}); err != nil {
			return err
		}
		res, err = attempt.GetOptional(ctx, GetOptions{Agent: agent, Key: []byte("b")})
		if err != nil {
			return err
		}
		assert.Nil(t, res)

		_, err = attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("b")})
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		// Other readers still see the committed versions.
		assert.JSONEq(t, `{"v":1}`, string(readDoc(t, agent, "a").Body))
		assert.NotContains(t, agent.Keys("", ""), "c")
		return nil
	}, nil)
	require.NoError(t, err)

	requireCommittedBody(t, agent, "a", `{"v":2}`)
	requireCommittedBody(t, agent, "c", `{"v":"inserted"}`)
	assert.NotContains(t, agent.Keys("", ""), "b")
}

func TestExplicitRollback(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "a", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	res, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("a")})
	require.NoError(t, err)
	_, err = txn.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	_, err = txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("b"), Value: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)

	assert.Len(t, txn.GetMutations(), 2)
	assert.Equal(t, AttemptStatePending, txn.Attempt().State)

	require.NoError(t, txn.Rollback(ctx))

	attempt := txn.Attempt()
	assert.Equal(t, AttemptStateRolledBack, attempt.State)
	requireCommittedBody(t, agent, "a", `{"v":1}`)
	assert.NotContains(t, agent.Keys("", ""), "b")
	if doc := agent.Document("", "", []byte("b")); doc != nil {
		requireNoLinks(t, doc)
	}

	entry := testATREntry(t, agent, attempt)
	require.NotNil(t, entry)
	assert.Equal(t, AttemptStateRolledBack, entry.State)

	_, err = txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("a")})
	assert.Error(t, err, "operations after rollback must fail")
}

func TestStaleCasReplaceFailsCommit(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "a", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	stale := txns.Internal().CreateGetResult(CreateGetResultOptions{
		Agent: agent,
		Key:   []byte("a"),
		Cas:   1,
	})
	_, err = txn.Replace(ctx, ReplaceOptions{Document: stale, Value: json.RawMessage(`{"v":2}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCasMismatch)

	var tErr *TransactionOperationFailedError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, ErrorClassFailCasMismatch, tErr.ErrorClass())
	assert.True(t, tErr.Retry())
	assert.True(t, tErr.Rollback())
	assert.Equal(t, ActionRetryAttempt, ErrorActionOf(err))
	assert.False(t, txn.CanCommit())

	err = txn.Commit(ctx)
	assert.ErrorIs(t, err, ErrPreviousOperationFailed)

	requireCommittedBody(t, agent, "a", `{"v":1}`)
}

func TestUncaughtUserErrorFailsTransaction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	errBoom := errors.New("boom")
	calls := 0
	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		calls++
		if _, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("doomed"),
			Value: json.RawMessage(`{"v":1}`),
		}); err != nil {
			return err
		}
		return errBoom
	}, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, calls, "user errors must not be retried")

	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, err, ErrUncaughtUserError)
	assert.ErrorIs(t, err, ErrTransactionFailed)

	var failedErr *TransactionFailedError
	require.ErrorAs(t, err, &failedErr)
	failedResult := failedErr.Result()
	require.NotNil(t, failedResult)
	require.Len(t, failedResult.Attempts, 1)
	assert.Equal(t, AttemptStateRolledBack, failedResult.Attempts[0].State)
	assert.False(t, failedResult.UnstagingComplete)

	assert.NotContains(t, agent.Keys("", ""), "doomed")
}

func TestExpiredTransaction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = &expiringHooks{stage: hookInsert}
	})

	_, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		_, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("late"),
			Value: json.RawMessage(`{"v":1}`),
		})
		return err
	}, nil)
	require.Error(t, err)

	var expiredErr *TransactionExpiredError
	require.ErrorAs(t, err, &expiredErr)
	assert.ErrorIs(t, err, ErrTransactionExpired)
	assert.ErrorIs(t, err, ErrAttemptExpired)
	require.NotNil(t, expiredErr.Result())
	assert.Len(t, expiredErr.Result().Attempts, 1)

	assert.NotContains(t, agent.Keys("", ""), "late")
}

func TestExpiryTimeIsHonoured(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	_, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		time.Sleep(100 * time.Millisecond)
		_, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("slow"),
			Value: json.RawMessage(`{"v":1}`),
		})
		return err
	}, &PerTransactionConfig{ExpirationTime: 50 * time.Millisecond})

	var expiredErr *TransactionExpiredError
	assert.ErrorAs(t, err, &expiredErr)
}

func TestWriteWriteConflictWithActiveAttemptExpires(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "contended", `{"v":1}`)

	blocker, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, blocker.NewAttempt())
	res, err := blocker.Get(ctx, GetOptions{Agent: agent, Key: []byte("contended")})
	require.NoError(t, err)
	_, err = blocker.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":"blocker"}`)})
	require.NoError(t, err)

	_, err = txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		res, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("contended")})
		if err != nil {
			return err
		}
		_, err = attempt.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":"other"}`)})
		return err
	}, &PerTransactionConfig{ExpirationTime: 300 * time.Millisecond})

	var expiredErr *TransactionExpiredError
	require.ErrorAs(t, err, &expiredErr)

	require.NoError(t, blocker.Commit(ctx))
	requireCommittedBody(t, agent, "contended", `{"v":"blocker"}`)
}

func TestWriteWriteConflictWithExpiredAttemptProceeds(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := memstore.New(memstore.WithClock(clock.Now))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "contended", `{"v":1}`)

	abandoned, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, abandoned.NewAttempt())
	res, err := abandoned.Get(ctx, GetOptions{Agent: agent, Key: []byte("contended")})
	require.NoError(t, err)
	_, err = abandoned.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":"abandoned"}`)})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	_, err = txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		res, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte("contended")})
		if err != nil {
			return err
		}
		assert.JSONEq(t, `{"v":1}`, string(res.Value))
		_, err = attempt.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":"winner"}`)})
		return err
	}, nil)
	require.NoError(t, err)

	requireCommittedBody(t, agent, "contended", `{"v":"winner"}`)
}

func TestPostCommitFailureIsSuccess(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	hooks := &failingHooks{err: errors.New("unstaging blew up")}
	hooks.fail.Store(true)
	txns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = hooks
	})

	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		_, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("postCommit"),
			Value: json.RawMessage(`{"v":1}`),
		})
		return err
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.UnstagingComplete)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, AttemptStateCommitted, result.Attempts[0].State)

	entry := testATREntry(t, agent, result.Attempts[0])
	require.NotNil(t, entry)
	assert.Equal(t, AttemptStateCommitted, entry.State)
}

func TestSerializeAndResumeAttempt(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "replaceDoc", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	res, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("replaceDoc")})
	require.NoError(t, err)
	_, err = txn.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	_, err = txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("insertDoc"), Value: json.RawMessage(`{"v":"new"}`)})
	require.NoError(t, err)

	txnBytes, err := txn.SerializeAttempt()
	require.NoError(t, err)

	var txnData jsonSerializedAttempt
	require.NoError(t, json.Unmarshal(txnBytes, &txnData))
	assert.Equal(t, txn.ID(), txnData.ID.Transaction)
	assert.Equal(t, "n", txnData.Config.DurabilityLevel)
	assert.Len(t, txnData.Mutations, 2)
	assert.NotEmpty(t, txnData.ATR.ID)

	resumed, err := txns.ResumeTransactionAttempt(txnBytes)
	require.NoError(t, err)
	assert.Equal(t, txn.ID(), resumed.ID())
	assert.Equal(t, txn.Attempt().ID, resumed.Attempt().ID)
	assert.Equal(t, AttemptStatePending, resumed.Attempt().State)

	require.NoError(t, resumed.Commit(ctx))

	requireCommittedBody(t, agent, "replaceDoc", `{"v":2}`)
	requireCommittedBody(t, agent, "insertDoc", `{"v":"new"}`)
}

func TestResumeRejectsInvalidData(t *testing.T) {
	store := memstore.New()
	txns := newTestTransactions(t, store, nil)

	_, err := txns.ResumeTransactionAttempt([]byte(`{`))
	assert.Error(t, err)

	_, err = txns.ResumeTransactionAttempt([]byte(`{"id":{"txn":"t","atmpt":"a"},"config":{"durabilityLevel":"n","kvTimeoutMs":2500,"numAtrs":16}}`))
	assert.Error(t, err, "time left must be required")

	_, err = txns.ResumeTransactionAttempt([]byte(`{"id":{"atmpt":"a"},"config":{"durabilityLevel":"n","kvTimeoutMs":2500,"numAtrs":16},"state":{"timeLeftMs":1000}}`))
	assert.Error(t, err, "transaction id must be required")
}

func TestAsyncOperations(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "asyncDoc", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	type outcome struct {
		res *GetResult
		err error
	}
	waitCh := make(chan outcome, 1)
	callback := func(res *GetResult, err error) {
		waitCh <- outcome{res, err}
	}

	require.NoError(t, txn.GetAsync(ctx, GetOptions{Agent: agent, Key: []byte("asyncDoc")}, callback))
	got := <-waitCh
	require.NoError(t, got.err)

	require.NoError(t, txn.ReplaceAsync(ctx, ReplaceOptions{Document: got.res, Value: json.RawMessage(`{"v":2}`)}, callback))
	got = <-waitCh
	require.NoError(t, got.err)

	require.NoError(t, txn.InsertAsync(ctx, InsertOptions{Agent: agent, Key: []byte("asyncInsert"), Value: json.RawMessage(`{"v":1}`)}, callback))
	got = <-waitCh
	require.NoError(t, got.err)

	require.NoError(t, txn.RemoveAsync(ctx, RemoveOptions{Document: got.res}, callback))
	got = <-waitCh
	require.NoError(t, got.err)

	require.NoError(t, txn.Commit(ctx))

	requireCommittedBody(t, agent, "asyncDoc", `{"v":2}`)
	assert.NotContains(t, agent.Keys("", ""), "asyncInsert")
}

func TestOperationsWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)

	_, err = txn.Get(ctx, GetOptions{Agent: store.Agent(testBucket), Key: []byte("a")})
	assert.ErrorIs(t, err, ErrNoAttempt)
	assert.ErrorIs(t, txn.Commit(ctx), ErrNoAttempt)
	assert.ErrorIs(t, txn.Rollback(ctx), ErrNoAttempt)
	_, err = txn.SerializeAttempt()
	assert.ErrorIs(t, err, ErrNoAttempt)
}

func TestQueryCarriesTxData(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	queries.rows["SELECT 1"] = []json.RawMessage{json.RawMessage(`{"n":1}`)}
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)
	useManualCleaner(t, txns)

	var txnID, attemptID string
	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		txnID = attempt.TransactionID()
		attemptID = attempt.ID()

		if _, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("kvDoc"),
			Value: json.RawMessage(`{"v":1}`),
		}); err != nil {
			return err
		}

		res, err := attempt.Query(ctx, "SELECT 1", QueryOptions{
			Agent:    agent,
			Args:     []json.RawMessage{jsonValue(t, "x")},
			ReadOnly: true,
		})
		if err != nil {
			return err
		}
		require.Len(t, res.Rows, 1)
		assert.JSONEq(t, `{"n":1}`, string(res.Rows[0]))
		return nil
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.UnstagingComplete)

	assert.Equal(t, []string{"BEGIN WORK", "SELECT 1", "COMMIT"}, queries.statements())

	begin := queries.sentFor(t, "BEGIN WORK")
	assert.Empty(t, begin.TxID)
	assert.Greater(t, int64(begin.TxTimeout), int64(0))

	var txData jsonSerializedAttempt
	require.NoError(t, json.Unmarshal(begin.TxData, &txData))
	assert.Equal(t, txnID, txData.ID.Transaction)
	assert.Equal(t, attemptID, txData.ID.Attempt)
	assert.NotEmpty(t, txData.ATR.ID)
	require.Len(t, txData.Mutations, 1)
	assert.Equal(t, "kvDoc", txData.Mutations[0].ID)

	selectOpts := queries.sentFor(t, "SELECT 1")
	assert.Equal(t, attemptID, selectOpts.TxID)
	assert.True(t, selectOpts.ReadOnly)
	assert.Equal(t, attemptID, queries.sentFor(t, "COMMIT").TxID)

	// The query service owns the attempt, so nothing is left for local cleanup.
	assert.Zero(t, txns.Internal().CleanupQueueLength())
}

func TestQueryUnsupportedByAgent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	// The query handler is missing, so the agent reports the feature as unavailable.
	_, err = txn.Query(ctx, "SELECT 1", QueryOptions{Agent: store.Agent(testBucket)})
	assert.ErrorIs(t, err, docstore.ErrFeatureNotAvailable)
	assert.Equal(t, ActionFailTransaction, ErrorActionOf(err))
	assert.False(t, txn.CanCommit())
}

func TestInitRejectsTooManyATRs(t *testing.T) {
	_, err := Init(&Config{NumATRs: len(atrIDList) + 1})
	assert.Error(t, err)
}

func TestInitDefaults(t *testing.T) {
	txns, err := Init(&Config{})
	require.NoError(t, err)
	defer txns.Close()

	cfg := txns.Config()
	assert.Equal(t, 15*time.Second, cfg.ExpirationTime)
	assert.Equal(t, DurabilityLevelMajority, cfg.DurabilityLevel)
	assert.Equal(t, defaultNumATRs, cfg.NumATRs)
	assert.NotNil(t, cfg.Logger)
}

func TestCommitWaitsForAsyncInsert(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	insertErrCh := make(chan error, 1)
	require.NoError(t, txn.InsertAsync(ctx, InsertOptions{
		Agent: agent,
		Key:   []byte("asyncThenCommit"),
		Value: json.RawMessage(`{"v":1}`),
	}, func(res *GetResult, err error) {
		insertErrCh <- err
	}))

	// No waiting for the callback, Commit has to hold off by itself.
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, <-insertErrCh)

	requireCommittedBody(t, agent, "asyncThenCommit", `{"v":1}`)
	assert.Equal(t, AttemptStateCompleted, txn.Attempt().State)
}

func TestCommitWaitsForInFlightOperation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	hooks := newBlockingHooks()
	txns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = hooks
	})

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	insertErrCh := make(chan error, 1)
	require.NoError(t, txn.InsertAsync(ctx, InsertOptions{
		Agent: agent,
		Key:   []byte("slowInsert"),
		Value: json.RawMessage(`{"v":1}`),
	}, func(res *GetResult, err error) {
		insertErrCh <- err
	}))
	<-hooks.reached

	commitErrCh := make(chan error, 1)
	go func() {
		commitErrCh <- txn.Commit(ctx)
	}()

	select {
	case err := <-commitErrCh:
		t.Fatalf("commit finished while an insert was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(hooks.release)
	require.NoError(t, <-insertErrCh)
	require.NoError(t, <-commitErrCh)

	requireCommittedBody(t, agent, "slowInsert", `{"v":1}`)
}

func TestOperationsRejectedOnceFinalizing(t *testing.T) {
	finishers := map[string]func(*Transaction, context.Context) error{
		"commit":   (*Transaction).Commit,
		"rollback": (*Transaction).Rollback,
	}

	for name, finish := range finishers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			agent := store.Agent(testBucket)
			hooks := newBlockingHooks()
			txns := newTestTransactions(t, store, func(cfg *Config) {
				cfg.Internal.Hooks = hooks
			})

			txn, err := txns.BeginTransaction(nil)
			require.NoError(t, err)
			require.NoError(t, txn.NewAttempt())

			insertErrCh := make(chan error, 1)
			require.NoError(t, txn.InsertAsync(ctx, InsertOptions{
				Agent: agent,
				Key:   []byte("inFlight"),
				Value: json.RawMessage(`{"v":1}`),
			}, func(res *GetResult, err error) {
				insertErrCh <- err
			}))
			<-hooks.reached

			finishErrCh := make(chan error, 1)
			go func() {
				finishErrCh <- finish(txn, ctx)
			}()
			require.Eventually(t, func() bool {
				return isFinalizing(txn.attempt)
			}, time.Second, time.Millisecond)

			_, err = txn.Insert(ctx, InsertOptions{
				Agent: agent,
				Key:   []byte("tooLate"),
				Value: json.RawMessage(`{"v":2}`),
			})
			assert.ErrorIs(t, err, ErrOperationConflict)

			err = txn.InsertAsync(ctx, InsertOptions{
				Agent: agent,
				Key:   []byte("tooLateAsync"),
				Value: json.RawMessage(`{"v":2}`),
			}, func(res *GetResult, err error) {
				t.Error("callback of a rejected operation must not run")
			})
			assert.ErrorIs(t, err, ErrOperationConflict)

			close(hooks.release)
			require.NoError(t, <-insertErrCh)
			require.NoError(t, <-finishErrCh)

			keys := agent.Keys("", "")
			assert.NotContains(t, keys, "tooLate")
			assert.NotContains(t, keys, "tooLateAsync")
			if name == "commit" {
				requireCommittedBody(t, agent, "inFlight", `{"v":1}`)
			} else {
				assert.NotContains(t, keys, "inFlight")
			}
		})
	}
}

func TestUnstagingContinuesPastFailedDocument(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = &docFailingHooks{key: "a", err: errors.New("unstaging a blew up")}
	})
	useManualCleaner(t, txns)

	result, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		for _, key := range []string{"a", "b"} {
			if _, err := attempt.Insert(ctx, InsertOptions{
				Agent: agent,
				Key:   []byte(key),
				Value: json.RawMessage(`{"v":1}`),
			}); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.False(t, result.UnstagingComplete)

	requireCommittedBody(t, agent, "b", `{"v":1}`)

	a := readDoc(t, agent, "a")
	assert.True(t, a.Deleted, "a is still only staged")
	assert.Contains(t, a.Xattrs, "txn")

	entry := testATREntry(t, agent, result.Attempts[0])
	require.NotNil(t, entry)
	assert.Equal(t, AttemptStateCommitted, entry.State, "completed must not be written")
	assert.EqualValues(t, 1, txns.Internal().CleanupQueueLength())
}

func TestCleanupRacingCommitAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	hooks := &interceptCommitHooks{}
	txns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = hooks
	})
	cleaner := useManualCleaner(t, txns)

	seedDoc(t, agent, "replaceDoc", `{"v":1}`)
	seedDoc(t, agent, "removeDoc", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("insertDoc"), Value: json.RawMessage(`{"v":"new"}`)})
	require.NoError(t, err)
	res, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("replaceDoc")})
	require.NoError(t, err)
	_, err = txn.Replace(ctx, ReplaceOptions{Document: res, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	res, err = txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("removeDoc")})
	require.NoError(t, err)
	_, err = txn.Remove(ctx, RemoveOptions{Document: res})
	require.NoError(t, err)

	casAfterCleanup := map[string]docstore.Cas{}
	hooks.onFirstDoc = func(ctx context.Context) {
		attempt := txn.Attempt()
		entry := testATREntry(t, agent, attempt)
		require.NotNil(t, entry)
		require.Equal(t, AttemptStateCommitted, entry.State)

		req := cleanupRequestFromEntry(&TransactionLinks{
			AtrID:         string(attempt.AtrID),
			AtrBucketName: attempt.AtrBucketName,
		}, entry)
		cleanup := cleaner.CleanupAttempt(ctx, req, true)
		require.True(t, cleanup.Success, "cleanup failed: %v", cleanup.Err)

		for _, key := range []string{"insertDoc", "replaceDoc", "removeDoc"} {
			casAfterCleanup[key] = readDoc(t, agent, key).Cas
		}
	}

	require.NoError(t, txn.Commit(ctx))
	require.Len(t, casAfterCleanup, 3, "cleanup never ran")

	attempt := txn.Attempt()
	assert.Equal(t, AttemptStateCompleted, attempt.State)
	assert.True(t, attempt.UnstagingComplete)

	requireCommittedBody(t, agent, "insertDoc", `{"v":"new"}`)
	requireCommittedBody(t, agent, "replaceDoc", `{"v":2}`)
	assert.NotContains(t, agent.Keys("", ""), "removeDoc")

	// The commit found every document already unstaged and wrote none.
	for key, cas := range casAfterCleanup {
		assert.Equal(t, cas, readDoc(t, agent, key).Cas, "%s was written again", key)
	}
	assert.Nil(t, testATREntry(t, agent, attempt))
}

func TestStagedReplaceCapturesRestoreMetadata(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "doc", `{"v":1}`)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	doc, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("doc")})
	require.NoError(t, err)
	_, err = txn.Replace(ctx, ReplaceOptions{Document: doc, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)

	var meta struct {
		Restore map[string]json.RawMessage `json:"restore"`
	}
	require.NoError(t, json.Unmarshal(readDoc(t, agent, "doc").Xattrs["txn"], &meta))
	assert.Contains(t, meta.Restore, "CAS")
	assert.Contains(t, meta.Restore, "exptime")
	assert.Contains(t, meta.Restore, "revid")

	require.NoError(t, txn.Rollback(ctx))
}
