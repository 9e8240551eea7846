package transactions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/couchbaselabs/txnengine/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryModeRoutesKVOperations(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	queries.rows["EXECUTE __get"] = []json.RawMessage{
		json.RawMessage(`{"scas":"5","doc":{"v":1},"txnMeta":{"m":1}}`),
	}
	queries.rows["EXECUTE __update"] = []json.RawMessage{json.RawMessage(`{"scas":"7"}`)}
	queries.rows["EXECUTE __insert"] = []json.RawMessage{json.RawMessage(`{"scas":"9"}`)}
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())
	attemptID := txn.Attempt().ID

	_, err = txn.Query(ctx, "SELECT 1", QueryOptions{Agent: agent})
	require.NoError(t, err)

	doc, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("doc")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Value))
	assert.Equal(t, docstore.Cas(5), doc.Cas)

	replaced, err := txn.Replace(ctx, ReplaceOptions{Document: doc, Value: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	assert.Equal(t, docstore.Cas(7), replaced.Cas)

	inserted, err := txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("other"), Value: json.RawMessage(`{"v":3}`)})
	require.NoError(t, err)
	assert.Equal(t, docstore.Cas(9), inserted.Cas)

	_, err = txn.Remove(ctx, RemoveOptions{Document: replaced})
	require.NoError(t, err)

	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, []string{
		"BEGIN WORK",
		"SELECT 1",
		"EXECUTE __get",
		"EXECUTE __update",
		"EXECUTE __insert",
		"EXECUTE __delete",
		"COMMIT",
	}, queries.statements())

	get := queries.sentFor(t, "EXECUTE __get")
	assert.Equal(t, attemptID, get.TxID)
	assert.True(t, get.ReadOnly)
	require.Len(t, get.Args, 2)
	assert.JSONEq(t, "\"default:`default`.`_default`.`_default`\"", string(get.Args[0]))
	assert.JSONEq(t, `"doc"`, string(get.Args[1]))
	assert.JSONEq(t, `{"kv":true}`, string(get.TxData))

	update := queries.sentFor(t, "EXECUTE __update")
	require.Len(t, update.Args, 4)
	assert.JSONEq(t, `{"v":2}`, string(update.Args[2]))
	assert.JSONEq(t, `{"kv":true,"scas":"5","txnMeta":{"m":1}}`, string(update.TxData))

	remove := queries.sentFor(t, "EXECUTE __delete")
	require.Len(t, remove.Args, 3)
	assert.JSONEq(t, `{"kv":true,"scas":"7"}`, string(remove.TxData))

	attempt := txn.Attempt()
	assert.Equal(t, AttemptStateCompleted, attempt.State)
	assert.True(t, attempt.UnstagingComplete)

	// Every write went to the query service, none reached the store directly.
	assert.Nil(t, agent.Document(defaultScopeName, defaultCollectionName, []byte("other")))
}

func TestQueryModeRollsBackThroughQuery(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Query(ctx, "UPDATE default SET v = 2", QueryOptions{Agent: agent})
	require.NoError(t, err)
	require.NoError(t, txn.Rollback(ctx))

	assert.Equal(t, []string{"BEGIN WORK", "UPDATE default SET v = 2", "ROLLBACK"}, queries.statements())
	assert.Equal(t, txn.Attempt().ID, queries.sentFor(t, "ROLLBACK").TxID)
	assert.Equal(t, AttemptStateRolledBack, txn.Attempt().State)
}

func TestQueryModeCasMismatchRetriesAttempt(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	queries.rows["EXECUTE __get"] = []json.RawMessage{json.RawMessage(`{"scas":"5","doc":{"v":1}}`)}
	queries.errs["EXECUTE __update"] = docstore.ErrCasMismatch
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Query(ctx, "SELECT 1", QueryOptions{Agent: agent})
	require.NoError(t, err)

	doc, err := txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("doc")})
	require.NoError(t, err)

	_, err = txn.Replace(ctx, ReplaceOptions{Document: doc, Value: json.RawMessage(`{"v":2}`)})
	assert.ErrorIs(t, err, docstore.ErrCasMismatch)
	assert.Equal(t, ActionRetryAttempt, ErrorActionOf(err))
	assert.False(t, txn.CanCommit())
	assert.True(t, txn.ShouldRetry())
}

func TestQueryModeMissingDocuments(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	queries.errs["EXECUTE __insert"] = docstore.ErrDocumentExists
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Query(ctx, "SELECT 1", QueryOptions{Agent: agent})
	require.NoError(t, err)

	// No row means no document.
	doc, err := txn.GetOptional(ctx, GetOptions{Agent: agent, Key: []byte("missing")})
	require.NoError(t, err)
	assert.Nil(t, doc)

	_, err = txn.Get(ctx, GetOptions{Agent: agent, Key: []byte("missing")})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("taken"), Value: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrDocumentAlreadyExists)
	assert.True(t, txn.CanCommit())
}

func TestQueryModeRejectsSerialize(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Query(ctx, "SELECT 1", QueryOptions{Agent: store.Agent(testBucket)})
	require.NoError(t, err)

	_, err = txn.SerializeAttempt()
	assert.ErrorIs(t, err, docstore.ErrFeatureNotAvailable)
}

func TestFailedBeginWorkStaysInKVMode(t *testing.T) {
	ctx := context.Background()

	queries := newRecordingQueryService()
	queries.errs["BEGIN WORK"] = docstore.ErrDocumentNotFound
	store := memstore.New(memstore.WithQueryHandler(queries.handle))
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())

	_, err = txn.Query(ctx, "SELECT 1", QueryOptions{Agent: agent})
	assert.ErrorIs(t, err, docstore.ErrDocumentNotFound)

	_, err = txn.Insert(ctx, InsertOptions{Agent: agent, Key: []byte("kvDoc"), Value: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, []string{"BEGIN WORK"}, queries.statements())
	requireCommittedBody(t, agent, "kvDoc", `{"v":1}`)
}
