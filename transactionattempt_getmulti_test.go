package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/couchbaselabs/txnengine/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multiSpecs(agent *memstore.Agent, keys ...string) []GetMultiSpec {
	specs := make([]GetMultiSpec, 0, len(keys))
	for _, key := range keys {
		specs = append(specs, GetMultiSpec{Agent: agent, Key: []byte(key)})
	}
	return specs
}

func TestGetMultiKeepsSpecOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "a", `{"v":"a"}`)
	seedDoc(t, agent, "c", `{"v":"c"}`)

	_, err := txns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		if _, err := attempt.Insert(ctx, InsertOptions{
			Agent: agent,
			Key:   []byte("mine"),
			Value: json.RawMessage(`{"v":"mine"}`),
		}); err != nil {
			return err
		}

		res, err := attempt.GetMulti(ctx, GetMultiOptions{Specs: multiSpecs(agent, "a", "missing", "c", "mine")})
		if err != nil {
			return err
		}

		require.Len(t, res.Results, 4)
		assert.JSONEq(t, `{"v":"a"}`, string(res.Results[0].Value))
		assert.False(t, res.Exists(1))
		assert.JSONEq(t, `{"v":"c"}`, string(res.Results[2].Value))
		assert.JSONEq(t, `{"v":"mine"}`, string(res.Results[3].Value), "own staged writes are visible")
		assert.Equal(t, "c", string(res.Results[2].Key()))
		return nil
	}, nil)
	require.NoError(t, err)
}

func TestGetMultiIgnoresPendingTransaction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "x", `{"v":1}`)
	seedDoc(t, agent, "y", `{"v":1}`)

	writer, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, writer.NewAttempt())
	for _, key := range []string{"x", "y"} {
		doc, err := writer.Get(ctx, GetOptions{Agent: agent, Key: []byte(key)})
		require.NoError(t, err)
		_, err = writer.Replace(ctx, ReplaceOptions{Document: doc, Value: json.RawMessage(`{"v":2}`)})
		require.NoError(t, err)
	}

	reader, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, reader.NewAttempt())

	res, err := reader.GetMulti(ctx, GetMultiOptions{Specs: multiSpecs(agent, "x", "y")})
	require.NoError(t, err)
	for i := range res.Results {
		require.True(t, res.Exists(i))
		assert.JSONEq(t, `{"v":1}`, string(res.Results[i].Value))
	}

	require.NoError(t, writer.Rollback(ctx))
}

func TestGetMultiResolvesCommittedTransaction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)

	// The writer commits but leaves x staged, so readers see x only through
	// its ATR entry and y as a plain committed document.
	writerTxns := newTestTransactions(t, store, func(cfg *Config) {
		cfg.Internal.Hooks = &docFailingHooks{key: "x", err: errors.New("unstaging x blew up")}
	})
	useManualCleaner(t, writerTxns)
	readerTxns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "x", `{"v":1}`)
	seedDoc(t, agent, "y", `{"v":1}`)

	writeResult, err := writerTxns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		for _, key := range []string{"x", "y"} {
			doc, err := attempt.Get(ctx, GetOptions{Agent: agent, Key: []byte(key)})
			if err != nil {
				return err
			}
			if _, err := attempt.Replace(ctx, ReplaceOptions{Document: doc, Value: json.RawMessage(`{"v":2}`)}); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.False(t, writeResult.UnstagingComplete)
	require.Contains(t, readDoc(t, agent, "x").Xattrs, "txn")

	for _, mode := range []GetMultiMode{GetMultiModePrioritiseLatency, GetMultiModePrioritiseReadSkewDetection} {
		_, err = readerTxns.Run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
			res, err := attempt.GetMulti(ctx, GetMultiOptions{Specs: multiSpecs(agent, "x", "y"), Mode: mode})
			if err != nil {
				return err
			}
			for i := range res.Results {
				require.True(t, res.Exists(i))
				assert.JSONEq(t, `{"v":2}`, string(res.Results[i].Value), "mode %d", mode)
			}
			return nil
		}, nil)
		require.NoError(t, err)
	}
}

func TestGetMultiWithoutReadSkewDetection(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	agent := store.Agent(testBucket)
	txns := newTestTransactions(t, store, nil)

	seedDoc(t, agent, "x", `{"v":1}`)

	writer, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, writer.NewAttempt())
	doc, err := writer.Get(ctx, GetOptions{Agent: agent, Key: []byte("x")})
	require.NoError(t, err)
	_, err = writer.Remove(ctx, RemoveOptions{Document: doc})
	require.NoError(t, err)

	reader, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, reader.NewAttempt())

	res, err := reader.GetMulti(ctx, GetMultiOptions{
		Specs: multiSpecs(agent, "x"),
		Mode:  GetMultiModeDisableReadSkewDetection,
	})
	require.NoError(t, err)
	require.True(t, res.Exists(0))
	assert.Equal(t, writer.Attempt().ID, res.Results[0].Links.StagedAttemptID)

	require.NoError(t, writer.Rollback(ctx))
}

func TestGetMultiRejectedOnceFinalizing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	txns := newTestTransactions(t, store, nil)

	txn, err := txns.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())
	require.NoError(t, txn.Commit(ctx))

	_, err = txn.GetMulti(ctx, GetMultiOptions{Specs: multiSpecs(store.Agent(testBucket), "a")})
	assert.Error(t, err)
}
