package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestStore connects to the redis server named by TXN_REDIS_ADDR.  Every
// test writes under its own key prefix.
func newTestStore(t *testing.T) *Store {
	addr := os.Getenv("TXN_REDIS_ADDR")
	if addr == "" {
		t.Skip("TXN_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		client.Close()
	})
	require.NoError(t, client.Ping(context.Background()).Err())

	return New(client, Config{
		KeyPrefix: "txntest-" + uuid.New().String(),
		Logger:    zaptest.NewLogger(t),
	})
}

func TestRedisAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	agent := newTestStore(t).Agent("default")

	added, err := agent.Add(ctx, &docstore.AddOptions{Key: []byte("doc"), Value: []byte(`{"v":1}`)})
	require.NoError(t, err)

	_, err = agent.Add(ctx, &docstore.AddOptions{Key: []byte("doc"), Value: []byte(`{}`)})
	assert.ErrorIs(t, err, docstore.ErrDocumentExists)

	mutated, err := agent.MutateIn(ctx, &docstore.MutateInOptions{
		Key: []byte("doc"),
		Cas: added.Cas,
		Ops: []docstore.SubDocOp{
			{Op: docstore.SubDocOpDictSet, Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagMkDirP, Path: "txn.id.atmpt", Value: []byte(`"a1"`)},
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, added.Cas, mutated.Cas)

	_, err = agent.MutateIn(ctx, &docstore.MutateInOptions{
		Key: []byte("doc"),
		Cas: added.Cas,
		Ops: []docstore.SubDocOp{{Op: docstore.SubDocOpDictSet, Path: "v", Value: []byte(`2`)}},
	})
	assert.ErrorIs(t, err, docstore.ErrCasMismatch)

	res, err := agent.LookupIn(ctx, &docstore.LookupInOptions{
		Key: []byte("doc"),
		Ops: []docstore.SubDocOp{
			{Op: docstore.SubDocOpGet, Flags: docstore.SubdocFlagXattrPath, Path: "txn.id.atmpt"},
			{Op: docstore.SubDocOpGetDoc},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, mutated.Cas, res.Cas)
	assert.Equal(t, `"a1"`, string(res.Ops[0].Value))
	assert.JSONEq(t, `{"v":1}`, string(res.Ops[1].Value))

	_, err = agent.Delete(ctx, &docstore.DeleteOptions{Key: []byte("doc"), Cas: mutated.Cas})
	require.NoError(t, err)

	_, err = agent.LookupIn(ctx, &docstore.LookupInOptions{
		Key: []byte("doc"),
		Ops: []docstore.SubDocOp{{Op: docstore.SubDocOpGetDoc}},
	})
	assert.ErrorIs(t, err, docstore.ErrDocumentNotFound)
}
