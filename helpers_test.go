package transactions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/couchbaselabs/txnengine/memstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

const testBucket = "default"

// testClock is a manually advanced server clock for memstore.
type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}

func newTestTransactions(t *testing.T, store *memstore.Store, mutate func(cfg *Config)) *Transactions {
	cfg := &Config{
		DurabilityLevel:     DurabilityLevelNone,
		ExpirationTime:      10 * time.Second,
		KeyValueTimeout:     time.Second,
		NumATRs:             16,
		BucketAgentProvider: store.BucketProvider(),
		Logger:              zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(cfg)
	}

	txns, err := Init(cfg)
	require.NoError(t, err, "txn init failed")
	t.Cleanup(func() {
		txns.Close()
	})

	return txns
}

// useManualCleaner swaps in a cleaner with no background thread so that
// tests decide when the queue is processed.
func useManualCleaner(t *testing.T, txns *Transactions) *stdCleaner {
	cleaner := newStdCleaner(&txns.config)
	txns.cleaner = cleaner
	t.Cleanup(cleaner.Close)
	return cleaner
}

func seedDoc(t *testing.T, agent *memstore.Agent, key string, body string) docstore.Cas {
	res, err := agent.Add(context.Background(), &docstore.AddOptions{
		Key:   []byte(key),
		Value: []byte(body),
	})
	require.NoError(t, err, "seeding %s failed", key)
	return res.Cas
}

func readDoc(t *testing.T, agent *memstore.Agent, key string) *docstore.Document {
	doc := agent.Document("", "", []byte(key))
	require.NotNil(t, doc, "document %s was never written", key)
	return doc
}

func requireCommittedBody(t *testing.T, agent *memstore.Agent, key string, body string) {
	doc := readDoc(t, agent, key)
	require.False(t, doc.Deleted, "document %s is deleted", key)
	require.JSONEq(t, body, string(doc.Body))
	requireNoLinks(t, doc)
}

func requireNoLinks(t *testing.T, doc *docstore.Document) {
	_, ok := doc.Xattrs["txn"]
	require.False(t, ok, "document still carries transaction links")
}

func testATREntry(t *testing.T, agent docstore.Agent, attempt Attempt) *ATREntry {
	entry, err := atrEntryLookup(context.Background(), agent, defaultScopeName, defaultCollectionName,
		attempt.AtrID, attempt.ID)
	require.NoError(t, err)
	return entry
}

func jsonValue(t *testing.T, v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// failingHooks fails BeforeDocCommitted with err while fail is set.
type failingHooks struct {
	DefaultHooks
	fail atomic.Bool
	err  error
}

func (h *failingHooks) BeforeDocCommitted(ctx context.Context, docID []byte) error {
	if h.fail.Load() {
		return h.err
	}
	return nil
}

// expiringHooks reports the attempt expired at the named stage.
type expiringHooks struct {
	DefaultHooks
	stage string
}

func (h *expiringHooks) HasExpiredClientSideHook(ctx context.Context, stage string, docID []byte) (bool, error) {
	return stage == h.stage, nil
}

// docFailingHooks fails BeforeDocCommitted for a single document.
type docFailingHooks struct {
	DefaultHooks
	key string
	err error
}

func (h *docFailingHooks) BeforeDocCommitted(ctx context.Context, docID []byte) error {
	if string(docID) == h.key {
		return h.err
	}
	return nil
}

// blockingHooks parks BeforeStagedInsert until release is closed, closing
// reached when the first insert arrives.
type blockingHooks struct {
	DefaultHooks
	reachedOnce sync.Once
	reached     chan struct{}
	release     chan struct{}
}

func newBlockingHooks() *blockingHooks {
	return &blockingHooks{
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *blockingHooks) BeforeStagedInsert(ctx context.Context, docID []byte) error {
	h.reachedOnce.Do(func() { close(h.reached) })
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interceptCommitHooks runs onFirstDoc once, just before the first document
// is unstaged.
type interceptCommitHooks struct {
	DefaultHooks
	once       sync.Once
	onFirstDoc func(ctx context.Context)
}

func (h *interceptCommitHooks) BeforeDocCommitted(ctx context.Context, docID []byte) error {
	h.once.Do(func() { h.onFirstDoc(ctx) })
	return nil
}

func isFinalizing(attempt *transactionAttempt) bool {
	attempt.lock.Lock()
	defer attempt.lock.Unlock()
	return attempt.finalizing
}

// recordingQueryService stands in for the query service.  It answers each
// statement with canned rows or an error and records what it was sent.
type recordingQueryService struct {
	lock sync.Mutex
	sent []docstore.QueryOptions
	rows map[string][]json.RawMessage
	errs map[string]error
}

func newRecordingQueryService() *recordingQueryService {
	return &recordingQueryService{
		rows: make(map[string][]json.RawMessage),
		errs: make(map[string]error),
	}
}

func (s *recordingQueryService) handle(ctx context.Context, bucketName string, opts *docstore.QueryOptions) (*docstore.QueryResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.sent = append(s.sent, *opts)
	if err := s.errs[opts.Statement]; err != nil {
		return nil, err
	}
	return &docstore.QueryResult{Rows: s.rows[opts.Statement]}, nil
}

func (s *recordingQueryService) statements() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	statements := make([]string, 0, len(s.sent))
	for _, opts := range s.sent {
		statements = append(statements, opts.Statement)
	}
	return statements
}

func (s *recordingQueryService) sentFor(t *testing.T, statement string) docstore.QueryOptions {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, opts := range s.sent {
		if opts.Statement == statement {
			return opts
		}
	}
	require.Failf(t, "statement never sent", "%s", statement)
	return docstore.QueryOptions{}
}
