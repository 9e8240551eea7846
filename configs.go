package transactions

import (
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"go.uber.org/zap"
)

// DurabilityLevel specifies the durability level to use for a mutation.
type DurabilityLevel int

const (
	// DurabilityLevelUnknown indicates to use the default level.
	DurabilityLevelUnknown = DurabilityLevel(0)

	// DurabilityLevelNone indicates that no durability is needed.
	DurabilityLevelNone = DurabilityLevel(1)

	// DurabilityLevelMajority indicates the operation must be replicated to the majority.
	DurabilityLevelMajority = DurabilityLevel(2)

	// DurabilityLevelMajorityAndPersistToActive indicates the operation must be replicated
	// to the majority and persisted to the active server.
	DurabilityLevelMajorityAndPersistToActive = DurabilityLevel(3)

	// DurabilityLevelPersistToMajority indicates the operation must be persisted to the active server.
	DurabilityLevelPersistToMajority = DurabilityLevel(4)
)

// ATRLocation specifies a specific location where ATR entries should be
// placed when performing transactions.
type ATRLocation struct {
	Agent          docstore.Agent
	ScopeName      string
	CollectionName string
}

// LostATRLocation specifies a location where lost transactions should
// attempt cleanup.
type LostATRLocation struct {
	BucketName     string
	ScopeName      string
	CollectionName string
}

// Config specifies various tunable options related to transactions.
type Config struct {
	// CustomATRLocation specifies a specific location to place meta-data.
	CustomATRLocation ATRLocation

	// ExpirationTime sets the maximum time that transactions created
	// by this Transactions object can run for, before expiring.
	ExpirationTime time.Duration

	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this Transactions object.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout specifies the default timeout used for all KV writes.
	KeyValueTimeout time.Duration

	// CleanupWindow specifies how often to the cleanup process runs
	// attempting to garbage collection transactions that have failed but
	// were not cleaned up by the previous client.
	CleanupWindow time.Duration

	// CleanupClientAttempts controls where any transaction attempts made
	// by this client are automatically removed.
	CleanupClientAttempts bool

	// CleanupLostAttempts controls where a background process is created
	// to cleanup any ‘lost’ transaction attempts.
	CleanupLostAttempts bool

	// CleanupQueueSize controls the maximum queue size for the cleanup thread.
	CleanupQueueSize uint32

	// CleanupCollections lists locations which lost cleanup watches from
	// startup, in addition to any ATR location used by this client.
	CleanupCollections []LostATRLocation

	// NumATRs specifies the number of ATRs to use.
	NumATRs int

	// BucketAgentProvider returns an agent for a bucket by name.
	BucketAgentProvider docstore.BucketProvider

	// Logger is used by the transactions object and every transaction it
	// creates.  Defaults to a no-op logger.
	Logger *zap.Logger

	// Internal specifies a set of options for internal use.
	// Internal: This should never be used and is not supported.
	Internal struct {
		Hooks             TransactionHooks
		CleanUpHooks      CleanUpHooks
		ClientRecordHooks ClientRecordHooks
	}
}

// PerTransactionConfig specifies options which can be overriden on a per transaction basis.
type PerTransactionConfig struct {
	// CustomATRLocation specifies a specific location to place meta-data.
	CustomATRLocation ATRLocation

	// ExpirationTime sets the maximum time that this transaction will
	// run for, before expiring.
	ExpirationTime time.Duration

	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this transaction.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout specifies the default timeout used for all KV writes.
	KeyValueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpirationTime == 0 {
		c.ExpirationTime = 15 * time.Second
	}
	if c.DurabilityLevel == DurabilityLevelUnknown {
		c.DurabilityLevel = DurabilityLevelMajority
	}
	if c.KeyValueTimeout == 0 {
		c.KeyValueTimeout = 2500 * time.Millisecond
	}
	if c.CleanupWindow == 0 {
		c.CleanupWindow = 60 * time.Second
	}
	if c.CleanupQueueSize == 0 {
		c.CleanupQueueSize = 100000
	}
	if c.NumATRs == 0 {
		c.NumATRs = defaultNumATRs
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Internal.Hooks == nil {
		c.Internal.Hooks = &DefaultHooks{}
	}
	if c.Internal.CleanUpHooks == nil {
		c.Internal.CleanUpHooks = &DefaultCleanupHooks{}
	}
	if c.Internal.ClientRecordHooks == nil {
		c.Internal.ClientRecordHooks = &DefaultClientRecordHooks{}
	}
	return c
}
