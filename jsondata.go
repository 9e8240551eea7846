package transactions

import "encoding/json"

type jsonAtrState string

const (
	jsonAtrStateUnknown    = jsonAtrState("")
	jsonAtrStatePending    = jsonAtrState("PENDING")
	jsonAtrStateCommitted  = jsonAtrState("COMMITTED")
	jsonAtrStateCompleted  = jsonAtrState("COMPLETED")
	jsonAtrStateAborted    = jsonAtrState("ABORTED")
	jsonAtrStateRolledBack = jsonAtrState("ROLLED_BACK")
)

func (s jsonAtrState) attemptState() AttemptState {
	switch s {
	case jsonAtrStatePending:
		return AttemptStatePending
	case jsonAtrStateCommitted:
		return AttemptStateCommitted
	case jsonAtrStateCompleted:
		return AttemptStateCompleted
	case jsonAtrStateAborted:
		return AttemptStateAborted
	case jsonAtrStateRolledBack:
		return AttemptStateRolledBack
	default:
		return AttemptStateUnknown
	}
}

type jsonMutationType string

const (
	jsonMutationInsert  = jsonMutationType("insert")
	jsonMutationReplace = jsonMutationType("replace")
	jsonMutationRemove  = jsonMutationType("remove")
)

type jsonDurabilityLevel string

const (
	jsonDurabilityLevelNone                       = jsonDurabilityLevel("n")
	jsonDurabilityLevelMajority                   = jsonDurabilityLevel("m")
	jsonDurabilityLevelMajorityAndPersistToActive = jsonDurabilityLevel("pa")
	jsonDurabilityLevelPersistToMajority          = jsonDurabilityLevel("pm")
)

type jsonAtrMutation struct {
	BucketName     string `json:"bkt,omitempty"`
	ScopeName      string `json:"scp,omitempty"`
	CollectionName string `json:"col,omitempty"`
	DocID          string `json:"id,omitempty"`
}

type jsonAtrAttempt struct {
	TransactionID string       `json:"tid,omitempty"`
	ExpiryTimeMs  uint         `json:"exp,omitempty"`
	State         jsonAtrState `json:"st,omitempty"`

	PendingCAS    string `json:"tst,omitempty"`
	CommitCAS     string `json:"tsc,omitempty"`
	CompletedCAS  string `json:"tsco,omitempty"`
	AbortCAS      string `json:"tsrs,omitempty"`
	RolledBackCAS string `json:"tsrc,omitempty"`

	Inserts  []jsonAtrMutation `json:"ins,omitempty"`
	Replaces []jsonAtrMutation `json:"rep,omitempty"`
	Removes  []jsonAtrMutation `json:"rem,omitempty"`

	DurabilityLevel jsonDurabilityLevel `json:"d,omitempty"`

	ForwardCompat map[string][]ForwardCompatibilityEntry `json:"fc,omitempty"`

	// PreventCollision is written by cleanup before removing a PENDING entry
	// so that a racing commit of that attempt fails.
	PreventCollision *int `json:"p,omitempty"`
}

type jsonTxnXattrID struct {
	Transaction string `json:"txn,omitempty"`
	Attempt     string `json:"atmpt,omitempty"`
	Operation   string `json:"op,omitempty"`
}

type jsonTxnXattrATR struct {
	DocID          string `json:"id,omitempty"`
	BucketName     string `json:"bkt,omitempty"`
	ScopeName      string `json:"scp,omitempty"`
	CollectionName string `json:"coll,omitempty"`
}

type jsonTxnXattrOp struct {
	Type   jsonMutationType `json:"type,omitempty"`
	Staged json.RawMessage  `json:"stgd,omitempty"`
	CRC32  string           `json:"crc32,omitempty"`
}

type jsonTxnXattrRestore struct {
	OriginalCAS string `json:"CAS,omitempty"`
	ExpiryTime  uint   `json:"exptime"`
	RevID       string `json:"revid,omitempty"`
}

type jsonTxnXattr struct {
	ID            jsonTxnXattrID                         `json:"id,omitempty"`
	ATR           jsonTxnXattrATR                        `json:"atr,omitempty"`
	Operation     jsonTxnXattrOp                         `json:"op,omitempty"`
	Restore       *jsonTxnXattrRestore                   `json:"restore,omitempty"`
	ForwardCompat map[string][]ForwardCompatibilityEntry `json:"fc,omitempty"`
}

type jsonClientRecord struct {
	HeartbeatMS string `json:"heartbeat_ms,omitempty"`
	ExpiresMS   int    `json:"expires_ms,omitempty"`
	NumATRs     int    `json:"num_atrs,omitempty"`
}

type jsonClientOverride struct {
	Enabled      bool  `json:"enabled,omitempty"`
	ExpiresNanos int64 `json:"expires,omitempty"`
}

type jsonClientRecords struct {
	Clients  map[string]jsonClientRecord `json:"clients"`
	Override *jsonClientOverride         `json:"override,omitempty"`
}
