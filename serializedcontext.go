package transactions

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
)

type jsonSerializedMutation struct {
	Bucket     string `json:"bkt"`
	Scope      string `json:"scp"`
	Collection string `json:"coll"`
	ID         string `json:"id"`
	Cas        string `json:"cas"`
	Type       string `json:"type"`
}

// jsonSerializedAttempt is the portable form of an attempt.  It is sent as
// txdata with query statements and used to resume an attempt elsewhere.
type jsonSerializedAttempt struct {
	ID struct {
		Transaction string `json:"txn"`
		Attempt     string `json:"atmpt"`
	} `json:"id"`
	ATR struct {
		Bucket     string `json:"bkt"`
		Scope      string `json:"scp"`
		Collection string `json:"coll"`
		ID         string `json:"id"`
	} `json:"atr"`
	Config struct {
		KeyValueTimeoutMs int    `json:"kvTimeoutMs"`
		DurabilityLevel   string `json:"durabilityLevel"`
		NumAtrs           int    `json:"numAtrs"`
	} `json:"config"`
	State struct {
		TimeLeftMs int `json:"timeLeftMs"`
	} `json:"state"`
	Mutations []jsonSerializedMutation `json:"mutations"`
}

func (t *transactionAttempt) timeRemaining() time.Duration {
	timeLeft := time.Until(t.expiryTime)
	if timeLeft < 0 {
		return 0
	}
	return timeLeft
}

func (t *transactionAttempt) toJSONObjectLocked() jsonSerializedAttempt {
	var res jsonSerializedAttempt

	res.ID.Transaction = t.transactionID
	res.ID.Attempt = t.id

	if t.atrAgent != nil {
		res.ATR.Bucket = t.atrAgent.BucketName()
		res.ATR.Scope = t.atrScopeName
		res.ATR.Collection = t.atrCollectionName
		res.ATR.ID = string(t.atrKey)
	} else if t.atrLocation.Agent != nil {
		res.ATR.Bucket = t.atrLocation.Agent.BucketName()
		res.ATR.Scope = t.atrLocation.ScopeName
		res.ATR.Collection = t.atrLocation.CollectionName
	}

	res.Config.KeyValueTimeoutMs = int(t.keyValueTimeout / time.Millisecond)
	res.Config.DurabilityLevel = string(durabilityLevelToShorthand(t.durabilityLevel))
	res.Config.NumAtrs = t.numATRs

	res.State.TimeLeftMs = int(t.timeRemaining().Milliseconds())

	res.Mutations = []jsonSerializedMutation{}
	for _, mutation := range t.stagedMutations.all() {
		res.Mutations = append(res.Mutations, jsonSerializedMutation{
			Bucket:     mutation.Agent.BucketName(),
			Scope:      mutation.ScopeName,
			Collection: mutation.CollectionName,
			ID:         string(mutation.Key),
			Cas:        strconv.FormatUint(uint64(mutation.Cas), 10),
			Type:       mutation.OpType.String(),
		})
	}

	return res
}

// Serialize encodes the attempt so that it can be resumed, possibly by a
// different client.  The attempt must not be used after this.
func (t *transactionAttempt) Serialize() ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkCanCommitLocked(); err != nil {
		return nil, err
	}
	if t.queryMode {
		return nil, errors.Wrap(docstore.ErrFeatureNotAvailable, "an attempt in query mode cannot be serialized")
	}

	return json.Marshal(t.toJSONObjectLocked())
}

// resumedMutations rebuilds the staged mutation queue of a serialized
// attempt.  Staged content is read back lazily during commit.
func resumedMutations(provider docstore.BucketProvider, txnData *jsonSerializedAttempt) ([]*stagedMutation, error) {
	mutations := make([]*stagedMutation, 0, len(txnData.Mutations))
	for _, mutationData := range txnData.Mutations {
		if mutationData.Bucket == "" {
			return nil, errors.New("invalid staged mutation - no bucket")
		}
		if mutationData.ID == "" {
			return nil, errors.New("invalid staged mutation - no key")
		}
		if mutationData.Cas == "" {
			return nil, errors.New("invalid staged mutation - no cas")
		}

		agent, err := provider(mutationData.Bucket)
		if err != nil {
			return nil, err
		}

		cas, err := strconv.ParseUint(mutationData.Cas, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid staged mutation cas")
		}

		opType, err := stagedMutationTypeFromString(mutationData.Type)
		if err != nil {
			return nil, err
		}

		mutations = append(mutations, &stagedMutation{
			OpType:         opType,
			Agent:          agent,
			ScopeName:      nonEmpty(mutationData.Scope, defaultScopeName),
			CollectionName: nonEmpty(mutationData.Collection, defaultCollectionName),
			Key:            []byte(mutationData.ID),
			Cas:            docstore.Cas(cas),
			IsTombstone:    opType == StagedMutationInsert,
		})
	}

	return mutations, nil
}
