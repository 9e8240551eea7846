package transactions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/couchbaselabs/txnengine/docstore"
)

// DocRecord identifies a document referenced from an ATR entry.
type DocRecord struct {
	BucketName     string
	ScopeName      string
	CollectionName string
	ID             []byte
}

// ATREntry is a single attempt as recorded in an active transaction record.
type ATREntry struct {
	AttemptID     string
	TransactionID string
	State         AttemptState

	// Timestamps are server time in milliseconds, zero when not yet reached.
	StartMs            int64
	CommitMs           int64
	CompleteMs         int64
	RollbackStartMs    int64
	RollbackCompleteMs int64
	ExpiresAfterMs     int64

	// AtrCasMs is the server time observed when the entry was read.
	AtrCasMs int64

	Inserts  []DocRecord
	Replaces []DocRecord
	Removes  []DocRecord

	ForwardCompat      map[string][]ForwardCompatibilityEntry
	DurabilityLevel    DurabilityLevel
	HasCollisionMarker bool
}

// HasExpired reports whether the attempt has outlived its expiry plus
// marginMs, measured entirely on the server clock of the ATR document.
func (e *ATREntry) HasExpired(marginMs int64) bool {
	return (e.AtrCasMs - e.StartMs) > (e.ExpiresAfterMs + marginMs)
}

// AgeMs is how long ago the attempt started, on the server clock.
func (e *ATREntry) AgeMs() int64 {
	return e.AtrCasMs - e.StartMs
}

func atrMutationsToDocRecords(mutations []jsonAtrMutation) []DocRecord {
	records := make([]DocRecord, 0, len(mutations))
	for _, m := range mutations {
		records = append(records, DocRecord{
			BucketName:     m.BucketName,
			ScopeName:      m.ScopeName,
			CollectionName: m.CollectionName,
			ID:             []byte(m.DocID),
		})
	}
	return records
}

func parseMacroCasMs(val string) int64 {
	ms, err := docstore.ParseMacroCasToMillis(val)
	if err != nil {
		return 0
	}
	return ms
}

func newATREntry(attemptID string, attempt *jsonAtrAttempt, atrCasMs int64) *ATREntry {
	return &ATREntry{
		AttemptID:          attemptID,
		TransactionID:      attempt.TransactionID,
		State:              attempt.State.attemptState(),
		StartMs:            parseMacroCasMs(attempt.PendingCAS),
		CommitMs:           parseMacroCasMs(attempt.CommitCAS),
		CompleteMs:         parseMacroCasMs(attempt.CompletedCAS),
		RollbackStartMs:    parseMacroCasMs(attempt.AbortCAS),
		RollbackCompleteMs: parseMacroCasMs(attempt.RolledBackCAS),
		ExpiresAfterMs:     int64(attempt.ExpiryTimeMs),
		AtrCasMs:           atrCasMs,
		Inserts:            atrMutationsToDocRecords(attempt.Inserts),
		Replaces:           atrMutationsToDocRecords(attempt.Replaces),
		Removes:            atrMutationsToDocRecords(attempt.Removes),
		ForwardCompat:      attempt.ForwardCompat,
		DurabilityLevel:    durabilityLevelFromShorthand(attempt.DurabilityLevel),
		HasCollisionMarker: attempt.PreventCollision != nil,
	}
}

// serverTimeMs returns the server clock observed by a lookup whose second op
// read the HLC, falling back to the document CAS.
func serverTimeMs(res *docstore.LookupInResult) int64 {
	if len(res.Ops) > 1 && res.Ops[1].Err == nil {
		if hlc, err := docstore.ParseHLCToTime(res.Ops[1].Value); err == nil {
			return hlc.UnixNano() / 1e6
		}
	}
	return docstore.CasToTime(res.Cas).UnixNano() / 1e6
}

// atrLookup reads every entry held in an ATR document.  A document with no
// attempts yields an empty map.
func atrLookup(
	ctx context.Context,
	agent docstore.Agent,
	scopeName, collectionName string,
	atrKey []byte,
) (map[string]*ATREntry, error) {
	res, err := agent.LookupIn(ctx, &docstore.LookupInOptions{
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            atrKey,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  "attempts",
				Flags: docstore.SubdocFlagXattrPath,
			},
			{
				Op:    docstore.SubDocOpGet,
				Path:  docstore.VirtualXattrHLC,
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*ATREntry)
	if errors.Is(res.Ops[0].Err, docstore.ErrPathNotFound) {
		return entries, nil
	} else if res.Ops[0].Err != nil {
		return nil, res.Ops[0].Err
	}

	var attempts map[string]json.RawMessage
	if err := json.Unmarshal(res.Ops[0].Value, &attempts); err != nil {
		return nil, err
	}

	casMs := serverTimeMs(res)
	for attemptID, data := range attempts {
		var attempt jsonAtrAttempt
		if err := json.Unmarshal(data, &attempt); err != nil {
			// Malformed entries are reported in an unknown state.
			entries[attemptID] = &ATREntry{AttemptID: attemptID, AtrCasMs: casMs}
			continue
		}
		entries[attemptID] = newATREntry(attemptID, &attempt, casMs)
	}

	return entries, nil
}

// atrEntryLookup reads a single entry from an ATR.  Returns nil when the ATR
// or the entry does not exist.
func atrEntryLookup(
	ctx context.Context,
	agent docstore.Agent,
	scopeName, collectionName string,
	atrKey []byte,
	attemptID string,
) (*ATREntry, error) {
	res, err := agent.LookupIn(ctx, &docstore.LookupInOptions{
		ScopeName:      scopeName,
		CollectionName: collectionName,
		Key:            atrKey,
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpGet,
				Path:  "attempts." + attemptID,
				Flags: docstore.SubdocFlagXattrPath,
			},
			{
				Op:    docstore.SubDocOpGet,
				Path:  docstore.VirtualXattrHLC,
				Flags: docstore.SubdocFlagXattrPath,
			},
		},
	})
	if errors.Is(err, docstore.ErrDocumentNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	if errors.Is(res.Ops[0].Err, docstore.ErrPathNotFound) {
		return nil, nil
	} else if res.Ops[0].Err != nil {
		return nil, res.Ops[0].Err
	}

	casMs := serverTimeMs(res)

	var attempt jsonAtrAttempt
	if err := json.Unmarshal(res.Ops[0].Value, &attempt); err != nil {
		return &ATREntry{AttemptID: attemptID, AtrCasMs: casMs}, nil
	}

	return newATREntry(attemptID, &attempt, casMs), nil
}
