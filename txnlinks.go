package transactions

import (
	"encoding/json"

	"github.com/couchbaselabs/txnengine/docstore"
)

// DocumentMetadata is the state of a document before a transaction touched it.
type DocumentMetadata struct {
	Cas        string
	RevID      string
	Expiration uint32
	Crc32      string
}

// TransactionLinks is the view of the txn extended attribute stored on a
// document which takes part in a transaction.
type TransactionLinks struct {
	AtrID             string
	AtrBucketName     string
	AtrScopeName      string
	AtrCollectionName string

	StagedTransactionID string
	StagedAttemptID     string
	StagedOperationID   string
	StagedContent       json.RawMessage

	RestoreCas        string
	RestoreRevID      string
	RestoreExpiration uint32

	Crc32         string
	Op            string
	ForwardCompat map[string][]ForwardCompatibilityEntry

	IsDeleted bool
}

// HasStagedWrite reports whether an attempt has staged a write to the document.
func (l *TransactionLinks) HasStagedWrite() bool {
	return l != nil && l.StagedAttemptID != ""
}

// IsDocumentInTransaction reports whether the document carries a reference to
// an ATR.  The attempt referenced may no longer be alive.
func (l *TransactionLinks) IsDocumentInTransaction() bool {
	return l != nil && l.AtrID != ""
}

func newTransactionLinks(txn *jsonTxnXattr, isDeleted bool) *TransactionLinks {
	if txn == nil {
		return &TransactionLinks{IsDeleted: isDeleted}
	}

	links := &TransactionLinks{
		AtrID:               txn.ATR.DocID,
		AtrBucketName:       txn.ATR.BucketName,
		AtrScopeName:        txn.ATR.ScopeName,
		AtrCollectionName:   txn.ATR.CollectionName,
		StagedTransactionID: txn.ID.Transaction,
		StagedAttemptID:     txn.ID.Attempt,
		StagedOperationID:   txn.ID.Operation,
		StagedContent:       txn.Operation.Staged,
		Crc32:               txn.Operation.CRC32,
		Op:                  string(txn.Operation.Type),
		ForwardCompat:       txn.ForwardCompat,
		IsDeleted:           isDeleted,
	}
	if txn.Restore != nil {
		links.RestoreCas = txn.Restore.OriginalCAS
		links.RestoreRevID = txn.Restore.RevID
		links.RestoreExpiration = uint32(txn.Restore.ExpiryTime)
	}
	return links
}

// GetResult represents the result of a Get or GetOptional operation.
type GetResult struct {
	agent          docstore.Agent
	scopeName      string
	collectionName string
	key            []byte

	// Links is the transaction metadata found on the document.
	Links *TransactionLinks

	// DocumentMeta is the metadata of the document as it was before any
	// transaction staged changes to it.  Nil when unavailable.
	DocumentMeta *DocumentMetadata

	Value []byte
	Cas   docstore.Cas

	// txnMeta is the opaque metadata the query service returned with the
	// document, handed back to it on replace and remove.
	txnMeta json.RawMessage
}

// Key returns the document key of this result.
func (r *GetResult) Key() []byte {
	return r.key
}

// BucketName returns the bucket the document was read from.
func (r *GetResult) BucketName() string {
	return r.agent.BucketName()
}

// ScopeName returns the scope the document was read from.
func (r *GetResult) ScopeName() string {
	return r.scopeName
}

// CollectionName returns the collection the document was read from.
func (r *GetResult) CollectionName() string {
	return r.collectionName
}

type transactionGetDoc struct {
	Body    []byte
	TxnMeta *jsonTxnXattr
	DocMeta *docstore.DocumentMeta
	Cas     docstore.Cas
	Deleted bool
}

func (d *transactionGetDoc) links() *TransactionLinks {
	return newTransactionLinks(d.TxnMeta, d.Deleted)
}

func (d *transactionGetDoc) documentMetadata() *DocumentMetadata {
	if d.DocMeta == nil {
		return nil
	}
	return &DocumentMetadata{
		Cas:        d.DocMeta.Cas,
		RevID:      d.DocMeta.RevID,
		Expiration: d.DocMeta.Expiration,
		Crc32:      d.DocMeta.ValueCrc32c,
	}
}
