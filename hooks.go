package transactions

import "context"

// TransactionHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type TransactionHooks interface {
	BeforeATRCommit(ctx context.Context) error
	AfterATRCommit(ctx context.Context) error
	BeforeATRCommitAmbiguityResolution(ctx context.Context) error
	BeforeDocCommitted(ctx context.Context, docID []byte) error
	AfterDocCommitted(ctx context.Context, docID []byte) error
	BeforeDocRemoved(ctx context.Context, docID []byte) error
	AfterDocsCommitted(ctx context.Context) error
	BeforeStagedInsert(ctx context.Context, docID []byte) error
	AfterStagedInsertComplete(ctx context.Context, docID []byte) error
	BeforeStagedReplace(ctx context.Context, docID []byte) error
	AfterStagedReplaceComplete(ctx context.Context, docID []byte) error
	BeforeStagedRemove(ctx context.Context, docID []byte) error
	AfterStagedRemoveComplete(ctx context.Context, docID []byte) error
	BeforeRemovingDocDuringStagedInsert(ctx context.Context, docID []byte) error
	BeforeRemoveStagedInsert(ctx context.Context, docID []byte) error
	AfterRemoveStagedInsert(ctx context.Context, docID []byte) error
	BeforeGetDocInExistsDuringStagedInsert(ctx context.Context, docID []byte) error
	BeforeCheckATREntryForBlockingDoc(ctx context.Context, docID []byte) error
	BeforeDocGet(ctx context.Context, docID []byte) error
	AfterGetComplete(ctx context.Context, docID []byte) error
	BeforeRollbackDeleteInserted(ctx context.Context, docID []byte) error
	AfterRollbackDeleteInserted(ctx context.Context, docID []byte) error
	BeforeDocRolledBack(ctx context.Context, docID []byte) error
	AfterRollbackReplaceOrRemove(ctx context.Context, docID []byte) error
	BeforeATRPending(ctx context.Context) error
	AfterATRPending(ctx context.Context) error
	BeforeATRComplete(ctx context.Context) error
	AfterATRComplete(ctx context.Context) error
	BeforeATRAborted(ctx context.Context) error
	AfterATRAborted(ctx context.Context) error
	BeforeATRRolledBack(ctx context.Context) error
	AfterATRRolledBack(ctx context.Context) error
	BeforeQuery(ctx context.Context, statement string) error
	AfterQuery(ctx context.Context, statement string) error
	RandomATRIDForVbucket(ctx context.Context) (string, error)
	HasExpiredClientSideHook(ctx context.Context, stage string, docID []byte) (bool, error)
}

// CleanUpHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type CleanUpHooks interface {
	BeforeATRGet(ctx context.Context, id []byte) error
	BeforeDocGet(ctx context.Context, id []byte) error
	BeforeRemoveLinks(ctx context.Context, id []byte) error
	BeforeCommitDoc(ctx context.Context, id []byte) error
	BeforeRemoveDocStagedForRemoval(ctx context.Context, id []byte) error
	BeforeRemoveDoc(ctx context.Context, id []byte) error
	BeforeATRRemove(ctx context.Context, id []byte) error
}

// ClientRecordHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type ClientRecordHooks interface {
	BeforeCreateRecord(ctx context.Context) error
	BeforeRemoveClient(ctx context.Context) error
	BeforeUpdateCAS(ctx context.Context) error
	BeforeGetRecord(ctx context.Context) error
	BeforeUpdateRecord(ctx context.Context) error
}

// DefaultHooks is default set of noop hooks used within the library.
// Internal: This should never be used and is not supported.
type DefaultHooks struct {
}

func (dh *DefaultHooks) BeforeATRCommit(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) AfterATRCommit(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeATRCommitAmbiguityResolution(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeDocCommitted(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterDocCommitted(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeDocRemoved(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterDocsCommitted(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeStagedInsert(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterStagedInsertComplete(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeStagedReplace(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterStagedReplaceComplete(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeStagedRemove(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterStagedRemoveComplete(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeRemovingDocDuringStagedInsert(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeRemoveStagedInsert(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterRemoveStagedInsert(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeGetDocInExistsDuringStagedInsert(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeCheckATREntryForBlockingDoc(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeDocGet(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterGetComplete(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeRollbackDeleteInserted(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterRollbackDeleteInserted(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeDocRolledBack(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) AfterRollbackReplaceOrRemove(ctx context.Context, docID []byte) error {
	return nil
}

func (dh *DefaultHooks) BeforeATRPending(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) AfterATRPending(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeATRComplete(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) AfterATRComplete(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeATRAborted(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) AfterATRAborted(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeATRRolledBack(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) AfterATRRolledBack(ctx context.Context) error {
	return nil
}

func (dh *DefaultHooks) BeforeQuery(ctx context.Context, statement string) error {
	return nil
}

func (dh *DefaultHooks) AfterQuery(ctx context.Context, statement string) error {
	return nil
}

// RandomATRIDForVbucket returns an ATR id to use in place of the one selected
// by key.  An empty id keeps the default selection.
func (dh *DefaultHooks) RandomATRIDForVbucket(ctx context.Context) (string, error) {
	return "", nil
}

// HasExpiredClientSideHook can force an expiry check to report expiry.
func (dh *DefaultHooks) HasExpiredClientSideHook(ctx context.Context, stage string, docID []byte) (bool, error) {
	return false, nil
}

// DefaultCleanupHooks is default set of noop hooks used within the library.
// Internal: This should never be used and is not supported.
type DefaultCleanupHooks struct {
}

func (dh *DefaultCleanupHooks) BeforeATRGet(ctx context.Context, id []byte) error {
	return nil
}

func (dh *DefaultCleanupHooks) BeforeDocGet(ctx context.Context, id []byte) error {
	return nil
}

func (dh *DefaultCleanupHooks) BeforeRemoveLinks(ctx context.Context, id []byte) error {
	return nil
}

func (dh *DefaultCleanupHooks) BeforeCommitDoc(ctx context.Context, id []byte) error {
	return nil
}

func (dh *DefaultCleanupHooks) BeforeRemoveDocStagedForRemoval(ctx context.Context, id []byte) error {
	return nil
}

func (dh *DefaultCleanupHooks) BeforeRemoveDoc(ctx context.Context, id []byte) error {
	return nil
}

func (dh *DefaultCleanupHooks) BeforeATRRemove(ctx context.Context, id []byte) error {
	return nil
}

// DefaultClientRecordHooks is default set of noop hooks used within the library.
// Internal: This should never be used and is not supported.
type DefaultClientRecordHooks struct {
}

func (dh *DefaultClientRecordHooks) BeforeCreateRecord(ctx context.Context) error {
	return nil
}

func (dh *DefaultClientRecordHooks) BeforeRemoveClient(ctx context.Context) error {
	return nil
}

func (dh *DefaultClientRecordHooks) BeforeUpdateCAS(ctx context.Context) error {
	return nil
}

func (dh *DefaultClientRecordHooks) BeforeGetRecord(ctx context.Context) error {
	return nil
}

func (dh *DefaultClientRecordHooks) BeforeUpdateRecord(ctx context.Context) error {
	return nil
}
