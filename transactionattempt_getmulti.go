package transactions

import (
	"bytes"
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	getMultiConcurrency   = 100
	getMultiLatencyWindow = 100 * time.Millisecond
)

type getMultiPhase uint8

const (
	getMultiPhaseFirstFetch getMultiPhase = iota
	getMultiPhaseSubsequentFetch
	getMultiPhaseDiscoveredDocsInT1
	getMultiPhaseResolvingT1EntryMissing
)

type getMultiEntry struct {
	result *GetResult
	err    error
}

// stagedAttemptID is the other attempt which has a write staged on the
// fetched document, or "" when there is none.
func (e *getMultiEntry) stagedAttemptID(ownAttemptID string) string {
	if e.result == nil || !e.result.Links.HasStagedWrite() {
		return ""
	}
	if e.result.Links.StagedAttemptID == ownAttemptID {
		return ""
	}
	return e.result.Links.StagedAttemptID
}

// takeStagedContent replaces the fetched body with the content staged by the
// attempt that wrote the document.
func (e *getMultiEntry) takeStagedContent() {
	if e.result == nil {
		return
	}
	if e.result.Links.Op == string(jsonMutationRemove) {
		e.result = nil
		return
	}
	e.result.Value = e.result.Links.StagedContent
}

// getMultiOperation fetches a set of documents and, when another attempt
// has writes staged on some of them, refetches until the set is consistent
// with either none or all of that attempt's writes.
type getMultiOperation struct {
	t        *transactionAttempt
	specs    []GetMultiSpec
	mode     GetMultiMode
	phase    getMultiPhase
	deadline time.Time
	entries  []getMultiEntry
}

// GetMulti fetches several documents at once, guarding the set against read
// skew from a single concurrently committing transaction.  Documents which
// do not exist have a nil entry.  A failure fetching an individual document
// is returned alongside the results of the others.
func (t *transactionAttempt) GetMulti(ctx context.Context, opts GetMultiOptions) (*GetMultiResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	return t.doGetMulti(ctx, opts)
}

func (t *transactionAttempt) doGetMulti(ctx context.Context, opts GetMultiOptions) (*GetMultiResult, error) {
	if cerr := t.checkExpiredAtomic(ctx, hookGetMulti, nil, false); cerr != nil {
		return nil, t.expiredFailure(cerr)
	}

	op := &getMultiOperation{
		t:       t,
		specs:   opts.Specs,
		mode:    opts.Mode,
		entries: make([]getMultiEntry, len(opts.Specs)),
	}
	if err := op.run(ctx); err != nil {
		return nil, err
	}

	result := &GetMultiResult{Results: make([]*GetResult, len(op.entries))}
	var firstErr error
	for i, entry := range op.entries {
		result.Results[i] = entry.result
		if entry.err != nil && firstErr == nil {
			firstErr = entry.err
		}
	}
	return result, firstErr
}

func (op *getMultiOperation) allIndexes() []int {
	indexes := make([]int, len(op.specs))
	for i := range indexes {
		indexes[i] = i
	}
	return indexes
}

func (op *getMultiOperation) run(ctx context.Context) error {
	backoff := newWriteWriteConflictBackoff()
	toFetch := op.allIndexes()

	for {
		if err := op.fetch(ctx, toFetch); err != nil {
			return err
		}

		if op.phase == getMultiPhaseFirstFetch {
			op.phase = getMultiPhaseSubsequentFetch

			switch op.mode {
			case GetMultiModeDisableReadSkewDetection:
				return nil
			case GetMultiModePrioritiseReadSkewDetection:
				op.deadline = op.t.expiryTime
			default:
				op.deadline = time.Now().Add(getMultiLatencyWindow)
			}
		}

		next, reset, err := op.disambiguate(ctx)
		if err != nil {
			return err
		}
		if !reset && next == nil {
			return nil
		}

		if reset {
			op.t.logger.Debug("read skew could not be resolved, fetching every document again",
				zap.Int("numDocs", len(op.specs)))

			for i := range op.entries {
				op.entries[i] = getMultiEntry{}
			}
			if op.phase != getMultiPhaseFirstFetch {
				op.phase = getMultiPhaseSubsequentFetch
			}
			next = op.allIndexes()

			if !waitBackoff(ctx, backoff) {
				return op.t.operationFailed(operationFailedDef{
					Cerr:              classifyError(ctx.Err()),
					ShouldNotRetry:    true,
					ShouldNotRollback: false,
					Reason:            ErrorReasonTransactionFailed,
				})
			}
		}

		toFetch = next
	}
}

// fetch reads the documents at indexes concurrently.  Only a forward
// compatibility failure aborts the whole fetch.
func (op *getMultiOperation) fetch(ctx context.Context, indexes []int) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(getMultiConcurrency)

	for _, index := range indexes {
		index := index
		spec := op.specs[index]

		group.Go(func() error {
			result, err := op.t.doGetOptional(groupCtx, GetOptions{
				Agent:          spec.Agent,
				ScopeName:      spec.ScopeName,
				CollectionName: spec.CollectionName,
				Key:            spec.Key,
			})
			if err != nil {
				if pkgerrors.Is(err, ErrDocumentNotFound) {
					err = nil
				}
				op.entries[index] = getMultiEntry{err: err}
				return nil
			}

			if result != nil {
				if tErr := op.t.checkForwardCompatibility(groupCtx, forwardCompatStageGetMultiGet,
					result.Links.ForwardCompat, false); tErr != nil {
					return tErr
				}
			}

			op.entries[index] = getMultiEntry{result: result}
			return nil
		})
	}

	return group.Wait()
}

// disambiguate decides what to do with the fetched set.  It returns the
// documents to fetch again, or reset when the whole set has to be fetched
// again, or neither when the set is consistent.
func (op *getMultiOperation) disambiguate(ctx context.Context) ([]int, bool, error) {
	if !time.Now().Before(op.deadline) {
		return nil, false, op.t.expiredFailure(&classifiedError{
			Source: pkgerrors.Wrap(ErrAttemptExpired, "timeout while fetching multiple documents"),
			Class:  ErrorClassFailExpiry,
		})
	}

	others := make(map[string]struct{})
	for i := range op.entries {
		if id := op.entries[i].stagedAttemptID(op.t.id); id != "" {
			others[id] = struct{}{}
		}
	}

	switch len(others) {
	case 0:
		return nil, false, nil
	case 1:
		for id := range others {
			next, reset := op.resolveReadSkew(ctx, id)
			return next, reset, nil
		}
	}

	return nil, true, nil
}

// resolveReadSkew consults the ATR entry of the one other attempt which
// has writes staged on the fetched documents.
func (op *getMultiOperation) resolveReadSkew(ctx context.Context, otherAttemptID string) ([]int, bool) {
	var links *TransactionLinks
	var fetchedInT1 []int
	for i := range op.entries {
		if op.entries[i].stagedAttemptID(op.t.id) != otherAttemptID {
			continue
		}
		fetchedInT1 = append(fetchedInT1, i)
		if links == nil && op.entries[i].result.Links.IsDocumentInTransaction() {
			links = op.entries[i].result.Links
		}
	}
	if links == nil {
		return nil, true
	}

	entry, err := op.lookupEntry(ctx, links)
	if err != nil {
		op.t.logger.Debug("failed to read atr entry during read skew resolution",
			zap.String("otherAttemptId", otherAttemptID), zap.Error(err))
		return nil, true
	}

	if entry == nil {
		if op.phase == getMultiPhaseResolvingT1EntryMissing {
			if len(fetchedInT1) == 0 {
				return nil, true
			}
			return nil, false
		}
		op.phase = getMultiPhaseResolvingT1EntryMissing
		return fetchedInT1, false
	}

	switch entry.State {
	case AttemptStatePending, AttemptStateAborted:
		return nil, false
	case AttemptStateCommitted:
		switch op.phase {
		case getMultiPhaseSubsequentFetch:
			var wereInT1 []int
			for i := range op.entries {
				result := op.entries[i].result
				if result == nil || !result.Links.IsDocumentInTransaction() {
					continue
				}
				if op.writtenBy(entry, op.specs[i]) {
					wereInT1 = append(wereInT1, i)
				}
			}

			if len(wereInT1) == 0 {
				for _, i := range fetchedInT1 {
					op.entries[i].takeStagedContent()
				}
				return nil, false
			}

			op.phase = getMultiPhaseDiscoveredDocsInT1
			return wereInT1, false
		case getMultiPhaseDiscoveredDocsInT1:
			for _, i := range fetchedInT1 {
				op.entries[i].takeStagedContent()
			}
			return nil, false
		}
	}

	return nil, true
}

func (op *getMultiOperation) lookupEntry(ctx context.Context, links *TransactionLinks) (*ATREntry, error) {
	agent, err := op.t.bucketAgentProvider(links.AtrBucketName)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := op.t.opContext(ctx)
	defer cancel()

	return atrEntryLookup(opCtx, agent,
		nonEmpty(links.AtrScopeName, defaultScopeName),
		nonEmpty(links.AtrCollectionName, defaultCollectionName),
		[]byte(links.AtrID), links.StagedAttemptID)
}

// writtenBy reports whether the ATR entry lists spec among its writes.
func (op *getMultiOperation) writtenBy(entry *ATREntry, spec GetMultiSpec) bool {
	matches := func(records []DocRecord) bool {
		for _, record := range records {
			if record.BucketName == spec.Agent.BucketName() &&
				nonEmpty(record.ScopeName, defaultScopeName) == nonEmpty(spec.ScopeName, defaultScopeName) &&
				nonEmpty(record.CollectionName, defaultCollectionName) == nonEmpty(spec.CollectionName, defaultCollectionName) &&
				bytes.Equal(record.ID, spec.Key) {
				return true
			}
		}
		return false
	}
	return matches(entry.Inserts) || matches(entry.Replaces) || matches(entry.Removes)
}
