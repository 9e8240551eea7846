package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxExpiredClientsPerUpdate bounds how many expired clients one record
// update removes.
const maxExpiredClientsPerUpdate = 12

// ClientRecordDetails is the result of processing a client record.
// Internal: This should never be used and is not supported.
type ClientRecordDetails struct {
	NumActiveClients     int
	IndexOfThisClient    int
	ClientIsNew          bool
	ExpiredClientIDs     []string
	NumExistingClients   int
	NumExpiredClients    int
	OverrideEnabled      bool
	OverrideActive       bool
	OverrideExpiresCas   int64
	CasNowMillis         int64
	AtrsHandledByClient  []string
	CheckAtrEveryNMillis int
	ClientUUID           string
}

// ProcessATRStats is the stats recorded when running a ProcessATR request.
// Internal: This should never be used and is not supported.
type ProcessATRStats struct {
	NumEntries        int
	NumEntriesExpired int
}

// LostTransactionCleaner is responsible for cleaning up lost transactions.
// Internal: This should never be used and is not supported.
type LostTransactionCleaner interface {
	ProcessClient(ctx context.Context, agent docstore.Agent, scope, collection, uuid string) (*ClientRecordDetails, error)
	ProcessATR(ctx context.Context, agent docstore.Agent, scope, collection, atrID string) ([]CleanupAttempt, ProcessATRStats, error)
	RemoveClientFromAllLocations(ctx context.Context, uuid string) error
	Close()
}

type lostTransactionCleaner interface {
	AddATRLocation(location LostATRLocation)
	Close()
}

type noopLostTransactionCleaner struct {
}

func (ltc *noopLostTransactionCleaner) AddATRLocation(location LostATRLocation) {
}

func (ltc *noopLostTransactionCleaner) Close() {
}

type stdLostTransactionCleaner struct {
	uuid                string
	cleanupHooks        CleanUpHooks
	clientRecordHooks   ClientRecordHooks
	numAtrs             int
	cleanupWindow       time.Duration
	cleaner             Cleaner
	operationTimeout    time.Duration
	bucketAgentProvider docstore.BucketProvider
	logger              *zap.Logger

	locations     map[LostATRLocation]context.CancelFunc
	locationsLock sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewLostTransactionCleaner returns new lost transaction cleaner.
// Internal: This should never be used and is not supported.
func NewLostTransactionCleaner(config *Config) LostTransactionCleaner {
	return newStdLostTransactionCleaner(config)
}

func newStdLostTransactionCleaner(config *Config) *stdLostTransactionCleaner {
	resolved := config.withDefaults()
	config = &resolved

	ctx, cancel := context.WithCancel(context.Background())

	return &stdLostTransactionCleaner{
		uuid:                uuid.New().String(),
		numAtrs:             config.NumATRs,
		cleanupWindow:       config.CleanupWindow,
		cleanupHooks:        config.Internal.CleanUpHooks,
		clientRecordHooks:   config.Internal.ClientRecordHooks,
		cleaner:             NewCleaner(config),
		operationTimeout:    config.KeyValueTimeout,
		bucketAgentProvider: config.BucketAgentProvider,
		logger:              config.Logger.Named("lostcleanup"),
		locations:           make(map[LostATRLocation]context.CancelFunc),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

func startLostTransactionCleaner(config *Config) *stdLostTransactionCleaner {
	ltc := newStdLostTransactionCleaner(config)

	if config.BucketAgentProvider != nil {
		for _, location := range config.CleanupCollections {
			ltc.AddATRLocation(location)
		}
	}

	return ltc
}

// AddATRLocation starts watching a collection for lost attempts.  Adding a
// location twice has no effect.
func (ltc *stdLostTransactionCleaner) AddATRLocation(location LostATRLocation) {
	if ltc.closed.Load() || ltc.bucketAgentProvider == nil {
		return
	}

	location.ScopeName = nonEmpty(location.ScopeName, defaultScopeName)
	location.CollectionName = nonEmpty(location.CollectionName, defaultCollectionName)

	ltc.locationsLock.Lock()
	if _, ok := ltc.locations[location]; ok {
		ltc.locationsLock.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ltc.ctx)
	ltc.locations[location] = cancel
	ltc.wg.Add(1)
	ltc.locationsLock.Unlock()

	ltc.logger.Debug("adding location to lost cleanup",
		zap.String("bucket", location.BucketName),
		zap.String("scope", location.ScopeName),
		zap.String("collection", location.CollectionName))

	go ltc.perLocation(ctx, location)
}

func (ltc *stdLostTransactionCleaner) Close() {
	if ltc.closed.Swap(true) {
		return
	}

	ltc.cancel()
	ltc.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), ltc.operationTimeout)
	defer cancel()

	if err := ltc.RemoveClientFromAllLocations(ctx, ltc.uuid); err != nil {
		ltc.logger.Debug("failed to remove client record on close", zap.Error(err))
	}

	ltc.cleaner.Close()
}

// RemoveClientFromAllLocations removes uuid from the client record of every
// location this cleaner has watched.
func (ltc *stdLostTransactionCleaner) RemoveClientFromAllLocations(ctx context.Context, uuid string) error {
	ltc.locationsLock.Lock()
	locations := make([]LostATRLocation, 0, len(ltc.locations))
	for location := range ltc.locations {
		locations = append(locations, location)
	}
	ltc.locationsLock.Unlock()

	var errs error
	for _, location := range locations {
		if err := ltc.unregisterClientRecord(ctx, location, uuid); err != nil {
			ltc.logger.Debug("failed to unregister client from cleanup record",
				zap.String("clientId", uuid),
				zap.String("bucket", location.BucketName),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (ltc *stdLostTransactionCleaner) unregisterClientRecord(ctx context.Context, location LostATRLocation, uuid string) error {
	// There's a possible race with the record being updated by this client,
	// if that happens another client will expire it later.
	backoff := retry.WithMaxDuration(500*time.Millisecond, retry.NewConstant(10*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		agent, err := ltc.bucketAgentProvider(location.BucketName)
		if err != nil {
			return retry.RetryableError(err)
		}

		if err := ltc.clientRecordHooks.BeforeRemoveClient(ctx); err != nil {
			if isNotFoundError(err) {
				return nil
			}
			return retry.RetryableError(err)
		}

		opCtx, cancel := context.WithTimeout(ctx, ltc.operationTimeout)
		defer cancel()

		_, err = agent.MutateIn(opCtx, &docstore.MutateInOptions{
			ScopeName:      location.ScopeName,
			CollectionName: location.CollectionName,
			Key:            []byte(clientRecordKey),
			Ops: []docstore.SubDocOp{
				{
					Op:    docstore.SubDocOpDelete,
					Flags: docstore.SubdocFlagXattrPath,
					Path:  "records.clients." + uuid,
				},
			},
		})
		if err != nil {
			if isNotFoundError(err) {
				return nil
			}
			return retry.RetryableError(err)
		}

		return nil
	})
}

func isNotFoundError(err error) bool {
	return errors.Is(err, docstore.ErrDocumentNotFound) || errors.Is(err, docstore.ErrPathNotFound)
}

func (ltc *stdLostTransactionCleaner) perLocation(ctx context.Context, location LostATRLocation) {
	defer ltc.wg.Done()

	for {
		if err := ltc.process(ctx, location); err != nil && ctx.Err() == nil {
			ltc.logger.Debug("lost cleanup pass failed",
				zap.String("bucket", location.BucketName),
				zap.Error(err))

			if sleepCtx(ctx, 1*time.Second) != nil {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// process runs one pass over the ATRs this client is responsible for,
// spreading them evenly across the cleanup window.
func (ltc *stdLostTransactionCleaner) process(ctx context.Context, location LostATRLocation) error {
	agent, err := ltc.bucketAgentProvider(location.BucketName)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to get agent for bucket %s", location.BucketName)
	}

	details, err := ltc.ProcessClient(ctx, agent, location.ScopeName, location.CollectionName, ltc.uuid)
	if err != nil {
		return err
	}

	if details.OverrideActive || len(details.AtrsHandledByClient) == 0 {
		return sleepCtx(ctx, ltc.cleanupWindow)
	}

	interval := time.Duration(details.CheckAtrEveryNMillis) * time.Millisecond
	for _, atrID := range details.AtrsHandledByClient {
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}

		if _, _, err := ltc.ProcessATR(ctx, agent, location.ScopeName, location.CollectionName, atrID); err != nil {
			ltc.logger.Debug("failed to process atr",
				zap.String("atrId", atrID),
				zap.Error(err))
		}
	}

	return nil
}

// ProcessClient registers uuid in the location's client record, creating
// the record when needed, and works out which ATRs the client owns.  The
// uuid is a parameter so that it's testable externally.
func (ltc *stdLostTransactionCleaner) ProcessClient(
	ctx context.Context,
	agent docstore.Agent,
	scope, collection, uuid string,
) (*ClientRecordDetails, error) {
	for {
		if err := ltc.clientRecordHooks.BeforeGetRecord(ctx); err != nil {
			return nil, err
		}

		opCtx, cancel := context.WithTimeout(ctx, ltc.operationTimeout)
		result, err := agent.LookupIn(opCtx, &docstore.LookupInOptions{
			ScopeName:      scope,
			CollectionName: collection,
			Key:            []byte(clientRecordKey),
			Ops: []docstore.SubDocOp{
				{
					Op:    docstore.SubDocOpGet,
					Path:  "records",
					Flags: docstore.SubdocFlagXattrPath,
				},
				{
					Op:    docstore.SubDocOpGet,
					Path:  docstore.VirtualXattrHLC,
					Flags: docstore.SubdocFlagXattrPath,
				},
			},
		})
		cancel()
		if err != nil {
			if errors.Is(err, docstore.ErrDocumentNotFound) {
				if err := ltc.createClientRecord(ctx, agent, scope, collection); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		records := jsonClientRecords{}
		if recordOp := result.Ops[0]; recordOp.Err == nil {
			if err := json.Unmarshal(recordOp.Value, &records); err != nil {
				return nil, err
			}
		} else if !errors.Is(recordOp.Err, docstore.ErrPathNotFound) {
			return nil, recordOp.Err
		}

		if result.Ops[1].Err != nil {
			return nil, result.Ops[1].Err
		}
		now, err := docstore.ParseHLCToTime(result.Ops[1].Value)
		if err != nil {
			return nil, err
		}

		recordDetails, err := ltc.parseClientRecords(records, uuid, now.UnixNano()/1e6)
		if err != nil {
			return nil, err
		}

		if recordDetails.OverrideActive {
			return &recordDetails, nil
		}

		if err := ltc.processClientRecord(ctx, agent, scope, collection, uuid, recordDetails); err != nil {
			return nil, err
		}

		return &recordDetails, nil
	}
}

// ProcessATR hands every expired entry of one ATR to the cleaner.
func (ltc *stdLostTransactionCleaner) ProcessATR(
	ctx context.Context,
	agent docstore.Agent,
	scope, collection, atrID string,
) ([]CleanupAttempt, ProcessATRStats, error) {
	if err := ltc.cleanupHooks.BeforeATRGet(ctx, []byte(atrID)); err != nil {
		return nil, ProcessATRStats{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, ltc.operationTimeout)
	entries, err := atrLookup(opCtx, agent, scope, collection, []byte(atrID))
	cancel()
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			return []CleanupAttempt{}, ProcessATRStats{}, nil
		}
		return nil, ProcessATRStats{}, err
	}

	lostCleanupATRsScanned.Add(ctx, 1)

	stats := ProcessATRStats{
		NumEntries: len(entries),
	}

	attemptIDs := make([]string, 0, len(entries))
	for attemptID := range entries {
		attemptIDs = append(attemptIDs, attemptID)
	}
	sort.Strings(attemptIDs)

	results := []CleanupAttempt{}
	for _, attemptID := range attemptIDs {
		if ctx.Err() != nil {
			return results, stats, ctx.Err()
		}

		entry := entries[attemptID]
		if entry.State == AttemptStateUnknown || !entry.HasExpired(cleanupSafetyMarginMs) {
			continue
		}

		stats.NumEntriesExpired++
		lostCleanupEntriesFound.Add(ctx, 1)

		req := &CleanupRequest{
			AttemptID:         attemptID,
			AtrID:             []byte(atrID),
			AtrBucketName:     agent.BucketName(),
			AtrScopeName:      scope,
			AtrCollectionName: collection,
			Inserts:           entry.Inserts,
			Replaces:          entry.Replaces,
			Removes:           entry.Removes,
			State:             entry.State,
			ForwardCompat:     entry.ForwardCompat,
			DurabilityLevel:   entry.DurabilityLevel,
			ReadyTime:         time.Now(),
			CheckIfExpired:    true,
		}

		results = append(results, ltc.cleaner.CleanupAttempt(ctx, req, false))
	}

	return results, stats, nil
}

func (ltc *stdLostTransactionCleaner) parseClientRecords(records jsonClientRecords, uuid string, nowMs int64) (ClientRecordDetails, error) {
	var expiredIDs []string
	var activeIDs []string
	var clientAlreadyExists bool

	for u, client := range records.Clients {
		if u == uuid {
			activeIDs = append(activeIDs, u)
			clientAlreadyExists = true
			continue
		}

		heartbeatMs, err := docstore.ParseMacroCasToMillis(client.HeartbeatMS)
		if err != nil {
			return ClientRecordDetails{}, err
		}

		if nowMs-heartbeatMs >= int64(client.ExpiresMS) {
			expiredIDs = append(expiredIDs, u)
		} else {
			activeIDs = append(activeIDs, u)
		}
	}

	if !clientAlreadyExists {
		activeIDs = append(activeIDs, uuid)
	}

	sort.Strings(activeIDs)
	sort.Strings(expiredIDs)

	clientIndex := 0
	for i, u := range activeIDs {
		if u == uuid {
			clientIndex = i
			break
		}
	}

	var overrideEnabled bool
	var overrideActive bool
	var overrideExpiresCas int64

	if records.Override != nil {
		overrideEnabled = records.Override.Enabled
		overrideExpiresCas = records.Override.ExpiresNanos

		if overrideEnabled && overrideExpiresCas > nowMs*1000000 {
			overrideActive = true
		}
	}

	numActive := len(activeIDs)
	numExpired := len(expiredIDs)

	atrsHandled := atrsToHandle(clientIndex, numActive, ltc.numAtrs)

	checkAtrEveryNMs := 1
	if len(atrsHandled) > 0 {
		everyMs := ltc.cleanupWindow.Milliseconds() / int64(len(atrsHandled))
		checkAtrEveryNMs = int(math.Max(1, float64(everyMs)))
	}

	return ClientRecordDetails{
		NumActiveClients:     numActive,
		IndexOfThisClient:    clientIndex,
		ClientIsNew:          !clientAlreadyExists,
		ExpiredClientIDs:     expiredIDs,
		NumExistingClients:   numActive + numExpired,
		NumExpiredClients:    numExpired,
		OverrideEnabled:      overrideEnabled,
		OverrideActive:       overrideActive,
		OverrideExpiresCas:   overrideExpiresCas,
		CasNowMillis:         nowMs,
		AtrsHandledByClient:  atrsHandled,
		CheckAtrEveryNMillis: checkAtrEveryNMs,
		ClientUUID:           uuid,
	}, nil
}

// processClientRecord heartbeats this client and removes a bounded number of
// expired clients.
func (ltc *stdLostTransactionCleaner) processClientRecord(
	ctx context.Context,
	agent docstore.Agent,
	scope, collection, uuid string,
	recordDetails ClientRecordDetails,
) error {
	prefix := "records.clients." + uuid + "."

	expiresMs, err := json.Marshal((ltc.cleanupWindow + 20*time.Second).Milliseconds())
	if err != nil {
		return err
	}
	numAtrs, err := json.Marshal(ltc.numAtrs)
	if err != nil {
		return err
	}

	ops := []docstore.SubDocOp{
		{
			Op:    docstore.SubDocOpDictSet,
			Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagExpandMacros | docstore.SubdocFlagMkDirP,
			Path:  prefix + "heartbeat_ms",
			Value: []byte(docstore.MacroMutationCas),
		},
		{
			Op:    docstore.SubDocOpDictSet,
			Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagMkDirP,
			Path:  prefix + "expires_ms",
			Value: expiresMs,
		},
		{
			Op:    docstore.SubDocOpDictSet,
			Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagMkDirP,
			Path:  prefix + "num_atrs",
			Value: numAtrs,
		},
	}

	numRemoved := len(recordDetails.ExpiredClientIDs)
	if numRemoved > maxExpiredClientsPerUpdate {
		numRemoved = maxExpiredClientsPerUpdate
	}
	for _, expiredID := range recordDetails.ExpiredClientIDs[:numRemoved] {
		ops = append(ops, docstore.SubDocOp{
			Op:    docstore.SubDocOpDelete,
			Flags: docstore.SubdocFlagXattrPath,
			Path:  "records.clients." + expiredID,
		})
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ltc.clientRecordHooks.BeforeUpdateRecord(ctx); err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, ltc.operationTimeout)
		defer cancel()

		_, err := agent.MutateIn(opCtx, &docstore.MutateInOptions{
			ScopeName:      scope,
			CollectionName: collection,
			Key:            []byte(clientRecordKey),
			Ops:            ops,
		})
		if err != nil {
			switch classifyError(err).Class {
			case ErrorClassFailTransient, ErrorClassFailAmbiguous:
				return retry.RetryableError(err)
			}
			return err
		}

		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to update client record")
	}

	if numRemoved > 0 {
		lostCleanupClientsRemoved.Add(ctx, int64(numRemoved))
		ltc.logger.Debug("removed expired clients from client record",
			zap.Strings("clientIds", recordDetails.ExpiredClientIDs[:numRemoved]))
	}

	return nil
}

func (ltc *stdLostTransactionCleaner) createClientRecord(ctx context.Context, agent docstore.Agent, scope, collection string) error {
	if err := ltc.clientRecordHooks.BeforeCreateRecord(ctx); err != nil {
		if classifyHookError(err).Class != ErrorClassFailDocAlreadyExists {
			return err
		}
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, ltc.operationTimeout)
	defer cancel()

	_, err := agent.MutateIn(opCtx, &docstore.MutateInOptions{
		ScopeName:      scope,
		CollectionName: collection,
		Key:            []byte(clientRecordKey),
		Ops: []docstore.SubDocOp{
			{
				Op:    docstore.SubDocOpDictAdd,
				Flags: docstore.SubdocFlagXattrPath | docstore.SubdocFlagMkDirP,
				Path:  "records.clients",
				Value: []byte("{}"),
			},
			{
				Op:    docstore.SubDocOpSetDoc,
				Flags: docstore.SubdocFlagNone,
				Path:  "",
				Value: []byte("{}"),
			},
		},
		Flags: docstore.SubdocDocFlagAddDoc,
	})
	if err != nil {
		switch classifyError(err).Class {
		case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
			return nil
		}
		return err
	}

	return nil
}

// atrsToHandle returns the share of the first numAtrs ATR ids owned by the
// client at index among numActive clients.
func atrsToHandle(index int, numActive int, numAtrs int) []string {
	allAtrs := atrIDsForCleanup(numAtrs)
	var selectedAtrs []string
	for i := index; i < len(allAtrs); i += numActive {
		selectedAtrs = append(selectedAtrs, allAtrs[i])
	}

	return selectedAtrs
}
