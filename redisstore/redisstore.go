// Package redisstore persists documents in Redis and provides the sub-document
// semantics the transaction engine requires.  Each document, including its
// extended attributes and tombstone state, is held as a single JSON value and
// CAS is enforced with optimistic WATCH/MULTI transactions.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix  = "txn"
	defaultCollection = "_default"
	maxWatchRetries   = 16
)

// Config configures a Store.
type Config struct {
	// KeyPrefix is prepended to every redis key written by the store.
	KeyPrefix string

	// Logger is used for diagnostic output.  Defaults to a no-op logger.
	Logger *zap.Logger
}

// Store is a document store held in a redis database.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// New wraps an existing redis client.
func New(client redis.UniversalClient, config Config) *Store {
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Store{
		client:    client,
		keyPrefix: config.KeyPrefix,
		logger:    config.Logger,
	}
}

// Agent returns a session against the named bucket.
func (s *Store) Agent(bucketName string) *Agent {
	return &Agent{
		store:      s,
		bucketName: bucketName,
		logger:     s.logger.With(zap.String("bucket", bucketName)),
	}
}

// BucketProvider returns a provider resolving bucket names against this store.
func (s *Store) BucketProvider() docstore.BucketProvider {
	return func(bucketName string) (docstore.Agent, error) {
		return s.Agent(bucketName), nil
	}
}

// Agent is a docstore.Agent over a single bucket held in redis.
type Agent struct {
	store      *Store
	bucketName string
	logger     *zap.Logger
}

var _ docstore.Agent = (*Agent)(nil)

// BucketName returns the bucket this agent operates on.
func (a *Agent) BucketName() string {
	return a.bucketName
}

func (a *Agent) redisKey(scopeName, collectionName string, key []byte) string {
	if scopeName == "" {
		scopeName = defaultCollection
	}
	if collectionName == "" {
		collectionName = defaultCollection
	}
	return a.store.keyPrefix + ":" + a.bucketName + ":" + scopeName + ":" + collectionName + ":" + string(key)
}

func (a *Agent) serverTime(ctx context.Context) (time.Time, error) {
	now, err := a.store.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, translateError(err)
	}
	return now, nil
}

func nextCas(now time.Time, existing *docstore.Document) docstore.Cas {
	cas := docstore.Cas(now.UnixNano())
	if existing != nil && cas <= existing.Cas {
		cas = existing.Cas + 1
	}
	return cas
}

func readDocument(ctx context.Context, getter redis.Cmdable, key string) (*docstore.Document, error) {
	data, err := getter.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, translateError(err)
	}

	var doc docstore.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode stored document")
	}
	return &doc, nil
}

func translateError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(docstore.ErrAmbiguousTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(docstore.ErrRequestCanceled, err.Error())
	}
	return errors.Wrap(docstore.ErrTemporaryFailure, err.Error())
}

// update runs a read-modify-write cycle on a single key.  The apply function
// computes the new document from the current one; the write only lands if no
// other client modified the key in between.
func (a *Agent) update(
	ctx context.Context,
	key string,
	apply func(existing *docstore.Document, newCas docstore.Cas) (*docstore.Document, error),
) (*docstore.Document, error) {
	client := a.store.client

	var written *docstore.Document
	txf := func(tx *redis.Tx) error {
		existing, err := readDocument(ctx, tx, key)
		if err != nil {
			return err
		}

		now, err := a.serverTime(ctx)
		if err != nil {
			return err
		}

		doc, err := apply(existing, nextCas(now, existing))
		if err != nil {
			return err
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "failed to encode document")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}

		written = doc
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := client.Watch(ctx, txf, key)
		if err == nil {
			return written, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			a.logger.Debug("concurrent modification, retrying", zap.String("key", key), zap.Int("attempt", i))
			continue
		}
		if isStoreError(err) {
			return nil, err
		}
		return nil, translateError(err)
	}

	return nil, errors.Wrap(docstore.ErrTemporaryFailure, "too many concurrent modifications")
}

func isStoreError(err error) bool {
	for _, target := range []error{
		docstore.ErrDocumentNotFound,
		docstore.ErrDocumentExists,
		docstore.ErrCasMismatch,
		docstore.ErrPathNotFound,
		docstore.ErrPathExists,
		docstore.ErrPathMismatch,
		docstore.ErrInvalidArgument,
		docstore.ErrValueTooLarge,
		docstore.ErrAmbiguousTimeout,
		docstore.ErrRequestCanceled,
		docstore.ErrTemporaryFailure,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// LookupIn performs a sub-document read.
func (a *Agent) LookupIn(ctx context.Context, opts *docstore.LookupInOptions) (*docstore.LookupInResult, error) {
	doc, err := readDocument(ctx, a.store.client, a.redisKey(opts.ScopeName, opts.CollectionName, opts.Key))
	if err != nil {
		return nil, err
	}
	if !doc.Visible(opts.Flags) {
		return nil, docstore.ErrDocumentNotFound
	}

	now, err := a.serverTime(ctx)
	if err != nil {
		return nil, err
	}

	return doc.Lookup(opts.Ops, now), nil
}

// MutateIn performs an atomic sub-document write.
func (a *Agent) MutateIn(ctx context.Context, opts *docstore.MutateInOptions) (*docstore.MutateInResult, error) {
	var res *docstore.MutateInResult
	_, err := a.update(ctx, a.redisKey(opts.ScopeName, opts.CollectionName, opts.Key),
		func(existing *docstore.Document, newCas docstore.Cas) (*docstore.Document, error) {
			doc, mres, err := docstore.ApplyMutateIn(existing, opts, newCas)
			if err != nil {
				return nil, err
			}
			res = mres
			return doc, nil
		})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Add inserts a full document.
func (a *Agent) Add(ctx context.Context, opts *docstore.AddOptions) (*docstore.StoreResult, error) {
	doc, err := a.update(ctx, a.redisKey(opts.ScopeName, opts.CollectionName, opts.Key),
		func(existing *docstore.Document, newCas docstore.Cas) (*docstore.Document, error) {
			return docstore.ApplyAdd(existing, opts, newCas)
		})
	if err != nil {
		return nil, err
	}
	return &docstore.StoreResult{Cas: doc.Cas}, nil
}

// Delete removes a document, leaving a tombstone.
func (a *Agent) Delete(ctx context.Context, opts *docstore.DeleteOptions) (*docstore.DeleteResult, error) {
	doc, err := a.update(ctx, a.redisKey(opts.ScopeName, opts.CollectionName, opts.Key),
		func(existing *docstore.Document, newCas docstore.Cas) (*docstore.Document, error) {
			return docstore.ApplyDelete(existing, opts, newCas)
		})
	if err != nil {
		return nil, err
	}
	return &docstore.DeleteResult{Cas: doc.Cas}, nil
}
