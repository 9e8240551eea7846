// Copyright 2021 Couchbase
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memstore implements an in-process document store with sub-document
// and extended attribute support.  CAS values are drawn from a hybrid logical
// clock so that they can be interpreted as timestamps, as a real server does.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
)

const defaultCollection = "_default"

// QueryHandler services query statements sent to an Agent.
type QueryHandler func(ctx context.Context, bucketName string, opts *docstore.QueryOptions) (*docstore.QueryResult, error)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to generate CAS values and the HLC.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithQueryHandler installs a handler for query statements.
func WithQueryHandler(handler QueryHandler) Option {
	return func(s *Store) {
		s.queryHandler = handler
	}
}

// Store holds every bucket of an in-process cluster.
type Store struct {
	lock         sync.Mutex
	clock        func() time.Time
	lastCas      docstore.Cas
	buckets      map[string]map[string]*docstore.Document
	queryHandler QueryHandler
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   time.Now,
		buckets: make(map[string]map[string]*docstore.Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Agent returns a session against the named bucket, creating it if needed.
func (s *Store) Agent(bucketName string) *Agent {
	s.lock.Lock()
	if _, ok := s.buckets[bucketName]; !ok {
		s.buckets[bucketName] = make(map[string]*docstore.Document)
	}
	s.lock.Unlock()

	return &Agent{
		store:      s,
		bucketName: bucketName,
	}
}

// BucketProvider returns a provider resolving bucket names against this store.
func (s *Store) BucketProvider() docstore.BucketProvider {
	return func(bucketName string) (docstore.Agent, error) {
		return s.Agent(bucketName), nil
	}
}

// Now returns the current server time.
func (s *Store) Now() time.Time {
	return s.clock()
}

func (s *Store) nextCasLocked() docstore.Cas {
	cas := docstore.Cas(s.clock().UnixNano())
	if cas <= s.lastCas {
		cas = s.lastCas + 1
	}
	s.lastCas = cas
	return cas
}

func storeKey(scopeName, collectionName string, key []byte) string {
	if scopeName == "" {
		scopeName = defaultCollection
	}
	if collectionName == "" {
		collectionName = defaultCollection
	}
	return scopeName + "/" + collectionName + "/" + string(key)
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(docstore.ErrUnambiguousTimeout, err.Error())
		}
		return errors.Wrap(docstore.ErrRequestCanceled, err.Error())
	}
	return nil
}

// Agent is a docstore.Agent over a single bucket of a Store.
type Agent struct {
	store      *Store
	bucketName string
}

var _ docstore.Agent = (*Agent)(nil)
var _ docstore.QueryAgent = (*Agent)(nil)

// BucketName returns the bucket this agent operates on.
func (a *Agent) BucketName() string {
	return a.bucketName
}

// LookupIn performs a sub-document read.
func (a *Agent) LookupIn(ctx context.Context, opts *docstore.LookupInOptions) (*docstore.LookupInResult, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	a.store.lock.Lock()
	defer a.store.lock.Unlock()

	doc := a.store.buckets[a.bucketName][storeKey(opts.ScopeName, opts.CollectionName, opts.Key)]
	if !doc.Visible(opts.Flags) {
		return nil, docstore.ErrDocumentNotFound
	}

	return doc.Lookup(opts.Ops, a.store.clock()), nil
}

// MutateIn performs an atomic sub-document write.
func (a *Agent) MutateIn(ctx context.Context, opts *docstore.MutateInOptions) (*docstore.MutateInResult, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	a.store.lock.Lock()
	defer a.store.lock.Unlock()

	bucket := a.store.buckets[a.bucketName]
	key := storeKey(opts.ScopeName, opts.CollectionName, opts.Key)

	doc, res, err := docstore.ApplyMutateIn(bucket[key], opts, a.store.nextCasLocked())
	if err != nil {
		return nil, err
	}

	bucket[key] = doc
	return res, nil
}

// Add inserts a full document.
func (a *Agent) Add(ctx context.Context, opts *docstore.AddOptions) (*docstore.StoreResult, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	a.store.lock.Lock()
	defer a.store.lock.Unlock()

	bucket := a.store.buckets[a.bucketName]
	key := storeKey(opts.ScopeName, opts.CollectionName, opts.Key)

	doc, err := docstore.ApplyAdd(bucket[key], opts, a.store.nextCasLocked())
	if err != nil {
		return nil, err
	}

	bucket[key] = doc
	return &docstore.StoreResult{Cas: doc.Cas}, nil
}

// Delete removes a document, leaving a tombstone.
func (a *Agent) Delete(ctx context.Context, opts *docstore.DeleteOptions) (*docstore.DeleteResult, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	a.store.lock.Lock()
	defer a.store.lock.Unlock()

	bucket := a.store.buckets[a.bucketName]
	key := storeKey(opts.ScopeName, opts.CollectionName, opts.Key)

	doc, err := docstore.ApplyDelete(bucket[key], opts, a.store.nextCasLocked())
	if err != nil {
		return nil, err
	}

	bucket[key] = doc
	return &docstore.DeleteResult{Cas: doc.Cas}, nil
}

// Query forwards a statement to the configured QueryHandler.
func (a *Agent) Query(ctx context.Context, opts *docstore.QueryOptions) (*docstore.QueryResult, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	if a.store.queryHandler == nil {
		return nil, errors.Wrap(docstore.ErrFeatureNotAvailable, "no query handler configured")
	}

	return a.store.queryHandler(ctx, a.bucketName, opts)
}

// Document returns a copy of the stored document, including tombstones, or
// nil when the key has never been written.
func (a *Agent) Document(scopeName, collectionName string, key []byte) *docstore.Document {
	a.store.lock.Lock()
	defer a.store.lock.Unlock()

	doc := a.store.buckets[a.bucketName][storeKey(scopeName, collectionName, key)]
	if doc == nil {
		return nil
	}
	return doc.Clone()
}

// Keys lists the live document keys in a collection.
func (a *Agent) Keys(scopeName, collectionName string) []string {
	a.store.lock.Lock()
	defer a.store.lock.Unlock()

	prefix := storeKey(scopeName, collectionName, nil)
	var keys []string
	for k, doc := range a.store.buckets[a.bucketName] {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && !doc.Deleted {
			keys = append(keys, k[len(prefix):])
		}
	}
	return keys
}
