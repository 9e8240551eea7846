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

// Package docstore defines the document store boundary that transactions are
// layered on: single document CAS reads and writes with sub-document access to
// extended attributes.
package docstore

import (
	"context"
	"encoding/json"
	"time"
)

// Cas represents a document version as assigned by the store.
type Cas uint64

// DurabilityLevel specifies the durability requirement of a mutation.
type DurabilityLevel uint8

const (
	// DurabilityLevelNone requires no durability.
	DurabilityLevelNone = DurabilityLevel(0)

	// DurabilityLevelMajority requires replication to a majority of replicas.
	DurabilityLevelMajority = DurabilityLevel(1)

	// DurabilityLevelMajorityAndPersistToActive requires replication to a majority
	// and persistence on the active node.
	DurabilityLevelMajorityAndPersistToActive = DurabilityLevel(2)

	// DurabilityLevelPersistToMajority requires persistence on a majority.
	DurabilityLevelPersistToMajority = DurabilityLevel(3)
)

// SubDocOpType is the kind of a single sub-document operation.
type SubDocOpType uint8

const (
	// SubDocOpGet reads the value at a path.
	SubDocOpGet = SubDocOpType(1)

	// SubDocOpExists checks for the presence of a path.
	SubDocOpExists = SubDocOpType(2)

	// SubDocOpGetDoc reads the full document body.
	SubDocOpGetDoc = SubDocOpType(3)

	// SubDocOpDictAdd adds a value at a path which must not exist yet.
	SubDocOpDictAdd = SubDocOpType(4)

	// SubDocOpDictSet sets the value at a path.
	SubDocOpDictSet = SubDocOpType(5)

	// SubDocOpReplace replaces the value at a path which must already exist.
	SubDocOpReplace = SubDocOpType(6)

	// SubDocOpDelete removes a path.
	SubDocOpDelete = SubDocOpType(7)

	// SubDocOpSetDoc replaces the full document body.
	SubDocOpSetDoc = SubDocOpType(8)
)

// SubdocFlag modifies the behaviour of a single sub-document operation.
type SubdocFlag uint8

const (
	// SubdocFlagNone applies no modifiers.
	SubdocFlagNone = SubdocFlag(0)

	// SubdocFlagMkDirP creates missing parent objects along the path.
	SubdocFlagMkDirP = SubdocFlag(0x01)

	// SubdocFlagXattrPath addresses the extended attributes rather than the body.
	SubdocFlagXattrPath = SubdocFlag(0x04)

	// SubdocFlagExpandMacros expands server macros in the value.
	SubdocFlagExpandMacros = SubdocFlag(0x10)
)

// SubdocDocFlag modifies the behaviour of a whole sub-document request.
type SubdocDocFlag uint8

const (
	// SubdocDocFlagNone applies no modifiers.
	SubdocDocFlagNone = SubdocDocFlag(0)

	// SubdocDocFlagMkDoc creates the document if it does not exist.
	SubdocDocFlagMkDoc = SubdocDocFlag(0x01)

	// SubdocDocFlagAddDoc creates the document and fails if it already exists.
	SubdocDocFlagAddDoc = SubdocDocFlag(0x02)

	// SubdocDocFlagAccessDeleted allows the request to see tombstones.
	SubdocDocFlagAccessDeleted = SubdocDocFlag(0x04)

	// SubdocDocFlagCreateAsDeleted creates the document as a tombstone.
	SubdocDocFlagCreateAsDeleted = SubdocDocFlag(0x08)

	// SubdocDocFlagReviveDocument brings a tombstone back to life.
	SubdocDocFlagReviveDocument = SubdocDocFlag(0x10)
)

// SubDocOp is a single operation within a LookupIn or MutateIn request.
type SubDocOp struct {
	Op    SubDocOpType
	Flags SubdocFlag
	Path  string
	Value []byte
}

// SubDocResult is the per-operation outcome of a sub-document request.
type SubDocResult struct {
	Value []byte
	Err   error
}

// LookupInOptions describes a sub-document read.
type LookupInOptions struct {
	ScopeName      string
	CollectionName string
	Key            []byte
	Ops            []SubDocOp
	Flags          SubdocDocFlag
}

// LookupInResult is the result of a sub-document read.  Path level failures are
// reported per operation, document level failures are returned as errors.
type LookupInResult struct {
	Cas     Cas
	Ops     []SubDocResult
	Deleted bool
}

// MutateInOptions describes an atomic sub-document write.
type MutateInOptions struct {
	ScopeName       string
	CollectionName  string
	Key             []byte
	Cas             Cas
	Ops             []SubDocOp
	Flags           SubdocDocFlag
	DurabilityLevel DurabilityLevel
}

// MutateInResult is the result of a sub-document write.
type MutateInResult struct {
	Cas Cas
	Ops []SubDocResult
}

// AddOptions describes a full document insert.
type AddOptions struct {
	ScopeName       string
	CollectionName  string
	Key             []byte
	Value           []byte
	DurabilityLevel DurabilityLevel
}

// StoreResult is the result of a full document write.
type StoreResult struct {
	Cas Cas
}

// DeleteOptions describes a full document removal.
type DeleteOptions struct {
	ScopeName       string
	CollectionName  string
	Key             []byte
	Cas             Cas
	DurabilityLevel DurabilityLevel
}

// DeleteResult is the result of a removal.
type DeleteResult struct {
	Cas Cas
}

// QueryOptions describes a query statement executed on behalf of a transaction.
type QueryOptions struct {
	Statement string
	Args      []json.RawMessage
	// TxData carries the serialized transaction attempt so the query service
	// can stage its writes against the same ATR.
	TxData   json.RawMessage
	ReadOnly bool

	// TxID names the query transaction a statement belongs to.  Empty for
	// BEGIN WORK, which opens it.
	TxID string
	// TxTimeout bounds the query transaction opened by BEGIN WORK.
	TxTimeout time.Duration
}

// QueryResult holds the rows and trailing metadata of a query.
type QueryResult struct {
	Rows     []json.RawMessage
	MetaData json.RawMessage
}

// Agent is a session against one bucket of the document store.
type Agent interface {
	BucketName() string
	LookupIn(ctx context.Context, opts *LookupInOptions) (*LookupInResult, error)
	MutateIn(ctx context.Context, opts *MutateInOptions) (*MutateInResult, error)
	Add(ctx context.Context, opts *AddOptions) (*StoreResult, error)
	Delete(ctx context.Context, opts *DeleteOptions) (*DeleteResult, error)
}

// QueryAgent is implemented by agents which can also run query statements.
type QueryAgent interface {
	Query(ctx context.Context, opts *QueryOptions) (*QueryResult, error)
}

// BucketProvider resolves a bucket name to an Agent.
type BucketProvider func(bucketName string) (Agent, error)
