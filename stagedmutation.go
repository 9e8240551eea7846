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

package transactions

import (
	"bytes"
	"encoding/json"

	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
)

// StagedMutationType represents the type of a mutation performed in a transaction.
type StagedMutationType int

const (
	// StagedMutationUnknown indicates an error has occured.
	StagedMutationUnknown = StagedMutationType(0)

	// StagedMutationInsert indicates the staged mutation was an insert operation.
	StagedMutationInsert = StagedMutationType(1)

	// StagedMutationReplace indicates the staged mutation was an replace operation.
	StagedMutationReplace = StagedMutationType(2)

	// StagedMutationRemove indicates the staged mutation was an remove operation.
	StagedMutationRemove = StagedMutationType(3)
)

func (mtype StagedMutationType) String() string {
	switch mtype {
	case StagedMutationInsert:
		return "INSERT"
	case StagedMutationReplace:
		return "REPLACE"
	case StagedMutationRemove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

func stagedMutationTypeFromString(mtype string) (StagedMutationType, error) {
	switch mtype {
	case "INSERT":
		return StagedMutationInsert, nil
	case "REPLACE":
		return StagedMutationReplace, nil
	case "REMOVE":
		return StagedMutationRemove, nil
	}
	return StagedMutationUnknown, errors.New("invalid mutation type string")
}

func (mtype StagedMutationType) jsonType() jsonMutationType {
	switch mtype {
	case StagedMutationInsert:
		return jsonMutationInsert
	case StagedMutationReplace:
		return jsonMutationReplace
	case StagedMutationRemove:
		return jsonMutationRemove
	}
	return ""
}

// StagedMutation wraps all of the information about a mutation which has been staged
// as part of the transaction and which should later be unstaged when the transaction
// has been committed.
type StagedMutation struct {
	OpType         StagedMutationType
	BucketName     string
	ScopeName      string
	CollectionName string
	Key            []byte
	Cas            docstore.Cas
	Staged         json.RawMessage
}

type stagedMutation struct {
	OpType         StagedMutationType
	Agent          docstore.Agent
	ScopeName      string
	CollectionName string
	Key            []byte
	Cas            docstore.Cas
	Staged         json.RawMessage
	IsTombstone    bool
}

func (m *stagedMutation) matches(agent docstore.Agent, scopeName, collectionName string, key []byte) bool {
	return m.Agent.BucketName() == agent.BucketName() &&
		m.ScopeName == scopeName &&
		m.CollectionName == collectionName &&
		bytes.Equal(m.Key, key)
}

func (m *stagedMutation) public() StagedMutation {
	return StagedMutation{
		OpType:         m.OpType,
		BucketName:     m.Agent.BucketName(),
		ScopeName:      m.ScopeName,
		CollectionName: m.CollectionName,
		Key:            m.Key,
		Cas:            m.Cas,
		Staged:         m.Staged,
	}
}

func (m *stagedMutation) atrMutation() jsonAtrMutation {
	return jsonAtrMutation{
		BucketName:     m.Agent.BucketName(),
		ScopeName:      m.ScopeName,
		CollectionName: m.CollectionName,
		DocID:          string(m.Key),
	}
}

// stagedMutationQueue is the ordered set of mutations staged by an attempt.
// A document appears at most once; restaging a document replaces its entry
// in place so that unstaging keeps the original order.
type stagedMutationQueue struct {
	mutations []*stagedMutation
}

func (q *stagedMutationQueue) find(agent docstore.Agent, scopeName, collectionName string, key []byte) (int, *stagedMutation) {
	for i, m := range q.mutations {
		if m.matches(agent, scopeName, collectionName, key) {
			return i, m
		}
	}
	return -1, nil
}

func (q *stagedMutationQueue) record(mutation *stagedMutation) {
	idx, _ := q.find(mutation.Agent, mutation.ScopeName, mutation.CollectionName, mutation.Key)
	if idx >= 0 {
		q.mutations[idx] = mutation
		return
	}
	q.mutations = append(q.mutations, mutation)
}

func (q *stagedMutationQueue) remove(agent docstore.Agent, scopeName, collectionName string, key []byte) {
	idx, _ := q.find(agent, scopeName, collectionName, key)
	if idx < 0 {
		return
	}
	q.mutations = append(q.mutations[:idx], q.mutations[idx+1:]...)
}

func (q *stagedMutationQueue) len() int {
	return len(q.mutations)
}

func (q *stagedMutationQueue) all() []*stagedMutation {
	return append([]*stagedMutation(nil), q.mutations...)
}

// partition splits the queue into the ATR's insert, replace and remove lists.
func (q *stagedMutationQueue) partition() (inserts, replaces, removes []jsonAtrMutation) {
	inserts = []jsonAtrMutation{}
	replaces = []jsonAtrMutation{}
	removes = []jsonAtrMutation{}
	for _, m := range q.mutations {
		switch m.OpType {
		case StagedMutationInsert:
			inserts = append(inserts, m.atrMutation())
		case StagedMutationReplace:
			replaces = append(replaces, m.atrMutation())
		case StagedMutationRemove:
			removes = append(removes, m.atrMutation())
		}
	}
	return
}
