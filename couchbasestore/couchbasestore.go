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

// Package couchbasestore adapts a gocbcore agent to the docstore interfaces.
package couchbasestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
	"github.com/couchbaselabs/txnengine/docstore"
	"github.com/pkg/errors"
)

// Agent wraps a gocbcore.Agent which has been opened against a bucket.
type Agent struct {
	agent *gocbcore.Agent
}

var _ docstore.Agent = (*Agent)(nil)
var _ docstore.QueryAgent = (*Agent)(nil)

// NewAgent wraps an existing gocbcore agent.
func NewAgent(agent *gocbcore.Agent) *Agent {
	return &Agent{agent: agent}
}

// BucketProvider builds a docstore.BucketProvider from a function returning
// gocbcore agents by bucket name.
func BucketProvider(provider func(bucketName string) (*gocbcore.Agent, error)) docstore.BucketProvider {
	return func(bucketName string) (docstore.Agent, error) {
		agent, err := provider(bucketName)
		if err != nil {
			return nil, err
		}
		return NewAgent(agent), nil
	}
}

// BucketName returns the bucket the agent is bound to.
func (a *Agent) BucketName() string {
	return a.agent.BucketName()
}

func deadlineOf(ctx context.Context) time.Time {
	deadline, _ := ctx.Deadline()
	return deadline
}

// waitForOp blocks until the callback registered with op fires, canceling the
// operation if the context finishes first.  gocbcore guarantees the callback
// runs exactly once, even for canceled operations.
func waitForOp(ctx context.Context, op gocbcore.PendingOp, err error, doneCh chan struct{}) error {
	if err != nil {
		return translateError(err)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		op.Cancel()
		<-doneCh
		return nil
	}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gocbcore.ErrDocumentNotFound):
		return errors.Wrap(docstore.ErrDocumentNotFound, err.Error())
	case errors.Is(err, gocbcore.ErrDocumentExists):
		return errors.Wrap(docstore.ErrDocumentExists, err.Error())
	case errors.Is(err, gocbcore.ErrCasMismatch):
		return errors.Wrap(docstore.ErrCasMismatch, err.Error())
	case errors.Is(err, gocbcore.ErrPathNotFound):
		return errors.Wrap(docstore.ErrPathNotFound, err.Error())
	case errors.Is(err, gocbcore.ErrPathExists):
		return errors.Wrap(docstore.ErrPathExists, err.Error())
	case errors.Is(err, gocbcore.ErrPathMismatch):
		return errors.Wrap(docstore.ErrPathMismatch, err.Error())
	case errors.Is(err, gocbcore.ErrInvalidArgument):
		return errors.Wrap(docstore.ErrInvalidArgument, err.Error())
	case errors.Is(err, gocbcore.ErrValueTooLarge), errors.Is(err, gocbcore.ErrMemdTooBig):
		return errors.Wrap(docstore.ErrValueTooLarge, err.Error())
	case errors.Is(err, gocbcore.ErrAmbiguousTimeout):
		return errors.Wrap(docstore.ErrAmbiguousTimeout, err.Error())
	case errors.Is(err, gocbcore.ErrUnambiguousTimeout):
		return errors.Wrap(docstore.ErrUnambiguousTimeout, err.Error())
	case errors.Is(err, gocbcore.ErrDurabilityAmbiguous):
		return errors.Wrap(docstore.ErrDurabilityAmbiguous, err.Error())
	case errors.Is(err, gocbcore.ErrTemporaryFailure):
		return errors.Wrap(docstore.ErrTemporaryFailure, err.Error())
	case errors.Is(err, gocbcore.ErrRequestCanceled):
		return errors.Wrap(docstore.ErrRequestCanceled, err.Error())
	case errors.Is(err, gocbcore.ErrFeatureNotAvailable):
		return errors.Wrap(docstore.ErrFeatureNotAvailable, err.Error())
	}
	return err
}

func durabilityToMemd(level docstore.DurabilityLevel) memd.DurabilityLevel {
	switch level {
	case docstore.DurabilityLevelMajority:
		return memd.DurabilityLevelMajority
	case docstore.DurabilityLevelMajorityAndPersistToActive:
		return memd.DurabilityLevelMajorityAndPersistOnMaster
	case docstore.DurabilityLevelPersistToMajority:
		return memd.DurabilityLevelPersistToMajority
	}
	return memd.DurabilityLevel(0)
}

var subDocOps = map[docstore.SubDocOpType]memd.SubDocOpType{
	docstore.SubDocOpGet:     memd.SubDocOpGet,
	docstore.SubDocOpExists:  memd.SubDocOpExists,
	docstore.SubDocOpGetDoc:  memd.SubDocOpGetDoc,
	docstore.SubDocOpDictAdd: memd.SubDocOpDictAdd,
	docstore.SubDocOpDictSet: memd.SubDocOpDictSet,
	docstore.SubDocOpReplace: memd.SubDocOpReplace,
	docstore.SubDocOpDelete:  memd.SubDocOpDelete,
	docstore.SubDocOpSetDoc:  memd.SubDocOpSetDoc,
}

func opsToMemd(ops []docstore.SubDocOp) ([]gocbcore.SubDocOp, error) {
	out := make([]gocbcore.SubDocOp, len(ops))
	for i, op := range ops {
		memdOp, ok := subDocOps[op.Op]
		if !ok {
			return nil, errors.Wrapf(docstore.ErrInvalidArgument, "unsupported sub-document op %d", op.Op)
		}

		var flags memd.SubdocFlag
		if op.Flags&docstore.SubdocFlagMkDirP != 0 {
			flags |= memd.SubdocFlagMkDirP
		}
		if op.Flags&docstore.SubdocFlagXattrPath != 0 {
			flags |= memd.SubdocFlagXattrPath
		}
		if op.Flags&docstore.SubdocFlagExpandMacros != 0 {
			flags |= memd.SubdocFlagExpandMacros
		}

		out[i] = gocbcore.SubDocOp{
			Op:    memdOp,
			Flags: flags,
			Path:  op.Path,
			Value: op.Value,
		}
	}
	return out, nil
}

func docFlagsToMemd(flags docstore.SubdocDocFlag) (memd.SubdocDocFlag, error) {
	var out memd.SubdocDocFlag
	if flags&docstore.SubdocDocFlagMkDoc != 0 {
		out |= memd.SubdocDocFlagMkDoc
	}
	if flags&docstore.SubdocDocFlagAddDoc != 0 {
		out |= memd.SubdocDocFlagAddDoc
	}
	if flags&docstore.SubdocDocFlagAccessDeleted != 0 {
		out |= memd.SubdocDocFlagAccessDeleted
	}
	if flags&docstore.SubdocDocFlagCreateAsDeleted != 0 {
		out |= memd.SubdocDocFlagCreateAsDeleted
	}
	if flags&docstore.SubdocDocFlagReviveDocument != 0 {
		return 0, errors.Wrap(docstore.ErrFeatureNotAvailable, "document revival is not supported by this agent")
	}
	return out, nil
}

func resultsFromMemd(ops []gocbcore.SubDocResult) []docstore.SubDocResult {
	out := make([]docstore.SubDocResult, len(ops))
	for i, op := range ops {
		out[i] = docstore.SubDocResult{
			Value: op.Value,
			Err:   translateError(op.Err),
		}
	}
	return out
}

// LookupIn performs a sub-document read.
func (a *Agent) LookupIn(ctx context.Context, opts *docstore.LookupInOptions) (*docstore.LookupInResult, error) {
	ops, err := opsToMemd(opts.Ops)
	if err != nil {
		return nil, err
	}
	flags, err := docFlagsToMemd(opts.Flags)
	if err != nil {
		return nil, err
	}

	var res *docstore.LookupInResult
	var resErr error
	doneCh := make(chan struct{})
	op, err := a.agent.LookupIn(gocbcore.LookupInOptions{
		ScopeName:      opts.ScopeName,
		CollectionName: opts.CollectionName,
		Key:            opts.Key,
		Ops:            ops,
		Flags:          flags,
		Deadline:       deadlineOf(ctx),
	}, func(result *gocbcore.LookupInResult, err error) {
		if err != nil {
			resErr = translateError(err)
		} else {
			res = &docstore.LookupInResult{
				Cas:     docstore.Cas(result.Cas),
				Ops:     resultsFromMemd(result.Ops),
				Deleted: result.Internal.IsDeleted,
			}
		}
		close(doneCh)
	})
	if err := waitForOp(ctx, op, err, doneCh); err != nil {
		return nil, err
	}
	return res, resErr
}

// MutateIn performs an atomic sub-document write.
func (a *Agent) MutateIn(ctx context.Context, opts *docstore.MutateInOptions) (*docstore.MutateInResult, error) {
	ops, err := opsToMemd(opts.Ops)
	if err != nil {
		return nil, err
	}
	flags, err := docFlagsToMemd(opts.Flags)
	if err != nil {
		return nil, err
	}

	var res *docstore.MutateInResult
	var resErr error
	doneCh := make(chan struct{})
	op, err := a.agent.MutateIn(gocbcore.MutateInOptions{
		ScopeName:       opts.ScopeName,
		CollectionName:  opts.CollectionName,
		Key:             opts.Key,
		Cas:             gocbcore.Cas(opts.Cas),
		Ops:             ops,
		Flags:           flags,
		DurabilityLevel: durabilityToMemd(opts.DurabilityLevel),
		Deadline:        deadlineOf(ctx),
	}, func(result *gocbcore.MutateInResult, err error) {
		if err != nil {
			resErr = translateError(err)
		} else {
			res = &docstore.MutateInResult{
				Cas: docstore.Cas(result.Cas),
				Ops: resultsFromMemd(result.Ops),
			}
		}
		close(doneCh)
	})
	if err := waitForOp(ctx, op, err, doneCh); err != nil {
		return nil, err
	}
	return res, resErr
}

// Add inserts a full document.
func (a *Agent) Add(ctx context.Context, opts *docstore.AddOptions) (*docstore.StoreResult, error) {
	var res *docstore.StoreResult
	var resErr error
	doneCh := make(chan struct{})
	op, err := a.agent.Add(gocbcore.AddOptions{
		ScopeName:       opts.ScopeName,
		CollectionName:  opts.CollectionName,
		Key:             opts.Key,
		Value:           opts.Value,
		DurabilityLevel: durabilityToMemd(opts.DurabilityLevel),
		Deadline:        deadlineOf(ctx),
	}, func(result *gocbcore.StoreResult, err error) {
		if err != nil {
			resErr = translateError(err)
		} else {
			res = &docstore.StoreResult{Cas: docstore.Cas(result.Cas)}
		}
		close(doneCh)
	})
	if err := waitForOp(ctx, op, err, doneCh); err != nil {
		return nil, err
	}
	return res, resErr
}

// Delete removes a document.
func (a *Agent) Delete(ctx context.Context, opts *docstore.DeleteOptions) (*docstore.DeleteResult, error) {
	var res *docstore.DeleteResult
	var resErr error
	doneCh := make(chan struct{})
	op, err := a.agent.Delete(gocbcore.DeleteOptions{
		ScopeName:       opts.ScopeName,
		CollectionName:  opts.CollectionName,
		Key:             opts.Key,
		Cas:             gocbcore.Cas(opts.Cas),
		DurabilityLevel: durabilityToMemd(opts.DurabilityLevel),
		Deadline:        deadlineOf(ctx),
	}, func(result *gocbcore.DeleteResult, err error) {
		if err != nil {
			resErr = translateError(err)
		} else {
			res = &docstore.DeleteResult{Cas: docstore.Cas(result.Cas)}
		}
		close(doneCh)
	})
	if err := waitForOp(ctx, op, err, doneCh); err != nil {
		return nil, err
	}
	return res, resErr
}

type queryPayload struct {
	Statement string            `json:"statement"`
	Args      []json.RawMessage `json:"args,omitempty"`
	TxData    json.RawMessage   `json:"txdata,omitempty"`
	ReadOnly  bool              `json:"readonly,omitempty"`
	TxID      string            `json:"txid,omitempty"`
	TxTimeout string            `json:"txtimeout,omitempty"`
}

// Query executes a N1QL statement.  Rows are buffered in full.
func (a *Agent) Query(ctx context.Context, opts *docstore.QueryOptions) (*docstore.QueryResult, error) {
	payload := queryPayload{
		Statement: opts.Statement,
		Args:      opts.Args,
		TxData:    opts.TxData,
		ReadOnly:  opts.ReadOnly,
		TxID:      opts.TxID,
	}
	if opts.TxTimeout > 0 {
		payload.TxTimeout = fmt.Sprintf("%dms", opts.TxTimeout.Milliseconds())
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode query payload")
	}

	var reader *gocbcore.N1QLRowReader
	var resErr error
	doneCh := make(chan struct{})
	op, err := a.agent.N1QLQuery(gocbcore.N1QLQueryOptions{
		Payload:  payloadBytes,
		Deadline: deadlineOf(ctx),
	}, func(r *gocbcore.N1QLRowReader, err error) {
		if err != nil {
			resErr = errors.Wrap(docstore.ErrQueryFailed, err.Error())
		} else {
			reader = r
		}
		close(doneCh)
	})
	if err := waitForOp(ctx, op, err, doneCh); err != nil {
		return nil, err
	}
	if resErr != nil {
		return nil, resErr
	}

	res := &docstore.QueryResult{}
	for row := reader.NextRow(); row != nil; row = reader.NextRow() {
		res.Rows = append(res.Rows, append(json.RawMessage(nil), row...))
	}
	if err := reader.Err(); err != nil {
		return nil, errors.Wrap(docstore.ErrQueryFailed, err.Error())
	}

	meta, err := reader.MetaData()
	if err != nil {
		return nil, errors.Wrap(docstore.ErrQueryFailed, err.Error())
	}
	res.MetaData = meta

	return res, nil
}
