package docstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMacroCasToMillis(t *testing.T) {
	ms, err := ParseMacroCasToMillis("0x000058a71dd25c15")
	require.NoError(t, err)
	assert.Equal(t, int64(1539336197457), ms)

	cas := Cas(1539336197457 * int64(time.Millisecond))
	parsed, err := ParseMacroCas(FormatMacroCas(cas))
	require.NoError(t, err)
	assert.Equal(t, cas, parsed)

	_, err = ParseMacroCas("0xnothex")
	assert.Error(t, err)
}

func TestHLCRoundTrip(t *testing.T) {
	now := time.Unix(1600000000, 0)
	parsed, err := ParseHLCToTime(FormatHLC(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(parsed))
}

func TestMutateInCreatesDocument(t *testing.T) {
	_, _, err := ApplyMutateIn(nil, &MutateInOptions{
		Ops: []SubDocOp{{Op: SubDocOpDictSet, Path: "a", Value: []byte(`1`)}},
	}, 10)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	doc, res, err := ApplyMutateIn(nil, &MutateInOptions{
		Ops: []SubDocOp{
			{Op: SubDocOpDictSet, Flags: SubdocFlagXattrPath | SubdocFlagMkDirP, Path: "txn.id.atmpt", Value: []byte(`"a1"`)},
			{Op: SubDocOpDictSet, Flags: SubdocFlagXattrPath | SubdocFlagExpandMacros, Path: "cas", Value: []byte(MacroMutationCas)},
			{Op: SubDocOpSetDoc, Value: []byte(`{"v":1}`)},
		},
		Flags: SubdocDocFlagAddDoc,
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, Cas(10), res.Cas)
	assert.Equal(t, Cas(10), doc.Cas)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
	assert.JSONEq(t, `{"id":{"atmpt":"a1"}}`, string(doc.Xattrs["txn"]))
	assert.JSONEq(t, `"`+FormatMacroCas(10)+`"`, string(doc.Xattrs["cas"]))

	_, _, err = ApplyMutateIn(doc, &MutateInOptions{
		Ops:   []SubDocOp{{Op: SubDocOpSetDoc, Value: []byte(`{}`)}},
		Flags: SubdocDocFlagAddDoc,
	}, 11)
	assert.ErrorIs(t, err, ErrDocumentExists)
}

func TestMutateInPathSemantics(t *testing.T) {
	doc := &Document{Cas: 5, Body: []byte(`{"a":{"b":1}}`)}

	_, _, err := ApplyMutateIn(doc, &MutateInOptions{
		Cas: 4,
		Ops: []SubDocOp{{Op: SubDocOpDictSet, Path: "c", Value: []byte(`2`)}},
	}, 6)
	assert.ErrorIs(t, err, ErrCasMismatch)

	_, _, err = ApplyMutateIn(doc, &MutateInOptions{
		Ops: []SubDocOp{
			{Op: SubDocOpDictSet, Path: "c", Value: []byte(`2`)},
			{Op: SubDocOpDictAdd, Path: "a.b", Value: []byte(`2`)},
		},
	}, 6)
	var subErr SubDocError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 1, subErr.Index)
	assert.ErrorIs(t, err, ErrPathExists)

	_, _, err = ApplyMutateIn(doc, &MutateInOptions{
		Ops: []SubDocOp{{Op: SubDocOpReplace, Path: "x.y", Value: []byte(`2`)}},
	}, 6)
	assert.ErrorIs(t, err, ErrPathNotFound)

	_, _, err = ApplyMutateIn(doc, &MutateInOptions{
		Ops: []SubDocOp{{Op: SubDocOpDelete, Flags: SubdocFlagXattrPath, Path: "txn"}},
	}, 6)
	assert.ErrorIs(t, err, ErrPathNotFound)

	updated, _, err := ApplyMutateIn(doc, &MutateInOptions{
		Cas: 5,
		Ops: []SubDocOp{
			{Op: SubDocOpReplace, Path: "a.b", Value: []byte(`3`)},
			{Op: SubDocOpDictSet, Path: "x.y", Flags: SubdocFlagMkDirP, Value: []byte(`true`)},
		},
	}, 6)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":3},"x":{"y":true}}`, string(updated.Body))
	assert.JSONEq(t, `{"a":{"b":1}}`, string(doc.Body), "existing document must not change")
	assert.Equal(t, uint64(1), updated.RevID)
}

func TestMutateInTombstones(t *testing.T) {
	tombstone := &Document{Cas: 7, Deleted: true}

	_, _, err := ApplyMutateIn(tombstone, &MutateInOptions{
		Ops: []SubDocOp{{Op: SubDocOpDictSet, Flags: SubdocFlagXattrPath, Path: "txn", Value: []byte(`{}`)}},
	}, 8)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	staged, _, err := ApplyMutateIn(tombstone, &MutateInOptions{
		Cas:   7,
		Ops:   []SubDocOp{{Op: SubDocOpDictSet, Flags: SubdocFlagXattrPath, Path: "txn", Value: []byte(`{}`)}},
		Flags: SubdocDocFlagAccessDeleted,
	}, 8)
	require.NoError(t, err)
	assert.True(t, staged.Deleted)

	revived, _, err := ApplyMutateIn(staged, &MutateInOptions{
		Ops: []SubDocOp{
			{Op: SubDocOpDelete, Flags: SubdocFlagXattrPath, Path: "txn"},
			{Op: SubDocOpSetDoc, Value: []byte(`{"v":1}`)},
		},
		Flags: SubdocDocFlagAccessDeleted | SubdocDocFlagReviveDocument,
	}, 9)
	require.NoError(t, err)
	assert.False(t, revived.Deleted)
	assert.Empty(t, revived.Xattrs)
}

func TestLookupReadsVirtualXattrs(t *testing.T) {
	doc := &Document{
		Cas:    Cas(1539336197457 * int64(time.Millisecond)),
		RevID:  3,
		Body:   []byte(`{"v":1}`),
		Xattrs: map[string]json.RawMessage{"txn": json.RawMessage(`{"op":{"type":"replace"}}`)},
	}
	now := time.Unix(1600000000, 0)

	res := doc.Lookup([]SubDocOp{
		{Op: SubDocOpGet, Flags: SubdocFlagXattrPath, Path: "txn.op.type"},
		{Op: SubDocOpGet, Flags: SubdocFlagXattrPath, Path: VirtualXattrDocument},
		{Op: SubDocOpGet, Flags: SubdocFlagXattrPath, Path: VirtualXattrHLC},
		{Op: SubDocOpExists, Flags: SubdocFlagXattrPath, Path: "txn.restore"},
		{Op: SubDocOpGetDoc},
	}, now)

	require.Len(t, res.Ops, 5)
	require.NoError(t, res.Ops[0].Err)
	assert.Equal(t, `"replace"`, string(res.Ops[0].Value))

	require.NoError(t, res.Ops[1].Err)
	var meta DocumentMeta
	require.NoError(t, json.Unmarshal(res.Ops[1].Value, &meta))
	assert.Equal(t, FormatMacroCas(doc.Cas), meta.Cas)
	assert.Equal(t, "3", meta.RevID)
	assert.Equal(t, Crc32cOf(doc.Body), meta.ValueCrc32c)

	require.NoError(t, res.Ops[2].Err)
	hlc, err := ParseHLCToTime(res.Ops[2].Value)
	require.NoError(t, err)
	assert.True(t, now.Equal(hlc))

	assert.ErrorIs(t, res.Ops[3].Err, ErrPathNotFound)
	assert.JSONEq(t, `{"v":1}`, string(res.Ops[4].Value))
}

func TestAddAndDelete(t *testing.T) {
	doc, err := ApplyAdd(nil, &AddOptions{Value: []byte(`{}`)}, 1)
	require.NoError(t, err)

	_, err = ApplyAdd(doc, &AddOptions{Value: []byte(`{}`)}, 2)
	assert.ErrorIs(t, err, ErrDocumentExists)

	_, err = ApplyDelete(doc, &DeleteOptions{Cas: 99}, 2)
	assert.ErrorIs(t, err, ErrCasMismatch)

	tombstone, err := ApplyDelete(doc, &DeleteOptions{Cas: 1}, 2)
	require.NoError(t, err)
	assert.True(t, tombstone.Deleted)

	_, err = ApplyDelete(tombstone, &DeleteOptions{}, 3)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	readded, err := ApplyAdd(tombstone, &AddOptions{Value: []byte(`{"v":2}`)}, 3)
	require.NoError(t, err)
	assert.False(t, readded.Deleted)
	assert.Equal(t, uint64(3), readded.RevID)
}
