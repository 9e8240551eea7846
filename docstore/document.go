package docstore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxBodySize is the largest document body the engine accepts.
	MaxBodySize = 20 * 1024 * 1024

	// MaxXattrSize is the largest total size of the extended attributes.
	MaxXattrSize = 1024 * 1024
)

// Document is the stored form of a document, used by backends which implement
// sub-document semantics on top of a plain key-value layer.
type Document struct {
	Cas     Cas                        `json:"cas"`
	RevID   uint64                     `json:"revid"`
	Expiry  uint32                     `json:"exptime"`
	Deleted bool                       `json:"deleted"`
	Body    []byte                     `json:"body,omitempty"`
	Xattrs  map[string]json.RawMessage `json:"xattrs,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	nd := &Document{
		Cas:     d.Cas,
		RevID:   d.RevID,
		Expiry:  d.Expiry,
		Deleted: d.Deleted,
	}
	if d.Body != nil {
		nd.Body = append([]byte(nil), d.Body...)
	}
	if d.Xattrs != nil {
		nd.Xattrs = make(map[string]json.RawMessage, len(d.Xattrs))
		for k, v := range d.Xattrs {
			nd.Xattrs[k] = append(json.RawMessage(nil), v...)
		}
	}
	return nd
}

func (d *Document) meta() DocumentMeta {
	return DocumentMeta{
		Cas:         FormatMacroCas(d.Cas),
		RevID:       strconv.FormatUint(d.RevID, 10),
		Expiration:  d.Expiry,
		ValueCrc32c: Crc32cOf(d.Body),
		Deleted:     d.Deleted,
	}
}

func (d *Document) xattrTree() (map[string]interface{}, error) {
	root := make(map[string]interface{}, len(d.Xattrs))
	for k, v := range d.Xattrs {
		val, err := decodeJSONValue(v)
		if err != nil {
			return nil, err
		}
		root[k] = val
	}
	return root, nil
}

func (d *Document) bodyTree() (map[string]interface{}, error) {
	if len(d.Body) == 0 {
		return make(map[string]interface{}), nil
	}

	val, err := decodeJSONValue(d.Body)
	if err != nil {
		return nil, ErrPathMismatch
	}

	obj, ok := val.(map[string]interface{})
	if !ok {
		return nil, ErrPathMismatch
	}
	return obj, nil
}

// Visible reports whether a request with the given flags can see the document.
func (d *Document) Visible(flags SubdocDocFlag) bool {
	if d == nil {
		return false
	}
	return !d.Deleted || flags&SubdocDocFlagAccessDeleted != 0
}

// Lookup executes a set of read operations against the document.  now is the
// server time used for the $vbucket virtual xattr.
func (d *Document) Lookup(ops []SubDocOp, now time.Time) *LookupInResult {
	res := &LookupInResult{
		Cas:     d.Cas,
		Deleted: d.Deleted,
		Ops:     make([]SubDocResult, len(ops)),
	}

	var xattrs, body map[string]interface{}
	var xattrErr, bodyErr error
	xattrsLoaded, bodyLoaded := false, false

	for i, op := range ops {
		if op.Op == SubDocOpGetDoc {
			if d.Deleted && len(d.Body) == 0 {
				res.Ops[i].Err = ErrPathNotFound
				continue
			}
			res.Ops[i].Value = append([]byte(nil), d.Body...)
			continue
		}

		if op.Op != SubDocOpGet && op.Op != SubDocOpExists {
			res.Ops[i].Err = ErrInvalidArgument
			continue
		}

		parts, err := splitPath(op.Path)
		if err != nil {
			res.Ops[i].Err = err
			continue
		}

		var root map[string]interface{}
		if op.Flags&SubdocFlagXattrPath != 0 {
			if strings.HasPrefix(parts[0], "$") {
				root, err = d.virtualTree(parts[0], now)
			} else {
				if !xattrsLoaded {
					xattrs, xattrErr = d.xattrTree()
					xattrsLoaded = true
				}
				root, err = xattrs, xattrErr
			}
		} else {
			if !bodyLoaded {
				body, bodyErr = d.bodyTree()
				bodyLoaded = true
			}
			root, err = body, bodyErr
		}
		if err != nil {
			res.Ops[i].Err = err
			continue
		}

		val, err := pathGet(root, parts)
		if err != nil {
			res.Ops[i].Err = err
			continue
		}

		if op.Op == SubDocOpExists {
			continue
		}

		res.Ops[i].Value, res.Ops[i].Err = encodeJSONValue(val)
	}

	return res
}

func (d *Document) virtualTree(name string, now time.Time) (map[string]interface{}, error) {
	var data []byte
	var err error
	switch name {
	case VirtualXattrDocument:
		data, err = json.Marshal(d.meta())
	case VirtualXattrVbucket:
		data, err = json.Marshal(jsonVbucket{HLC: jsonHLC{
			Now:  strconv.FormatInt(now.Unix(), 10),
			Mode: "real",
		}})
	default:
		return nil, ErrPathNotFound
	}
	if err != nil {
		return nil, err
	}

	val, err := decodeJSONValue(data)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{name: val}, nil
}

type pendingMacro struct {
	parts []string
	macro string
}

// ApplyMutateIn computes the document which results from applying a MutateIn
// request to existing (nil when the key is absent).  The existing document is
// never modified.
func ApplyMutateIn(existing *Document, opts *MutateInOptions, newCas Cas) (*Document, *MutateInResult, error) {
	live := existing != nil && !existing.Deleted
	visible := existing.Visible(opts.Flags)

	var doc *Document
	switch {
	case opts.Flags&SubdocDocFlagAddDoc != 0:
		if opts.Cas != 0 {
			return nil, nil, ErrInvalidArgument
		}
		if live || (visible && len(existing.Xattrs) > 0) {
			return nil, nil, ErrDocumentExists
		}
		doc = newDocument(existing, opts.Flags)
	case !visible:
		if opts.Cas != 0 || opts.Flags&SubdocDocFlagMkDoc == 0 {
			return nil, nil, ErrDocumentNotFound
		}
		doc = newDocument(existing, opts.Flags)
	default:
		if opts.Cas != 0 && opts.Cas != existing.Cas {
			return nil, nil, ErrCasMismatch
		}
		doc = existing.Clone()
		if doc.Deleted && opts.Flags&SubdocDocFlagReviveDocument != 0 {
			doc.Deleted = false
		}
	}

	xattrs, err := doc.xattrTree()
	if err != nil {
		return nil, nil, err
	}

	var body map[string]interface{}
	bodyDirty := false
	var macros []pendingMacro

	for i, op := range opts.Ops {
		wrapErr := func(err error) error {
			return SubDocError{Index: i, Cause: err}
		}

		if op.Op == SubDocOpSetDoc {
			if op.Flags&SubdocFlagXattrPath != 0 {
				return nil, nil, wrapErr(ErrInvalidArgument)
			}
			doc.Body = append([]byte(nil), op.Value...)
			body = nil
			bodyDirty = false
			continue
		}

		switch op.Op {
		case SubDocOpDictAdd, SubDocOpDictSet, SubDocOpReplace, SubDocOpDelete:
		default:
			return nil, nil, wrapErr(ErrInvalidArgument)
		}

		parts, err := splitPath(op.Path)
		if err != nil {
			return nil, nil, wrapErr(err)
		}

		var val interface{}
		if op.Op != SubDocOpDelete {
			if op.Flags&SubdocFlagExpandMacros != 0 {
				macros = append(macros, pendingMacro{parts: parts, macro: string(op.Value)})
			} else {
				val, err = decodeJSONValue(op.Value)
				if err != nil {
					return nil, nil, wrapErr(err)
				}
			}
		}

		mkdirp := op.Flags&SubdocFlagMkDirP != 0
		if op.Flags&SubdocFlagXattrPath != 0 {
			if strings.HasPrefix(parts[0], "$") {
				return nil, nil, wrapErr(ErrInvalidArgument)
			}
			err = pathStore(xattrs, op.Op, parts, val, mkdirp)
		} else {
			if body == nil {
				body, err = doc.bodyTree()
				if err != nil {
					return nil, nil, wrapErr(err)
				}
			}
			err = pathStore(body, op.Op, parts, val, mkdirp)
			bodyDirty = true
		}
		if err != nil {
			return nil, nil, wrapErr(err)
		}
	}

	if bodyDirty {
		doc.Body, err = encodeJSONValue(body)
		if err != nil {
			return nil, nil, err
		}
	}

	prevMeta := DocumentMeta{}
	if existing != nil {
		prevMeta = existing.meta()
	}

	for _, m := range macros {
		expanded, err := expandMacro(m.macro, newCas, doc.Body, prevMeta)
		if err != nil {
			return nil, nil, err
		}
		if err := pathStore(xattrs, SubDocOpDictSet, m.parts, expanded, true); err != nil {
			return nil, nil, err
		}
	}

	doc.Xattrs = nil
	xattrSize := 0
	for k, v := range xattrs {
		encoded, err := encodeJSONValue(v)
		if err != nil {
			return nil, nil, err
		}
		if doc.Xattrs == nil {
			doc.Xattrs = make(map[string]json.RawMessage, len(xattrs))
		}
		doc.Xattrs[k] = encoded
		xattrSize += len(k) + len(encoded)
	}

	if xattrSize > MaxXattrSize || len(doc.Body) > MaxBodySize {
		return nil, nil, ErrValueTooLarge
	}

	doc.Cas = newCas
	doc.RevID++

	return doc, &MutateInResult{
		Cas: newCas,
		Ops: make([]SubDocResult, len(opts.Ops)),
	}, nil
}

func newDocument(existing *Document, flags SubdocDocFlag) *Document {
	doc := &Document{
		Deleted: flags&SubdocDocFlagCreateAsDeleted != 0,
	}
	if existing != nil {
		doc.RevID = existing.RevID
	}
	return doc
}

func expandMacro(macro string, newCas Cas, body []byte, prev DocumentMeta) (interface{}, error) {
	switch macro {
	case MacroMutationCas:
		return FormatMacroCas(newCas), nil
	case MacroValueCrc32c:
		return Crc32cOf(body), nil
	case MacroDocumentCas:
		return prev.Cas, nil
	case MacroDocumentRevID:
		return prev.RevID, nil
	case MacroDocumentExp:
		return json.Number(strconv.FormatUint(uint64(prev.Expiration), 10)), nil
	}
	return nil, ErrInvalidArgument
}

// ApplyAdd computes the result of inserting a full document.
func ApplyAdd(existing *Document, opts *AddOptions, newCas Cas) (*Document, error) {
	if existing != nil && !existing.Deleted {
		return nil, ErrDocumentExists
	}
	if len(opts.Value) > MaxBodySize {
		return nil, ErrValueTooLarge
	}

	doc := &Document{
		Cas:  newCas,
		Body: append([]byte(nil), opts.Value...),
	}
	if existing != nil {
		doc.RevID = existing.RevID
	}
	doc.RevID++
	return doc, nil
}

// ApplyDelete computes the tombstone left by removing a document.  User
// extended attributes do not survive a delete.
func ApplyDelete(existing *Document, opts *DeleteOptions, newCas Cas) (*Document, error) {
	if existing == nil || existing.Deleted {
		return nil, ErrDocumentNotFound
	}
	if opts.Cas != 0 && opts.Cas != existing.Cas {
		return nil, ErrCasMismatch
	}

	return &Document{
		Cas:     newCas,
		RevID:   existing.RevID + 1,
		Deleted: true,
	}, nil
}
