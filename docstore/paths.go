package docstore

import (
	"bytes"
	"encoding/json"
	"strings"
)

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidArgument
	}

	parts := strings.Split(path, ".")
	for _, part := range parts {
		if part == "" {
			return nil, ErrInvalidArgument
		}
	}
	return parts, nil
}

func decodeJSONValue(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var val interface{}
	if err := dec.Decode(&val); err != nil {
		return nil, ErrInvalidArgument
	}
	return val, nil
}

func encodeJSONValue(val interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(val); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func pathGet(root map[string]interface{}, parts []string) (interface{}, error) {
	var cur interface{} = root
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, ErrPathMismatch
		}

		next, ok := obj[part]
		if !ok {
			return nil, ErrPathNotFound
		}
		cur = next
	}
	return cur, nil
}

// pathParent walks to the object which holds the final path element.
func pathParent(root map[string]interface{}, parts []string, mkdirp bool) (map[string]interface{}, error) {
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			if !mkdirp {
				return nil, ErrPathNotFound
			}

			created := make(map[string]interface{})
			cur[part] = created
			cur = created
			continue
		}

		obj, ok := next.(map[string]interface{})
		if !ok {
			return nil, ErrPathMismatch
		}
		cur = obj
	}
	return cur, nil
}

func pathStore(root map[string]interface{}, op SubDocOpType, parts []string, val interface{}, mkdirp bool) error {
	parent, err := pathParent(root, parts, mkdirp)
	if err != nil {
		return err
	}

	leaf := parts[len(parts)-1]
	_, exists := parent[leaf]

	switch op {
	case SubDocOpDictAdd:
		if exists {
			return ErrPathExists
		}
	case SubDocOpReplace:
		if !exists {
			return ErrPathNotFound
		}
	case SubDocOpDelete:
		if !exists {
			return ErrPathNotFound
		}
		delete(parent, leaf)
		return nil
	}

	parent[leaf] = val
	return nil
}
