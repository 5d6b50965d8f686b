package merkle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MarshalJSON encodes the trie as nested objects:
//
//	{"hash":123,"0":{...},"1":{...},"2":{...}}
//
// Absent children are omitted. Leaf membership is not encoded.
func (t *Trie) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	root := t.root
	if root == nil {
		root = &node{}
	}
	root.encode(&buf)
	return buf.Bytes(), nil
}

func (n *node) encode(buf *bytes.Buffer) {
	buf.WriteString(`{"hash":`)
	buf.WriteString(strconv.FormatUint(n.hash, 10))
	for d, c := range n.children {
		if c == nil {
			continue
		}
		buf.WriteString(`,"`)
		buf.WriteByte('0' + byte(d))
		buf.WriteString(`":`)
		c.encode(buf)
	}
	buf.WriteByte('}')
}

// UnmarshalJSON decodes a trie summary produced by MarshalJSON.
func (t *Trie) UnmarshalJSON(data []byte) error {
	root, err := decodeNode(data, 0)
	if err != nil {
		return fmt.Errorf("decode merkle: %w", err)
	}
	t.root = root
	t.count = 0
	return nil
}

// Parse decodes a JSON trie summary.
func Parse(data []byte) (*Trie, error) {
	t := &Trie{}
	if err := t.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeNode(data []byte, depth int) (*node, error) {
	if depth > Depth {
		return nil, fmt.Errorf("trie deeper than %d levels", Depth)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("expected object at depth %d", depth)
	}

	n := &node{}
	for key, raw := range fields {
		if key == "hash" {
			if err := json.Unmarshal(raw, &n.hash); err != nil {
				return nil, fmt.Errorf("hash at depth %d: %w", depth, err)
			}
			continue
		}
		if len(key) != 1 || key[0] < '0' || key[0] >= '0'+Base {
			return nil, fmt.Errorf("unexpected key %q at depth %d", key, depth)
		}
		child, err := decodeNode(raw, depth+1)
		if err != nil {
			return nil, err
		}
		n.children[key[0]-'0'] = child
	}
	return n, nil
}
