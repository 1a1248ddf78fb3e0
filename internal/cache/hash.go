// Package cache memoizes node outputs keyed by a content hash of everything
// that can influence them: the node type's name and version, the node's
// parameters, and the hashes of all connected upstream outputs. Any upstream
// change shifts the hash transitively, so the cache never needs explicit
// invalidation calls.
package cache

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"lukechampine.com/blake3"
)

// InputHash names one connected input port and the content hash of the
// upstream node that feeds it.
type InputHash struct {
	Port     string
	SrcPort  string
	Upstream string
}

// NodeHash computes the content hash for one node. Inputs need not be
// sorted; params and inputs are canonicalized here. All fields are
// length-prefixed so adjacent fields cannot alias.
func NodeHash(typeName, typeVersion string, params map[string]cty.Value, inputs []InputHash) (string, error) {
	h := blake3.New(32, nil)

	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}

	writeField([]byte(typeName))
	writeField([]byte(typeVersion))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encoded, err := encodeValue(params[k])
		if err != nil {
			return "", err
		}
		writeField([]byte(k))
		writeField(encoded)
	}

	sorted := make([]InputHash, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Port < sorted[j].Port })
	for _, in := range sorted {
		writeField([]byte(in.Port))
		writeField([]byte(in.SrcPort))
		writeField([]byte(in.Upstream))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// encodeValue produces canonical bytes for a cty value: its type followed by
// its JSON encoding. ctyjson iterates object and map keys in sorted order,
// so the encoding is deterministic.
func encodeValue(v cty.Value) ([]byte, error) {
	ty := v.Type()
	typeBytes, err := ctyjson.MarshalType(ty)
	if err != nil {
		return nil, err
	}
	valueBytes, err := ctyjson.Marshal(v, ty)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(typeBytes)+1+len(valueBytes))
	out = append(out, typeBytes...)
	out = append(out, '|')
	out = append(out, valueBytes...)
	return out, nil
}
