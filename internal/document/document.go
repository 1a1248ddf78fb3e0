// Package document implements the flat project-file schema: a versioned
// JSON document of nodes and edges. Runtime state and cached outputs are
// deliberately not part of the format; a restored graph always recomputes.
package document

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/nodeflow/internal/graph"
	"github.com/vk/nodeflow/internal/registry"
)

// Version is the current document format version.
const Version = 1

// Document is the serialized form of a graph.
type Document struct {
	Version int       `json:"version"`
	Nodes   []NodeDoc `json:"nodes"`
	Edges   []EdgeDoc `json:"edges"`
}

// NodeDoc serializes one node: identity, type name and parameters.
type NodeDoc struct {
	ID     string              `json:"id"`
	Type   string              `json:"type"`
	Params map[string]ParamDoc `json:"params,omitempty"`
}

// ParamDoc carries one parameter value together with its cty type, so the
// exact type round-trips instead of being re-inferred from plain JSON.
type ParamDoc struct {
	Type  json.RawMessage `json:"type"`
	Value json.RawMessage `json:"value"`
}

// EdgeDoc serializes one edge by its four endpoint coordinates.
type EdgeDoc struct {
	SrcNode string `json:"srcNode"`
	SrcPort string `json:"srcPort"`
	DstNode string `json:"dstNode"`
	DstPort string `json:"dstPort"`
}

// Encode serializes a graph into document bytes. Nodes and edges appear in
// sorted order so encoding the same graph twice yields identical bytes.
func Encode(g *graph.Graph) ([]byte, error) {
	doc := Document{Version: Version}

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		params, err := g.Params(id)
		if err != nil {
			return nil, err
		}
		nd := NodeDoc{ID: id, Type: n.Type().Name}
		if len(params) > 0 {
			nd.Params = make(map[string]ParamDoc, len(params))
			for name, v := range params {
				pd, err := encodeParam(v)
				if err != nil {
					return nil, fmt.Errorf("node %q param %q: %w", id, name, err)
				}
				nd.Params[name] = pd
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}

	for _, e := range g.Edges() {
		doc.Edges = append(doc.Edges, EdgeDoc{
			SrcNode: e.Src.Node,
			SrcPort: e.Src.Port,
			DstNode: e.Dst.Node,
			DstPort: e.Dst.Port,
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Decode rebuilds a graph from document bytes. Every node type must be
// registered (registry.ErrUnknownType otherwise) and every edge must be
// structurally legal (graph.ErrInvalidConnection otherwise); the standard
// graph mutators enforce the latter.
func Decode(data []byte, reg *registry.Registry) (*graph.Graph, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing project document: %w", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("unsupported document version %d (supported: %d)", doc.Version, Version)
	}

	g := graph.New()
	for _, nd := range doc.Nodes {
		t, err := reg.Lookup(nd.Type)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nd.ID, err)
		}
		params := make(map[string]cty.Value, len(nd.Params))
		for name, pd := range nd.Params {
			v, err := decodeParam(pd)
			if err != nil {
				return nil, fmt.Errorf("node %q param %q: %w", nd.ID, name, err)
			}
			params[name] = v
		}
		if err := g.AddNodeWithID(nd.ID, t, params); err != nil {
			return nil, err
		}
	}

	for _, ed := range doc.Edges {
		src := graph.PortRef{Node: ed.SrcNode, Port: ed.SrcPort}
		dst := graph.PortRef{Node: ed.DstNode, Port: ed.DstPort}
		if err := g.Connect(src, dst); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func encodeParam(v cty.Value) (ParamDoc, error) {
	ty, err := ctyjson.MarshalType(v.Type())
	if err != nil {
		return ParamDoc{}, err
	}
	val, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return ParamDoc{}, err
	}
	return ParamDoc{Type: ty, Value: val}, nil
}

func decodeParam(pd ParamDoc) (cty.Value, error) {
	ty, err := ctyjson.UnmarshalType(pd.Type)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(pd.Value, ty)
}
