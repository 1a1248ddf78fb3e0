// Package hclgraph loads graphs authored as HCL text, so pipelines can be
// written and run headless without the project-document JSON format.
//
// A graph definition is any number of node and edge blocks, spread over one
// file or a directory of .hcl files:
//
//	node "math.add" "sum" {
//	  bias = 1
//	}
//
//	edge {
//	  from = "lhs.value"
//	  to   = "sum.a"
//	}
//
// Node block attributes become the node's parameters; they must be constant
// expressions. Edge endpoints use "node.port" addresses.
package hclgraph

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/ctxlog"
	"github.com/vk/nodeflow/internal/graph"
	"github.com/vk/nodeflow/internal/registry"
)

// fileRoot decodes the top-level blocks of one graph definition file.
type fileRoot struct {
	Nodes []*nodeBlock `hcl:"node,block"`
	Edges []*edgeBlock `hcl:"edge,block"`
}

type nodeBlock struct {
	Type string   `hcl:"type,label"`
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type edgeBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// nodeNameRe restricts node names so "node.port" addresses stay unambiguous.
var nodeNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// portRefRe parses a "node.port" address.
var portRefRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_-]*)\.([A-Za-z_][A-Za-z0-9_-]*)$`)

// Load reads a graph definition from a .hcl file or a directory of .hcl
// files and builds it against the registered node types.
func Load(ctx context.Context, path string, reg *registry.Registry) (*graph.Graph, error) {
	logger := ctxlog.FromContext(ctx)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("locating graph definition: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = findHCLFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no .hcl files found under %q", path)
		}
	}
	sort.Strings(files)
	logger.Debug("discovered graph definition files", "count", len(files))

	parser := hclparse.NewParser()
	var roots []*fileRoot
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, diags
		}
		root := &fileRoot{}
		if diags := gohcl.DecodeBody(f.Body, nil, root); diags.HasErrors() {
			return nil, diags
		}
		roots = append(roots, root)
	}

	return build(ctx, roots, reg)
}

// LoadSource parses a graph definition from an in-memory buffer. The
// filename is used only for diagnostics.
func LoadSource(ctx context.Context, filename string, src []byte, reg *registry.Registry) (*graph.Graph, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diags
	}
	root := &fileRoot{}
	if diags := gohcl.DecodeBody(f.Body, nil, root); diags.HasErrors() {
		return nil, diags
	}
	return build(ctx, []*fileRoot{root}, reg)
}

// build assembles the parsed blocks into a graph through the standard
// mutators, so every structural invariant is enforced exactly as it would
// be for API-driven construction.
func build(ctx context.Context, roots []*fileRoot, reg *registry.Registry) (*graph.Graph, error) {
	logger := ctxlog.FromContext(ctx)
	g := graph.New()

	for _, root := range roots {
		for _, nb := range root.Nodes {
			if !nodeNameRe.MatchString(nb.Name) {
				return nil, fmt.Errorf("invalid node name %q: must match %s", nb.Name, nodeNameRe)
			}
			t, err := reg.Lookup(nb.Type)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", nb.Name, err)
			}
			params, err := decodeParams(nb)
			if err != nil {
				return nil, err
			}
			if err := g.AddNodeWithID(nb.Name, t, params); err != nil {
				return nil, err
			}
			logger.Debug("declared node", "node", nb.Name, "type", nb.Type)
		}
	}

	for _, root := range roots {
		for _, eb := range root.Edges {
			src, err := parsePortRef(eb.From)
			if err != nil {
				return nil, fmt.Errorf("edge from: %w", err)
			}
			dst, err := parsePortRef(eb.To)
			if err != nil {
				return nil, fmt.Errorf("edge to: %w", err)
			}
			if err := g.Connect(src, dst); err != nil {
				return nil, err
			}
			logger.Debug("declared edge", "from", eb.From, "to", eb.To)
		}
	}

	return g, nil
}

// decodeParams evaluates a node block's attributes as constant values.
func decodeParams(nb *nodeBlock) (map[string]cty.Value, error) {
	attrs, diags := nb.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	params := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("node %q param %q must be a constant expression: %s", nb.Name, name, diags.Error())
		}
		params[name] = v
	}
	return params, nil
}

func parsePortRef(addr string) (graph.PortRef, error) {
	m := portRefRe.FindStringSubmatch(addr)
	if m == nil {
		return graph.PortRef{}, fmt.Errorf("invalid port address %q, expected \"node.port\"", addr)
	}
	return graph.PortRef{Node: m[1], Port: m[2]}, nil
}
