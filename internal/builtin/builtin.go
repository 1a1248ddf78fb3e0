// Package builtin registers the stock node types: constants, arithmetic,
// list and string operations, and a couple of plumbing nodes. They double
// as the reference for how custom types are written against the registry's
// compute contract.
package builtin

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/nodeflow/internal/registry"
)

// RegisterAll registers every builtin node type.
func RegisterAll(reg *registry.Registry) error {
	for _, t := range Types() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Types returns the builtin node type descriptors.
func Types() []*registry.NodeType {
	return []*registry.NodeType{
		constNumber(),
		constString(),
		mathAdd(),
		mathMultiply(),
		mathScale(),
		mathRange(),
		listLength(),
		listIndex(),
		stringConcat(),
		stringUpper(),
		utilPassthrough(),
		utilSleep(),
	}
}

func constNumber() *registry.NodeType {
	return &registry.NodeType{
		Name:    "const.number",
		Version: "1",
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.Number}},
		Compute: func(_ context.Context, _, params map[string]cty.Value) (map[string]cty.Value, error) {
			v, err := param(params, "value", cty.Number, cty.Zero)
			if err != nil {
				return nil, err
			}
			return out("value", v), nil
		},
	}
}

func constString() *registry.NodeType {
	return &registry.NodeType{
		Name:    "const.string",
		Version: "1",
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.String}},
		Compute: func(_ context.Context, _, params map[string]cty.Value) (map[string]cty.Value, error) {
			v, err := param(params, "value", cty.String, cty.StringVal(""))
			if err != nil {
				return nil, err
			}
			return out("value", v), nil
		},
	}
}

func mathAdd() *registry.NodeType {
	return &registry.NodeType{
		Name:    "math.add",
		Version: "1",
		Inputs: []registry.PortSpec{
			{Name: "a", Type: cty.Number},
			{Name: "b", Type: cty.Number},
		},
		Outputs: []registry.PortSpec{{Name: "sum", Type: cty.Number}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			a, b, err := pair(inputs, "a", "b")
			if err != nil {
				return nil, err
			}
			sum := new(big.Float).Add(a.AsBigFloat(), b.AsBigFloat())
			return out("sum", cty.NumberVal(sum)), nil
		},
	}
}

func mathMultiply() *registry.NodeType {
	return &registry.NodeType{
		Name:    "math.multiply",
		Version: "1",
		Inputs: []registry.PortSpec{
			{Name: "a", Type: cty.Number},
			{Name: "b", Type: cty.Number},
		},
		Outputs: []registry.PortSpec{{Name: "product", Type: cty.Number}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			a, b, err := pair(inputs, "a", "b")
			if err != nil {
				return nil, err
			}
			product := new(big.Float).Mul(a.AsBigFloat(), b.AsBigFloat())
			return out("product", cty.NumberVal(product)), nil
		},
	}
}

func mathScale() *registry.NodeType {
	return &registry.NodeType{
		Name:    "math.scale",
		Version: "1",
		Inputs:  []registry.PortSpec{{Name: "value", Type: cty.Number}},
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.Number}},
		Compute: func(_ context.Context, inputs, params map[string]cty.Value) (map[string]cty.Value, error) {
			v := inputs["value"]
			if err := nonNull("value", v); err != nil {
				return nil, err
			}
			factor, err := param(params, "factor", cty.Number, cty.NumberIntVal(1))
			if err != nil {
				return nil, err
			}
			scaled := new(big.Float).Mul(v.AsBigFloat(), factor.AsBigFloat())
			return out("value", cty.NumberVal(scaled)), nil
		},
	}
}

func mathRange() *registry.NodeType {
	return &registry.NodeType{
		Name:    "math.range",
		Version: "1",
		Inputs: []registry.PortSpec{
			{Name: "start", Type: cty.Number, Optional: true, Default: cty.Zero},
			{Name: "stop", Type: cty.Number, Optional: true, Default: cty.NumberIntVal(10)},
			{Name: "step", Type: cty.Number, Optional: true, Default: cty.NumberIntVal(1)},
		},
		Outputs: []registry.PortSpec{{Name: "list", Type: cty.List(cty.Number)}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			start, _ := inputs["start"].AsBigFloat().Float64()
			stop, _ := inputs["stop"].AsBigFloat().Float64()
			step, _ := inputs["step"].AsBigFloat().Float64()
			if step <= 0 {
				return nil, fmt.Errorf("step must be positive, got %v", step)
			}
			var elems []cty.Value
			for v := start; v < stop; v += step {
				elems = append(elems, cty.NumberFloatVal(v))
			}
			if len(elems) == 0 {
				return out("list", cty.ListValEmpty(cty.Number)), nil
			}
			return out("list", cty.ListVal(elems)), nil
		},
	}
}

func listLength() *registry.NodeType {
	return &registry.NodeType{
		Name:    "list.length",
		Version: "1",
		Inputs:  []registry.PortSpec{{Name: "list", Type: cty.DynamicPseudoType}},
		Outputs: []registry.PortSpec{{Name: "length", Type: cty.Number}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			v := inputs["list"]
			if err := nonNull("list", v); err != nil {
				return nil, err
			}
			if !v.CanIterateElements() {
				return nil, fmt.Errorf("input is %s, not a collection", v.Type().FriendlyName())
			}
			return out("length", cty.NumberIntVal(int64(v.LengthInt()))), nil
		},
	}
}

func listIndex() *registry.NodeType {
	return &registry.NodeType{
		Name:    "list.index",
		Version: "1",
		Inputs: []registry.PortSpec{
			{Name: "list", Type: cty.DynamicPseudoType},
			{Name: "index", Type: cty.Number},
		},
		Outputs: []registry.PortSpec{{Name: "element", Type: cty.DynamicPseudoType}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			v := inputs["list"]
			if err := nonNull("list", v); err != nil {
				return nil, err
			}
			if !v.CanIterateElements() {
				return nil, fmt.Errorf("input is %s, not a collection", v.Type().FriendlyName())
			}
			idx, _ := inputs["index"].AsBigFloat().Int64()
			elems := v.AsValueSlice()
			if idx < 0 || int(idx) >= len(elems) {
				return nil, fmt.Errorf("index %d out of range for %d element(s)", idx, len(elems))
			}
			return out("element", elems[idx]), nil
		},
	}
}

func stringConcat() *registry.NodeType {
	return &registry.NodeType{
		Name:    "string.concat",
		Version: "1",
		Inputs: []registry.PortSpec{
			{Name: "a", Type: cty.String},
			{Name: "b", Type: cty.String},
		},
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.String}},
		Compute: func(_ context.Context, inputs, params map[string]cty.Value) (map[string]cty.Value, error) {
			a, b, err := pair(inputs, "a", "b")
			if err != nil {
				return nil, err
			}
			sep, err := param(params, "sep", cty.String, cty.StringVal(""))
			if err != nil {
				return nil, err
			}
			return out("value", cty.StringVal(a.AsString()+sep.AsString()+b.AsString())), nil
		},
	}
}

func stringUpper() *registry.NodeType {
	return &registry.NodeType{
		Name:    "string.upper",
		Version: "1",
		Inputs:  []registry.PortSpec{{Name: "value", Type: cty.String}},
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.String}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			v := inputs["value"]
			if err := nonNull("value", v); err != nil {
				return nil, err
			}
			return out("value", cty.StringVal(strings.ToUpper(v.AsString()))), nil
		},
	}
}

func utilPassthrough() *registry.NodeType {
	return &registry.NodeType{
		Name:    "util.passthrough",
		Version: "1",
		Inputs:  []registry.PortSpec{{Name: "value", Type: cty.DynamicPseudoType}},
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.DynamicPseudoType}},
		Compute: func(_ context.Context, inputs, _ map[string]cty.Value) (map[string]cty.Value, error) {
			return out("value", inputs["value"]), nil
		},
	}
}

// utilSleep delays for duration_ms before passing its input through,
// observing ctx while it waits.
func utilSleep() *registry.NodeType {
	return &registry.NodeType{
		Name:    "util.sleep",
		Version: "1",
		Inputs:  []registry.PortSpec{{Name: "value", Type: cty.DynamicPseudoType, Optional: true}},
		Outputs: []registry.PortSpec{{Name: "value", Type: cty.DynamicPseudoType}},
		Compute: func(ctx context.Context, inputs, params map[string]cty.Value) (map[string]cty.Value, error) {
			d, err := param(params, "duration_ms", cty.Number, cty.Zero)
			if err != nil {
				return nil, err
			}
			ms, _ := d.AsBigFloat().Int64()
			if ms > 0 {
				timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
			return out("value", inputs["value"]), nil
		},
	}
}

func out(name string, v cty.Value) map[string]cty.Value {
	return map[string]cty.Value{name: v}
}

// param fetches a parameter, converting it to the wanted type and falling
// back to a default when absent.
func param(params map[string]cty.Value, name string, want cty.Type, fallback cty.Value) (cty.Value, error) {
	v, ok := params[name]
	if !ok || v.IsNull() {
		return fallback, nil
	}
	converted, err := convert.Convert(v, want)
	if err != nil {
		return cty.NilVal, fmt.Errorf("param %q: %w", name, err)
	}
	return converted, nil
}

func pair(inputs map[string]cty.Value, first, second string) (cty.Value, cty.Value, error) {
	a := inputs[first]
	if err := nonNull(first, a); err != nil {
		return cty.NilVal, cty.NilVal, err
	}
	b := inputs[second]
	if err := nonNull(second, b); err != nil {
		return cty.NilVal, cty.NilVal, err
	}
	return a, b, nil
}

func nonNull(name string, v cty.Value) error {
	if v == cty.NilVal || v.IsNull() {
		return fmt.Errorf("input %q has no value", name)
	}
	return nil
}
