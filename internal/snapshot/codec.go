package snapshot

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/l1jgo/engine/internal/core/ecs"
	"gopkg.in/yaml.v3"
)

// Encode writes entities as a YAML sequence. Field maps are emitted with
// sorted keys and floats always carry a decimal point or exponent, so the
// output is stable and decodes back to the same value types.
func Encode(entities []SerializedEntity) ([]byte, error) {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, se := range entities {
		n, err := entityNode(se)
		if err != nil {
			return nil, err
		}
		seq.Content = append(seq.Content, n)
	}
	if len(seq.Content) == 0 {
		seq.Style = yaml.FlowStyle
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{seq}}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the output of Encode. Integers decode as int64 and floats as
// float64.
func Decode(data []byte) ([]SerializedEntity, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	seq := doc.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("decode snapshot: line %d: expected a sequence of entities", seq.Line)
	}
	out := make([]SerializedEntity, 0, len(seq.Content))
	for _, n := range seq.Content {
		se, err := decodeEntity(n)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, se)
	}
	return out, nil
}

func entityNode(se SerializedEntity) (*yaml.Node, error) {
	comps := &yaml.Node{Kind: yaml.SequenceNode}
	for i, sc := range se.Components {
		fields, err := valueNode(map[string]any(sc.Fields))
		if err != nil {
			return nil, fmt.Errorf("encode entity %d component %d (%s): %w", se.ID, i, sc.Type, err)
		}
		comps.Content = append(comps.Content, mapping(
			"type", str(sc.Type),
			"fields", fields,
		))
	}
	if len(comps.Content) == 0 {
		comps.Style = yaml.FlowStyle
	}
	return mapping(
		"id", scalar("!!int", strconv.FormatUint(uint64(se.ID), 10)),
		"name", str(se.Name),
		"enabled", scalar("!!bool", strconv.FormatBool(se.Enabled)),
		"components", comps,
	), nil
}

func valueNode(v any) (*yaml.Node, error) {
	switch x := v.(type) {
	case nil:
		return scalar("!!null", "null"), nil
	case bool:
		return scalar("!!bool", strconv.FormatBool(x)), nil
	case int64:
		return scalar("!!int", strconv.FormatInt(x, 10)), nil
	case float64:
		return scalar("!!float", formatFloat(x)), nil
	case string:
		return str(x), nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for i, e := range x {
			en, err := valueNode(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			n.Content = append(n.Content, en)
		}
		if len(n.Content) == 0 {
			n.Style = yaml.FlowStyle
		}
		return n, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		n := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range keys {
			en, err := valueNode(x[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			n.Content = append(n.Content, str(k), en)
		}
		if len(n.Content) == 0 {
			n.Style = yaml.FlowStyle
		}
		return n, nil
	case ecs.Fields:
		return valueNode(map[string]any(x))
	default:
		nv, err := ecs.NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		return valueNode(nv)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func decodeEntity(n *yaml.Node) (SerializedEntity, error) {
	var se SerializedEntity
	if n.Kind != yaml.MappingNode {
		return se, fmt.Errorf("line %d: expected an entity mapping", n.Line)
	}
	hasID := false
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		switch key.Value {
		case "id":
			var id uint64
			if err := val.Decode(&id); err != nil {
				return se, fmt.Errorf("line %d: id: %w", val.Line, err)
			}
			se.ID = ecs.EntityID(id)
			hasID = true
		case "name":
			if err := val.Decode(&se.Name); err != nil {
				return se, fmt.Errorf("line %d: name: %w", val.Line, err)
			}
		case "enabled":
			if err := val.Decode(&se.Enabled); err != nil {
				return se, fmt.Errorf("line %d: enabled: %w", val.Line, err)
			}
		case "components":
			comps, err := decodeComponents(val)
			if err != nil {
				return se, err
			}
			se.Components = comps
		}
	}
	if !hasID {
		return se, fmt.Errorf("line %d: entity without id", n.Line)
	}
	if se.Components == nil {
		se.Components = []SerializedComponent{}
	}
	return se, nil
}

func decodeComponents(n *yaml.Node) ([]SerializedComponent, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: components must be a sequence", n.Line)
	}
	out := make([]SerializedComponent, 0, len(n.Content))
	for _, cn := range n.Content {
		if cn.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("line %d: expected a component mapping", cn.Line)
		}
		sc := SerializedComponent{Fields: ecs.Fields{}}
		for i := 0; i+1 < len(cn.Content); i += 2 {
			key, val := cn.Content[i], cn.Content[i+1]
			switch key.Value {
			case "type":
				sc.Type = val.Value
			case "fields":
				v, err := nodeValue(val)
				if err != nil {
					return nil, err
				}
				m, ok := v.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("line %d: fields must be a mapping", val.Line)
				}
				sc.Fields = ecs.Fields(m)
			}
		}
		if sc.Type == "" {
			return nil, fmt.Errorf("line %d: component without type", cn.Line)
		}
		out = append(out, sc)
	}
	return out, nil
}

func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, e := range n.Content {
			v, err := nodeValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping key must be a scalar", k.Line)
			}
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return nil, nil
		case "!!bool":
			var b bool
			err := n.Decode(&b)
			return b, wrapLine(n, err)
		case "!!int":
			var i int64
			err := n.Decode(&i)
			return i, wrapLine(n, err)
		case "!!float":
			var f float64
			err := n.Decode(&f)
			return f, wrapLine(n, err)
		case "!!str":
			return n.Value, nil
		}
		return nil, fmt.Errorf("line %d: unsupported tag %s", n.Line, n.ShortTag())
	}
	return nil, fmt.Errorf("line %d: unsupported node", n.Line)
}

func wrapLine(n *yaml.Node, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("line %d: %w", n.Line, err)
}

func mapping(kv ...any) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Content = append(n.Content, str(kv[i].(string)), kv[i+1].(*yaml.Node))
	}
	return n
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func str(s string) *yaml.Node { return scalar("!!str", s) }
