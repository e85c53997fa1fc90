package reference

import (
	"reflect"

	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/invopop/jsonschema"
)

// InputSchema derives the tool input schema of a reflective handler from its
// bindable parameters. Parameters with neither a default nor a nullable type
// are required.
func InputSchema(d Descriptor) (mcp.ToolInputSchema, error) {
	c, err := d.resolve(Reflective)
	if err != nil {
		return mcp.ToolInputSchema{}, err
	}

	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	var root *jsonschema.Schema
	if c.structArg != nil {
		root = r.ReflectFromType(c.structArg)
	}

	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: make(map[string]mcp.SchemaProperty, len(c.params)),
	}
	for _, p := range c.params {
		var node *jsonschema.Schema
		if root != nil && root.Properties != nil {
			node, _ = root.Properties.Get(p.name)
		}
		if node == nil {
			node = r.ReflectFromType(p.typ)
		}
		prop := toProperty(node)
		if cases := enumOptions(p.typ); len(cases) > 0 {
			prop.Type = enumJSONType(cases)
			prop.Enum = cases
		}
		if p.hasDefault {
			prop.Default = p.def.Interface()
		}
		schema.Properties[p.name] = prop
		if !p.hasDefault && !p.optional {
			schema.Required = append(schema.Required, p.name)
		}
	}
	return schema, nil
}

// PromptArguments lists the bindable parameters of a prompt handler.
func PromptArguments(d Descriptor) ([]mcp.PromptArgument, error) {
	c, err := d.resolve(Reflective)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.PromptArgument, 0, len(c.params))
	for _, p := range c.params {
		out = append(out, mcp.PromptArgument{
			Name:     p.name,
			Required: !p.hasDefault && !p.optional,
		})
	}
	return out, nil
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// enumOptions returns the wire values of an Enum type.
func enumOptions(t reflect.Type) []any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if !t.Implements(enumType) {
		return nil
	}
	var out []any
	for _, c := range reflect.Zero(t).Interface().(Enum).EnumCases() {
		if b, ok := c.(BackedEnum); ok {
			out = append(out, b.EnumValue())
			continue
		}
		out = append(out, toString(c))
	}
	return out
}

func enumJSONType(cases []any) string {
	for _, c := range cases {
		if _, ok := c.(string); ok {
			return "string"
		}
	}
	return "number"
}
