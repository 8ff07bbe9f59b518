package schema

// Visitor receives one call per node kind. Walk dispatches on Kind, so
// adding a kind means adding a method here and a case in Walk.
type Visitor interface {
	VisitObject(n *Node) any
	VisitString(n *Node) any
	VisitNumber(n *Node) any
	VisitInteger(n *Node) any
	VisitBoolean(n *Node) any
	VisitEnum(n *Node) any
	VisitArray(n *Node) any
	VisitOptional(n *Node) any
	VisitDefault(n *Node) any
	VisitUnknown(n *Node) any
}

// Walk dispatches n to the matching Visitor method.
func Walk(n *Node, v Visitor) any {
	if n == nil {
		return v.VisitUnknown(n)
	}
	switch n.Kind {
	case KindObject:
		return v.VisitObject(n)
	case KindString:
		return v.VisitString(n)
	case KindNumber:
		return v.VisitNumber(n)
	case KindInteger:
		return v.VisitInteger(n)
	case KindBoolean:
		return v.VisitBoolean(n)
	case KindEnum:
		return v.VisitEnum(n)
	case KindArray:
		return v.VisitArray(n)
	case KindOptional:
		return v.VisitOptional(n)
	case KindDefault:
		return v.VisitDefault(n)
	default:
		return v.VisitUnknown(n)
	}
}

// JSONSchema renders n as a JSON-Schema document for the model. It never
// fails: nodes it cannot render become {"type": "string"}.
func JSONSchema(n *Node) map[string]any {
	m, _ := Walk(n, jsonSchemaVisitor{}).(map[string]any)
	return m
}

type jsonSchemaVisitor struct{}

func (jsonSchemaVisitor) leaf(n *Node, typ string) map[string]any {
	m := map[string]any{"type": typ}
	if n.Description != "" {
		m["description"] = n.Description
	}
	return m
}

func (v jsonSchemaVisitor) VisitObject(n *Node) any {
	m := v.leaf(n, "object")
	props := make(map[string]any, len(n.Fields))
	var required []string
	for _, f := range n.Fields {
		props[f.Name] = Walk(f.Node, v)
		if !f.Node.omittable() {
			required = append(required, f.Name)
		}
	}
	m["properties"] = props
	if len(required) > 0 {
		m["required"] = required
	}
	return m
}

func (v jsonSchemaVisitor) VisitString(n *Node) any {
	m := v.leaf(n, "string")
	if n.MinLength > 0 {
		m["minLength"] = n.MinLength
	}
	if n.MaxLength > 0 {
		m["maxLength"] = n.MaxLength
	}
	switch formatName(n.Format) {
	case "email":
		m["format"] = "email"
	case "uuid", "uuid4", "uuid7":
		m["format"] = "uuid"
	case "url", "http_url":
		m["format"] = "uri"
	case "datetime":
		m["format"] = "date"
	}
	return m
}

func (v jsonSchemaVisitor) numeric(n *Node, typ string) map[string]any {
	m := v.leaf(n, typ)
	if n.Min != nil {
		m["minimum"] = *n.Min
	}
	if n.Max != nil {
		m["maximum"] = *n.Max
	}
	return m
}

func (v jsonSchemaVisitor) VisitNumber(n *Node) any  { return v.numeric(n, "number") }
func (v jsonSchemaVisitor) VisitInteger(n *Node) any { return v.numeric(n, "integer") }
func (v jsonSchemaVisitor) VisitBoolean(n *Node) any { return v.leaf(n, "boolean") }

func (v jsonSchemaVisitor) VisitEnum(n *Node) any {
	m := v.leaf(n, "string")
	m["enum"] = append([]string(nil), n.Values...)
	return m
}

func (v jsonSchemaVisitor) VisitArray(n *Node) any {
	m := v.leaf(n, "array")
	m["items"] = Walk(n.Elem, v)
	if n.MinItems > 0 {
		m["minItems"] = n.MinItems
	}
	return m
}

// wrapped renders the inner node, letting the wrapper's description win.
func (v jsonSchemaVisitor) wrapped(n *Node) map[string]any {
	inner, _ := Walk(n.Elem, v).(map[string]any)
	if inner == nil {
		inner = map[string]any{"type": "string"}
	}
	if n.Description != "" {
		inner["description"] = n.Description
	}
	return inner
}

func (v jsonSchemaVisitor) VisitOptional(n *Node) any { return v.wrapped(n) }

func (v jsonSchemaVisitor) VisitDefault(n *Node) any {
	m := v.wrapped(n)
	m["default"] = n.Default
	return m
}

func (jsonSchemaVisitor) VisitUnknown(n *Node) any {
	m := map[string]any{"type": "string"}
	if n != nil && n.Description != "" {
		m["description"] = n.Description
	}
	return m
}
