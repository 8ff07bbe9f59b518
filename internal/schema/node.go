// Package schema describes tool arguments as an explicit tree of tagged
// nodes. The same tree drives strict validation of incoming tool calls
// and a best-effort JSON-Schema rendering for the model.
package schema

import "fmt"

// Kind tags a schema node.
type Kind int

// Node kinds.
const (
	KindInvalid Kind = iota
	KindObject
	KindString
	KindNumber
	KindInteger
	KindBoolean
	KindEnum
	KindArray
	KindOptional
	KindDefault
)

var kindNames = map[Kind]string{
	KindObject:   "object",
	KindString:   "string",
	KindNumber:   "number",
	KindInteger:  "integer",
	KindBoolean:  "boolean",
	KindEnum:     "enum",
	KindArray:    "array",
	KindOptional: "optional",
	KindDefault:  "default",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Node is one element of an argument schema. Which fields are meaningful
// depends on Kind.
type Node struct {
	Kind        Kind
	Description string

	// Object
	Fields []Field

	// Array element, or the wrapped node of Optional and Default.
	Elem *Node

	// Enum
	Values []string

	// Default
	Default any

	// String constraints. Format is a go-playground/validator tag such
	// as "email" or "datetime=2006-01-02".
	Format    string
	MinLength int
	MaxLength int

	// Number and Integer bounds.
	Min *float64
	Max *float64

	// Array
	MinItems int
}

// Field is a named member of an object node. Fields keep declaration
// order so rendered schemas are stable.
type Field struct {
	Name string
	Node *Node
}

// Object builds an object node.
func Object(fields ...Field) *Node { return &Node{Kind: KindObject, Fields: fields} }

// Prop builds an object field.
func Prop(name string, n *Node) Field { return Field{Name: name, Node: n} }

// String builds a string node.
func String() *Node { return &Node{Kind: KindString} }

// Number builds a floating point node.
func Number() *Node { return &Node{Kind: KindNumber} }

// Integer builds an integral number node.
func Integer() *Node { return &Node{Kind: KindInteger} }

// Boolean builds a boolean node.
func Boolean() *Node { return &Node{Kind: KindBoolean} }

// Enum builds a string enumeration node.
func Enum(values ...string) *Node { return &Node{Kind: KindEnum, Values: values} }

// Array builds an array node of elem.
func Array(elem *Node) *Node { return &Node{Kind: KindArray, Elem: elem} }

// Optional marks n as omittable.
func Optional(n *Node) *Node { return &Node{Kind: KindOptional, Elem: n} }

// Default makes n omittable, substituting v when absent.
func Default(n *Node, v any) *Node { return &Node{Kind: KindDefault, Elem: n, Default: v} }

// Describe sets the description shown to the model and returns n.
func (n *Node) Describe(s string) *Node {
	n.Description = s
	return n
}

// WithFormat sets a validator format tag on a string node.
func (n *Node) WithFormat(tag string) *Node {
	n.Format = tag
	return n
}

// NonEmpty requires at least one rune (strings) or element (arrays).
func (n *Node) NonEmpty() *Node {
	if n.Kind == KindArray {
		n.MinItems = 1
	} else {
		n.MinLength = 1
	}
	return n
}

// MaxLen caps a string's length in runes.
func (n *Node) MaxLen(max int) *Node {
	n.MaxLength = max
	return n
}

// Between bounds a numeric node, inclusive.
func (n *Node) Between(min, max float64) *Node {
	n.Min, n.Max = &min, &max
	return n
}

// AtLeast sets an inclusive lower bound on a numeric node.
func (n *Node) AtLeast(min float64) *Node {
	n.Min = &min
	return n
}

// omittable reports whether an object field may be absent.
func (n *Node) omittable() bool {
	return n != nil && (n.Kind == KindOptional || n.Kind == KindDefault)
}

// Check verifies a schema is well formed: a root object, named and
// unique fields, known kinds, non-empty enums, wrappers with an element.
func Check(root *Node) error {
	if root == nil || root.Kind != KindObject {
		return fmt.Errorf("schema root must be an object")
	}
	return check(root, "")
}

func check(n *Node, path string) error {
	if n == nil {
		return fmt.Errorf("%s: nil schema node", displayPath(path))
	}
	switch n.Kind {
	case KindObject:
		seen := make(map[string]bool, len(n.Fields))
		for _, f := range n.Fields {
			if f.Name == "" {
				return fmt.Errorf("%s: field with empty name", displayPath(path))
			}
			if seen[f.Name] {
				return fmt.Errorf("%s: duplicate field %q", displayPath(path), f.Name)
			}
			seen[f.Name] = true
			if err := check(f.Node, joinPath(path, f.Name)); err != nil {
				return err
			}
		}
	case KindEnum:
		if len(n.Values) == 0 {
			return fmt.Errorf("%s: enum without values", displayPath(path))
		}
	case KindArray:
		return check(n.Elem, path+"[]")
	case KindOptional:
		return check(n.Elem, path)
	case KindDefault:
		if err := check(n.Elem, path); err != nil {
			return err
		}
		if _, err := Validate(n.Elem, n.Default); err != nil {
			return fmt.Errorf("%s: default does not satisfy its schema: %w", displayPath(path), err)
		}
	case KindString, KindNumber, KindInteger, KindBoolean:
	default:
		return fmt.Errorf("%s: unsupported schema kind %s", displayPath(path), n.Kind)
	}
	return nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
