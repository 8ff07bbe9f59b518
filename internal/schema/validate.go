package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// FieldError is a single validation failure at a field path such as
// "client.email" or "lines[2].quantity".
type FieldError struct {
	Path    string
	Message string
}

func (e *FieldError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every failure found in one value.
type ValidationErrors []*FieldError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

var formats = validator.New()

// Validate checks v against n and returns a normalized copy: defaults
// filled in, numbers as float64, unknown object keys dropped. The error,
// when non-nil, is a ValidationErrors.
func Validate(n *Node, v any) (any, error) {
	var errs ValidationErrors
	out := validate(n, v, "", &errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// ValidateArgs validates tool-call arguments against an object schema.
func ValidateArgs(n *Node, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	out, err := Validate(n, args)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func validate(n *Node, v any, path string, errs *ValidationErrors) any {
	fail := func(format string, a ...any) any {
		*errs = append(*errs, &FieldError{Path: path, Message: fmt.Sprintf(format, a...)})
		return nil
	}

	if n == nil {
		return fail("no schema")
	}

	switch n.Kind {
	case KindOptional:
		if v == nil {
			return nil
		}
		return validate(n.Elem, v, path, errs)

	case KindDefault:
		if v == nil {
			return validate(n.Elem, n.Default, path, errs)
		}
		return validate(n.Elem, v, path, errs)

	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return fail("must be an object")
		}
		out := make(map[string]any, len(n.Fields))
		for _, f := range n.Fields {
			fp := joinPath(path, f.Name)
			raw, present := m[f.Name]
			if !present || raw == nil {
				if !f.Node.omittable() {
					*errs = append(*errs, &FieldError{Path: fp, Message: "is required"})
					continue
				}
			}
			val := validate(f.Node, raw, fp, errs)
			if val != nil {
				out[f.Name] = val
			}
		}
		return out

	case KindString:
		s, ok := v.(string)
		if !ok {
			return fail("must be a string")
		}
		count := utf8.RuneCountInString(s)
		if n.MinLength > 0 && count < n.MinLength {
			if n.MinLength == 1 {
				return fail("must not be empty")
			}
			return fail("must be at least %d characters", n.MinLength)
		}
		if n.MaxLength > 0 && count > n.MaxLength {
			return fail("must be at most %d characters", n.MaxLength)
		}
		if n.Format != "" && s != "" {
			if err := formats.Var(s, n.Format); err != nil {
				return fail("must be a valid %s", formatName(n.Format))
			}
		}
		return s

	case KindNumber, KindInteger:
		f, ok := toFloat(v)
		if !ok {
			return fail("must be a number")
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fail("must be a finite number")
		}
		if n.Kind == KindInteger && f != math.Trunc(f) {
			return fail("must be an integer")
		}
		if n.Min != nil && f < *n.Min {
			return fail("must be >= %v", *n.Min)
		}
		if n.Max != nil && f > *n.Max {
			return fail("must be <= %v", *n.Max)
		}
		return f

	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return fail("must be a boolean")
		}
		return b

	case KindEnum:
		s, ok := v.(string)
		if !ok || !slices.Contains(n.Values, s) {
			return fail("must be one of %s", strings.Join(n.Values, ", "))
		}
		return s

	case KindArray:
		items, ok := v.([]any)
		if !ok {
			return fail("must be an array")
		}
		if len(items) < n.MinItems {
			return fail("must contain at least %d item(s)", n.MinItems)
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			out = append(out, validate(n.Elem, item, fmt.Sprintf("%s[%d]", path, i), errs))
		}
		return out

	default:
		return fail("unsupported schema kind %s", n.Kind)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// formatName turns "datetime=2006-01-02" into "datetime".
func formatName(tag string) string {
	name, _, _ := strings.Cut(tag, "=")
	return name
}
