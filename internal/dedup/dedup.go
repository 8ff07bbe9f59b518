// Package dedup detects repeated tool invocations within a conversation.
// Arguments are canonicalized, hashed, and compared against the most
// recent results of the same tool so that a call the model repeats is
// answered from the stored result instead of executing again.
package dedup

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/crypto/blake2b"

	"github.com/nugget/quill/internal/tools"
)

// DefaultWindow is how many recent results of one tool are searched.
const DefaultWindow = 12

// Record is a previously persisted result of a tool call.
type Record struct {
	MessageID      string
	ToolName       string
	ArgsHash       string
	NormalizedArgs map[string]any
	Summary        string
	Data           map[string]any
}

// Normalize returns the canonical form of validated args: strings are
// trimmed at every depth, then the tool's own Normalize hook runs. The
// input is never mutated.
func Normalize(t *tools.Tool, args map[string]any, ec tools.ExecContext) map[string]any {
	out, _ := canonical(args).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	if t != nil && t.Normalize != nil {
		if n := t.Normalize(out, ec); n != nil {
			out = n
		}
	}
	return out
}

func canonical(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = canonical(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = canonical(val)
		}
		return s
	case string:
		return strings.TrimSpace(x)
	default:
		return v
	}
}

// Hash returns the hex blake2b-256 digest of args serialized with object
// keys sorted at every depth. Array order is significant.
func Hash(args map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(args); err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	sum := blake2b.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

var argsEqual = cmp.Options{
	cmpopts.EquateEmpty(),
}

// Match searches window, newest first, for a record with an equal hash or
// structurally equal normalized arguments. The structural check covers
// records whose hash was computed differently or is missing.
func Match(hash string, normalized map[string]any, window []Record) (Record, bool) {
	for _, r := range window {
		if hash != "" && r.ArgsHash == hash {
			return r, true
		}
	}
	for _, r := range window {
		if r.NormalizedArgs != nil && cmp.Equal(r.NormalizedArgs, normalized, argsEqual) {
			return r, true
		}
	}
	return Record{}, false
}
