package api

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Context is the execution's mutable key-value state. Values must
	// round-trip through JSON; the engine deep-copies on every store
	// write to prevent aliasing
	Context map[string]any

	// ContextLimits caps context growth. Exceeding any cap is a hard
	// failure distinct from handler failure. A zero cap is unlimited
	ContextLimits struct {
		MaxKeys  int
		MaxBytes int
		MaxDepth int
	}

	// ValueRef marks a context value that was offloaded to side storage
	// because it exceeded the inline threshold. Reads dereference it
	// through the ContextStorage contract
	ValueRef struct {
		Ref       string    `json:"_ref"`
		Summary   string    `json:"summary,omitempty"`
		Size      int       `json:"size"`
		CreatedAt time.Time `json:"created_at"`
	}
)

// Validate checks the context against the configured caps, returning a
// coded ErrorInfo on the first violation
func (c Context) Validate(limits ContextLimits) *ErrorInfo {
	if limits.MaxKeys > 0 && len(c) > limits.MaxKeys {
		return Errorf(CodeContextKeyLimit,
			"context has %d keys, limit is %d", len(c), limits.MaxKeys)
	}
	if limits.MaxDepth > 0 {
		for key, value := range c {
			if depthOf(value, 1) > limits.MaxDepth {
				return Errorf(CodeContextDepthLimit,
					"context key %q exceeds nesting depth %d",
					key, limits.MaxDepth)
			}
		}
	}
	if limits.MaxBytes > 0 {
		data, err := json.Marshal(c)
		if err != nil {
			return Errorf(CodeContextSizeLimit,
				"context not serializable: %s", err)
		}
		if len(data) > limits.MaxBytes {
			return Errorf(CodeContextSizeLimit,
				"context is %d bytes, limit is %d",
				len(data), limits.MaxBytes)
		}
	}
	return nil
}

// DeepCopy returns an aliasing-free copy of the context by round-tripping
// through the canonical structured encoding
func (c Context) DeepCopy() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for key, value := range c {
		out[key] = deepCopyValue(value)
	}
	return out
}

// AsRef interprets a context value as an offload marker, returning nil
// when the value is an ordinary inline value
func AsRef(value any) *ValueRef {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	ref, ok := m["_ref"].(string)
	if !ok || ref == "" {
		return nil
	}
	out := &ValueRef{Ref: ref}
	if s, ok := m["summary"].(string); ok {
		out.Summary = s
	}
	if n, ok := m["size"].(float64); ok {
		out.Size = int(n)
	}
	return out
}

// AsMap renders the marker in its stored map form
func (r *ValueRef) AsMap() map[string]any {
	return map[string]any{
		"_ref":       r.Ref,
		"summary":    r.Summary,
		"size":       r.Size,
		"created_at": r.CreatedAt,
	}
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case Context:
		return map[string]any(v.DeepCopy())
	case map[string]any:
		return map[string]any(Context(v).DeepCopy())
	case []any:
		out := make([]any, len(v))
		for idx, elem := range v {
			out[idx] = deepCopyValue(elem)
		}
		return out
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, time.Time:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return decoded
	}
}

func depthOf(value any, depth int) int {
	max := depth
	switch v := value.(type) {
	case map[string]any:
		for _, elem := range v {
			if d := depthOf(elem, depth+1); d > max {
				max = d
			}
		}
	case Context:
		for _, elem := range v {
			if d := depthOf(elem, depth+1); d > max {
				max = d
			}
		}
	case []any:
		for _, elem := range v {
			if d := depthOf(elem, depth+1); d > max {
				max = d
			}
		}
	}
	return max
}
