package engine

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/flowmonkey/engine/pkg/api"
)

// resolveInput derives a step's input from the execution context per the
// step's selector. A nil selector yields the whole context. The returned
// ErrorInfo is a step failure; the handler is never invoked
func resolveInput(
	sel *api.Selector, ctx api.Context,
) (any, *api.ErrorInfo) {
	if sel == nil {
		return map[string]any(ctx), nil
	}

	switch sel.Type {
	case api.SelectStatic:
		return sel.Value, nil
	case api.SelectFull:
		return map[string]any(ctx), nil
	case api.SelectKey:
		value, ok := ctx[sel.Key]
		if !ok {
			if sel.Optional {
				return nil, nil
			}
			return nil, api.Errorf(api.CodeInputKeyMissing,
				"context key %q not found", sel.Key)
		}
		return value, nil
	case api.SelectKeys:
		out := make(map[string]any, len(sel.Keys))
		for _, key := range sel.Keys {
			value, ok := ctx[key]
			if !ok {
				if sel.Optional {
					continue
				}
				return nil, api.Errorf(api.CodeInputKeyMissing,
					"context key %q not found", key)
			}
			out[key] = value
		}
		return out, nil
	case api.SelectPath:
		value, found := resolvePath(ctx, sel.Path)
		if !found && !sel.Optional {
			return nil, api.Errorf(api.CodeInputPathMissing,
				"context path %q not found", sel.Path)
		}
		return value, nil
	case api.SelectTemplate:
		return renderTemplate(sel.Template, ctx, sel.Optional)
	default:
		return nil, api.Errorf(api.CodeInputKeyMissing,
			"unknown selector type %q", sel.Type)
	}
}

// resolvePath walks a dot path through the context. Traversal through a
// non-object intermediate yields not-found rather than an error
func resolvePath(ctx api.Context, path string) (any, bool) {
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}
