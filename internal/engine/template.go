package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowmonkey/engine/pkg/api"
)

// renderTemplate interpolates ${path} references against the context.
// Unresolved paths become the empty string for optional selectors and a
// step failure otherwise
func renderTemplate(
	template string, ctx api.Context, optional bool,
) (any, *api.ErrorInfo) {
	var sb strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])

		path := rest[start+2 : start+end]
		rest = rest[start+end+1:]

		value, found := resolvePath(ctx, path)
		if !found {
			if !optional {
				return nil, api.Errorf(api.CodeInputTemplateUnresolved,
					"template path %q not found", path)
			}
			continue
		}
		expanded := stringify(value)
		if hasControlChars(expanded) {
			return nil, api.Errorf(api.CodeInputTemplateUnresolved,
				"template path %q expands to control characters", path)
		}
		sb.WriteString(expanded)
	}
}

// hasControlChars reports whether the expansion would inject control
// characters into the rendered string. Interpolation is plain string
// substitution, so these are never legitimate
func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, int, int64, bool, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
