package tools

import (
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// coerceParams validates the provided parameters against the declared schema
// and returns the coerced values. Missing optional params take their
// defaults; missing required params are an error.
func coerceParams(def *Definition, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(def.Configuration.Params))
	for name, spec := range def.Configuration.Params {
		v, ok := provided[name]
		if !ok || v == nil {
			if spec.Default != nil {
				v = spec.Default
			} else if spec.Required {
				return nil, fmt.Errorf("tool %s: required param %q missing", def.ID, name)
			} else {
				continue
			}
		}
		coerced, err := coerceValue(spec.Type, v)
		if err != nil {
			return nil, fmt.Errorf("tool %s: param %q: %w", def.ID, name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceValue(typ string, v any) (any, error) {
	switch typ {
	case ParamKeyword:
		switch t := v.(type) {
		case string:
			return t, nil
		case []string:
			return t, nil
		case []any:
			ss := make([]string, len(t))
			for i, e := range t {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("keyword array element %d is %T, want string", i, e)
				}
				ss[i] = s
			}
			return ss, nil
		default:
			return nil, fmt.Errorf("keyword accepts string or array of strings, got %T", v)
		}
	case ParamInteger:
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("integer requires a number, got %T", v)
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("integer requires an integer-valued number, got %v", f)
		}
		return int64(f), nil
	case ParamDouble:
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("double requires a number, got %T", v)
		}
		return f, nil
	case ParamIP:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("ip requires a string, got %T", v)
		}
		if net.ParseIP(s) == nil {
			return nil, fmt.Errorf("invalid ip %q", s)
		}
		return s, nil
	case ParamDate:
		switch t := v.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339Nano, t); err != nil {
				if _, err2 := time.Parse(time.RFC3339, t); err2 != nil {
					return nil, fmt.Errorf("date must be ISO-8601: %v", err)
				}
			}
			return t, nil
		default:
			if f, ok := asFloat(t); ok {
				// epoch millis
				return int64(f), nil
			}
			return nil, fmt.Errorf("date requires an ISO-8601 string or epoch millis, got %T", v)
		}
	}
	return nil, fmt.Errorf("unknown param type %q", typ)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}

var placeholderRe = regexp.MustCompile(`\?([A-Za-z_][A-Za-z0-9_]*)`)

// expandArrayParams rewrites ?name placeholders bound to array values into
// ?name_0, ?name_1, … and flattens the parameter list accordingly. The query
// engine does not accept array-valued parameters in IN clauses, so each
// element travels as its own named parameter.
func expandArrayParams(query string, params map[string]any) (string, []store.ESQLParam) {
	var ordered []store.ESQLParam
	seen := map[string]bool{}

	expanded := placeholderRe.ReplaceAllStringFunc(query, func(m string) string {
		name := m[1:]
		v, ok := params[name]
		if !ok {
			return m
		}
		arr, isArr := v.([]string)
		if !isArr {
			if !seen[name] {
				ordered = append(ordered, store.ESQLParam{Name: name, Value: v})
				seen[name] = true
			}
			return m
		}

		parts := make([]string, len(arr))
		for i, e := range arr {
			pname := fmt.Sprintf("%s_%d", name, i)
			parts[i] = "?" + pname
			if !seen[pname] {
				ordered = append(ordered, store.ESQLParam{Name: pname, Value: e})
				seen[pname] = true
			}
		}
		return strings.Join(parts, ", ")
	})

	return expanded, ordered
}

// ExpandArrayParams is the exported form of the placeholder expansion, used
// by agents that compose query text dynamically instead of loading it from
// the catalog.
func ExpandArrayParams(query string, params map[string]any) (string, []store.ESQLParam) {
	return expandArrayParams(query, params)
}
