// Package jsonpath resolves JSONPath-like expressions against response bodies.
//
// Lookups are fallible and typed: a missing path, an empty body or a body
// that is not JSON all report ok == false instead of an error that callers
// would have to discard.
package jsonpath

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Lookup resolves path against body.
//
// Both JSONPath ("$.data.items[0].id") and gjson ("data.items.0.id") syntax
// are accepted.
func Lookup(body []byte, path string) (gjson.Result, bool) {
	if len(body) == 0 || path == "" {
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}

	result := gjson.GetBytes(body, ToGjson(path))
	if !result.Exists() {
		return gjson.Result{}, false
	}
	return result, true
}

// LookupString resolves path and returns its string form.
// JSON null resolves to ok == false.
func LookupString(body []byte, path string) (string, bool) {
	result, ok := Lookup(body, path)
	if !ok || result.Type == gjson.Null {
		return "", false
	}
	return result.String(), true
}

// Valid reports whether path can be translated into a gjson path.
func Valid(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	return strings.Count(path, "[") == strings.Count(path, "]")
}

// ToGjson converts a JSONPath expression into gjson path syntax.
//
//	$               -> @this
//	$.users[0].name -> users.0.name
//	$['user']       -> user
func ToGjson(path string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	var sb strings.Builder
	sb.Grow(len(path))

	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				sb.WriteString(path[i:])
				return sb.String()
			}
			key := strings.Trim(path[i+1:i+end], `'"`)
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(key)
			i += end
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}
