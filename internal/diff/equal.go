package diff

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// valueKind is the coarse JSON type used for classification.
type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindNumber
	kindBool
	kindArray
	kindObject
	kindOther
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case string:
		return kindString
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindNumber
	case bool:
		return kindBool
	case map[string]any:
		return kindObject
	}
	if _, ok := toSlice(v); ok {
		return kindArray
	}
	return kindOther
}

// IsEmpty reports whether v carries no information: nil, a blank string, an
// empty array or an empty object.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	}
	if s, ok := toSlice(v); ok {
		return len(s) == 0
	}
	return false
}

// ValuesEqual compares two JSON-shaped values. Strings are compared after
// trimming, numbers by value regardless of Go type, objects key by key.
// Arrays are compared positionally when ordered is set and as multisets
// otherwise. Two empty values are always equal.
func ValuesEqual(a, b any, ordered bool) bool {
	if IsEmpty(a) && IsEmpty(b) {
		return true
	}
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return false
	}

	switch ka {
	case kindString:
		return strings.TrimSpace(a.(string)) == strings.TrimSpace(b.(string))
	case kindNumber:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return math.Abs(fa-fb) < 1e-9
	case kindBool:
		return a.(bool) == b.(bool)
	case kindObject:
		return objectsEqual(a.(map[string]any), b.(map[string]any), ordered)
	case kindArray:
		sa, _ := toSlice(a)
		sb, _ := toSlice(b)
		if len(sa) != len(sb) {
			return false
		}
		if ordered {
			for i := range sa {
				if !ValuesEqual(sa[i], sb[i], true) {
					return false
				}
			}
			return true
		}
		return multisetEqual(sa, sb)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func objectsEqual(a, b map[string]any, ordered bool) bool {
	for k, va := range a {
		if !ValuesEqual(va, b[k], ordered) {
			return false
		}
	}
	for k, vb := range b {
		if _, ok := a[k]; ok {
			continue
		}
		if !IsEmpty(vb) {
			return false
		}
	}
	return true
}

func multisetEqual(a, b []any) bool {
	used := make([]bool, len(b))
outer:
	for _, x := range a {
		for j, y := range b {
			if used[j] {
				continue
			}
			if ValuesEqual(x, y, false) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

// toSlice converts any slice value ([]any, []string, []float64, ...) into []any.
func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		// []byte is a string in disguise, not a JSON array.
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// length returns the size used for grow/shrink classification: rune count for
// strings, element count for arrays, key count for objects.
func length(v any) int {
	switch t := v.(type) {
	case string:
		return len([]rune(strings.TrimSpace(t)))
	case map[string]any:
		return len(t)
	}
	if s, ok := toSlice(v); ok {
		return len(s)
	}
	return 0
}

// describe renders v for messages, cut to 60 runes.
func describe(v any) string {
	r := []rune(fmt.Sprintf("%v", v))
	if len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return string(r)
}
