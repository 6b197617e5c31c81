package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errEmptyKey = errors.New("collection and id are required")

func checkFilter(f Filter) error {
	if !validField(f.Field) {
		return fmt.Errorf("invalid filter field %q", f.Field)
	}
	if !validOp(f.Op) {
		return fmt.Errorf("invalid filter op %q", f.Op)
	}
	switch f.Value.(type) {
	case string, bool, int, int32, int64, float64:
		return nil
	}
	return fmt.Errorf("unsupported filter value %T for %q", f.Value, f.Field)
}

// validField accepts dotted identifiers only; the field ends up in a JSON
// path for the sqlite driver.
func validField(f string) bool {
	if f == "" || strings.HasPrefix(f, ".") || strings.HasSuffix(f, ".") || strings.Contains(f, "..") {
		return false
	}
	for _, r := range f {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func matches(data json.RawMessage, filters []Filter) (bool, error) {
	for _, f := range filters {
		v, ok := lookup(data, f.Field)
		if !ok {
			return false, nil
		}
		if !sameKind(v, f.Value) {
			return false, nil
		}
		c := compareValues(v, f.Value)
		var hit bool
		switch f.Op {
		case OpEq:
			hit = c == 0
		case OpLt:
			hit = c < 0
		case OpLe:
			hit = c <= 0
		case OpGt:
			hit = c > 0
		case OpGe:
			hit = c >= 0
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

func lookup(data json.RawMessage, field string) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return nil, false
	}
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func sameKind(a, b any) bool {
	_, an := toFloat(a)
	_, bn := toFloat(b)
	if an || bn {
		return an && bn
	}
	_, as := a.(string)
	_, bs := b.(string)
	if as || bs {
		return as && bs
	}
	_, ab := a.(bool)
	_, bb := b.(bool)
	return ab && bb
}

// compareValues orders numbers, then strings, then bools; nil sorts first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
		return -1
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
		if _, ok := toFloat(b); ok {
			return 1
		}
		return -1
	}
	x, _ := a.(bool)
	y, yok := b.(bool)
	if !yok {
		return 1
	}
	switch {
	case x == y:
		return 0
	case !x:
		return -1
	}
	return 1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
