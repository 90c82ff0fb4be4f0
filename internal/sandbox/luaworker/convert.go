// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package luaworker

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds nesting when converting tables.
const maxDepth = 64

// toLua converts a decoded frame value into a Lua value. Frame values only
// ever hold the JSON data model.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLua converts a Lua value into the JSON data model. Tables with keys
// 1..n become lists; any other table becomes an object keyed by the string
// form of its keys. Functions, userdata and threads cannot cross the
// boundary.
func fromLua(v lua.LValue) (any, error) {
	return convertValue(v, 0, map[*lua.LTable]bool{})
}

func convertValue(v lua.LValue, depth int, seen map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if depth >= maxDepth {
			return nil, fmt.Errorf("table nested deeper than %d levels", maxDepth)
		}
		if seen[val] {
			return nil, fmt.Errorf("table contains a cycle")
		}
		seen[val] = true
		defer delete(seen, val)
		return convertTable(val, depth, seen)
	default:
		return nil, fmt.Errorf("cannot pass a %s across the sandbox boundary", v.Type().String())
	}
}

func convertTable(t *lua.LTable, depth int, seen map[*lua.LTable]bool) (any, error) {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := convertValue(t.RawGetInt(i), depth+1, seen)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	}

	obj := make(map[string]any, count)
	var firstErr error
	t.ForEach(func(k, item lua.LValue) {
		if firstErr != nil {
			return
		}
		converted, err := convertValue(item, depth+1, seen)
		if err != nil {
			firstErr = err
			return
		}
		obj[k.String()] = converted
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return obj, nil
}

// fromLuaArgs converts every value, in order.
func fromLuaArgs(values []lua.LValue) ([]any, error) {
	out := make([]any, 0, len(values))
	for i, v := range values {
		converted, err := fromLua(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out = append(out, converted)
	}
	return out, nil
}
