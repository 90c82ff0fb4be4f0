// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package luaworker runs plug code written in Lua.
//
// L is the idiomatic variable name for lua.LState in the gopher-lua
// community.
//
//nolint:gocritic // captLocal
package luaworker

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary is a standard library opened in every plug state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries lists base, table, string, math and coroutine. os,
// io, debug, package and channel are never opened.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
}

// unsafeBaseFunctions are removed from the base library. They reach the
// filesystem or compile code outside the loader.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// Limits bounds the resources one Lua state may use. Zero values keep
// gopher-lua's defaults.
type Limits struct {
	CallStackSize   int
	RegistrySize    int
	RegistryMaxSize int
}

// StateFactory creates plug states.
type StateFactory struct {
	libraries []safeLibrary
	limits    Limits
}

// NewStateFactory returns a factory applying limits to every state.
func NewStateFactory(limits Limits) *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
		limits:    limits,
	}
}

// NewState creates a fresh Lua state with only safe libraries loaded. The
// state stops executing when ctx is cancelled.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       f.limits.CallStackSize,
		RegistrySize:        f.limits.RegistrySize,
		RegistryMaxSize:     f.limits.RegistryMaxSize,
		IncludeGoStackTrace: false,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
