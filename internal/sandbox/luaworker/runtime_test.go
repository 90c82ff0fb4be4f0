// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package luaworker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugos/plugos/pkg/protocol"
)

type recorder struct {
	frames []protocol.Frame
}

func (r *recorder) emit(f protocol.Frame) {
	r.frames = append(r.frames, f)
}

func (r *recorder) take() []protocol.Frame {
	out := r.frames
	r.frames = nil
	return out
}

func newTestRuntime(t *testing.T, source string) (*Runtime, *recorder) {
	t.Helper()
	rec := &recorder{}
	rt := NewRuntime(context.Background(), NewStateFactory(Limits{}), rec.emit)
	t.Cleanup(rt.Close)

	rt.Handle(protocol.Load("tasks", source))
	frames := rec.take()
	require.Len(t, frames, 1)
	require.Equal(t, protocol.TypeReady, frames[0].Type)
	require.Empty(t, frames[0].Error)
	return rt, rec
}

func TestRuntime_LoadReportsSyntaxError(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(context.Background(), NewStateFactory(Limits{}), rec.emit)
	defer rt.Close()

	rt.Handle(protocol.Load("broken", "function ("))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeReady, frames[0].Type)
	assert.Contains(t, frames[0].Error, "broken")
}

func TestRuntime_LoadReportsRuntimeError(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(context.Background(), NewStateFactory(Limits{}), rec.emit)
	defer rt.Close()

	rt.Handle(protocol.Load("broken", `error("no config")`))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "no config")
}

func TestRuntime_InvokeExportedFunction(t *testing.T) {
	rt, rec := newTestRuntime(t, `
		local M = {}
		function M.add(a, b) return a + b end
		return M
	`)

	rt.Handle(protocol.Invoke(1, "add", []any{2.0, 3.0}))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.Result(1, 5.0), frames[0])
}

func TestRuntime_InvokeGlobalFunction(t *testing.T) {
	rt, rec := newTestRuntime(t, `function greet(name) return "hello " .. name end`)

	rt.Handle(protocol.Invoke(4, "greet", []any{"ada"}))
	assert.Equal(t, []protocol.Frame{protocol.Result(4, "hello ada")}, rec.take())
}

func TestRuntime_InvokeMissingFunction(t *testing.T) {
	rt, rec := newTestRuntime(t, `return {}`)

	rt.Handle(protocol.Invoke(2, "nope", nil))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(2), frames[0].ID)
	assert.Equal(t, "function nope is not defined", frames[0].Error)
}

func TestRuntime_InvokeBeforeLoad(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(context.Background(), NewStateFactory(Limits{}), rec.emit)
	defer rt.Close()

	rt.Handle(protocol.Invoke(1, "f", nil))
	assert.Equal(t, []protocol.Frame{protocol.Failure(1, "plug code not loaded")}, rec.take())
}

func TestRuntime_RaisedErrorBecomesFailure(t *testing.T) {
	rt, rec := newTestRuntime(t, `function fail() error("bad input") end`)

	rt.Handle(protocol.Invoke(3, "fail", nil))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "bad input")
	assert.NotContains(t, frames[0].Error, "stack traceback")
}

func TestRuntime_SyscallYieldsAndResumes(t *testing.T) {
	rt, rec := newTestRuntime(t, `
		function lookup(key)
			local value, err = plugos.syscall("store.get", key)
			if err then return "failed: " .. err end
			return value.title
		end
	`)

	rt.Handle(protocol.Invoke(1, "lookup", []any{"page:1"}))
	frames := rec.take()
	require.Len(t, frames, 1)
	sys := frames[0]
	assert.Equal(t, protocol.TypeSyscall, sys.Type)
	assert.Equal(t, "store.get", sys.Name)
	assert.Equal(t, []any{"page:1"}, sys.Args)
	assert.Equal(t, 1, rt.Waiting())

	rt.Handle(protocol.Result(sys.ID, map[string]any{"title": "Home"}))
	assert.Equal(t, []protocol.Frame{protocol.Result(1, "Home")}, rec.take())
	assert.Equal(t, 0, rt.Waiting())
}

func TestRuntime_SyscallErrorIsReturnedToLua(t *testing.T) {
	rt, rec := newTestRuntime(t, `
		function lookup()
			local value, err = plugos.syscall("nope.missing")
			if err then return "failed: " .. err end
			return value
		end
	`)

	rt.Handle(protocol.Invoke(1, "lookup", nil))
	sys := rec.take()[0]
	rt.Handle(protocol.Failure(sys.ID, "Unknown syscall"))
	assert.Equal(t, []protocol.Frame{protocol.Result(1, "failed: Unknown syscall")}, rec.take())
}

func TestRuntime_InterleavedInvocations(t *testing.T) {
	rt, rec := newTestRuntime(t, `
		function echo(tag)
			local v = plugos.syscall("echo", tag)
			return tag .. "=" .. v
		end
	`)

	rt.Handle(protocol.Invoke(1, "echo", []any{"a"}))
	rt.Handle(protocol.Invoke(2, "echo", []any{"b"}))
	frames := rec.take()
	require.Len(t, frames, 2)
	sysA, sysB := frames[0], frames[1]
	require.NotEqual(t, sysA.ID, sysB.ID)
	assert.Equal(t, 2, rt.Waiting())

	// Second suspended call completes first.
	rt.Handle(protocol.Result(sysB.ID, "B"))
	rt.Handle(protocol.Result(sysA.ID, "A"))
	assert.Equal(t, []protocol.Frame{
		protocol.Result(2, "b=B"),
		protocol.Result(1, "a=A"),
	}, rec.take())
}

func TestRuntime_SyscallAtLoadTimeFails(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(context.Background(), NewStateFactory(Limits{}), rec.emit)
	defer rt.Close()

	rt.Handle(protocol.Load("eager", `plugos.syscall("store.get", "x")`))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "must be called from an invoked function")
}

func TestRuntime_BareYieldIsRejected(t *testing.T) {
	rt, rec := newTestRuntime(t, `function sneaky() coroutine.yield(1) end`)

	rt.Handle(protocol.Invoke(1, "sneaky", nil))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Equal(t, "coroutine.yield is not allowed in a plug function", frames[0].Error)
	assert.Equal(t, 0, rt.Waiting())
}

func TestRuntime_LogAndPrint(t *testing.T) {
	rt, rec := newTestRuntime(t, `
		function chatty()
			plugos.log("indexing", 3, "pages")
			print({done = true})
			return nil
		end
	`)

	rt.Handle(protocol.Invoke(1, "chatty", nil))
	assert.Equal(t, []protocol.Frame{
		protocol.Log("indexing 3 pages"),
		protocol.Log(`{"done":true}`),
		protocol.Result(1, nil),
	}, rec.take())
}

func TestRuntime_UnsupportedReturnValue(t *testing.T) {
	rt, rec := newTestRuntime(t, `function leak() return function() end end`)

	rt.Handle(protocol.Invoke(1, "leak", nil))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "unsupported value")
}

func TestRuntime_UnknownResponseIsIgnored(t *testing.T) {
	rt, rec := newTestRuntime(t, `return {}`)

	rt.Handle(protocol.Result(99, "stray"))
	assert.Empty(t, rec.take())
}

func TestRuntime_CancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	rt := NewRuntime(ctx, NewStateFactory(Limits{}), rec.emit)
	defer rt.Close()

	rt.Handle(protocol.Load("spin", `function spin() while true do end end`))
	require.Empty(t, rec.take()[0].Error)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	rt.Handle(protocol.Invoke(1, "spin", nil))
	frames := rec.take()
	require.Len(t, frames, 1)
	assert.NotEmpty(t, frames[0].Error)
}

func TestRuntime_SandboxBlocksUnsafeGlobals(t *testing.T) {
	rt, rec := newTestRuntime(t, `
		function probe()
			return {os = os == nil, io = io == nil, load = load == nil, dofile = dofile == nil}
		end
	`)

	rt.Handle(protocol.Invoke(1, "probe", nil))
	assert.Equal(t, []protocol.Frame{protocol.Result(1, map[string]any{
		"os": true, "io": true, "load": true, "dofile": true,
	})}, rec.take())
}
