// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package luaworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/plugos/plugos/pkg/protocol"
)

// GlobalName is the Lua global holding the host API table.
const GlobalName = "plugos"

// call is one invocation running in its own coroutine.
type call struct {
	id     uint64
	name   string
	fn     *lua.LFunction
	co     *lua.LState
	cancel context.CancelFunc
}

type syscallRequest struct {
	name string
	args []any
}

// Runtime executes one plug's Lua code and speaks the frame protocol.
//
// Every invocation runs in a coroutine. A syscall yields the coroutine, so
// other invocations make progress while it waits for the host's response.
// Runtime is not safe for concurrent use; one goroutine drives it.
type Runtime struct {
	factory *StateFactory
	ctx     context.Context
	emit    func(protocol.Frame)

	L       *lua.LState
	name    string
	exports *lua.LTable

	nextSyscall uint64
	waiting     map[uint64]*call
	current     *call
	outbox      *syscallRequest
}

// NewRuntime creates a runtime that sends frames through emit. Lua code
// stops executing once ctx is cancelled.
func NewRuntime(ctx context.Context, factory *StateFactory, emit func(protocol.Frame)) *Runtime {
	return &Runtime{
		factory: factory,
		ctx:     ctx,
		emit:    emit,
		waiting: make(map[uint64]*call),
	}
}

// Handle processes one frame from the host.
func (r *Runtime) Handle(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeLoad:
		r.load(f.Name, f.Source)
	case protocol.TypeInvoke:
		r.invoke(f.ID, f.Name, f.Args)
	case protocol.TypeResponse:
		r.answer(f)
	default:
		slog.Debug("lua worker ignoring frame", "plug", r.name, "type", string(f.Type))
	}
}

// Close releases the Lua state and abandons suspended invocations.
func (r *Runtime) Close() {
	for id, c := range r.waiting {
		r.finish(c)
		delete(r.waiting, id)
	}
	if r.L != nil {
		r.L.Close()
		r.L = nil
	}
}

// Waiting returns the number of invocations suspended on a syscall.
func (r *Runtime) Waiting() int {
	return len(r.waiting)
}

func (r *Runtime) load(name, source string) {
	r.Close()
	r.name = name
	r.exports = nil

	L, err := r.factory.NewState(r.ctx)
	if err != nil {
		r.emit(protocol.Ready(err.Error()))
		return
	}
	r.L = L
	r.installAPI(L)

	chunk, err := L.Load(strings.NewReader(source), name)
	if err != nil {
		r.emit(protocol.Ready(errorMessage(err)))
		return
	}
	L.Push(chunk)
	if err := L.PCall(0, 1, nil); err != nil {
		r.emit(protocol.Ready(errorMessage(err)))
		return
	}
	ret := L.Get(-1)
	L.Pop(1)
	if t, ok := ret.(*lua.LTable); ok {
		r.exports = t
	}

	r.emit(protocol.Ready(""))
}

func (r *Runtime) installAPI(L *lua.LState) {
	api := L.NewTable()
	L.SetField(api, "syscall", L.NewFunction(r.luaSyscall))
	L.SetField(api, "log", L.NewFunction(r.luaLog))
	L.SetGlobal(GlobalName, api)
	L.SetGlobal("print", L.NewFunction(r.luaLog))
}

// lookup finds an exported function: first in the table the chunk
// returned, then among globals.
func (r *Runtime) lookup(name string) *lua.LFunction {
	if r.exports != nil {
		if fn, ok := r.exports.RawGetString(name).(*lua.LFunction); ok {
			return fn
		}
	}
	if fn, ok := r.L.GetGlobal(name).(*lua.LFunction); ok {
		return fn
	}
	return nil
}

func (r *Runtime) invoke(id uint64, name string, args []any) {
	if r.L == nil {
		r.emit(protocol.Failure(id, "plug code not loaded"))
		return
	}
	fn := r.lookup(name)
	if fn == nil {
		r.emit(protocol.Failure(id, fmt.Sprintf("function %s is not defined", name)))
		return
	}

	co, cancel := r.L.NewThread()
	c := &call{id: id, name: name, fn: fn, co: co, cancel: cancel}

	values := make([]lua.LValue, 0, len(args))
	for _, a := range args {
		values = append(values, toLua(r.L, a))
	}
	r.resume(c, values...)
}

func (r *Runtime) answer(f protocol.Frame) {
	c, ok := r.waiting[f.ID]
	if !ok {
		slog.Debug("lua worker dropping response for unknown syscall", "plug", r.name, "syscall_id", f.ID)
		return
	}
	delete(r.waiting, f.ID)

	if f.Error != "" {
		r.resume(c, lua.LNil, lua.LString(f.Error))
		return
	}
	r.resume(c, toLua(r.L, f.Result), lua.LNil)
}

func (r *Runtime) resume(c *call, args ...lua.LValue) {
	r.current = c
	st, err, values := r.L.Resume(c.co, c.fn, args...)
	r.current = nil
	req := r.outbox
	r.outbox = nil

	switch st {
	case lua.ResumeError:
		r.finish(c)
		r.emit(protocol.Failure(c.id, errorMessage(err)))
	case lua.ResumeOK:
		r.finish(c)
		var result any
		if len(values) > 0 {
			converted, convErr := fromLua(values[0])
			if convErr != nil {
				r.emit(protocol.Failure(c.id, fmt.Sprintf("%s returned an unsupported value: %v", c.name, convErr)))
				return
			}
			result = converted
		}
		r.emit(protocol.Result(c.id, result))
	case lua.ResumeYield:
		if req == nil {
			r.finish(c)
			r.emit(protocol.Failure(c.id, "coroutine.yield is not allowed in a plug function"))
			return
		}
		r.nextSyscall++
		id := r.nextSyscall
		r.waiting[id] = c
		r.emit(protocol.Syscall(id, req.name, req.args))
	}
}

func (r *Runtime) finish(c *call) {
	if c.cancel != nil {
		c.cancel()
	}
}

// luaSyscall implements plugos.syscall(name, ...). It yields the calling
// coroutine and resumes with (result, nil) or (nil, err).
func (r *Runtime) luaSyscall(L *lua.LState) int {
	name := L.CheckString(1)
	if r.current == nil || r.current.co != L {
		L.RaiseError("plugos.syscall(%q) must be called from an invoked function", name)
		return 0
	}

	raw := make([]lua.LValue, 0, L.GetTop())
	for i := 2; i <= L.GetTop(); i++ {
		raw = append(raw, L.Get(i))
	}
	args, err := fromLuaArgs(raw)
	if err != nil {
		L.RaiseError("plugos.syscall(%q): %s", name, err.Error())
		return 0
	}

	r.outbox = &syscallRequest{name: name, args: args}
	return L.Yield()
}

// luaLog implements plugos.log(...) and print(...).
func (r *Runtime) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, renderValue(L.Get(i)))
	}
	r.emit(protocol.Log(strings.Join(parts, " ")))
	return 0
}

func renderValue(v lua.LValue) string {
	t, ok := v.(*lua.LTable)
	if !ok {
		return v.String()
	}
	converted, err := fromLua(t)
	if err != nil {
		return t.String()
	}
	data, err := protocol.Marshal(converted)
	if err != nil {
		return t.String()
	}
	return string(data)
}

// errorMessage strips the Go stack trace gopher-lua attaches to errors.
func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
