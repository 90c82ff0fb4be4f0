// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package protocol defines the frames exchanged between the host and a
// sandboxed worker, and the codec used to move them across the boundary.
//
// Every frame is a flat JSON object discriminated by its "type" field:
//
//	{"type":"load","name":"tasks","source":"..."}          host -> worker
//	{"type":"invoke","id":1,"name":"fn","args":[...]}      host -> worker
//	{"type":"syscall","id":7,"name":"store.get","args":[]} worker -> host
//	{"type":"response","id":1,"result":...,"error":"..."}  both directions
//	{"type":"log","message":"..."}                          worker -> host
//	{"type":"ready","error":"..."}                          worker -> host
package protocol

import "github.com/samber/oops"

// Type discriminates frames.
type Type string

// Frame types.
const (
	TypeLoad     Type = "load"
	TypeInvoke   Type = "invoke"
	TypeSyscall  Type = "syscall"
	TypeResponse Type = "response"
	TypeLog      Type = "log"
	TypeReady    Type = "ready"
)

// Frame is one message on the host/worker channel. Which fields are
// meaningful depends on Type.
type Frame struct {
	Type    Type   `json:"type"`
	ID      uint64 `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Args    []any  `json:"args,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Load builds the frame that transfers plug code into a worker.
func Load(name, source string) Frame {
	return Frame{Type: TypeLoad, Name: name, Source: source}
}

// Invoke builds a host-to-worker function call request.
func Invoke(id uint64, name string, args []any) Frame {
	return Frame{Type: TypeInvoke, ID: id, Name: name, Args: args}
}

// Syscall builds a worker-to-host capability call request.
func Syscall(id uint64, name string, args []any) Frame {
	return Frame{Type: TypeSyscall, ID: id, Name: name, Args: args}
}

// Result builds a successful response.
func Result(id uint64, result any) Frame {
	return Frame{Type: TypeResponse, ID: id, Result: result}
}

// Failure builds an error response.
func Failure(id uint64, msg string) Frame {
	return Frame{Type: TypeResponse, ID: id, Error: msg}
}

// Log builds a log frame.
func Log(message string) Frame {
	return Frame{Type: TypeLog, Message: message}
}

// Ready builds the handshake frame. A non-empty loadErr reports that the
// plug code could not be loaded.
func Ready(loadErr string) Frame {
	return Frame{Type: TypeReady, Error: loadErr}
}

// Validate checks that a frame carries the fields its type requires.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeLoad:
		if f.Name == "" {
			return oops.In("protocol").Errorf("load frame requires a name")
		}
	case TypeInvoke, TypeSyscall:
		if f.ID == 0 {
			return oops.In("protocol").Errorf("%s frame requires a non-zero id", f.Type)
		}
		if f.Name == "" {
			return oops.In("protocol").Errorf("%s frame requires a name", f.Type)
		}
	case TypeResponse:
		if f.ID == 0 {
			return oops.In("protocol").Errorf("response frame requires a non-zero id")
		}
	case TypeLog, TypeReady:
	default:
		return oops.In("protocol").Errorf("unknown frame type %q", f.Type)
	}
	return nil
}
