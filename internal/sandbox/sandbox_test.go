// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/syscalls"
	"github.com/plugos/plugos/pkg/errutil"
	"github.com/plugos/plugos/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWorker is driven by the test: frames the host posts appear on posted,
// and the test sends frames back with send.
type fakeWorker struct {
	posted chan protocol.Frame
	out    chan protocol.Frame

	mu       sync.Mutex
	closed   bool
	err      error
	postErr  error
	stopOnce sync.Once
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		posted: make(chan protocol.Frame, 64),
		out:    make(chan protocol.Frame, 64),
	}
}

func (w *fakeWorker) Post(f protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("worker closed")
	}
	if w.postErr != nil {
		return w.postErr
	}
	copied, err := protocol.Copy(f)
	if err != nil {
		return err
	}
	w.posted <- copied
	return nil
}

func (w *fakeWorker) Messages() <-chan protocol.Frame { return w.out }

func (w *fakeWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) Terminate() { w.stop(nil) }

func (w *fakeWorker) send(f protocol.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.out <- f
	}
}

// crash simulates the worker exiting on its own.
func (w *fakeWorker) crash(err error) { w.stop(err) }

func (w *fakeWorker) stop(err error) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true
		w.err = err
		close(w.out)
	})
}

func (w *fakeWorker) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-w.posted:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a posted frame")
		return protocol.Frame{}
	}
}

type testPlug string

func (p testPlug) Name() string       { return string(p) }
func (p testPlug) Version() string    { return "1.0.0" }
func (p testPlug) InstanceID() string { return "test-" + string(p) }

type dispatcherFunc func(ctx context.Context, call syscalls.CallContext, name string, args []any) (any, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, call syscalls.CallContext, name string, args []any) (any, error) {
	return f(ctx, call, name, args)
}

func newSandbox(t *testing.T, d syscalls.Dispatcher, opts sandbox.Options) (*sandbox.Sandbox, *fakeWorker) {
	t.Helper()
	if d == nil {
		d = syscalls.NewRegistry()
	}
	w := newFakeWorker()
	sb := sandbox.New(testPlug("tasks"), w, d, opts)
	t.Cleanup(func() {
		sb.Terminate()
		sb.Wait()
	})
	return sb, w
}

func readySandbox(t *testing.T, d syscalls.Dispatcher, opts sandbox.Options) (*sandbox.Sandbox, *fakeWorker) {
	t.Helper()
	sb, w := newSandbox(t, d, opts)
	require.NoError(t, sb.Load("return {}"))
	load := w.next(t)
	require.Equal(t, protocol.TypeLoad, load.Type)
	require.Equal(t, "tasks", load.Name)
	w.send(protocol.Ready(""))
	require.NoError(t, sb.WaitReady(context.Background()))
	return sb, w
}

type outcome struct {
	result any
	err    error
}

func invokeAsync(sb *sandbox.Sandbox, name string, args ...any) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		r, err := sb.Invoke(context.Background(), name, args)
		ch <- outcome{r, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invoke to settle")
		return outcome{}
	}
}

func TestSandbox_InvokeRoundTrip(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})

	res := invokeAsync(sb, "add", 2.0, 3.0)
	f := w.next(t)
	assert.Equal(t, protocol.TypeInvoke, f.Type)
	assert.Equal(t, "add", f.Name)
	assert.Equal(t, []any{2.0, 3.0}, f.Args)

	w.send(protocol.Result(f.ID, 5.0))
	o := await(t, res)
	require.NoError(t, o.err)
	assert.Equal(t, 5.0, o.result)
	assert.Equal(t, 0, sb.Pending())
}

func TestSandbox_ResponsesCorrelateByID(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})

	first := invokeAsync(sb, "f", "a")
	fa := w.next(t)
	second := invokeAsync(sb, "f", "b")
	fb := w.next(t)
	require.NotEqual(t, fa.ID, fb.ID)

	// Answer in reverse order.
	w.send(protocol.Result(fb.ID, "B"))
	w.send(protocol.Result(fa.ID, "A"))

	assert.Equal(t, "A", await(t, first).result)
	assert.Equal(t, "B", await(t, second).result)
}

func TestSandbox_RemoteErrorKeepsMessage(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})

	res := invokeAsync(sb, "boom")
	f := w.next(t)
	w.send(protocol.Failure(f.ID, "bad input"))

	o := await(t, res)
	require.Error(t, o.err)
	var remote *sandbox.RemoteError
	require.ErrorAs(t, o.err, &remote)
	assert.Equal(t, "bad input", remote.Message)
	assert.Equal(t, "boom", remote.Function)
	errutil.AssertErrorCode(t, o.err, sandbox.CodeRemoteError)
	assert.False(t, sandbox.IsSandboxError(o.err))
}

func TestSandbox_CallsBeforeReadyAreQueued(t *testing.T) {
	sb, w := newSandbox(t, nil, sandbox.Options{})
	require.NoError(t, sb.Load("code"))
	_ = w.next(t)

	res := invokeAsync(sb, "early")
	select {
	case f := <-w.posted:
		t.Fatalf("invoke posted before ready: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	w.send(protocol.Ready(""))
	f := w.next(t)
	assert.Equal(t, "early", f.Name)
	w.send(protocol.Result(f.ID, true))
	assert.Equal(t, true, await(t, res).result)
}

func TestSandbox_LoadFailureRejectsCalls(t *testing.T) {
	sb, w := newSandbox(t, nil, sandbox.Options{})
	require.NoError(t, sb.Load("syntax error"))
	_ = w.next(t)
	w.send(protocol.Ready("line 1: unexpected symbol"))

	err := sb.WaitReady(context.Background())
	require.ErrorIs(t, err, sandbox.ErrLoadFailed)
	assert.Contains(t, err.Error(), "unexpected symbol")

	_, err = sb.Invoke(context.Background(), "f", nil)
	require.ErrorIs(t, err, sandbox.ErrLoadFailed)
}

func TestSandbox_SyscallIsAnswered(t *testing.T) {
	reg := syscalls.NewRegistry()
	require.NoError(t, reg.Register(syscalls.Mapping{
		"math.double": func(_ context.Context, call syscalls.CallContext, args ...any) (any, error) {
			assert.Equal(t, "tasks", call.Plug.Name())
			n, _ := args[0].(float64)
			return n * 2, nil
		},
	}))
	_, w := readySandbox(t, reg, sandbox.Options{})

	w.send(protocol.Syscall(7, "math.double", []any{21.0}))
	resp := w.next(t)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, 42.0, resp.Result)
}

func TestSandbox_UnknownSyscallAnsweredWithError(t *testing.T) {
	_, w := readySandbox(t, nil, sandbox.Options{})

	w.send(protocol.Syscall(3, "nope.missing", nil))
	resp := w.next(t)
	assert.Equal(t, uint64(3), resp.ID)
	assert.Equal(t, "Unknown syscall", resp.Error)
}

func TestSandbox_SyscallHandlerFailureDoesNotStopSandbox(t *testing.T) {
	d := dispatcherFunc(func(context.Context, syscalls.CallContext, string, []any) (any, error) {
		panic("handler exploded")
	})
	sb, w := readySandbox(t, d, sandbox.Options{})

	w.send(protocol.Syscall(1, "x.y", nil))
	resp := w.next(t)
	assert.Equal(t, "internal error", resp.Error)

	res := invokeAsync(sb, "still")
	f := w.next(t)
	w.send(protocol.Result(f.ID, "alive"))
	assert.Equal(t, "alive", await(t, res).result)
}

func TestSandbox_TerminateRejectsAllPending(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})

	const calls = 5
	results := make([]<-chan outcome, calls)
	for i := range calls {
		results[i] = invokeAsync(sb, fmt.Sprintf("slow%d", i))
		_ = w.next(t)
	}
	require.Eventually(t, func() bool { return sb.Pending() == calls }, time.Second, 5*time.Millisecond)

	sb.Terminate()
	assert.Equal(t, 0, sb.Pending())

	for _, ch := range results {
		o := await(t, ch)
		require.ErrorIs(t, o.err, sandbox.ErrTerminated)
		errutil.AssertErrorCode(t, o.err, sandbox.CodeSandboxTerminated)
	}

	_, err := sb.Invoke(context.Background(), "after", nil)
	require.ErrorIs(t, err, sandbox.ErrTerminated)

	// Idempotent.
	sb.Terminate()
	<-sb.Done()
}

func TestSandbox_CrashRejectsPendingAndNotifies(t *testing.T) {
	exited := make(chan error, 1)
	sb, w := readySandbox(t, nil, sandbox.Options{
		OnExit: func(reason error) { exited <- reason },
	})

	res := invokeAsync(sb, "f")
	_ = w.next(t)
	w.crash(errors.New("segfault"))

	o := await(t, res)
	require.ErrorIs(t, o.err, sandbox.ErrCrashed)
	assert.Contains(t, o.err.Error(), "segfault")

	select {
	case reason := <-exited:
		require.ErrorIs(t, reason, sandbox.ErrCrashed)
	case <-time.After(time.Second):
		t.Fatal("OnExit not called")
	}
	require.ErrorIs(t, sb.Err(), sandbox.ErrCrashed)
}

func TestSandbox_CallTimeout(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{CallTimeout: 30 * time.Millisecond})

	res := invokeAsync(sb, "hang")
	f := w.next(t)

	o := await(t, res)
	require.ErrorIs(t, o.err, sandbox.ErrCallTimeout)
	errutil.AssertErrorCode(t, o.err, sandbox.CodeCallTimeout)
	assert.Equal(t, 0, sb.Pending())

	// A late response is dropped, and the sandbox keeps serving.
	w.send(protocol.Result(f.ID, "late"))
	next := invokeAsync(sb, "quick")
	g := w.next(t)
	w.send(protocol.Result(g.ID, "ok"))
	assert.Equal(t, "ok", await(t, next).result)
}

func TestSandbox_TerminateOnTimeout(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{
		CallTimeout:        20 * time.Millisecond,
		TerminateOnTimeout: true,
	})

	res := invokeAsync(sb, "hang")
	_ = w.next(t)
	require.ErrorIs(t, await(t, res).err, sandbox.ErrCallTimeout)

	select {
	case <-sb.Done():
	case <-time.After(time.Second):
		t.Fatal("sandbox not terminated after timeout")
	}
	require.ErrorIs(t, sb.Err(), sandbox.ErrTerminated)
}

func TestSandbox_InvokeHonoursCallerContext(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sb.Invoke(ctx, "f", nil)
		done <- err
	}()
	_ = w.next(t)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("invoke did not honour cancellation")
	}
}

func TestSandbox_LogsAreOrderedAndBounded(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{LogBufferSize: 3})

	for i := range 5 {
		w.send(protocol.Log(fmt.Sprintf("line %d", i)))
	}
	// A round trip flushes the mailbox.
	res := invokeAsync(sb, "sync")
	f := w.next(t)
	w.send(protocol.Result(f.ID, nil))
	await(t, res)

	logs := sb.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "line 2", logs[0].Message)
	assert.Equal(t, "line 3", logs[1].Message)
	assert.Equal(t, "line 4", logs[2].Message)
	for _, l := range logs {
		assert.Equal(t, "tasks", l.Plug)
	}
	assert.False(t, logs[2].Date.Before(logs[0].Date))
}

func TestSandbox_DefaultLogBuffer(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})

	for i := range sandbox.DefaultLogBufferSize + 10 {
		w.send(protocol.Log(fmt.Sprintf("%d", i)))
	}
	res := invokeAsync(sb, "sync")
	f := w.next(t)
	w.send(protocol.Result(f.ID, nil))
	await(t, res)

	logs := sb.Logs()
	require.Len(t, logs, sandbox.DefaultLogBufferSize)
	assert.Equal(t, "10", logs[0].Message)
}

func TestSandbox_PostFailureIsCrash(t *testing.T) {
	sb, w := readySandbox(t, nil, sandbox.Options{})
	w.mu.Lock()
	w.postErr = errors.New("pipe closed")
	w.mu.Unlock()

	_, err := sb.Invoke(context.Background(), "f", nil)
	require.ErrorIs(t, err, sandbox.ErrCrashed)
	assert.Equal(t, 0, sb.Pending())
}
