// Package clfake is an in-process, pure-Go stand-in for the device
// contract (pkg/device) used by every engine package's tests and by
// pkg/tuner's timing tests. It never touches a real accelerator: buffers
// are plain byte slices, queues execute kernels synchronously and
// in-order, and "compiling" a program just looks a kernel name up in a
// table the caller supplies.
//
// Unlike the real cgo backend (internal/clruntime/clopencl), this stand-in
// actually executes the documented kernel semantics as Go closures instead
// of talking to hardware, so the three-phase reduce/scan/scatter algorithms
// in pkg/scan, pkg/reduce and pkg/radixsort can be driven end-to-end
// without OpenCL.
package clfake

import (
	"context"
	"fmt"

	"github.com/clogs-go/clogs/pkg/device"
)

// KernelFunc is the executable behavior bound to a kernel name. args holds
// exactly what the engine passed to Kernel.SetArg, in index order: a *Buffer
// for buffer arguments, or the scalar value (uint32, int32, uint64...)
// otherwise. global/local are the NDRange sizes EnqueueKernel was called
// with.
type KernelFunc func(args []any, global, local int) error

// Context is a fake device.Context backed by an in-memory kernel table.
type Context struct {
	info    device.Info
	kernels map[string]KernelFunc
}

// NewContext builds a fake context reporting info and able to "run" the
// named kernels in kernels.
func NewContext(info device.Info, kernels map[string]KernelFunc) *Context {
	return &Context{info: info, kernels: kernels}
}

func (c *Context) Info() device.Info { return c.info }

func (c *Context) NewQueue(profiling bool) (device.Queue, error) {
	return &Queue{profiling: profiling}, nil
}

func (c *Context) NewBuffer(size int, access device.AccessFlags) (device.Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("clfake: negative buffer size %d", size)
	}
	return &Buffer{data: make([]byte, size), access: access}, nil
}

func (c *Context) BuildProgram(source, options string) (device.Program, []byte, error) {
	return &Program{ctx: c}, []byte("clfake: build log (no-op)\n"), nil
}

func (c *Context) ProgramFromBinary(binary []byte) (device.Program, error) {
	return &Program{ctx: c}, nil
}

// Program resolves kernel names against its Context's kernel table.
type Program struct{ ctx *Context }

func (p *Program) Binary() ([]byte, error) { return []byte("clfake-binary"), nil }

func (p *Program) NewKernel(name string) (device.Kernel, error) {
	fn, ok := p.ctx.kernels[name]
	if !ok {
		return nil, fmt.Errorf("clfake: no kernel registered for %q", name)
	}
	return &Kernel{name: name, fn: fn}, nil
}

// Kernel accumulates SetArg calls until EnqueueKernel runs fn.
type Kernel struct {
	name string
	fn   KernelFunc
	args []any
}

func (k *Kernel) SetArg(index int, arg any) error {
	for len(k.args) <= index {
		k.args = append(k.args, nil)
	}
	k.args[index] = arg
	return nil
}

// Buffer is a plain byte-slice buffer.
type Buffer struct {
	data   []byte
	access device.AccessFlags
}

func (b *Buffer) Size() int                  { return len(b.data) }
func (b *Buffer) Access() device.AccessFlags { return b.access }

// Bytes exposes the backing slice directly; only clfake's own KernelFunc
// implementations and test code should use this; real device buffers have
// no such accessor.
func (b *Buffer) Bytes() []byte { return b.data }

// Event is always already-complete: the fake queue runs synchronously.
type Event struct {
	start, end uint64
	err        error
}

func (e *Event) Wait() error { return e.err }

func (e *Event) ProfilingNanos() (uint64, uint64, error) { return e.start, e.end, nil }

// Queue runs every enqueued operation synchronously in Go, in FIFO order,
// honoring the wait-list only to the extent of surfacing a prior error.
type Queue struct {
	profiling bool
	clock     uint64
}

func (q *Queue) tick() (start, end uint64) {
	start = q.clock
	q.clock += 10 // arbitrary synthetic "device time" per op, for profiling tests
	end = q.clock
	return
}

func firstErr(wait []device.Event) error {
	for _, e := range wait {
		if e == nil {
			continue
		}
		if err := e.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) EnqueueKernel(ctx context.Context, k device.Kernel, global, local int, wait []device.Event) (device.Event, error) {
	if err := firstErr(wait); err != nil {
		return nil, err
	}
	fk, ok := k.(*Kernel)
	if !ok {
		return nil, fmt.Errorf("clfake: foreign kernel handle")
	}
	start, end := q.tick()
	if err := fk.fn(fk.args, global, local); err != nil {
		return &Event{start: start, end: end, err: err}, err
	}
	return &Event{start: start, end: end}, nil
}

func (q *Queue) EnqueueReadBuffer(ctx context.Context, buf device.Buffer, offset, size int, dst []byte, blocking bool, wait []device.Event) (device.Event, error) {
	if err := firstErr(wait); err != nil {
		return nil, err
	}
	fb, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("clfake: foreign buffer handle")
	}
	start, end := q.tick()
	copy(dst, fb.data[offset:offset+size])
	return &Event{start: start, end: end}, nil
}

func (q *Queue) EnqueueWriteBuffer(ctx context.Context, buf device.Buffer, offset, size int, src []byte, blocking bool, wait []device.Event) (device.Event, error) {
	if err := firstErr(wait); err != nil {
		return nil, err
	}
	fb, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("clfake: foreign buffer handle")
	}
	start, end := q.tick()
	copy(fb.data[offset:offset+size], src[:size])
	return &Event{start: start, end: end}, nil
}

func (q *Queue) EnqueueCopyBuffer(ctx context.Context, src, dst device.Buffer, srcOffset, dstOffset, size int, wait []device.Event) (device.Event, error) {
	if err := firstErr(wait); err != nil {
		return nil, err
	}
	fs, ok := src.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("clfake: foreign buffer handle")
	}
	fd, ok := dst.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("clfake: foreign buffer handle")
	}
	start, end := q.tick()
	copy(fd.data[dstOffset:dstOffset+size], fs.data[srcOffset:srcOffset+size])
	return &Event{start: start, end: end}, nil
}
