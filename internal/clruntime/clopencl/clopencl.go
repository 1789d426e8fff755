//go:build opencl
// +build opencl

// Package clopencl is the real device runtime adapter: a thin cgo binding
// over the system OpenCL ICD loader, wrapping raw C.cl_* calls behind the
// reusable device.Context/Queue/Buffer/Program/Kernel/Event contract every
// clogs engine is built against.
//
// Device enumeration and context creation are explicitly out of scope for
// the clogs library itself; this package exists only as the optional
// real-hardware collaborator a CLI tool (cmd/clogs-tune, cmd/clogs-benchmark)
// can use to obtain a device.Context to pass in.
package clopencl

/*
#cgo CFLAGS: -I${SRCDIR}/../../../deps/opencl-headers
#cgo windows LDFLAGS: -L${SRCDIR}/../../../deps/lib -lOpenCL
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif

#include <stdlib.h>
*/
import "C"

import (
	"context"
	"fmt"
	"strings"
	"unsafe"

	"github.com/clogs-go/clogs/pkg/device"
)

// Platform is one OpenCL platform (ICD) found on the host.
type Platform struct {
	id   C.cl_platform_id
	Name string
}

// Platforms enumerates the OpenCL platforms visible to the ICD loader.
func Platforms() ([]Platform, error) {
	var n C.cl_uint
	if C.clGetPlatformIDs(0, nil, &n) != C.CL_SUCCESS || n == 0 {
		return nil, fmt.Errorf("clopencl: no OpenCL platforms found")
	}
	ids := make([]C.cl_platform_id, n)
	if C.clGetPlatformIDs(n, &ids[0], nil) != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clGetPlatformIDs failed")
	}
	out := make([]Platform, len(ids))
	for i, id := range ids {
		out[i] = Platform{id: id, Name: platformString(id, C.CL_PLATFORM_NAME)}
	}
	return out, nil
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	C.clGetPlatformInfo(id, param, 0, nil, &size)
	if size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

// Device is one compute device under a Platform.
type Device struct {
	id       C.cl_device_id
	platform Platform
}

// DeviceKind selects which class of device to enumerate.
type DeviceKind int

const (
	AnyDevice DeviceKind = iota
	GPUDevice
	CPUDevice
)

func (k DeviceKind) clType() C.cl_device_type {
	switch k {
	case GPUDevice:
		return C.CL_DEVICE_TYPE_GPU
	case CPUDevice:
		return C.CL_DEVICE_TYPE_CPU
	default:
		return C.CL_DEVICE_TYPE_ALL
	}
}

// Devices enumerates the devices of kind under p.
func (p Platform) Devices(kind DeviceKind) ([]Device, error) {
	var n C.cl_uint
	if C.clGetDeviceIDs(p.id, kind.clType(), 0, nil, &n) != C.CL_SUCCESS || n == 0 {
		return nil, fmt.Errorf("clopencl: no devices of kind %d on platform %q", kind, p.Name)
	}
	ids := make([]C.cl_device_id, n)
	if C.clGetDeviceIDs(p.id, kind.clType(), n, &ids[0], nil) != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clGetDeviceIDs failed")
	}
	out := make([]Device, len(ids))
	for i, id := range ids {
		out[i] = Device{id: id, platform: p}
	}
	return out, nil
}

func deviceString(id C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	C.clGetDeviceInfo(id, param, 0, nil, &size)
	if size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

func deviceUint(id C.cl_device_id, param C.cl_device_info) uint32 {
	var v C.cl_uint
	C.clGetDeviceInfo(id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint32(v)
}

func deviceSize(id C.cl_device_id, param C.cl_device_info) int {
	var v C.size_t
	C.clGetDeviceInfo(id, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return int(v)
}

// Info builds the device.Info fingerprint/capability record, probing the
// vendor-specific warp size the way NVIDIA's CL_DEVICE_WARP_SIZE_NV
// extension allows and defaulting to 1 everywhere else: the only semantic
// requirement is that non-probed hardware disables intra-warp
// synchronization shortcuts, which a warp size of 1 achieves.
func (d Device) Info() device.Info {
	extensions := deviceString(d.id, C.CL_DEVICE_EXTENSIONS)
	warp := 1
	vendor := deviceString(d.id, C.CL_DEVICE_VENDOR)
	if strings.Contains(strings.ToUpper(vendor), "NVIDIA") {
		const clDeviceWarpSizeNV C.cl_device_info = 0x4003
		var v C.cl_uint
		if C.clGetDeviceInfo(d.id, clDeviceWarpSizeNV, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil) == C.CL_SUCCESS && v > 0 {
			warp = int(v)
		}
	}
	return device.Info{
		PlatformName:     d.platform.Name,
		DeviceName:       deviceString(d.id, C.CL_DEVICE_NAME),
		VendorID:         deviceUint(d.id, C.CL_DEVICE_VENDOR_ID),
		DriverVersion:    deviceString(d.id, C.CL_DRIVER_VERSION),
		Extensions:       extensions,
		WarpSize:         warp,
		MaxWorkGroupSize: deviceSize(d.id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE),
	}
}

// Context wraps a cl_context bound to exactly one Device: each engine
// instance owns exactly one device for its lifetime.
type Context struct {
	device Device
	info   device.Info
	id     C.cl_context
}

// NewContext creates an OpenCL context for d.
func NewContext(d Device) (*Context, error) {
	var ret C.cl_int
	devID := d.id
	id := C.clCreateContext(nil, 1, &devID, nil, nil, &ret)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clCreateContext failed: %d", ret)
	}
	return &Context{device: d, info: d.Info(), id: id}, nil
}

// Release destroys the underlying cl_context.
func (c *Context) Release() { C.clReleaseContext(c.id) }

func (c *Context) Info() device.Info { return c.info }

func (c *Context) NewQueue(profiling bool) (device.Queue, error) {
	var ret C.cl_int
	var props C.cl_command_queue_properties
	if profiling {
		props = C.CL_QUEUE_PROFILING_ENABLE
	}
	id := C.clCreateCommandQueue(c.id, c.device.id, props, &ret)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clCreateCommandQueue failed: %d", ret)
	}
	return &Queue{id: id}, nil
}

func accessFlags(a device.AccessFlags) C.cl_mem_flags {
	switch {
	case a.CanRead() && a.CanWrite():
		return C.CL_MEM_READ_WRITE
	case a.CanRead():
		return C.CL_MEM_READ_ONLY
	default:
		return C.CL_MEM_WRITE_ONLY
	}
}

func (c *Context) NewBuffer(size int, access device.AccessFlags) (device.Buffer, error) {
	var ret C.cl_int
	id := C.clCreateBuffer(c.id, accessFlags(access), C.size_t(size), nil, &ret)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clCreateBuffer(%d) failed: %d", size, ret)
	}
	return &Buffer{id: id, size: size, access: access}, nil
}

// BuildProgram compiles source (already carrying any #define header) for
// this context's device, returning the build log regardless of outcome.
func (c *Context) BuildProgram(source, options string) (device.Program, []byte, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	length := C.size_t(len(source))

	var ret C.cl_int
	prog := C.clCreateProgramWithSource(c.id, 1, &csrc, &length, &ret)
	if ret != C.CL_SUCCESS {
		return nil, nil, fmt.Errorf("clopencl: clCreateProgramWithSource failed: %d", ret)
	}

	var copts *C.char
	if options != "" {
		copts = C.CString(options)
		defer C.free(unsafe.Pointer(copts))
	}
	devID := c.device.id
	buildRet := C.clBuildProgram(prog, 1, &devID, copts, nil, nil)
	log := c.buildLog(prog)
	if buildRet != C.CL_SUCCESS {
		C.clReleaseProgram(prog)
		return nil, log, fmt.Errorf("clopencl: build failed: %s", string(log))
	}
	return &Program{ctx: c, id: prog}, log, nil
}

func (c *Context) buildLog(prog C.cl_program) []byte {
	var size C.size_t
	C.clGetProgramBuildInfo(prog, c.device.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size)
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	C.clGetProgramBuildInfo(prog, c.device.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return buf
}

// ProgramFromBinary recreates a program from a cache-stored binary;
// callers fall back to BuildProgram when this returns an error (wrong
// device, incompatible driver revision).
func (c *Context) ProgramFromBinary(binary []byte) (device.Program, error) {
	if len(binary) == 0 {
		return nil, fmt.Errorf("clopencl: empty binary")
	}
	devID := c.device.id
	length := C.size_t(len(binary))
	cbin := (*C.uchar)(unsafe.Pointer(&binary[0]))
	var binStatus C.cl_int
	var ret C.cl_int
	prog := C.clCreateProgramWithBinary(c.id, 1, &devID, &length, &cbin, &binStatus, &ret)
	if ret != C.CL_SUCCESS || binStatus != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clCreateProgramWithBinary rejected cached binary: ret=%d status=%d", ret, binStatus)
	}
	if C.clBuildProgram(prog, 1, &devID, nil, nil, nil) != C.CL_SUCCESS {
		log := c.buildLog(prog)
		C.clReleaseProgram(prog)
		return nil, fmt.Errorf("clopencl: rebuild from binary failed: %s", string(log))
	}
	return &Program{ctx: c, id: prog}, nil
}

// Program wraps a built cl_program.
type Program struct {
	ctx *Context
	id  C.cl_program
}

func (p *Program) Binary() ([]byte, error) {
	var size C.size_t
	if C.clGetProgramInfo(p.id, C.CL_PROGRAM_BINARY_SIZES, C.size_t(unsafe.Sizeof(size)), unsafe.Pointer(&size), nil) != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clGetProgramInfo(BINARY_SIZES) failed")
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	ptr := (*C.uchar)(unsafe.Pointer(&buf[0]))
	if C.clGetProgramInfo(p.id, C.CL_PROGRAM_BINARIES, C.size_t(unsafe.Sizeof(ptr)), unsafe.Pointer(&ptr), nil) != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clGetProgramInfo(BINARIES) failed")
	}
	return buf, nil
}

func (p *Program) NewKernel(name string) (device.Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var ret C.cl_int
	id := C.clCreateKernel(p.id, cname, &ret)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clCreateKernel(%q) failed: %d", name, ret)
	}
	return &Kernel{id: id}, nil
}

// Kernel wraps a cl_kernel.
type Kernel struct{ id C.cl_kernel }

func (k *Kernel) SetArg(index int, arg any) error {
	var ret C.cl_int
	switch v := arg.(type) {
	case *Buffer:
		ret = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(v.id)), unsafe.Pointer(&v.id))
	case uint32:
		cv := C.cl_uint(v)
		ret = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case int32:
		cv := C.cl_int(v)
		ret = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case uint64:
		cv := C.cl_ulong(v)
		ret = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case int64:
		cv := C.cl_long(v)
		ret = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	default:
		return fmt.Errorf("clopencl: unsupported kernel argument type %T", arg)
	}
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clopencl: clSetKernelArg(%d) failed: %d", index, ret)
	}
	return nil
}

// Buffer wraps a cl_mem.
type Buffer struct {
	id     C.cl_mem
	size   int
	access device.AccessFlags
}

func (b *Buffer) Size() int                  { return b.size }
func (b *Buffer) Access() device.AccessFlags { return b.access }

// Event wraps a cl_event.
type Event struct{ id C.cl_event }

func (e *Event) Wait() error {
	id := e.id
	if C.clWaitForEvents(1, &id) != C.CL_SUCCESS {
		return fmt.Errorf("clopencl: clWaitForEvents failed")
	}
	return nil
}

func (e *Event) ProfilingNanos() (uint64, uint64, error) {
	var start, end C.cl_ulong
	if C.clGetEventProfilingInfo(e.id, C.CL_PROFILING_COMMAND_START, C.size_t(unsafe.Sizeof(start)), unsafe.Pointer(&start), nil) != C.CL_SUCCESS {
		return 0, 0, fmt.Errorf("clopencl: clGetEventProfilingInfo(START) failed")
	}
	if C.clGetEventProfilingInfo(e.id, C.CL_PROFILING_COMMAND_END, C.size_t(unsafe.Sizeof(end)), unsafe.Pointer(&end), nil) != C.CL_SUCCESS {
		return 0, 0, fmt.Errorf("clopencl: clGetEventProfilingInfo(END) failed")
	}
	return uint64(start), uint64(end), nil
}

// Queue wraps a cl_command_queue.
type Queue struct{ id C.cl_command_queue }

func waitList(wait []device.Event) (*C.cl_event, C.cl_uint, []C.cl_event) {
	if len(wait) == 0 {
		return nil, 0, nil
	}
	ids := make([]C.cl_event, len(wait))
	for i, e := range wait {
		ids[i] = e.(*Event).id
	}
	return &ids[0], C.cl_uint(len(ids)), ids
}

func (q *Queue) EnqueueKernel(ctx context.Context, k device.Kernel, global, local int, wait []device.Event) (device.Event, error) {
	fk := k.(*Kernel)
	waitPtr, waitN, _ := waitList(wait)
	var out C.cl_event
	g := C.size_t(global)
	l := C.size_t(local)
	ret := C.clEnqueueNDRangeKernel(q.id, fk.id, 1, nil, &g, &l, waitN, waitPtr, &out)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clEnqueueNDRangeKernel failed: %d", ret)
	}
	return &Event{id: out}, nil
}

func (q *Queue) EnqueueReadBuffer(ctx context.Context, buf device.Buffer, offset, size int, dst []byte, blocking bool, wait []device.Event) (device.Event, error) {
	fb := buf.(*Buffer)
	waitPtr, waitN, _ := waitList(wait)
	var out C.cl_event
	blk := C.cl_bool(C.CL_FALSE)
	if blocking {
		blk = C.CL_TRUE
	}
	var ptr unsafe.Pointer
	if size > 0 {
		ptr = unsafe.Pointer(&dst[0])
	}
	ret := C.clEnqueueReadBuffer(q.id, fb.id, blk, C.size_t(offset), C.size_t(size), ptr, waitN, waitPtr, &out)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clEnqueueReadBuffer failed: %d", ret)
	}
	return &Event{id: out}, nil
}

func (q *Queue) EnqueueWriteBuffer(ctx context.Context, buf device.Buffer, offset, size int, src []byte, blocking bool, wait []device.Event) (device.Event, error) {
	fb := buf.(*Buffer)
	waitPtr, waitN, _ := waitList(wait)
	var out C.cl_event
	blk := C.cl_bool(C.CL_FALSE)
	if blocking {
		blk = C.CL_TRUE
	}
	var ptr unsafe.Pointer
	if size > 0 {
		ptr = unsafe.Pointer(&src[0])
	}
	ret := C.clEnqueueWriteBuffer(q.id, fb.id, blk, C.size_t(offset), C.size_t(size), ptr, waitN, waitPtr, &out)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clEnqueueWriteBuffer failed: %d", ret)
	}
	return &Event{id: out}, nil
}

func (q *Queue) EnqueueCopyBuffer(ctx context.Context, src, dst device.Buffer, srcOffset, dstOffset, size int, wait []device.Event) (device.Event, error) {
	fs := src.(*Buffer)
	fd := dst.(*Buffer)
	waitPtr, waitN, _ := waitList(wait)
	var out C.cl_event
	ret := C.clEnqueueCopyBuffer(q.id, fs.id, fd.id, C.size_t(srcOffset), C.size_t(dstOffset), C.size_t(size), waitN, waitPtr, &out)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clopencl: clEnqueueCopyBuffer failed: %d", ret)
	}
	return &Event{id: out}, nil
}
