// Package clogs is the façade layer over the scan, reduce and
// radix-sort engines: each of Scan, Reduce and Radixsort wraps one
// heap-owned internal engine behind a small value type, opening the
// shared parameter cache and running the autotuner on first use for a
// given (device, problem) pair it has not seen before.
package clogs

import (
	"context"

	"github.com/clogs-go/clogs/pkg/cltype"
	"github.com/clogs-go/clogs/pkg/device"
	"github.com/clogs-go/clogs/pkg/paramcache"
	"github.com/clogs-go/clogs/pkg/radixsort"
	"github.com/clogs-go/clogs/pkg/reduce"
	"github.com/clogs-go/clogs/pkg/scan"
	"github.com/clogs-go/clogs/pkg/tuner"
)

// DefaultPolicy enables autotuning at Normal verbosity. The New*
// constructors do not apply it on their own: pass it as their policy
// argument to get this behavior.
var DefaultPolicy = tuner.Policy{Enabled: true, Verbosity: tuner.Normal}

func sharedScanTable() (*paramcache.Table[paramcache.ScanKey, paramcache.ScanRecord], error) {
	db, err := paramcache.Shared()
	if err != nil {
		return nil, err
	}
	return paramcache.OpenScanTable(db), nil
}

func sharedReduceTable() (*paramcache.Table[paramcache.ReduceKey, paramcache.ReduceRecord], error) {
	db, err := paramcache.Shared()
	if err != nil {
		return nil, err
	}
	return paramcache.OpenReduceTable(db), nil
}

func sharedRadixSortTable() (*paramcache.Table[paramcache.RadixSortKey, paramcache.RadixSortRecord], error) {
	db, err := paramcache.Shared()
	if err != nil {
		return nil, err
	}
	return paramcache.OpenRadixSortTable(db), nil
}

// Scan wraps one constructed scan engine for a single element type.
type Scan struct{ engine *scan.Scan }

// NewScan builds a Scan engine for elementType against devCtx, using the
// shared on-disk parameter cache and policy to decide whether an
// uncached (device, type) pair may be autotuned.
func NewScan(ctx context.Context, devCtx device.Context, elementType cltype.Type, policy tuner.Policy) (Scan, error) {
	table, err := sharedScanTable()
	if err != nil {
		return Scan{}, err
	}
	engine, err := scan.New(ctx, devCtx, scan.Problem{ElementType: elementType}, table, policy)
	if err != nil {
		return Scan{}, err
	}
	return Scan{engine: engine}, nil
}

// SetEventCallback registers fn to receive every intermediate device
// event a subsequent Enqueue* call produces.
func (s Scan) SetEventCallback(fn func(device.Event)) { s.engine.SetEventCallback(fn) }

// Enqueue computes the zero-seeded exclusive scan of in[inOffset:inOffset+n]
// into out[outOffset:outOffset+n].
func (s Scan) Enqueue(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, wait []device.Event) (device.Event, error) {
	return s.engine.Enqueue(ctx, q, in, inOffset, n, out, outOffset, wait)
}

// EnqueueWithScalarOffset seeds the scan from a host-known scalar value.
func (s Scan) EnqueueWithScalarOffset(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, offset uint64, wait []device.Event) (device.Event, error) {
	return s.engine.EnqueueWithScalarOffset(ctx, q, in, inOffset, n, out, outOffset, offset, wait)
}

// EnqueueWithBufferOffset seeds the scan from a device-resident offset
// slot, read on-device before any dependent write.
func (s Scan) EnqueueWithBufferOffset(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, offsetBuf device.Buffer, offsetIndex int, wait []device.Event) (device.Event, error) {
	return s.engine.EnqueueWithBufferOffset(ctx, q, in, inOffset, n, out, outOffset, offsetBuf, offsetIndex, wait)
}

// Reduce wraps one constructed reduce engine for a single element type.
type Reduce struct{ engine *reduce.Reduce }

// NewReduce builds a Reduce engine for elementType against devCtx.
func NewReduce(ctx context.Context, devCtx device.Context, elementType cltype.Type, policy tuner.Policy) (Reduce, error) {
	table, err := sharedReduceTable()
	if err != nil {
		return Reduce{}, err
	}
	engine, err := reduce.New(ctx, devCtx, reduce.Problem{ElementType: elementType}, table, policy)
	if err != nil {
		return Reduce{}, err
	}
	return Reduce{engine: engine}, nil
}

// SetEventCallback registers fn to receive every intermediate device
// event a subsequent Enqueue* call produces.
func (r Reduce) SetEventCallback(fn func(device.Event)) { r.engine.SetEventCallback(fn) }

// EnqueueDeviceToDevice reduces in[inOffset:inOffset+n] and writes the
// single-element result into out at outPosition.
func (r Reduce) EnqueueDeviceToDevice(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outPosition int, wait []device.Event) (device.Event, error) {
	return r.engine.EnqueueDeviceToDevice(ctx, q, in, inOffset, n, out, outPosition, wait)
}

// EnqueueDeviceToHost reduces in[inOffset:inOffset+n] and copies the
// single-element result into dst on the host.
func (r Reduce) EnqueueDeviceToHost(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, dst []byte, blocking bool, wait []device.Event) (device.Event, error) {
	return r.engine.EnqueueDeviceToHost(ctx, q, in, inOffset, n, dst, blocking, wait)
}

// Radixsort wraps one constructed radix-sort engine for a single key/value
// type pair.
type Radixsort struct{ engine *radixsort.RadixSort }

// NewRadixsort builds a Radixsort engine for the given key/value types.
// valueType may be cltype.VoidType for a keys-only sort.
func NewRadixsort(ctx context.Context, devCtx device.Context, keyType, valueType cltype.Type, policy tuner.Policy) (Radixsort, error) {
	table, err := sharedRadixSortTable()
	if err != nil {
		return Radixsort{}, err
	}
	engine, err := radixsort.New(ctx, devCtx, radixsort.Problem{KeyType: keyType, ValueType: valueType}, table, policy)
	if err != nil {
		return Radixsort{}, err
	}
	return Radixsort{engine: engine}, nil
}

// SetEventCallback registers fn to receive every intermediate device
// event a subsequent Enqueue call produces.
func (r Radixsort) SetEventCallback(fn func(device.Event)) { r.engine.SetEventCallback(fn) }

// SetTemporaryBuffers assigns the ping-pong scratch buffers reused across
// Enqueue calls; either may be nil to fall back to one-shot allocation.
func (r Radixsort) SetTemporaryBuffers(keys, values device.Buffer) { r.engine.SetTemporaryBuffers(keys, values) }

// Enqueue sorts keys[0:n) (and, if values is non-nil, its paired values)
// in place by the low maxBits of the key. maxBits=0 sorts by the full key
// width.
func (r Radixsort) Enqueue(ctx context.Context, q device.Queue, keys, values device.Buffer, n, maxBits int, wait []device.Event) (device.Event, error) {
	return r.engine.Enqueue(ctx, q, keys, values, n, maxBits, wait)
}
