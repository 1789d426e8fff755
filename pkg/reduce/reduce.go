// Package reduce implements the reduce engine: a two-kernel
// device-side sum reduction over a buffer of N elements of a fixed type,
// with device->device and device->host result forms.
package reduce

import (
	"context"
	"embed"

	"github.com/clogs-go/clogs/internal/clerr"
	"github.com/clogs-go/clogs/pkg/cltype"
	"github.com/clogs-go/clogs/pkg/device"
	"github.com/clogs-go/clogs/pkg/paramcache"
	"github.com/clogs-go/clogs/pkg/progcache"
	"github.com/clogs-go/clogs/pkg/tuner"
)

//go:embed kernels/reduce.cl
var kernelFS embed.FS

type source struct{}

func (source) Source(fragment string) (string, error) {
	data, err := kernelFS.ReadFile("kernels/" + fragment)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Problem names the element type a Reduce engine is built for. The type
// must be integral, storable and computable on the target device, the
// same validation the scan engine applies.
type Problem struct {
	ElementType cltype.Type
}

func (p Problem) validate(info device.Info) error {
	if !p.ElementType.Base.IsIntegral() {
		return clerr.InvalidArgument("reduce: element type %s is not integral", p.ElementType)
	}
	if !p.ElementType.IsStorable(info) {
		return clerr.InvalidArgument("reduce: element type %s is not storable on this device", p.ElementType)
	}
	if !p.ElementType.IsComputable(info) {
		return clerr.InvalidArgument("reduce: element type %s is not computable on this device", p.ElementType)
	}
	return nil
}

// Reduce is one constructed engine instance: owns its compiled program,
// kernel handles, and the internal intermediate-sums buffer sized from its
// record's ReduceBlocks (a fixed default, not tuned), for its entire
// lifetime.
type Reduce struct {
	ctx     device.Context
	problem Problem
	record  paramcache.ReduceRecord

	blockKernel device.Kernel
	finalKernel device.Kernel
	sums        device.Buffer

	callback func(device.Event)
}

// Table is the subset of *paramcache.Table[ReduceKey, ReduceRecord] Reduce
// needs, so callers can substitute a stub in tests.
type Table interface {
	Lookup(key paramcache.ReduceKey) (paramcache.ReduceRecord, error)
	Store(key paramcache.ReduceKey, value paramcache.ReduceRecord) error
}

// New constructs a Reduce engine: looks up a tuned parameter record in
// cache, falling back to a funnel tune over candidate workgroup sizes when
// absent and policy.Enabled.
func New(ctx context.Context, devCtx device.Context, problem Problem, cache Table, policy tuner.Policy) (*Reduce, error) {
	info := devCtx.Info()
	if err := problem.validate(info); err != nil {
		return nil, err
	}

	// Same-width signed and unsigned types share one cache row.
	keyType := problem.ElementType
	switch keyType.Base {
	case cltype.I8:
		keyType.Base = cltype.U8
	case cltype.I16:
		keyType.Base = cltype.U16
	case cltype.I32:
		keyType.Base = cltype.U32
	case cltype.I64:
		keyType.Base = cltype.U64
	}
	key := paramcache.ReduceKey{
		DeviceKey:   paramcache.NewDeviceKey(info.Fingerprint()),
		ElementType: keyType.Name(),
	}

	record, err := lookupOrTune(ctx, devCtx, problem, key, cache, policy)
	if err != nil {
		return nil, err
	}

	prog, err := buildProgram(devCtx, problem, record, record.ProgramBinary, false)
	if err != nil {
		return nil, err
	}

	blockKernel, err := prog.Program.NewKernel("reduce_blocks")
	if err != nil {
		return nil, clerr.Internal("reduce: resolving reduce_blocks kernel: %v", err)
	}
	finalKernel, err := prog.Program.NewKernel("reduce_final")
	if err != nil {
		return nil, clerr.Internal("reduce: resolving reduce_final kernel: %v", err)
	}

	sums, err := devCtx.NewBuffer(record.ReduceBlocks*problem.ElementType.Size(), device.ReadWrite)
	if err != nil {
		return nil, clerr.Internal("reduce: allocating sums buffer: %v", err)
	}

	return &Reduce{
		ctx: devCtx, problem: problem, record: record,
		blockKernel: blockKernel, finalKernel: finalKernel, sums: sums,
	}, nil
}

func lookupOrTune(ctx context.Context, devCtx device.Context, problem Problem, key paramcache.ReduceKey, cache Table, policy tuner.Policy) (paramcache.ReduceRecord, error) {
	if cache != nil {
		record, err := cache.Lookup(key)
		if err == nil {
			return record, nil
		}
	}
	if !policy.Enabled {
		return paramcache.ReduceRecord{}, clerr.Cache("reduce: no cached parameters for %s and tuning is disabled", problem.ElementType)
	}

	result, err := tuneReduce(ctx, devCtx, problem, policy)
	if err != nil {
		return paramcache.ReduceRecord{}, err
	}
	if cache != nil {
		if storeErr := cache.Store(key, result); storeErr != nil {
			return paramcache.ReduceRecord{}, clerr.Promote(storeErr)
		}
	}
	return result, nil
}

// candidateWGs are the power-of-two reduce workgroup sizes the funnel
// tries.
var candidateWGs = []int{32, 64, 128, 256, 512}

const defaultReduceBlocks = 64

func tuneReduce(ctx context.Context, devCtx device.Context, problem Problem, policy tuner.Policy) (paramcache.ReduceRecord, error) {
	sizes := []int64{1024, 1 << 20}
	timeFn := func(ctx context.Context, wg int, size int64) (tuner.Score, error) {
		return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
			return probeReduce(ctx, devCtx, q, problem, wg, defaultReduceBlocks, int(n))
		})
	}

	report := policy.ReporterFor("reduce:" + problem.ElementType.Name())
	idx, err := tuner.Funnel(ctx, candidateWGs, sizes, tuner.DefaultRatio, timeFn, report)
	if err != nil {
		return paramcache.ReduceRecord{}, err
	}
	wg := candidateWGs[idx]

	info := devCtx.Info()
	binary, err := compileBinary(devCtx, problem, wg)
	if err != nil {
		return paramcache.ReduceRecord{}, err
	}

	return paramcache.ReduceRecord{
		WarpSizeMem:      max(1, info.WarpSize),
		WarpSizeSchedule: max(1, info.WarpSize),
		ReduceWG:         wg,
		ReduceBlocks:     defaultReduceBlocks,
		ProgramBinary:    binary,
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func probeReduce(ctx context.Context, devCtx device.Context, q device.Queue, problem Problem, wg, blocks, n int) (device.Event, error) {
	record := paramcache.ReduceRecord{ReduceWG: wg, ReduceBlocks: blocks}
	prog, err := buildProgram(devCtx, problem, record, nil, true)
	if err != nil {
		return nil, err
	}
	blockKernel, err := prog.Program.NewKernel("reduce_blocks")
	if err != nil {
		return nil, err
	}
	finalKernel, err := prog.Program.NewKernel("reduce_final")
	if err != nil {
		return nil, err
	}
	in, err := devCtx.NewBuffer(n*problem.ElementType.Size(), device.Read)
	if err != nil {
		return nil, err
	}
	out, err := devCtx.NewBuffer(problem.ElementType.Size(), device.Write)
	if err != nil {
		return nil, err
	}
	sums, err := devCtx.NewBuffer(blocks*problem.ElementType.Size(), device.ReadWrite)
	if err != nil {
		return nil, err
	}
	tile, l, b := decompose(wg, 1, blocks, n)
	_ = tile
	return enqueueReduce(ctx, q, blockKernel, finalKernel, in, 0, n, out, 0, sums, wg, l, b, nil, func(ev device.Event) device.Event { return ev })
}

func compileBinary(devCtx device.Context, problem Problem, wg int) ([]byte, error) {
	result, err := buildProgram(devCtx, problem, paramcache.ReduceRecord{ReduceWG: wg, ReduceBlocks: defaultReduceBlocks}, nil, true)
	if err != nil {
		return nil, err
	}
	return result.Binary, nil
}

func buildProgram(devCtx device.Context, problem Problem, record paramcache.ReduceRecord, cachedBinary []byte, forceSource bool) (*progcache.Result, error) {
	req := progcache.Request{
		Fragment: "reduce.cl",
		Provider: source{},
		IntDefines: map[string]int64{
			"REDUCE_WG": int64(record.ReduceWG),
		},
		StringDefines: map[string]string{
			"T": problem.ElementType.Name(),
		},
		CachedBinary: cachedBinary,
		AllowSource:  true,
		ForceSource:  forceSource,
	}
	return progcache.Build(devCtx, req)
}

// decompose implements the block-partitioning formulas shared with the
// scan engine, specialized to reduce's single tunable workgroup size:
// tile_size = reduce_wg, L = ceil(N/(tile*blocks))*tile, B = ceil(N/L).
func decompose(reduceWG, workScale, scanBlocks, n int) (tile, l, b int) {
	tile = reduceWG * workScale
	if tile < 1 {
		tile = 1
	}
	l = ceilDiv(n, tile*scanBlocks) * tile
	if l < tile {
		l = tile
	}
	b = ceilDiv(n, l)
	if b < 1 {
		b = 1
	}
	if b > scanBlocks {
		b = scanBlocks
	}
	return
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func enqueueReduce(ctx context.Context, q device.Queue, blockKernel, finalKernel device.Kernel,
	in device.Buffer, inOffset, n int, out device.Buffer, outPosition int, sums device.Buffer,
	wg, l, b int, wait []device.Event, deliver func(device.Event) device.Event) (device.Event, error) {

	if err := blockKernel.SetArg(0, in); err != nil {
		return nil, err
	}
	if err := blockKernel.SetArg(1, uint32(inOffset)); err != nil {
		return nil, err
	}
	if err := blockKernel.SetArg(2, uint32(n)); err != nil {
		return nil, err
	}
	if err := blockKernel.SetArg(3, uint32(l)); err != nil {
		return nil, err
	}
	if err := blockKernel.SetArg(4, sums); err != nil {
		return nil, err
	}

	blockEvent, err := q.EnqueueKernel(ctx, blockKernel, b*wg, wg, wait)
	if err != nil {
		return nil, err
	}
	deliver(blockEvent)

	if err := finalKernel.SetArg(0, sums); err != nil {
		return nil, err
	}
	if err := finalKernel.SetArg(1, uint32(b)); err != nil {
		return nil, err
	}
	if err := finalKernel.SetArg(2, out); err != nil {
		return nil, err
	}
	if err := finalKernel.SetArg(3, uint32(outPosition)); err != nil {
		return nil, err
	}

	finalEvent, err := q.EnqueueKernel(ctx, finalKernel, wg, wg, []device.Event{blockEvent})
	if err != nil {
		return nil, err
	}
	return finalEvent, nil
}

func (r *Reduce) deliver(ev device.Event) device.Event {
	if r.callback != nil && ev != nil {
		r.callback(ev)
	}
	return ev
}

// SetEventCallback registers fn to be invoked once per intermediate event
// produced by a subsequent Enqueue call.
func (r *Reduce) SetEventCallback(fn func(device.Event)) { r.callback = fn }

func (r *Reduce) validateRange(buf device.Buffer, offset, n int, needRead, needWrite bool) error {
	if n <= 0 {
		return clerr.InvalidArgument("reduce: element count must be positive, got %d", n)
	}
	if needRead && !buf.Access().CanRead() {
		return clerr.InvalidArgument("reduce: buffer lacks read access")
	}
	if needWrite && !buf.Access().CanWrite() {
		return clerr.InvalidArgument("reduce: buffer lacks write access")
	}
	elemSize := r.problem.ElementType.Size()
	if (offset+n)*elemSize > buf.Size() {
		return clerr.InvalidArgument("reduce: range [%d,%d) exceeds buffer of size %d", offset, offset+n, buf.Size())
	}
	return nil
}

// EnqueueDeviceToDevice reduces in[inOffset:inOffset+n] into
// out[outPosition], both device-resident. The returned event fires when
// the result is ready.
func (r *Reduce) EnqueueDeviceToDevice(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outPosition int, wait []device.Event) (device.Event, error) {
	if err := r.validateRange(in, inOffset, n, true, false); err != nil {
		return nil, err
	}
	elemSize := r.problem.ElementType.Size()
	if (outPosition+1)*elemSize > out.Size() {
		return nil, clerr.InvalidArgument("reduce: output position %d exceeds buffer of size %d", outPosition, out.Size())
	}
	if !out.Access().CanWrite() {
		return nil, clerr.InvalidArgument("reduce: output buffer lacks write access")
	}

	_, l, b := decompose(r.record.ReduceWG, 1, r.record.ReduceBlocks, n)
	ev, err := enqueueReduce(ctx, q, r.blockKernel, r.finalKernel, in, inOffset, n, out, outPosition, r.sums, r.record.ReduceWG, l, b, wait, r.deliver)
	if err != nil {
		return nil, err
	}
	return r.deliver(ev), nil
}

// EnqueueDeviceToHost reduces in[inOffset:inOffset+n] and copies the
// result into dst (which must be at least one element wide). When
// blocking is true the call does not return until the host copy
// completes.
func (r *Reduce) EnqueueDeviceToHost(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, dst []byte, blocking bool, wait []device.Event) (device.Event, error) {
	if dst == nil {
		return nil, clerr.InvalidArgument("reduce: nil host destination")
	}
	elemSize := r.problem.ElementType.Size()
	if len(dst) < elemSize {
		return nil, clerr.InvalidArgument("reduce: host destination shorter than one element")
	}
	if err := r.validateRange(in, inOffset, n, true, false); err != nil {
		return nil, err
	}

	scratch, err := r.ctx.NewBuffer(elemSize, device.ReadWrite)
	if err != nil {
		return nil, clerr.Internal("reduce: allocating result scratch buffer: %v", err)
	}

	_, l, b := decompose(r.record.ReduceWG, 1, r.record.ReduceBlocks, n)
	deviceEvent, err := enqueueReduce(ctx, q, r.blockKernel, r.finalKernel, in, inOffset, n, scratch, 0, r.sums, r.record.ReduceWG, l, b, wait, r.deliver)
	if err != nil {
		return nil, err
	}
	r.deliver(deviceEvent)

	readEvent, err := q.EnqueueReadBuffer(ctx, scratch, 0, elemSize, dst[:elemSize], blocking, []device.Event{deviceEvent})
	if err != nil {
		return nil, err
	}
	return r.deliver(readEvent), nil
}
