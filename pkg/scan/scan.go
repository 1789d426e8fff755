// Package scan implements the scan engine: a three-kernel exclusive
// prefix sum (reduce -> scan-small -> scan) over a buffer of N elements,
// with an optional scalar or device-buffer seed offset.
package scan

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

//go:embed kernels/scan.cl
var kernelFS embed.FS

type source struct{}

func (source) Source(fragment string) (string, error) {
	data, err := kernelFS.ReadFile("kernels/" + fragment)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Problem names the element type a Scan engine is built for. Type must be
// integral, storable and computable; float/double are explicitly rejected.
type Problem struct {
	ElementType cltype.Type
}

func (p Problem) validate(info device.Info) error {
	if !p.ElementType.Base.IsIntegral() {
		return clerr.InvalidArgument("scan: element type %s is not integral", p.ElementType)
	}
	if !p.ElementType.IsStorable(info) {
		return clerr.InvalidArgument("scan: element type %s is not storable on this device", p.ElementType)
	}
	if !p.ElementType.IsComputable(info) {
		return clerr.InvalidArgument("scan: element type %s is not computable on this device", p.ElementType)
	}
	return nil
}

// Table is the subset of *paramcache.Table[ScanKey, ScanRecord] Scan needs.
type Table interface {
	Lookup(key paramcache.ScanKey) (paramcache.ScanRecord, error)
	Store(key paramcache.ScanKey, value paramcache.ScanRecord) error
}

// Scan is one constructed engine instance.
type Scan struct {
	ctx     device.Context
	problem Problem
	record  paramcache.ScanRecord

	reduceKernel   device.Kernel
	scanSmallKern  device.Kernel
	scanFinalKern  device.Kernel
	sums           device.Buffer

	callback func(device.Event)
}

// New constructs a Scan engine per the cache-lookup-or-tune flow.
func New(ctx context.Context, devCtx device.Context, problem Problem, cache Table, policy tuner.Policy) (*Scan, error) {
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
	key := paramcache.ScanKey{
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

	reduceKernel, err := prog.Program.NewKernel("scan_reduce")
	if err != nil {
		return nil, clerr.Internal("scan: resolving scan_reduce kernel: %v", err)
	}
	scanSmallKern, err := prog.Program.NewKernel("scan_small")
	if err != nil {
		return nil, clerr.Internal("scan: resolving scan_small kernel: %v", err)
	}
	scanFinalKern, err := prog.Program.NewKernel("scan_final")
	if err != nil {
		return nil, clerr.Internal("scan: resolving scan_final kernel: %v", err)
	}

	sums, err := devCtx.NewBuffer(record.ScanBlocks*problem.ElementType.Size(), device.ReadWrite)
	if err != nil {
		return nil, clerr.Internal("scan: allocating sums buffer: %v", err)
	}

	return &Scan{
		ctx: devCtx, problem: problem, record: record,
		reduceKernel: reduceKernel, scanSmallKern: scanSmallKern, scanFinalKern: scanFinalKern,
		sums: sums,
	}, nil
}

func lookupOrTune(ctx context.Context, devCtx device.Context, problem Problem, key paramcache.ScanKey, cache Table, policy tuner.Policy) (paramcache.ScanRecord, error) {
	if cache != nil {
		record, err := cache.Lookup(key)
		if err == nil {
			return record, nil
		}
	}
	if !policy.Enabled {
		return paramcache.ScanRecord{}, clerr.Cache("scan: no cached parameters for %s and tuning is disabled", problem.ElementType)
	}

	result, err := tuneScan(ctx, devCtx, problem, policy)
	if err != nil {
		return paramcache.ScanRecord{}, err
	}
	if cache != nil {
		if storeErr := cache.Store(key, result); storeErr != nil {
			return paramcache.ScanRecord{}, clerr.Promote(storeErr)
		}
	}
	return result, nil
}

var reduceWGCandidates = []int{32, 64, 128, 256}
var scanWGCandidates = []int{32, 64, 128, 256}
var workScaleCandidates = []int{1, 2, 4}
var scanBlocksCandidates = []int{16, 32, 64, 128}

type scanCandidate struct {
	wg        int
	workScale int
}

func tuneScan(ctx context.Context, devCtx device.Context, problem Problem, policy tuner.Policy) (paramcache.ScanRecord, error) {
	sizes := []int64{1024, 1 << 18}
	info := devCtx.Info()

	plan := tuner.ThreeFunnelPlan[scanCandidate]{
		Name:        "scan:" + problem.ElementType.Name(),
		ReduceWGCandidates: reduceWGCandidates,
		ReduceSizes:        sizes,
		TimeReduceWG: func(ctx context.Context, wg int, size int64) (tuner.Score, error) {
			return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
				return probeScan(ctx, devCtx, q, problem, scanParams{reduceWG: wg, scanWG: 64, workScale: 1, scanBlocks: defaultScanBlocks}, int(n))
			})
		},
		ScanCandidates: func(reduceWG int) []scanCandidate {
			var cs []scanCandidate
			for _, wg := range scanWGCandidates {
				for _, ws := range workScaleCandidates {
					cs = append(cs, scanCandidate{wg: wg, workScale: ws})
				}
			}
			return cs
		},
		ScanSizes: sizes,
		TimeScan: func(ctx context.Context, candidate scanCandidate, reduceWG int, size int64) (tuner.Score, error) {
			return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
				return probeScan(ctx, devCtx, q, problem, scanParams{reduceWG: reduceWG, scanWG: candidate.wg, workScale: candidate.workScale, scanBlocks: defaultScanBlocks}, int(n))
			})
		},
		ScanBlocksCandidates: scanBlocksCandidates,
		ScanBlocksSizes:      sizes,
		TimeScanBlocks: func(ctx context.Context, blocks int, reduceWG int, scan scanCandidate, size int64) (tuner.Score, error) {
			return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
				return probeScan(ctx, devCtx, q, problem, scanParams{reduceWG: reduceWG, scanWG: scan.wg, workScale: scan.workScale, scanBlocks: blocks}, int(n))
			})
		},
		Finalize: func(ctx context.Context, reduceWG int, scan scanCandidate, scanBlocks int) ([]byte, error) {
			return compileBinary(devCtx, problem, scanParams{reduceWG: reduceWG, scanWG: scan.wg, workScale: scan.workScale, scanBlocks: scanBlocks})
		},
	}

	result, err := tuner.RunThreeFunnels(ctx, plan, tuner.DefaultRatio, policy.ReporterFor(plan.Name))
	if err != nil {
		return paramcache.ScanRecord{}, err
	}

	return paramcache.ScanRecord{
		WarpSizeMem:      max(1, info.WarpSize),
		WarpSizeSchedule: max(1, info.WarpSize),
		ReduceWG:         result.ReduceWG,
		ScanWG:           result.Scan.wg,
		ScanWorkScale:    result.Scan.workScale,
		ScanBlocks:       result.ScanBlocks,
		ProgramBinary:    result.ProgramBinary,
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

const defaultScanBlocks = 32

type scanParams struct {
	reduceWG, scanWG, workScale, scanBlocks int
}

func probeScan(ctx context.Context, devCtx device.Context, q device.Queue, problem Problem, p scanParams, n int) (device.Event, error) {
	record := paramcache.ScanRecord{ReduceWG: p.reduceWG, ScanWG: p.scanWG, ScanWorkScale: p.workScale, ScanBlocks: p.scanBlocks}
	prog, err := buildProgram(devCtx, problem, record, nil, true)
	if err != nil {
		return nil, err
	}
	reduceKernel, err := prog.Program.NewKernel("scan_reduce")
	if err != nil {
		return nil, err
	}
	scanSmallKern, err := prog.Program.NewKernel("scan_small")
	if err != nil {
		return nil, err
	}
	scanFinalKern, err := prog.Program.NewKernel("scan_final")
	if err != nil {
		return nil, err
	}
	elemSize := problem.ElementType.Size()
	in, err := devCtx.NewBuffer(n*elemSize, device.Read)
	if err != nil {
		return nil, err
	}
	out, err := devCtx.NewBuffer(n*elemSize, device.Write)
	if err != nil {
		return nil, err
	}
	sums, err := devCtx.NewBuffer(p.scanBlocks*elemSize, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	_, l, b := decompose(p.reduceWG, p.workScale, p.scanWG, p.scanBlocks, n)
	return enqueueScan(ctx, q, reduceKernel, scanSmallKern, scanFinalKern, in, 0, n, out, 0, sums, nil, 0, false, p, l, b, nil, func(ev device.Event) device.Event { return ev })
}

func compileBinary(devCtx device.Context, problem Problem, p scanParams) ([]byte, error) {
	result, err := buildProgram(devCtx, problem, paramcache.ScanRecord{ReduceWG: p.reduceWG, ScanWG: p.scanWG, ScanWorkScale: p.workScale, ScanBlocks: p.scanBlocks}, nil, true)
	if err != nil {
		return nil, err
	}
	return result.Binary, nil
}

func buildProgram(devCtx device.Context, problem Problem, record paramcache.ScanRecord, cachedBinary []byte, forceSource bool) (*progcache.Result, error) {
	req := progcache.Request{
		Fragment: "scan.cl",
		Provider: source{},
		IntDefines: map[string]int64{
			"REDUCE_WG":       int64(record.ReduceWG),
			"SCAN_WG":         int64(record.ScanWG),
			"SCAN_WORK_SCALE": int64(record.ScanWorkScale),
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

// decompose derives the work decomposition: tile_size =
// max(reduce_wg, scan_work_scale*scan_wg); L = ceil(N/(tile*scan_blocks))
// *tile; B = ceil(N/L); clamped so 1 <= B <= scan_blocks.
func decompose(reduceWG, workScale, scanWG, scanBlocks, n int) (tile, l, b int) {
	tile = reduceWG
	if ws := workScale * scanWG; ws > tile {
		tile = ws
	}
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

// enqueueScan threads the reduce -> scan-small -> scan kernel chain: reduce
// (if B>1) waits on user events; scan-small waits on reduce or user
// events; scan waits on scan-small.
func enqueueScan(ctx context.Context, q device.Queue,
	reduceKernel, scanSmallKern, scanFinalKern device.Kernel,
	in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, sums device.Buffer,
	offsetBuf device.Buffer, offsetIndex int, hasOffset bool,
	p scanParams, l, b int, wait []device.Event, deliver func(device.Event) device.Event) (device.Event, error) {

	seedEvents := wait
	if b > 1 {
		if err := reduceKernel.SetArg(0, in); err != nil {
			return nil, err
		}
		if err := reduceKernel.SetArg(1, uint32(inOffset)); err != nil {
			return nil, err
		}
		if err := reduceKernel.SetArg(2, uint32(n)); err != nil {
			return nil, err
		}
		if err := reduceKernel.SetArg(3, uint32(l)); err != nil {
			return nil, err
		}
		if err := reduceKernel.SetArg(4, sums); err != nil {
			return nil, err
		}
		reduceEvent, err := q.EnqueueKernel(ctx, reduceKernel, b*p.reduceWG, p.reduceWG, wait)
		if err != nil {
			return nil, err
		}
		deliver(reduceEvent)
		seedEvents = []device.Event{reduceEvent}
	}

	var offsetArg device.Buffer = offsetBuf
	hasOffsetFlag := uint32(0)
	if hasOffset {
		hasOffsetFlag = 1
	}
	if offsetArg == nil {
		offsetArg = sums // dummy non-nil buffer; kernel ignores it when hasOffsetFlag==0
	}
	if err := scanSmallKern.SetArg(0, sums); err != nil {
		return nil, err
	}
	if err := scanSmallKern.SetArg(1, uint32(b)); err != nil {
		return nil, err
	}
	if err := scanSmallKern.SetArg(2, offsetArg); err != nil {
		return nil, err
	}
	if err := scanSmallKern.SetArg(3, uint32(offsetIndex)); err != nil {
		return nil, err
	}
	if err := scanSmallKern.SetArg(4, hasOffsetFlag); err != nil {
		return nil, err
	}
	smallEvent, err := q.EnqueueKernel(ctx, scanSmallKern, p.scanWG, p.scanWG, seedEvents)
	if err != nil {
		return nil, err
	}
	deliver(smallEvent)

	if err := scanFinalKern.SetArg(0, in); err != nil {
		return nil, err
	}
	if err := scanFinalKern.SetArg(1, uint32(inOffset)); err != nil {
		return nil, err
	}
	if err := scanFinalKern.SetArg(2, uint32(n)); err != nil {
		return nil, err
	}
	if err := scanFinalKern.SetArg(3, uint32(l)); err != nil {
		return nil, err
	}
	if err := scanFinalKern.SetArg(4, sums); err != nil {
		return nil, err
	}
	if err := scanFinalKern.SetArg(5, out); err != nil {
		return nil, err
	}
	if err := scanFinalKern.SetArg(6, uint32(outOffset)); err != nil {
		return nil, err
	}
	finalEvent, err := q.EnqueueKernel(ctx, scanFinalKern, b*p.scanWG, p.scanWG, []device.Event{smallEvent})
	if err != nil {
		return nil, err
	}
	return finalEvent, nil
}

func (s *Scan) deliver(ev device.Event) device.Event {
	if s.callback != nil && ev != nil {
		s.callback(ev)
	}
	return ev
}

// SetEventCallback registers fn to receive each intermediate event of a
// subsequent Enqueue call.
func (s *Scan) SetEventCallback(fn func(device.Event)) { s.callback = fn }

func (s *Scan) validateBuffer(buf device.Buffer, offset, n int, needRead, needWrite bool) error {
	if needRead && !buf.Access().CanRead() {
		return clerr.InvalidArgument("scan: buffer lacks read access")
	}
	if needWrite && !buf.Access().CanWrite() {
		return clerr.InvalidArgument("scan: buffer lacks write access")
	}
	elemSize := s.problem.ElementType.Size()
	if (offset+n)*elemSize > buf.Size() {
		return clerr.InvalidArgument("scan: range [%d,%d) exceeds buffer of size %d", offset, offset+n, buf.Size())
	}
	return nil
}

// Enqueue computes the exclusive scan of in[inOffset:inOffset+n] into
// out[outOffset:outOffset+n], seeded from zero. In-place scan (in==out) is
// permitted.
func (s *Scan) Enqueue(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, wait []device.Event) (device.Event, error) {
	return s.enqueueCommon(ctx, q, in, inOffset, n, out, outOffset, nil, 0, false, wait)
}

// EnqueueWithScalarOffset seeds the scan with a fixed host-known value
// rather than zero.
func (s *Scan) EnqueueWithScalarOffset(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, offset uint64, wait []device.Event) (device.Event, error) {
	elemSize := s.problem.ElementType.Size()
	scratch, err := s.ctx.NewBuffer(elemSize, device.Read)
	if err != nil {
		return nil, clerr.Internal("scan: allocating scalar-offset scratch buffer: %v", err)
	}
	buf := make([]byte, elemSize)
	cltype.PutUint64(s.problem.ElementType.Base, buf, offset)
	if _, err := q.EnqueueWriteBuffer(ctx, scratch, 0, elemSize, buf, true, nil); err != nil {
		return nil, err
	}
	return s.enqueueCommon(ctx, q, in, inOffset, n, out, outOffset, scratch, 0, true, wait)
}

// EnqueueWithBufferOffset seeds the scan by reading offsetIndex out of
// offsetBuf on-device, before any dependent write — so offsetBuf may alias
// in/out.
func (s *Scan) EnqueueWithBufferOffset(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, offsetBuf device.Buffer, offsetIndex int, wait []device.Event) (device.Event, error) {
	if !offsetBuf.Access().CanRead() {
		return nil, clerr.InvalidArgument("scan: offset buffer lacks read access")
	}
	elemSize := s.problem.ElementType.Size()
	if (offsetIndex+1)*elemSize > offsetBuf.Size() {
		return nil, clerr.InvalidArgument("scan: offset index %d exceeds offset buffer of size %d", offsetIndex, offsetBuf.Size())
	}
	return s.enqueueCommon(ctx, q, in, inOffset, n, out, outOffset, offsetBuf, offsetIndex, true, wait)
}

func (s *Scan) enqueueCommon(ctx context.Context, q device.Queue, in device.Buffer, inOffset, n int, out device.Buffer, outOffset int, offsetBuf device.Buffer, offsetIndex int, hasOffset bool, wait []device.Event) (device.Event, error) {
	if n <= 0 {
		return nil, clerr.InvalidArgument("scan: element count must be positive, got %d", n)
	}
	if err := s.validateBuffer(in, inOffset, n, true, false); err != nil {
		return nil, err
	}
	if err := s.validateBuffer(out, outOffset, n, false, true); err != nil {
		return nil, err
	}

	_, l, b := decompose(s.record.ReduceWG, s.record.ScanWorkScale, s.record.ScanWG, s.record.ScanBlocks, n)
	p := scanParams{reduceWG: s.record.ReduceWG, scanWG: s.record.ScanWG, workScale: s.record.ScanWorkScale, scanBlocks: s.record.ScanBlocks}

	ev, err := enqueueScan(ctx, q, s.reduceKernel, s.scanSmallKern, s.scanFinalKern, in, inOffset, n, out, outOffset, s.sums, offsetBuf, offsetIndex, hasOffset, p, l, b, wait, s.deliver)
	if err != nil {
		return nil, err
	}
	return s.deliver(ev), nil
}
