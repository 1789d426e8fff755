// Package radixsort implements the radix-sort engine: a stable LSB
// radix sort over N key/value pairs, processing radix_bits of the key per
// pass via a reduce (histogram) -> scan -> scatter kernel triple, with
// ping-pong source/destination buffers and an odd-pass copy-back.
package radixsort

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

//go:embed kernels/radixsort.cl
var kernelFS embed.FS

type source struct{}

func (source) Source(fragment string) (string, error) {
	data, err := kernelFS.ReadFile("kernels/" + fragment)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Problem names the key/value types a RadixSort engine is built for. Key
// must be an unsigned integral scalar of length 1, storable and
// computable; value may be void (keys-only) or any storable type.
type Problem struct {
	KeyType   cltype.Type
	ValueType cltype.Type
	RadixBits int // 0 selects the default of 4.
}

func (p Problem) radixBits() int {
	if p.RadixBits <= 0 {
		return 4
	}
	return p.RadixBits
}

func (p Problem) validate(info device.Info) error {
	if !p.KeyType.Base.IsUnsignedInteger() || p.KeyType.Length != 1 {
		return clerr.InvalidArgument("radixsort: key type %s must be an unsigned integral scalar of length 1", p.KeyType)
	}
	if !p.KeyType.IsStorable(info) || !p.KeyType.IsComputable(info) {
		return clerr.InvalidArgument("radixsort: key type %s is not storable/computable on this device", p.KeyType)
	}
	if !p.ValueType.IsVoid() {
		if !p.ValueType.IsStorable(info) {
			return clerr.InvalidArgument("radixsort: value type %s is not storable on this device", p.ValueType)
		}
	}
	return nil
}

// Table is the subset of *paramcache.Table[RadixSortKey, RadixSortRecord]
// RadixSort needs.
type Table interface {
	Lookup(key paramcache.RadixSortKey) (paramcache.RadixSortRecord, error)
	Store(key paramcache.RadixSortKey, value paramcache.RadixSortRecord) error
}

// RadixSort is one constructed engine instance.
type RadixSort struct {
	ctx     device.Context
	problem Problem
	record  paramcache.RadixSortRecord

	histogramKernel device.Kernel
	scanKernel      device.Kernel
	scatterKernel   device.Kernel
	histogram       device.Buffer

	tempKeys, tempValues device.Buffer

	callback func(device.Event)
}

// New constructs a RadixSort engine per the cache-lookup-or-tune flow.
func New(ctx context.Context, devCtx device.Context, problem Problem, cache Table, policy tuner.Policy) (*RadixSort, error) {
	info := devCtx.Info()
	if err := problem.validate(info); err != nil {
		return nil, err
	}

	key := paramcache.RadixSortKey{
		DeviceKey: paramcache.NewDeviceKey(info.Fingerprint()),
		KeyType:   problem.KeyType.Name(),
		ValueType: problem.ValueType.Name(),
		RadixBits: problem.radixBits(),
	}

	record, err := lookupOrTune(ctx, devCtx, problem, key, cache, policy)
	if err != nil {
		return nil, err
	}

	prog, err := buildProgram(devCtx, problem, record, record.ProgramBinary, false)
	if err != nil {
		return nil, err
	}

	histogramKernel, err := prog.Program.NewKernel("radix_histogram")
	if err != nil {
		return nil, clerr.Internal("radixsort: resolving radix_histogram kernel: %v", err)
	}
	scanKernel, err := prog.Program.NewKernel("radix_scan")
	if err != nil {
		return nil, clerr.Internal("radixsort: resolving radix_scan kernel: %v", err)
	}
	scatterKernel, err := prog.Program.NewKernel("radix_scatter")
	if err != nil {
		return nil, clerr.Internal("radixsort: resolving radix_scatter kernel: %v", err)
	}

	radix := 1 << uint(record.RadixBits)
	histogram, err := devCtx.NewBuffer(record.ScanBlocks*radix*4, device.ReadWrite)
	if err != nil {
		return nil, clerr.Internal("radixsort: allocating histogram buffer: %v", err)
	}

	return &RadixSort{
		ctx: devCtx, problem: problem, record: record,
		histogramKernel: histogramKernel, scanKernel: scanKernel, scatterKernel: scatterKernel,
		histogram: histogram,
	}, nil
}

func lookupOrTune(ctx context.Context, devCtx device.Context, problem Problem, key paramcache.RadixSortKey, cache Table, policy tuner.Policy) (paramcache.RadixSortRecord, error) {
	if cache != nil {
		record, err := cache.Lookup(key)
		if err == nil {
			return record, nil
		}
	}
	if !policy.Enabled {
		return paramcache.RadixSortRecord{}, clerr.Cache("radixsort: no cached parameters for %s/%s and tuning is disabled", problem.KeyType, problem.ValueType)
	}

	result, err := tuneRadixSort(ctx, devCtx, problem, policy)
	if err != nil {
		return paramcache.RadixSortRecord{}, err
	}
	if cache != nil {
		if storeErr := cache.Store(key, result); storeErr != nil {
			return paramcache.RadixSortRecord{}, clerr.Promote(storeErr)
		}
	}
	return result, nil
}

var reduceWGCandidates = []int{32, 64, 128}
var scatterWGCandidates = []int{32, 64, 128}
var workScaleCandidates = []int{1, 2}
var scanBlocksCandidates = []int{16, 32, 64}

type scatterCandidate struct {
	wg        int
	workScale int
}

func tuneRadixSort(ctx context.Context, devCtx device.Context, problem Problem, policy tuner.Policy) (paramcache.RadixSortRecord, error) {
	sizes := []int64{1024, 1 << 16}
	info := devCtx.Info()
	radixBits := problem.radixBits()

	plan := tuner.ThreeFunnelPlan[scatterCandidate]{
		Name:               "radixsort:" + problem.KeyType.Name(),
		ReduceWGCandidates: reduceWGCandidates,
		ReduceSizes:        sizes,
		TimeReduceWG: func(ctx context.Context, wg int, size int64) (tuner.Score, error) {
			return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
				return probePass(ctx, devCtx, q, problem, passParams{reduceWG: wg, scatterWG: 64, workScale: 1, scanBlocks: defaultScanBlocks, radixBits: radixBits}, int(n))
			})
		},
		ScanCandidates: func(reduceWG int) []scatterCandidate {
			var cs []scatterCandidate
			for _, wg := range scatterWGCandidates {
				for _, ws := range workScaleCandidates {
					cs = append(cs, scatterCandidate{wg: wg, workScale: ws})
				}
			}
			return cs
		},
		ScanSizes: sizes,
		TimeScan: func(ctx context.Context, candidate scatterCandidate, reduceWG int, size int64) (tuner.Score, error) {
			return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
				return probePass(ctx, devCtx, q, problem, passParams{reduceWG: reduceWG, scatterWG: candidate.wg, workScale: candidate.workScale, scanBlocks: defaultScanBlocks, radixBits: radixBits}, int(n))
			})
		},
		ScanBlocksCandidates: scanBlocksCandidates,
		ScanBlocksSizes:      sizes,
		TimeScanBlocks: func(ctx context.Context, blocks int, reduceWG int, scatter scatterCandidate, size int64) (tuner.Score, error) {
			return tuner.TimeOnDevice(ctx, devCtx, size, func(ctx context.Context, q device.Queue, n int64) (device.Event, error) {
				return probePass(ctx, devCtx, q, problem, passParams{reduceWG: reduceWG, scatterWG: scatter.wg, workScale: scatter.workScale, scanBlocks: blocks, radixBits: radixBits}, int(n))
			})
		},
		Finalize: func(ctx context.Context, reduceWG int, scatter scatterCandidate, scanBlocks int) ([]byte, error) {
			return compileBinary(devCtx, problem, passParams{reduceWG: reduceWG, scatterWG: scatter.wg, workScale: scatter.workScale, scanBlocks: scanBlocks, radixBits: radixBits})
		},
	}

	result, err := tuner.RunThreeFunnels(ctx, plan, tuner.DefaultRatio, policy.ReporterFor(plan.Name))
	if err != nil {
		return paramcache.RadixSortRecord{}, err
	}

	return paramcache.RadixSortRecord{
		WarpSize:         max(1, info.WarpSize),
		ReduceWG:         result.ReduceWG,
		ScanWG:           result.Scan.wg,
		ScatterWG:        result.Scan.wg,
		ScatterWorkScale: result.Scan.workScale,
		ScanBlocks:       result.ScanBlocks,
		RadixBits:        radixBits,
		ProgramBinary:    result.ProgramBinary,
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

const defaultScanBlocks = 16

type passParams struct {
	reduceWG, scatterWG, workScale, scanBlocks, radixBits int
}

func probePass(ctx context.Context, devCtx device.Context, q device.Queue, problem Problem, p passParams, n int) (device.Event, error) {
	record := paramcache.RadixSortRecord{ReduceWG: p.reduceWG, ScatterWG: p.scatterWG, ScatterWorkScale: p.workScale, ScanBlocks: p.scanBlocks, RadixBits: p.radixBits}
	prog, err := buildProgram(devCtx, problem, record, nil, true)
	if err != nil {
		return nil, err
	}
	histKernel, err := prog.Program.NewKernel("radix_histogram")
	if err != nil {
		return nil, err
	}
	scanKernel, err := prog.Program.NewKernel("radix_scan")
	if err != nil {
		return nil, err
	}
	scatterKernel, err := prog.Program.NewKernel("radix_scatter")
	if err != nil {
		return nil, err
	}

	keySize := problem.KeyType.Size()
	keys, err := devCtx.NewBuffer(n*keySize, device.Read)
	if err != nil {
		return nil, err
	}
	outKeys, err := devCtx.NewBuffer(n*keySize, device.Write)
	if err != nil {
		return nil, err
	}
	radix := 1 << uint(p.radixBits)
	histogram, err := devCtx.NewBuffer(p.scanBlocks*radix*4, device.ReadWrite)
	if err != nil {
		return nil, err
	}

	_, l, b := decomposePass(p, n)
	return enqueuePass(ctx, q, histKernel, scanKernel, scatterKernel,
		keys, nil, outKeys, nil, histogram, problem.ValueType, p, 0, l, b, nil, func(ev device.Event) device.Event { return ev })
}

func compileBinary(devCtx device.Context, problem Problem, p passParams) ([]byte, error) {
	result, err := buildProgram(devCtx, problem, paramcache.RadixSortRecord{ReduceWG: p.reduceWG, ScatterWG: p.scatterWG, ScatterWorkScale: p.workScale, ScanBlocks: p.scanBlocks, RadixBits: p.radixBits}, nil, true)
	if err != nil {
		return nil, err
	}
	return result.Binary, nil
}

func buildProgram(devCtx device.Context, problem Problem, record paramcache.RadixSortRecord, cachedBinary []byte, forceSource bool) (*progcache.Result, error) {
	req := progcache.Request{
		Fragment: "radixsort.cl",
		Provider: source{},
		IntDefines: map[string]int64{
			"REDUCE_WG":          int64(record.ReduceWG),
			"SCATTER_WG":         int64(record.ScatterWG),
			"SCATTER_WORK_SCALE": int64(record.ScatterWorkScale),
			"RADIX_BITS":         int64(record.RadixBits),
		},
		StringDefines: map[string]string{
			"KEY_T":   problem.KeyType.Name(),
			"VALUE_T": problem.ValueType.Name(),
		},
		CachedBinary: cachedBinary,
		AllowSource:  true,
		ForceSource:  forceSource,
	}
	return progcache.Build(devCtx, req)
}

// decomposePass derives one pass's block decomposition: tile = max(
// reduce_wg, scatter_work_scale*scatter_wg); L = ceil(N/(tile*scan_blocks))
// *tile; B = round_up(ceil(N/L), slices_per_wg), clamped to scan_blocks.
// scatter_slice, the number of work-items cooperating on one block's
// scatter, is max(radix, reduce_wg).
func decomposePass(p passParams, n int) (tile, l, b int) {
	radix := 1 << uint(p.radixBits)
	scatterSlice := max(p.reduceWG, radix)
	if scatterSlice < 1 {
		scatterSlice = 1
	}
	slicesPerWG := p.scatterWG / scatterSlice
	if slicesPerWG < 1 {
		slicesPerWG = 1
	}

	tile = p.reduceWG
	if ws := p.workScale * p.scatterWG; ws > tile {
		tile = ws
	}
	if tile < 1 {
		tile = 1
	}
	l = ceilDiv(n, tile*p.scanBlocks) * tile
	if l < tile {
		l = tile
	}
	b = roundUp(ceilDiv(n, l), slicesPerWG)
	if b < 1 {
		b = 1
	}
	if b > p.scanBlocks {
		b = p.scanBlocks
	}
	return
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUp(a, multiple int) int {
	if multiple <= 0 {
		return a
	}
	return ceilDiv(a, multiple) * multiple
}

// enqueuePass runs one digit pass (histogram -> scan -> scatter) over
// firstBit..firstBit+radixBits of the key, reading from (keysIn, valuesIn)
// and writing to (keysOut, valuesOut); valuesIn/valuesOut may be nil when
// the problem's value type is void.
func enqueuePass(ctx context.Context, q device.Queue,
	histKernel, scanKernel, scatterKernel device.Kernel,
	keysIn, valuesIn device.Buffer, keysOut, valuesOut device.Buffer, histogram device.Buffer,
	valueType cltype.Type, p passParams, firstBit, l, b int, wait []device.Event, deliver func(device.Event) device.Event) (device.Event, error) {

	if err := histKernel.SetArg(0, keysIn); err != nil {
		return nil, err
	}
	if err := histKernel.SetArg(1, uint32(l)); err != nil {
		return nil, err
	}
	if err := histKernel.SetArg(2, uint32(firstBit)); err != nil {
		return nil, err
	}
	if err := histKernel.SetArg(3, histogram); err != nil {
		return nil, err
	}
	histEvent, err := q.EnqueueKernel(ctx, histKernel, b*p.reduceWG, p.reduceWG, wait)
	if err != nil {
		return nil, err
	}
	deliver(histEvent)

	if err := scanKernel.SetArg(0, histogram); err != nil {
		return nil, err
	}
	if err := scanKernel.SetArg(1, uint32(b)); err != nil {
		return nil, err
	}
	if err := scanKernel.SetArg(2, uint32(1<<uint(p.radixBits))); err != nil {
		return nil, err
	}
	scanEvent, err := q.EnqueueKernel(ctx, scanKernel, p.scatterWG, p.scatterWG, []device.Event{histEvent})
	if err != nil {
		return nil, err
	}
	deliver(scanEvent)

	hasValues := valuesIn != nil
	valuesInArg, valuesOutArg := valuesIn, valuesOut
	if !hasValues {
		// dummy non-nil buffers; the kernel never touches them when has_values is 0
		valuesInArg, valuesOutArg = keysIn, keysOut
	}
	if err := scatterKernel.SetArg(0, keysIn); err != nil {
		return nil, err
	}
	if err := scatterKernel.SetArg(1, valuesInArg); err != nil {
		return nil, err
	}
	if err := scatterKernel.SetArg(2, uint32(l)); err != nil {
		return nil, err
	}
	if err := scatterKernel.SetArg(3, uint32(firstBit)); err != nil {
		return nil, err
	}
	if err := scatterKernel.SetArg(4, histogram); err != nil {
		return nil, err
	}
	if err := scatterKernel.SetArg(5, keysOut); err != nil {
		return nil, err
	}
	if err := scatterKernel.SetArg(6, valuesOutArg); err != nil {
		return nil, err
	}
	hv := uint32(0)
	if hasValues {
		hv = 1
	}
	if err := scatterKernel.SetArg(7, hv); err != nil {
		return nil, err
	}
	scatterEvent, err := q.EnqueueKernel(ctx, scatterKernel, b*p.scatterWG, p.scatterWG, []device.Event{scanEvent})
	if err != nil {
		return nil, err
	}
	return scatterEvent, nil
}

func (r *RadixSort) deliver(ev device.Event) device.Event {
	if r.callback != nil && ev != nil {
		r.callback(ev)
	}
	return ev
}

// SetEventCallback registers fn to receive each intermediate event of a
// subsequent Enqueue call.
func (r *RadixSort) SetEventCallback(fn func(device.Event)) { r.callback = fn }

// SetTemporaryBuffers assigns the ping-pong temporaries used across digit
// passes. Either may be nil; a one-shot allocation is used for that call
// when the assigned buffer is absent or undersized.
func (r *RadixSort) SetTemporaryBuffers(keys, values device.Buffer) {
	r.tempKeys, r.tempValues = keys, values
}

func passCount(maxBits, radixBits int) int {
	if maxBits == 0 {
		maxBits = 64
	}
	n := 0
	for firstBit := 0; firstBit < maxBits; firstBit += radixBits {
		n++
	}
	return n
}

// Enqueue sorts keys[0:n) (and, if values != nil, the paired values) in
// place by the low maxBits of the key. maxBits=0 selects all bits of the
// key's width.
func (r *RadixSort) Enqueue(ctx context.Context, q device.Queue, keys, values device.Buffer, n, maxBits int, wait []device.Event) (device.Event, error) {
	if n <= 0 {
		return nil, clerr.InvalidArgument("radixsort: element count must be positive, got %d", n)
	}
	keyWidth := r.problem.KeyType.Size() * 8
	if maxBits == 0 {
		maxBits = keyWidth
	}
	if maxBits > keyWidth {
		return nil, clerr.InvalidArgument("radixsort: maxBits %d exceeds key width %d", maxBits, keyWidth)
	}
	if !keys.Access().CanRead() || !keys.Access().CanWrite() {
		return nil, clerr.InvalidArgument("radixsort: keys buffer must be readable and writable")
	}
	wantValues := values != nil
	if wantValues && r.problem.ValueType.IsVoid() {
		return nil, clerr.InvalidArgument("radixsort: values buffer supplied but problem has a void value type")
	}
	if !wantValues && !r.problem.ValueType.IsVoid() {
		return nil, clerr.InvalidArgument("radixsort: problem has a value type but no values buffer was supplied")
	}

	keySize := r.problem.KeyType.Size()
	valueSize := 0
	if wantValues {
		valueSize = r.problem.ValueType.Size()
	}

	tempKeys, err := r.resolveTemp(r.tempKeys, n*keySize)
	if err != nil {
		return nil, err
	}
	var tempValues device.Buffer
	if wantValues {
		tempValues, err = r.resolveTemp(r.tempValues, n*valueSize)
		if err != nil {
			return nil, err
		}
	}

	radixBits := r.record.RadixBits
	passes := passCount(maxBits, radixBits)
	if passes == 0 {
		return nil, clerr.InvalidArgument("radixsort: maxBits must select at least one digit pass")
	}

	srcKeys, dstKeys := keys, tempKeys
	var srcValues, dstValues device.Buffer
	if wantValues {
		srcValues, dstValues = values, tempValues
	}

	var lastEvent device.Event
	currentWait := wait
	firstBit := 0
	for pass := 0; pass < passes; pass++ {
		_, l, b := decomposePass(passParams{reduceWG: r.record.ReduceWG, scatterWG: r.record.ScatterWG, workScale: r.record.ScatterWorkScale, scanBlocks: r.record.ScanBlocks, radixBits: radixBits}, n)
		p := passParams{reduceWG: r.record.ReduceWG, scatterWG: r.record.ScatterWG, workScale: r.record.ScatterWorkScale, scanBlocks: r.record.ScanBlocks, radixBits: radixBits}

		ev, err := enqueuePass(ctx, q, r.histogramKernel, r.scanKernel, r.scatterKernel,
			srcKeys, srcValues, dstKeys, dstValues, r.histogram, r.problem.ValueType, p, firstBit, l, b, currentWait, r.deliver)
		if err != nil {
			return nil, err
		}
		r.deliver(ev)
		lastEvent = ev
		currentWait = []device.Event{ev}

		srcKeys, dstKeys = dstKeys, srcKeys
		srcValues, dstValues = dstValues, srcValues
		firstBit += radixBits
	}

	// srcKeys now holds the sorted data (ping-pong swapped once more than
	// the loop consumed). If passes is odd, that is the temp buffer; copy
	// back into the caller's buffer.
	if passes%2 == 1 {
		copyEvent, err := q.EnqueueCopyBuffer(ctx, srcKeys, keys, 0, 0, n*keySize, []device.Event{lastEvent})
		if err != nil {
			return nil, err
		}
		lastEvent = r.deliver(copyEvent)
		if wantValues {
			valEvent, err := q.EnqueueCopyBuffer(ctx, srcValues, values, 0, 0, n*valueSize, []device.Event{lastEvent})
			if err != nil {
				return nil, err
			}
			lastEvent = r.deliver(valEvent)
		}
	}

	return lastEvent, nil
}

func (r *RadixSort) resolveTemp(existing device.Buffer, needed int) (device.Buffer, error) {
	if existing != nil && existing.Size() >= needed {
		return existing, nil
	}
	buf, err := r.ctx.NewBuffer(needed, device.ReadWrite)
	if err != nil {
		return nil, clerr.Internal("radixsort: allocating one-shot temporary buffer: %v", err)
	}
	return buf, nil
}
