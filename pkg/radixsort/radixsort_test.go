package radixsort

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clogs-go/clogs/internal/clruntime/clfake"
	"github.com/clogs-go/clogs/pkg/cltype"
	"github.com/clogs-go/clogs/pkg/device"
	"github.com/clogs-go/clogs/pkg/paramcache"
	"github.com/clogs-go/clogs/pkg/tuner"
)

// fakeKernels builds a clfake kernel table that executes one LSB radix
// digit pass in Go, using the same argument order as enqueuePass, for the
// given radix_bits.
func fakeKernels(keyType, valueType cltype.Type, radixBits int) map[string]clfake.KernelFunc {
	keySize := keyType.Size()
	valueSize := 0
	if !valueType.IsVoid() {
		valueSize = valueType.Size()
	}
	radix := 1 << uint(radixBits)

	return map[string]clfake.KernelFunc{
		"radix_histogram": func(args []any, global, local int) error {
			keys := args[0].(*clfake.Buffer)
			blockLen := int(args[1].(uint32))
			firstBit := uint(args[2].(uint32))
			histogram := args[3].(*clfake.Buffer)

			numBlocks := global / local
			counts := make([]uint32, numBlocks*radix)
			for block := 0; block < numBlocks; block++ {
				start := block * blockLen
				end := start + blockLen
				for i := start; i < end; i++ {
					key := cltype.Uint64(keyType.Base, keys.Bytes()[i*keySize:(i+1)*keySize])
					d := (key >> firstBit) & uint64(radix-1)
					counts[block*radix+int(d)]++
				}
			}
			for i, c := range counts {
				cltype.PutUint64(cltype.U32, histogram.Bytes()[i*4:(i+1)*4], uint64(c))
			}
			return nil
		},
		"radix_scan": func(args []any, global, local int) error {
			histogram := args[0].(*clfake.Buffer)
			numBlocks := int(args[1].(uint32))
			radixArg := int(args[2].(uint32))

			running := uint32(0)
			for d := 0; d < radixArg; d++ {
				for block := 0; block < numBlocks; block++ {
					idx := block*radixArg + d
					count := uint32(cltype.Uint64(cltype.U32, histogram.Bytes()[idx*4:(idx+1)*4]))
					cltype.PutUint64(cltype.U32, histogram.Bytes()[idx*4:(idx+1)*4], uint64(running))
					running += count
				}
			}
			return nil
		},
		"radix_scatter": func(args []any, global, local int) error {
			keysIn := args[0].(*clfake.Buffer)
			var valuesIn *clfake.Buffer
			if args[1] != nil {
				valuesIn, _ = args[1].(*clfake.Buffer)
			}
			blockLen := int(args[2].(uint32))
			firstBit := uint(args[3].(uint32))
			histogram := args[4].(*clfake.Buffer)
			keysOut := args[5].(*clfake.Buffer)
			var valuesOut *clfake.Buffer
			if args[6] != nil {
				valuesOut, _ = args[6].(*clfake.Buffer)
			}
			hasValues := args[7].(uint32) != 0

			numBlocks := global / local
			for block := 0; block < numBlocks; block++ {
				start := block * blockLen
				end := start + blockLen
				for i := start; i < end; i++ {
					key := cltype.Uint64(keyType.Base, keysIn.Bytes()[i*keySize:(i+1)*keySize])
					d := int((key >> firstBit) & uint64(radix-1))
					idx := block*radix + d
					dest := uint32(cltype.Uint64(cltype.U32, histogram.Bytes()[idx*4:(idx+1)*4]))
					cltype.PutUint64(cltype.U32, histogram.Bytes()[idx*4:(idx+1)*4], uint64(dest+1))
					cltype.PutUint64(keyType.Base, keysOut.Bytes()[int(dest)*keySize:int(dest+1)*keySize], key)
					if hasValues {
						copy(valuesOut.Bytes()[int(dest)*valueSize:int(dest+1)*valueSize], valuesIn.Bytes()[i*valueSize:(i+1)*valueSize])
					}
				}
			}
			return nil
		},
	}
}

type stubTable struct {
	rows map[paramcache.RadixSortKey]paramcache.RadixSortRecord
}

func newStubTable() *stubTable {
	return &stubTable{rows: map[paramcache.RadixSortKey]paramcache.RadixSortRecord{}}
}

func (s *stubTable) Lookup(key paramcache.RadixSortKey) (paramcache.RadixSortRecord, error) {
	v, ok := s.rows[key]
	if !ok {
		return v, errNotFoundStub{}
	}
	return v, nil
}

func (s *stubTable) Store(key paramcache.RadixSortKey, value paramcache.RadixSortRecord) error {
	s.rows[key] = value
	return nil
}

type errNotFoundStub struct{}

func (errNotFoundStub) Error() string { return "not found" }

func newEngine(t *testing.T, keyType, valueType cltype.Type) (*RadixSort, device.Context) {
	t.Helper()
	info := device.Info{
		PlatformName: "fake", DeviceName: "fake0", WarpSize: 32, MaxWorkGroupSize: 1024,
		Extensions: "cl_khr_byte_addressable_store cl_khr_fp16 cl_khr_fp64",
	}
	ctx := clfake.NewContext(info, fakeKernels(keyType, valueType, 4))
	engine, err := New(context.Background(), ctx, Problem{KeyType: keyType, ValueType: valueType}, newStubTable(), tuner.Policy{Enabled: true, Verbosity: tuner.Silent})
	require.NoError(t, err)
	return engine, ctx
}

func writeInts(t *testing.T, elemType cltype.Type, values []int64) []byte {
	t.Helper()
	buf := make([]byte, elemType.Size()*len(values))
	for i, v := range values {
		cltype.PutUint64(elemType.Base, buf[i*elemType.Size():(i+1)*elemType.Size()], uint64(v))
	}
	return buf
}

func readInts(elemType cltype.Type, buf []byte) []uint64 {
	n := len(buf) / elemType.Size()
	out := make([]uint64, n)
	for i := range out {
		out[i] = cltype.Uint64(elemType.Base, buf[i*elemType.Size():(i+1)*elemType.Size()])
	}
	return out
}

func TestRadixSortKeysOnly(t *testing.T) {
	keyType, err := cltype.New(cltype.U16, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, keyType, cltype.VoidType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{5, 1, 4, 1, 5, 9, 2, 6, 5}
	keyBytes := writeInts(t, keyType, values)
	keys, err := ctx.NewBuffer(len(keyBytes), device.ReadWrite)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), keys, 0, len(keyBytes), keyBytes, true, nil)
	require.NoError(t, err)

	_, err = engine.Enqueue(context.Background(), q, keys, nil, len(values), 0, nil)
	require.NoError(t, err)

	dst := make([]byte, len(keyBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), keys, 0, len(dst), dst, true, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 1, 2, 4, 5, 5, 5, 6, 9}, readInts(keyType, dst))
}

func TestRadixSortStability(t *testing.T) {
	keyType, err := cltype.New(cltype.U8, 1)
	require.NoError(t, err)
	valueType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, keyType, valueType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	keyValues := []int64{0, 1, 0, 1, 0}
	valValues := []int64{10, 11, 12, 13, 14}
	keyBytes := writeInts(t, keyType, keyValues)
	valBytes := writeInts(t, valueType, valValues)

	keys, err := ctx.NewBuffer(len(keyBytes), device.ReadWrite)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), keys, 0, len(keyBytes), keyBytes, true, nil)
	require.NoError(t, err)
	vals, err := ctx.NewBuffer(len(valBytes), device.ReadWrite)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), vals, 0, len(valBytes), valBytes, true, nil)
	require.NoError(t, err)

	_, err = engine.Enqueue(context.Background(), q, keys, vals, len(keyValues), 0, nil)
	require.NoError(t, err)

	keyDst := make([]byte, len(keyBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), keys, 0, len(keyDst), keyDst, true, nil)
	require.NoError(t, err)
	valDst := make([]byte, len(valBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), vals, 0, len(valDst), valDst, true, nil)
	require.NoError(t, err)

	require.Equal(t, []uint64{0, 0, 0, 1, 1}, readInts(keyType, keyDst))
	require.Equal(t, []uint64{10, 12, 14, 11, 13}, readInts(valueType, valDst))
}

func TestRadixSortMaxBitsExceedingKeyWidthFails(t *testing.T) {
	keyType, err := cltype.New(cltype.U8, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, keyType, cltype.VoidType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	keys, err := ctx.NewBuffer(keyType.Size()*4, device.ReadWrite)
	require.NoError(t, err)
	_, err = engine.Enqueue(context.Background(), q, keys, nil, 4, 9, nil)
	require.Error(t, err)
}

func TestRadixSortZeroElementsFails(t *testing.T) {
	keyType, err := cltype.New(cltype.U8, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, keyType, cltype.VoidType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	keys, err := ctx.NewBuffer(keyType.Size(), device.ReadWrite)
	require.NoError(t, err)
	_, err = engine.Enqueue(context.Background(), q, keys, nil, 0, 0, nil)
	require.Error(t, err)
}

func TestRadixSortOddPassCopyBackLeavesCallerBufferSorted(t *testing.T) {
	// radix_bits=4 over a 16-bit key yields 16/4=4 passes (even), so force
	// a 3-pass run via maxBits=12 to exercise the odd-pass copy-back. Only
	// the low 12 bits order the keys: 4096 sorts as 0 and 4097 as 1.
	keyType, err := cltype.New(cltype.U16, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, keyType, cltype.VoidType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{300, 1, 4097, 1, 5, 4096, 2, 6}
	keyBytes := writeInts(t, keyType, values)
	keys, err := ctx.NewBuffer(len(keyBytes), device.ReadWrite)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), keys, 0, len(keyBytes), keyBytes, true, nil)
	require.NoError(t, err)

	_, err = engine.Enqueue(context.Background(), q, keys, nil, len(values), 12, nil)
	require.NoError(t, err)

	dst := make([]byte, len(keyBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), keys, 0, len(dst), dst, true, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{4096, 1, 4097, 1, 2, 5, 6, 300}, readInts(keyType, dst))
}
