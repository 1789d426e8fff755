package reduce

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

// fakeKernels builds a clfake kernel table that executes the reduce
// algorithm in Go, using the same argument order as enqueueReduce, for the
// given element type.
func fakeKernels(t cltype.Type) map[string]clfake.KernelFunc {
	elemSize := t.Size()
	return map[string]clfake.KernelFunc{
		"reduce_blocks": func(args []any, global, local int) error {
			in := args[0].(*clfake.Buffer)
			inOffset := int(args[1].(uint32))
			n := int(args[2].(uint32))
			blockLen := int(args[3].(uint32))
			sums := args[4].(*clfake.Buffer)

			numBlocks := global / local
			for block := 0; block < numBlocks; block++ {
				start := inOffset + block*blockLen
				end := start + blockLen
				if end > inOffset+n {
					end = inOffset + n
				}
				acc := t.ZeroVector()
				for i := start; i < end; i++ {
					acc = t.AddVector(acc, in.Bytes()[i*elemSize:(i+1)*elemSize])
				}
				copy(sums.Bytes()[block*elemSize:(block+1)*elemSize], acc)
			}
			return nil
		},
		"reduce_final": func(args []any, global, local int) error {
			sums := args[0].(*clfake.Buffer)
			numBlocks := int(args[1].(uint32))
			out := args[2].(*clfake.Buffer)
			outPosition := int(args[3].(uint32))

			acc := t.ZeroVector()
			for i := 0; i < numBlocks; i++ {
				acc = t.AddVector(acc, sums.Bytes()[i*elemSize:(i+1)*elemSize])
			}
			copy(out.Bytes()[outPosition*elemSize:(outPosition+1)*elemSize], acc)
			return nil
		},
	}
}

// stubTable is an in-memory Table stand-in so tests don't need sqlite.
type stubTable struct {
	rows map[paramcache.ReduceKey]paramcache.ReduceRecord
}

func newStubTable() *stubTable { return &stubTable{rows: map[paramcache.ReduceKey]paramcache.ReduceRecord{}} }

func (s *stubTable) Lookup(key paramcache.ReduceKey) (paramcache.ReduceRecord, error) {
	v, ok := s.rows[key]
	if !ok {
		return v, errNotFoundStub{}
	}
	return v, nil
}

func (s *stubTable) Store(key paramcache.ReduceKey, value paramcache.ReduceRecord) error {
	s.rows[key] = value
	return nil
}

type errNotFoundStub struct{}

func (errNotFoundStub) Error() string { return "not found" }

func newEngine(t *testing.T, elemType cltype.Type) (*Reduce, device.Context) {
	t.Helper()
	info := device.Info{
		PlatformName: "fake", DeviceName: "fake0", WarpSize: 32, MaxWorkGroupSize: 1024,
		Extensions: "cl_khr_byte_addressable_store cl_khr_fp16 cl_khr_fp64",
	}
	ctx := clfake.NewContext(info, fakeKernels(elemType))
	engine, err := New(context.Background(), ctx, Problem{ElementType: elemType}, newStubTable(), tuner.Policy{Enabled: true, Verbosity: tuner.Silent})
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

func TestReduceSmallI16(t *testing.T) {
	elemType, err := cltype.New(cltype.I16, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)

	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{
		int64(int16(-1)), int64(int16(2)), int64(int16(-3)), int64(int16(4)),
	}
	// cltype.PutUint64/Uint64 accept unsigned bases only, so the int16 bit
	// patterns are encoded and decoded through the same-width ushort type.
	bitsType, err := cltype.New(cltype.U16, 1)
	require.NoError(t, err)
	inBytes := writeInts(t, bitsType, values)
	inBuf, err := ctx.NewBuffer(len(inBytes), device.Read)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), inBuf, 0, len(inBytes), inBytes, true, nil)
	require.NoError(t, err)

	dst := make([]byte, elemType.Size())
	_, err = engine.EnqueueDeviceToHost(context.Background(), q, inBuf, 0, 4, dst, true, nil)
	require.NoError(t, err)

	got := int16(cltype.Uint64(cltype.U16, dst))
	require.Equal(t, int16(2), got)
}

func TestReduceZeroElementsFails(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	inBuf, err := ctx.NewBuffer(elemType.Size(), device.Read)
	require.NoError(t, err)
	dst := make([]byte, elemType.Size())
	_, err = engine.EnqueueDeviceToHost(context.Background(), q, inBuf, 0, 0, dst, true, nil)
	require.Error(t, err)
}

func TestReduceDeviceToDevice(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{10, 20, 30, 40, 50}
	inBytes := writeInts(t, elemType, values)
	inBuf, err := ctx.NewBuffer(len(inBytes), device.Read)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), inBuf, 0, len(inBytes), inBytes, true, nil)
	require.NoError(t, err)

	outBuf, err := ctx.NewBuffer(elemType.Size()*2, device.ReadWrite)
	require.NoError(t, err)
	_, err = engine.EnqueueDeviceToDevice(context.Background(), q, inBuf, 0, len(values), outBuf, 1, nil)
	require.NoError(t, err)

	dst := make([]byte, elemType.Size())
	_, err = q.EnqueueReadBuffer(context.Background(), outBuf, elemType.Size(), elemType.Size(), dst, true, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(150), cltype.Uint64(cltype.U32, dst))
}

func TestReduceCacheHitSkipsTuning(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	info := device.Info{
		PlatformName: "fake", DeviceName: "fake0", WarpSize: 32, MaxWorkGroupSize: 1024,
		Extensions: "cl_khr_byte_addressable_store cl_khr_fp16 cl_khr_fp64",
	}
	ctx := clfake.NewContext(info, fakeKernels(elemType))
	table := newStubTable()

	first, err := New(context.Background(), ctx, Problem{ElementType: elemType}, table, tuner.Policy{Enabled: true, Verbosity: tuner.Silent})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Len(t, table.rows, 1)

	second, err := New(context.Background(), ctx, Problem{ElementType: elemType}, table, tuner.Policy{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, second)
}
