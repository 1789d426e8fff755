package scan

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

func fakeKernels(t cltype.Type) map[string]clfake.KernelFunc {
	elemSize := t.Size()
	return map[string]clfake.KernelFunc{
		"scan_reduce": func(args []any, global, local int) error {
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
		"scan_small": func(args []any, global, local int) error {
			sums := args[0].(*clfake.Buffer)
			numBlocks := int(args[1].(uint32))
			offsetBuf := args[2].(*clfake.Buffer)
			offsetIndex := int(args[3].(uint32))
			hasOffset := args[4].(uint32) != 0

			seed := t.ZeroVector()
			if hasOffset {
				seed = append([]byte(nil), offsetBuf.Bytes()[offsetIndex*elemSize:(offsetIndex+1)*elemSize]...)
			}
			running := seed
			for i := 0; i < numBlocks; i++ {
				next := append([]byte(nil), sums.Bytes()[i*elemSize:(i+1)*elemSize]...)
				copy(sums.Bytes()[i*elemSize:(i+1)*elemSize], running)
				running = t.AddVector(running, next)
			}
			return nil
		},
		"scan_final": func(args []any, global, local int) error {
			in := args[0].(*clfake.Buffer)
			inOffset := int(args[1].(uint32))
			n := int(args[2].(uint32))
			blockLen := int(args[3].(uint32))
			sums := args[4].(*clfake.Buffer)
			out := args[5].(*clfake.Buffer)
			outOffset := int(args[6].(uint32))

			numBlocks := global / local
			for block := 0; block < numBlocks; block++ {
				start := inOffset + block*blockLen
				end := start + blockLen
				if end > inOffset+n {
					end = inOffset + n
				}
				outStart := outOffset + block*blockLen
				running := append([]byte(nil), sums.Bytes()[block*elemSize:(block+1)*elemSize]...)
				for i := start; i < end; i++ {
					v := append([]byte(nil), in.Bytes()[i*elemSize:(i+1)*elemSize]...)
					copy(out.Bytes()[(outStart+(i-start))*elemSize:(outStart+(i-start)+1)*elemSize], running)
					running = t.AddVector(running, v)
				}
			}
			return nil
		},
	}
}

type stubTable struct {
	rows map[paramcache.ScanKey]paramcache.ScanRecord
}

func newStubTable() *stubTable { return &stubTable{rows: map[paramcache.ScanKey]paramcache.ScanRecord{}} }

func (s *stubTable) Lookup(key paramcache.ScanKey) (paramcache.ScanRecord, error) {
	v, ok := s.rows[key]
	if !ok {
		return v, errNotFoundStub{}
	}
	return v, nil
}

func (s *stubTable) Store(key paramcache.ScanKey, value paramcache.ScanRecord) error {
	s.rows[key] = value
	return nil
}

type errNotFoundStub struct{}

func (errNotFoundStub) Error() string { return "not found" }

func newEngine(t *testing.T, elemType cltype.Type) (*Scan, device.Context) {
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

func readInts(elemType cltype.Type, buf []byte) []uint64 {
	n := len(buf) / elemType.Size()
	out := make([]uint64, n)
	for i := range out {
		out[i] = cltype.Uint64(elemType.Base, buf[i*elemType.Size():(i+1)*elemType.Size()])
	}
	return out
}

func TestScanSanity(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{3, 1, 4, 1, 5, 9, 2, 6}
	inBytes := writeInts(t, elemType, values)
	inBuf, err := ctx.NewBuffer(len(inBytes), device.Read)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), inBuf, 0, len(inBytes), inBytes, true, nil)
	require.NoError(t, err)

	outBuf, err := ctx.NewBuffer(len(inBytes), device.Write)
	require.NoError(t, err)
	_, err = engine.Enqueue(context.Background(), q, inBuf, 0, len(values), outBuf, 0, nil)
	require.NoError(t, err)

	dst := make([]byte, len(inBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), outBuf, 0, len(dst), dst, true, nil)
	require.NoError(t, err)

	require.Equal(t, []uint64{0, 3, 4, 8, 9, 14, 23, 25}, readInts(elemType, dst))
}

func TestScanWithBufferOffset(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{10, 10, 10, 10}
	inBytes := writeInts(t, elemType, values)
	inBuf, err := ctx.NewBuffer(len(inBytes), device.Read)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), inBuf, 0, len(inBytes), inBytes, true, nil)
	require.NoError(t, err)

	outBuf, err := ctx.NewBuffer(len(inBytes), device.Write)
	require.NoError(t, err)

	offsetBytes := writeInts(t, elemType, []int64{0, 7})
	offsetBuf, err := ctx.NewBuffer(len(offsetBytes), device.Read)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), offsetBuf, 0, len(offsetBytes), offsetBytes, true, nil)
	require.NoError(t, err)

	_, err = engine.EnqueueWithBufferOffset(context.Background(), q, inBuf, 0, len(values), outBuf, 0, offsetBuf, 1, nil)
	require.NoError(t, err)

	dst := make([]byte, len(inBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), outBuf, 0, len(dst), dst, true, nil)
	require.NoError(t, err)

	require.Equal(t, []uint64{7, 17, 27, 37}, readInts(elemType, dst))
}

func TestScanInPlace(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	values := []int64{1, 2, 3, 4}
	inBytes := writeInts(t, elemType, values)
	buf, err := ctx.NewBuffer(len(inBytes), device.ReadWrite)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(context.Background(), buf, 0, len(inBytes), inBytes, true, nil)
	require.NoError(t, err)

	_, err = engine.Enqueue(context.Background(), q, buf, 0, len(values), buf, 0, nil)
	require.NoError(t, err)

	dst := make([]byte, len(inBytes))
	_, err = q.EnqueueReadBuffer(context.Background(), buf, 0, len(dst), dst, true, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 3, 6}, readInts(elemType, dst))
}

func TestScanZeroElementsFails(t *testing.T) {
	elemType, err := cltype.New(cltype.U32, 1)
	require.NoError(t, err)
	engine, ctx := newEngine(t, elemType)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)

	inBuf, err := ctx.NewBuffer(elemType.Size(), device.Read)
	require.NoError(t, err)
	outBuf, err := ctx.NewBuffer(elemType.Size(), device.Write)
	require.NoError(t, err)
	_, err = engine.Enqueue(context.Background(), q, inBuf, 0, 0, outBuf, 0, nil)
	require.Error(t, err)
}

func TestScanRejectsFloatingType(t *testing.T) {
	elemType, err := cltype.New(cltype.F32, 1)
	require.NoError(t, err)
	info := device.Info{PlatformName: "fake", DeviceName: "fake0", WarpSize: 32}
	ctx := clfake.NewContext(info, fakeKernels(elemType))
	_, err = New(context.Background(), ctx, Problem{ElementType: elemType}, newStubTable(), tuner.Policy{Enabled: true})
	require.Error(t, err)
}
