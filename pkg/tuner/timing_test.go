package tuner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clogs-go/clogs/internal/clruntime/clfake"
	"github.com/clogs-go/clogs/pkg/device"
)

func TestTimeOnDeviceRunsWarmupThenTimedAndReportsRate(t *testing.T) {
	calls := 0
	kernels := map[string]clfake.KernelFunc{
		"noop": func(args []any, global, local int) error {
			calls++
			return nil
		},
	}
	devCtx := clfake.NewContext(device.Info{PlatformName: "fake", DeviceName: "fake0"}, kernels)

	rtx, _, err := devCtx.BuildProgram("", "")
	require.NoError(t, err)
	kernel, err := rtx.NewKernel("noop")
	require.NoError(t, err)

	score, err := TimeOnDevice(context.Background(), devCtx, 128, func(ctx context.Context, q device.Queue, problemSize int64) (device.Event, error) {
		return q.EnqueueKernel(ctx, kernel, int(problemSize), 64, nil)
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls, "warm-up and timed runs should each invoke the kernel once")
	require.Equal(t, score.A, score.B)
	require.Greater(t, score.A, 0.0)
}

func TestTimeOnDevicePropagatesRunError(t *testing.T) {
	ctx := clfake.NewContext(device.Info{}, map[string]clfake.KernelFunc{})
	_, err := TimeOnDevice(context.Background(), ctx, 1, func(ctx context.Context, q device.Queue, problemSize int64) (device.Event, error) {
		return nil, context.Canceled
	})
	require.Error(t, err)
}
