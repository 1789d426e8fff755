package tuner

import (
	"context"

	"github.com/clogs-go/clogs/internal/clerr"
	"github.com/clogs-go/clogs/pkg/device"
)

// Run is the body a candidate executes once: build whatever program/buffers
// it needs against ctx, enqueue the work sized to problemSize on q, and
// return the event whose profiling counters should be timed. Run is called
// twice per TimeOnDevice invocation — once as an untimed warm-up, once
// timed — so it must be safe to call repeatedly and must not assume any
// state survives between calls: each timing call runs in a fresh,
// device-scoped context.
type Run func(ctx context.Context, q device.Queue, problemSize int64) (device.Event, error)

// TimeOnDevice measures one candidate robustly: a profiling-enabled queue
// is created fresh, an untimed warm-up executes run once to pay for lazy
// compilation/allocation, then a second, timed execution's event supplies
// the elapsed nanoseconds used to compute a throughput rate (problemSize
// per nanosecond), reported back as both A and B of a Score — higher is
// faster, matching Funnel's highest-A-wins selection. Callers that want an
// asymmetric (A, B) tie-break bias wrap TimeOnDevice rather than
// reimplementing it.
func TimeOnDevice(ctx context.Context, devCtx device.Context, problemSize int64, run Run) (Score, error) {
	warmQueue, err := devCtx.NewQueue(false)
	if err != nil {
		return Score{}, clerr.Tune("tuner: creating warm-up queue: %v", err)
	}
	if _, err := run(ctx, warmQueue, problemSize); err != nil {
		return Score{}, err
	}

	timedQueue, err := devCtx.NewQueue(true)
	if err != nil {
		return Score{}, clerr.Tune("tuner: creating profiling queue: %v", err)
	}
	event, err := run(ctx, timedQueue, problemSize)
	if err != nil {
		return Score{}, err
	}
	if event == nil {
		return Score{}, clerr.Internal("tuner: run returned a nil event under a profiling queue")
	}
	if err := event.Wait(); err != nil {
		return Score{}, err
	}
	start, end, err := event.ProfilingNanos()
	if err != nil {
		return Score{}, clerr.Tune("tuner: reading profiling counters: %v", err)
	}
	nanos := float64(end - start)
	if nanos <= 0 {
		return Score{}, clerr.Internal("tuner: non-positive elapsed time from profiling counters")
	}
	rate := float64(problemSize) / nanos
	return Score{A: rate, B: rate}, nil
}
