// Command clogs-benchmark exercises one of the scan, reduce or radix-sort
// engines against a caller-chosen device and item count, reporting a
// per-iteration timing summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clogs-go/clogs/internal/devselect"
	"github.com/clogs-go/clogs/pkg/cltype"
	"github.com/clogs-go/clogs/pkg/device"
	"github.com/clogs-go/clogs/pkg/paramcache"
	"github.com/clogs-go/clogs/pkg/radixsort"
	"github.com/clogs-go/clogs/pkg/reduce"
	"github.com/clogs-go/clogs/pkg/scan"
	"github.com/clogs-go/clogs/pkg/tuner"
)

const (
	exitOK       = 0
	exitUserErr  = 1
	exitInternal = 2
)

var log = logrus.WithField("component", "clogs-benchmark")

func main() {
	os.Exit(run())
}

func run() int {
	algorithm := flag.String("algorithm", "", "one of scan, reduce, sort")
	items := flag.Int64("items", 1<<20, "number of elements to process")
	iterations := flag.Int("iterations", 10, "number of timed iterations")
	deviceName := flag.String("cl-device", "", "substring match against the device name")
	preferCPU := flag.Bool("cl-cpu", false, "restrict to CPU devices")
	preferGPU := flag.Bool("cl-gpu", false, "restrict to GPU devices")
	flag.Parse()

	if *items <= 0 || *iterations <= 0 {
		fmt.Fprintln(os.Stderr, "clogs-benchmark: --items and --iterations must be positive")
		return exitUserErr
	}

	devCtx, release, err := devselect.Open(devselect.Options{DeviceName: *deviceName, PreferCPU: *preferCPU, PreferGPU: *preferGPU})
	if err != nil {
		fmt.Fprintf(os.Stderr, "clogs-benchmark: %v\n", err)
		return exitUserErr
	}
	defer release()
	log.WithField("device", devselect.Describe(devCtx.Info())).Info("resolved device")

	db, err := paramcache.Shared()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clogs-benchmark: opening parameter cache: %v\n", err)
		return exitInternal
	}

	ctx := context.Background()
	policy := tuner.Policy{Enabled: true, Verbosity: tuner.Terse}
	elemType, err := cltype.New(cltype.U32, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clogs-benchmark: %v\n", err)
		return exitInternal
	}

	var run func(q device.Queue) (device.Event, error)

	switch *algorithm {
	case "scan":
		engine, err := scan.New(ctx, devCtx, scan.Problem{ElementType: elemType}, paramcache.OpenScanTable(db), policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: building scan engine: %v\n", err)
			return exitInternal
		}
		n := int(*items)
		in, out, prepErr := prepareBuffers(devCtx, elemType, n, false)
		if prepErr != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: %v\n", prepErr)
			return exitInternal
		}
		run = func(q device.Queue) (device.Event, error) {
			return engine.Enqueue(ctx, q, in, 0, n, out, 0, nil)
		}
	case "reduce":
		engine, err := reduce.New(ctx, devCtx, reduce.Problem{ElementType: elemType}, paramcache.OpenReduceTable(db), policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: building reduce engine: %v\n", err)
			return exitInternal
		}
		n := int(*items)
		in, out, prepErr := prepareBuffers(devCtx, elemType, n, true)
		if prepErr != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: %v\n", prepErr)
			return exitInternal
		}
		run = func(q device.Queue) (device.Event, error) {
			return engine.EnqueueDeviceToDevice(ctx, q, in, 0, n, out, 0, nil)
		}
	case "sort":
		engine, err := radixsort.New(ctx, devCtx, radixsort.Problem{KeyType: elemType, ValueType: cltype.VoidType}, paramcache.OpenRadixSortTable(db), policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: building radix-sort engine: %v\n", err)
			return exitInternal
		}
		n := int(*items)
		keys, err := devCtx.NewBuffer(n*elemType.Size(), device.ReadWrite)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: allocating keys buffer: %v\n", err)
			return exitInternal
		}
		run = func(q device.Queue) (device.Event, error) {
			return engine.Enqueue(ctx, q, keys, nil, n, 0, nil)
		}
	default:
		fmt.Fprintln(os.Stderr, "clogs-benchmark: --algorithm must be one of scan, reduce, sort")
		return exitUserErr
	}

	q, err := devCtx.NewQueue(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clogs-benchmark: creating profiling queue: %v\n", err)
		return exitInternal
	}

	var total time.Duration
	for i := 0; i < *iterations; i++ {
		ev, err := run(q)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: iteration %d failed: %v\n", i, err)
			return exitInternal
		}
		if err := ev.Wait(); err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: iteration %d failed: %v\n", i, err)
			return exitInternal
		}
		start, end, err := ev.ProfilingNanos()
		if err != nil {
			fmt.Fprintf(os.Stderr, "clogs-benchmark: iteration %d profiling unavailable: %v\n", i, err)
			return exitInternal
		}
		total += time.Duration(end - start)
	}

	mean := total / time.Duration(*iterations)
	fmt.Printf("algorithm=%s items=%d iterations=%d mean=%s\n", *algorithm, *items, *iterations, mean)
	return exitOK
}

func prepareBuffers(devCtx device.Context, elemType cltype.Type, n int, reduceOut bool) (device.Buffer, device.Buffer, error) {
	in, err := devCtx.NewBuffer(n*elemType.Size(), device.Read)
	if err != nil {
		return nil, nil, err
	}
	outSize := n
	if reduceOut {
		outSize = 1
	}
	out, err := devCtx.NewBuffer(outSize*elemType.Size(), device.Write)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}
