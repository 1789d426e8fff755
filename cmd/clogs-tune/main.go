// Command clogs-tune bulk-tunes scan, reduce and radix-sort parameters for
// one OpenCL device across every type clogs supports, persisting the
// winners into the shared parameter cache.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/clogs-go/clogs/internal/clerr"
	"github.com/clogs-go/clogs/internal/devselect"
	"github.com/clogs-go/clogs/pkg/cltype"
	"github.com/clogs-go/clogs/pkg/device"
	"github.com/clogs-go/clogs/pkg/paramcache"
	"github.com/clogs-go/clogs/pkg/radixsort"
	"github.com/clogs-go/clogs/pkg/reduce"
	"github.com/clogs-go/clogs/pkg/scan"
	"github.com/clogs-go/clogs/pkg/tuner"
)

// exit codes: 0 success, 1 bad usage, 2 internal failure.
const (
	exitOK       = 0
	exitUserErr  = 1
	exitInternal = 2
)

var log = logrus.WithField("component", "clogs-tune")

func main() {
	os.Exit(run())
}

func run() int {
	force := flag.Bool("force", false, "retune even when a cached parameter row already exists")
	deviceName := flag.String("cl-device", "", "substring match against the device name")
	preferCPU := flag.Bool("cl-cpu", false, "restrict to CPU devices")
	preferGPU := flag.Bool("cl-gpu", false, "restrict to GPU devices")
	keepGoing := flag.Bool("keep-going", false, "log and skip a failing job instead of aborting the run")
	flag.Parse()

	if *preferCPU && *preferGPU {
		fmt.Fprintln(os.Stderr, "clogs-tune: --cl-cpu and --cl-gpu are mutually exclusive")
		return exitUserErr
	}

	devCtx, release, err := devselect.Open(devselect.Options{DeviceName: *deviceName, PreferCPU: *preferCPU, PreferGPU: *preferGPU})
	if err != nil {
		fmt.Fprintf(os.Stderr, "clogs-tune: %v\n", err)
		return exitUserErr
	}
	defer release()
	log.WithField("device", devselect.Describe(devCtx.Info())).Info("resolved device")

	db, err := paramcache.Shared()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clogs-tune: opening parameter cache: %v\n", err)
		return exitInternal
	}

	reg := tuner.NewRegistry(*keepGoing)
	jobs := buildJobs(devCtx, db, *force)

	ctx := context.Background()
	if err := tuner.TuneAll(ctx, reg, jobs); err != nil {
		fmt.Fprintf(os.Stderr, "clogs-tune: %v\n", err)
		return exitInternal
	}
	log.WithField("jobs", len(jobs)).Info("tuning complete")
	return exitOK
}

// forceMiss wraps a parameter table so Lookup always misses, driving
// New/tuneX down the tuning path regardless of what is already cached.
type forceMiss[K any, V any] struct {
	inner interface {
		Lookup(K) (V, error)
		Store(K, V) error
	}
}

func (f forceMiss[K, V]) Lookup(key K) (V, error) {
	var zero V
	return zero, clerr.NotFound("clogs-tune: forced cache miss")
}

func (f forceMiss[K, V]) Store(key K, value V) error { return f.inner.Store(key, value) }

func buildJobs(devCtx device.Context, db *sql.DB, force bool) []tuner.Job {
	fp := devCtx.Info().Fingerprint()
	policy := tuner.Policy{Enabled: true, Verbosity: tuner.Terse}

	var jobs []tuner.Job

	scanTable := paramcache.OpenScanTable(db)
	reduceTable := paramcache.OpenReduceTable(db)
	radixTable := paramcache.OpenRadixSortTable(db)

	for _, t := range cltype.AllTypes() {
		t := t
		if !t.Base.IsIntegral() {
			continue
		}
		problem := t.Name()

		jobs = append(jobs, tuner.Job{
			Algorithm: "scan", Device: fp, Problem: problem,
			Run: func(ctx context.Context) error {
				table := tableFor[paramcache.ScanKey, paramcache.ScanRecord](scanTable, force)
				_, err := scan.New(ctx, devCtx, scan.Problem{ElementType: t}, table, policy)
				return err
			},
		})
		jobs = append(jobs, tuner.Job{
			Algorithm: "reduce", Device: fp, Problem: problem,
			Run: func(ctx context.Context) error {
				table := tableFor[paramcache.ReduceKey, paramcache.ReduceRecord](reduceTable, force)
				_, err := reduce.New(ctx, devCtx, reduce.Problem{ElementType: t}, table, policy)
				return err
			},
		})
		if !t.Base.IsUnsignedInteger() || t.Length != 1 {
			continue
		}
		jobs = append(jobs, tuner.Job{
			Algorithm: "radixsort", Device: fp, Problem: problem + "/void",
			Run: func(ctx context.Context) error {
				table := tableFor[paramcache.RadixSortKey, paramcache.RadixSortRecord](radixTable, force)
				_, err := radixsort.New(ctx, devCtx, radixsort.Problem{KeyType: t, ValueType: cltype.VoidType}, table, policy)
				return err
			},
		})
	}
	return jobs
}

func tableFor[K any, V any](inner interface {
	Lookup(K) (V, error)
	Store(K, V) error
}, force bool) interface {
	Lookup(K) (V, error)
	Store(K, V) error
} {
	if force {
		return forceMiss[K, V]{inner: inner}
	}
	return inner
}
