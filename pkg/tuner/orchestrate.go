package tuner

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clogs-go/clogs/internal/clerr"
	"github.com/clogs-go/clogs/pkg/device"
)

// ThreeFunnelPlan describes one algorithm's three-funnel tuning sequence:
// tune the reduce kernel's workgroup size; then the scan/scatter kernel's
// workgroup size × per-item work-scale; then the number of scan blocks.
// Each stage's candidates and sizes may depend on the previous stage's
// winner, since earlier parameters are fixed at the best values found
// when tuning later ones.
type ThreeFunnelPlan[P any] struct {
	Name string

	ReduceWGCandidates []int
	ReduceSizes        []int64
	TimeReduceWG       func(ctx context.Context, wg int, size int64) (Score, error)

	// ScanCandidates enumerates (workgroup, work-scale) pairs; it is called
	// with the winning ReduceWG so the candidates can depend on it.
	ScanCandidates func(reduceWG int) []P
	ScanSizes      []int64
	TimeScan       func(ctx context.Context, candidate P, reduceWG int, size int64) (Score, error)

	ScanBlocksCandidates []int
	ScanBlocksSizes      []int64
	TimeScanBlocks       func(ctx context.Context, scanBlocks int, reduceWG int, scan P, size int64) (Score, error)

	// Finalize compiles the winning (reduceWG, scan candidate, scanBlocks)
	// triple once more to capture its final program binary.
	Finalize func(ctx context.Context, reduceWG int, scan P, scanBlocks int) ([]byte, error)
}

// ThreeFunnelResult is what RunThreeFunnels hands back for persistence.
type ThreeFunnelResult[P any] struct {
	ReduceWG      int
	Scan          P
	ScanBlocks    int
	ProgramBinary []byte
}

// RunThreeFunnels executes the three sequential funnels for one algorithm
// (scan or radix sort), threading each stage's winner into the next.
func RunThreeFunnels[P any](ctx context.Context, plan ThreeFunnelPlan[P], ratio float64, report Reporter) (ThreeFunnelResult[P], error) {
	var zero ThreeFunnelResult[P]
	if report == nil {
		report = NopReporter{}
	}
	report.BeginAlgorithm(plan.Name)

	reduceIdx, err := Funnel(ctx, plan.ReduceWGCandidates, plan.ReduceSizes, ratio,
		func(ctx context.Context, wg int, size int64) (Score, error) {
			return plan.TimeReduceWG(ctx, wg, size)
		}, report)
	if err != nil {
		report.EndAlgorithm(plan.Name, -1, err)
		return zero, err
	}
	reduceWG := plan.ReduceWGCandidates[reduceIdx]

	scanCandidates := plan.ScanCandidates(reduceWG)
	scanIdx, err := Funnel(ctx, scanCandidates, plan.ScanSizes, ratio,
		func(ctx context.Context, candidate P, size int64) (Score, error) {
			return plan.TimeScan(ctx, candidate, reduceWG, size)
		}, report)
	if err != nil {
		report.EndAlgorithm(plan.Name, -1, err)
		return zero, err
	}
	scanWinner := scanCandidates[scanIdx]

	blocksIdx, err := Funnel(ctx, plan.ScanBlocksCandidates, plan.ScanBlocksSizes, ratio,
		func(ctx context.Context, blocks int, size int64) (Score, error) {
			return plan.TimeScanBlocks(ctx, blocks, reduceWG, scanWinner, size)
		}, report)
	if err != nil {
		report.EndAlgorithm(plan.Name, -1, err)
		return zero, err
	}
	scanBlocks := plan.ScanBlocksCandidates[blocksIdx]

	binary, err := plan.Finalize(ctx, reduceWG, scanWinner, scanBlocks)
	if err != nil {
		report.EndAlgorithm(plan.Name, -1, err)
		return zero, clerr.Tune("tuner: finalize compile for %s: %v", plan.Name, err)
	}

	result := ThreeFunnelResult[P]{ReduceWG: reduceWG, Scan: scanWinner, ScanBlocks: scanBlocks, ProgramBinary: binary}
	report.EndAlgorithm(plan.Name, scanBlocks, nil)
	return result, nil
}

// tunedKey identifies one (algorithm, device, problem) triple already
// tuned in this process: a persistent in-memory set that prevents
// redundant work within one bulk-tune run.
type tunedKey struct {
	Algorithm string
	Device    device.Fingerprint
	Problem   string
}

// Registry tracks already-tuned triples across one bulk-tune run and
// implements TuneAll's KeepGoing demotion of a single failure to a logged
// skip instead of aborting the whole run.
type Registry struct {
	mu        sync.Mutex
	done      map[tunedKey]struct{}
	KeepGoing bool
}

// NewRegistry returns an empty bulk-tune registry.
func NewRegistry(keepGoing bool) *Registry {
	return &Registry{done: make(map[tunedKey]struct{}), KeepGoing: keepGoing}
}

// AlreadyTuned reports whether (algorithm, fp, problem) was already
// recorded via MarkTuned in this registry.
func (r *Registry) AlreadyTuned(algorithm string, fp device.Fingerprint, problem string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.done[tunedKey{algorithm, fp, problem}]
	return ok
}

// MarkTuned records (algorithm, fp, problem) as tuned.
func (r *Registry) MarkTuned(algorithm string, fp device.Fingerprint, problem string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[tunedKey{algorithm, fp, problem}] = struct{}{}
}

// Job is one unit of bulk-tuning work: tune this algorithm/problem and
// persist the result, or return an error.
type Job struct {
	Algorithm string
	Device    device.Fingerprint
	Problem   string
	Run       func(ctx context.Context) error
}

// TuneAll runs every job not already recorded in reg, persisting each via
// Job.Run. Jobs run concurrently, bounded by maxConcurrentProbes, since
// each targets an independent (algorithm, problem) parameter-cache row and
// the underlying device.Context tolerates concurrent program builds. When
// reg.KeepGoing is set, a failing job is logged and skipped rather than
// aborting the remaining jobs; otherwise the first error cancels the rest.
func TuneAll(ctx context.Context, reg *Registry, jobs []Job) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentProbes())

	var mu sync.Mutex
	var errs []error

	for _, job := range jobs {
		job := job
		if reg.AlreadyTuned(job.Algorithm, job.Device, job.Problem) {
			continue
		}
		group.Go(func() error {
			if err := job.Run(groupCtx); err != nil {
				log.WithFields(logrus.Fields{
					"algorithm": job.Algorithm, "problem": job.Problem, "error": err,
				}).Warn("tuning: job failed")
				if !reg.KeepGoing {
					return err
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			reg.MarkTuned(job.Algorithm, job.Device, job.Problem)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return clerr.Tune("tuner: %d of %d bulk-tune jobs failed", len(errs), len(jobs))
	}
	return nil
}
