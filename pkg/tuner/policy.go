package tuner

import "github.com/sirupsen/logrus"

// Verbosity controls how much progress a Reporter surfaces: silent,
// terse, or normal.
type Verbosity int

const (
	Silent Verbosity = iota
	Terse
	Normal
)

// Policy carries the tuning policy: whether tuning may run at all, how
// much it reports, and where reports go.
type Policy struct {
	// Enabled gates whether a cache miss may trigger tuning. When false, a
	// miss is a hard error (clerr.ErrCache) rather than an autotune attempt.
	Enabled bool

	Verbosity Verbosity

	// Reporter receives progress events. Defaults to a logrus-backed
	// reporter at the configured Verbosity when nil.
	Reporter Reporter
}

// ReporterFor resolves p.Reporter for algorithm, defaulting to a
// logrus-backed reporter at p.Verbosity (or NopReporter when Silent).
func (p Policy) ReporterFor(algorithm string) Reporter {
	if p.Reporter != nil {
		return p.Reporter
	}
	if p.Verbosity == Silent {
		return NopReporter{}
	}
	return &logReporter{algorithm: algorithm, verbosity: p.Verbosity}
}

// Reporter receives the begin/end events a funnel run emits: begin
// algorithm, begin group, begin test, end test (success flag), end group,
// end algorithm.
type Reporter interface {
	BeginAlgorithm(name string)
	BeginGroup(phase int, problemSize int64, candidateCount int)
	BeginTest(phase, candidateIndex int)
	EndTest(phase, candidateIndex int, ok bool)
	EndGroup(phase, winner int)
	EndAlgorithm(name string, winner int, err error)
}

// NopReporter discards every event; used when Policy.Verbosity is Silent.
type NopReporter struct{}

func (NopReporter) BeginAlgorithm(string)          {}
func (NopReporter) BeginGroup(int, int64, int)     {}
func (NopReporter) BeginTest(int, int)             {}
func (NopReporter) EndTest(int, int, bool)         {}
func (NopReporter) EndGroup(int, int)              {}
func (NopReporter) EndAlgorithm(string, int, error) {}

type logReporter struct {
	algorithm string
	verbosity Verbosity
}

func (r *logReporter) BeginAlgorithm(name string) {
	log.WithField("algorithm", name).Info("tuning: begin algorithm")
}

func (r *logReporter) BeginGroup(phase int, problemSize int64, candidateCount int) {
	if r.verbosity < Normal {
		return
	}
	log.WithFields(logrus.Fields{
		"algorithm": r.algorithm, "phase": phase, "problem_size": problemSize, "candidates": candidateCount,
	}).Debug("tuning: begin group")
}

func (r *logReporter) BeginTest(phase, candidateIndex int) {
	if r.verbosity < Normal {
		return
	}
	log.WithFields(logrus.Fields{"algorithm": r.algorithm, "phase": phase, "candidate": candidateIndex}).
		Trace("tuning: begin test")
}

func (r *logReporter) EndTest(phase, candidateIndex int, ok bool) {
	if r.verbosity < Normal {
		return
	}
	log.WithFields(logrus.Fields{
		"algorithm": r.algorithm, "phase": phase, "candidate": candidateIndex, "ok": ok,
	}).Trace("tuning: end test")
}

func (r *logReporter) EndGroup(phase, winner int) {
	if r.verbosity < Terse {
		return
	}
	log.WithFields(logrus.Fields{"algorithm": r.algorithm, "phase": phase, "winner": winner}).
		Debug("tuning: end group")
}

func (r *logReporter) EndAlgorithm(name string, winner int, err error) {
	entry := log.WithFields(logrus.Fields{"algorithm": name, "winner": winner})
	if err != nil {
		entry.WithError(err).Warn("tuning: end algorithm (failed)")
		return
	}
	entry.Info("tuning: end algorithm")
}
