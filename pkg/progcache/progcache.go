// Package progcache implements the program cache: it builds device
// programs from named kernel source with #define injection, and tries a
// previously-cached compiled binary before falling back to source.
package progcache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clogs-go/clogs/internal/clerr"
	"github.com/clogs-go/clogs/pkg/device"
	"github.com/sirupsen/logrus"
)

// SourceProvider resolves a named kernel source fragment ("scan.cl",
// "reduce.cl", "radixsort.cl") to its text. Kernel source is an opaque,
// externally-supplied input; the only provider clogs ships is the
// embed.FS-backed one in each engine package's kernels directory.
type SourceProvider interface {
	Source(fragment string) (string, error)
}

// Request bundles the inputs to Build.
type Request struct {
	Fragment string
	Provider SourceProvider

	// IntDefines and StringDefines become "#define NAME VALUE" lines
	// ahead of the fragment source.
	IntDefines    map[string]int64
	StringDefines map[string]string

	// ExtraBuildOptions is appended verbatim to the compiler invocation.
	ExtraBuildOptions string

	// CachedBinary is the program binary recovered from pkg/paramcache, or
	// nil on a cache miss.
	CachedBinary []byte

	// AllowSource permits compiling from source when CachedBinary is
	// absent or rejected. When false, a miss is reported as NotFound
	// rather than triggering a build.
	AllowSource bool

	// ForceSource skips the cached-binary attempt even when CachedBinary is
	// present; it is a unit-test-mode flag, threaded explicitly here
	// rather than through a global.
	ForceSource bool
}

// Result is what Build hands back: the built program, its build log (for
// diagnostics), and the binary extracted from it so the caller
// (pkg/tuner, or an engine re-installing a cache hit) can persist it.
type Result struct {
	Program device.Program
	Log     []byte
	Binary  []byte
	// FromCache is true when the result came from CachedBinary rather than
	// a fresh source build.
	FromCache bool
}

var log = logrus.WithField("component", "progcache")

// Build resolves a program from CachedBinary when usable, falling back
// to compiling Fragment from source with the given #define injections.
func Build(ctx device.Context, req Request) (*Result, error) {
	if !req.ForceSource && len(req.CachedBinary) > 0 {
		prog, err := ctx.ProgramFromBinary(req.CachedBinary)
		if err == nil {
			binary, binErr := prog.Binary()
			if binErr != nil {
				binary = req.CachedBinary
			}
			log.WithField("fragment", req.Fragment).Debug("program cache hit: rebuilt from stored binary")
			return &Result{Program: prog, Binary: binary, FromCache: true}, nil
		}
		log.WithFields(logrus.Fields{"fragment": req.Fragment, "error": err}).
			Debug("cached binary rejected, falling back to source")
	}

	if !req.AllowSource {
		return nil, clerr.NotFound("progcache: no usable cached binary for %q and source build disabled", req.Fragment)
	}

	source, err := req.Provider.Source(req.Fragment)
	if err != nil {
		return nil, clerr.Internal("progcache: loading fragment %q: %v", req.Fragment, err)
	}

	header := buildHeader(req.Fragment, req.IntDefines, req.StringDefines)
	full := header + source

	prog, buildLog, err := ctx.BuildProgram(full, req.ExtraBuildOptions)
	if err != nil {
		return nil, clerr.Internal("progcache: build of %q failed: %v\n%s", req.Fragment, err, string(buildLog))
	}

	binary, err := prog.Binary()
	if err != nil {
		return nil, clerr.Internal("progcache: extracting binary for %q: %v", req.Fragment, err)
	}

	return &Result{Program: prog, Log: buildLog, Binary: binary}, nil
}

// buildHeader synthesizes the #define lines followed by a source-locator
// comment, in a deterministic key order so identical requests produce
// byte-identical source (and therefore identical cache keys upstream).
func buildHeader(fragment string, ints map[string]int64, strs map[string]string) string {
	var b strings.Builder
	for _, name := range sortedKeys(ints) {
		fmt.Fprintf(&b, "#define %s %d\n", name, ints[name])
	}
	for _, name := range sortedKeys(strs) {
		fmt.Fprintf(&b, "#define %s %s\n", name, strs[name])
	}
	fmt.Fprintf(&b, "// clogs: source %s\n", fragment)
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
