//go:build opencl
// +build opencl

// Package devselect resolves the CLI's --cl-device/--cl-cpu/--cl-gpu flags
// into one internal/clruntime/clopencl device.Context. It is the
// only place clogs-tune and clogs-benchmark touch cgo, so the tools
// themselves build without the opencl tag (and fail with a clear error at
// startup instead of failing to link).
package devselect

import (
	"fmt"
	"strings"

	"github.com/clogs-go/clogs/internal/clruntime/clopencl"
	"github.com/clogs-go/clogs/pkg/device"
)

// Options narrows the platform/device search space.
type Options struct {
	DeviceName string
	PreferCPU  bool
	PreferGPU  bool
}

// Open enumerates OpenCL platforms and devices, picks the first match for
// opts, and returns an opened context wrapping it plus a release func the
// caller must defer.
func Open(opts Options) (device.Context, func(), error) {
	platforms, err := clopencl.Platforms()
	if err != nil {
		return nil, nil, fmt.Errorf("devselect: %w", err)
	}

	kind := clopencl.AnyDevice
	switch {
	case opts.PreferCPU:
		kind = clopencl.CPUDevice
	case opts.PreferGPU:
		kind = clopencl.GPUDevice
	}

	for _, p := range platforms {
		devices, err := p.Devices(kind)
		if err != nil {
			continue
		}
		for _, d := range devices {
			if opts.DeviceName != "" && !strings.Contains(strings.ToLower(d.Info().DeviceName), strings.ToLower(opts.DeviceName)) {
				continue
			}
			ctx, err := clopencl.NewContext(d)
			if err != nil {
				return nil, nil, fmt.Errorf("devselect: %w", err)
			}
			return ctx, ctx.Release, nil
		}
	}
	return nil, nil, fmt.Errorf("devselect: no matching OpenCL device found")
}

// Describe renders a one-line summary of a resolved device for log output.
func Describe(info device.Info) string {
	return fmt.Sprintf("%s / %s (driver %s)", info.PlatformName, info.DeviceName, info.DriverVersion)
}
