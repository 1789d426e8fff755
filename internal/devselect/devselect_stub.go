//go:build !opencl
// +build !opencl

package devselect

import (
	"fmt"

	"github.com/clogs-go/clogs/pkg/device"
)

// Options narrows the platform/device search space.
type Options struct {
	DeviceName string
	PreferCPU  bool
	PreferGPU  bool
}

// Open always fails: this build was not compiled with -tags opencl, so no
// real device.Context implementation is linked in.
func Open(opts Options) (device.Context, func(), error) {
	return nil, nil, fmt.Errorf("devselect: built without -tags opencl; no device backend available")
}

// Describe renders a one-line summary of a resolved device for log output.
func Describe(info device.Info) string {
	return fmt.Sprintf("%s / %s (driver %s)", info.PlatformName, info.DeviceName, info.DriverVersion)
}
