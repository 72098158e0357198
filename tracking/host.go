package tracking

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// HostTags describes the machine a run executes on.
func HostTags() map[string]string {
	tags := map[string]string{
		"host.os":             runtime.GOOS,
		"host.arch":           runtime.GOARCH,
		"host.go_version":     runtime.Version(),
		"host.cpu":            strings.TrimSpace(cpuid.CPU.BrandName),
		"host.cpu_vendor":     cpuid.CPU.VendorString,
		"host.physical_cores": strconv.Itoa(cpuid.CPU.PhysicalCores),
		"host.logical_cores":  strconv.Itoa(cpuid.CPU.LogicalCores),
	}
	var simd []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			simd = append(simd, f.String())
		}
	}
	if len(simd) > 0 {
		tags["host.cpu_features"] = strings.Join(simd, ",")
	}
	if name, err := os.Hostname(); err == nil {
		tags["host.name"] = name
	}
	return tags
}
