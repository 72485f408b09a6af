package agent

import (
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

// rknpuLoadPath is the kernel debugfs file exposing per-core NPU load on
// Rockchip boards.
const rknpuLoadPath = "/sys/kernel/debug/rknpu/load"

// XPUReader returns the accelerator utilisation in [0,1].
type XPUReader func() float64

func zeroXPU() float64 { return 0 }

// XPUReaderFor picks the accelerator probe for a hardware family. Families
// without a known probe report zero utilisation.
func XPUReaderFor(dt types.DeviceType) XPUReader {
	switch dt {
	case types.DeviceTypeRK3588:
		return readRKNPU
	case types.DeviceTypeAtlasL, types.DeviceTypeAtlasH:
		return readAscendNPU
	default:
		return zeroXPU
	}
}

func readRKNPU() float64 {
	data, err := os.ReadFile(rknpuLoadPath)
	if err != nil {
		logger := log.WithComponent("sampler")
		logger.Debug().Err(err).Msg("rknpu load unavailable")
		return 0
	}
	return parseRKNPULoad(string(data))
}

var rknpuCoreRe = regexp.MustCompile(`Core\d+:\s*(\d+)%`)

// parseRKNPULoad averages the per-core percentages of an rknpu load dump,
// e.g. "NPU load:  Core0:  0%, Core1: 25%, Core2:  0%,".
func parseRKNPULoad(s string) float64 {
	matches := rknpuCoreRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		sum += pct
	}
	return clamp01(sum / float64(len(matches)) / 100.0)
}

var ascendUtilRe = regexp.MustCompile(`(\d+)\s*%`)

// readAscendNPU shells out to npu-smi and takes the first utilisation
// percentage it prints.
func readAscendNPU() float64 {
	out, err := exec.Command("npu-smi", "info").Output()
	if err != nil {
		logger := log.WithComponent("sampler")
		logger.Debug().Err(err).Msg("npu-smi unavailable")
		return 0
	}
	for _, line := range strings.Split(string(out), "\n") {
		if m := ascendUtilRe.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			return clamp01(pct / 100.0)
		}
	}
	return 0
}
