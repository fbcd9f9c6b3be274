package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/rs/zerolog/log"

	"nnunet/pkg/args"
)

// Accelerators.
const (
	GPU = "gpu"
	CPU = "cpu"
)

// DeviceCounter reports the number of accelerator devices on this node.
type DeviceCounter interface {
	DeviceCount() (int, error)
}

// NVMLCounter counts NVIDIA devices through NVML.
type NVMLCounter struct{}

func (NVMLCounter) DeviceCount() (int, error) {
	lib := nvml.New()
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to initialize NVML: %v", nvml.ErrorString(ret))
	}
	defer lib.Shutdown()

	count, ret := lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// SetCUDADevices checks that the requested number of devices is available and
// exposes the first a.GPUs devices through CUDA_VISIBLE_DEVICES unless the
// variable is already set. Without any NVIDIA device the run falls back to
// CPU workers, one per requested device.
func SetCUDADevices(a *args.Args, counter DeviceCounter) (string, error) {
	count, err := counter.DeviceCount()
	if err != nil || count == 0 {
		log.Warn().Err(err).Int("devices", a.GPUs).Msg("No GPU available, running on CPU workers")
		return CPU, nil
	}
	if a.GPUs > count {
		return "", fmt.Errorf("requested %d gpus, available %d", a.GPUs, count)
	}

	if _, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); !ok {
		devices := make([]string, a.GPUs)
		for i := range devices {
			devices[i] = strconv.Itoa(i)
		}
		if err := os.Setenv("CUDA_VISIBLE_DEVICES", strings.Join(devices, ",")); err != nil {
			return "", fmt.Errorf("error setting CUDA_VISIBLE_DEVICES: %w", err)
		}
	}
	log.Debug().Str("CUDA_VISIBLE_DEVICES", os.Getenv("CUDA_VISIBLE_DEVICES")).Int("available", count).Msg("")
	return GPU, nil
}
