package resources

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// HostSampler reads memory and disk utilization from the local host. GPU
// utilization is reported through the optional GPUSample hook; without one
// the GPU reading stays at zero and pressure is driven by memory and disk
// alone.
type HostSampler struct {
	// DiskPath is the filesystem whose usage is sampled (the checkpoint
	// directory, typically).
	DiskPath string

	// GPUSample, if set, returns GPU utilization in [0,1].
	GPUSample func(ctx context.Context) (float64, error)
}

func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample

	mem, err := memoryUtilization()
	if err != nil {
		return s, fmt.Errorf("sample memory: %w", err)
	}
	s.MemoryUtilization = mem

	if h.DiskPath != "" {
		disk, err := diskUtilization(h.DiskPath)
		if err != nil {
			return s, fmt.Errorf("sample disk: %w", err)
		}
		s.DiskUtilization = disk
	}

	if h.GPUSample != nil {
		gpu, err := h.GPUSample(ctx)
		if err != nil {
			return s, fmt.Errorf("sample gpu: %w", err)
		}
		s.GPUUtilization = gpu
	}
	return s, nil
}

// memoryUtilization reads /proc/meminfo. Hosts without it (non-Linux)
// report zero rather than failing, so the other inputs still drive
// pressure.
func memoryUtilization() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total <= 0 {
		return 0, nil
	}
	return 1 - available/total, nil
}

func diskUtilization(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total <= 0 {
		return 0, nil
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return 1 - free/total, nil
}
