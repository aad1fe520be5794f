// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// CPUSample is cumulative busy and idle jiffies across all CPUs.
type CPUSample struct {
	Busy uint64
	Idle uint64
}

// ReadCPU samples /proc/stat. ok is false if it cannot be parsed.
func ReadCPU() (CPUSample, bool) {
	return readCPUFrom("/proc/stat")
}

func readCPUFrom(path string) (CPUSample, bool) {
	file, err := os.Open(path)
	if err != nil {
		return CPUSample{}, false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return CPUSample{}, false
	}
	// cpu user nice system idle iowait irq softirq steal [guest guest_nice]
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return CPUSample{}, false
	}
	var values [8]uint64
	for i := range values {
		parsed, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return CPUSample{}, false
		}
		values[i] = parsed
	}
	// guest time is already folded into user and nice.
	return CPUSample{
		Busy: values[0] + values[1] + values[2] + values[5] + values[6] + values[7],
		Idle: values[3] + values[4],
	}, true
}

// CPULoad returns the busy fraction between two samples, 0..1.
func CPULoad(previous, current CPUSample) float32 {
	if current.Busy < previous.Busy || current.Idle < previous.Idle {
		return 0
	}
	busy := current.Busy - previous.Busy
	total := busy + current.Idle - previous.Idle
	if total == 0 {
		return 0
	}
	return float32(busy) / float32(total)
}
