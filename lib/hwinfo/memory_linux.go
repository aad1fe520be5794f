// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Memory is a point-in-time memory reading in bytes.
type Memory struct {
	Available uint64
	Total     uint64
}

// Load returns the used fraction of total memory, 0..1.
func (m Memory) Load() float64 {
	if m.Total == 0 || m.Available > m.Total {
		return 0
	}
	return float64(m.Total-m.Available) / float64(m.Total)
}

// ReadMemory returns the current reading. ok is false when neither
// source is usable.
func ReadMemory() (Memory, bool) {
	if memory, ok := readMeminfo("/proc/meminfo"); ok {
		return memory, true
	}
	return readSysinfo()
}

func readMeminfo(path string) (Memory, bool) {
	file, err := os.Open(path)
	if err != nil {
		return Memory{}, false
	}
	defer file.Close()

	var memory Memory
	var haveAvailable, haveTotal bool
	scanner := bufio.NewScanner(file)
	for scanner.Scan() && !(haveAvailable && haveTotal) {
		// "MemAvailable:   12345678 kB"
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) == 3 && fields[2] == "kB" {
			value *= 1024
		}
		switch fields[0] {
		case "MemTotal:":
			memory.Total, haveTotal = value, true
		case "MemAvailable:":
			memory.Available, haveAvailable = value, true
		}
	}
	return memory, haveAvailable && haveTotal
}

func readSysinfo() (Memory, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Memory{}, false
	}
	unit := uint64(info.Unit)
	return Memory{
		Available: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
		Total:     uint64(info.Totalram) * unit,
	}, true
}
