// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo reads host memory and CPU load for the memory
// governor and the coordinator's own session updates.
//
// [ReadMemory] prefers MemAvailable from /proc/meminfo, which counts
// reclaimable page cache, and falls back to sysinfo(2) free plus
// buffer memory. [ReadCPU] samples the aggregate line of /proc/stat;
// [CPULoad] turns two samples into a 0..1 load fraction.
package hwinfo
