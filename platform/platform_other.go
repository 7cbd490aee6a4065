// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package platform

const isLinux = false

// None of the probes below have a non-Linux implementation; they report the
// same Unknown/false defaults PlatformProbe falls back to on Linux when a
// read fails, per spec.md §4.1's "reverts... to Unknown" rule.

func probeCPUClass() CPUClass {
	return CPUUnknown
}

func probeCLFlush() bool {
	return false
}

func probeFence() bool {
	return false
}

func probeCacheLineSize() int {
	return 0
}

func probeCacheMode() CacheMode {
	return CacheUnknown
}

func probeV86() bool {
	return false
}

func probePCIBIOSVersion() uint16 {
	return 0
}

func probePCIHostBridge() (vendor, device uint16, ok bool) {
	return 0, 0, false
}
