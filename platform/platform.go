// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package platform implements PlatformProbe: static, one-shot detection of
// everything knowable about the host without destructive testing. It never
// does blind I/O probes; chipset identification uses only standardized
// PCI-configuration-space reads via the BIOS interrupt (package pcibios).
//
// Any probe step that cannot complete reverts the corresponding field to
// Unknown and never widens capability, matching the teacher's
// host/cpu.go and host/distro.go convention of caching a best-effort value
// and falling back silently rather than panicking.
package platform

import (
	"sync"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/platform/pcibios"
)

// CPUClass is the coarse x86 processor generation.
type CPUClass int

// The CPU classes the probe distinguishes, from oldest to newest.
const (
	CPUUnknown CPUClass = iota
	CPU286
	CPU386
	CPU486
	CPUPentium
	CPUPentiumPro // P6-class and later: Pentium Pro/II/III/4-era.
)

func (c CPUClass) String() string {
	switch c {
	case CPU286:
		return "286"
	case CPU386:
		return "386"
	case CPU486:
		return "486"
	case CPUPentium:
		return "pentium"
	case CPUPentiumPro:
		return "pentium-pro+"
	default:
		return "unknown"
	}
}

// CacheMode is the processor's cache behaviour as configured by the BIOS or
// memory manager.
type CacheMode int

// The cache modes PlatformProbe can identify.
const (
	CacheUnknown CacheMode = iota
	CacheWriteThrough
	CacheWriteBack
	CacheDisabled
)

func (m CacheMode) String() string {
	switch m {
	case CacheWriteThrough:
		return "write-through"
	case CacheWriteBack:
		return "write-back"
	case CacheDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Report is everything PlatformProbe learned about the host in one pass.
type Report struct {
	CPUClass CPUClass
	// HasCLFlush is true when the processor advertises a per-line
	// cache-flush instruction (the x86 CLFLUSH feature bit).
	HasCLFlush bool
	// HasFence is true when explicit memory fence instructions are
	// available (SFENCE/LFENCE/MFENCE), a prerequisite for relying on T1
	// cache-tier ordering without also flushing.
	HasFence bool
	// CacheLineSize in bytes; 0 if unknown.
	CacheLineSize int
	CacheMode     CacheMode
	// V86Active is true when the process is executing under a virtual-8086
	// memory-manager host (e.g. EMM386, QEMM, Windows DOS box).
	V86Active bool
	// PCIBIOSVersion is the BCD-encoded PCI BIOS version (e.g. 0x0210 for
	// 2.10), or 0 if no PCI BIOS was found.
	PCIBIOSVersion uint16
	Chipset        pcibios.Chipset
	ChipsetConf    pcibios.Confidence
}

// HasPCIBIOS reports whether a PCI BIOS was detected at all.
func (r Report) HasPCIBIOS() bool { return r.PCIBIOSVersion != 0 }

// Prober detects platform characteristics. The default implementation reads
// standard host-exposed facts (cpuinfo-style flags, a V86 marker, PCI BIOS
// presence); tests substitute a fake.
type Prober interface {
	Probe() Report
}

// hostProber is the production Prober, backed by OS-specific probes that
// degrade to Unknown on any failure, exactly like host/cpu.go's
// getMaxSpeedLinux and host/distro.go's OSRelease caching.
type hostProber struct {
	once   sync.Once
	report Report
}

// Default is the production platform prober.
var Default Prober = &hostProber{}

// Probe implements Prober. The result is computed once and cached, mirroring
// host/cpu.go's sync.Once-guarded lazy probe.
func (h *hostProber) Probe() Report {
	h.once.Do(func() {
		h.report = probeHost()
	})
	return h.report
}

// probeHost runs every individual probe step, downgrading any step that
// fails to its Unknown zero value rather than propagating an error: per
// spec.md §4.1, "any probe step that cannot complete reverts the
// corresponding field to Unknown and never widens capability."
func probeHost() Report {
	var r Report
	r.CPUClass = probeCPUClass()
	r.HasCLFlush = probeCLFlush()
	r.HasFence = probeFence()
	r.CacheLineSize = probeCacheLineSize()
	r.CacheMode = probeCacheMode()
	r.V86Active = probeV86()
	r.PCIBIOSVersion = probePCIBIOSVersion()
	if r.HasPCIBIOS() {
		r.Chipset, r.ChipsetConf = pcibios.Identify(probePCIHostBridge)
	}
	return r
}

// InitialPolicy derives the first DmaPolicy from a Report, per spec.md
// §4.1: Forbid on 286-class CPUs; BounceOnly when a V86 host is active but
// offers no VDS service; Auto otherwise. The caller (cmd/dmaprobe asks
// vds.V86) supplies vdsAvailable since PlatformProbe itself never queries VDS
// — that's VdsFacade's job, kept as a separate collaborator per spec.md's
// component boundaries.
func InitialPolicy(r Report, vdsAvailable bool) dmacore.DmaPolicy {
	if r.CPUClass == CPU286 {
		return dmacore.PolicyForbid
	}
	if r.V86Active && !vdsAvailable {
		return dmacore.PolicyBounceOnly
	}
	return dmacore.PolicyAuto
}

// Stage adapts Prober into a dmacore.Stage for use with dmacore.Bringup.
type Stage struct {
	Prober Prober
	// Result is populated after Run succeeds.
	Result Report
}

func (s *Stage) String() string          { return "platform-probe" }
func (s *Stage) Prerequisites() []string { return nil }

// Run executes the probe. It never fails: a platform probe that can't
// determine something reports Unknown rather than erroring, so Run always
// returns (true, nil).
func (s *Stage) Run() (bool, error) {
	if s.Prober == nil {
		s.Prober = Default
	}
	s.Result = s.Prober.Probe()
	return true, nil
}
