// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dmacore is the DMA safety and platform-capability core of a
// legacy-PC packet driver for 3Com ISA/PCI/PCMCIA Ethernet NICs.
//
// It decides, for every buffer handed to hardware, whether it is safe to
// DMA as-is, whether it must be copied through a bounce buffer, and what
// cache-management steps must surround the transfer. The core never
// programs NIC registers directly; it composes the small device-side
// contract in package nic under the policy it derives here.
//
// Package dmacore also provides a staged bring-up sequence, similar in
// spirit to a driver registry: Bringup runs Stages in dependency order. The
// stages this module defines are platform probing (platform.Stage) and
// device registration (device.Stage, which depends on the probe); the
// bounce pool, cache manager, capability tester, mapper and recovery layer
// are not Stages and are constructed directly by their callers.
package dmacore

import (
	"fmt"
)

// PhysAddr is a physical byte address, as returned by VDS or computed
// directly from a real-mode segmented address.
type PhysAddr uint32

// DeviceClass identifies the family of NIC hardware a DmaMapping targets.
type DeviceClass int

// The four device classes the core understands.
const (
	ClassUnknown DeviceClass = iota
	ClassISA                 // 3C509B-class PIO ISA card.
	ClassISABusMaster        // 3C515-class ISA bus-master card.
	ClassPCI                 // 3C905B/C-class PCI card.
	ClassPCMCIA              // 3C589-class PCMCIA card.
)

func (c DeviceClass) String() string {
	switch c {
	case ClassISA:
		return "isa"
	case ClassISABusMaster:
		return "isa-bus-master"
	case ClassPCI:
		return "pci"
	case ClassPCMCIA:
		return "pcmcia"
	default:
		return "unknown"
	}
}

// DmaPolicy is the system-wide DMA strategy. It is monotonic: once set by
// PlatformProbe it may only be tightened, by capability testing or the
// recovery layer, never loosened.
type DmaPolicy int

const (
	// PolicyForbid means no device may DMA; callers must use PIO.
	PolicyForbid DmaPolicy = iota
	// PolicyBounceOnly means DMA is only safe through a bounce buffer.
	PolicyBounceOnly
	// PolicyDirect means direct (zero-copy) DMA is permitted when the
	// per-request constraint checks pass.
	PolicyDirect
	// PolicyAuto means the mapper should choose per-request between direct
	// and bounce based on device constraints and probe results.
	PolicyAuto
)

func (p DmaPolicy) String() string {
	switch p {
	case PolicyForbid:
		return "forbid"
	case PolicyBounceOnly:
		return "bounce-only"
	case PolicyDirect:
		return "direct"
	case PolicyAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Tighten returns the more conservative of p and other. It never returns a
// policy looser than either input, enforcing the monotonic-tightening
// invariant from spec.md's data model for DmaPolicy.
func (p DmaPolicy) Tighten(other DmaPolicy) DmaPolicy {
	if other < p {
		return other
	}
	return p
}

// Error is a closed enum of errors surfaced at the public API boundary
// (spec.md §6.7). Values are comparable with errors.Is since Error itself
// implements error and equality is simple value equality.
type Error string

// The closed set of errors callers may observe from package dmacore and its
// subpackages.
const (
	ErrInvalidParam        Error = "invalid parameter"
	ErrDmaForbidden        Error = "dma forbidden by policy"
	ErrDeviceDisabled      Error = "device disabled"
	ErrBufferTooLarge      Error = "buffer too large for bounce slot"
	ErrBounceExhausted     Error = "bounce pool exhausted"
	ErrVdsUnavailable      Error = "vds unavailable"
	ErrNonContiguous       Error = "buffer is not physically contiguous"
	ErrBoundaryViolation   Error = "64kb boundary violation"
	ErrAlignmentViolation  Error = "alignment violation"
	ErrTimeout             Error = "operation timed out"
	ErrHardwareFailure     Error = "hardware failure"
	ErrIntegrityViolation  Error = "integrity violation"
	// ErrStaleHandle is returned by dmamap.Mapper.Resolve when a Handle's
	// generation no longer matches the mapping it once named: either the
	// mapping was already unmapped, or the handle's slot was reused for a
	// later mapping. It is not part of spec.md §6.7's closed enum (that list
	// predates the generation-tagged handle design in SPEC_FULL.md §4); it
	// surfaces only from the handle-resolution path the spec's DESIGN NOTES
	// asked for.
	ErrStaleHandle Error = "stale mapping handle"
)

func (e Error) Error() string { return "dmacore: " + string(e) }

// Is reports whether target is the same sentinel, enabling errors.Is when a
// caller wraps one of these with fmt.Errorf("...: %w", err).
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t == e
}

// Stage is one step of the bring-up sequence. It mirrors periph.Driver:
// a named unit of work that may depend on earlier stages having run.
type Stage interface {
	// String returns the stage's name, unique among registered stages.
	String() string
	// Prerequisites lists stage names that must have completed first.
	Prerequisites() []string
	// Run executes the stage. ok is false when the stage is irrelevant on
	// this host (e.g. no PCI BIOS present) and should be skipped without
	// being treated as a failure.
	Run() (ok bool, err error)
}

// Outcome is the bring-up result of a single stage.
type Outcome struct {
	Stage Stage
	Err   error
}

func (o Outcome) String() string { return fmt.Sprintf("%s: %v", o.Stage, o.Err) }

// BringupReport is the aggregate result of Bringup.
type BringupReport struct {
	Ran     []Stage
	Skipped []Outcome
	Failed  []Outcome
}

// Bringup runs every registered stage in dependency order, same topological
// staging discipline as periph.Init/explodeStages: stages with no
// unresolved prerequisites run together, in the declared order within a
// stage (the core's bring-up is not parallelism-sensitive the way loading a
// pile of independent hardware drivers is, so stages run sequentially
// within a wave rather than concurrently).
func Bringup(stages []Stage) (*BringupReport, error) {
	waves, err := explodeStages(stages)
	if err != nil {
		return nil, err
	}
	report := &BringupReport{}
	done := map[string]struct{}{}
	for _, wave := range waves {
		for _, s := range wave {
			skip := false
			for _, dep := range s.Prerequisites() {
				if _, ok := done[dep]; !ok {
					report.Skipped = append(report.Skipped, Outcome{s, fmt.Errorf("dependency not satisfied: %s", dep)})
					skip = true
					break
				}
			}
			if skip {
				continue
			}
			ok, err := s.Run()
			if !ok {
				report.Skipped = append(report.Skipped, Outcome{s, err})
				continue
			}
			if err != nil {
				report.Failed = append(report.Failed, Outcome{s, err})
				continue
			}
			report.Ran = append(report.Ran, s)
			done[s.String()] = struct{}{}
		}
	}
	return report, nil
}

// explodeStages groups stages into dependency waves, the same algorithm as
// periph.go's explodeStages: repeatedly peel off stages with no unresolved
// dependency within the remaining set until none remain, erroring on a
// cycle.
func explodeStages(stages []Stage) ([][]Stage, error) {
	remaining := map[string]Stage{}
	deps := map[string]map[string]struct{}{}
	for _, s := range stages {
		name := s.String()
		remaining[name] = s
		deps[name] = map[string]struct{}{}
		for _, d := range s.Prerequisites() {
			deps[name][d] = struct{}{}
		}
	}
	var waves [][]Stage
	for len(remaining) > 0 {
		var wave []Stage
		var names []string
		for _, s := range stages {
			name := s.String()
			d, ok := deps[name]
			if !ok {
				continue
			}
			ready := true
			for dep := range d {
				if _, ok := remaining[dep]; ok {
					ready = false
					break
				}
			}
			if ready {
				names = append(names, name)
				wave = append(wave, remaining[name])
				delete(deps, name)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("dmacore: cycle detected among stages: %v", remaining)
		}
		waves = append(waves, wave)
		for _, name := range names {
			delete(remaining, name)
			delete(deps, name)
		}
	}
	return waves, nil
}
