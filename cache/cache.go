// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cache offers direction-aware cache synchronization around DMA
// transfers for devices that are not declared hardware-coherent, the way
// conn/mmr wraps raw register access behind a typed Dev8 rather than leaving
// callers to poke bytes directly.
package cache

import (
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/platform"
)

func toUintptr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	h := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	return h.Data
}

// Tier names the cache-maintenance mechanism in use.
type Tier int

const (
	TierUnknown Tier = iota
	// TierClflush issues a per-line flush instruction for exactly the
	// touched range.
	TierClflush
	// TierWbinvd performs a whole-cache write-back-and-invalidate,
	// optionally coalesced across several requests.
	TierWbinvd
	// TierSoftware emulates coherency by read-touching the range on CPUs
	// with no flush instruction at all.
	TierSoftware
	// TierNone performs no cache maintenance: the cache is disabled, or
	// the device is declared coherent.
	TierNone
)

func (t Tier) String() string {
	switch t {
	case TierClflush:
		return "clflush"
	case TierWbinvd:
		return "wbinvd"
	case TierSoftware:
		return "software"
	case TierNone:
		return "none"
	default:
		return "unknown"
	}
}

// Direction names the transfer direction a sync call applies to.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
	Bidirectional
)

// Flusher performs the primitive operation a Tier needs. Line flushes one
// cache line containing addr; Whole flushes the entire cache; Touch
// read-touches a byte range to pull it through the cache hierarchy.
type Flusher interface {
	Line(addr uintptr)
	Whole()
	Touch(buf []byte)
}

// Manager selects a Tier once from a platform.Report and a device's
// coherence declaration, then serves sync_for_device / sync_for_cpu the way
// spec.md §4.3 describes.
type Manager struct {
	tier    Tier
	flusher Flusher
	lineLen int

	// Coalescing state for TierWbinvd: flushes are deferred until
	// CoalesceMax requests accumulate or CoalesceAge elapses, then a
	// single wide flush is issued. Guarded by mu because the deferred
	// count and age are read and written from concurrent map/unmap call
	// sites, never from an interrupt handler (spec.md §5's "main path
	// only" rule for CacheManager's deferred-flush state).
	mu           sync.Mutex
	CoalesceMax  int
	CoalesceAge  time.Duration
	pending      int
	firstPending time.Time
}

// New picks a Tier from report and wires flusher as the primitive
// implementation for whichever tier is chosen. coherent is the device's
// DeviceCaps.CacheCoherent flag; a coherent device always gets TierNone
// regardless of what the platform can do.
func New(report platform.Report, coherent bool, flusher Flusher) *Manager {
	m := &Manager{
		flusher:     flusher,
		lineLen:     report.CacheLineSize,
		CoalesceMax: 32,
		CoalesceAge: 2 * time.Millisecond,
	}
	switch {
	case coherent || report.CacheMode == platform.CacheDisabled:
		m.tier = TierNone
	case report.HasCLFlush:
		m.tier = TierClflush
	case report.CPUClass >= platform.CPU486:
		m.tier = TierWbinvd
	default:
		m.tier = TierSoftware
	}
	if m.lineLen <= 0 {
		m.lineLen = 32
	}
	return m
}

// Tier reports the tier this Manager settled on.
func (m *Manager) Tier() Tier { return m.tier }

// SyncForDevice ensures prior CPU writes to buf are visible to hardware
// before a ToDevice or Bidirectional transfer begins.
func (m *Manager) SyncForDevice(buf []byte, dir Direction) error {
	if dir == FromDevice {
		return nil
	}
	return m.flush(buf)
}

// SyncForCPU ensures stale cache lines over buf are discarded before the CPU
// reads data a FromDevice or Bidirectional transfer produced.
func (m *Manager) SyncForCPU(buf []byte, dir Direction) error {
	if dir == ToDevice {
		return nil
	}
	return m.flush(buf)
}

func (m *Manager) flush(buf []byte) error {
	if m.tier == TierNone || len(buf) == 0 {
		return nil
	}
	if m.flusher == nil {
		return dmacore.ErrHardwareFailure
	}
	switch m.tier {
	case TierClflush:
		m.flushLines(buf)
	case TierWbinvd:
		m.coalescedWhole()
	case TierSoftware:
		m.flusher.Touch(buf)
	}
	return nil
}

func (m *Manager) flushLines(buf []byte) {
	base := toUintptr(buf)
	end := base + uintptr(len(buf))
	for a := base - base%uintptr(m.lineLen); a < end; a += uintptr(m.lineLen) {
		m.flusher.Line(a)
	}
}

// coalescedWhole defers a TierWbinvd flush until CoalesceMax requests have
// accumulated or CoalesceAge has elapsed since the first deferred request,
// then issues one whole-cache flush. ForceFlush must be called before any
// device-visible write that was not itself coalesced.
func (m *Manager) coalescedWhole() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == 0 {
		m.firstPending = time.Now()
	}
	m.pending++
	if m.pending >= m.CoalesceMax || time.Now().Sub(m.firstPending) >= m.CoalesceAge {
		m.flusher.Whole()
		m.pending = 0
	}
}

// ForceFlush issues any deferred TierWbinvd flush immediately, regardless of
// how many requests have accumulated.
func (m *Manager) ForceFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending > 0 {
		m.flusher.Whole()
		m.pending = 0
	}
}
