// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package vds is a thin facade over the legacy "virtual DMA services" API a
// V86 memory-manager host may expose. It offers availability query,
// lock-region-with-scatter-gather, and unlock-region, concealing the
// legacy service entirely the way host/pmem conceals /dev/mem and
// /proc/self/pagemap behind Map/Alloc.
//
// Between Lock and Unlock, the physical addresses in the returned SgList
// are valid and pinned: the backing pages will not be relocated. In pure
// real-mode (no V86 host), Lock returns a single segment that is the flat
// translation of the segmented address; in V86 without the service, every
// Lock call fails and callers must fall back to a bounce buffer.
package vds

import (
	"fmt"
	"sync"

	"github.com/3com-pktdrv/dmacore"
)

// SgEntry is one physical (address, length) pair of a scatter/gather list.
type SgEntry struct {
	Phys   dmacore.PhysAddr
	Length uint32
}

// SgList is an ordered scatter/gather list describing one logical buffer.
type SgList []SgEntry

// TotalLength returns the sum of all entry lengths.
func (l SgList) TotalLength() uint32 {
	var n uint32
	for _, e := range l {
		n += e.Length
	}
	return n
}

// LockFlags constrains how Lock may satisfy a request. V86 passes them to
// its Provider; RealMode does not consult them and always returns its
// single flat segment, which may straddle a 64KB boundary.
type LockFlags struct {
	// NoCross64K requires every returned segment to not straddle a 64KB
	// physical boundary; a VDS provider splits on the caller's behalf when
	// set.
	NoCross64K bool
	// RequireContiguous fails the lock unless a single contiguous segment
	// satisfies the whole buffer.
	RequireContiguous bool
}

// LockHandle identifies an in-flight lock. It must be passed to Unlock
// exactly once.
type LockHandle uint32

// Facade is the uniform "lock this buffer, tell me its physical layout"
// operation, whether the machine is in real mode or virtualized.
type Facade interface {
	// Available reports whether a VDS-equivalent service backs this facade.
	Available() bool
	// Lock pins buf[:len] and returns its physical scatter/gather layout.
	Lock(buf []byte, flags LockFlags) (LockHandle, SgList, error)
	// Unlock releases a previously locked region. It is the caller's
	// responsibility to call it exactly once per successful Lock.
	Unlock(h LockHandle) error
}

// RealMode is the pure real-mode backend: it never virtualizes, so Lock
// always succeeds with one segment that is the flat-linear translation of
// the buffer, unless the buffer would wrap above the 1MiB real-mode
// boundary, in which case it fails per spec.md §4.2.
type RealMode struct {
	translator Translator
	locks      map[LockHandle][]byte
	mu         lockGuard
}

// lockGuard serializes access to the locks map; buffers may be locked from
// the main path only (spec.md §5), but tests exercise it from multiple
// goroutines, so a real mutex is used rather than an implicit assumption.
type lockGuard struct{ sync sync.Mutex }

// Translator resolves a Go byte slice to its backing physical address(es).
// The production implementation (translator_linux.go) walks
// /proc/self/pagemap the same way host/pmem.virtToPhys does; vdstest
// substitutes a synthetic mapping for unit tests.
type Translator interface {
	// Translate returns the physical address backing buf's first byte.
	Translate(buf []byte) (dmacore.PhysAddr, error)
}

// NewRealMode builds a RealMode facade over the given translator. Passing a
// nil translator selects the production pagemap-backed translator.
func NewRealMode(t Translator) *RealMode {
	if t == nil {
		t = defaultTranslator{}
	}
	return &RealMode{translator: t, locks: map[LockHandle][]byte{}}
}

// DefaultTranslator returns the production, pagemap-backed Translator, for
// callers (outside real mode) that need to feed dmamap.Mapper.Translator
// directly.
func DefaultTranslator() Translator { return defaultTranslator{} }

// Available always returns true: real mode never depends on a V86 host
// service.
func (r *RealMode) Available() bool { return true }

const realModeLimit = 1 << 20 // 1MiB real-mode addressable boundary.

// Lock implements Facade.
func (r *RealMode) Lock(buf []byte, flags LockFlags) (LockHandle, SgList, error) {
	if len(buf) == 0 {
		return 0, nil, dmacore.ErrInvalidParam
	}
	phys, err := r.translator.Translate(buf)
	if err != nil {
		return 0, nil, fmt.Errorf("vds: translate: %w", err)
	}
	end := uint64(phys) + uint64(len(buf))
	if end > realModeLimit {
		return 0, nil, fmt.Errorf("vds: buffer wraps above the 1MiB real-mode boundary: %w", dmacore.ErrNonContiguous)
	}
	if err := pinPages(buf); err != nil {
		return 0, nil, fmt.Errorf("vds: pin: %w", err)
	}
	h := LockHandle(phys)
	r.mu.sync.Lock()
	r.locks[h] = buf
	r.mu.sync.Unlock()
	return h, SgList{{Phys: phys, Length: uint32(len(buf))}}, nil
}

// Unlock releases the page pin taken by Lock. In pure real mode there is no
// relocation to guard against once unlocked, so this is best-effort
// cleanup rather than a correctness requirement.
func (r *RealMode) Unlock(h LockHandle) error {
	r.mu.sync.Lock()
	buf, ok := r.locks[h]
	delete(r.locks, h)
	r.mu.sync.Unlock()
	if !ok {
		return fmt.Errorf("vds: unlock of unknown handle 0x%x", uint32(h))
	}
	return unpinPages(buf)
}

// V86 is the facade used when a virtual-8086 memory-manager host is active.
// If the host offers no VDS-equivalent Provider, every Lock call fails and
// Available reports false, so callers fall back to a pre-allocated bounce
// buffer per spec.md §4.2.
type V86 struct {
	Provider Provider
}

// Provider is the legacy VDS entry points this facade adapts.
type Provider interface {
	Lock(buf []byte, noCross64K, requireContiguous bool) (LockHandle, SgList, error)
	Unlock(h LockHandle) error
}

// Available implements Facade.
func (v *V86) Available() bool { return v.Provider != nil }

// Lock implements Facade.
func (v *V86) Lock(buf []byte, flags LockFlags) (LockHandle, SgList, error) {
	if len(buf) == 0 {
		return 0, nil, dmacore.ErrInvalidParam
	}
	if v.Provider == nil {
		return 0, nil, dmacore.ErrVdsUnavailable
	}
	return v.Provider.Lock(buf, flags.NoCross64K, flags.RequireContiguous)
}

// Unlock implements Facade.
func (v *V86) Unlock(h LockHandle) error {
	if v.Provider == nil {
		return dmacore.ErrVdsUnavailable
	}
	return v.Provider.Unlock(h)
}
