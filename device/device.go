// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package device holds each NIC's DMA-relevant hardware constraints: max
// address width, alignment, "no 64KB crossing", SG support, max fragments,
// coherency, copybreak thresholds, and whether VDS is required.
//
// DeviceCaps is registered once at init and is immutable thereafter, the
// same discipline periph.go applies to registered Drivers (register before
// Init, never after); here there is no Init-time side effect, only the
// immutability guarantee, since DeviceCaps is data, not behaviour.
package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/3com-pktdrv/dmacore"
)

// Caps is one device's fixed DMA constraints (spec.md §3's DeviceCaps,
// baseline values from §6.1).
type Caps struct {
	Name  string
	Class dmacore.DeviceClass
	// MaxPhysAddr is the highest physical address the device's bus-master
	// engine can address (exclusive upper bound).
	MaxPhysAddr dmacore.PhysAddr
	// Alignment required of every segment's start address. Must be a power
	// of two no greater than 128.
	Alignment uint32
	// No64KCross is true when no single segment may straddle a 64KB
	// physical boundary.
	No64KCross bool
	// RequiresContiguous is true when the device wants physically
	// contiguous buffers; it is passed to VDS as a lock flag. It does not by
	// itself limit the segment count, which SupportsSG and MaxSGEntries
	// govern (the 3c905b sets both RequiresContiguous and SupportsSG).
	RequiresContiguous bool
	// SupportsSG is true when the device's descriptor ring can walk a
	// multi-segment scatter/gather list.
	SupportsSG bool
	// MaxSGEntries bounds the segment count when SupportsSG is true.
	MaxSGEntries int
	// MaxTransfer is the largest single transfer the device can be
	// programmed with, in bytes. Must be at least one Ethernet MTU (1514).
	MaxTransfer int
	// CacheCoherent is true when the device's bus snoops the CPU cache, so
	// no explicit cache sync is required around its transfers.
	CacheCoherent bool
	// NeedsVDS is true when the device cannot compute a flat physical
	// translation itself and must go through vds.Facade even in
	// (apparent) real mode, e.g. because it DMAs above the 1MiB boundary.
	NeedsVDS bool
	// RXCopybreak and TXCopybreak are refined by capability.Run; they start
	// at 0 (no copybreak: always DMA) until a capability test sets them.
	RXCopybreak int
	TXCopybreak int
}

// Validate checks the invariants spec.md §3 places on DeviceCaps.
func (c Caps) Validate() error {
	if c.Alignment == 0 || c.Alignment&(c.Alignment-1) != 0 || c.Alignment > 128 {
		return fmt.Errorf("device: %s: alignment %d must be a power of two <= 128", c.Name, c.Alignment)
	}
	const mtu = 1514
	if c.MaxTransfer < mtu {
		return fmt.Errorf("device: %s: max transfer %d must be >= one MTU (%d)", c.Name, c.MaxTransfer, mtu)
	}
	if !c.SupportsSG && c.MaxSGEntries > 1 {
		return fmt.Errorf("device: %s: MaxSGEntries > 1 without SupportsSG", c.Name)
	}
	return nil
}

// Registry holds every attached device's Caps by name, immutable per entry
// after Register. Mirrors periph.go's byName/allDrivers bookkeeping,
// specialized to static capability records rather than live Drivers.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*Caps
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: map[string]*Caps{}}
}

// Register adds a device's Caps. It is an error to register the same name
// twice or to register an invalid Caps value.
func (r *Registry) Register(c Caps) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Name]; ok {
		return fmt.Errorf("device: %q already registered", c.Name)
	}
	cp := c
	r.caps[c.Name] = &cp
	return nil
}

// MustRegister calls Register and panics on error, for use in package
// init() the way periph.MustRegister is used by driver packages.
func (r *Registry) MustRegister(c Caps) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Lookup returns the Caps registered under name.
func (r *Registry) Lookup(name string) (*Caps, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns every registered device name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetCopybreak updates the RX/TX copybreak thresholds capability.Run
// computed for a device. DeviceCaps is otherwise immutable after
// registration, but copybreak is explicitly refined post-registration per
// spec.md §4.6, so it is the one mutable field and is guarded by the same
// lock as registration.
func (r *Registry) SetCopybreak(name string, rx, tx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caps[name]
	if !ok {
		return fmt.Errorf("device: %q not registered", name)
	}
	c.RXCopybreak = rx
	c.TXCopybreak = tx
	return nil
}

const mtu = 1514

// Builtin returns the four baseline device profiles from spec.md §6.1.
func Builtin() []Caps {
	return []Caps{
		{
			Name:               "3c509b",
			Class:              dmacore.ClassISA,
			MaxPhysAddr:        16 << 20,
			Alignment:          4,
			No64KCross:         true,
			RequiresContiguous: true,
			SupportsSG:         false,
			MaxSGEntries:       1,
			MaxTransfer:        mtu,
			CacheCoherent:      false,
			NeedsVDS:           false,
		},
		{
			Name:               "3c589",
			Class:              dmacore.ClassPCMCIA,
			MaxPhysAddr:        16 << 20,
			Alignment:          16,
			No64KCross:         true,
			RequiresContiguous: true,
			SupportsSG:         false,
			MaxSGEntries:       1,
			MaxTransfer:        mtu,
			CacheCoherent:      false,
			NeedsVDS:           false,
		},
		{
			Name:               "3c515",
			Class:              dmacore.ClassISABusMaster,
			MaxPhysAddr:        16 << 20,
			Alignment:          8,
			No64KCross:         true,
			RequiresContiguous: false,
			SupportsSG:         true,
			MaxSGEntries:       8,
			MaxTransfer:        65536,
			CacheCoherent:      false,
			NeedsVDS:           true,
		},
		{
			Name:               "3c905b",
			Class:              dmacore.ClassPCI,
			MaxPhysAddr:        0xFFFFFFFF, // 4 GiB, the full PhysAddr range.
			Alignment:          16,
			No64KCross:         false,
			RequiresContiguous: true, // descriptor ring, per spec.md §6.1.
			SupportsSG:         true,
			MaxSGEntries:       8,
			MaxTransfer:        65536,
			CacheCoherent:      true,
			NeedsVDS:           true,
		},
	}
}

// RegisterBuiltin registers all four baseline profiles into r.
func RegisterBuiltin(r *Registry) error {
	for _, c := range Builtin() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Stage adapts RegisterBuiltin into a dmacore.Stage for dmacore.Bringup.
type Stage struct {
	Registry *Registry
}

func (s *Stage) String() string          { return "device-registry" }
func (s *Stage) Prerequisites() []string { return []string{"platform-probe"} }

func (s *Stage) Run() (bool, error) {
	if s.Registry == nil {
		s.Registry = NewRegistry()
	}
	if err := RegisterBuiltin(s.Registry); err != nil {
		return true, err
	}
	return true, nil
}
