// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dmamap implements the central mapping engine: given a virtual
// buffer, a device, and a direction, it produces a DmaMapping carrying
// either a direct physical scatter/gather list or a bounce descriptor, with
// the correct cache-sync actions recorded. This mirrors host/pmem's
// slice-over-physical-memory view combined with periph.go's
// registry-of-live-state bookkeeping, generalized to the transient
// request/release lifecycle a DMA mapping has instead of a process-lifetime
// allocation.
package dmamap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/bounce"
	"github.com/3com-pktdrv/dmacore/cache"
	"github.com/3com-pktdrv/dmacore/device"
	"github.com/3com-pktdrv/dmacore/vds"
)

const (
	maxSegmentLen  = 65535
	boundary       = 1 << 16
	signatureValue = 0x444D4150 // "DMAP"
	canaryFront    = 0xDEAD
	canaryRear     = 0xBEEF
)

// SgSegment is one physically contiguous piece of a mapping.
type SgSegment struct {
	Phys   dmacore.PhysAddr
	Length uint32
}

// Handle identifies a live mapping. It is generation-tagged: a stale Handle
// from an already-unmapped DmaMapping is always rejected rather than
// silently resolving to whatever now occupies its slot.
type Handle struct {
	id  uint64
	gen uint64
}

// mappingState tracks a Mapping's position in its lifecycle so misuse (a
// sync call after unmap, a second unmap) is rejected by the type's own
// methods rather than relying solely on the canary/checksum sweep, which
// only catches hardware-inflicted corruption, not API misuse.
type mappingState int

const (
	stateMapped mappingState = iota
	stateSyncedForDevice
	stateSubmitted
	stateSyncedForCPU
	stateUnmapped
)

// Mapping is the result of a successful Map call. Its fields are read-only
// to callers; Unmap is the only valid way to retire it.
type Mapping struct {
	handle      Handle
	Segments    []SgSegment
	TotalLength uint32
	Direction   cache.Direction
	Device      string
	UsesBounce  bool
	vdsHandle   vds.LockHandle
	vdsLocked   bool
	bounceSlot  *bounce.Slot
	origBuf     []byte

	signature   uint32
	frontCanary uint16
	rearCanary  uint16
	checksum    uint16
	state       mappingState
}

// Handle returns the generation-tagged handle identifying this mapping.
func (m *Mapping) Handle() Handle { return m.handle }

// DeviceView returns the backing bytes the device actually reads for this
// mapping: the bounce slot's contents when the mapping routed through
// bounce, or the caller's original buffer when it is a direct mapping. A
// coherency probe reads back through this, not through origBuf directly, so
// the result reflects what the device would see rather than always the
// CPU-side buffer regardless of routing.
func (m *Mapping) DeviceView() []byte {
	if m.UsesBounce {
		return m.bounceSlot.Data
	}
	return m.origBuf
}

func (m *Mapping) recomputeChecksum() {
	var sum uint16
	sum ^= uint16(m.signature) ^ uint16(m.signature>>16)
	sum ^= uint16(m.TotalLength) ^ uint16(m.TotalLength>>16)
	sum ^= uint16(len(m.Segments))
	for _, s := range m.Segments {
		sum ^= uint16(s.Phys) ^ uint16(s.Phys>>16)
		sum ^= uint16(s.Length)
		sum = sum<<1 | sum>>15
	}
	m.checksum = sum
}

// CheckIntegrity verifies the mapping's canaries and structural checksum,
// the way every read path that may run from an interrupt context must
// (spec.md §3, "Structural protection").
func (m *Mapping) CheckIntegrity() error {
	if m.signature != signatureValue || m.frontCanary != canaryFront || m.rearCanary != canaryRear {
		return dmacore.ErrIntegrityViolation
	}
	saved := m.checksum
	m.recomputeChecksum()
	ok := m.checksum == saved
	m.checksum = saved
	if !ok {
		return dmacore.ErrIntegrityViolation
	}
	return nil
}

// Translator computes the flat physical address of buf when no V86 host is
// present (spec.md §4.5 step 4's "otherwise" branch).
type Translator interface {
	Translate(buf []byte) (dmacore.PhysAddr, error)
}

// DisabledChecker reports whether a device has been administratively
// disabled by the recovery layer. A nil checker means nothing is ever
// disabled.
type DisabledChecker interface {
	Disabled(device string) bool
}

// Mapper is the DmaMapper described by spec.md §4.5.
type Mapper struct {
	Registry   *device.Registry
	VDS        vds.Facade
	Bounce     *bounce.Pool
	Translator Translator
	V86Active  bool
	Disabled   DisabledChecker

	// Caches holds one cache.Manager per device name; callers populate it
	// once at attach time (see cache.New).
	Caches map[string]*cache.Manager

	policy int32 // atomic dmacore.DmaPolicy
	nextID uint64
	mu     sync.Mutex
	gen    map[uint64]uint64
	live   map[uint64]*Mapping
}

// NewMapper constructs a Mapper with the given initial policy.
func NewMapper(initial dmacore.DmaPolicy) *Mapper {
	return &Mapper{
		policy: int32(initial),
		gen:    map[uint64]uint64{},
		live:   map[uint64]*Mapping{},
	}
}

// Resolve looks up the live Mapping named by h. It returns ErrStaleHandle if
// h's generation no longer matches what the mapper has on record for that
// slot: the mapping was already unmapped, or the slot was reused by a later
// Map call with a newer generation. This is the typed alternative spec.md
// §9's DESIGN NOTES asks for in place of "a global active-buffers array with
// manual compaction" where a stale index could silently resolve to whatever
// now occupies it.
func (mp *Mapper) Resolve(h Handle) (*Mapping, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if cur, ok := mp.gen[h.id]; !ok || cur != h.gen {
		return nil, dmacore.ErrStaleHandle
	}
	m, ok := mp.live[h.id]
	if !ok {
		return nil, dmacore.ErrStaleHandle
	}
	return m, nil
}

// Policy returns the current policy.
func (mp *Mapper) Policy() dmacore.DmaPolicy {
	return dmacore.DmaPolicy(atomic.LoadInt32(&mp.policy))
}

// Tighten applies p to the mapper's policy if p is stricter than the
// current one; policy may only tighten, never loosen (spec.md §3).
func (mp *Mapper) Tighten(p dmacore.DmaPolicy) {
	for {
		cur := dmacore.DmaPolicy(atomic.LoadInt32(&mp.policy))
		next := cur.Tighten(p)
		if next == cur {
			return
		}
		if atomic.CompareAndSwapInt32(&mp.policy, int32(cur), int32(next)) {
			return
		}
	}
}

func (mp *Mapper) cacheFor(name string) *cache.Manager {
	if mp.Caches == nil {
		return nil
	}
	return mp.Caches[name]
}

// MapTX maps buf for a ToDevice transfer on dev.
func (mp *Mapper) MapTX(buf []byte, devName string) (*Mapping, error) {
	return mp.mapDirection(buf, devName, cache.ToDevice)
}

// MapRX maps buf for a FromDevice transfer on dev.
func (mp *Mapper) MapRX(buf []byte, devName string) (*Mapping, error) {
	return mp.mapDirection(buf, devName, cache.FromDevice)
}

func (mp *Mapper) mapDirection(buf []byte, devName string, dir cache.Direction) (*Mapping, error) {
	if len(buf) == 0 {
		return nil, dmacore.ErrInvalidParam
	}
	if mp.Disabled != nil && mp.Disabled.Disabled(devName) {
		return nil, dmacore.ErrDeviceDisabled
	}
	if mp.Policy() == dmacore.PolicyForbid {
		return nil, dmacore.ErrDmaForbidden
	}
	if mp.Registry == nil {
		return nil, dmacore.ErrInvalidParam
	}
	dev, ok := mp.Registry.Lookup(devName)
	if !ok {
		return nil, dmacore.ErrInvalidParam
	}

	segs, vdsHandle, vdsLocked, err := mp.computeSegments(buf, dev)
	if err != nil && err != errFallthroughBounce {
		return nil, err
	}
	useBounce := err == errFallthroughBounce
	if !useBounce {
		if verr := checkConstraints(segs, dev); verr != nil {
			useBounce = true
			if vdsLocked {
				_ = mp.VDS.Unlock(vdsHandle)
				vdsLocked = false
			}
		}
	}

	m := &Mapping{
		Direction:   dir,
		Device:      devName,
		origBuf:     buf,
		signature:   signatureValue,
		frontCanary: canaryFront,
		rearCanary:  canaryRear,
	}

	if useBounce {
		if err := mp.bounceMap(m, buf, dev, dir); err != nil {
			return nil, err
		}
	} else {
		m.Segments = segs
		m.vdsHandle = vdsHandle
		m.vdsLocked = vdsLocked
		var total uint32
		for _, s := range segs {
			total += s.Length
		}
		m.TotalLength = total
	}

	if cm := mp.cacheFor(devName); cm != nil {
		if err := cm.SyncForDevice(buf, dir); err != nil {
			return nil, err
		}
	}

	mp.assignHandle(m)
	m.recomputeChecksum()
	return m, nil
}

func (mp *Mapper) assignHandle(m *Mapping) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.nextID++
	id := mp.nextID
	mp.gen[id] = mp.gen[id] + 1
	m.handle = Handle{id: id, gen: mp.gen[id]}
	mp.live[id] = m
}

// retireHandle removes m's handle from the live set on Unmap, so a later
// Resolve of the same Handle value returns ErrStaleHandle instead of a
// retired Mapping.
func (mp *Mapper) retireHandle(m *Mapping) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.live, m.handle.id)
}

var errFallthroughBounce = errors.New("dmamap: fallthrough to bounce path")

// computeSegments performs spec.md §4.5 steps 4-5: obtain a physical
// layout and split at 64KB boundaries. Device constraints are validated
// afterwards by the caller, through checkConstraints.
// errFallthroughBounce is returned (not a real failure) whenever the
// algorithm determines the bounce path should be used instead. When the
// segments came from a VDS lock, the lock handle is returned alongside so
// the caller can unlock it on a later constraint failure or on Unmap.
func (mp *Mapper) computeSegments(buf []byte, dev *device.Caps) ([]SgSegment, vds.LockHandle, bool, error) {
	if mp.V86Active && dev.NeedsVDS {
		if mp.VDS == nil || !mp.VDS.Available() {
			return nil, 0, false, dmacore.ErrVdsUnavailable
		}
	}
	if mp.V86Active {
		if mp.VDS != nil && mp.VDS.Available() {
			h, sg, err := mp.VDS.Lock(buf, vds.LockFlags{
				NoCross64K:        dev.No64KCross,
				RequireContiguous: dev.RequiresContiguous,
			})
			if err != nil {
				return nil, 0, false, errFallthroughBounce
			}
			segs := splitAndClamp(fromSgList(sg), dev)
			return segs, h, true, nil
		}
		return nil, 0, false, errFallthroughBounce
	}

	if mp.Translator == nil {
		return nil, 0, false, errFallthroughBounce
	}
	phys, err := mp.Translator.Translate(buf)
	if err != nil {
		return nil, 0, false, errFallthroughBounce
	}
	raw := buildFlatSegments(phys, uint32(len(buf)), dev)
	if len(raw) > dev.MaxSGEntries && dev.MaxSGEntries > 0 {
		return nil, 0, false, errFallthroughBounce
	}
	segs := splitAndClamp(raw, dev)
	return segs, 0, false, nil
}

func fromSgList(sg vds.SgList) []SgSegment {
	out := make([]SgSegment, len(sg))
	for i, e := range sg {
		out[i] = SgSegment{Phys: e.Phys, Length: e.Length}
	}
	return out
}

// buildFlatSegments iterates the flat physical range, clamping each segment
// at the next 64KB boundary for devices that require it.
func buildFlatSegments(base dmacore.PhysAddr, length uint32, dev *device.Caps) []SgSegment {
	var out []SgSegment
	remaining := length
	cur := base
	for remaining > 0 {
		chunk := remaining
		if dev.No64KCross {
			distToBoundary := uint32(boundary - uint64(cur)%boundary)
			if distToBoundary < chunk {
				chunk = distToBoundary
			}
		}
		out = append(out, SgSegment{Phys: cur, Length: chunk})
		cur += dmacore.PhysAddr(chunk)
		remaining -= chunk
	}
	return out
}

// splitAndClamp applies spec.md §4.5 step 5 to segs already produced by
// either VDS or flat translation: split at every 64KB boundary the device
// cares about, round down to a multiple of 4 when required, and clamp to
// 65535 bytes.
func splitAndClamp(segs []SgSegment, dev *device.Caps) []SgSegment {
	var out []SgSegment
	for _, s := range segs {
		out = append(out, splitSegment(s, dev)...)
	}
	return out
}

// needsDwordMultipleSegments reports whether dev is the kind of multi-
// segment bus-master device whose SG descriptor ring requires each segment
// length to be a multiple of 4 (spec.md §8 scenario 3, the 3c515-class
// card). For a device that needs physically contiguous buffers
// (RequiresContiguous), rounding a length down on a dword remainder would
// only manufacture a
// spurious extra segment and force an unnecessary bounce, so such devices
// are excluded here even though SupportsSG may also be true for them (e.g.
// the PCI descriptor ring, which needs one contiguous buffer, not a
// dword-rounded split).
func needsDwordMultipleSegments(dev *device.Caps) bool {
	return dev.SupportsSG && !dev.RequiresContiguous
}

func splitSegment(s SgSegment, dev *device.Caps) []SgSegment {
	dword := needsDwordMultipleSegments(dev)
	var out []SgSegment
	remaining := s.Length
	cur := s.Phys
	for remaining > 0 {
		chunk := remaining
		if chunk > maxSegmentLen {
			chunk = maxSegmentLen
		}
		if dev.No64KCross {
			distToBoundary := uint32(boundary - uint64(cur)%boundary)
			if distToBoundary < chunk {
				chunk = distToBoundary
			}
		}
		if dword && chunk%4 != 0 && chunk > 4 {
			chunk -= chunk % 4
		}
		if chunk == 0 {
			chunk = 4
		}
		out = append(out, SgSegment{Phys: cur, Length: chunk})
		cur += dmacore.PhysAddr(chunk)
		remaining -= chunk
	}
	return out
}

// checkConstraints implements spec.md §4.5 step 6.
func checkConstraints(segs []SgSegment, dev *device.Caps) error {
	if len(segs) == 0 {
		return dmacore.ErrNonContiguous
	}
	if !dev.SupportsSG && len(segs) != 1 {
		return dmacore.ErrNonContiguous
	}
	if dev.SupportsSG && dev.MaxSGEntries > 0 && len(segs) > dev.MaxSGEntries {
		return dmacore.ErrNonContiguous
	}
	for _, s := range segs {
		if uint64(s.Phys)+uint64(s.Length) > uint64(dev.MaxPhysAddr) {
			return dmacore.ErrBoundaryViolation
		}
		if dev.Alignment > 0 && uint64(s.Phys)%uint64(dev.Alignment) != 0 {
			return dmacore.ErrAlignmentViolation
		}
		if s.Length > maxSegmentLen {
			return dmacore.ErrBoundaryViolation
		}
		if dev.No64KCross {
			startPage := uint64(s.Phys) / boundary
			endPage := (uint64(s.Phys) + uint64(s.Length) - 1) / boundary
			if startPage != endPage {
				return dmacore.ErrBoundaryViolation
			}
		}
	}
	return nil
}

func (mp *Mapper) bounceMap(m *Mapping, buf []byte, dev *device.Caps, dir cache.Direction) error {
	if mp.Bounce == nil {
		return dmacore.ErrBounceExhausted
	}
	slot, err := mp.Bounce.Reserve(context.Background(), len(buf))
	if err != nil {
		return err
	}
	if dir == cache.ToDevice || dir == cache.Bidirectional {
		copy(slot.Data, buf)
	}
	m.UsesBounce = true
	m.bounceSlot = slot
	m.Segments = []SgSegment{{Phys: slot.Phys(), Length: uint32(len(buf))}}
	m.TotalLength = uint32(len(buf))
	return nil
}

// Unmap performs cache sync for CPU reads, copies bounce data back for RX,
// releases the bounce slot and VDS lock, and poisons the mapping. A second
// call on the same Mapping is rejected rather than silently repeated.
func (mp *Mapper) Unmap(m *Mapping) error {
	if m == nil {
		return dmacore.ErrInvalidParam
	}
	if err := m.CheckIntegrity(); err != nil {
		return err
	}
	if m.state == stateUnmapped {
		return dmacore.ErrIntegrityViolation
	}

	if cm := mp.cacheFor(m.Device); cm != nil {
		if err := cm.SyncForCPU(m.origBuf, m.Direction); err != nil {
			return err
		}
	}
	m.state = stateSyncedForCPU
	if m.UsesBounce {
		if m.Direction == cache.FromDevice || m.Direction == cache.Bidirectional {
			copy(m.origBuf, m.bounceSlot.Data[:m.TotalLength])
		}
		if mp.Bounce != nil {
			mp.Bounce.Release(m.bounceSlot)
		}
	}
	if m.vdsLocked && mp.VDS != nil {
		if err := mp.VDS.Unlock(m.vdsHandle); err != nil {
			return err
		}
	}
	m.state = stateUnmapped
	mp.retireHandle(m)
	return nil
}

// SyncForDevice re-issues the device-facing cache sync for an already-
// mapped buffer, for multi-phase use (spec.md §6.2). It is rejected once
// the mapping has been unmapped.
func (mp *Mapper) SyncForDevice(m *Mapping) error {
	if m.state == stateUnmapped {
		return dmacore.ErrIntegrityViolation
	}
	if cm := mp.cacheFor(m.Device); cm != nil {
		if err := cm.SyncForDevice(m.origBuf, m.Direction); err != nil {
			return err
		}
	}
	m.state = stateSyncedForDevice
	return nil
}

// SyncForCPU re-issues the CPU-facing cache sync for an already-mapped
// buffer, for multi-phase use (spec.md §6.2). It is rejected once the
// mapping has been unmapped.
func (mp *Mapper) SyncForCPU(m *Mapping) error {
	if m.state == stateUnmapped {
		return dmacore.ErrIntegrityViolation
	}
	if cm := mp.cacheFor(m.Device); cm != nil {
		if err := cm.SyncForCPU(m.origBuf, m.Direction); err != nil {
			return err
		}
	}
	m.state = stateSyncedForCPU
	return nil
}

// MarkSubmitted records that the mapping's segments have been programmed
// into device hardware, completing the mapped -> synced-for-device ->
// submitted portion of the lifecycle. Callers that skip SyncForDevice
// before submission are not blocked here; the cache tier itself is the
// enforcement point for correctness, this only tracks the intended phase.
func (m *Mapping) MarkSubmitted() {
	if m.state != stateUnmapped {
		m.state = stateSubmitted
	}
}
