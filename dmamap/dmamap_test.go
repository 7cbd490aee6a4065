// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dmamap

import (
	"testing"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/bounce"
	"github.com/3com-pktdrv/dmacore/device"
)

type flatTranslator struct {
	phys dmacore.PhysAddr
}

func (f flatTranslator) Translate(buf []byte) (dmacore.PhysAddr, error) {
	return f.phys, nil
}

func newRegistry(t *testing.T) *device.Registry {
	t.Helper()
	r := device.NewRegistry()
	if err := device.RegisterBuiltin(r); err != nil {
		t.Fatal(err)
	}
	return r
}

func newBouncePool(t *testing.T, n int) *bounce.Pool {
	t.Helper()
	next := dmacore.PhysAddr(0)
	p, err := bounce.New(n, func(size int) (dmacore.PhysAddr, []byte, error) {
		phys := next
		next += dmacore.PhysAddr(size)
		return phys, make([]byte, size), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// Scenario 1: ISA PIO device, 1500-byte buffer entirely within one 64KB
// page, aligned to 4, real-mode. Expect direct single-segment mapping, no
// bounce.
func TestMapTX_DirectSingleSegment(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x1000}
	mp.Bounce = newBouncePool(t, 2)

	buf := make([]byte, 1500)
	m, err := mp.MapTX(buf, "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if m.UsesBounce {
		t.Fatal("expected a direct mapping, got bounce")
	}
	if len(m.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(m.Segments))
	}
	if m.TotalLength != 1500 {
		t.Fatalf("got total length %d, want 1500", m.TotalLength)
	}
	if err := mp.Unmap(m); err != nil {
		t.Fatal(err)
	}
}

// Scenario 2: ISA PIO device, 1500-byte buffer straddling a 64KB boundary.
// Expect bounce, slot phys < 16MiB, exactly one segment, copy-in performed.
func TestMapTX_StraddlingBufferBounces(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: dmacore.PhysAddr(65536 - 1024)}
	mp.Bounce = newBouncePool(t, 2)

	buf := make([]byte, 1500)
	for i := range buf {
		buf[i] = byte(i)
	}
	m, err := mp.MapTX(buf, "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if !m.UsesBounce {
		t.Fatal("expected bounce path for a boundary-straddling non-SG device")
	}
	if len(m.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(m.Segments))
	}
	if uint64(m.Segments[0].Phys) >= 16<<20 {
		t.Fatalf("bounce slot physical address %#x is not below 16MiB", m.Segments[0].Phys)
	}
}

// Scenario 3: ISA bus-master device, 4000-byte buffer straddling a 64KB
// boundary. A flat 4000-byte range can cross at most one boundary, so the
// mapping splits into 2 segments; expect them to sum to 4000, each a
// multiple of 4, none crossing a boundary, each <= 65535.
func TestMapTX_BusMasterSplitsAtBoundaries(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	// Start 104 bytes before the 128KB boundary: 8-aligned as the 3c515
	// requires, giving a 104-byte segment and a 3896-byte segment.
	mp.Translator = flatTranslator{phys: dmacore.PhysAddr(65536*2 - 104)}
	mp.Bounce = newBouncePool(t, 2)

	buf := make([]byte, 4000)
	m, err := mp.MapTX(buf, "3c515")
	if err != nil {
		t.Fatal(err)
	}
	if m.UsesBounce {
		t.Fatal("expected a direct SG mapping for an SG-capable bus-master device")
	}
	var total uint32
	for _, s := range m.Segments {
		total += s.Length
		if s.Length%4 != 0 {
			t.Errorf("segment length %d is not a multiple of 4", s.Length)
		}
		if s.Length > 65535 {
			t.Errorf("segment length %d exceeds 65535", s.Length)
		}
		startPage := uint64(s.Phys) / 65536
		endPage := (uint64(s.Phys) + uint64(s.Length) - 1) / 65536
		if startPage != endPage {
			t.Errorf("segment %+v crosses a 64KB boundary", s)
		}
	}
	if total != 4000 {
		t.Fatalf("got total %d, want 4000", total)
	}
}

// Scenario 4: V86 host active without VDS, PCI device, any buffer. Expect
// VdsUnavailable at mapping time.
func TestMapTX_V86WithoutVDS_PCIDevice(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.V86Active = true
	mp.Bounce = newBouncePool(t, 2)

	buf := make([]byte, 64)
	if _, err := mp.MapTX(buf, "3c905b"); err != dmacore.ErrVdsUnavailable {
		t.Fatalf("got %v, want ErrVdsUnavailable", err)
	}
}

// Scenario 5: bounce pool empty, ISA PIO request that requires bounce.
// Expect eventual BounceExhausted with no corruption to existing mappings.
func TestMapTX_BounceExhaustion(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: dmacore.PhysAddr(65536 - 10)}
	p := newBouncePool(t, 1)
	p.BaseDelay = 1
	mp.Bounce = p

	buf := make([]byte, 100)
	m1, err := mp.MapTX(buf, "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp.MapTX(buf, "3c509b"); err != dmacore.ErrBounceExhausted {
		t.Fatalf("got %v, want ErrBounceExhausted", err)
	}
	// existing mapping remains valid and unmaps cleanly.
	if err := mp.Unmap(m1); err != nil {
		t.Fatal(err)
	}
}

func TestMapTX_ZeroLength(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	if _, err := mp.MapTX(nil, "3c509b"); err != dmacore.ErrInvalidParam {
		t.Fatalf("got %v, want ErrInvalidParam", err)
	}
}

func TestMapTX_PolicyForbid(t *testing.T) {
	mp := NewMapper(dmacore.PolicyForbid)
	mp.Registry = newRegistry(t)
	if _, err := mp.MapTX(make([]byte, 64), "3c509b"); err != dmacore.ErrDmaForbidden {
		t.Fatalf("got %v, want ErrDmaForbidden", err)
	}
}

type alwaysDisabled struct{}

func (alwaysDisabled) Disabled(string) bool { return true }

func TestMapTX_DeviceDisabled(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Disabled = alwaysDisabled{}
	if _, err := mp.MapTX(make([]byte, 64), "3c509b"); err != dmacore.ErrDeviceDisabled {
		t.Fatalf("got %v, want ErrDeviceDisabled", err)
	}
}

func TestUnmap_Idempotent(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x2000}
	m, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if err := mp.Unmap(m); err != nil {
		t.Fatal(err)
	}
	if err := mp.Unmap(m); err != dmacore.ErrIntegrityViolation {
		t.Fatalf("got %v, want ErrIntegrityViolation on double unmap", err)
	}
}

func TestRoundTrip_BounceCopyOutOnRX(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: dmacore.PhysAddr(65536 - 50)}
	mp.Bounce = newBouncePool(t, 2)

	buf := make([]byte, 100)
	m, err := mp.MapRX(buf, "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if !m.UsesBounce {
		t.Fatal("expected bounce path")
	}
	for i := range m.bounceSlot.Data[:100] {
		m.bounceSlot.Data[i] = byte(i + 1)
	}
	if err := mp.Unmap(m); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != byte(i+1) {
			t.Fatalf("byte %d: got %d, want %d", i, b, i+1)
		}
	}
}

func TestPolicyTighten_NeverLoosens(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Tighten(dmacore.PolicyDirect)
	if mp.Policy() != dmacore.PolicyDirect {
		t.Fatalf("got %v, want PolicyDirect: Direct is tighter than Auto", mp.Policy())
	}
	mp.Tighten(dmacore.PolicyForbid)
	if mp.Policy() != dmacore.PolicyForbid {
		t.Fatalf("got %v, want PolicyForbid", mp.Policy())
	}
	mp.Tighten(dmacore.PolicyAuto)
	if mp.Policy() != dmacore.PolicyForbid {
		t.Fatalf("policy loosened from Forbid to %v", mp.Policy())
	}
}

func TestCheckIntegrity_DetectsCanaryCorruption(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x3000}
	m, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	m.frontCanary = 0
	if err := m.CheckIntegrity(); err != dmacore.ErrIntegrityViolation {
		t.Fatalf("got %v, want ErrIntegrityViolation", err)
	}
}

func TestCheckIntegrity_DetectsChecksumCorruption(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x3000}
	m, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	m.TotalLength = 9999
	if err := m.CheckIntegrity(); err != dmacore.ErrIntegrityViolation {
		t.Fatalf("got %v, want ErrIntegrityViolation", err)
	}
}

func TestMappingLifecycle_SyncAfterUnmapRejected(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x5000}
	m, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	m.MarkSubmitted()
	if err := mp.SyncForCPU(m); err != nil {
		t.Fatal(err)
	}
	if err := mp.Unmap(m); err != nil {
		t.Fatal(err)
	}
	if err := mp.SyncForDevice(m); err != dmacore.ErrIntegrityViolation {
		t.Fatalf("got %v, want ErrIntegrityViolation for sync after unmap", err)
	}
}

func TestHandle_GenerationIncreasesEachMap(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x4000}
	m1, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if err := mp.Unmap(m1); err != nil {
		t.Fatal(err)
	}
	m2, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	if m1.Handle() == m2.Handle() {
		t.Fatal("expected distinct handles across separate mappings")
	}
}

func TestResolve_RejectsStaleHandleAfterUnmap(t *testing.T) {
	mp := NewMapper(dmacore.PolicyAuto)
	mp.Registry = newRegistry(t)
	mp.Translator = flatTranslator{phys: 0x6000}

	m, err := mp.MapTX(make([]byte, 64), "3c509b")
	if err != nil {
		t.Fatal(err)
	}
	h := m.Handle()
	if got, err := mp.Resolve(h); err != nil || got != m {
		t.Fatalf("Resolve before unmap: got (%v, %v), want (%v, nil)", got, err, m)
	}
	if err := mp.Unmap(m); err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Resolve(h); err != dmacore.ErrStaleHandle {
		t.Fatalf("Resolve after unmap: got %v, want ErrStaleHandle", err)
	}
}
