// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package vds

import (
	"testing"

	"github.com/3com-pktdrv/dmacore"
)

type stubTranslator struct {
	phys dmacore.PhysAddr
	err  error
}

func (s stubTranslator) Translate(buf []byte) (dmacore.PhysAddr, error) {
	return s.phys, s.err
}

func TestRealMode_LockUnlock(t *testing.T) {
	r := NewRealMode(stubTranslator{phys: 0x1000})
	buf := make([]byte, 64)
	h, sg, err := r.Lock(buf, LockFlags{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sg) != 1 || sg[0].Phys != 0x1000 || sg[0].Length != 64 {
		t.Fatalf("unexpected sg list: %+v", sg)
	}
	if err := r.Unlock(h); err != nil {
		t.Fatal(err)
	}
	if err := r.Unlock(h); err == nil {
		t.Fatal("expected error on double unlock")
	}
}

func TestRealMode_EmptyBuffer(t *testing.T) {
	r := NewRealMode(stubTranslator{phys: 0x1000})
	if _, _, err := r.Lock(nil, LockFlags{}); err != dmacore.ErrInvalidParam {
		t.Fatalf("got %v, want ErrInvalidParam", err)
	}
}

func TestRealMode_WrapsAbove1MiB(t *testing.T) {
	r := NewRealMode(stubTranslator{phys: dmacore.PhysAddr(realModeLimit - 10)})
	buf := make([]byte, 64)
	if _, _, err := r.Lock(buf, LockFlags{}); err == nil {
		t.Fatal("expected failure for buffer wrapping above 1MiB")
	}
}

func TestV86_NoProvider(t *testing.T) {
	v := &V86{}
	if v.Available() {
		t.Fatal("expected Available() == false with no provider")
	}
	if _, _, err := v.Lock(make([]byte, 8), LockFlags{}); err != dmacore.ErrVdsUnavailable {
		t.Fatalf("got %v, want ErrVdsUnavailable", err)
	}
}

type fakeProvider struct {
	sg SgList
}

func (f fakeProvider) Lock(buf []byte, noCross64K, requireContiguous bool) (LockHandle, SgList, error) {
	return 1, f.sg, nil
}
func (f fakeProvider) Unlock(LockHandle) error { return nil }

func TestV86_WithProvider(t *testing.T) {
	v := &V86{Provider: fakeProvider{sg: SgList{{Phys: 0x2000, Length: 4}}}}
	if !v.Available() {
		t.Fatal("expected Available() == true")
	}
	_, sg, err := v.Lock(make([]byte, 4), LockFlags{})
	if err != nil {
		t.Fatal(err)
	}
	if sg.TotalLength() != 4 {
		t.Fatalf("got %d, want 4", sg.TotalLength())
	}
}
