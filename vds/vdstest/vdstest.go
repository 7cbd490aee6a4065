// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package vdstest provides fakes for exercising code that depends on
// vds.Facade without a real V86 host, the same "Record/Playback" philosophy
// as conn/i2c/i2ctest: a scriptable fake that records calls and returns
// canned results.
package vdstest

import (
	"sync"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/vds"
)

// Call records one Lock invocation for later assertions.
type Call struct {
	Len               int
	NoCross64K        bool
	RequireContiguous bool
}

// Host is a fake vds.Facade. Programmable is the function used to decide
// the result of each Lock call; when nil, Lock always fails with
// dmacore.ErrVdsUnavailable, modeling a V86 host with no VDS service
// present (spec.md §4.2's "every lock call fails" case).
type Host struct {
	mu           sync.Mutex
	Programmable func(buf []byte, flags vds.LockFlags) (vds.SgList, error)
	Calls        []Call
	locked       map[vds.LockHandle][]byte
	next         vds.LockHandle
}

// Available reports whether Programmable is set.
func (h *Host) Available() bool { return h.Programmable != nil }

// Lock implements vds.Facade.
func (h *Host) Lock(buf []byte, flags vds.LockFlags) (vds.LockHandle, vds.SgList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls = append(h.Calls, Call{len(buf), flags.NoCross64K, flags.RequireContiguous})
	if h.Programmable == nil {
		return 0, nil, dmacore.ErrVdsUnavailable
	}
	sg, err := h.Programmable(buf, flags)
	if err != nil {
		return 0, nil, err
	}
	if h.locked == nil {
		h.locked = map[vds.LockHandle][]byte{}
	}
	h.next++
	handle := h.next
	h.locked[handle] = buf
	return handle, sg, nil
}

// Unlock implements vds.Facade.
func (h *Host) Unlock(handle vds.LockHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.locked[handle]; !ok {
		return dmacore.ErrIntegrityViolation
	}
	delete(h.locked, handle)
	return nil
}

// Outstanding returns the number of handles locked but not yet unlocked,
// for asserting no leak occurred across a test.
func (h *Host) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locked)
}

// Identity returns a Programmable that reports one contiguous segment per
// buffer at a caller-supplied physical base, incrementing by len(buf) each
// call — useful for simulating a simple bump-allocated physical arena in
// tests.
func Identity(base dmacore.PhysAddr) func(buf []byte, flags vds.LockFlags) (vds.SgList, error) {
	next := base
	return func(buf []byte, flags vds.LockFlags) (vds.SgList, error) {
		phys := next
		next += dmacore.PhysAddr(len(buf))
		return vds.SgList{{Phys: phys, Length: uint32(len(buf))}}, nil
	}
}
