// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package vds

import (
	"encoding/binary"
	"fmt"
	"os"
	"reflect"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/3com-pktdrv/dmacore"
)

const pageSize = 4096

// defaultTranslator resolves virtual addresses to physical addresses via
// /proc/self/pagemap, the same bit-math as host/pmem's virtToPhys and
// readPageMapLinux, upgraded from the teacher's raw syscall.Pread-via-os.File
// calls to golang.org/x/sys/unix, the idiom the wider corpus uses for this
// class of syscall (see SPEC_FULL.md §3).
type defaultTranslator struct{}

var (
	pagemapMu   sync.Mutex
	pagemapFile *os.File
	pagemapErr  error
)

func (defaultTranslator) Translate(buf []byte) (dmacore.PhysAddr, error) {
	if len(buf) == 0 {
		return 0, dmacore.ErrInvalidParam
	}
	virt := toRaw(buf)
	physPage, err := readPageMap(virt)
	if err != nil {
		return 0, err
	}
	if physPage&(1<<63) == 0 {
		return 0, fmt.Errorf("vds: 0x%08x has no physical page", virt)
	}
	physPage &^= 0x1FF << 55 // strip flag bits, see kernel.org pagemap docs.
	pageBase := physPage * pageSize
	return dmacore.PhysAddr(pageBase + uint64(virt)%pageSize), nil
}

func readPageMap(virt uintptr) (uint64, error) {
	pagemapMu.Lock()
	defer pagemapMu.Unlock()
	if pagemapFile == nil && pagemapErr == nil {
		pagemapFile, pagemapErr = os.OpenFile("/proc/self/pagemap", os.O_RDONLY, 0)
	}
	if pagemapErr != nil {
		return 0, pagemapErr
	}
	var b [8]byte
	offset := int64(virt / pageSize * 8)
	n, err := unix.Pread(int(pagemapFile.Fd()), b[:], offset)
	if err != nil {
		return 0, fmt.Errorf("vds: pread pagemap at 0x%x: %w", offset, err)
	}
	if n != len(b) {
		return 0, fmt.Errorf("vds: short pagemap read at 0x%x: got %d bytes", offset, n)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func toRaw(b []byte) uintptr {
	h := *(*reflect.SliceHeader)(unsafe.Pointer(&b))
	return h.Data
}

// pinPages mirrors host/pmem.uallocMemLocked: it requests the OS keep the
// backing pages resident (mlock) for the duration of a VDS lock, so the
// physical address resolved above remains valid until Unlock.
func pinPages(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Mlock(buf)
}

func unpinPages(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Munlock(buf)
}
