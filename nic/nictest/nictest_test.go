// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package nictest

import (
	"testing"

	"github.com/3com-pktdrv/dmacore/nic"
)

var _ nic.Controller = (*Loopback)(nil)
var _ nic.Deadliner = (*Loopback)(nil)

func validFrame(n int) []byte {
	f := make([]byte, n)
	// destination MAC
	copy(f[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	// source MAC
	copy(f[6:12], []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	// ethertype: IPv4
	f[12] = 0x08
	f[13] = 0x00
	return f
}

func TestSendPIO_LoopsValidFrame(t *testing.T) {
	l := NewLoopback("test0")
	frame := validFrame(64)
	if err := l.SendPIO(frame); err != nil {
		t.Fatal(err)
	}
	ready, err := l.RXReady()
	if err != nil {
		t.Fatal(err)
	}
	if !ready {
		t.Fatal("expected RXReady after SendPIO")
	}
	got, ok := l.Recv()
	if !ok {
		t.Fatal("expected a frame from Recv")
	}
	if len(got) != len(frame) {
		t.Fatalf("got %d bytes, want %d", len(got), len(frame))
	}
}

func TestSendPIO_RejectsUndersizeFrame(t *testing.T) {
	l := NewLoopback("test0")
	if err := l.SendPIO(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersize frame")
	}
}

func TestSendPIO_RejectsOversizeFrame(t *testing.T) {
	l := NewLoopback("test0")
	if err := l.SendPIO(make([]byte, MaxFrame+1)); err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestReset_ClearsQueue(t *testing.T) {
	l := NewLoopback("test0")
	if err := l.SendPIO(validFrame(60)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	if ready, _ := l.RXReady(); ready {
		t.Fatal("expected RX queue to be empty after Reset")
	}
	if l.ResetCount() != 1 {
		t.Fatalf("got %d, want 1", l.ResetCount())
	}
}

func TestFailNextReset(t *testing.T) {
	l := NewLoopback("test0")
	l.FailNextReset(true)
	if err := l.Reset(); err == nil {
		t.Fatal("expected simulated reset failure")
	}
}

func TestSelfTest_FailureInjection(t *testing.T) {
	l := NewLoopback("test0")
	if err := l.SelfTest(); err != nil {
		t.Fatal(err)
	}
	l.FailNextSelfTest(true)
	if err := l.SelfTest(); err == nil {
		t.Fatal("expected simulated self-test failure")
	}
}

func TestTXComplete(t *testing.T) {
	l := NewLoopback("test0")
	if err := l.SendPIO(validFrame(64)); err != nil {
		t.Fatal(err)
	}
	done, err := l.TXComplete()
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected TXComplete to report done")
	}
	done2, _ := l.TXComplete()
	if done2 {
		t.Fatal("expected TXComplete to report false once already consumed")
	}
}
