// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/nic/nictest"
)

// fakeDeadliner reports a fixed, test-controlled elapsed time so timeout
// classification can be exercised without sleeping.
type fakeDeadliner struct{ since time.Duration }

func (f fakeDeadliner) SinceLastCompletion() time.Duration { return f.since }

func TestClassify_Healthy(t *testing.T) {
	e := NewEngine(nictest.NewLoopback("nic0"), Thresholds{})
	if class := e.Classify(fakeDeadliner{since: 0}); class != FailureNone {
		t.Fatalf("got %v, want FailureNone", class)
	}
}

func TestClassify_RxTimeout(t *testing.T) {
	e := NewEngine(nictest.NewLoopback("nic0"), Thresholds{})
	if class := e.Classify(fakeDeadliner{since: 2100 * time.Millisecond}); class != FailureRxTimeout {
		t.Fatalf("got %v, want FailureRxTimeout", class)
	}
}

func TestClassify_TxTimeoutBelowRxThreshold(t *testing.T) {
	e := NewEngine(nictest.NewLoopback("nic0"), Thresholds{})
	if class := e.Classify(fakeDeadliner{since: 700 * time.Millisecond}); class != FailureTxTimeout {
		t.Fatalf("got %v, want FailureTxTimeout", class)
	}
}

func TestClassify_RegisterCorruption(t *testing.T) {
	lo := nictest.NewLoopback("nic0")
	lo.FailNextSelfTest(true)
	e := NewEngine(lo, Thresholds{})
	if class := e.Classify(fakeDeadliner{since: 0}); class != FailureRegisterCorruption {
		t.Fatalf("got %v, want FailureRegisterCorruption", class)
	}
}

// TestRecover_RxTimeoutSoftResetsAndClearsConsecutiveErrors exercises the
// first half of spec.md §8 scenario 6: a single RX timeout is classified,
// a soft reset is issued, and on success consecutive_errors returns to 0.
func TestRecover_RxTimeoutSoftResetsAndClearsConsecutiveErrors(t *testing.T) {
	lo := nictest.NewLoopback("nic0")
	e := NewEngine(lo, Thresholds{})

	class, err := e.Recover(fakeDeadliner{since: 2100 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if class != FailureRxTimeout {
		t.Fatalf("got %v, want FailureRxTimeout", class)
	}
	if got := e.Context().State().ConsecutiveErrors; got != 0 {
		t.Fatalf("ConsecutiveErrors = %d, want 0 after successful soft reset", got)
	}
	if lo.ResetCount() != 0 {
		t.Fatalf("soft reset must not call Reset(), only toggle interrupts; ResetCount = %d", lo.ResetCount())
	}
}

// TestRecover_FiveConsecutiveRxTimeoutsFailsOverToHealthyPeer exercises the
// second half of spec.md §8 scenario 6: five consecutive RX timeouts
// trigger a failover to a healthy peer.
func TestRecover_FiveConsecutiveRxTimeoutsFailsOverToHealthyPeer(t *testing.T) {
	primary := nictest.NewLoopback("nic0")
	peerNIC := nictest.NewLoopback("nic1")
	e := NewEngine(primary, Thresholds{})
	e.Peers = []Peer{{NIC: peerNIC, Context: &ErrorContext{}}}

	var lastStrat Strategy
	var lastErr error
	e.Notify = func(device string, strat Strategy, err error) {
		lastStrat = strat
		lastErr = err
	}

	for i := 0; i < 5; i++ {
		if _, err := e.Recover(fakeDeadliner{since: 2100 * time.Millisecond}); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
	}

	if e.Primary != peerNIC {
		t.Fatalf("engine did not fail over to the healthy peer")
	}
	if lastStrat != StrategyFailover {
		t.Fatalf("Notify strategy = %v, want StrategyFailover", lastStrat)
	}
	if lastErr != nil {
		t.Fatalf("Notify err = %v, want nil on successful failover", lastErr)
	}
}

// TestRecover_FiveConsecutiveRxTimeoutsNoPeerDisablesDevice covers the
// "if none exists, device is disabled and the caller sees HardwareFailure"
// clause of spec.md §8 scenario 6.
func TestRecover_FiveConsecutiveRxTimeoutsNoPeerDisablesDevice(t *testing.T) {
	primary := nictest.NewLoopback("nic0")
	e := NewEngine(primary, Thresholds{})

	var sawErr error
	for i := 0; i < 5; i++ {
		_, err := e.Recover(fakeDeadliner{since: 2100 * time.Millisecond})
		sawErr = err
	}

	if sawErr != dmacore.ErrHardwareFailure {
		t.Fatalf("got %v, want ErrHardwareFailure", sawErr)
	}
	if !e.Disabled() {
		t.Fatal("expected device to be marked disabled")
	}
}

func TestClassify_InterruptStorm(t *testing.T) {
	e := NewEngine(nictest.NewLoopback("nic0"), Thresholds{InterruptStormPerSec: 3})
	for i := 0; i < 5; i++ {
		e.NoteInterruptError()
	}
	if class := e.Classify(fakeDeadliner{since: 0}); class != FailureInterruptStorm {
		t.Fatalf("got %v, want FailureInterruptStorm", class)
	}
}

func TestHealthyPeer_SkipsPeerWithConsecutiveErrors(t *testing.T) {
	primary := nictest.NewLoopback("nic0")
	unhealthyCtx := &ErrorContext{}
	unhealthyCtx.state.ConsecutiveErrors = 3
	e := NewEngine(primary, Thresholds{})
	e.Peers = []Peer{{NIC: nictest.NewLoopback("bad-peer"), Context: unhealthyCtx}}

	if p := e.healthyPeer(); p != nil {
		t.Fatalf("expected no healthy peer, got %s", p.NIC.Name())
	}
}

func TestSendWithRetry_SucceedsWithinBudget(t *testing.T) {
	lo := nictest.NewLoopback("nic0")
	e := NewEngine(lo, Thresholds{RetryBaseDelay: time.Microsecond})
	frame := make([]byte, 64)
	if err := e.SendWithRetry(context.Background(), frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendWithRetry_DisabledDeviceRejectsImmediately(t *testing.T) {
	lo := nictest.NewLoopback("nic0")
	e := NewEngine(lo, Thresholds{})
	e.ctx.state.Disabled = true
	if err := e.SendWithRetry(context.Background(), make([]byte, 64)); err != dmacore.ErrDeviceDisabled {
		t.Fatalf("got %v, want ErrDeviceDisabled", err)
	}
}

func TestSweepIntegrity_NoBouncePoolIsNoop(t *testing.T) {
	e := NewEngine(nictest.NewLoopback("nic0"), Thresholds{})
	r := e.SweepIntegrity()
	if r.Reclaimed != 0 || r.CorruptFraction != 0 || r.Forbidden {
		t.Fatalf("got %+v, want zero value", r)
	}
}
