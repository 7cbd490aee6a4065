// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package capability

import (
	"testing"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/bounce"
	"github.com/3com-pktdrv/dmacore/device"
	"github.com/3com-pktdrv/dmacore/dmamap"
	"github.com/3com-pktdrv/dmacore/nic/nictest"
)

type flatTranslator struct{ phys dmacore.PhysAddr }

func (f flatTranslator) Translate(buf []byte) (dmacore.PhysAddr, error) {
	return f.phys, nil
}

func newTester(t *testing.T) *Tester {
	t.Helper()
	r := device.NewRegistry()
	if err := device.RegisterBuiltin(r); err != nil {
		t.Fatal(err)
	}
	mp := dmamap.NewMapper(dmacore.PolicyAuto)
	mp.Registry = r
	mp.Translator = flatTranslator{phys: 0x10000}
	next := dmacore.PhysAddr(0)
	pool, err := bounce.New(4, func(size int) (dmacore.PhysAddr, []byte, error) {
		phys := next
		next += dmacore.PhysAddr(size)
		return phys, make([]byte, size), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	mp.Bounce = pool
	return &Tester{
		Mapper: mp,
		NIC:    nictest.NewLoopback("test0"),
		Device: "3c515",
	}
}

func TestRun_ProducesAllTests(t *testing.T) {
	tester := newTester(t)
	r, err := tester.Run(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Tests) != 8 {
		t.Fatalf("got %d test results, want 8", len(r.Tests))
	}
	if r.ConfidencePct < 0 || r.ConfidencePct > 100 {
		t.Fatalf("confidence %v out of range", r.ConfidencePct)
	}
}

func TestRun_CoherentDevicePolicyDirect(t *testing.T) {
	tester := newTester(t)
	r, err := tester.Run(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Coherent {
		t.Fatal("expected the fake flat-mapped buffer to read as coherent")
	}
	if r.RefinedPolicy != dmacore.PolicyDirect {
		t.Fatalf("got %v, want PolicyDirect", r.RefinedPolicy)
	}
}

func TestCopybreakBenchmark_MonotonicSizes(t *testing.T) {
	tester := newTester(t)
	threshold, err := tester.copybreakBenchmark(Config{BenchmarkSizes: []int{64, 128, 256}})
	if err != nil {
		t.Fatal(err)
	}
	if threshold <= 0 {
		t.Fatalf("got non-positive copybreak threshold %d", threshold)
	}
}

func TestRefinePolicy_FailedTestForcesBounceOnly(t *testing.T) {
	r := &Report{
		Tests: []TestResult{{Name: "x", Passed: false}},
	}
	if got := refinePolicy(r); got != dmacore.PolicyBounceOnly {
		t.Fatalf("got %v, want PolicyBounceOnly", got)
	}
}
