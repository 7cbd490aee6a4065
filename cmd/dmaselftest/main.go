// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// dmaselftest runs self-contained smoke tests against the DMA core,
// selected by name on the command line, mirroring periph-smoketest's
// registered-SmokeTest/flag.FlagSet pattern. Since no physical NIC driver
// ships in this repository (spec.md scopes per-device register programming
// out), every test here drives the mapper/capability/recovery layers
// against a software loopback NIC (package nic/nictest) rather than real
// hardware — the point is to exercise the DMA safety core itself, not a
// specific card.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"sort"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/bounce"
	"github.com/3com-pktdrv/dmacore/capability"
	"github.com/3com-pktdrv/dmacore/device"
	"github.com/3com-pktdrv/dmacore/dmamap"
	"github.com/3com-pktdrv/dmacore/nic/nictest"
	"github.com/3com-pktdrv/dmacore/platform"
	"github.com/3com-pktdrv/dmacore/recovery"
	"github.com/3com-pktdrv/dmacore/vds"
)

// SelfTest is implemented by every registered smoke test.
type SelfTest interface {
	Name() string
	Description() string
	Run(f *flag.FlagSet, args []string) error
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "dmaselftest: %s.\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose mode")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(os.Args[1:]); err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		io.WriteString(os.Stdout, "\n")
		return errors.New("please specify a test to run or use -help")
	}
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	cmd := fs.Arg(0)
	if cmd == "help" {
		usage(fs)
		return nil
	}
	for _, t := range tests {
		if t.Name() == cmd {
			sub := flag.NewFlagSet("dmaselftest "+t.Name(), flag.ExitOnError)
			if err := t.Run(sub, fs.Args()[1:]); err != nil {
				return err
			}
			log.Printf("Test %s successful", cmd)
			return nil
		}
	}
	return fmt.Errorf("test case %q was not found", cmd)
}

func usage(fs *flag.FlagSet) {
	io.WriteString(os.Stderr, "Usage: dmaselftest <args> <name> ...\n\n")
	fs.PrintDefaults()
	io.WriteString(os.Stderr, "\nTests available:\n")
	names := make([]string, len(tests))
	for i := range tests {
		names[i] = tests[i].Name()
	}
	sort.Strings(names)
	for _, n := range names {
		for _, t := range tests {
			if t.Name() == n {
				fmt.Fprintf(os.Stderr, "  %-24s %s\n", n, t.Description())
			}
		}
	}
}

var tests = []SelfTest{
	&capabilityTest{},
	&integrityTest{},
}

// buildMapper wires a dmamap.Mapper identical in shape to what a real
// driver's init path would assemble: the builtin device table, the
// production pagemap translator, real-mode VDS, and a bounce pool backed by
// that same translator.
func buildMapper(deviceName string) (*dmamap.Mapper, *bounce.Pool, error) {
	reg := device.NewRegistry()
	if err := device.RegisterBuiltin(reg); err != nil {
		return nil, nil, err
	}
	if _, ok := reg.Lookup(deviceName); !ok {
		return nil, nil, fmt.Errorf("dmaselftest: unknown device %q", deviceName)
	}

	translator := vds.DefaultTranslator()
	alloc := func(size int) (dmacore.PhysAddr, []byte, error) {
		buf := make([]byte, size)
		phys, err := translator.Translate(buf)
		if err != nil {
			return 0, nil, err
		}
		return phys, buf, nil
	}
	pool, err := bounce.New(8, alloc)
	if err != nil {
		return nil, nil, err
	}

	report := platform.Default.Probe()
	mp := dmamap.NewMapper(platform.InitialPolicy(report, vds.NewRealMode(nil).Available()))
	mp.Registry = reg
	mp.Translator = translator
	mp.Bounce = pool
	mp.VDS = vds.NewRealMode(translator)
	return mp, pool, nil
}

// capabilityTest runs the active DmaCapabilityTester suite (spec.md §4.6)
// against a loopback NIC.
type capabilityTest struct{}

func (*capabilityTest) Name() string        { return "capability" }
func (*capabilityTest) Description() string { return "run the active DMA capability test suite against a loopback NIC" }

func (c *capabilityTest) Run(f *flag.FlagSet, args []string) error {
	deviceName := f.String("device", "3c515", "device profile to test against")
	if err := f.Parse(args); err != nil {
		return err
	}

	mp, _, err := buildMapper(*deviceName)
	if err != nil {
		return err
	}
	tester := &capability.Tester{Mapper: mp, NIC: nictest.NewLoopback(*deviceName), Device: *deviceName}
	r, err := tester.Run(capability.Config{})
	if err != nil {
		return err
	}

	fmt.Printf("Capability report for %s:\n", *deviceName)
	for _, tr := range r.Tests {
		status := "ok"
		if !tr.Passed {
			status = fmt.Sprintf("FAIL: %v", tr.Err)
		}
		fmt.Printf("- %-24s %-6s %v\n", tr.Name, status, tr.Duration)
	}
	fmt.Printf("Confidence:    %.1f%%\n", r.ConfidencePct)
	fmt.Printf("Coherent:      %v\n", r.Coherent)
	fmt.Printf("Snoop:         %v\n", r.Snoop)
	fmt.Printf("Cross 64KB:    %v\n", r.CanCross64K)
	fmt.Printf("Refined policy: %s\n", r.RefinedPolicy)
	fmt.Printf("Copybreak:     %d bytes\n", r.CopybreakBytes)
	if r.ConfidencePct < 100 {
		return fmt.Errorf("dmaselftest: capability: %d/%d tests failed", len(r.Tests)-int(r.ConfidencePct*float64(len(r.Tests))/100), len(r.Tests))
	}
	return nil
}

// integrityTest exercises the recovery layer's periodic structural sweep
// over a bounce pool (spec.md §4.7).
type integrityTest struct{}

func (*integrityTest) Name() string        { return "integrity" }
func (*integrityTest) Description() string { return "reserve/release bounce slots and run a periodic integrity sweep" }

func (t *integrityTest) Run(f *flag.FlagSet, args []string) error {
	deviceName := f.String("device", "3c515", "device profile to test against")
	if err := f.Parse(args); err != nil {
		return err
	}

	mp, pool, err := buildMapper(*deviceName)
	if err != nil {
		return err
	}
	eng := recovery.NewEngine(nictest.NewLoopback(*deviceName), recovery.Thresholds{})
	eng.Bounce = pool

	m, err := mp.MapTX(make([]byte, 1400), *deviceName)
	if err != nil {
		return err
	}
	if err := mp.Unmap(m); err != nil {
		return err
	}

	rep := eng.SweepIntegrity()
	fmt.Printf("Integrity sweep: reclaimed=%d corrupt_fraction=%.3f forbidden=%v\n",
		rep.Reclaimed, rep.CorruptFraction, rep.Forbidden)
	if rep.Forbidden {
		return dmacore.ErrHardwareFailure
	}
	return nil
}
