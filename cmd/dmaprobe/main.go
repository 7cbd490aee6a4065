// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// dmaprobe runs the bring-up sequence (platform probe, device registry) and
// prints what it learned about the host: CPU class, cache mode, chipset
// identity, V86/VDS state, the registered device profiles, and the initial
// DmaPolicy, mirroring periph-info's driver-listing report.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/device"
	"github.com/3com-pktdrv/dmacore/platform"
	"github.com/3com-pktdrv/dmacore/vds"
)

func printStages(label string, outcomes []dmacore.Outcome) {
	fmt.Printf("%s:\n", label)
	if len(outcomes) == 0 {
		fmt.Print("  <none>\n")
		return
	}
	for _, o := range outcomes {
		fmt.Printf("- %s: %v\n", o.Stage, o.Err)
	}
}

func mainImpl() error {
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	platStage := &platform.Stage{}
	registry := device.NewRegistry()
	devStage := &device.Stage{Registry: registry}

	report, err := dmacore.Bringup([]dmacore.Stage{platStage, devStage})
	if err != nil {
		return err
	}

	fmt.Printf("Stages run:\n")
	if len(report.Ran) == 0 {
		fmt.Print("  <none>\n")
	}
	for _, s := range report.Ran {
		fmt.Printf("- %s\n", s)
	}
	printStages("Stages skipped", report.Skipped)
	printStages("Stages failed", report.Failed)
	if len(report.Failed) != 0 {
		return fmt.Errorf("dmaprobe: %d stage(s) failed", len(report.Failed))
	}

	r := platStage.Result
	fmt.Printf("\nPlatform:\n")
	fmt.Printf("  CPU class:       %s\n", r.CPUClass)
	fmt.Printf("  CLFLUSH:         %v\n", r.HasCLFlush)
	fmt.Printf("  Fence:           %v\n", r.HasFence)
	fmt.Printf("  Cache line size: %d\n", r.CacheLineSize)
	fmt.Printf("  Cache mode:      %s\n", r.CacheMode)
	fmt.Printf("  V86 active:      %v\n", r.V86Active)
	fmt.Printf("  PCI BIOS:        %v\n", r.HasPCIBIOS())
	if r.HasPCIBIOS() {
		fmt.Printf("  Chipset:         %s (confidence: %s)\n", r.Chipset, r.ChipsetConf)
	}

	vdsAvailable := false
	if r.V86Active {
		v := &vds.V86{}
		vdsAvailable = v.Available()
	}
	policy := platform.InitialPolicy(r, vdsAvailable)
	fmt.Printf("  Initial policy:  %s\n", policy)

	fmt.Printf("\nRegistered devices:\n")
	for _, name := range registry.Names() {
		caps, _ := registry.Lookup(name)
		fmt.Printf("- %-8s max_phys=0x%x align=%d sg=%v(%d) coherent=%v needs_vds=%v\n",
			caps.Name, caps.MaxPhysAddr, caps.Alignment, caps.SupportsSG, caps.MaxSGEntries,
			caps.CacheCoherent, caps.NeedsVDS)
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "dmaprobe: %s.\n", err)
		os.Exit(1)
	}
}
