// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package nictest provides a fake nic.Controller that loops frames back to
// itself in memory, the same Record/Playback fake-bus philosophy as
// conn/i2c/i2ctest and conn/gpio/gpiotest, specialized to Ethernet frames.
// Received frames are parsed with gopacket/layers so tests exercise the same
// frame-shape validation a real capture path would.
package nictest

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MinFrame and MaxFrame bound a valid Ethernet frame on the wire (spec.md
// §6.6).
const (
	MinFrame = 60
	MaxFrame = 1514
)

// Loopback is a fake nic.Controller: every SendPIO'd frame is decoded as an
// Ethernet frame and, if valid, placed on the RX queue for the next RXReady
// poll, simulating internal loopback test mode.
type Loopback struct {
	NameStr string

	mu           sync.Mutex
	resetCount   int
	interrupts   bool
	rxQueue      [][]byte
	txPending    bool
	failSelfTest bool
	failReset    bool
	lastTX       time.Time
}

// NewLoopback returns a Loopback named name.
func NewLoopback(name string) *Loopback {
	return &Loopback{NameStr: name}
}

func (l *Loopback) Name() string { return l.NameStr }

// Reset clears all pending state.
func (l *Loopback) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetCount++
	if l.failReset {
		return fmt.Errorf("nictest: %s: simulated reset failure", l.NameStr)
	}
	l.rxQueue = nil
	l.txPending = false
	return nil
}

// ResetCount reports how many times Reset was called.
func (l *Loopback) ResetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetCount
}

// FailNextReset makes every subsequent Reset call return an error until
// cleared with false, for exercising recovery-path failure handling.
func (l *Loopback) FailNextReset(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failReset = fail
}

func (l *Loopback) EnableInterrupts() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupts = true
	return nil
}

func (l *Loopback) DisableInterrupts() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupts = false
	return nil
}

// TXComplete reports whether the most recent SendPIO has finished, which for
// a loopback fake is true immediately; it reports true exactly once per
// SendPIO.
func (l *Loopback) TXComplete() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	done := l.txPending
	l.txPending = false
	return done, nil
}

func (l *Loopback) RXReady() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rxQueue) > 0, nil
}

// Recv dequeues the next looped-back frame, or returns false if none is
// waiting.
func (l *Loopback) Recv() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.rxQueue) == 0 {
		return nil, false
	}
	f := l.rxQueue[0]
	l.rxQueue = l.rxQueue[1:]
	return f, true
}

// SendPIO validates frame as an Ethernet frame via gopacket/layers and, if
// well formed, enqueues it for the next Recv/RXReady poll.
func (l *Loopback) SendPIO(frame []byte) error {
	if len(frame) < MinFrame || len(frame) > MaxFrame {
		return fmt.Errorf("nictest: %s: frame length %d out of [%d,%d]", l.NameStr, len(frame), MinFrame, MaxFrame)
	}
	var eth layers.Ethernet
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth)
	decoded := []gopacket.LayerType{}
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		if _, ok := err.(gopacket.UnsupportedLayerType); !ok {
			return fmt.Errorf("nictest: %s: malformed ethernet frame: %w", l.NameStr, err)
		}
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	l.mu.Lock()
	l.txPending = true
	l.lastTX = time.Now()
	l.rxQueue = append(l.rxQueue, cp)
	l.mu.Unlock()
	return nil
}

func (l *Loopback) SelfTest() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSelfTest {
		return fmt.Errorf("nictest: %s: simulated self-test failure", l.NameStr)
	}
	return nil
}

// FailNextSelfTest makes every subsequent SelfTest call return an error
// until cleared.
func (l *Loopback) FailNextSelfTest(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSelfTest = fail
}

// SinceLastCompletion implements nic.Deadliner.
func (l *Loopback) SinceLastCompletion() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastTX.IsZero() {
		return 0
	}
	return time.Since(l.lastTX)
}
