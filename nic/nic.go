// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package nic declares the minimal device-side contract the core expects
// from an attached NIC driver (spec.md §6.5): the core never reaches into
// device registers directly, it only composes these operations, the same
// discipline conn/gpio.PinIO applies so generic code never depends on a
// specific chip's register layout.
package nic

import "time"

// Controller is what every registered NIC driver must provide. The core
// drives reset, interrupt masking, completion polling, the PIO send path
// used below copybreak and during capability testing, and a register-level
// self-test; it never does more than that.
type Controller interface {
	// Name identifies the controller instance, e.g. "3c509b@0x300".
	Name() string

	// Reset performs a full hardware reset and re-initialization.
	Reset() error

	// EnableInterrupts and DisableInterrupts mask/unmask the device's
	// interrupt line.
	EnableInterrupts() error
	DisableInterrupts() error

	// TXComplete reports whether the most recently programmed transmit has
	// finished.
	TXComplete() (bool, error)

	// RXReady reports whether a received frame is waiting.
	RXReady() (bool, error)

	// SendPIO transmits frame via programmed I/O, bypassing DMA entirely.
	// Used below the copybreak threshold and as the fallback path when DMA
	// is unavailable.
	SendPIO(frame []byte) error

	// SelfTest runs the device's built-in register/loopback self-test and
	// reports pass/fail, used by the Integrity & Recovery layer's register-
	// corruption detection (spec.md §4.7).
	SelfTest() error
}

// LinkStatus reports physical link state, polled by the recovery layer's
// link-down detector.
type LinkStatus interface {
	LinkUp() (bool, error)
}

// Deadliner is implemented by controllers that can report how long a
// completion has been outstanding, used to classify TX/RX timeout.
type Deadliner interface {
	SinceLastCompletion() time.Duration
}
