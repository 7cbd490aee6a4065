// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package recovery is the Integrity & Recovery Layer (spec.md §4.7): it
// classifies failures surfaced by a nic.Controller, chooses and applies a
// bounded recovery strategy, and runs a periodic structural-integrity sweep
// over the bounce pool. Per-device error and recovery-attempt accounting
// lives in an ErrorContext and recovery runs sequentially; the retry
// schedule itself is driven by github.com/cenkalti/backoff/v4, the same
// library bounce.Pool.Reserve uses for pool-exhaustion retries.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/3com-pktdrv/dmacore"
	"github.com/3com-pktdrv/dmacore/bounce"
	"github.com/3com-pktdrv/dmacore/nic"
)

// FailureClass is the closed set of failure classes spec.md §4.7 names.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureLinkLost
	FailureTxTimeout
	FailureRxTimeout
	FailureErrorRate
	FailureInterruptStorm
	FailureRegisterCorruption
	FailureCritical
)

func (f FailureClass) String() string {
	switch f {
	case FailureLinkLost:
		return "link-lost"
	case FailureTxTimeout:
		return "tx-timeout"
	case FailureRxTimeout:
		return "rx-timeout"
	case FailureErrorRate:
		return "error-rate"
	case FailureInterruptStorm:
		return "interrupt-storm"
	case FailureRegisterCorruption:
		return "register-corruption"
	case FailureCritical:
		return "critical"
	default:
		return "none"
	}
}

// Strategy is the recovery action chosen for a FailureClass.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategySoftReset
	StrategyHardReset
	StrategyReinitialize
	StrategyFailover
	StrategyDisable
)

func (s Strategy) String() string {
	switch s {
	case StrategySoftReset:
		return "soft-reset"
	case StrategyHardReset:
		return "hard-reset"
	case StrategyReinitialize:
		return "reinitialize"
	case StrategyFailover:
		return "failover"
	case StrategyDisable:
		return "disable"
	default:
		return "none"
	}
}

// DeviceState tracks the per-device counters spec.md §3's data model
// requires: link status, TX/RX and error counters, and the consecutive-
// error count the recovery engine keys decisions off of.
type DeviceState struct {
	LinkUp            bool
	TxPackets         uint64
	RxPackets         uint64
	TxErrors          uint64
	RxErrors          uint64
	ConsecutiveErrors int
	LastErrorTime     time.Time
	Disabled          bool
}

// ErrorContext is the per-device recovery bookkeeping spec.md §3 names:
// error statistics, recovery state, the strategy last applied, and whether
// the device has been disabled.
type ErrorContext struct {
	mu          sync.Mutex
	state       DeviceState
	lastClass   FailureClass
	lastStrat   Strategy
	rxTimeouts  int
	interruptsN int
	windowStart time.Time
}

// State returns a snapshot of the device's current counters.
func (e *ErrorContext) State() DeviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// recordInterrupt notes one interrupt-handler-reported error event,
// resetting the density window once it exceeds one second.
func (e *ErrorContext) recordInterrupt(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > time.Second {
		e.windowStart = now
		e.interruptsN = 0
	}
	e.interruptsN++
}

// interruptRate returns the current window's interrupt-error count as a
// per-second density; the window resets every second so the count itself
// is the rate.
func (e *ErrorContext) interruptRate(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > time.Second {
		return 0
	}
	return float64(e.interruptsN)
}

// Thresholds parameterizes an Engine's failure classification.
type Thresholds struct {
	// TxTimeout and RxTimeout bound how long a completion may be
	// outstanding before the corresponding timeout failure is raised.
	TxTimeout time.Duration
	RxTimeout time.Duration
	// ErrorRatePct is the percentage of errored packets in the trailing
	// window above which FailureErrorRate is raised.
	ErrorRatePct float64
	// ErrorRateWindow is how many trailing packets the error-rate check
	// considers.
	ErrorRateWindow uint64
	// InterruptStormPerSec is the error density, in errors per second,
	// above which FailureInterruptStorm is raised.
	InterruptStormPerSec float64
	// MaxConsecutiveErrors is the threshold past which failover or
	// disable is invoked instead of a lighter-weight reset.
	MaxConsecutiveErrors int
	// MaxRxTimeouts is the number of consecutive RX timeouts that
	// triggers a failover attempt (spec.md §8 scenario 6: five).
	MaxRxTimeouts int
	// MaxTxRetries bounds the exponential-backoff TX retry budget.
	MaxTxRetries uint64
	// RetryBaseDelay is the initial backoff interval for TX retries.
	RetryBaseDelay time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	if t.TxTimeout == 0 {
		t.TxTimeout = 500 * time.Millisecond
	}
	if t.RxTimeout == 0 {
		t.RxTimeout = 2000 * time.Millisecond
	}
	if t.ErrorRatePct == 0 {
		t.ErrorRatePct = 10
	}
	if t.ErrorRateWindow == 0 {
		t.ErrorRateWindow = 100
	}
	if t.InterruptStormPerSec == 0 {
		t.InterruptStormPerSec = 50
	}
	if t.MaxConsecutiveErrors == 0 {
		t.MaxConsecutiveErrors = 5
	}
	if t.MaxRxTimeouts == 0 {
		t.MaxRxTimeouts = 5
	}
	if t.MaxTxRetries == 0 {
		t.MaxTxRetries = 3
	}
	if t.RetryBaseDelay == 0 {
		t.RetryBaseDelay = 10 * time.Millisecond
	}
	return t
}

// Peer is a candidate failover target: a NIC controller plus the error
// context the engine uses to judge whether it is healthy.
type Peer struct {
	NIC     nic.Controller
	Context *ErrorContext
}

// Engine is the Integrity & Recovery Layer for one primary device. It
// classifies failures, applies bounded recovery strategies, and can fail
// over to a registered peer.
type Engine struct {
	Primary    nic.Controller
	Thresholds Thresholds
	Peers      []Peer
	Bounce     *bounce.Pool

	// Notify, if set, is called whenever a failover or disable occurs.
	Notify func(device string, strat Strategy, err error)

	ctx *ErrorContext
}

// NewEngine constructs an Engine for primary, applying threshold defaults
// for any zero-valued field.
func NewEngine(primary nic.Controller, th Thresholds) *Engine {
	return &Engine{
		Primary:    primary,
		Thresholds: th.withDefaults(),
		ctx:        &ErrorContext{windowStart: time.Time{}},
	}
}

// Context returns the engine's per-device error context.
func (e *Engine) Context() *ErrorContext { return e.ctx }

// NoteInterruptError records one interrupt-context error event for the
// interrupt-storm density check. It only updates a counter under a mutex
// and never blocks or allocates, so it is safe to call from an interrupt
// handler per spec.md §5's policy on blocking.
func (e *Engine) NoteInterruptError() {
	e.ctx.recordInterrupt(time.Now())
}

// Classify inspects primary's current state and returns the first failure
// class it detects, or FailureNone if the device looks healthy. deadliner,
// when non-nil, supplies the time since the last completion for TX/RX
// timeout classification.
func (e *Engine) Classify(deadliner nic.Deadliner) FailureClass {
	if ls, ok := e.Primary.(nic.LinkStatus); ok {
		up, err := ls.LinkUp()
		if err == nil && !up {
			return FailureLinkLost
		}
	}

	if deadliner != nil {
		since := deadliner.SinceLastCompletion()
		if since > e.Thresholds.RxTimeout {
			return FailureRxTimeout
		}
		if since > e.Thresholds.TxTimeout {
			return FailureTxTimeout
		}
	}

	if e.ctx.interruptRate(time.Now()) > e.Thresholds.InterruptStormPerSec {
		return FailureInterruptStorm
	}

	st := e.ctx.State()
	total := st.TxPackets + st.RxPackets
	if total >= e.Thresholds.ErrorRateWindow {
		errPct := 100 * float64(st.TxErrors+st.RxErrors) / float64(total)
		if errPct > e.Thresholds.ErrorRatePct {
			return FailureErrorRate
		}
	}

	if err := e.Primary.SelfTest(); err != nil {
		return FailureRegisterCorruption
	}

	return FailureNone
}

// recordError updates the device state for one observed failure.
func (e *Engine) recordError(class FailureClass) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	e.ctx.state.ConsecutiveErrors++
	e.ctx.state.LastErrorTime = time.Now()
	e.ctx.lastClass = class
	if class == FailureRxTimeout {
		e.ctx.rxTimeouts++
	} else {
		e.ctx.rxTimeouts = 0
	}
}

// recordSuccess resets the consecutive-error counter, per spec.md §4.7:
// "Successful operation resets the consecutive-error counter." A genuinely
// healthy operation also clears the consecutive-RX-timeout count; a
// successful recovery *action* does not, see resetConsecutiveErrors.
func (e *Engine) recordSuccess() {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	e.ctx.state.ConsecutiveErrors = 0
	e.ctx.rxTimeouts = 0
}

// resetConsecutiveErrors clears only consecutive_errors after a recovery
// action succeeds, per spec.md §8 scenario 6: a successful soft reset
// resets consecutive_errors, but the independent consecutive-RX-timeout
// count that drives the five-in-a-row failover decision is left untouched.
func (e *Engine) resetConsecutiveErrors() {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	e.ctx.state.ConsecutiveErrors = 0
}

// strategyFor chooses a Strategy for class given the device's current
// consecutive-error count, per the table in spec.md §4.7.
func (e *Engine) strategyFor(class FailureClass) Strategy {
	st := e.ctx.State()
	if class == FailureCritical {
		return StrategyDisable
	}
	if st.ConsecutiveErrors >= e.Thresholds.MaxConsecutiveErrors {
		if len(e.Peers) > 0 {
			return StrategyFailover
		}
		return StrategyDisable
	}
	if class == FailureRxTimeout && e.ctx.rxTimeouts >= e.Thresholds.MaxRxTimeouts {
		if len(e.Peers) > 0 {
			return StrategyFailover
		}
		return StrategyDisable
	}
	switch class {
	case FailureLinkLost, FailureTxTimeout, FailureRxTimeout:
		return StrategySoftReset
	case FailureErrorRate, FailureInterruptStorm:
		return StrategyHardReset
	case FailureRegisterCorruption:
		return StrategyReinitialize
	default:
		return StrategyNone
	}
}

// healthyPeer returns the first peer with link up and zero consecutive
// errors, per spec.md §4.7's failover selection rule, or nil if none
// qualifies.
func (e *Engine) healthyPeer() *Peer {
	for i := range e.Peers {
		p := &e.Peers[i]
		if p.Context != nil && p.Context.State().ConsecutiveErrors != 0 {
			continue
		}
		if ls, ok := p.NIC.(nic.LinkStatus); ok {
			if up, err := ls.LinkUp(); err != nil || !up {
				continue
			}
		}
		return p
	}
	return nil
}

// apply executes strat against the primary device.
func (e *Engine) apply(strat Strategy) error {
	switch strat {
	case StrategySoftReset:
		if err := e.Primary.DisableInterrupts(); err != nil {
			return err
		}
		if err := e.Primary.EnableInterrupts(); err != nil {
			return err
		}
		return nil
	case StrategyHardReset, StrategyReinitialize:
		return e.Primary.Reset()
	case StrategyFailover:
		peer := e.healthyPeer()
		if peer == nil {
			e.ctx.mu.Lock()
			e.ctx.state.Disabled = true
			e.ctx.mu.Unlock()
			if e.Notify != nil {
				e.Notify(e.Primary.Name(), StrategyDisable, dmacore.ErrHardwareFailure)
			}
			return dmacore.ErrHardwareFailure
		}
		if e.Notify != nil {
			e.Notify(e.Primary.Name(), StrategyFailover, nil)
		}
		e.Primary = peer.NIC
		return nil
	case StrategyDisable:
		e.ctx.mu.Lock()
		e.ctx.state.Disabled = true
		e.ctx.mu.Unlock()
		if e.Notify != nil {
			e.Notify(e.Primary.Name(), StrategyDisable, dmacore.ErrHardwareFailure)
		}
		return dmacore.ErrHardwareFailure
	default:
		return nil
	}
}

// Recover classifies the current failure (if any) and, when one is
// detected, applies the chosen strategy, updating the device's error
// counters. It returns the failure class observed (FailureNone if the
// device was healthy) and any error the recovery action itself produced.
func (e *Engine) Recover(deadliner nic.Deadliner) (FailureClass, error) {
	class := e.Classify(deadliner)
	if class == FailureNone {
		e.recordSuccess()
		return FailureNone, nil
	}
	e.recordError(class)
	strat := e.strategyFor(class)
	e.ctx.mu.Lock()
	e.ctx.lastStrat = strat
	e.ctx.mu.Unlock()
	if err := e.apply(strat); err != nil {
		return class, err
	}
	e.resetConsecutiveErrors()
	return class, nil
}

// Disabled reports whether the device has been marked disabled by a prior
// recovery action; once true, it never reverts (spec.md §3: "graceful
// degradation").
func (e *Engine) Disabled() bool {
	return e.ctx.State().Disabled
}

// SendWithRetry sends frame via primary.SendPIO, retrying up to
// Thresholds.MaxTxRetries times with exponential backoff on failure, per
// spec.md §4.7's bounded TX retry budget. Each retry first runs Classify to
// check for a detected failure and attempts recovery before retrying the
// send.
func (e *Engine) SendWithRetry(ctx context.Context, frame []byte) error {
	if e.Disabled() {
		return dmacore.ErrDeviceDisabled
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.Thresholds.RetryBaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, e.Thresholds.MaxTxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := e.Primary.SendPIO(frame)
		if err == nil {
			e.recordSuccess()
			return nil
		}
		if class := e.Classify(nil); class != FailureNone {
			if _, rerr := e.Recover(nil); rerr != nil {
				return backoff.Permanent(rerr)
			}
		}
		return fmt.Errorf("recovery: send attempt %d failed: %w", attempt, err)
	}

	if err := backoff.Retry(op, bo); err != nil {
		return dmacore.ErrHardwareFailure
	}
	return nil
}

// IntegritySweeper is implemented by anything the periodic integrity pass
// can validate structurally; bounce.Pool satisfies it via Sweep/
// CorruptFraction.
type IntegritySweeper interface {
	Sweep() int
	CorruptFraction() float64
}

// IntegrityReport is the outcome of one periodic sweep.
type IntegrityReport struct {
	Reclaimed       int
	CorruptFraction float64
	Forbidden       bool
}

// SweepIntegrity runs the periodic structural-validation pass spec.md
// §4.7 describes: reclaim corrupt idle bounce slots, and if more than half
// the pool is corrupt, signal that DMA must be refused entirely.
func (e *Engine) SweepIntegrity() IntegrityReport {
	if e.Bounce == nil {
		return IntegrityReport{}
	}
	reclaimed := e.Bounce.Sweep()
	frac := e.Bounce.CorruptFraction()
	return IntegrityReport{
		Reclaimed:       reclaimed,
		CorruptFraction: frac,
		Forbidden:       frac > 0.5,
	}
}
