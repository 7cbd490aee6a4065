// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bounce pre-allocates a fixed pool of physically contiguous,
// ISA-addressable (below 16 MiB) frame-sized buffers and lends them out under
// a critical section, the same discipline host/pmem.Alloc applies to a
// single contiguous locked allocation, generalized here to a fixed-count
// pool handed out by reservation rather than one-shot.
package bounce

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/3com-pktdrv/dmacore"
)

// defaultBaseDelay is the base unit spec.md §8 scenario 5's 10x/20x/40x
// retry ladder is scaled from.
const defaultBaseDelay = time.Millisecond

// isaLimit is the highest physical address a bounce slot may occupy
// (spec.md §4.4's "entirely within the ISA-addressable range").
const isaLimit = 16 << 20

// frameSize is the size of every slot's usable payload: one Ethernet frame.
const frameSize = 1536

// guardSize is the width, in bytes, of the canary region reserved on each
// side of a slot's payload. It is carved out of the same physically
// contiguous allocation but lies entirely outside Data, so a DMA payload
// write can never stomp the canary it is supposed to be checked against.
const guardSize = 4

// canary is the fixed-value signature written into both guard regions of
// every slot's backing buffer and checked on Reserve.
const canary = 0xC3

// Slot is one bounce buffer. Its Data field is the pool-owned backing
// storage for the payload; callers copy into or out of it but never retain a
// reference past Release. raw is the full contiguous allocation, guardSize
// bytes wider on each side than Data, holding the canaries.
type Slot struct {
	index    int
	phys     dmacore.PhysAddr
	raw      []byte
	Data     []byte
	inUse    bool
	useCount uint64
}

// Phys returns the physical address of the slot's Data region (not the
// guard bytes that precede it in the underlying allocation).
func (s *Slot) Phys() dmacore.PhysAddr { return s.phys }

// UseCount returns how many times this slot has been reserved, for
// diagnostics.
func (s *Slot) UseCount() uint64 { return s.useCount }

func (s *Slot) checkIntegrity() error {
	n := len(s.raw)
	if n < 2*guardSize {
		return dmacore.ErrIntegrityViolation
	}
	for i := 0; i < guardSize; i++ {
		if s.raw[i] != canary || s.raw[n-1-i] != canary {
			return dmacore.ErrIntegrityViolation
		}
	}
	return nil
}

func (s *Slot) stampCanaries() {
	n := len(s.raw)
	for i := 0; i < guardSize && i < n; i++ {
		s.raw[i] = canary
		s.raw[n-1-i] = canary
	}
}

// Allocator produces one physically contiguous, sub-16MiB frame-sized
// buffer. Production code backs this with a real physical allocation (see
// host/pmem.Alloc in the teacher corpus); tests supply a fake.
type Allocator func(size int) (phys dmacore.PhysAddr, data []byte, err error)

// Pool is a fixed-count slot pool. Slot count is fixed at construction and
// never grows; exhaustion is a hard failure left to the caller to retry with
// bounded backoff (see Reserve).
type Pool struct {
	mu    sync.Mutex
	slots []*Slot

	// BaseDelay is the base unit for the exhaustion retry ladder (spec.md
	// §8 scenario 5: 10x/20x/40x). Defaults to 1ms when left zero.
	BaseDelay time.Duration
}

// New allocates n slots via alloc, each sized frameSize. Every slot's
// physical address is validated to sit below the 16MiB ISA boundary.
func New(n int, alloc Allocator) (*Pool, error) {
	if n <= 0 {
		return nil, dmacore.ErrInvalidParam
	}
	p := &Pool{slots: make([]*Slot, 0, n)}
	for i := 0; i < n; i++ {
		phys, raw, err := alloc(frameSize + 2*guardSize)
		if err != nil {
			return nil, err
		}
		if uint64(phys)+uint64(len(raw)) > isaLimit {
			return nil, dmacore.ErrBufferTooLarge
		}
		s := &Slot{
			index: i,
			phys:  phys + dmacore.PhysAddr(guardSize),
			raw:   raw,
			Data:  raw[guardSize : guardSize+frameSize],
		}
		s.stampCanaries()
		p.slots = append(p.slots, s)
	}
	return p, nil
}

// Len reports the fixed slot count.
func (p *Pool) Len() int { return len(p.slots) }

// reserveOnce performs the O(N) linear scan for a free, size-sufficient,
// integrity-valid slot, without retrying.
func (p *Pool) reserveOnce(size int) (*Slot, error) {
	if size > frameSize {
		return nil, dmacore.ErrBufferTooLarge
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.inUse {
			continue
		}
		if err := s.checkIntegrity(); err != nil {
			continue
		}
		s.inUse = true
		s.useCount++
		return s, nil
	}
	return nil, dmacore.ErrBounceExhausted
}

// Reserve finds the first free slot whose size is sufficient, marking it
// in-use. On immediate exhaustion it retries up to 3 times at 10x/20x/40x
// BaseDelay (spec.md §8 scenario 5) before giving up with
// dmacore.ErrBounceExhausted. Between retries a Sweep is attempted so a
// corrupt-but-idle slot can be reclaimed.
func (p *Pool) Reserve(ctx context.Context, size int) (*Slot, error) {
	s, err := p.reserveOnce(size)
	if err == nil {
		return s, nil
	}
	if err != dmacore.ErrBounceExhausted {
		return nil, err
	}

	bo := p.boundedBackoff()
	var last error = err
	// backoff.Retry calls op once before its first delay; the attempt above
	// already stands for that call, so it is not repeated.
	first := true
	op := func() error {
		if first {
			first = false
			return last
		}
		p.Sweep()
		s, err = p.reserveOnce(size)
		if err == nil {
			return nil
		}
		last = err
		return err
	}
	if bErr := backoff.Retry(op, backoff.WithContext(bo, ctx)); bErr != nil {
		return nil, last
	}
	return s, nil
}

// boundedBackoff builds the 10x/20x/40x-style bounded policy spec.md §8's
// exhaustion scenario requires: the initial attempt plus exactly 3 retries,
// no randomized jitter so behaviour is reproducible in tests.
func (p *Pool) boundedBackoff() backoff.BackOff {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * delay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, 3)
}

// Release marks slot free. It does not clear the slot's contents; the next
// Reserve caller is responsible for any data it cares about.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.inUse = false
}

// Sweep scans every slot and forcibly frees any slot that is idle but fails
// its integrity check, per spec.md §7's "emergency integrity sweep" between
// exhaustion retries. It returns the number of slots freed this way; a freed
// slot's canaries are re-stamped so it can be reused.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	freed := 0
	for _, s := range p.slots {
		if s.inUse {
			continue
		}
		if err := s.checkIntegrity(); err != nil {
			s.stampCanaries()
			freed++
		}
	}
	return freed
}

// CorruptFraction returns the fraction (0..1) of slots currently idle but
// failing their integrity check, for the Integrity & Recovery layer's
// pool-wide disable threshold (spec.md §7: "if density of violations exceeds
// half the pool").
func (p *Pool) CorruptFraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return 0
	}
	bad := 0
	for _, s := range p.slots {
		if s.inUse {
			continue
		}
		if err := s.checkIntegrity(); err != nil {
			bad++
		}
	}
	return float64(bad) / float64(len(p.slots))
}
