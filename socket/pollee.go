/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package socket implements an io_uring-backed buffered stream/datagram
// socket layer: submission/completion state machines over untrusted-memory
// ring buffers, listener accept backpressure, and non-blocking/timeout
// semantics.
package socket

import (
	"sync"
	"sync/atomic"
)

// Events is a bitset of readiness conditions a socket can report.
type Events uint32

const (
	EventIn Events = 1 << iota
	EventOut
	EventErr
	EventHup
)

// Observer is notified whenever a Pollee's event set gains bits it cares
// about. Register via Pollee.Poll with a non-nil Observer.
type Observer interface {
	// Notify is called with the events that just became set, intersected
	// with the mask this observer registered for.
	Notify(e Events)
}

// ObserverFunc adapts a plain func to Observer.
type ObserverFunc func(Events)

func (f ObserverFunc) Notify(e Events) { f(e) }

// registration is heap-allocated and referenced by pointer so Unregister
// can identify an entry by pointer identity without ever comparing
// Observer interface values directly — some Observer implementations
// (ObserverFunc) wrap a func, which Go cannot compare with ==/!=, so
// registration identity must never ride on Observer equality.
type registration struct {
	mask Events
	obs  Observer
}

// Pollee holds an atomic events bitset plus a list of registered observers.
// add_events/del_events/poll implement the ordering guarantee that a
// producer writing state then calling AddEvents happens-before a consumer
// that observes the event via Poll and then reads that state: both sides
// go through the same mutex-guarded registration list plus an atomic
// bitset read/write, which together provide the needed memory barrier.
type Pollee struct {
	mu   sync.Mutex
	bits uint32
	regs []*registration
}

// AddEvents ORs e into the set and notifies every observer whose mask
// intersects e.
func (p *Pollee) AddEvents(e Events) {
	p.mu.Lock()
	atomic.StoreUint32(&p.bits, atomic.LoadUint32(&p.bits)|uint32(e))
	notify := make([]*registration, 0, len(p.regs))
	for _, r := range p.regs {
		if r.mask&e != 0 {
			notify = append(notify, r)
		}
	}
	p.mu.Unlock()

	for _, r := range notify {
		r.obs.Notify(e & r.mask)
	}
}

// DelEvents ANDs e out of the set. No notifications are sent.
func (p *Pollee) DelEvents(e Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	atomic.StoreUint32(&p.bits, atomic.LoadUint32(&p.bits)&^uint32(e))
}

// Poll atomically reads the current events intersected with mask. If the
// result is empty and obs is non-nil, obs is registered so a later
// AddEvents call that intersects mask notifies it. The returned handle, if
// non-nil, must be passed to Unregister once the caller no longer needs
// notifications (e.g. after a wait returns).
func (p *Pollee) Poll(mask Events, obs Observer) (Events, *registration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := Events(atomic.LoadUint32(&p.bits)) & mask
	if cur == 0 && obs != nil {
		reg := &registration{mask: mask, obs: obs}
		p.regs = append(p.regs, reg)
		return cur, reg
	}
	return cur, nil
}

// Unregister removes the registration returned by Poll, e.g. once a waiter
// times out or is woken and no longer needs notifications. Identified by
// pointer identity, never by comparing Observer values (see registration).
func (p *Pollee) Unregister(reg *registration) {
	if reg == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.regs[:0]
	for _, r := range p.regs {
		if r != reg {
			out = append(out, r)
		}
	}
	p.regs = out
}
