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

package socket

import (
	"sync"
	"syscall"
	"time"

	"github.com/occlum-go/occlum-core/internal/iouring"
	"github.com/occlum-go/occlum-core/runtime"
)

// Domain and Type mirror the socket(2) arguments relevant to this layer.
type Domain int

const (
	AFInet Domain = iota
	AFInet6
	AFUnix
)

type SockType int

const (
	SockStream SockType = iota
	SockDgram
)

// Flags honoured by sendmsg/recvmsg.
type MsgFlags uint32

const (
	MsgDontWait MsgFlags = 1 << iota
	MsgNoSignal
	MsgMore
	MsgWaitAll
	MsgPeek
	MsgTrunc
	MsgCTrunc
	MsgErrQueue
)

// ShutdownHow selects which half of a stream to shut down.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

const (
	// SendBufSize is the default stream sender ring capacity.
	SendBufSize = 256 << 10
	// RecvBufSize is the default stream receiver ring capacity.
	RecvBufSize = 256 << 10
	// MaxBufSize bounds aggregate pending bytes for a datagram sender and
	// the size of a datagram receiver's single staging buffer.
	MaxBufSize = 64 << 10
	// OptMemMax bounds ancillary control-message bytes.
	OptMemMax = 10 << 10
	// PendingAsyncAcceptNumMax is the LibOS-side backlog clamp.
	PendingAsyncAcceptNumMax = 128
	// DefaultLingerTimeout is how long close() waits for a sender's ring to
	// drain before cancelling the outstanding sqe and dropping the rest.
	DefaultLingerTimeout = 10 * time.Second
	// ListenerCloseTimeout bounds how long listener close waits for
	// outstanding accepts to be cancelled.
	ListenerCloseTimeout = 20 * time.Second
)

// Common holds the socket state shared by every socket kind: host fd,
// domain/type, pollee, addresses, nonblocking flag, timeouts, and the
// latched fatal errno a completion callback may have stashed.
type Common struct {
	mu sync.Mutex

	HostFD int32
	Domain Domain
	Type   SockType

	Pollee Pollee

	local, peer []byte // untrusted sockaddr_storage bytes, nil if unbound

	Nonblocking int32 // atomic bool

	RecvTimeout time.Duration
	SendTimeout time.Duration

	fatal error // latched errno surfaced on the next I/O call

	evl *iouring.IOUringEventLoop
}

// NewCommon wraps an already-created host fd (from socket(2)/accept(2)).
func NewCommon(evl *iouring.IOUringEventLoop, hostFD int32, domain Domain, typ SockType, nonblocking bool) *Common {
	c := &Common{
		HostFD: hostFD,
		Domain: domain,
		Type:   typ,
		evl:    evl,
	}
	if nonblocking {
		c.Nonblocking = 1
	}
	return c
}

func (c *Common) IsNonblocking() bool { return c.Nonblocking != 0 }

func (c *Common) SetNonblocking(v bool) {
	if v {
		c.Nonblocking = 1
	} else {
		c.Nonblocking = 0
	}
}

// LatchFatal stores err if no fatal error is already latched; first error
// wins until it is consumed by TakeFatal.
func (c *Common) LatchFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

// TakeFatal returns and clears the latched fatal error, if any.
func (c *Common) TakeFatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.fatal
	c.fatal = nil
	return err
}

func (c *Common) Addr() []byte { return c.local }
func (c *Common) PeerAddr() []byte { return c.peer }

func (c *Common) SetAddr(local, peer []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if local != nil {
		c.local = local
	}
	if peer != nil {
		c.peer = peer
	}
}

// ClearPeer drops the connected peer address, e.g. when a datagram socket
// connects to AF_UNSPEC to dissociate per spec §4.9.
func (c *Common) ClearPeer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = nil
}

// errnoFromRes maps a negative io_uring completion result to an error.
func errnoFromRes(res int32) error {
	if res >= 0 {
		return nil
	}
	return syscall.Errno(-res)
}

// isRetryTimeout maps ETIMEDOUT from a bounded wait to EAGAIN at the socket
// boundary, matching Linux SO_RCVTIMEO/SO_SNDTIMEO (open question (a) in
// the design notes resolves to: non-configurable, always EAGAIN).
func isRetryTimeout(err error) bool {
	return err == syscall.ETIMEDOUT
}

// waiterObserver bridges a Pollee notification to a runtime.Waiter wake.
type waiterObserver struct {
	w *runtime.Waiter
}

func (o *waiterObserver) Notify(Events) { o.w.Wake() }

// waitEvents blocks the calling task until mask intersects the pollee's
// current events or until timeout elapses. The wait is made without a task
// handle, so no task's TIRQ lines are consulted and a TIRQ does not end it.
// A double-checked Poll avoids registering (and the allocation that goes
// with it) when events are already available.
func (c *Common) waitEvents(mask Events, timeout *time.Duration) (Events, error) {
	if got, _ := c.Pollee.Poll(mask, nil); got != 0 {
		return got, nil
	}
	w := runtime.NewWaiter()
	obs := &waiterObserver{w: w}
	got, reg := c.Pollee.Poll(mask, obs)
	if got != 0 {
		c.Pollee.Unregister(reg)
		return got, nil
	}
	err := w.WaitTimeout(nil, timeout)
	c.Pollee.Unregister(reg)
	if err != nil {
		return 0, err
	}
	got, _ = c.Pollee.Poll(mask, nil)
	return got, nil
}
