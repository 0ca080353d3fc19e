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
)

// DgramReceiver uses a single MaxBufSize staging buffer and an OptMemMax
// control buffer, per spec §4.9.
type DgramReceiver struct {
	c   *Common
	mu  sync.Mutex

	staging []byte
	control []byte
	fromAddr []byte

	recvLen    int
	haveRecv   bool // distinguishes "0 valid bytes received" from "nothing staged"
	kernelLen  int  // true kernel length, for MSG_TRUNC reporting
	ctrlLen    int

	outstanding *iouring.UserData
	closed      bool
}

func NewDgramReceiver(c *Common) *DgramReceiver {
	return &DgramReceiver{
		c:       c,
		staging: Malloc(MaxBufSize),
		control: Malloc(OptMemMax),
	}
}

// Recvmsg implements spec §4.9's receive-side flag handling.
func (r *DgramReceiver) Recvmsg(buf []byte, control []byte, flags MsgFlags) (n int, fromAddr []byte, outFlags MsgFlags, err error) {
	if flags&MsgErrQueue != 0 {
		r.mu.Lock()
		defer r.mu.Unlock()
		if fatalErr := r.c.TakeFatal(); fatalErr != nil {
			return 0, nil, 0, fatalErr
		}
		return 0, nil, 0, nil
	}

	for {
		r.mu.Lock()
		if r.haveRecv {
			n, fromAddr, outFlags = r.drainLocked(buf, control, flags)
			r.mu.Unlock()
			return n, fromAddr, outFlags, nil
		}
		if err := r.c.TakeFatal(); err != nil {
			r.mu.Unlock()
			return 0, nil, 0, err
		}
		r.kickRecvLocked()
		r.mu.Unlock()

		if r.c.IsNonblocking() || flags&MsgDontWait != 0 {
			return 0, nil, 0, syscall.EAGAIN
		}
		timeout := r.timeoutPtr()
		_, werr := r.c.waitEvents(EventIn, timeout)
		if werr != nil {
			if isRetryTimeout(werr) {
				return 0, nil, 0, syscall.EAGAIN
			}
			return 0, nil, 0, werr
		}
	}
}

// drainLocked copies the staged datagram into buf honouring MSG_PEEK /
// MSG_TRUNC / MSG_CTRUNC, and re-arms unless MSG_PEEK was set. Caller
// holds r.mu and r.haveRecv is true.
func (r *DgramReceiver) drainLocked(buf, control []byte, flags MsgFlags) (int, []byte, MsgFlags) {
	n := copy(buf, r.staging[:r.recvLen])
	var outFlags MsgFlags
	if n < r.kernelLen {
		outFlags |= MsgTrunc
	}
	ctrlN := copy(control, r.control[:r.ctrlLen])
	if ctrlN < r.ctrlLen {
		outFlags |= MsgCTrunc
	}

	reportLen := n
	if flags&MsgTrunc != 0 {
		reportLen = r.kernelLen // MSG_TRUNC semantics: report kernel length
	}
	addr := append([]byte(nil), r.fromAddr...)

	if flags&MsgPeek == 0 {
		r.haveRecv = false
		r.kickRecvLocked()
	}
	return reportLen, addr, outFlags
}

func (r *DgramReceiver) timeoutPtr() *time.Duration {
	if r.c.RecvTimeout <= 0 {
		return nil
	}
	d := r.c.RecvTimeout
	return &d
}

func (r *DgramReceiver) kickRecvLocked() {
	if r.outstanding != nil || r.haveRecv || r.closed {
		return
	}
	ud := iouring.Get()
	ud.SetRecvMsgOp(r.c.HostFD, [][]byte{r.staging}, r.control, true, 0)
	ud.SetCallback(r.onComplete)
	r.outstanding = ud
	r.c.evl.Enqueue(ud)
}

func (r *DgramReceiver) onComplete(res int32, _ uint32) {
	r.mu.Lock()
	ud := r.outstanding
	r.outstanding = nil

	if res < 0 {
		r.c.LatchFatal(errnoFromRes(res))
		r.c.Pollee.AddEvents(EventErr)
		r.mu.Unlock()
		iouring.Put(ud)
		return
	}

	// Zero-length datagrams are legal: recv_len = Some(0), res == 0 here
	// is a real empty datagram, not EOF (datagram sockets have no EOF).
	r.recvLen = int(res)
	r.kernelLen = int(res)
	r.ctrlLen = len(r.control) // ancillary length; kernel fills in place, cap unchanged
	r.fromAddr = append([]byte(nil), ud.PeerAddr()...)
	r.haveRecv = true
	r.c.Pollee.AddEvents(EventIn)
	r.mu.Unlock()
	iouring.Put(ud)
}

// Close cancels any outstanding recvmsg sqe and releases staging buffers.
func (r *DgramReceiver) Close() {
	r.mu.Lock()
	target := r.outstanding
	r.closed = true
	r.mu.Unlock()

	if target != nil {
		r.c.evl.SubmitNow(cancelUserData(target.Slot()))
	}
	r.mu.Lock()
	Free(r.staging)
	Free(r.control)
	r.mu.Unlock()
}
