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
	"encoding/binary"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/occlum-go/occlum-core/internal/iouring"
)

// Socket is the per-endpoint handle spec §6's C2 entry points are defined
// against: new, bind, connect, listen/accept, read/readv/write/writev,
// recvmsg/sendmsg, poll, shutdown, close, addr, peer_addr, ioctl. It wires
// together the host fd (Common), the stream or datagram sender/receiver
// pair, and (once Listen is called) the accept backlog.
type Socket struct {
	*Common

	mu sync.Mutex

	ss *StreamSender
	sr *StreamReceiver
	ds *DgramSender
	dr *DgramReceiver
	l  *Listener
}

// NewSocket implements spec §6's new(domain, type, proto, nonblocking): it
// issues the actual socket(2) host syscall (nothing upstream of this layer
// ever did) and wraps the resulting fd in a Common plus the sender/receiver
// pair appropriate to typ.
func NewSocket(evl *iouring.IOUringEventLoop, domain Domain, typ SockType, proto int, nonblocking bool) (*Socket, error) {
	fd, err := syscall.Socket(sysDomain(domain), sysType(typ), proto)
	if err != nil {
		return nil, err
	}
	c := NewCommon(evl, int32(fd), domain, typ, nonblocking)
	s := &Socket{Common: c}
	switch typ {
	case SockStream:
		s.ss = NewStreamSender(c)
		s.sr = NewStreamReceiver(c)
	case SockDgram:
		s.ds = NewDgramSender(c)
		s.dr = NewDgramReceiver(c)
	}
	return s, nil
}

func sysDomain(d Domain) int {
	switch d {
	case AFInet:
		return syscall.AF_INET
	case AFInet6:
		return syscall.AF_INET6
	case AFUnix:
		return syscall.AF_UNIX
	default:
		return syscall.AF_INET
	}
}

func sysType(t SockType) int {
	switch t {
	case SockDgram:
		return syscall.SOCK_DGRAM
	default:
		return syscall.SOCK_STREAM
	}
}

// Bind implements spec §6's bind against the raw sockaddr bytes, consistent
// with this package's "addresses are opaque untrusted []byte" convention:
// addr is never marshalled through syscall.Sockaddr, here or anywhere else
// in socket/.
func (s *Socket) Bind(addr []byte) error {
	if len(addr) == 0 {
		return syscall.EINVAL
	}
	if err := rawBind(s.HostFD, addr); err != nil {
		return err
	}
	s.SetAddr(append([]byte(nil), addr...), nil)
	return nil
}

// Connect implements spec §6's connect and, for datagram sockets, spec
// §4.9's repeat-connect/dissociate semantics: a datagram socket may connect
// many times to change its default peer, and connecting to an unspecified
// (AF_UNSPEC) address dissociates it. A stream socket connects exactly
// once; the host enforces the rest (e.g. EISCONN on a second call).
func (s *Socket) Connect(addr []byte) error {
	if s.Type == SockDgram && isUnspecAddr(addr) {
		if err := rawConnect(s.HostFD, addr); err != nil {
			return err
		}
		s.ClearPeer()
		return nil
	}
	if err := rawConnect(s.HostFD, addr); err != nil {
		return err
	}
	s.SetAddr(nil, append([]byte(nil), addr...))
	s.captureLocalAddr()
	return nil
}

// captureLocalAddr fetches the local address the host kernel implicitly
// assigned if this socket was never explicitly bound. Spec §4.9: "implicit
// binding is triggered by the first send without a prior bind"; connect
// triggers the identical host-side autobind for a stream or datagram
// socket, so both call sites (Connect and the first successful Write/
// Sendmsg) route through here.
func (s *Socket) captureLocalAddr() {
	if s.Addr() != nil {
		return
	}
	buf := make([]byte, 128) // sizeof(sockaddr_storage)
	n, err := rawGetsockname(s.HostFD, buf)
	if err != nil || n == 0 {
		return
	}
	s.SetAddr(append([]byte(nil), buf[:n]...), nil)
}

// Write implements spec §6's write. A stream socket writes into the
// connected ring; a datagram socket sends to the address set by the most
// recent Connect.
func (s *Socket) Write(buf []byte) (int, error) {
	n, err := s.Sendmsg([][]byte{buf}, nil, 0, nil)
	return n, err
}

// Writev implements spec §6's writev: a stream socket hands all buffers to
// one sendmsg call so the ring sees them as one logical write; a datagram
// socket has no vector form at the wire level, so each buffer becomes its
// own datagram.
func (s *Socket) Writev(bufs [][]byte) (int, error) {
	switch s.Type {
	case SockStream:
		return s.Sendmsg(bufs, nil, 0, nil)
	case SockDgram:
		var total int
		for _, b := range bufs {
			n, err := s.Write(b)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	default:
		return 0, syscall.EINVAL
	}
}

// Read implements spec §6's read.
func (s *Socket) Read(buf []byte) (int, error) {
	n, _, _, err := s.Recvmsg([][]byte{buf}, 0, nil)
	return n, err
}

// Readv implements spec §6's readv. A stream socket scatters across all
// buffers in one recvmsg call; a datagram socket's single wire message can
// only fill the first buffer, matching POSIX readv(2) on SOCK_DGRAM.
func (s *Socket) Readv(bufs [][]byte) (int, error) {
	switch s.Type {
	case SockStream:
		return s.sr.Recvmsg(bufs, 0)
	case SockDgram:
		if len(bufs) == 0 {
			return 0, nil
		}
		n, _, _, err := s.dr.Recvmsg(bufs[0], nil, 0)
		return n, err
	default:
		return 0, syscall.EINVAL
	}
}

// Recvmsg implements spec §6's recvmsg(bufs, flags, control), dispatching
// to the stream or datagram receiver.
func (s *Socket) Recvmsg(bufs [][]byte, flags MsgFlags, control []byte) (int, []byte, MsgFlags, error) {
	switch s.Type {
	case SockStream:
		n, err := s.sr.Recvmsg(bufs, flags)
		return n, s.PeerAddr(), 0, err
	case SockDgram:
		var buf []byte
		if len(bufs) > 0 {
			buf = bufs[0]
		}
		return s.dr.Recvmsg(buf, control, flags)
	default:
		return 0, nil, 0, syscall.EINVAL
	}
}

// Sendmsg implements spec §6's sendmsg(bufs, dest, flags, control). A nil
// dest on a datagram socket falls back to the connected peer set by
// Connect; a successful send that implicitly bound the socket is captured
// the same way Connect captures it (spec §4.9).
func (s *Socket) Sendmsg(bufs [][]byte, dest []byte, flags MsgFlags, control []byte) (int, error) {
	switch s.Type {
	case SockStream:
		return s.ss.Sendmsg(bufs, flags)
	case SockDgram:
		var buf []byte
		if len(bufs) > 0 {
			buf = bufs[0]
		}
		if dest == nil {
			dest = s.PeerAddr()
		}
		n, err := s.ds.Sendmsg(buf, dest, control, flags)
		if err == nil {
			s.captureLocalAddr()
		}
		return n, err
	default:
		return 0, syscall.EINVAL
	}
}

// Listen implements spec §6's listen: a host listen(2) against the
// explicit backlog, followed by constructing the LibOS-side accept backlog
// (Listener) that keeps it saturated with async accepts.
func (s *Socket) Listen(backlog int) error {
	if err := syscall.Listen(int(s.HostFD), backlog); err != nil {
		return err
	}
	s.mu.Lock()
	s.l = Listen(s.Common, backlog)
	s.mu.Unlock()
	return nil
}

// Accept implements spec §6's accept. Per spec §4.8, a completed backlog
// slot yields "a new connected socket wrapping accepted_fd and
// accepted_addr" rather than a bare fd: Accept wraps the Listener's
// Accepted into a fully usable *Socket with its own sender/receiver pair.
func (s *Socket) Accept(timeout *time.Duration) (*Socket, error) {
	s.mu.Lock()
	l := s.l
	evl := s.evl
	s.mu.Unlock()
	if l == nil {
		return nil, syscall.EINVAL
	}
	a, err := l.Accept(timeout)
	if err != nil {
		return nil, err
	}
	c := NewCommon(evl, a.FD, s.Domain, SockStream, false)
	c.SetAddr(nil, a.Addr)
	conn := &Socket{Common: c}
	conn.ss = NewStreamSender(c)
	conn.sr = NewStreamReceiver(c)
	return conn, nil
}

// Shutdown implements spec §6's shutdown(Read|Write|Both).
func (s *Socket) Shutdown(how ShutdownHow) error {
	switch s.Type {
	case SockStream:
		if how == ShutdownWrite || how == ShutdownBoth {
			s.ss.Close()
		}
		if how == ShutdownRead || how == ShutdownBoth {
			s.sr.Shutdown()
		}
		return nil
	case SockDgram:
		if how == ShutdownWrite || how == ShutdownBoth {
			s.ds.Close()
		}
		return nil
	default:
		return syscall.EINVAL
	}
}

// Close implements spec §6's close: it closes the sender/receiver (and
// listener, if any), then the host fd itself.
func (s *Socket) Close() error {
	switch s.Type {
	case SockStream:
		s.ss.Close()
		s.sr.Close()
	case SockDgram:
		s.ds.Close()
		s.dr.Close()
	}
	s.mu.Lock()
	l := s.l
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
	return syscall.Close(int(s.HostFD))
}

// Ioctl implements spec §6's ioctl(cmd), filling in the two commands that
// need state Socket holds but Common/the plain Ioctl dispatcher doesn't:
// GetAcceptConn (true once Listen has been called) and GetReadBufLen (the
// stream receiver's buffered byte count).
func (s *Socket) Ioctl(cmd IoctlCmd, arg any) (any, error) {
	if cmd == GetAcceptConn {
		s.mu.Lock()
		isListener := s.l != nil
		s.mu.Unlock()
		return isListener, nil
	}
	var recvBufLen func() int
	if s.Type == SockStream && s.sr != nil {
		recvBufLen = func() int {
			s.sr.mu.Lock()
			defer s.sr.mu.Unlock()
			return s.sr.ring.Len()
		}
	}
	return Ioctl(s.Common, recvBufLen, cmd, arg)
}

// isUnspecAddr reports whether addr's sa_family field is AF_UNSPEC (0), the
// address spec §4.9 uses to dissociate a datagram socket's connected peer.
func isUnspecAddr(addr []byte) bool {
	if len(addr) < 2 {
		return true
	}
	return binary.LittleEndian.Uint16(addr[:2]) == syscall.AF_UNSPEC
}

// rawBind, rawConnect and rawGetsockname issue bind(2)/connect(2)/
// getsockname(2) directly via syscall.Syscall rather than through stdlib's
// syscall.Bind/Connect/Getsockname, which require marshalling through the
// syscall.Sockaddr interface: this package carries addresses as opaque
// untrusted []byte throughout (Common.local/peer, Accepted.Addr, the
// listener's per-slot addr), so these stay consistent with that and hand
// the kernel the raw bytes directly, the same style internal/iouring's
// syscall_linux.go uses for io_uring's own raw syscalls.

func rawBind(fd int32, addr []byte) error {
	_, _, errno := syscall.Syscall(syscall.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&addr[0])), uintptr(len(addr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawConnect(fd int32, addr []byte) error {
	if len(addr) == 0 {
		return syscall.EINVAL
	}
	_, _, errno := syscall.Syscall(syscall.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&addr[0])), uintptr(len(addr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawGetsockname(fd int32, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, syscall.EINVAL
	}
	addrlen := uint32(len(buf))
	_, _, errno := syscall.Syscall(syscall.SYS_GETSOCKNAME, uintptr(fd), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&addrlen)))
	if errno != 0 {
		return 0, errno
	}
	if int(addrlen) < len(buf) {
		return int(addrlen), nil
	}
	return len(buf), nil
}
