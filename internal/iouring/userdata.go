package iouring

import (
	"sync"
	"unsafe"
)

// UserDataMagic validates that a completion's user_data still points at a
// live UserData slot (the slab is reused via sync.Pool, so a stale pointer
// from an already-recycled slot must never be dereferenced as valid).
const UserDataMagic = 0x494E4458494F5552 // "INDXIOUR"

var userDataPool = sync.Pool{
	New: func() any {
		return &UserData{
			notify: make(chan int32, 1),
		}
	},
}

// Get fetches a UserData slot from the shared slab and resets it. This is
// the "slot id in a process-wide slab" scheme from the spec's raw-FFI-buffer
// design note: the sqe's user_data is the slot's own address, and the slot
// keeps any buffers referenced by the sqe alive until the completion fires.
func Get() *UserData {
	u := userDataPool.Get().(*UserData)
	u.Reset()
	return u
}

// Put returns a UserData slot to the slab after its completion has been
// fully handled. Must not be called while an sqe referencing it may still
// be in flight.
func Put(p *UserData) {
	p.magic = 0
	p.cb = nil
	userDataPool.Put(p)
}

// UserData tracks one in-flight io_uring operation: the SQE it was
// submitted with (so a partial write/read can be re-armed), an optional
// notification channel for synchronous callers, and an optional callback
// for the socket layer's event-driven completion handling.
type UserData struct {
	magic   uint64
	notify  chan int32
	cb      func(res int32, flags uint32)
	sqe     IOUringSQE
	ivs     []Iovec // readv/writev
	msg     Msghdr
	addr    SockaddrStorage
	addrLen uint32
	n       int32
}

// Reset reinitializes the slot, pointing its SQE's user_data back at itself.
func (u *UserData) Reset() {
	u.magic = UserDataMagic
	if len(u.notify) > 0 {
		<-u.notify
	}
	u.sqe = IOUringSQE{UserData: uint64(uintptr(unsafe.Pointer(u)))}
	u.n = 0
}

// Slot returns the user_data value (this slot's own address) to embed in a
// linked-timeout SQE or to pass to IOUring.Cancel.
func (u *UserData) Slot() uint64 {
	return u.sqe.UserData
}

// SetCallback registers the completion callback invoked from the event loop.
func (u *UserData) SetCallback(cb func(res int32, flags uint32)) {
	u.cb = cb
}

// SetWriteOp configures the SQE for a vectored write.
//
//go:norace
func (u *UserData) SetWriteOp(fd int32, bufs ...[]byte) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_WRITEV
	sqe.Fd = fd
	sqe.Off = 0
	sqe.Len = 0
	u.ivs = u.ivs[:0]
	for _, buf := range bufs {
		if len(buf) > 0 {
			u.ivs = append(u.ivs, Iovec{
				Base: uintptr(unsafe.Pointer(&buf[0])),
				Len:  uint64(len(buf)),
			})
		}
	}
	if len(u.ivs) > 0 {
		sqe.Len = uint32(len(u.ivs))
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&u.ivs[0])))
	}
}

// SetReadOp configures the SQE for a vectored read.
//
//go:norace
func (u *UserData) SetReadOp(fd int32, bufs ...[]byte) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_READV
	sqe.Fd = fd
	sqe.Off = 0
	sqe.Len = 0
	u.ivs = u.ivs[:0]
	for _, buf := range bufs {
		if len(buf) > 0 {
			u.ivs = append(u.ivs, Iovec{
				Base: uintptr(unsafe.Pointer(&buf[0])),
				Len:  uint64(len(buf)),
			})
		}
	}
	if len(u.ivs) > 0 {
		sqe.Len = uint32(len(u.ivs))
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&u.ivs[0])))
	}
}

// SetSendMsgOp configures the SQE for IORING_OP_SENDMSG: the stream/datagram
// sender path submits one sendmsg sqe per outstanding write, referencing the
// ring buffer's (at most two) contiguous filled slices.
//
//go:norace
func (u *UserData) SetSendMsgOp(fd int32, dest []byte, bufs [][]byte, control []byte, flags uint32) {
	u.ivs = u.ivs[:0]
	for _, b := range bufs {
		if len(b) > 0 {
			var iv Iovec
			iv.Set(b)
			u.ivs = append(u.ivs, iv)
		}
	}
	u.msg = Msghdr{}
	if len(dest) > 0 {
		u.msg.Name = &dest[0]
		u.msg.Namelen = uint32(len(dest))
	}
	if len(u.ivs) > 0 {
		u.msg.Iov = &u.ivs[0]
		u.msg.Iovlen = uint64(len(u.ivs))
	}
	if len(control) > 0 {
		u.msg.Control = &control[0]
		u.msg.Controllen = uint64(len(control))
	}

	sqe := &u.sqe
	sqe.Opcode = IORING_OP_SENDMSG
	sqe.Fd = fd
	sqe.Off = 0
	sqe.Len = 1
	sqe.OpcodeFlags = flags
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&u.msg)))
}

// SetRecvMsgOp configures the SQE for IORING_OP_RECVMSG. With withAddr set
// (datagram sockets), the kernel stores the peer address in u.addr, read back
// through PeerAddr; connected streams pass false.
//
//go:norace
func (u *UserData) SetRecvMsgOp(fd int32, bufs [][]byte, control []byte, withAddr bool, flags uint32) {
	u.ivs = u.ivs[:0]
	for _, b := range bufs {
		if len(b) > 0 {
			var iv Iovec
			iv.Set(b)
			u.ivs = append(u.ivs, iv)
		}
	}
	u.msg = Msghdr{}
	if withAddr {
		u.msg.Name = &(*[1]byte)(unsafe.Pointer(&u.addr))[0]
		u.msg.Namelen = uint32(unsafe.Sizeof(u.addr))
	}
	if len(u.ivs) > 0 {
		u.msg.Iov = &u.ivs[0]
		u.msg.Iovlen = uint64(len(u.ivs))
	}
	if len(control) > 0 {
		u.msg.Control = &control[0]
		u.msg.Controllen = uint64(len(control))
	}

	sqe := &u.sqe
	sqe.Opcode = IORING_OP_RECVMSG
	sqe.Fd = fd
	sqe.Off = 0
	sqe.Len = 1
	sqe.OpcodeFlags = flags
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&u.msg)))
}

// PeerAddr returns the address a RECVMSG completion with withAddr=true
// populated via u.msg.Name.
func (u *UserData) PeerAddr() []byte {
	return (*[unsafe.Sizeof(SockaddrStorage{})]byte)(unsafe.Pointer(&u.addr))[:u.msg.Namelen]
}

// SetAcceptOp configures the SQE for IORING_OP_ACCEPT, used by the listener
// backlog to keep one outstanding accept per free slot.
//
//go:norace
func (u *UserData) SetAcceptOp(listenFd int32, addrBuf []byte, flags uint32) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_ACCEPT
	sqe.Fd = listenFd
	sqe.OpcodeFlags = flags
	u.addrLen = uint32(len(addrBuf))
	if len(addrBuf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&addrBuf[0])))
	}
	sqe.Off = uint64(uintptr(unsafe.Pointer(&u.addrLen)))
}

// SetCancelOp configures the SQE for IORING_OP_ASYNC_CANCEL, targeting the
// in-flight operation whose user_data is target.
//
//go:norace
func (u *UserData) SetCancelOp(target uint64) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_ASYNC_CANCEL
	sqe.Addr = target
}

// SetTimeoutOp configures the SQE for IORING_OP_TIMEOUT, used as the
// standalone deadline for a blocking call that has no outstanding sqe of its
// own to link the timeout to (e.g. waiting on a Pollee).
//
//go:norace
func (u *UserData) SetTimeoutOp(ts *TimeSpec) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_TIMEOUT
	sqe.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	sqe.Len = 1
}

//go:nocheckptr
func getUserData(p uint64) *UserData {
	return (*UserData)(unsafe.Pointer(uintptr(p)))
}

//go:norace
func (u *UserData) Copy2SQE(p *IOUringSQE) {
	*p = u.sqe
}

//go:norace
func (u *UserData) IsValid() bool {
	return u.magic == UserDataMagic
}

//go:norace
func (u *UserData) IsWriteOp() bool {
	return u.sqe.Opcode == IORING_OP_WRITE || u.sqe.Opcode == IORING_OP_WRITEV
}

// AdvanceWrite folds n freshly-written bytes into a partial write or writev;
// the event loop calls it on each WRITE/WRITEV completion and re-arms the op
// until it reports done.
//
//go:norace
func (u *UserData) AdvanceWrite(n int32) (int32, bool) {
	done := false
	u.n += n // max 2GiB per op, acceptable given SEND_BUF_SIZE bounds

	switch u.sqe.Opcode {
	case IORING_OP_WRITE:
		u.sqe.Addr += uint64(n)
		u.sqe.Len -= uint32(n)
		done = u.sqe.Len == 0

	case IORING_OP_WRITEV:
		wn := uint64(n)
		ivs := u.ivs[:0]
		for i, iv := range u.ivs {
			if iv.Len <= wn {
				wn -= iv.Len
			} else {
				u.ivs[i].Base += uintptr(wn)
				u.ivs[i].Len -= wn
				ivs = append(ivs, u.ivs[i:]...)
				break
			}
		}
		u.ivs = ivs
		u.sqe.Len = uint32(len(ivs))
		done = len(ivs) == 0

	default:
		panic("unexpected type")
	}
	return u.n, done
}

//go:norace
func (u *UserData) SendRes(res int32) {
	if u.notify != nil {
		select {
		case u.notify <- res:
		default:
		}
	}
}

// Wait blocks the calling goroutine for this op's synchronous completion.
func (u *UserData) Wait() int32 {
	return <-u.notify
}
