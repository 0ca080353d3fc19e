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
	"syscall"
	"time"
)

// IoctlCmd enumerates the socket-layer ioctl surface from spec §6.
type IoctlCmd int

const (
	GetSockOpt IoctlCmd = iota
	SetSockOpt
	GetPeerName
	GetType
	GetDomain
	GetError
	GetAcceptConn
	GetReadBufLen
	GetIfReq
	GetIfConf
	SetRecvTimeout
	SetSendTimeout
	GetRecvTimeout
	GetSendTimeout
)

// Ioctl dispatches the subset of commands that are answerable purely from
// Common/receiver state; GetSockOpt/SetSockOpt/GetIfReq/GetIfConf are
// host-specific enough that they're expected to be handled by a thin
// syscall passthrough layered on top of this, not duplicated here.
func Ioctl(c *Common, recvBufLen func() int, cmd IoctlCmd, arg any) (any, error) {
	switch cmd {
	case GetPeerName:
		if c.peer == nil {
			return nil, syscall.ENOTCONN
		}
		return append([]byte(nil), c.peer...), nil
	case GetType:
		return c.Type, nil
	case GetDomain:
		return c.Domain, nil
	case GetError:
		return c.TakeFatal(), nil
	case GetAcceptConn:
		return false, nil // overridden by Listener-backed sockets
	case GetReadBufLen:
		if recvBufLen == nil {
			return 0, nil
		}
		return recvBufLen(), nil
	case SetRecvTimeout:
		d, ok := arg.(time.Duration)
		if !ok {
			return nil, syscall.EINVAL
		}
		c.RecvTimeout = d
		return nil, nil
	case SetSendTimeout:
		d, ok := arg.(time.Duration)
		if !ok {
			return nil, syscall.EINVAL
		}
		c.SendTimeout = d
		return nil, nil
	case GetRecvTimeout:
		return c.RecvTimeout, nil
	case GetSendTimeout:
		return c.SendTimeout, nil
	case GetSockOpt, SetSockOpt, GetIfReq, GetIfConf:
		return nil, syscall.ENOSYS
	default:
		return nil, syscall.EINVAL
	}
}
