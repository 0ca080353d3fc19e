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
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIoctlGetPeerNameUnconnected(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	_, err := Ioctl(c, nil, GetPeerName, nil)
	assert.Equal(t, syscall.ENOTCONN, err)
}

func TestIoctlGetPeerNameConnected(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	c.SetAddr(nil, []byte("peer"))
	got, err := Ioctl(c, nil, GetPeerName, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("peer"), got)
}

func TestIoctlGetTypeAndDomain(t *testing.T) {
	c := NewCommon(nil, -1, AFInet6, SockDgram, false)
	typ, err := Ioctl(c, nil, GetType, nil)
	assert.NoError(t, err)
	assert.Equal(t, SockDgram, typ)

	dom, err := Ioctl(c, nil, GetDomain, nil)
	assert.NoError(t, err)
	assert.Equal(t, AFInet6, dom)
}

func TestIoctlGetError(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	want := errors.New("boom")
	c.LatchFatal(want)

	got, err := Ioctl(c, nil, GetError, nil)
	assert.NoError(t, err)
	assert.Equal(t, want, got)

	// GetError drains the latch: a second call sees nothing latched.
	got, err = Ioctl(c, nil, GetError, nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestIoctlReadBufLenWithoutReceiver(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	got, err := Ioctl(c, nil, GetReadBufLen, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestIoctlReadBufLenDelegates(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	got, err := Ioctl(c, func() int { return 42 }, GetReadBufLen, nil)
	assert.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestIoctlTimeouts(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)

	_, err := Ioctl(c, nil, SetRecvTimeout, 5*time.Second)
	assert.NoError(t, err)
	got, err := Ioctl(c, nil, GetRecvTimeout, nil)
	assert.NoError(t, err)
	assert.Equal(t, 5*time.Second, got)

	_, err = Ioctl(c, nil, SetSendTimeout, "not-a-duration")
	assert.Equal(t, syscall.EINVAL, err)
}

func TestIoctlUnimplementedCommands(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	for _, cmd := range []IoctlCmd{GetSockOpt, SetSockOpt, GetIfReq, GetIfConf} {
		_, err := Ioctl(c, nil, cmd, nil)
		assert.Equal(t, syscall.ENOSYS, err)
	}
}

func TestIoctlGetAcceptConnDefaultsFalse(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	got, err := Ioctl(c, nil, GetAcceptConn, nil)
	assert.NoError(t, err)
	assert.Equal(t, false, got)
}
