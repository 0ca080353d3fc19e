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
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sockaddrIn builds a raw 16-byte sockaddr_in, matching the package's
// convention of carrying addresses as opaque untrusted []byte rather than
// through syscall.Sockaddr.
func sockaddrIn(ip net.IP, port int) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], uint16(syscall.AF_INET))
	binary.BigEndian.PutUint16(b[2:4], uint16(port))
	copy(b[4:8], ip.To4())
	return b
}

func TestIsUnspecAddr(t *testing.T) {
	require.True(t, isUnspecAddr(nil))
	require.True(t, isUnspecAddr([]byte{0}))
	require.True(t, isUnspecAddr(make([]byte, 16)))
	require.False(t, isUnspecAddr(sockaddrIn(net.ParseIP("127.0.0.1"), 0)))
}

// TestSocketBindConnectReadWrite exercises the full spec §6 C2 entry point
// surface end to end: new, bind, connect, listen/accept, write, read,
// addr/peer_addr, shutdown, close.
func TestSocketBindConnectReadWrite(t *testing.T) {
	evl := newTestEventLoop(t)

	serverSock, err := NewSocket(evl, AFInet, SockStream, 0, false)
	require.NoError(t, err)
	require.NoError(t, serverSock.Bind(sockaddrIn(net.ParseIP("127.0.0.1"), 0)))
	require.NoError(t, serverSock.Listen(16))

	lname, err := syscall.Getsockname(int(serverSock.HostFD))
	require.NoError(t, err)
	port := lname.(*syscall.SockaddrInet4).Port

	clientSock, err := NewSocket(evl, AFInet, SockStream, 0, false)
	require.NoError(t, err)
	require.NoError(t, clientSock.Connect(sockaddrIn(net.ParseIP("127.0.0.1"), port)))
	require.NotNil(t, clientSock.PeerAddr())
	require.NotNil(t, clientSock.Addr()) // captured by the implicit-bind path

	timeout := 2 * time.Second
	serverConn, err := serverSock.Accept(&timeout)
	require.NoError(t, err)

	msg := []byte("hello from client")
	n, err := clientSock.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	readBuf := make([]byte, len(msg))
	n, _, _, err = serverConn.Recvmsg([][]byte{readBuf}, MsgWaitAll, nil)
	require.NoError(t, err)
	require.Equal(t, msg, readBuf[:n])

	reply := []byte("hello from server")
	n, err = serverConn.Write(reply)
	require.NoError(t, err)
	require.Equal(t, len(reply), n)

	replyBuf := make([]byte, len(reply))
	n, _, _, err = clientSock.Recvmsg([][]byte{replyBuf}, MsgWaitAll, nil)
	require.NoError(t, err)
	require.Equal(t, reply, replyBuf[:n])

	require.NoError(t, clientSock.Shutdown(ShutdownBoth))
	require.NoError(t, clientSock.Close())
	require.NoError(t, serverConn.Close())
	serverSock.Close()
}

// TestSocketDatagramConnectDissociate exercises spec §4.9: a datagram
// socket may connect many times, and connecting to AF_UNSPEC dissociates
// the peer set by a prior connect.
func TestSocketDatagramConnectDissociate(t *testing.T) {
	evl := newTestEventLoop(t)

	peer, err := NewSocket(evl, AFInet, SockDgram, 0, false)
	require.NoError(t, err)
	require.NoError(t, peer.Bind(sockaddrIn(net.ParseIP("127.0.0.1"), 0)))

	lname, err := syscall.Getsockname(int(peer.HostFD))
	require.NoError(t, err)
	port := lname.(*syscall.SockaddrInet4).Port

	s, err := NewSocket(evl, AFInet, SockDgram, 0, false)
	require.NoError(t, err)
	require.NoError(t, s.Connect(sockaddrIn(net.ParseIP("127.0.0.1"), port)))
	require.NotNil(t, s.PeerAddr())

	require.NoError(t, s.Connect(make([]byte, 16))) // AF_UNSPEC dissociates
	require.Nil(t, s.PeerAddr())

	s.Close()
	peer.Close()
}
