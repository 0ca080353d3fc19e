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
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDgramSenderReceiverRoundTrip exercises spec §4.9's datagram path end
// to end via the unifying Socket: implicit binding on first send (since
// the client never calls Bind), connect to set a default peer, and a
// queued Sendmsg landing in the peer's staged Recvmsg.
func TestDgramSenderReceiverRoundTrip(t *testing.T) {
	evl := newTestEventLoop(t)

	server, err := NewSocket(evl, AFInet, SockDgram, 0, false)
	require.NoError(t, err)
	require.NoError(t, server.Bind(sockaddrIn(net.ParseIP("127.0.0.1"), 0)))

	sa, err := syscall.Getsockname(int(server.HostFD))
	require.NoError(t, err)
	port := sa.(*syscall.SockaddrInet4).Port

	client, err := NewSocket(evl, AFInet, SockDgram, 0, false)
	require.NoError(t, err)
	require.Nil(t, client.Addr()) // unbound until the first send

	require.NoError(t, client.Connect(sockaddrIn(net.ParseIP("127.0.0.1"), port)))

	msg := []byte("datagram payload")
	n, err := client.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.NotNil(t, client.Addr()) // implicit bind captured by connect/send

	buf := make([]byte, 64)
	rn, fromAddr, _, err := server.Recvmsg([][]byte{buf}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:rn])
	require.NotNil(t, fromAddr)

	client.Close()
	server.Close()
}

// TestDgramSenderBackpressure exercises spec §4.9's aggregate-size bound:
// once MaxBufSize pending bytes are already queued, a nonblocking Sendmsg
// returns EAGAIN rather than growing the queue further. The queue is
// primed directly (rather than by racing real completions against a slow
// reader) so the bound is hit deterministically.
func TestDgramSenderBackpressure(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockDgram, true) // nonblocking
	s := &DgramSender{c: c}
	s.pending = MaxBufSize

	_, err := s.Sendmsg([]byte("one more byte"), nil, nil, 0)
	require.Equal(t, syscall.EAGAIN, err)
}
