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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestStreamSenderShutdownThenCloseWithLinger exercises spec §8 scenario 4:
// fill the sender ring, call close(), and confirm every byte written
// before close arrives at the peer in order, followed by EOF.
func TestStreamSenderShutdownThenCloseWithLinger(t *testing.T) {
	evl := newTestEventLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		require.NoError(t, aerr)
		accepted <- conn
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()
	serverConn := <-accepted
	defer serverConn.Close()

	fd := getFdT(t, clientConn)
	c := NewCommon(evl, fd, AFInet, SockStream, false)
	sender := NewStreamSender(c)

	payload := make([]byte, SendBufSize) // exactly fills the ring
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := sender.Sendmsg([][]byte{payload}, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	sender.Close()

	readBuf := make([]byte, len(payload))
	_, err = io.ReadFull(serverConn, readBuf)
	require.NoError(t, err)
	require.Equal(t, payload, readBuf)

	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	tail := make([]byte, 1)
	_, err = serverConn.Read(tail)
	require.Equal(t, io.EOF, err)
}
