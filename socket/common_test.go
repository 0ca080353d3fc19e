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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommonNonblockingToggle(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	assert.False(t, c.IsNonblocking())
	c.SetNonblocking(true)
	assert.True(t, c.IsNonblocking())
	c.SetNonblocking(false)
	assert.False(t, c.IsNonblocking())
}

func TestCommonSetAddrDoesNotClobberWithNil(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	assert.Nil(t, c.Addr())
	assert.Nil(t, c.PeerAddr())

	local := []byte("local-addr")
	c.SetAddr(local, nil)
	assert.Equal(t, local, c.Addr())
	assert.Nil(t, c.PeerAddr())

	peer := []byte("peer-addr")
	c.SetAddr(nil, peer)
	assert.Equal(t, local, c.Addr())
	assert.Equal(t, peer, c.PeerAddr())
}

func TestCommonClearPeer(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockDgram, false)
	c.SetAddr(nil, []byte("peer-addr"))
	assert.NotNil(t, c.PeerAddr())
	c.ClearPeer()
	assert.Nil(t, c.PeerAddr())
}

// TestCommonLatchFatalFirstWins mirrors the invariant docced on LatchFatal:
// once an error is latched, later LatchFatal calls are no-ops until
// TakeFatal clears it.
func TestCommonLatchFatalFirstWins(t *testing.T) {
	c := NewCommon(nil, -1, AFInet, SockStream, false)
	first := errors.New("first")
	second := errors.New("second")

	c.LatchFatal(first)
	c.LatchFatal(second)
	assert.Equal(t, first, c.TakeFatal())

	// Consumed: a later TakeFatal is nil until something is latched again.
	assert.Nil(t, c.TakeFatal())

	c.LatchFatal(second)
	assert.Equal(t, second, c.TakeFatal())
}
