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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufWriteReadRoundTrip(t *testing.T) {
	r := NewRingBuf(16)
	defer r.Close()

	n := r.Write([]byte("hello world"))
	assert.Equal(t, 11, n)
	assert.Equal(t, 11, r.Len())

	out := make([]byte, 11)
	n = r.Read(out)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(out))
	assert.True(t, r.IsEmpty())
}

func TestRingBufWrapsAround(t *testing.T) {
	r := NewRingBuf(8)
	defer r.Close()

	require.Equal(t, 8, r.Write([]byte("12345678")))
	out := make([]byte, 4)
	require.Equal(t, 4, r.Read(out))
	assert.Equal(t, "1234", string(out))

	// tail has wrapped; the next write must use both free slices
	n := r.Write([]byte("abcd"))
	assert.Equal(t, 4, n)
	assert.True(t, r.IsFull())

	out = make([]byte, 8)
	n = r.Read(out)
	assert.Equal(t, 8, n)
	assert.Equal(t, "5678abcd", string(out))
}

func TestRingBufFullReturnsPartialWrite(t *testing.T) {
	r := NewRingBuf(4)
	defer r.Close()

	n := r.Write([]byte("abcdefgh"))
	assert.Equal(t, 4, n)
	assert.True(t, r.IsFull())

	n = r.Write([]byte("x"))
	assert.Equal(t, 0, n)
}
