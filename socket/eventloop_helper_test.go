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
	"runtime"
	"syscall"
	"testing"

	"github.com/occlum-go/occlum-core/internal/iouring"
)

// newTestEventLoop mirrors internal/iouring's own skipIfUnsupported: C2 is
// fully io_uring-backed, so any test that needs a real send/recv/accept
// path skips cleanly on a non-Linux host or a kernel without io_uring
// instead of failing.
func newTestEventLoop(t *testing.T) *iouring.IOUringEventLoop {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("io_uring is only supported on Linux")
	}
	evl, err := iouring.NewIOUringEventLoop(iouring.DefaultConfig())
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	return evl
}

// getFdT extracts the raw fd backing a net.Conn, the same way
// internal/iouring's test helper does.
func getFdT(t *testing.T, conn net.Conn) int32 {
	t.Helper()
	sc, err := conn.(syscall.Conn).SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var fd int32
	if err := sc.Control(func(f uintptr) { fd = int32(f) }); err != nil {
		t.Fatal(err)
	}
	return fd
}
