/*
 * Copyright 2025 The nccl-go Authors
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

package transport

import (
	"testing"
	"unsafe"
)

func TestFifoRecordLayout(t *testing.T) {
	if s := unsafe.Sizeof(SendMem{}); s != SendMemSize {
		t.Fatalf("SendMem size = %d, want %d", s, SendMemSize)
	}
	if s := unsafe.Sizeof(RecvMem{}); s != RecvMemSize {
		t.Fatalf("RecvMem size = %d, want %d", s, RecvMemSize)
	}
	if Steps&(Steps-1) != 0 {
		t.Fatalf("Steps = %d is not a power of two", Steps)
	}
}

func TestFifoViews(t *testing.T) {
	buf := make([]byte, SendMemSize+RecvMemSize)
	sm := SendMemAt(unsafe.Pointer(&buf[0]))
	rm := RecvMemAt(unsafe.Pointer(&buf[SendMemSize]))

	var zero uint64
	sm.SetHead(zero - uint64(Steps))
	if got := int64(sm.Head()); got != -Steps {
		t.Fatalf("head = %d, want %d", got, -Steps)
	}

	for i := 0; i < Steps; i++ {
		rm.SetSize(i, -1)
	}
	rm.SetTail(3)
	rm.SetSize(3, 4096)
	rm.SetOff(3, 8192)
	if rm.Tail() != 3 || rm.Size(3) != 4096 || rm.Off(3) != 8192 {
		t.Fatalf("record views lost values: tail=%d size=%d off=%d", rm.Tail(), rm.Size(3), rm.Off(3))
	}
	if rm.Size(2) != -1 {
		t.Fatalf("untouched slot = %d, want -1", rm.Size(2))
	}

	// The views alias the backing bytes, as they do in mapped memory.
	sm2 := SendMemAt(unsafe.Pointer(&buf[0]))
	if sm2.Head() != sm.Head() {
		t.Fatal("aliased view disagrees")
	}
}
