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

package gpu

import (
	"errors"
	"testing"
)

func TestHostDeviceAllocFree(t *testing.T) {
	d := NewHostDevice(0)
	p, err := d.AllocDevice(1024)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if uintptr(p)%64 != 0 {
		t.Fatalf("allocation not cache-line aligned: %p", p)
	}
	if d.AllocCount() != 1 {
		t.Fatalf("alloc count = %d, want 1", d.AllocCount())
	}
	if err := d.FreeDevice(p); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if d.AllocCount() != 0 {
		t.Fatalf("alloc count = %d after free, want 0", d.AllocCount())
	}
}

func TestHostDeviceIpc(t *testing.T) {
	owner := NewHostDevice(0)
	peer := NewHostDevice(1)

	p, err := owner.AllocDevice(64)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	h, err := owner.IpcGetHandle(p)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if h.IsZero() {
		t.Fatal("exported handle is zero")
	}
	q, err := peer.IpcOpenHandle(h)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if q != p {
		t.Fatalf("opened mapping %p, want %p", q, p)
	}

	var zero IpcHandle
	if _, err := peer.IpcOpenHandle(zero); !errors.Is(err, ErrBadIpcHandle) {
		t.Fatalf("zero handle error = %v, want ErrBadIpcHandle", err)
	}
}

func TestHostDevicePeerAccess(t *testing.T) {
	d := NewHostDevice(0)
	if err := d.EnablePeerAccess(1); err != nil {
		t.Fatalf("first enable failed: %v", err)
	}
	if err := d.EnablePeerAccess(1); !errors.Is(err, ErrPeerAccessAlreadyEnabled) {
		t.Fatalf("second enable error = %v, want ErrPeerAccessAlreadyEnabled", err)
	}
}

func TestHostGdrCopy(t *testing.T) {
	g := NewHostGdrCopy()
	cpu, dev, desc, err := g.Alloc(2)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if cpu != dev {
		t.Fatal("host-backed mapping should alias cpu and device words")
	}
	if err := g.Free(desc); err != nil {
		t.Fatalf("free failed: %v", err)
	}
}
