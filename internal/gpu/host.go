/*
 *
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
 *
 */

package gpu

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"
)

// HostDevice backs every allocation with host memory. Device pointers and
// host pointers live in the same address space, which matches providers
// without GPU-direct support and lets the full transport run in tests.
//
// IPC handles are emulated with a shared export table so that two comms in
// one address space can exercise the cross-process paths.
type HostDevice struct {
	cudaDev int

	mu    sync.Mutex
	allocs map[uintptr][]byte // keeps mapped regions reachable
	peers  map[int]bool
}

// hostIpcMagic distinguishes a HostDevice handle from a zero handle.
const hostIpcMagic = 0x484f535449504331 // "HOSTIPC1"

var (
	ipcSeq     atomic.Uint64
	ipcMu      sync.Mutex
	ipcExports = map[uint64]unsafe.Pointer{}
)

// NewHostDevice returns a host-memory Device for the given device ordinal.
func NewHostDevice(cudaDev int) *HostDevice {
	return &HostDevice{
		cudaDev: cudaDev,
		allocs:  make(map[uintptr][]byte),
		peers:   make(map[int]bool),
	}
}

func (d *HostDevice) CudaDev() int { return d.cudaDev }

// AllocCount returns the number of live allocations, for leak checks.
func (d *HostDevice) AllocCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

func (d *HostDevice) alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		size = 1
	}
	// Over-allocate so the base can be aligned to a cache line.
	buf := make([]byte, size+64)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := 0
	if rem := base % 64; rem != 0 {
		off = int(64 - rem)
	}
	p := unsafe.Pointer(&buf[off])
	d.mu.Lock()
	d.allocs[uintptr(p)] = buf
	d.mu.Unlock()
	return p, nil
}

func (d *HostDevice) free(p unsafe.Pointer) error {
	d.mu.Lock()
	delete(d.allocs, uintptr(p))
	d.mu.Unlock()
	return nil
}

func (d *HostDevice) AllocDevice(size int) (unsafe.Pointer, error) { return d.alloc(size) }
func (d *HostDevice) FreeDevice(p unsafe.Pointer) error            { return d.free(p) }
func (d *HostDevice) AllocHost(size int) (unsafe.Pointer, error)   { return d.alloc(size) }
func (d *HostDevice) FreeHost(p unsafe.Pointer) error              { return d.free(p) }

func (d *HostDevice) IpcGetHandle(p unsafe.Pointer) (IpcHandle, error) {
	key := ipcSeq.Add(1)
	ipcMu.Lock()
	ipcExports[key] = p
	ipcMu.Unlock()

	var h IpcHandle
	binary.LittleEndian.PutUint64(h[0:8], hostIpcMagic)
	binary.LittleEndian.PutUint64(h[8:16], key)
	return h, nil
}

func (d *HostDevice) IpcOpenHandle(h IpcHandle) (unsafe.Pointer, error) {
	if binary.LittleEndian.Uint64(h[0:8]) != hostIpcMagic {
		return nil, ErrBadIpcHandle
	}
	key := binary.LittleEndian.Uint64(h[8:16])
	ipcMu.Lock()
	p, ok := ipcExports[key]
	ipcMu.Unlock()
	if !ok {
		return nil, ErrBadIpcHandle
	}
	return p, nil
}

func (d *HostDevice) IpcCloseHandle(p unsafe.Pointer) error { return nil }

func (d *HostDevice) EnablePeerAccess(dev int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peers[dev] {
		return ErrPeerAccessAlreadyEnabled
	}
	d.peers[dev] = true
	return nil
}

func (d *HostDevice) DmaBufFd(p unsafe.Pointer, size int) (int, error) {
	return -1, ErrNoDmaBuf
}

// HostGdrCopy emulates the GDR-copy word mapping with host memory. Used in
// tests to exercise the gdcSync/gdcFlush paths.
type HostGdrCopy struct {
	mu    sync.Mutex
	descs map[interface{}][]uint64
}

// NewHostGdrCopy returns a host-backed GdrCopy.
func NewHostGdrCopy() *HostGdrCopy {
	return &HostGdrCopy{descs: make(map[interface{}][]uint64)}
}

func (g *HostGdrCopy) Alloc(nWords int) (cpu, dev unsafe.Pointer, desc interface{}, err error) {
	words := make([]uint64, nWords)
	p := unsafe.Pointer(&words[0])
	g.mu.Lock()
	g.descs[p] = words
	g.mu.Unlock()
	return p, p, p, nil
}

func (g *HostGdrCopy) Free(desc interface{}) error {
	g.mu.Lock()
	delete(g.descs, desc)
	g.mu.Unlock()
	return nil
}
