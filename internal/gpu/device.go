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

// Package gpu abstracts device memory management for the proxy transport:
// device and pinned host allocation, cross-process IPC handles, peer
// access and the low-latency GDR-copy word mapping. A CUDA-backed
// implementation plugs in behind the Device interface; HostDevice backs
// everything with host memory for providers without GPU-direct support
// and for tests.
package gpu

import (
	"errors"
	"unsafe"
)

var (
	// ErrPeerAccessAlreadyEnabled is returned by EnablePeerAccess when
	// access was already established. Callers tolerate it.
	ErrPeerAccessAlreadyEnabled = errors.New("gpu: peer access already enabled")

	// ErrNoDmaBuf is returned by DmaBufFd when the platform cannot export
	// the region as a DMA-BUF file descriptor.
	ErrNoDmaBuf = errors.New("gpu: dma-buf export not supported")

	// ErrBadIpcHandle is returned when opening an IPC handle that does not
	// name a live exported allocation.
	ErrBadIpcHandle = errors.New("gpu: invalid ipc handle")
)

// IpcHandleSize is the fixed wire size of an exported memory handle.
const IpcHandleSize = 64

// IpcHandle is an opaque, copyable token that lets another process map an
// exported device allocation.
type IpcHandle [IpcHandleSize]byte

// IsZero reports whether the handle is unset.
func (h IpcHandle) IsZero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// Device is the device-memory backend used by the transport.
type Device interface {
	// CudaDev returns the ordinal of the device this backend drives.
	CudaDev() int

	// AllocDevice allocates zeroed device memory.
	AllocDevice(size int) (unsafe.Pointer, error)
	FreeDevice(p unsafe.Pointer) error

	// AllocHost allocates zeroed pinned host memory visible to the device.
	AllocHost(size int) (unsafe.Pointer, error)
	FreeHost(p unsafe.Pointer) error

	// IpcGetHandle exports a device allocation for another process.
	IpcGetHandle(p unsafe.Pointer) (IpcHandle, error)
	// IpcOpenHandle maps an allocation exported by another process.
	IpcOpenHandle(h IpcHandle) (unsafe.Pointer, error)
	IpcCloseHandle(p unsafe.Pointer) error

	// EnablePeerAccess enables direct access to dev's memory. Returns
	// ErrPeerAccessAlreadyEnabled when it was enabled before.
	EnablePeerAccess(dev int) error

	// DmaBufFd exports the region as a DMA-BUF fd, or ErrNoDmaBuf.
	DmaBufFd(p unsafe.Pointer, size int) (int, error)
}

// GdrCopy maps a few words of device memory so the CPU can update them
// with low-latency stores. Nil when the platform has no GDR-copy support.
type GdrCopy interface {
	// Alloc maps nWords contiguous 8-byte words. cpu is the CPU-side
	// mapping, dev the device-side address, desc the token to Free.
	Alloc(nWords int) (cpu, dev unsafe.Pointer, desc interface{}, err error)
	Free(desc interface{}) error
}
