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

package net

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/shmem"
	"github.com/P2Enjoy/nccl/internal/transport"
)

// Memory banks of a connect map.
const (
	bankHost = iota
	bankDev
	bankSharedHost
	bankSharedDev
	bankGdc
	numBanks
)

// Offset encoding: the low 29 bits are the byte offset inside a bank; the
// top 3 bits are (shared, dev, used). The two top bits double as the bank
// index: 00 host, 01 dev, 10 shared host, 11 shared dev. An all-zero word
// is a null offset.
const (
	maskUsed   = 0x20000000
	maskDevMem = 0x40000000
	maskShared = 0x80000000
	maskOffset = 0x1fffffff
)

// cudaIpcMinSize aligns cross-process device banks so the IPC handle
// covers whole mappable pages.
const cudaIpcMinSize = 2 << 20

// connectMapMem is one memory bank: a mapped region with a CPU-visible
// and a GPU-visible address. Cross-process host banks carry the shm path;
// cross-process device banks carry the exported IPC handle.
type connectMapMem struct {
	cpuPtr unsafe.Pointer
	gpuPtr unsafe.Pointer
	size   int

	shmPath string
	ipc     gpu.IpcHandle

	// Runtime-only release handles, not serialized.
	attachSeg *shmem.Segment
	createSeg *shmem.Segment
	ipcOpened bool
}

// connectMap is the self-describing resource plan built by the proxy at
// connect time and copied verbatim to the kernel side as the RPC
// response body.
type connectMap struct {
	sameProcess bool
	shared      bool
	cudaDev     int

	// dev releases kernel-side mappings at free time. Runtime-only.
	dev gpu.Device

	mems [numBanks]connectMapMem

	offSendMem uint32
	offRecvMem uint32
	offBuffs   [transport.NumProtocols]uint32
}

// addPointer bump-allocates size bytes for a named offset. Shared banks
// are whole-arena handles: the offset is zero and the arena is installed
// in the bank separately. The sequence of calls fully determines the
// resulting map.
func (m *connectMap) addPointer(shared, dev bool, size int, off *uint32) {
	bank := uint32(maskUsed)
	if dev {
		bank += maskDevMem
	}
	if shared {
		bank += maskShared
	}
	if shared {
		*off = bank
		return
	}
	idx := bankHost
	if dev {
		idx = bankDev
	}
	*off = bank + uint32(m.mems[idx].size)
	m.mems[idx].size += size
}

// offsetBank returns the bank index encoded in an offset word.
func offsetBank(off uint32) int { return int(off >> 30) }

// offsetNull reports whether the offset word is unpopulated.
func offsetNull(off uint32) bool { return off>>29 == 0 }

// devMem reports whether the offset names device memory.
func devMem(off uint32) bool { return off&maskDevMem != 0 }

// getPointer resolves an offset word to a CPU- or GPU-visible address.
func (m *connectMap) getPointer(off uint32, gpuSide bool) unsafe.Pointer {
	if offsetNull(off) {
		return nil
	}
	mem := &m.mems[offsetBank(off)]
	base := mem.cpuPtr
	if gpuSide {
		base = mem.gpuPtr
	}
	if base == nil {
		return nil
	}
	return unsafe.Add(base, uintptr(off&maskOffset))
}

// Wire image: fixed-size little-endian, memcpy-style. Pointer words are
// carried verbatim; they are only meaningful in the same process, and
// every cross-process path re-resolves them after mapping.
const (
	mapWireBankSize = 4 + 8 + 8 + shmem.PathMax + gpu.IpcHandleSize
	mapWireSize     = 12 + numBanks*mapWireBankSize + 4*(2+transport.NumProtocols)
)

func putBool(b []byte, v bool) {
	var w uint32
	if v {
		w = 1
	}
	binary.LittleEndian.PutUint32(b, w)
}

// marshal encodes the map into its fixed wire image.
func (m *connectMap) marshal() []byte {
	buf := make([]byte, mapWireSize)
	putBool(buf[0:], m.sameProcess)
	putBool(buf[4:], m.shared)
	binary.LittleEndian.PutUint32(buf[8:], uint32(int32(m.cudaDev)))
	p := 12
	for i := range m.mems {
		mem := &m.mems[i]
		binary.LittleEndian.PutUint32(buf[p:], uint32(int32(mem.size)))
		binary.LittleEndian.PutUint64(buf[p+4:], uint64(uintptr(mem.cpuPtr)))
		binary.LittleEndian.PutUint64(buf[p+12:], uint64(uintptr(mem.gpuPtr)))
		copy(buf[p+20:p+20+shmem.PathMax], mem.shmPath)
		copy(buf[p+20+shmem.PathMax:p+mapWireBankSize], mem.ipc[:])
		p += mapWireBankSize
	}
	binary.LittleEndian.PutUint32(buf[p:], m.offSendMem)
	binary.LittleEndian.PutUint32(buf[p+4:], m.offRecvMem)
	p += 8
	for _, off := range m.offBuffs {
		binary.LittleEndian.PutUint32(buf[p:], off)
		p += 4
	}
	return buf
}

// unmarshal decodes a wire image produced by marshal.
func (m *connectMap) unmarshal(buf []byte) error {
	if len(buf) != mapWireSize {
		return errInvalidArgument("connect map size mismatch: have %d want %d", len(buf), mapWireSize)
	}
	m.sameProcess = binary.LittleEndian.Uint32(buf[0:]) != 0
	m.shared = binary.LittleEndian.Uint32(buf[4:]) != 0
	m.cudaDev = int(int32(binary.LittleEndian.Uint32(buf[8:])))
	p := 12
	for i := range m.mems {
		mem := &m.mems[i]
		mem.size = int(int32(binary.LittleEndian.Uint32(buf[p:])))
		mem.cpuPtr = unsafe.Pointer(uintptr(binary.LittleEndian.Uint64(buf[p+4:])))
		mem.gpuPtr = unsafe.Pointer(uintptr(binary.LittleEndian.Uint64(buf[p+12:])))
		path := buf[p+20 : p+20+shmem.PathMax]
		if n := strings.IndexByte(string(path), 0); n >= 0 {
			mem.shmPath = string(path[:n])
		} else {
			mem.shmPath = string(path)
		}
		copy(mem.ipc[:], buf[p+20+shmem.PathMax:p+mapWireBankSize])
		p += mapWireBankSize
	}
	m.offSendMem = binary.LittleEndian.Uint32(buf[p:])
	m.offRecvMem = binary.LittleEndian.Uint32(buf[p+4:])
	p += 8
	for i := range m.offBuffs {
		m.offBuffs[i] = binary.LittleEndian.Uint32(buf[p:])
		p += 4
	}
	return nil
}

var bankNames = [numBanks]string{"Host", "Dev", "SharedHost", "SharedDev", "Gdc"}

func dumpOffset(sb *strings.Builder, m *connectMap, name string, off uint32) {
	used := 0
	if off&maskUsed != 0 {
		used = 1
	}
	fmt.Fprintf(sb, "%s -> Used %d Bank %d Offset %x, cpu %p gpu %p\n",
		name, used, offsetBank(off), off&maskOffset,
		m.getPointer(off, false), m.getPointer(off, true))
}

// dump renders the map for debugging.
func (m *connectMap) dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "map sameProcess %v shared %v cudaDev %d\n", m.sameProcess, m.shared, m.cudaDev)
	for i := range m.mems {
		mem := &m.mems[i]
		fmt.Fprintf(&sb, "Mem %d: %s %s (%x B) CPU %p GPU %p\n", i, bankNames[i], mem.shmPath, mem.size, mem.cpuPtr, mem.gpuPtr)
	}
	dumpOffset(&sb, m, "SendMem", m.offSendMem)
	dumpOffset(&sb, m, "RecvMem", m.offRecvMem)
	for p := 0; p < transport.NumProtocols; p++ {
		dumpOffset(&sb, m, "Proto "+transport.ProtoName(p), m.offBuffs[p])
	}
	return sb.String()
}

// roundUp rounds v up to the next multiple of align (a power of two).
func roundUp(v uint64, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// alignSize rounds a bank size up to align.
func alignSize(size *int, align int) {
	*size = int(roundUp(uint64(*size), uint64(align)))
}
