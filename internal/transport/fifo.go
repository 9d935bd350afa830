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

package transport

import (
	"sync/atomic"
	"unsafe"
)

// SendMem and RecvMem are the two records shared between the GPU kernel
// and the proxy. They live inside mapped memory (host allocation, shared
// segment, or GDC mapping), so their layout is fixed and all access goes
// through atomic loads and stores. Both are padded to cache-line
// multiples.

// SendMemSize is the mapped size of a SendMem record.
const SendMemSize = 64

// SendMem carries the head counter: the number of steps the proxy has
// released back to the kernel.
type SendMem struct {
	head uint64
	pad  [SendMemSize - 8]byte
}

// SendMemAt casts a mapped address to a SendMem view.
func SendMemAt(p unsafe.Pointer) *SendMem { return (*SendMem)(p) }

// Head returns the released-step counter.
func (s *SendMem) Head() uint64 { return atomic.LoadUint64(&s.head) }

// SetHead publishes the released-step counter.
func (s *SendMem) SetHead(v uint64) { atomic.StoreUint64(&s.head, v) }

// HeadPtr exposes the head word, e.g. to resolve the GPU-visible pointer.
func (s *SendMem) HeadPtr() *uint64 { return &s.head }

// RecvMemSize is the mapped size of a RecvMem record.
const RecvMemSize = 128

// RecvMem carries the tail counter (steps the kernel has handed to the
// proxy) plus the per-slot size and offset FIFOs.
type RecvMem struct {
	tail      uint64
	sizesFifo [Steps]int32
	offsFifo  [Steps]int32
	pad       [RecvMemSize - 8 - 4*Steps - 4*Steps]byte
}

// RecvMemAt casts a mapped address to a RecvMem view.
func RecvMemAt(p unsafe.Pointer) *RecvMem { return (*RecvMem)(p) }

// Tail returns the handed-off-step counter.
func (r *RecvMem) Tail() uint64 { return atomic.LoadUint64(&r.tail) }

// SetTail publishes the handed-off-step counter.
func (r *RecvMem) SetTail(v uint64) { atomic.StoreUint64(&r.tail, v) }

// TailPtr exposes the tail word.
func (r *RecvMem) TailPtr() *uint64 { return &r.tail }

// Size returns the byte count the kernel posted at slot, or -1 when the
// slot is empty or already consumed.
func (r *RecvMem) Size(slot int) int32 { return atomic.LoadInt32(&r.sizesFifo[slot]) }

// SetSize publishes the byte count for a slot.
func (r *RecvMem) SetSize(slot int, v int32) { atomic.StoreInt32(&r.sizesFifo[slot], v) }

// Off returns the shared-arena byte offset published for a slot.
func (r *RecvMem) Off(slot int) int32 { return atomic.LoadInt32(&r.offsFifo[slot]) }

// SetOff publishes the shared-arena byte offset for a slot.
func (r *RecvMem) SetOff(slot int, v int32) { atomic.StoreInt32(&r.offsFifo[slot], v) }

// SizesFifoPtr exposes the sizes FIFO array.
func (r *RecvMem) SizesFifoPtr() *[Steps]int32 { return &r.sizesFifo }

// OffsFifoPtr exposes the offsets FIFO array.
func (r *RecvMem) OffsFifoPtr() *[Steps]int32 { return &r.offsFifo }

// LoadWord / StoreWord publish a bare uint64, used for head/tail words
// resolved through a GDC mapping.
func LoadWord(p *uint64) uint64     { return atomic.LoadUint64(p) }
func StoreWord(p *uint64, v uint64) { atomic.StoreUint64(p, v) }

// LoadSlot / StoreSlot access an int32 FIFO slot through a raw pointer.
func LoadSlot(p *int32) int32     { return atomic.LoadInt32(p) }
func StoreSlot(p *int32, v int32) { atomic.StoreInt32(p, v) }
