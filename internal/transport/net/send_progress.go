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
	"sync/atomic"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/transport"
)

// llLineSize is the byte size of one LL fifo line: two 4-byte data words
// interleaved with two 4-byte flag words.
const llLineSize = 16

// maxDepth bounds the number of posted-but-undone steps per sub: the FIFO
// depth, shrunk when several subs partition one shared arena.
func maxDepth(nsubs int) uint64 {
	d := uint64(transport.Steps)
	if s := uint64(transport.SharedSteps / nsubs); s < d {
		d = s
	}
	return d
}

// publishHead releases steps to the kernel through the GDC word when
// present, else through the mapped send record.
func publishHead(res *sendResources, v uint64) {
	if res.gdcSync != nil {
		transport.StoreWord(res.gdcSync, v)
		return
	}
	res.sendMem.SetHead(v)
}

// llReady scans the LL fifo lines of a slot: both flag words of every
// line must carry the step flag before the payload may be sent.
func llReady(buff unsafe.Pointer, size int, flag uint32) bool {
	nFifoLines := (size + llLineSize - 1) / llLineSize
	for i := 0; i < nFifoLines; i++ {
		f1 := (*uint32)(unsafe.Add(buff, uintptr(i*llLineSize+4)))
		f2 := (*uint32)(unsafe.Add(buff, uintptr(i*llLineSize+12)))
		if atomic.LoadUint32(f1) != flag || atomic.LoadUint32(f2) != flag {
			return false
		}
	}
	return true
}

// ll128Ready scans 128-byte lines: the data element at the flag position
// must carry the step flag. The GPU only issued a threadfence, so sysmem
// data is not trusted until every flag reads back.
func ll128Ready(buff unsafe.Pointer, size int, flag uint64) bool {
	nFifoLines := (size + 8*transport.LL128LineElems - 1) / (8 * transport.LL128LineElems)
	for i := 0; i < nFifoLines; i++ {
		line := (*uint64)(unsafe.Add(buff, uintptr((i*transport.LL128LineElems+transport.LL128DataElems)*8)))
		if transport.LoadWord(line) != flag {
			return false
		}
	}
	return true
}

// sendProxyProgress advances a batch of send sub-operations: issue
// credits to the GPU, transmit ready slots, and retire completed sends.
// Nonblocking; at most one useful advance per sub per pass.
func sendProxyProgress(comm *transport.Comm, args *transport.ProxyArgs) error {
	if args.State == transport.OpReady {
		for s := range args.Subs {
			sub := &args.Subs[s]
			res := sub.Conn.Resources.(*sendResources)
			// Round to the next chunk so the kernel and proxy agree on
			// the flag base.
			sub.Base = roundUp(res.step, args.ChunkSteps)
			sub.Posted, sub.Transmitted, sub.Done = 0, 0, 0
		}
		args.State = transport.OpProgress
	}
	args.Idle = true
	if args.State != transport.OpProgress {
		return nil
	}

	p := args.Protocol
	depth := maxDepth(len(args.Subs))
	for s := range args.Subs {
		sub := &args.Subs[s]
		if sub.Done == sub.Nsteps {
			continue
		}
		res := sub.Conn.Resources.(*sendResources)
		mhandle := res.mhandles[p]
		stepSize := res.buffSizes[p] / transport.Steps
		localBuff := res.cmap.getPointer(res.cmap.offBuffs[p], false)

		// Post buffers to the GPU.
		if sub.Posted < sub.Nsteps && sub.Posted < sub.Done+depth {
			buffSlot := int((sub.Base + sub.Posted) % transport.Steps)
			if res.shared {
				sharedBuffSlot := int(sub.Posted % depth)
				offset := sharedBuffersGet(comm, sub.ChannelID, sharedBuffSlot*len(args.Subs)+s)
				res.recvMem.SetOff(buffSlot, int32(offset))
				sub.Posted += args.SliceSteps
				// Credits run Steps ahead of completion; the initial
				// head bias makes the first window start at zero.
				publishHead(res, sub.Base+sub.Posted-transport.Steps)
			} else {
				sub.Posted += args.SliceSteps
			}
			args.Idle = false
			continue
		}

		// Check whether the GPU handed us data and send it to the wire.
		if sub.Transmitted < sub.Posted && sub.Transmitted < sub.Done+transport.Steps {
			buffSlot := int((sub.Base + sub.Transmitted) % transport.Steps)
			size := res.recvMem.Size(buffSlot)
			if size != -1 && (res.recvMem.Tail() > sub.Base+sub.Transmitted || p == transport.ProtoLL) {
				sharedSimple := p == transport.ProtoSimple && res.shared
				var buff unsafe.Pointer
				if sharedSimple {
					buff = unsafe.Add(localBuff, uintptr(res.recvMem.Off(buffSlot)))
				} else {
					buff = unsafe.Add(localBuff, uintptr(buffSlot*stepSize))
				}
				ready := true
				switch p {
				case transport.ProtoLL128:
					ready = res.useGdr
					if !ready {
						ready = ll128Ready(buff, int(size), sub.Base+sub.Transmitted+1)
					}
				case transport.ProtoLL:
					ready = llReady(buff, int(size), transport.LLFlag(sub.Base+sub.Transmitted+1))
				}
				if ready {
					data := unsafe.Slice((*byte)(buff), int(size))
					req, err := comm.Net.Isend(res.netSendComm, data, res.rank, mhandle)
					if err != nil {
						return errNetwork("isend", err)
					}
					if req != nil {
						sub.Requests[buffSlot] = req
						// Reset the size before the head moves so the
						// kernel never sees a stale slot.
						res.recvMem.SetSize(buffSlot, -1)
						sub.Transmitted += args.SliceSteps
						args.Idle = false
						continue
					}
				}
			}
		}

		// Retire completed sends.
		if sub.Done < sub.Transmitted {
			buffSlot := int((sub.Base + sub.Done) % transport.Steps)
			done, _, err := comm.Net.Test(sub.Requests[buffSlot])
			if err != nil {
				return errNetwork("test", err)
			}
			if done {
				sub.Requests[buffSlot] = nil
				sub.Done += args.SliceSteps
				if !res.shared {
					// Shared mode released the slot at credit time.
					publishHead(res, sub.Base+sub.Done)
				}
				args.Idle = false
				if sub.Done == sub.Nsteps {
					res.step = sub.Base + sub.Nsteps
					args.Done++
				}
			}
		}
	}
	if args.Done == len(args.Subs) {
		args.State = transport.OpNone
	}
	return nil
}
