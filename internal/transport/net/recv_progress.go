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
	"runtime"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/provider"
	"github.com/P2Enjoy/nccl/internal/transport"
)

// groupSubs reorders the batch so that contiguous runs of up to maxRecvs
// subs share one receive endpoint, and stamps every sub with its group
// size. Grouped subs ride a single batched irecv.
func groupSubs(args *transport.ProxyArgs) {
	var recvComm provider.RecvComm
	groupSize := 0
	maxRecvs := 1
	for s := 0; s < len(args.Subs); s++ {
		if groupSize == maxRecvs {
			groupSize = 0
		} else if s > 0 { // find a later sub with the same recvComm
			next := s
			for ; next < len(args.Subs); next++ {
				nextRes := args.Subs[next].Conn.Resources.(*recvResources)
				if nextRes.netRecvComm == recvComm {
					break
				}
			}
			if next == len(args.Subs) {
				groupSize = 0
			} else if s != next {
				args.Subs[s], args.Subs[next] = args.Subs[next], args.Subs[s]
			}
		}
		groupSize++
		sub := &args.Subs[s]
		res := sub.Conn.Resources.(*recvResources)
		maxRecvs = res.maxRecvs
		recvComm = res.netRecvComm
		sub.Base = roundUp(res.step, args.ChunkSteps)
		sub.Posted, sub.Received, sub.Transmitted, sub.Done = 0, 0, 0, 0
		for i := 0; i < groupSize; i++ {
			args.Subs[s-i].GroupSize = groupSize
		}
	}
}

// publishTail hands received steps to the kernel through the GDC word
// when present, else through the mapped receive record.
func publishTail(res *recvResources, v uint64) {
	if res.gdcSync != nil {
		transport.StoreWord(res.gdcSync, v)
		return
	}
	res.recvMem.SetTail(v)
}

// recvProxyProgress advances a batch of receive sub-operations in four
// staged passes: post batched receives, test and flush, publish tails,
// observe kernel consumption. The first stage that advances anything
// returns, which keeps the stages fair across calls.
func recvProxyProgress(comm *transport.Comm, args *transport.ProxyArgs) error {
	if args.State == transport.OpReady {
		groupSubs(args)
		args.State = transport.OpProgress
	}
	args.Idle = true
	if args.State != transport.OpProgress {
		return nil
	}

	p := args.Protocol
	depth := maxDepth(len(args.Subs))

	// Post one batched receive per group.
	for s := 0; s < len(args.Subs); s += args.Subs[s].GroupSize {
		subGroup := &args.Subs[s]
		subCount := 0
		var bufs [][]byte
		var tags []int
		var mhandles []provider.MemHandle
		for i := 0; i < subGroup.GroupSize; i++ {
			sub := &args.Subs[s+i]
			if sub.Posted < sub.Nsteps {
				if sub.Posted >= sub.Done+depth {
					// One sub over the window stalls the whole group.
					subCount = 0
					break
				}
				res := sub.Conn.Resources.(*recvResources)
				stepSize := res.buffSizes[p] / transport.Steps
				localBuff := res.cmap.getPointer(res.cmap.offBuffs[p], false)
				buffSlot := int((sub.Base + sub.Posted) % transport.Steps)
				var ptr unsafe.Pointer
				if p == transport.ProtoSimple && res.shared {
					sharedBuffSlot := int(sub.Posted % depth)
					offset := sharedBuffersGet(comm, sub.ChannelID, sharedBuffSlot*len(args.Subs)+s+i)
					res.recvMem.SetOff(buffSlot, int32(offset))
					ptr = unsafe.Add(localBuff, uintptr(offset))
				} else {
					ptr = unsafe.Add(localBuff, uintptr(buffSlot*stepSize))
				}
				size := stepSize * int(args.SliceSteps)
				if sub.Nbytes < size {
					size = sub.Nbytes
				}
				bufs = append(bufs, unsafe.Slice((*byte)(ptr), size))
				tags = append(tags, res.remoteRank)
				mhandles = append(mhandles, res.mhandles[p])
				subCount++
			}
		}
		if subCount > 0 {
			step := subGroup.Posted
			res := subGroup.Conn.Resources.(*recvResources)
			req, err := comm.Net.Irecv(res.netRecvComm, bufs, tags, mhandles)
			if err != nil {
				return errNetwork("irecv", err)
			}
			if req != nil {
				subGroup.Requests[step%transport.Steps] = req
				for i := 0; i < subGroup.GroupSize; i++ {
					args.Subs[s+i].Posted += args.SliceSteps
				}
				args.Idle = false
			}
		}
	}
	if !args.Idle {
		return nil
	}

	// Test posted receives; flush GDR data before it is handed over.
	for s := 0; s < len(args.Subs); s += args.Subs[s].GroupSize {
		subGroup := &args.Subs[s]
		if subGroup.Posted > subGroup.Received {
			step := subGroup.Received
			done, sizes, err := comm.Net.Test(subGroup.Requests[step%transport.Steps])
			if err != nil {
				return errNetwork("test", err)
			}
			if !done {
				continue
			}
			needFlush := false
			totalSize := 0
			for _, sz := range sizes {
				totalSize += sz
			}
			for i := 0; i < subGroup.GroupSize; i++ {
				sub := &args.Subs[s+i]
				sub.Received += args.SliceSteps
				if step < sub.Nsteps {
					res := sub.Conn.Resources.(*recvResources)
					if res.useGdr {
						needFlush = needFlush || res.needFlush
					}
				}
			}
			subGroup.Requests[step%transport.Steps] = nil
			if totalSize > 0 && p == transport.ProtoSimple && needFlush {
				res := subGroup.Conn.Resources.(*recvResources)
				if res.gdcFlush != nil {
					if runtime.GOARCH != "amd64" {
						return errInternal("GDR flush through GDC is only supported on x86_64")
					}
					// Force a PCIe read from device memory.
					transport.LoadWord(res.gdcFlush)
				} else {
					subCount := 0
					var bufs [][]byte
					var mhandles []provider.MemHandle
					for i := 0; i < subGroup.GroupSize; i++ {
						sub := &args.Subs[s+i]
						if step < sub.Nsteps {
							fres := sub.Conn.Resources.(*recvResources)
							stepSize := fres.buffSizes[p] / transport.Steps
							localBuff := fres.cmap.getPointer(fres.cmap.offBuffs[p], false)
							buffSlot := int((sub.Base + sub.Posted) % transport.Steps)
							var ptr unsafe.Pointer
							if fres.shared {
								ptr = unsafe.Add(localBuff, uintptr(fres.recvMem.Off(buffSlot)))
							} else {
								ptr = unsafe.Add(localBuff, uintptr(buffSlot*stepSize))
							}
							size := 0
							if subCount < len(sizes) {
								size = sizes[subCount]
							}
							bufs = append(bufs, unsafe.Slice((*byte)(ptr), size))
							mhandles = append(mhandles, fres.mhandles[p])
							subCount++
						}
					}
					req, err := comm.Net.Iflush(res.netRecvComm, bufs, mhandles)
					if err != nil {
						return errNetwork("iflush", err)
					}
					subGroup.Requests[step%transport.Steps] = req
				}
			}
			args.Idle = false
		}
	}
	if !args.Idle {
		return nil
	}

	// Confirm flushes and publish tails.
	for s := 0; s < len(args.Subs); s += args.Subs[s].GroupSize {
		subGroup := &args.Subs[s]
		if subGroup.Received > subGroup.Transmitted {
			step := subGroup.Transmitted
			done := true
			if req := subGroup.Requests[step%transport.Steps]; req != nil {
				var err error
				done, _, err = comm.Net.Test(req)
				if err != nil {
					return errNetwork("test", err)
				}
			}
			if !done {
				continue
			}
			for i := 0; i < subGroup.GroupSize; i++ {
				sub := &args.Subs[s+i]
				sub.Transmitted += args.SliceSteps
				if step < sub.Nsteps {
					res := sub.Conn.Resources.(*recvResources)
					publishTail(res, sub.Base+sub.Transmitted)
				}
			}
			args.Idle = false
		}
	}
	if !args.Idle {
		return nil
	}

	// Observe the kernel consuming steps and retire them.
	for s := 0; s < len(args.Subs); s += args.Subs[s].GroupSize {
		subGroup := &args.Subs[s]
		for i := 0; i < subGroup.GroupSize; i++ {
			sub := &args.Subs[s+i]
			if sub.Done == sub.Nsteps {
				continue
			}
			if sub.Transmitted > sub.Done {
				res := sub.Conn.Resources.(*recvResources)
				done := res.sendMem.Head()
				// LL and LL128 can acknowledge sends before they happen;
				// never run past what was transmitted.
				for done > sub.Base+sub.Done && sub.Transmitted > sub.Done {
					sub.Done += args.SliceSteps
					args.Idle = false
					if sub.Done == sub.Nsteps {
						res.step = sub.Base + sub.Nsteps
						args.Done++
						break
					}
				}
			}
		}
	}
	if args.Done == len(args.Subs) {
		args.State = transport.OpNone
	}
	return nil
}
