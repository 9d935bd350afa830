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
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/transport"
)

// Shared staging arenas: one reference-counted buffer per (local rank,
// direction), partitioned by channel then by round-robin slot. All pool
// state is owned by the proxy thread.

// ensureLocalPeer returns the shared-pool entry for a local rank,
// allocating the table and the entry on first use.
func ensureLocalPeer(comm *transport.Comm, localRank int) *transport.ProxyPeer {
	ps := &comm.ProgressState
	if ps.LocalPeers == nil {
		ps.LocalPeers = make([]*transport.ProxyPeer, comm.LocalRanks)
	}
	if ps.LocalPeers[localRank] == nil {
		ps.LocalPeers[localRank] = &transport.ProxyPeer{}
	}
	return ps.LocalPeers[localRank]
}

// sharedBuffersInit opens (or joins) the staging arena for one direction
// of a local rank. The first caller sizes and allocates the arena; later
// callers share it. Device arenas export an IPC handle when the opener's
// proxy serves another process.
func sharedBuffersInit(comm *transport.Comm, cuda bool, localRank int, isRecv, sameProcess bool, nChannels int) (cpuPtr, gpuPtr unsafe.Pointer, size int, ipc gpu.IpcHandle, err error) {
	if !cuda && !sameProcess {
		// The proxy is not the GPU owner; host memory cannot bridge that
		// path.
		err = errInternal("cross-process proxy cannot use host staging buffers")
		return
	}
	peer := ensureLocalPeer(comm, localRank)
	state := &peer.Send
	if isRecv {
		state = &peer.Recv
	}
	state.RefCount++
	if state.Size == 0 {
		state.Size = nChannels * transport.SharedSteps * comm.P2pChunkSize
	}
	size = state.Size

	if cuda && state.DevBuff == nil {
		state.DevBuff, err = comm.Dev.AllocDevice(state.Size)
		if err != nil {
			err = errDevice("alloc shared arena", err)
			return
		}
		if !sameProcess {
			state.Ipc, err = comm.Dev.IpcGetHandle(state.DevBuff)
			if err != nil {
				err = errDevice("export shared arena", err)
				return
			}
		}
	}
	if !cuda && state.HostBuff == nil {
		state.HostBuff, err = comm.Dev.AllocHost(state.Size)
		if err != nil {
			err = errSystem("alloc shared host arena", err)
			return
		}
	}

	cpuPtr = state.HostBuff
	if cuda {
		cpuPtr = state.DevBuff
	}
	if sameProcess {
		gpuPtr = cpuPtr
	} else {
		ipc = state.Ipc
	}
	return
}

// sharedBuffersGet maps (channel, slot) to a byte offset inside the
// arena. Distinct pairs yield non-overlapping chunk ranges.
func sharedBuffersGet(comm *transport.Comm, channel, slot int) int {
	globalSlot := channel*transport.SharedSteps + slot
	return comm.P2pChunkSize * globalSlot
}

// sharedBuffersDestroy drops one reference on a direction of a local
// rank's arena. The last releaser frees the backing allocation, then the
// peer entry, then the table once every peer is gone.
func sharedBuffersDestroy(comm *transport.Comm, localRank int, isRecv bool) error {
	ps := &comm.ProgressState
	if ps.LocalPeers == nil {
		return errInternal("shared buffers destroyed before init")
	}
	peer := ps.LocalPeers[localRank]
	if peer == nil {
		return errInternal("shared buffers destroyed for unknown local rank %d", localRank)
	}
	state := &peer.Send
	if isRecv {
		state = &peer.Recv
	}
	if state.Size == 0 {
		return errInternal("shared buffers destroyed with zero size")
	}
	state.RefCount--
	if state.RefCount == 0 {
		if state.DevBuff != nil {
			if err := comm.Dev.FreeDevice(state.DevBuff); err != nil {
				return errDevice("free shared arena", err)
			}
			state.DevBuff = nil
		}
		if state.HostBuff != nil {
			if err := comm.Dev.FreeHost(state.HostBuff); err != nil {
				return errSystem("free shared host arena", err)
			}
			state.HostBuff = nil
		}
	}
	if peer.Send.RefCount > 0 || peer.Recv.RefCount > 0 {
		return nil
	}
	ps.LocalPeers[localRank] = nil
	for _, p := range ps.LocalPeers {
		if p != nil {
			return nil
		}
	}
	ps.LocalPeers = nil
	return nil
}

// useSharedComms reports whether endpoints on this comm multiplex one
// provider connection per (NIC, remote rank) across channels.
func useSharedComms(comm *transport.Comm, maxRecvs int) bool {
	return maxRecvs > 1 && comm.Params.NetSharedComms
}
