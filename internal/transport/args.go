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
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/provider"
)

// OpState is the lifecycle of one ProxyArgs batch.
type OpState int

const (
	OpNone OpState = iota
	OpReady
	OpProgress
)

// ConnState tracks a proxy connection through its lifecycle.
type ConnState int

const (
	ConnUninitialized ConnState = iota
	ConnSharedInitialized
	ConnSetupDone
	ConnConnected
)

// ProxyConnection is the proxy-side identity of one connection. The
// transport stores its endpoint state in Resources.
type ProxyConnection struct {
	State     ConnState
	LocalRank int
	Shared    bool
	Resources interface{}

	// ProxyAppend chains the active op list for this connection; shared
	// connections point ProxyAppendPtr into the per-channel slot of the
	// shared pool instead.
	ProxyAppend    *ProxyArgs
	ProxyAppendPtr **ProxyArgs
}

// ProxySubArgs is one sub-operation of a batch: one endpoint moving
// nsteps steps of payload.
type ProxySubArgs struct {
	Conn      *ProxyConnection
	ChannelID int
	Nsteps    uint64
	Nbytes    int

	// Progress counters, in steps relative to Base. All advance in
	// multiples of ProxyArgs.SliceSteps.
	Base        uint64
	Posted      uint64
	Received    uint64 // recv only
	Transmitted uint64
	Done        uint64

	// GroupSize is the size of the group of contiguous subs sharing one
	// receive endpoint that this sub belongs to; every member of a group
	// carries the same value. Set when the batch enters Progress.
	GroupSize int

	Requests [Steps]provider.Request
}

// ProxyArgs is one batch of sub-operations the progress engine advances.
type ProxyArgs struct {
	State      OpState
	Protocol   int
	SliceSteps uint64
	ChunkSteps uint64
	Subs       []ProxySubArgs
	Done       int
	Idle       bool
}

// Nsubs returns the number of sub-operations in the batch.
func (a *ProxyArgs) Nsubs() int { return len(a.Subs) }

// SharedP2p is one direction of a local peer's shared staging arena.
type SharedP2p struct {
	RefCount int
	Size     int
	DevBuff  unsafe.Pointer
	HostBuff unsafe.Pointer
	Ipc      gpu.IpcHandle

	// ProxyAppend holds the per-channel op chains for endpoints
	// multiplexed over this arena.
	ProxyAppend [MaxChannels]*ProxyArgs
}

// ProxyPeer is the shared state for one local rank.
type ProxyPeer struct {
	Send SharedP2p
	Recv SharedP2p
}

// SharedNetComms multiplexes provider endpoints for one (netDev,
// remoteRank) pair across channels.
type SharedNetComms struct {
	SendComm     [MaxChannels]provider.SendComm
	RecvComm     [MaxChannels]provider.RecvComm
	SendRefCount [MaxChannels]int
	RecvRefCount [MaxChannels]int
}

// ProgressState is the proxy thread's private state: the shared buffer
// and connection pools plus the per-local-rank cache of mapped shared
// device arenas. It is touched only from the proxy thread.
type ProgressState struct {
	// LocalPeers indexes shared staging arenas by local rank. Allocated
	// lazily; nil entries mean no endpoint opened that peer yet.
	LocalPeers []*ProxyPeer

	// NetComms indexes shared provider endpoints by NIC then remote rank.
	NetComms map[int][]*SharedNetComms

	// SharedDevMems caches the kernel-side mapping of each local rank's
	// shared device arena, opened at most once per rank.
	SharedDevMems []unsafe.Pointer
}

// NetCommsFor returns the shared-endpoint entry for (netDev, remoteRank),
// allocating the table row on first use.
func (ps *ProgressState) NetCommsFor(netDev, remoteRank, nRanks int) *SharedNetComms {
	if ps.NetComms == nil {
		ps.NetComms = make(map[int][]*SharedNetComms)
	}
	row := ps.NetComms[netDev]
	if row == nil {
		row = make([]*SharedNetComms, nRanks)
		ps.NetComms[netDev] = row
	}
	if row[remoteRank] == nil {
		row[remoteRank] = &SharedNetComms{}
	}
	return row[remoteRank]
}
