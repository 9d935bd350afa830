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
	"go.uber.org/zap"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/provider"
)

// Comm is the per-rank communicator state the transports operate on.
type Comm struct {
	Rank       int
	NRanks     int
	LocalRanks int
	CudaDev    int

	Peers           []PeerInfo // indexed by rank
	LocalRankToRank []int

	// Per-protocol staging buffer sizes and the P2P chunk geometry.
	BuffSizes    [NumProtocols]int
	P2pChunkSize int
	P2pNChannels int

	// AllocP2pNetLLBuffers requests a dedicated LL buffer even in shared
	// mode.
	AllocP2pNetLLBuffers bool

	// DmaBufSupport is true when the driver can export device memory as
	// DMA-BUF file descriptors.
	DmaBufSupport bool

	Topo  Topo
	Net   provider.Provider
	Dev   gpu.Device
	Gdr   gpu.GdrCopy // nil without GDR-copy support
	Proxy ProxyCaller

	Params Params
	Log    *zap.Logger

	ProgressState ProgressState
}

// NetName returns the name of the network provider backing this comm.
func (c *Comm) NetName() string {
	if c.Net == nil {
		return "<none>"
	}
	return c.Net.Name()
}

// Logger returns the comm logger, never nil.
func (c *Comm) Logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// SameProcess reports whether rank runs in this comm's address space.
func (c *Comm) SameProcess(rank int) bool {
	return c.Peers[rank].SameProcess(&c.Peers[c.Rank])
}
