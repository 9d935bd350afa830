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

// Package transport holds the types shared between the collective
// framework, the proxy thread and the pluggable transports: the FIFO
// records the GPU kernel and the proxy agree on, the proxy operation
// descriptors the progress engines consume, and the transport v-table.
package transport

import (
	"unsafe"
)

// Quantization and sizing constants shared by kernels and proxies.
const (
	// Steps is the FIFO depth: the number of in-flight slots per endpoint.
	// Must be a power of two.
	Steps = 8

	// SharedSteps is the slot count per channel inside a shared staging
	// arena.
	SharedSteps = 16

	// MaxSubs bounds the number of sub-operations in one ProxyArgs batch.
	MaxSubs = 32

	// MaxChannels bounds per-channel tables in the shared pools.
	MaxChannels = 32

	// ConnectSize bounds the opaque connect-info blob exchanged between
	// peers during setup.
	ConnectSize = 128
)

// Wire protocols.
const (
	ProtoLL = iota
	ProtoLL128
	ProtoSimple
	NumProtocols
)

// LL128 line geometry: 128-byte lines of 16 uint64 elements, the last of
// which carries the per-step flag.
const (
	LL128LineElems = 16
	LL128DataElems = 15
)

// LLFlag derives the 32-bit flag embedded in LL fifo lines for a step.
func LLFlag(step uint64) uint32 { return uint32(step) }

// ProtoName returns a short human name for a wire protocol.
func ProtoName(p int) string {
	switch p {
	case ProtoLL:
		return "LL"
	case ProtoLL128:
		return "LL128"
	case ProtoSimple:
		return "Simple"
	}
	return "?"
}

// PeerInfo describes one rank for connection matching.
type PeerInfo struct {
	Rank     int
	CudaDev  int
	BusID    int64
	HostHash uint64
	PidHash  uint64
}

// SameProcess reports whether two peers live in one address space.
func (p *PeerInfo) SameProcess(o *PeerInfo) bool {
	return p.PidHash == o.PidHash
}

// SameHost reports whether two peers share a host.
func (p *PeerInfo) SameHost(o *PeerInfo) bool {
	return p.HostHash == o.HostHash
}

// Graph is an opaque handle to a collective topology graph. A nil graph
// means the operation is point-to-point.
type Graph struct {
	ID int
}

// Topo is the topology module consumed by transports. It decides which
// NIC serves a (rank, channel, peer) triple, whether GPU-Direct RDMA is
// permitted, and whether received GDR data must be flushed.
type Topo interface {
	// CheckNet reports whether intra-node networking between two bus ids
	// is allowed.
	CheckNet(busID1, busID2 int64) (bool, error)

	// GetNetDev picks the NIC and the proxy rank for a channel. The proxy
	// rank differs from rank when another process drives the NIC (PXN).
	GetNetDev(rank int, graph *Graph, channelID, peerRank int) (netDev, proxyRank int, err error)

	// CheckGdr reports whether GPU-Direct RDMA is permitted between a GPU
	// and a NIC, per direction.
	CheckGdr(busID int64, netDev int, isSend bool) (bool, error)

	// NeedFlush reports whether GDR receives on this GPU require an
	// explicit flush before the data is visible.
	NeedFlush(busID int64) (bool, error)

	// LocalRank maps a global rank to its host-local rank.
	LocalRank(rank int) (int, error)
}

// Conn is the kernel-visible side of one established connection: resolved
// GPU-side pointers into the FIFO records and staging buffers.
type Conn struct {
	Head      *uint64
	Tail      *uint64
	SizesFifo *[Steps]int32
	OffsFifo  *[Steps]int32
	Buffs     [NumProtocols]unsafe.Pointer
	Shared    bool
	DirectNic bool
}

// Connector binds the kernel-visible Conn to the proxy connection that
// feeds it.
type Connector struct {
	Conn      Conn
	ProxyConn ProxyConn

	// Resources is the kernel-side per-connection state (for the network
	// transport, the received connect map).
	Resources interface{}
}

// KernelOps are the entry points invoked on the rank owning the GPU.
type KernelOps struct {
	Setup   func(comm *Comm, graph *Graph, myInfo, peerInfo *PeerInfo, connectInfo []byte, conn *Connector, channelID, connIndex int) error
	Connect func(comm *Comm, connectInfo []byte, nranks, rank int, conn *Connector) error
	Free    func(conn *Connector) error
}

// ProxyOps are the entry points invoked on the proxy thread, dispatched by
// the proxy framework.
type ProxyOps struct {
	SharedInit func(conn *ProxyConnection, comm *Comm, nChannels int) error
	Setup      func(conn *ProxyConnection, comm *Comm, req []byte, respSize int) (resp []byte, done bool, err error)
	Connect    func(conn *ProxyConnection, comm *Comm, req []byte, respSize int) (resp []byte, done bool, err error)
	Free       func(conn *ProxyConnection, comm *Comm) error
	Progress   func(comm *Comm, args *ProxyArgs) error
}

// Ops groups both sides of one direction of a transport.
type Ops struct {
	KernelOps
	ProxyOps
}

// Transport is the v-table a transport registers with the framework.
type Transport struct {
	Name       string
	CanConnect func(topo Topo, graph *Graph, info1, info2 *PeerInfo) (bool, error)
	Send       Ops
	Recv       Ops
}
