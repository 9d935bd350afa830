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
	"testing"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/provider/loopback"
	"github.com/P2Enjoy/nccl/internal/transport"
)

// testTopo is a configurable flat topology for two-rank tests.
type testTopo struct {
	gdrSend       bool
	gdrRecv       bool
	needFlush     bool
	sendProxyRank map[int]int // overrides; default is the rank itself
}

func (t *testTopo) CheckNet(busID1, busID2 int64) (bool, error) { return true, nil }

func (t *testTopo) GetNetDev(rank int, graph *transport.Graph, channelID, peerRank int) (int, int, error) {
	proxyRank := rank
	if peerRank != rank { // send side asks for a route to the peer
		if pr, ok := t.sendProxyRank[rank]; ok {
			proxyRank = pr
		}
	}
	return 0, proxyRank, nil
}

func (t *testTopo) CheckGdr(busID int64, netDev int, isSend bool) (bool, error) {
	if isSend {
		return t.gdrSend, nil
	}
	return t.gdrRecv, nil
}

func (t *testTopo) NeedFlush(busID int64) (bool, error) { return t.needFlush, nil }

func (t *testTopo) LocalRank(rank int) (int, error) { return rank, nil }

type envOptions struct {
	maxRecvs  int
	stepSize  int
	nChannels int
	pids      [2]uint64 // pid hash per rank; equal means one process
	gdrCopy   bool      // attach a GDR-copy backend to both comms
	topo      testTopo
	params    func(*transport.Params)
}

func defaultEnvOptions() envOptions {
	return envOptions{
		maxRecvs:  1,
		stepSize:  512,
		nChannels: 4,
		pids:      [2]uint64{7, 7},
	}
}

type testEnv struct {
	t     *testing.T
	prov  *loopback.Provider
	proxy *transport.LocalProxy
	comms [2]*transport.Comm
	opts  envOptions
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	e := &testEnv{t: t, opts: opts}
	e.prov = loopback.New(1, opts.maxRecvs)
	e.proxy = transport.NewLocalProxies(NetTransport)
	for rank := 0; rank < 2; rank++ {
		comm := &transport.Comm{
			Rank:            rank,
			NRanks:          2,
			LocalRanks:      2,
			CudaDev:         rank,
			Peers:           make([]transport.PeerInfo, 2),
			LocalRankToRank: []int{0, 1},
			P2pChunkSize:    opts.stepSize,
			P2pNChannels:    opts.nChannels,
			Topo:            &opts.topo,
			Net:             e.prov,
			Dev:             gpu.NewHostDevice(rank),
			Gdr:             nil,
			Proxy:           nil,
			Params:          transport.DefaultParams(),
		}
		for p := 0; p < transport.NumProtocols; p++ {
			comm.BuffSizes[p] = opts.stepSize * transport.Steps
		}
		for r := 0; r < 2; r++ {
			comm.Peers[r] = transport.PeerInfo{Rank: r, CudaDev: r, BusID: int64(r), HostHash: 1, PidHash: opts.pids[r]}
		}
		if opts.gdrCopy {
			comm.Gdr = gpu.NewHostGdrCopy()
		}
		if opts.params != nil {
			opts.params(&comm.Params)
		}
		comm.Proxy = e.proxy
		e.proxy.Register(comm)
		e.comms[rank] = comm
	}
	return e
}

// connectPair runs the full setup/connect handshake for one channel and
// connection index, rank 0 sending to rank 1.
func (e *testEnv) connectPair(graph *transport.Graph, channelID, connIndex int) (sendConn, recvConn *transport.Connector) {
	t := e.t
	t.Helper()
	sender, receiver := e.comms[0], e.comms[1]

	sendConn = &transport.Connector{}
	recvConn = &transport.Connector{}
	recvInfo := make([]byte, transport.ConnectSize)
	if err := NetTransport.Recv.KernelOps.Setup(receiver, graph, &receiver.Peers[1], &receiver.Peers[0], recvInfo, recvConn, channelID, connIndex); err != nil {
		t.Fatalf("recv setup failed: %v", err)
	}
	sendInfo := make([]byte, transport.ConnectSize)
	if err := NetTransport.Send.KernelOps.Setup(sender, graph, &sender.Peers[0], &sender.Peers[1], sendInfo, sendConn, channelID, connIndex); err != nil {
		t.Fatalf("send setup failed: %v", err)
	}
	if err := NetTransport.Send.KernelOps.Connect(sender, recvInfo, 2, 0, sendConn); err != nil {
		t.Fatalf("send connect failed: %v", err)
	}
	if err := NetTransport.Recv.KernelOps.Connect(receiver, sendInfo, 2, 1, recvConn); err != nil {
		t.Fatalf("recv connect failed: %v", err)
	}
	return sendConn, recvConn
}

// sendProgressComm returns the comm whose proxy drives the send side of
// a connector (differs from the sender's under PXN).
func (e *testEnv) sendProgressComm(sendConn *transport.Connector) *transport.Comm {
	return e.comms[sendConn.ProxyConn.ProxyRank]
}

// checkCounters asserts the progress counter invariants on every sub.
func checkCounters(t *testing.T, args *transport.ProxyArgs) {
	t.Helper()
	depth := maxDepth(len(args.Subs))
	for s := range args.Subs {
		sub := &args.Subs[s]
		if sub.Done > sub.Transmitted || sub.Transmitted > sub.Posted || sub.Posted > sub.Nsteps {
			t.Fatalf("sub %d: counter ordering violated: done=%d transmitted=%d posted=%d nsteps=%d",
				s, sub.Done, sub.Transmitted, sub.Posted, sub.Nsteps)
		}
		for _, c := range []uint64{sub.Posted, sub.Transmitted, sub.Done} {
			if c%args.SliceSteps != 0 {
				t.Fatalf("sub %d: counter %d is not a multiple of sliceSteps %d", s, c, args.SliceSteps)
			}
		}
		if sub.Posted-sub.Done > depth {
			t.Fatalf("sub %d: window exceeded: posted=%d done=%d maxDepth=%d", s, sub.Posted, sub.Done, depth)
		}
	}
}

// sendKernel is a host-side stand-in for the GPU producer on one send
// connector. It publishes one slice of steps at a time.
type sendKernel struct {
	conn     *transport.Connector
	stepSize int
	payload  int    // bytes published per slice
	slice    uint64 // steps per publication; 0 means 1
	next     uint64
	nsteps   uint64
	base     uint64
}

func (k *sendKernel) pump() {
	slice := k.slice
	if slice == 0 {
		slice = 1
	}
	for k.next < k.nsteps {
		head := int64(transport.LoadWord(k.conn.Conn.Head))
		if head+transport.Steps < int64(k.base+k.next+slice) {
			return // no credit yet
		}
		slot := int((k.base + k.next) % transport.Steps)
		buf := k.conn.Conn.Buffs[transport.ProtoSimple]
		var dst unsafe.Pointer
		if k.conn.Conn.Shared {
			dst = unsafe.Add(buf, uintptr(transport.LoadSlot(&k.conn.Conn.OffsFifo[slot])))
		} else {
			dst = unsafe.Add(buf, uintptr(slot*k.stepSize))
		}
		data := unsafe.Slice((*byte)(dst), k.payload)
		for i := range data {
			data[i] = byte(k.base + k.next)
		}
		transport.StoreSlot(&k.conn.Conn.SizesFifo[slot], int32(k.payload))
		transport.StoreWord(k.conn.Conn.Tail, k.base+k.next+slice)
		k.next += slice
	}
}

// recvKernel consumes received slices as the proxy publishes the tail.
type recvKernel struct {
	conn  *transport.Connector
	slice uint64
	next  uint64
	base  uint64
	check func(step uint64) // optional payload validation per slice
}

func (k *recvKernel) pump() {
	slice := k.slice
	if slice == 0 {
		slice = 1
	}
	for int64(transport.LoadWord(k.conn.Conn.Tail)) >= int64(k.base+k.next+slice) {
		if k.check != nil {
			k.check(k.base + k.next)
		}
		k.next += slice
		transport.StoreWord(k.conn.Conn.Head, k.base+k.next)
	}
}

// runPipeline drives both progress engines and the stand-in kernels
// until both batches retire or the iteration budget runs out.
func runPipeline(t *testing.T, e *testEnv, sendComm, recvComm *transport.Comm, sendArgs, recvArgs *transport.ProxyArgs, senders []*sendKernel, receivers []*recvKernel) {
	t.Helper()
	for i := 0; i < 1<<16; i++ {
		if sendArgs.State == transport.OpNone && recvArgs.State == transport.OpNone {
			return
		}
		for _, k := range senders {
			k.pump()
		}
		if sendArgs.State != transport.OpNone {
			if err := sendProxyProgress(sendComm, sendArgs); err != nil {
				t.Fatalf("send progress failed: %v", err)
			}
			checkCounters(t, sendArgs)
		}
		if recvArgs.State != transport.OpNone {
			if err := recvProxyProgress(recvComm, recvArgs); err != nil {
				t.Fatalf("recv progress failed: %v", err)
			}
			checkCounters(t, recvArgs)
		}
		for _, k := range receivers {
			k.pump()
		}
	}
	t.Fatalf("pipeline did not complete: send state %d done %d, recv state %d done %d",
		sendArgs.State, sendArgs.Done, recvArgs.State, recvArgs.Done)
}
