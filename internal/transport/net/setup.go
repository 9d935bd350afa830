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
	"errors"
	"unsafe"

	"go.uber.org/zap"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/shmem"
	"github.com/P2Enjoy/nccl/internal/transport"
)

// canConnect reports whether two peers can communicate through the
// network transport. Peers on one host may have intra-node networking
// disabled between their bus ids.
func canConnect(topo transport.Topo, graph *transport.Graph, info1, info2 *transport.PeerInfo) (bool, error) {
	if info1.SameHost(info2) {
		return topo.CheckNet(info1.BusID, info2.BusID)
	}
	return true, nil
}

// sharedMode resolves whether a connection runs over shared staging
// arenas: point-to-point operations default to shared, ring/tree graphs
// never do.
func sharedMode(comm *transport.Comm, graph *transport.Graph) bool {
	if graph != nil {
		return false
	}
	return comm.Params.SharedBuffersEnabled()
}

func sendSetup(comm *transport.Comm, graph *transport.Graph, myInfo, peerInfo *transport.PeerInfo, connectInfo []byte, conn *transport.Connector, channelID, connIndex int) error {
	if len(connectInfo) < 4 {
		return errInvalidArgument("connect info too small: %d bytes", len(connectInfo))
	}
	req := setupReq{shared: sharedMode(comm, graph), channelID: channelID, connIndex: connIndex}
	conn.Conn.Shared = req.shared

	netDev, proxyRank, err := comm.Topo.GetNetDev(myInfo.Rank, graph, channelID, peerInfo.Rank)
	if err != nil {
		return err
	}
	req.netDev = netDev
	req.useGdr, err = comm.Topo.CheckGdr(myInfo.BusID, netDev, true)
	if err != nil {
		return err
	}
	conn.Conn.DirectNic = req.useGdr

	pc, err := comm.Proxy.Connect(comm, true, proxyRank)
	if err != nil {
		return err
	}
	conn.ProxyConn = *pc

	req.rank = myInfo.Rank
	req.localRank, err = comm.Topo.LocalRank(myInfo.Rank)
	if err != nil {
		return err
	}
	req.remoteRank = peerInfo.Rank
	if _, err := conn.ProxyConn.Call(transport.MsgSetup, req.marshal(), 0); err != nil {
		return err
	}

	comm.Logger().Info("net send setup",
		zap.Int("channel", channelID),
		zap.Int("connIndex", connIndex),
		zap.Int("rank", myInfo.Rank),
		zap.Int("remoteRank", peerInfo.Rank),
		zap.String("net", comm.NetName()),
		zap.Int("netDev", netDev),
		zap.Int("proxyRank", proxyRank),
		zap.Bool("GDRDMA", req.useGdr),
		zap.Bool("Shared", req.shared))

	// Tell the peer which rank will drive the sends.
	binary.LittleEndian.PutUint32(connectInfo, uint32(int32(proxyRank)))
	return nil
}

func recvSetup(comm *transport.Comm, graph *transport.Graph, myInfo, peerInfo *transport.PeerInfo, connectInfo []byte, conn *transport.Connector, channelID, connIndex int) error {
	if len(connectInfo) < transport.ConnectSize {
		return errInvalidArgument("connect info too small: %d bytes", len(connectInfo))
	}
	req := setupReq{shared: sharedMode(comm, graph), channelID: channelID, connIndex: connIndex}
	conn.Conn.Shared = req.shared

	// The receiver always uses its own NIC; remote recv proxies are
	// unsupported.
	netDev, _, err := comm.Topo.GetNetDev(myInfo.Rank, graph, channelID, myInfo.Rank)
	if err != nil {
		return err
	}
	req.netDev = netDev
	req.useGdr, err = comm.Topo.CheckGdr(myInfo.BusID, netDev, false)
	if err != nil {
		return err
	}
	if req.useGdr {
		req.needFlush, err = comm.Topo.NeedFlush(myInfo.BusID)
		if err != nil {
			return err
		}
	}

	pc, err := comm.Proxy.Connect(comm, false, myInfo.Rank)
	if err != nil {
		return err
	}
	conn.ProxyConn = *pc

	req.rank = myInfo.Rank
	req.localRank, err = comm.Topo.LocalRank(myInfo.Rank)
	if err != nil {
		return err
	}
	req.remoteRank = peerInfo.Rank
	resp, err := conn.ProxyConn.Call(transport.MsgSetup, req.marshal(), transport.ConnectSize)
	if err != nil {
		return err
	}
	copy(connectInfo[:transport.ConnectSize], resp)

	comm.Logger().Info("net recv setup",
		zap.Int("channel", channelID),
		zap.Int("connIndex", connIndex),
		zap.Int("rank", myInfo.Rank),
		zap.Int("remoteRank", peerInfo.Rank),
		zap.String("net", comm.NetName()),
		zap.Int("netDev", netDev),
		zap.Bool("GDRDMA", req.useGdr),
		zap.Bool("Shared", req.shared))
	return nil
}

// mapSharedDevMem opens the peer proxy's shared device arena at most once
// per local rank, caching the mapping.
func mapSharedDevMem(comm *transport.Comm, localRank int, cmap *connectMap) error {
	mem := &cmap.mems[bankSharedDev]
	if mem.size == 0 {
		return nil
	}
	ps := &comm.ProgressState
	if ps.SharedDevMems == nil {
		ps.SharedDevMems = make([]unsafe.Pointer, comm.LocalRanks)
	}
	if ps.SharedDevMems[localRank] == nil {
		p, err := comm.Dev.IpcOpenHandle(mem.ipc)
		if err != nil {
			return errDevice("open shared dev bank", err)
		}
		ps.SharedDevMems[localRank] = p
	}
	mem.gpuPtr = ps.SharedDevMems[localRank]
	mem.cpuPtr = nil
	return nil
}

func sendConnect(comm *transport.Comm, connectInfo []byte, nranks, rank int, conn *transport.Connector) error {
	resp, err := conn.ProxyConn.Call(transport.MsgConnect, connectInfo[:transport.ConnectSize], mapWireSize)
	if err != nil {
		return err
	}
	cmap := &connectMap{dev: comm.Dev}
	if err := cmap.unmarshal(resp); err != nil {
		return err
	}
	conn.Resources = cmap

	if cmap.sameProcess {
		if cmap.cudaDev != comm.CudaDev {
			if err := comm.Dev.EnablePeerAccess(cmap.cudaDev); err != nil && !errors.Is(err, gpu.ErrPeerAccessAlreadyEnabled) {
				return errDevice("enable peer access", err)
			}
		}
	} else {
		if err := attachHostBank(cmap); err != nil {
			return err
		}
		if mem := &cmap.mems[bankDev]; mem.size > 0 {
			p, err := comm.Dev.IpcOpenHandle(mem.ipc)
			if err != nil {
				return errDevice("open dev bank", err)
			}
			mem.gpuPtr = p
			mem.cpuPtr = nil
			mem.ipcOpened = true
		}
		if err := mapSharedDevMem(comm, conn.ProxyConn.LocalRank, cmap); err != nil {
			return err
		}
	}

	sendMem := transport.SendMemAt(cmap.getPointer(cmap.offSendMem, true))
	if gdc := cmap.mems[bankGdc].gpuPtr; gdc != nil {
		conn.Conn.Head = (*uint64)(gdc)
	} else {
		conn.Conn.Head = sendMem.HeadPtr()
	}

	recvMem := transport.RecvMemAt(cmap.getPointer(cmap.offRecvMem, true))
	conn.Conn.Tail = recvMem.TailPtr()
	conn.Conn.SizesFifo = recvMem.SizesFifoPtr()
	// Only fuse P2P buffers; ring/tree keeps dedicated slot addressing.
	if cmap.shared {
		conn.Conn.OffsFifo = recvMem.OffsFifoPtr()
	}

	for p := 0; p < transport.NumProtocols; p++ {
		conn.Conn.Buffs[p] = cmap.getPointer(cmap.offBuffs[p], true)
	}
	return nil
}

func recvConnect(comm *transport.Comm, connectInfo []byte, nranks, rank int, conn *transport.Connector) error {
	resp, err := conn.ProxyConn.Call(transport.MsgConnect, connectInfo[:4], mapWireSize)
	if err != nil {
		return err
	}
	cmap := &connectMap{}
	if err := cmap.unmarshal(resp); err != nil {
		return err
	}
	conn.Resources = cmap

	sendMem := transport.SendMemAt(cmap.getPointer(cmap.offSendMem, true))
	conn.Conn.Head = sendMem.HeadPtr()

	recvMem := transport.RecvMemAt(cmap.getPointer(cmap.offRecvMem, true))
	if gdc := cmap.mems[bankGdc].gpuPtr; gdc != nil {
		conn.Conn.Tail = (*uint64)(gdc)
	} else {
		conn.Conn.Tail = recvMem.TailPtr()
	}
	conn.Conn.SizesFifo = recvMem.SizesFifoPtr()
	if cmap.shared {
		conn.Conn.OffsFifo = recvMem.OffsFifoPtr()
	}

	for p := 0; p < transport.NumProtocols; p++ {
		conn.Conn.Buffs[p] = cmap.getPointer(cmap.offBuffs[p], true)
	}
	return nil
}

// attachHostBank maps the proxy's host FIFO segment into this process.
func attachHostBank(cmap *connectMap) error {
	mem := &cmap.mems[bankHost]
	seg, err := shmem.Attach(mem.shmPath, mem.size)
	if err != nil {
		return errSystem("attach host segment", err)
	}
	mem.attachSeg = seg
	mem.cpuPtr = seg.Data()
	mem.gpuPtr = seg.Data()
	return nil
}

func sendFree(conn *transport.Connector) error {
	cmap, _ := conn.Resources.(*connectMap)
	if cmap == nil {
		return nil
	}
	if !cmap.sameProcess {
		if seg := cmap.mems[bankHost].attachSeg; seg != nil {
			if err := seg.Close(); err != nil {
				return errSystem("detach host segment", err)
			}
		}
		if mem := &cmap.mems[bankDev]; mem.ipcOpened {
			if err := cmap.dev.IpcCloseHandle(mem.gpuPtr); err != nil {
				return errDevice("close dev bank", err)
			}
		}
	}
	conn.Resources = nil
	return nil
}

func recvFree(conn *transport.Connector) error {
	conn.Resources = nil
	return nil
}

// NetTransport is the network transport v-table registered with the
// collective framework.
var NetTransport = transport.Transport{
	Name:       "NET",
	CanConnect: canConnect,
	Send: transport.Ops{
		KernelOps: transport.KernelOps{Setup: sendSetup, Connect: sendConnect, Free: sendFree},
		ProxyOps: transport.ProxyOps{
			SharedInit: proxySharedInit,
			Setup:      sendProxySetup,
			Connect:    sendProxyConnect,
			Free:       sendProxyFree,
			Progress:   sendProxyProgress,
		},
	},
	Recv: transport.Ops{
		KernelOps: transport.KernelOps{Setup: recvSetup, Connect: recvConnect, Free: recvFree},
		ProxyOps: transport.ProxyOps{
			SharedInit: proxySharedInit,
			Setup:      recvProxySetup,
			Connect:    recvProxyConnect,
			Free:       recvProxyFree,
			Progress:   recvProxyProgress,
		},
	},
}
