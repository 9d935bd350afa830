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
	"os"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/provider"
	"github.com/P2Enjoy/nccl/internal/shmem"
	"github.com/P2Enjoy/nccl/internal/transport"
)

// setupReq is the fixed-size request body of the proxy Setup RPC.
type setupReq struct {
	rank       int
	localRank  int
	remoteRank int
	shared     bool
	netDev     int
	useGdr     bool
	needFlush  bool
	channelID  int
	connIndex  int
}

const setupReqSize = 9 * 4

func (r *setupReq) marshal() []byte {
	buf := make([]byte, setupReqSize)
	fields := [...]int{
		r.rank, r.localRank, r.remoteRank, b2i(r.shared), r.netDev,
		b2i(r.useGdr), b2i(r.needFlush), r.channelID, r.connIndex,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(f)))
	}
	return buf
}

func (r *setupReq) unmarshal(buf []byte) error {
	if len(buf) != setupReqSize {
		return errInvalidArgument("setup request size mismatch: have %d want %d", len(buf), setupReqSize)
	}
	get := func(i int) int { return int(int32(binary.LittleEndian.Uint32(buf[4*i:]))) }
	r.rank = get(0)
	r.localRank = get(1)
	r.remoteRank = get(2)
	r.shared = get(3) != 0
	r.netDev = get(4)
	r.useGdr = get(5) != 0
	r.needFlush = get(6) != 0
	r.channelID = get(7)
	r.connIndex = get(8)
	return nil
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}

// sendResources is the proxy-side state of one send endpoint.
type sendResources struct {
	cmap        connectMap
	netSendComm provider.SendComm
	sendMem     *transport.SendMem
	recvMem     *transport.RecvMem

	rank       int
	localRank  int
	remoteRank int
	netDev     int
	useGdr     bool
	useDmaBuf  bool
	maxRecvs   int
	gdcSync    *uint64
	gdrDesc    interface{}
	shared     bool
	channelID  int
	connIndex  int

	buffers   [transport.NumProtocols]unsafe.Pointer
	buffSizes [transport.NumProtocols]int
	mhandles  [transport.NumProtocols]provider.MemHandle

	step uint64
}

// recvResources is the proxy-side state of one receive endpoint.
type recvResources struct {
	cmap          connectMap
	netListenComm provider.ListenComm
	netRecvComm   provider.RecvComm
	sendMem       *transport.SendMem
	recvMem       *transport.RecvMem

	rank       int
	localRank  int
	remoteRank int
	proxyRank  int
	netDev     int
	useGdr     bool
	useDmaBuf  bool
	needFlush  bool
	maxRecvs   int
	gdcSync    *uint64
	gdcFlush   *uint64
	gdrDesc    interface{}
	shared     bool
	channelID  int
	connIndex  int

	buffers   [transport.NumProtocols]unsafe.Pointer
	buffSizes [transport.NumProtocols]int
	mhandles  [transport.NumProtocols]provider.MemHandle

	step uint64
}

// proxySharedInit pre-opens the shared staging arena for a local rank
// before any endpoint connects (NVB preconnect).
func proxySharedInit(conn *transport.ProxyConnection, comm *transport.Comm, nChannels int) error {
	rank := comm.LocalRankToRank[conn.LocalRank]
	sameProcess := comm.SameProcess(rank)
	_, _, _, _, err := sharedBuffersInit(comm, true, conn.LocalRank, false, sameProcess, nChannels)
	return err
}

func sendProxySetup(conn *transport.ProxyConnection, comm *transport.Comm, reqBuff []byte, respSize int) ([]byte, bool, error) {
	var req setupReq
	if err := req.unmarshal(reqBuff); err != nil {
		return nil, false, err
	}

	res := &sendResources{
		rank:       req.rank,
		localRank:  req.localRank,
		remoteRank: req.remoteRank,
		netDev:     req.netDev,
		shared:     req.shared,
		useGdr:     req.useGdr,
		channelID:  req.channelID,
		connIndex:  req.connIndex,
	}
	conn.Resources = res
	conn.Shared = req.shared

	props, err := comm.Net.GetProperties(req.netDev)
	if err != nil {
		return nil, false, errNetwork("getProperties", err)
	}
	res.useDmaBuf = res.useGdr && comm.DmaBufSupport && props.PtrSupport&provider.PtrDmaBuf != 0
	res.maxRecvs = props.MaxRecvs

	if respSize != 0 {
		return nil, false, errInvalidArgument("send setup expects no response body, got %d", respSize)
	}
	return nil, true, nil
}

func recvProxySetup(conn *transport.ProxyConnection, comm *transport.Comm, reqBuff []byte, respSize int) ([]byte, bool, error) {
	var req setupReq
	if err := req.unmarshal(reqBuff); err != nil {
		return nil, false, err
	}

	res := &recvResources{
		rank:       req.rank,
		localRank:  req.localRank,
		remoteRank: req.remoteRank,
		netDev:     req.netDev,
		shared:     req.shared,
		useGdr:     req.useGdr,
		needFlush:  req.needFlush,
		channelID:  req.channelID,
		connIndex:  req.connIndex,
	}
	conn.Resources = res
	conn.Shared = req.shared

	props, err := comm.Net.GetProperties(req.netDev)
	if err != nil {
		return nil, false, errNetwork("getProperties", err)
	}
	res.useDmaBuf = res.useGdr && comm.DmaBufSupport && props.PtrSupport&provider.PtrDmaBuf != 0
	res.maxRecvs = props.MaxRecvs

	if respSize != transport.ConnectSize {
		return nil, false, errInvalidArgument("recv setup response size mismatch: have %d want %d", respSize, transport.ConnectSize)
	}
	handle, listenComm, err := comm.Net.Listen(req.netDev)
	if err != nil {
		return nil, false, errNetwork("listen", err)
	}
	if len(handle) > transport.ConnectSize {
		return nil, false, errInternal("listen handle exceeds connect blob: %d bytes", len(handle))
	}
	res.netListenComm = listenComm
	resp := make([]byte, transport.ConnectSize)
	copy(resp, handle)
	return resp, true, nil
}

// registerBuffers registers every populated per-protocol buffer with the
// provider, preferring DMA-BUF registration for device memory when
// supported.
func registerBuffers(comm *transport.Comm, cmap *connectMap, netComm interface{}, useDmaBuf bool,
	buffers *[transport.NumProtocols]unsafe.Pointer, buffSizes *[transport.NumProtocols]int,
	mhandles *[transport.NumProtocols]provider.MemHandle) error {
	for p := 0; p < transport.NumProtocols; p++ {
		buffers[p] = cmap.getPointer(cmap.offBuffs[p], false)
		if buffers[p] == nil {
			continue
		}
		typ := provider.PtrHost
		if devMem(cmap.offBuffs[p]) {
			typ = provider.PtrCuda
		}
		if typ == provider.PtrCuda && useDmaBuf {
			fd, err := comm.Dev.DmaBufFd(buffers[p], buffSizes[p])
			if err == nil {
				mh, err := comm.Net.RegMrDmaBuf(netComm, buffers[p], buffSizes[p], typ, 0, fd)
				os.NewFile(uintptr(fd), "dmabuf").Close()
				if err != nil {
					return errNetwork("regMrDmaBuf", err)
				}
				mhandles[p] = mh
				continue
			}
			if !errors.Is(err, gpu.ErrNoDmaBuf) {
				return errDevice("dma-buf export", err)
			}
			// Fall through to the plain GDR path.
		}
		mh, err := comm.Net.RegMr(netComm, buffers[p], buffSizes[p], typ)
		if err != nil {
			return errNetwork("regMr", err)
		}
		mhandles[p] = mh
	}
	return nil
}

func sendProxyConnect(conn *transport.ProxyConnection, comm *transport.Comm, reqBuff []byte, respSize int) ([]byte, bool, error) {
	res, ok := conn.Resources.(*sendResources)
	if !ok {
		return nil, false, errInternal("send connect without setup")
	}
	if len(reqBuff) != transport.ConnectSize {
		return nil, false, errInvalidArgument("connect handle size mismatch: have %d want %d", len(reqBuff), transport.ConnectSize)
	}

	ps := &comm.ProgressState
	if res.shared {
		peer := ensureLocalPeer(comm, res.localRank)
		conn.ProxyAppendPtr = &peer.Send.ProxyAppend[res.channelID]

		if useSharedComms(comm, res.maxRecvs) {
			// Connect or reuse the endpoint for this NIC and remote rank.
			comms := ps.NetCommsFor(res.netDev, res.remoteRank, comm.NRanks)
			if comms.SendComm[res.channelID] == nil {
				sc, err := comm.Net.Connect(res.netDev, reqBuff)
				if err != nil {
					return nil, false, errNetwork("connect", err)
				}
				comms.SendComm[res.channelID] = sc
			}
			res.netSendComm = comms.SendComm[res.channelID]
			if comms.SendComm[res.channelID] != nil {
				comms.SendRefCount[res.channelID]++
			}
		} else {
			sc, err := comm.Net.Connect(res.netDev, reqBuff)
			if err != nil {
				return nil, false, errNetwork("connect", err)
			}
			res.netSendComm = sc
		}
	} else {
		sc, err := comm.Net.Connect(res.netDev, reqBuff)
		if err != nil {
			return nil, false, errNetwork("connect", err)
		}
		res.netSendComm = sc
		conn.ProxyAppendPtr = &conn.ProxyAppend
	}

	if res.netSendComm == nil {
		// Establishment still in flight; the framework polls again.
		return nil, false, nil
	}

	cmap := &res.cmap
	cmap.sameProcess = comm.SameProcess(res.rank)
	cmap.shared = res.shared
	cmap.cudaDev = comm.Dev.CudaDev()

	if !res.shared {
		// Dedicated per-channel staging for ring/tree operation.
		for p := 0; p < transport.NumProtocols; p++ {
			cmap.addPointer(false, p != transport.ProtoLL && res.useGdr, comm.BuffSizes[p], &cmap.offBuffs[p])
			res.buffSizes[p] = comm.BuffSizes[p]
		}
	} else {
		bank := bankSharedHost
		if res.useGdr {
			bank = bankSharedDev
		}
		mapMem := &cmap.mems[bank]
		cpuPtr, gpuPtr, size, ipc, err := sharedBuffersInit(comm, res.useGdr, res.localRank, false, cmap.sameProcess, comm.P2pNChannels)
		if err != nil {
			return nil, false, err
		}
		mapMem.cpuPtr, mapMem.gpuPtr, mapMem.size, mapMem.ipc = cpuPtr, gpuPtr, size, ipc
		res.buffSizes[transport.ProtoSimple] = size

		if comm.AllocP2pNetLLBuffers {
			cmap.addPointer(false, false, comm.BuffSizes[transport.ProtoLL], &cmap.offBuffs[transport.ProtoLL])
			res.buffSizes[transport.ProtoLL] = comm.BuffSizes[transport.ProtoLL]
		}

		cmap.addPointer(true, res.useGdr, mapMem.size, &cmap.offBuffs[transport.ProtoSimple])
	}

	cmap.addPointer(false, false, transport.SendMemSize, &cmap.offSendMem)
	cmap.addPointer(false, false, transport.RecvMemSize, &cmap.offRecvMem)

	if dmem := &cmap.mems[bankDev]; dmem.size > 0 {
		if !res.shared {
			if !cmap.sameProcess {
				alignSize(&dmem.size, cudaIpcMinSize)
			}
			p, err := comm.Dev.AllocDevice(dmem.size)
			if err != nil {
				return nil, false, errDevice("alloc dev bank", err)
			}
			dmem.gpuPtr, dmem.cpuPtr = p, p
		}
		if !cmap.sameProcess {
			ipc, err := comm.Dev.IpcGetHandle(dmem.gpuPtr)
			if err != nil {
				return nil, false, errDevice("export dev bank", err)
			}
			dmem.ipc = ipc
		}
	}
	hostMem := &cmap.mems[bankHost]
	if cmap.sameProcess {
		p, err := comm.Dev.AllocHost(hostMem.size)
		if err != nil {
			return nil, false, errSystem("alloc host bank", err)
		}
		hostMem.cpuPtr, hostMem.gpuPtr = p, p
	} else {
		seg, err := shmem.Create("", hostMem.size)
		if err != nil {
			return nil, false, errSystem("create host segment", err)
		}
		hostMem.createSeg = seg
		hostMem.shmPath = seg.Path
		hostMem.cpuPtr = seg.Data()
	}
	if comm.Gdr != nil && cmap.sameProcess && comm.Params.GdrCopySyncEnable {
		cpuPtr, gpuPtr, desc, err := comm.Gdr.Alloc(1)
		if err != nil {
			return nil, false, errDevice("gdr alloc", err)
		}
		res.gdrDesc = desc
		res.gdcSync = (*uint64)(cpuPtr)
		gdcMem := &cmap.mems[bankGdc]
		gdcMem.cpuPtr = cpuPtr
		gdcMem.gpuPtr = gpuPtr
		gdcMem.size = 8 // sendMem.head
	}

	res.sendMem = transport.SendMemAt(cmap.getPointer(cmap.offSendMem, false))
	res.recvMem = transport.RecvMemAt(cmap.getPointer(cmap.offRecvMem, false))

	// Don't give credits yet in shared mode.
	if cmap.shared {
		var zero uint64
		res.sendMem.SetHead(zero - uint64(transport.Steps))
	} else {
		res.sendMem.SetHead(0)
	}
	for i := 0; i < transport.Steps; i++ {
		res.recvMem.SetSize(i, -1)
	}

	if err := registerBuffers(comm, cmap, res.netSendComm, res.useDmaBuf, &res.buffers, &res.buffSizes, &res.mhandles); err != nil {
		return nil, false, err
	}

	if respSize != mapWireSize {
		return nil, false, errInvalidArgument("connect response size mismatch: have %d want %d", respSize, mapWireSize)
	}
	return cmap.marshal(), true, nil
}

func recvProxyConnect(conn *transport.ProxyConnection, comm *transport.Comm, reqBuff []byte, respSize int) ([]byte, bool, error) {
	res, ok := conn.Resources.(*recvResources)
	if !ok {
		return nil, false, errInternal("recv connect without setup")
	}
	if len(reqBuff) != 4 {
		return nil, false, errInvalidArgument("recv connect request size mismatch: have %d want 4", len(reqBuff))
	}
	res.proxyRank = int(int32(binary.LittleEndian.Uint32(reqBuff)))

	ps := &comm.ProgressState
	if res.shared {
		peer := ensureLocalPeer(comm, res.localRank)
		conn.ProxyAppendPtr = &peer.Recv.ProxyAppend[res.channelID]

		if useSharedComms(comm, res.maxRecvs) {
			comms := ps.NetCommsFor(res.netDev, res.proxyRank, comm.NRanks)
			if comms.RecvComm[res.channelID] == nil {
				rc, err := comm.Net.Accept(res.netListenComm)
				if err != nil {
					return nil, false, errNetwork("accept", err)
				}
				comms.RecvComm[res.channelID] = rc
			}
			res.netRecvComm = comms.RecvComm[res.channelID]
			if comms.RecvComm[res.channelID] != nil {
				comms.RecvRefCount[res.channelID]++
			}
		} else {
			rc, err := comm.Net.Accept(res.netListenComm)
			if err != nil {
				return nil, false, errNetwork("accept", err)
			}
			res.netRecvComm = rc
		}
	} else {
		rc, err := comm.Net.Accept(res.netListenComm)
		if err != nil {
			return nil, false, errNetwork("accept", err)
		}
		res.netRecvComm = rc
		conn.ProxyAppendPtr = &conn.ProxyAppend
	}

	if res.netRecvComm == nil {
		return nil, false, nil
	}
	if err := comm.Net.CloseListen(res.netListenComm); err != nil {
		return nil, false, errNetwork("closeListen", err)
	}
	res.netListenComm = nil

	cmap := &res.cmap
	cmap.sameProcess = comm.SameProcess(res.rank)
	if !cmap.sameProcess {
		// Remote proxies are unsupported on the receive side.
		return nil, false, errInternal("recv proxy must run in the GPU owner process")
	}
	cmap.shared = res.shared
	cmap.cudaDev = comm.Dev.CudaDev()

	if !res.shared {
		for p := 0; p < transport.NumProtocols; p++ {
			cmap.addPointer(false, res.useGdr, comm.BuffSizes[p], &cmap.offBuffs[p])
			res.buffSizes[p] = comm.BuffSizes[p]
		}
	} else {
		bank := bankSharedHost
		if res.useGdr {
			bank = bankSharedDev
		}
		mapMem := &cmap.mems[bank]
		cpuPtr, gpuPtr, size, _, err := sharedBuffersInit(comm, res.useGdr, res.localRank, true, true, comm.P2pNChannels)
		if err != nil {
			return nil, false, err
		}
		mapMem.cpuPtr, mapMem.gpuPtr, mapMem.size = cpuPtr, gpuPtr, size
		res.buffSizes[transport.ProtoSimple] = size
		cmap.addPointer(true, res.useGdr, mapMem.size, &cmap.offBuffs[transport.ProtoSimple])
	}

	cmap.addPointer(false, false, transport.SendMemSize, &cmap.offSendMem)
	cmap.addPointer(false, false, transport.RecvMemSize, &cmap.offRecvMem)

	if comm.AllocP2pNetLLBuffers {
		cmap.addPointer(false, false, comm.BuffSizes[transport.ProtoLL], &cmap.offBuffs[transport.ProtoLL])
		res.buffSizes[transport.ProtoLL] = comm.BuffSizes[transport.ProtoLL]
	}

	if dmem := &cmap.mems[bankDev]; dmem.size > 0 && !res.shared {
		p, err := comm.Dev.AllocDevice(dmem.size)
		if err != nil {
			return nil, false, errDevice("alloc dev bank", err)
		}
		dmem.gpuPtr, dmem.cpuPtr = p, p
	}
	hostMem := &cmap.mems[bankHost]
	p, err := comm.Dev.AllocHost(hostMem.size)
	if err != nil {
		return nil, false, errSystem("alloc host bank", err)
	}
	hostMem.cpuPtr, hostMem.gpuPtr = p, p

	if comm.Gdr != nil && cmap.sameProcess {
		cpuPtr, gpuPtr, desc, err := comm.Gdr.Alloc(2)
		if err != nil {
			return nil, false, errDevice("gdr alloc", err)
		}
		res.gdrDesc = desc
		if comm.Params.GdrCopySyncEnable {
			res.gdcSync = (*uint64)(cpuPtr)
			gdcMem := &cmap.mems[bankGdc]
			gdcMem.cpuPtr = cpuPtr
			gdcMem.gpuPtr = gpuPtr
			gdcMem.size = 8
		}
		if comm.Params.GdrCopyFlushEnable {
			res.gdcFlush = (*uint64)(unsafe.Add(cpuPtr, 8))
		}
	}

	res.sendMem = transport.SendMemAt(cmap.getPointer(cmap.offSendMem, false))
	res.recvMem = transport.RecvMemAt(cmap.getPointer(cmap.offRecvMem, false))

	if err := registerBuffers(comm, cmap, res.netRecvComm, res.useDmaBuf, &res.buffers, &res.buffSizes, &res.mhandles); err != nil {
		return nil, false, err
	}

	if respSize != mapWireSize {
		return nil, false, errInvalidArgument("connect response size mismatch: have %d want %d", respSize, mapWireSize)
	}
	return cmap.marshal(), true, nil
}

func sendProxyFree(conn *transport.ProxyConnection, comm *transport.Comm) error {
	res, _ := conn.Resources.(*sendResources)
	if conn.State == transport.ConnSharedInitialized { // NVB preconnect
		return sharedBuffersDestroy(comm, conn.LocalRank, false)
	}
	if conn.State != transport.ConnConnected || res == nil {
		return nil
	}

	for p := 0; p < transport.NumProtocols; p++ {
		if res.buffers[p] != nil {
			if err := comm.Net.DeregMr(res.netSendComm, res.mhandles[p]); err != nil {
				return errNetwork("deregMr", err)
			}
		}
	}
	mems := &res.cmap.mems
	if res.cmap.sameProcess {
		if err := comm.Dev.FreeHost(mems[bankHost].cpuPtr); err != nil {
			return errSystem("free host bank", err)
		}
	} else if mems[bankHost].createSeg != nil {
		if err := mems[bankHost].createSeg.Close(); err != nil {
			return errSystem("close host segment", err)
		}
	}
	if mems[bankDev].cpuPtr != nil {
		if err := comm.Dev.FreeDevice(mems[bankDev].cpuPtr); err != nil {
			return errDevice("free dev bank", err)
		}
	}
	if mems[bankGdc].cpuPtr != nil {
		if err := comm.Gdr.Free(res.gdrDesc); err != nil {
			return errDevice("gdr free", err)
		}
	}
	if res.shared {
		if err := sharedBuffersDestroy(comm, res.localRank, false); err != nil {
			return err
		}
		if useSharedComms(comm, res.maxRecvs) {
			comms := comm.ProgressState.NetCommsFor(res.netDev, res.remoteRank, comm.NRanks)
			comms.SendRefCount[res.channelID]--
			if comms.SendRefCount[res.channelID] == 0 {
				if err := comm.Net.CloseSend(comms.SendComm[res.channelID]); err != nil {
					return errNetwork("closeSend", err)
				}
				comms.SendComm[res.channelID] = nil
			}
		} else if err := comm.Net.CloseSend(res.netSendComm); err != nil {
			return errNetwork("closeSend", err)
		}
	} else if err := comm.Net.CloseSend(res.netSendComm); err != nil {
		return errNetwork("closeSend", err)
	}

	conn.Resources = nil
	return nil
}

func recvProxyFree(conn *transport.ProxyConnection, comm *transport.Comm) error {
	res, _ := conn.Resources.(*recvResources)
	if conn.State == transport.ConnSharedInitialized { // NVB preconnect
		return sharedBuffersDestroy(comm, conn.LocalRank, true)
	}
	if conn.State != transport.ConnConnected || res == nil {
		return nil
	}

	for p := 0; p < transport.NumProtocols; p++ {
		if res.buffers[p] != nil {
			if err := comm.Net.DeregMr(res.netRecvComm, res.mhandles[p]); err != nil {
				return errNetwork("deregMr", err)
			}
		}
	}
	mems := &res.cmap.mems
	if err := comm.Dev.FreeHost(mems[bankHost].cpuPtr); err != nil {
		return errSystem("free host bank", err)
	}
	if mems[bankDev].cpuPtr != nil {
		if err := comm.Dev.FreeDevice(mems[bankDev].cpuPtr); err != nil {
			return errDevice("free dev bank", err)
		}
	}
	if mems[bankGdc].cpuPtr != nil {
		if err := comm.Gdr.Free(res.gdrDesc); err != nil {
			return errDevice("gdr free", err)
		}
	}
	if res.shared {
		if err := sharedBuffersDestroy(comm, res.localRank, true); err != nil {
			return err
		}
		if useSharedComms(comm, res.maxRecvs) {
			comms := comm.ProgressState.NetCommsFor(res.netDev, res.proxyRank, comm.NRanks)
			comms.RecvRefCount[res.channelID]--
			if comms.RecvRefCount[res.channelID] == 0 {
				if err := comm.Net.CloseRecv(comms.RecvComm[res.channelID]); err != nil {
					return errNetwork("closeRecv", err)
				}
				comms.RecvComm[res.channelID] = nil
			}
		} else if err := comm.Net.CloseRecv(res.netRecvComm); err != nil {
			return errNetwork("closeRecv", err)
		}
	} else if err := comm.Net.CloseRecv(res.netRecvComm); err != nil {
		return errNetwork("closeRecv", err)
	}

	conn.Resources = nil
	return nil
}
