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

	"github.com/P2Enjoy/nccl/internal/transport"
)

// TestGdcSyncWords: with a GDR-copy backend and the sync knob on, the
// head (send side) and tail (recv side) resolve into GDC memory and the
// progress engines publish through it.
func TestGdcSyncWords(t *testing.T) {
	opts := defaultEnvOptions()
	opts.gdrCopy = true
	opts.topo.gdrSend = true
	opts.topo.gdrRecv = true
	opts.params = func(p *transport.Params) {
		p.GdrCopyFlushEnable = true
	}
	e := newTestEnv(t, opts)

	graph := &transport.Graph{ID: 1}
	sendConn, recvConn := e.connectPair(graph, 0, 0)

	sres := sendConn.ProxyConn.Connection.Resources.(*sendResources)
	if sres.gdcSync == nil {
		t.Fatal("send side did not map a GDC sync word")
	}
	if sres.cmap.mems[bankGdc].size != 8 {
		t.Fatalf("send GDC bank size = %d, want 8", sres.cmap.mems[bankGdc].size)
	}
	if sendConn.Conn.Head != (*uint64)(sres.cmap.mems[bankGdc].gpuPtr) {
		t.Fatal("kernel head does not resolve through the GDC bank")
	}

	rres := recvConn.ProxyConn.Connection.Resources.(*recvResources)
	if rres.gdcSync == nil {
		t.Fatal("recv side did not map a GDC sync word")
	}
	if rres.gdcFlush == nil {
		t.Fatal("recv side did not map a GDC flush word")
	}
	if recvConn.Conn.Tail != (*uint64)(rres.cmap.mems[bankGdc].gpuPtr) {
		t.Fatal("kernel tail does not resolve through the GDC bank")
	}
	// The flush word is the second word of the same mapping.
	if unsafe.Pointer(rres.gdcFlush) != unsafe.Add(unsafe.Pointer(rres.gdcSync), 8) {
		t.Fatal("flush word is not adjacent to the sync word")
	}

	// Publications go through the GDC words.
	publishHead(sres, 3)
	if transport.LoadWord(sendConn.Conn.Head) != 3 {
		t.Fatal("head publication not visible through GDC word")
	}
	publishTail(rres, 5)
	if transport.LoadWord(recvConn.Conn.Tail) != 5 {
		t.Fatal("tail publication not visible through GDC word")
	}

	if err := e.proxy.FreeConnector(sendConn); err != nil {
		t.Fatalf("send free failed: %v", err)
	}
	if err := e.proxy.FreeConnector(recvConn); err != nil {
		t.Fatalf("recv free failed: %v", err)
	}
}
