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

	"github.com/P2Enjoy/nccl/internal/transport"
)

// groupedEnv builds three shared connections multiplexed over one
// provider endpoint pair (maxRecvs = 3), with GDR receive and a flush
// requirement.
func groupedEnv(t *testing.T) (*testEnv, []*transport.Connector, []*transport.Connector) {
	opts := defaultEnvOptions()
	opts.maxRecvs = 3
	opts.topo.gdrRecv = true
	opts.topo.gdrSend = true
	opts.topo.needFlush = true
	e := newTestEnv(t, opts)

	var sends, recvs []*transport.Connector
	for ci := 0; ci < 3; ci++ {
		s, r := e.connectPair(nil, 0, ci)
		sends = append(sends, s)
		recvs = append(recvs, r)
	}
	return e, sends, recvs
}

// TestGroupedRecvBatchesIrecv drives three grouped subs end to end: one
// irecv per round covers all three, and one iflush per completed round.
func TestGroupedRecvBatchesIrecv(t *testing.T) {
	e, sends, recvs := groupedEnv(t)
	stepSize := e.opts.stepSize

	const nsteps = 4
	sendArgs := newArgs(transport.ProtoSimple, nsteps, 1, 1, stepSize, sends...)
	recvArgs := newArgs(transport.ProtoSimple, nsteps, 1, 1, stepSize, recvs...)
	// All three connections ride channel 0.
	for i := range sendArgs.Subs {
		sendArgs.Subs[i].ChannelID = 0
		recvArgs.Subs[i].ChannelID = 0
	}

	var sks []*sendKernel
	var rks []*recvKernel
	for i := 0; i < 3; i++ {
		sks = append(sks, &sendKernel{conn: sends[i], stepSize: stepSize, payload: stepSize, nsteps: nsteps})
		rks = append(rks, &recvKernel{conn: recvs[i]})
	}

	runPipeline(t, e, e.sendProgressComm(sends[0]), e.comms[1], sendArgs, recvArgs, sks, rks)

	for s := range recvArgs.Subs {
		if recvArgs.Subs[s].GroupSize != 3 {
			t.Fatalf("sub %d: group size = %d, want 3", s, recvArgs.Subs[s].GroupSize)
		}
	}
	stats := e.prov.Stats()
	if stats.Irecvs != nsteps {
		t.Fatalf("irecv count = %d, want %d (one batched post per round)", stats.Irecvs, nsteps)
	}
	if stats.Iflushes != nsteps {
		t.Fatalf("iflush count = %d, want %d (one flush covering the group per round)", stats.Iflushes, nsteps)
	}
	if stats.Isends != 3*nsteps {
		t.Fatalf("isend count = %d, want %d", stats.Isends, 3*nsteps)
	}
}

// TestRecvStagedFairness verifies the one-stage-per-call discipline and
// that the tail is not published before the flush completes.
func TestRecvStagedFairness(t *testing.T) {
	e, sends, recvs := groupedEnv(t)
	stepSize := e.opts.stepSize

	const nsteps = 1
	sendArgs := newArgs(transport.ProtoSimple, nsteps, 1, 1, stepSize, sends...)
	recvArgs := newArgs(transport.ProtoSimple, nsteps, 1, 1, stepSize, recvs...)
	for i := range sendArgs.Subs {
		sendArgs.Subs[i].ChannelID = 0
		recvArgs.Subs[i].ChannelID = 0
	}

	recvComm := e.comms[1]
	sendComm := e.sendProgressComm(sends[0])

	// First call posts the batched receive and returns: posted advances,
	// received does not.
	if err := recvProxyProgress(recvComm, recvArgs); err != nil {
		t.Fatalf("recv progress failed: %v", err)
	}
	for s := range recvArgs.Subs {
		if recvArgs.Subs[s].Posted != 1 || recvArgs.Subs[s].Received != 0 {
			t.Fatalf("sub %d: posted=%d received=%d after post pass, want 1 and 0",
				s, recvArgs.Subs[s].Posted, recvArgs.Subs[s].Received)
		}
	}

	// Feed the senders until all three transmits are on the wire.
	sks := []*sendKernel{
		{conn: sends[0], stepSize: stepSize, payload: stepSize, nsteps: nsteps},
		{conn: sends[1], stepSize: stepSize, payload: stepSize, nsteps: nsteps},
		{conn: sends[2], stepSize: stepSize, payload: stepSize, nsteps: nsteps},
	}
	for i := 0; i < 1<<10 && e.prov.Stats().Isends < 3; i++ {
		for _, k := range sks {
			k.pump()
		}
		if err := sendProxyProgress(sendComm, sendArgs); err != nil {
			t.Fatalf("send progress failed: %v", err)
		}
	}
	if e.prov.Stats().Isends != 3 {
		t.Fatalf("isend count = %d, want 3", e.prov.Stats().Isends)
	}

	// Completion pass: the receive tests done, the flush is posted, and
	// the call returns before the tail moves.
	if err := recvProxyProgress(recvComm, recvArgs); err != nil {
		t.Fatalf("recv progress failed: %v", err)
	}
	if e.prov.Stats().Iflushes != 1 {
		t.Fatalf("iflush count = %d, want 1", e.prov.Stats().Iflushes)
	}
	for s := range recvArgs.Subs {
		sub := &recvArgs.Subs[s]
		if sub.Received != 1 || sub.Transmitted != 0 {
			t.Fatalf("sub %d: received=%d transmitted=%d after flush pass, want 1 and 0",
				s, sub.Received, sub.Transmitted)
		}
		res := sub.Conn.Resources.(*recvResources)
		if tail := res.recvMem.Tail(); tail != 0 {
			t.Fatalf("sub %d: tail published before flush confirmed (tail=%d)", s, tail)
		}
	}

	// Flush confirmation publishes the tail.
	if err := recvProxyProgress(recvComm, recvArgs); err != nil {
		t.Fatalf("recv progress failed: %v", err)
	}
	for s := range recvArgs.Subs {
		sub := &recvArgs.Subs[s]
		res := sub.Conn.Resources.(*recvResources)
		if sub.Transmitted != 1 || res.recvMem.Tail() != 1 {
			t.Fatalf("sub %d: transmitted=%d tail=%d after confirm pass, want 1 and 1",
				s, sub.Transmitted, res.recvMem.Tail())
		}
	}

	// The kernel consumes; the final pass retires the batch.
	for s := range recvArgs.Subs {
		res := recvArgs.Subs[s].Conn.Resources.(*recvResources)
		res.sendMem.SetHead(1)
	}
	if err := recvProxyProgress(recvComm, recvArgs); err != nil {
		t.Fatalf("recv progress failed: %v", err)
	}
	if recvArgs.State != transport.OpNone {
		t.Fatalf("batch not retired: state=%d done=%d", recvArgs.State, recvArgs.Done)
	}
	for s := range recvArgs.Subs {
		res := recvArgs.Subs[s].Conn.Resources.(*recvResources)
		if res.step != 1 {
			t.Fatalf("sub %d: persisted step = %d, want 1", s, res.step)
		}
	}
}

// TestRecvWindowStallsWholeGroup verifies that one sub exceeding the
// posting window holds back the whole group's irecv.
func TestRecvWindowStallsWholeGroup(t *testing.T) {
	e, _, recvs := groupedEnv(t)
	stepSize := e.opts.stepSize

	const nsteps = 8
	recvArgs := newArgs(transport.ProtoSimple, nsteps, 1, 1, stepSize, recvs...)
	for i := range recvArgs.Subs {
		recvArgs.Subs[i].ChannelID = 0
	}
	recvComm := e.comms[1]

	// maxDepth = min(Steps, SharedSteps/3) = 5: after five unacknowledged
	// rounds the group must stop posting.
	for i := 0; i < 16; i++ {
		if err := recvProxyProgress(recvComm, recvArgs); err != nil {
			t.Fatalf("recv progress failed: %v", err)
		}
	}
	want := maxDepth(3)
	for s := range recvArgs.Subs {
		if got := recvArgs.Subs[s].Posted; got != want {
			t.Fatalf("sub %d: posted=%d with no completions, want %d", s, got, want)
		}
	}
	if got := e.prov.Stats().Irecvs; got != int(want) {
		t.Fatalf("irecv count = %d, want %d", got, want)
	}
}
