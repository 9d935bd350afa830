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

package socket

import (
	"bytes"
	"runtime"
	"testing"
	"time"

	"github.com/P2Enjoy/nccl/internal/provider"
)

func connectPair(t *testing.T, p *Provider) (provider.SendComm, provider.RecvComm, provider.ListenComm) {
	t.Helper()
	handle, lc, err := p.Listen(0)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	sc, err := p.Connect(0, handle)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	var rc provider.RecvComm
	deadline := time.Now().Add(5 * time.Second)
	for rc == nil {
		if time.Now().After(deadline) {
			t.Fatal("accept timed out")
		}
		rc, err = p.Accept(lc)
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		runtime.Gosched()
	}
	return sc, rc, lc
}

func waitDone(t *testing.T, p *Provider, req provider.Request) []int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		done, sizes, err := p.Test(req)
		if err != nil {
			t.Fatalf("test failed: %v", err)
		}
		if done {
			return sizes
		}
		if time.Now().After(deadline) {
			t.Fatal("request did not complete")
		}
		runtime.Gosched()
	}
}

func TestRoundTrip(t *testing.T) {
	p := New(1)
	sc, rc, lc := connectPair(t, p)
	defer p.CloseListen(lc)
	defer p.CloseRecv(rc)
	defer p.CloseSend(sc)

	payload := []byte("framed over tcp")
	buf := make([]byte, 64)
	rreq, err := p.Irecv(rc, [][]byte{buf}, []int{7}, []provider.MemHandle{nil})
	if err != nil {
		t.Fatalf("irecv failed: %v", err)
	}
	sreq, err := p.Isend(sc, payload, 7, nil)
	if err != nil {
		t.Fatalf("isend failed: %v", err)
	}
	if sreq == nil {
		t.Fatal("isend refused with empty queue")
	}

	sizes := waitDone(t, p, rreq)
	if sizes[0] != len(payload) || !bytes.Equal(buf[:sizes[0]], payload) {
		t.Fatalf("received %q, want %q", buf[:sizes[0]], payload)
	}
	waitDone(t, p, sreq)
}

func TestTagOrdering(t *testing.T) {
	p := New(1)
	sc, rc, lc := connectPair(t, p)
	defer p.CloseListen(lc)
	defer p.CloseRecv(rc)
	defer p.CloseSend(sc)

	// Post the receive for the second message first: the reader must
	// hold the first frame until its buffer shows up.
	bufB := make([]byte, 8)
	reqB, err := p.Irecv(rc, [][]byte{bufB}, []int{2}, []provider.MemHandle{nil})
	if err != nil {
		t.Fatalf("irecv failed: %v", err)
	}
	if _, err := p.Isend(sc, []byte{0xAA}, 1, nil); err != nil {
		t.Fatalf("isend failed: %v", err)
	}
	if _, err := p.Isend(sc, []byte{0xBB}, 2, nil); err != nil {
		t.Fatalf("isend failed: %v", err)
	}

	// The tag-1 frame is at the head of the stream; nothing completes
	// until its buffer is posted.
	time.Sleep(10 * time.Millisecond)
	if done, _, _ := p.Test(reqB); done {
		t.Fatal("tag-2 receive completed past an unconsumed tag-1 frame")
	}

	bufA := make([]byte, 8)
	reqA, err := p.Irecv(rc, [][]byte{bufA}, []int{1}, []provider.MemHandle{nil})
	if err != nil {
		t.Fatalf("irecv failed: %v", err)
	}
	waitDone(t, p, reqA)
	waitDone(t, p, reqB)
	if bufA[0] != 0xAA || bufB[0] != 0xBB {
		t.Fatalf("tag routing broken: a=%x b=%x", bufA[0], bufB[0])
	}
}

func TestFlushCompletesImmediately(t *testing.T) {
	p := New(1)
	sc, rc, lc := connectPair(t, p)
	defer p.CloseListen(lc)
	defer p.CloseRecv(rc)
	defer p.CloseSend(sc)

	req, err := p.Iflush(rc, nil, nil)
	if err != nil {
		t.Fatalf("iflush failed: %v", err)
	}
	done, _, err := p.Test(req)
	if err != nil || !done {
		t.Fatalf("flush not immediately done: done=%v err=%v", done, err)
	}
}
