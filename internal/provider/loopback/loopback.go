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

// Package loopback is an in-memory network provider. Sends and receives
// rendezvous through shared queues and complete by memcpy, which makes
// the full transport lifecycle runnable inside one process. The bench
// binary and the transport tests run on it.
package loopback

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/provider"
)

const handleSize = 8

// Stats counts provider calls, for tests and diagnostics.
type Stats struct {
	Connects   int
	Accepts    int
	Isends     int
	Irecvs     int
	Iflushes   int
	CloseSends int
	CloseRecvs int
	SendSizes  []int
}

// Provider is an in-memory provider.
type Provider struct {
	mu        sync.Mutex
	devs      int
	maxRecvs  int
	seq       uint64
	listeners map[uint64]*listener
	stats     Stats

	// SendRefusals makes the next N Isend calls return a nil request.
	SendRefusals int
}

// New builds a loopback provider with the given device count and
// multi-recv capability.
func New(devs, maxRecvs int) *Provider {
	return &Provider{devs: devs, maxRecvs: maxRecvs, listeners: make(map[uint64]*listener)}
}

func (p *Provider) Name() string { return "Loopback" }

func (p *Provider) Devices() (int, error) { return p.devs, nil }

func (p *Provider) GetProperties(dev int) (provider.Properties, error) {
	if dev < 0 || dev >= p.devs {
		return provider.Properties{}, fmt.Errorf("loopback: no device %d", dev)
	}
	return provider.Properties{
		Name:       fmt.Sprintf("loop%d", dev),
		PtrSupport: provider.PtrHost | provider.PtrCuda,
		Speed:      100000,
		MaxComms:   65536,
		MaxRecvs:   p.maxRecvs,
	}, nil
}

// Stats returns a copy of the call counters.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.SendSizes = append([]int(nil), p.stats.SendSizes...)
	return s
}

type listener struct {
	dev     int
	pending []*conn
	closed  bool
}

// conn is the shared rendezvous state of one send/recv pair.
type conn struct {
	mu    sync.Mutex
	sends []*sendReq
	recvs []*recvReq
}

type sendComm struct{ c *conn }
type recvComm struct{ c *conn }

type sendReq struct {
	data    []byte
	tag     int
	size    int
	matched atomic.Bool
}

type recvReq struct {
	bufs    [][]byte
	tags    []int
	filled  []bool
	sizes   []int
	nfilled atomic.Int32
}

type flushReq struct{}

func (p *Provider) Listen(dev int) ([]byte, provider.ListenComm, error) {
	if dev < 0 || dev >= p.devs {
		return nil, nil, fmt.Errorf("loopback: no device %d", dev)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	key := p.seq
	l := &listener{dev: dev}
	p.listeners[key] = l
	handle := make([]byte, handleSize)
	binary.LittleEndian.PutUint64(handle, key)
	return handle, l, nil
}

func (p *Provider) Connect(dev int, handle []byte) (provider.SendComm, error) {
	if len(handle) < handleSize {
		return nil, fmt.Errorf("loopback: short handle")
	}
	key := binary.LittleEndian.Uint64(handle)
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.listeners[key]
	if !ok || l.closed {
		return nil, fmt.Errorf("loopback: no listener %d", key)
	}
	c := &conn{}
	l.pending = append(l.pending, c)
	p.stats.Connects++
	return &sendComm{c: c}, nil
}

func (p *Provider) Accept(lc provider.ListenComm) (provider.RecvComm, error) {
	l, ok := lc.(*listener)
	if !ok {
		return nil, fmt.Errorf("loopback: bad listen comm")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, nil // no peer yet
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	p.stats.Accepts++
	return &recvComm{c: c}, nil
}

type memHandle struct {
	ptr  unsafe.Pointer
	size int
}

func (p *Provider) RegMr(comm interface{}, ptr unsafe.Pointer, size int, typ int) (provider.MemHandle, error) {
	return &memHandle{ptr: ptr, size: size}, nil
}

func (p *Provider) RegMrDmaBuf(comm interface{}, ptr unsafe.Pointer, size int, typ int, offset uint64, fd int) (provider.MemHandle, error) {
	return &memHandle{ptr: ptr, size: size}, nil
}

func (p *Provider) DeregMr(comm interface{}, mh provider.MemHandle) error { return nil }

// match pairs unmatched sends with posted receive buffers in order.
// Caller holds c.mu.
func match(c *conn) {
	for _, s := range c.sends {
		if s.matched.Load() {
			continue
		}
		for _, r := range c.recvs {
			done := false
			for i := range r.bufs {
				if r.filled[i] || r.tags[i] != s.tag {
					continue
				}
				n := copy(r.bufs[i], s.data)
				r.filled[i] = true
				r.sizes[i] = n
				s.size = n
				r.nfilled.Add(1)
				s.matched.Store(true)
				done = true
				break
			}
			if done {
				break
			}
		}
	}
}

func (p *Provider) Isend(sc provider.SendComm, data []byte, tag int, mh provider.MemHandle) (provider.Request, error) {
	s, ok := sc.(*sendComm)
	if !ok {
		return nil, fmt.Errorf("loopback: bad send comm")
	}
	p.mu.Lock()
	if p.SendRefusals > 0 {
		p.SendRefusals--
		p.mu.Unlock()
		return nil, nil
	}
	p.stats.Isends++
	p.stats.SendSizes = append(p.stats.SendSizes, len(data))
	p.mu.Unlock()

	req := &sendReq{data: data, tag: tag}
	s.c.mu.Lock()
	s.c.sends = append(s.c.sends, req)
	match(s.c)
	s.c.mu.Unlock()
	return req, nil
}

func (p *Provider) Irecv(rc provider.RecvComm, data [][]byte, tags []int, mhs []provider.MemHandle) (provider.Request, error) {
	r, ok := rc.(*recvComm)
	if !ok {
		return nil, fmt.Errorf("loopback: bad recv comm")
	}
	if len(data) > p.maxRecvs {
		return nil, fmt.Errorf("loopback: irecv of %d buffers exceeds maxRecvs %d", len(data), p.maxRecvs)
	}
	p.mu.Lock()
	p.stats.Irecvs++
	p.mu.Unlock()

	req := &recvReq{
		bufs:   data,
		tags:   tags,
		filled: make([]bool, len(data)),
		sizes:  make([]int, len(data)),
	}
	r.c.mu.Lock()
	r.c.recvs = append(r.c.recvs, req)
	match(r.c)
	r.c.mu.Unlock()
	return req, nil
}

func (p *Provider) Iflush(rc provider.RecvComm, data [][]byte, mhs []provider.MemHandle) (provider.Request, error) {
	p.mu.Lock()
	p.stats.Iflushes++
	p.mu.Unlock()
	return &flushReq{}, nil
}

func (p *Provider) Test(r provider.Request) (bool, []int, error) {
	switch req := r.(type) {
	case *sendReq:
		return req.matched.Load(), nil, nil
	case *recvReq:
		if int(req.nfilled.Load()) == len(req.bufs) {
			return true, req.sizes, nil
		}
		return false, nil, nil
	case *flushReq:
		return true, nil, nil
	case nil:
		return false, nil, fmt.Errorf("loopback: test of nil request")
	}
	return false, nil, fmt.Errorf("loopback: test of foreign request")
}

func (p *Provider) CloseSend(sc provider.SendComm) error {
	p.mu.Lock()
	p.stats.CloseSends++
	p.mu.Unlock()
	return nil
}

func (p *Provider) CloseRecv(rc provider.RecvComm) error {
	p.mu.Lock()
	p.stats.CloseRecvs++
	p.mu.Unlock()
	return nil
}

func (p *Provider) CloseListen(lc provider.ListenComm) error {
	if l, ok := lc.(*listener); ok {
		l.closed = true
	}
	return nil
}
