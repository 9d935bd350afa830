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

// Package socket is the reference TCP network provider. Each connection
// is one TCP stream carrying length-and-tag framed messages; sends and
// receives match by tag in posting order. Host pointers only, no
// multi-recv batching.
package socket

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/P2Enjoy/nccl/internal/provider"
)

const frameHeaderSize = 8 // int32 tag, int32 size

// Provider sends collective payloads over TCP.
type Provider struct {
	devs int
}

// New builds a socket provider presenting devs logical devices, all
// backed by the loopback interface.
func New(devs int) *Provider { return &Provider{devs: devs} }

func (p *Provider) Name() string { return "Socket" }

func (p *Provider) Devices() (int, error) { return p.devs, nil }

func (p *Provider) GetProperties(dev int) (provider.Properties, error) {
	if dev < 0 || dev >= p.devs {
		return provider.Properties{}, fmt.Errorf("socket: no device %d", dev)
	}
	return provider.Properties{
		Name:       fmt.Sprintf("sock%d", dev),
		PtrSupport: provider.PtrHost,
		Speed:      10000,
		MaxComms:   65536,
		MaxRecvs:   1,
	}, nil
}

type listenComm struct {
	ln     net.Listener
	connCh chan net.Conn
	closed atomic.Bool
}

func (p *Provider) Listen(dev int) ([]byte, provider.ListenComm, error) {
	if dev < 0 || dev >= p.devs {
		return nil, nil, fmt.Errorf("socket: no device %d", dev)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("socket: listen: %w", err)
	}
	lc := &listenComm{ln: ln, connCh: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			lc.connCh <- c
		}
	}()

	addr := ln.Addr().String()
	handle := make([]byte, 2+len(addr))
	binary.LittleEndian.PutUint16(handle, uint16(len(addr)))
	copy(handle[2:], addr)
	return handle, lc, nil
}

func (p *Provider) Connect(dev int, handle []byte) (provider.SendComm, error) {
	if len(handle) < 2 {
		return nil, fmt.Errorf("socket: short handle")
	}
	n := int(binary.LittleEndian.Uint16(handle))
	if len(handle) < 2+n {
		return nil, fmt.Errorf("socket: truncated handle")
	}
	addr := string(handle[2 : 2+n])
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", addr, err)
	}
	sc := &sendComm{conn: c, queue: make(chan *sendReq, 64)}
	go sc.writer()
	return sc, nil
}

func (p *Provider) Accept(lc provider.ListenComm) (provider.RecvComm, error) {
	l, ok := lc.(*listenComm)
	if !ok {
		return nil, fmt.Errorf("socket: bad listen comm")
	}
	select {
	case c := <-l.connCh:
		rc := &recvComm{conn: c}
		rc.cond = sync.NewCond(&rc.mu)
		go rc.reader()
		return rc, nil
	default:
		return nil, nil
	}
}

type sendComm struct {
	conn  net.Conn
	queue chan *sendReq
	err   atomic.Value // error
}

type sendReq struct {
	data []byte
	tag  int
	done atomic.Bool
}

func (sc *sendComm) writer() {
	hdr := make([]byte, frameHeaderSize)
	for req := range sc.queue {
		binary.LittleEndian.PutUint32(hdr[0:], uint32(int32(req.tag)))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(int32(len(req.data))))
		if _, err := sc.conn.Write(hdr); err != nil {
			sc.err.Store(err)
			return
		}
		if _, err := sc.conn.Write(req.data); err != nil {
			sc.err.Store(err)
			return
		}
		req.done.Store(true)
	}
}

type recvComm struct {
	conn net.Conn
	mu   sync.Mutex
	cond *sync.Cond
	// posted receives awaiting a frame, in posting order
	posted []*recvReq
	err    error
}

type recvReq struct {
	buf   []byte
	tag   int
	size  int
	done  atomic.Bool
	owner *recvComm
}

// reader pumps frames off the stream into posted buffers. A frame waits
// until a matching buffer is posted; TCP back-pressure holds the sender.
func (rc *recvComm) reader() {
	hdr := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(rc.conn, hdr); err != nil {
			rc.fail(err)
			return
		}
		tag := int(int32(binary.LittleEndian.Uint32(hdr[0:])))
		size := int(int32(binary.LittleEndian.Uint32(hdr[4:])))

		req := rc.waitMatch(tag)
		if req == nil {
			return // comm closed
		}
		if size > len(req.buf) {
			rc.fail(fmt.Errorf("socket: frame of %d bytes exceeds posted buffer of %d", size, len(req.buf)))
			return
		}
		if _, err := io.ReadFull(rc.conn, req.buf[:size]); err != nil {
			rc.fail(err)
			return
		}
		req.size = size
		req.done.Store(true)
	}
}

// waitMatch blocks until a posted receive with the frame's tag exists.
func (rc *recvComm) waitMatch(tag int) *recvReq {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for {
		for i, req := range rc.posted {
			if req.tag == tag {
				rc.posted = append(rc.posted[:i], rc.posted[i+1:]...)
				return req
			}
		}
		if rc.err != nil {
			return nil
		}
		rc.cond.Wait()
	}
}

func (rc *recvComm) fail(err error) {
	rc.mu.Lock()
	if rc.err == nil {
		rc.err = err
	}
	rc.cond.Broadcast()
	rc.mu.Unlock()
}

type flushReq struct{}

type memHandle struct {
	ptr  unsafe.Pointer
	size int
}

func (p *Provider) RegMr(comm interface{}, ptr unsafe.Pointer, size int, typ int) (provider.MemHandle, error) {
	if typ != provider.PtrHost {
		return nil, fmt.Errorf("socket: only host memory can be registered")
	}
	return &memHandle{ptr: ptr, size: size}, nil
}

func (p *Provider) RegMrDmaBuf(comm interface{}, ptr unsafe.Pointer, size int, typ int, offset uint64, fd int) (provider.MemHandle, error) {
	return nil, fmt.Errorf("socket: dma-buf registration not supported")
}

func (p *Provider) DeregMr(comm interface{}, mh provider.MemHandle) error { return nil }

func (p *Provider) Isend(sc provider.SendComm, data []byte, tag int, mh provider.MemHandle) (provider.Request, error) {
	s, ok := sc.(*sendComm)
	if !ok {
		return nil, fmt.Errorf("socket: bad send comm")
	}
	if err, _ := s.err.Load().(error); err != nil {
		return nil, err
	}
	req := &sendReq{data: data, tag: tag}
	select {
	case s.queue <- req:
		return req, nil
	default:
		return nil, nil // writer saturated; retry later
	}
}

func (p *Provider) Irecv(rc provider.RecvComm, data [][]byte, tags []int, mhs []provider.MemHandle) (provider.Request, error) {
	r, ok := rc.(*recvComm)
	if !ok {
		return nil, fmt.Errorf("socket: bad recv comm")
	}
	if len(data) != 1 {
		return nil, fmt.Errorf("socket: irecv batch of %d exceeds maxRecvs 1", len(data))
	}
	req := &recvReq{buf: data[0], tag: tags[0], owner: r}
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.posted = append(r.posted, req)
	r.cond.Broadcast()
	r.mu.Unlock()
	return req, nil
}

func (p *Provider) Iflush(rc provider.RecvComm, data [][]byte, mhs []provider.MemHandle) (provider.Request, error) {
	// TCP delivery lands in host memory; nothing to flush.
	return &flushReq{}, nil
}

func (p *Provider) Test(r provider.Request) (bool, []int, error) {
	switch req := r.(type) {
	case *sendReq:
		return req.done.Load(), nil, nil
	case *recvReq:
		if req.done.Load() {
			return true, []int{req.size}, nil
		}
		req.owner.mu.Lock()
		err := req.owner.err
		req.owner.mu.Unlock()
		if err != nil {
			return false, nil, err
		}
		return false, nil, nil
	case *flushReq:
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("socket: test of foreign request")
}

func (p *Provider) CloseSend(sc provider.SendComm) error {
	s, ok := sc.(*sendComm)
	if !ok {
		return fmt.Errorf("socket: bad send comm")
	}
	close(s.queue)
	return s.conn.Close()
}

func (p *Provider) CloseRecv(rc provider.RecvComm) error {
	r, ok := rc.(*recvComm)
	if !ok {
		return fmt.Errorf("socket: bad recv comm")
	}
	r.fail(io.EOF)
	return r.conn.Close()
}

func (p *Provider) CloseListen(lc provider.ListenComm) error {
	l, ok := lc.(*listenComm)
	if !ok {
		return fmt.Errorf("socket: bad listen comm")
	}
	if l.closed.CompareAndSwap(false, true) {
		return l.ln.Close()
	}
	return nil
}
