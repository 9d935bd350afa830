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

// Package provider defines the pluggable network provider API consumed by
// the proxy transport. A provider drives one or more NICs and exposes
// nonblocking send/receive/flush primitives over registered memory.
//
// All calls are nonblocking. Connect and Accept return a nil comm while
// connection establishment is still in flight; Isend returns a nil request
// when the provider cannot accept more work; Test polls a request to
// completion. The provider is assumed reliable and in-order per connection.
package provider

import "unsafe"

// Pointer type capabilities reported in Properties.PtrSupport.
const (
	PtrHost   = 1 << 0
	PtrCuda   = 1 << 1
	PtrDmaBuf = 1 << 2
)

// MaxRequests is the number of outstanding requests a comm must support.
// The proxy never keeps more than one request per FIFO slot in flight.
const MaxRequests = 8

// Properties describes one network device.
type Properties struct {
	Name       string
	PciPath    string
	PtrSupport int // bitmask of Ptr* capabilities
	Speed      int // Mbps
	MaxComms   int
	MaxRecvs   int // max buffers a single Irecv may cover
}

// ListenComm is an in-progress listening endpoint returned by Listen.
type ListenComm interface{}

// SendComm is an established send endpoint.
type SendComm interface{}

// RecvComm is an established receive endpoint.
type RecvComm interface{}

// MemHandle is an opaque registered-memory handle.
type MemHandle interface{}

// Request is an in-flight asynchronous operation.
type Request interface{}

// Provider is the pluggable network backend.
type Provider interface {
	Name() string

	// Devices returns the number of network devices this provider drives.
	Devices() (int, error)

	GetProperties(dev int) (Properties, error)

	// Listen opens a listening endpoint on dev and returns an opaque
	// connection handle to be passed to the remote Connect.
	Listen(dev int) (handle []byte, lc ListenComm, err error)

	// Connect establishes a send endpoint towards a remote listen handle.
	// A nil SendComm with a nil error means establishment is still in
	// flight and the call must be retried.
	Connect(dev int, handle []byte) (SendComm, error)

	// Accept completes the receive side of a connection. A nil RecvComm
	// with a nil error means no peer has connected yet.
	Accept(lc ListenComm) (RecvComm, error)

	// RegMr registers a memory region with the NIC. comm is either a
	// SendComm or a RecvComm. typ is PtrHost or PtrCuda.
	RegMr(comm interface{}, ptr unsafe.Pointer, size int, typ int) (MemHandle, error)

	// RegMrDmaBuf registers a device region exported as a DMA-BUF fd.
	RegMrDmaBuf(comm interface{}, ptr unsafe.Pointer, size int, typ int, offset uint64, fd int) (MemHandle, error)

	DeregMr(comm interface{}, mh MemHandle) error

	// Isend posts an asynchronous send. A nil Request with a nil error
	// means the provider refused the operation; retry later.
	Isend(sc SendComm, data []byte, tag int, mh MemHandle) (Request, error)

	// Irecv posts one receive covering len(data) buffers; buffer i matches
	// an incoming send with tags[i]. len(data) must not exceed MaxRecvs.
	Irecv(rc RecvComm, data [][]byte, tags []int, mhs []MemHandle) (Request, error)

	// Iflush forces received data out of NIC/PCIe buffers into the memory
	// regions covered by data before Test reports completion.
	Iflush(rc RecvComm, data [][]byte, mhs []MemHandle) (Request, error)

	// Test polls a request. On completion of a receive request, sizes
	// holds the actual byte count delivered into each buffer.
	Test(r Request) (done bool, sizes []int, err error)

	CloseSend(sc SendComm) error
	CloseRecv(rc RecvComm) error
	CloseListen(lc ListenComm) error
}
