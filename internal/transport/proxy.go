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

package transport

import (
	"fmt"
	"runtime"
)

// ProxyMsg selects a proxy entry point in a ProxyCaller.Call.
type ProxyMsg int

const (
	MsgSharedInit ProxyMsg = iota
	MsgSetup
	MsgConnect
)

// ProxyConn is the kernel side's handle onto one proxy connection. The
// proxy may live in another process (PXN); the caller routes requests to
// it.
type ProxyConn struct {
	Connection *ProxyConnection
	ProxyRank  int
	LocalRank  int
	Send       bool

	caller ProxyCaller
}

// Call sends one setup-time request to the proxy and waits for the
// response body.
func (pc *ProxyConn) Call(msg ProxyMsg, req []byte, respSize int) ([]byte, error) {
	return pc.caller.Call(pc, msg, req, respSize)
}

// ProxyCaller routes setup-time RPCs from the kernel side to the proxy
// thread that owns the connection. The wire mechanics (sockets between
// processes) live outside this package; LocalProxy provides the
// in-process implementation.
type ProxyCaller interface {
	Connect(from *Comm, send bool, proxyRank int) (*ProxyConn, error)
	Call(pc *ProxyConn, msg ProxyMsg, req []byte, respSize int) ([]byte, error)
}

// LocalProxy dispatches proxy RPCs as direct function calls into the
// registered transport ops. It can host several comms (one per rank) so
// tests and single-process launches can exercise remote-proxy paths.
type LocalProxy struct {
	comms map[int]*Comm
	send  ProxyOps
	recv  ProxyOps
}

// NewLocalProxy builds a dispatcher over the given transport ops.
func NewLocalProxy(send, recv ProxyOps) *LocalProxy {
	return &LocalProxy{comms: make(map[int]*Comm), send: send, recv: recv}
}

// NewLocalProxies builds a dispatcher over both sides of a transport.
func NewLocalProxies(t Transport) *LocalProxy {
	return NewLocalProxy(t.Send.ProxyOps, t.Recv.ProxyOps)
}

// Register attaches the comm serving proxy requests for its rank.
func (lp *LocalProxy) Register(comm *Comm) {
	lp.comms[comm.Rank] = comm
}

func (lp *LocalProxy) Connect(from *Comm, send bool, proxyRank int) (*ProxyConn, error) {
	if _, ok := lp.comms[proxyRank]; !ok {
		return nil, fmt.Errorf("proxy: no comm registered for rank %d", proxyRank)
	}
	localRank, err := from.Topo.LocalRank(from.Rank)
	if err != nil {
		return nil, err
	}
	return &ProxyConn{
		Connection: &ProxyConnection{LocalRank: localRank},
		ProxyRank:  proxyRank,
		LocalRank:  localRank,
		Send:       send,
		caller:     lp,
	}, nil
}

// callBudget bounds the polling loop for entry points that report
// done=false (e.g. a provider connect still in flight).
const callBudget = 1 << 20

func (lp *LocalProxy) Call(pc *ProxyConn, msg ProxyMsg, req []byte, respSize int) ([]byte, error) {
	comm, ok := lp.comms[pc.ProxyRank]
	if !ok {
		return nil, fmt.Errorf("proxy: no comm registered for rank %d", pc.ProxyRank)
	}
	ops := lp.recv
	if pc.Send {
		ops = lp.send
	}

	switch msg {
	case MsgSharedInit:
		if err := ops.SharedInit(pc.Connection, comm, comm.P2pNChannels); err != nil {
			return nil, err
		}
		if pc.Connection.State == ConnUninitialized {
			pc.Connection.State = ConnSharedInitialized
		}
		return nil, nil
	case MsgSetup, MsgConnect:
		entry := ops.Setup
		if msg == MsgConnect {
			entry = ops.Connect
		}
		for i := 0; i < callBudget; i++ {
			resp, done, err := entry(pc.Connection, comm, req, respSize)
			if err != nil {
				return nil, err
			}
			if done {
				if msg == MsgSetup {
					pc.Connection.State = ConnSetupDone
				} else {
					pc.Connection.State = ConnConnected
				}
				return resp, nil
			}
			runtime.Gosched()
		}
		return nil, fmt.Errorf("proxy: rank %d message %d did not complete", pc.ProxyRank, msg)
	}
	return nil, fmt.Errorf("proxy: unknown message %d", msg)
}

// FreeConnector releases the proxy-side resources behind a connector.
func (lp *LocalProxy) FreeConnector(conn *Connector) error {
	return lp.Free(&conn.ProxyConn)
}

// Free releases the proxy-side resources of a connection.
func (lp *LocalProxy) Free(pc *ProxyConn) error {
	comm, ok := lp.comms[pc.ProxyRank]
	if !ok {
		return fmt.Errorf("proxy: no comm registered for rank %d", pc.ProxyRank)
	}
	if pc.Send {
		return lp.send.Free(pc.Connection, comm)
	}
	return lp.recv.Free(pc.Connection, comm)
}
