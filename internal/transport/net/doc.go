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

// Package net implements the proxy network transport: the data-plane
// bridge between a GPU-resident producer/consumer and a pluggable
// RDMA/socket network provider.
//
// On each host the transport owns the connect-time resource plan (a
// packed map of memory banks and typed offsets shared by kernel and
// proxy), the send and receive proxy progress state machines, the
// per-local-rank shared staging arenas and per-(NIC, peer) connection
// pools, and the cross-process memory-handle exchange that lets a remote
// proxy map the local GPU buffer and host FIFO.
//
// The proxy progress routines are cooperatively scheduled: every call is
// nonblocking and either advances at least one step or reports idle.
package net
