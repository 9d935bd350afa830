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

// Package bootstrap carries the out-of-band connect-info exchange between
// ranks during setup: each side publishes one opaque blob per (channel,
// connection index, direction) which the peer feeds into its connect
// call. The envelope is msgpack so launchers can relay it over any
// control channel.
package bootstrap

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ConnectInfo is one direction's connect blob for one channel.
type ConnectInfo struct {
	Rank      int    `msgpack:"rank"`
	PeerRank  int    `msgpack:"peer_rank"`
	ChannelID int    `msgpack:"channel_id"`
	ConnIndex int    `msgpack:"conn_index"`
	Recv      bool   `msgpack:"recv"`
	Blob      []byte `msgpack:"blob"`
}

// Encode serializes an envelope.
func Encode(info *ConnectInfo) ([]byte, error) {
	data, err := msgpack.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes an envelope.
func Decode(data []byte) (*ConnectInfo, error) {
	var info ConnectInfo
	if err := msgpack.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("bootstrap: decode: %w", err)
	}
	return &info, nil
}

// Exchange is an in-process rendezvous keyed by (rank, peer, channel,
// connection index, direction). Single-process launchers use it to relay
// envelopes between ranks; multi-process launchers substitute their own
// control channel.
type Exchange struct {
	mu    sync.Mutex
	slots map[string]chan []byte
}

// NewExchange builds an empty rendezvous table.
func NewExchange() *Exchange {
	return &Exchange{slots: make(map[string]chan []byte)}
}

func (e *Exchange) slot(from, to, channelID, connIndex int, recv bool) chan []byte {
	key := fmt.Sprintf("%d-%d-%d-%d-%t", from, to, channelID, connIndex, recv)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slots[key] == nil {
		e.slots[key] = make(chan []byte, 1)
	}
	return e.slots[key]
}

// Publish posts an encoded envelope for the peer.
func (e *Exchange) Publish(info *ConnectInfo) error {
	data, err := Encode(info)
	if err != nil {
		return err
	}
	e.slot(info.Rank, info.PeerRank, info.ChannelID, info.ConnIndex, info.Recv) <- data
	return nil
}

// Take retrieves the envelope published by from for to.
func (e *Exchange) Take(from, to, channelID, connIndex int, recv bool) (*ConnectInfo, error) {
	data := <-e.slot(from, to, channelID, connIndex, recv)
	return Decode(data)
}
