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

	"github.com/spf13/viper"
)

// Params are the transport tuning knobs, bound to COLLNET_-prefixed
// environment variables.
type Params struct {
	// NetSharedBuffers: -2 auto (enable), 0 force dedicated per-channel
	// buffers, 1 force shared staging arenas.
	NetSharedBuffers int64

	// NetSharedComms enables reuse of one provider connection across
	// channels when the provider supports multi-recv.
	NetSharedComms bool

	// GdrCopySyncEnable places the send-side head and recv-side tail
	// words in GDC memory for low-latency flag updates.
	GdrCopySyncEnable bool

	// GdrCopyFlushEnable uses a GDC PCIe read as the recv-side GDR flush
	// (x86-64 only).
	GdrCopyFlushEnable bool
}

// DefaultParams returns the built-in knob defaults.
func DefaultParams() Params {
	return Params{
		NetSharedBuffers:   -2,
		NetSharedComms:     true,
		GdrCopySyncEnable:  true,
		GdrCopyFlushEnable: false,
	}
}

// SharedBuffersEnabled resolves the tri-state NetSharedBuffers knob for a
// point-to-point operation.
func (p Params) SharedBuffersEnabled() bool {
	if p.NetSharedBuffers == -2 {
		return true
	}
	return p.NetSharedBuffers != 0
}

// LoadParams reads the knobs from the environment (COLLNET_NET_SHARED_BUFFERS
// and friends) on top of the defaults.
func LoadParams() (Params, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLNET")
	v.AutomaticEnv()

	def := DefaultParams()
	v.SetDefault("net_shared_buffers", def.NetSharedBuffers)
	v.SetDefault("net_shared_comms", def.NetSharedComms)
	v.SetDefault("gdrcopy_sync_enable", def.GdrCopySyncEnable)
	v.SetDefault("gdrcopy_flush_enable", def.GdrCopyFlushEnable)
	for _, key := range []string{"net_shared_buffers", "net_shared_comms", "gdrcopy_sync_enable", "gdrcopy_flush_enable"} {
		if err := v.BindEnv(key); err != nil {
			return def, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	return Params{
		NetSharedBuffers:   v.GetInt64("net_shared_buffers"),
		NetSharedComms:     v.GetBool("net_shared_comms"),
		GdrCopySyncEnable:  v.GetBool("gdrcopy_sync_enable"),
		GdrCopyFlushEnable: v.GetBool("gdrcopy_flush_enable"),
	}, nil
}
