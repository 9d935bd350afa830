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

// collnet-bench drives one send/recv endpoint pair through the full
// transport lifecycle (setup, connect, progress, free) inside a single
// process and reports step throughput. It stands in for the collective
// kernel with a host-side producer/consumer on the FIFOs.
package main

import (
	"flag"
	"fmt"
	"log"
	"runtime"
	"time"
	"unsafe"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/P2Enjoy/nccl/internal/bootstrap"
	"github.com/P2Enjoy/nccl/internal/gpu"
	"github.com/P2Enjoy/nccl/internal/provider"
	"github.com/P2Enjoy/nccl/internal/provider/loopback"
	"github.com/P2Enjoy/nccl/internal/provider/socket"
	"github.com/P2Enjoy/nccl/internal/transport"
	"github.com/P2Enjoy/nccl/internal/transport/net"
)

type benchConfig struct {
	Provider string
	StepSize int
	Steps    int
	LogLevel string
}

func loadConfig(path string) (benchConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLNET_BENCH")
	v.AutomaticEnv()
	v.SetDefault("provider", "loopback")
	v.SetDefault("step_size", 1<<17)
	v.SetDefault("steps", 4096)
	v.SetDefault("log_level", "info")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return benchConfig{}, fmt.Errorf("read config: %w", err)
		}
	}
	return benchConfig{
		Provider: v.GetString("provider"),
		StepSize: v.GetInt("step_size"),
		Steps:    v.GetInt("steps"),
		LogLevel: v.GetString("log_level"),
	}, nil
}

// benchTopo is a flat two-rank topology: one NIC, no GDR, both ranks
// local to the host.
type benchTopo struct{}

func (benchTopo) CheckNet(busID1, busID2 int64) (bool, error) { return true, nil }
func (benchTopo) GetNetDev(rank int, graph *transport.Graph, channelID, peerRank int) (int, int, error) {
	return 0, rank, nil
}
func (benchTopo) CheckGdr(busID int64, netDev int, isSend bool) (bool, error) { return false, nil }
func (benchTopo) NeedFlush(busID int64) (bool, error)                         { return false, nil }
func (benchTopo) LocalRank(rank int) (int, error)                             { return rank, nil }

func newComm(rank int, nranks int, prov provider.Provider, stepSize int, logger *zap.Logger) *transport.Comm {
	comm := &transport.Comm{
		Rank:            rank,
		NRanks:          nranks,
		LocalRanks:      nranks,
		CudaDev:         rank,
		Peers:           make([]transport.PeerInfo, nranks),
		LocalRankToRank: make([]int, nranks),
		P2pChunkSize:    stepSize,
		P2pNChannels:    1,
		Topo:            benchTopo{},
		Net:             prov,
		Dev:             gpu.NewHostDevice(rank),
		Params:          transport.DefaultParams(),
		Log:             logger,
	}
	for p := 0; p < transport.NumProtocols; p++ {
		comm.BuffSizes[p] = stepSize * transport.Steps
	}
	for r := 0; r < nranks; r++ {
		comm.Peers[r] = transport.PeerInfo{Rank: r, CudaDev: r, BusID: int64(r), HostHash: 1, PidHash: 1}
		comm.LocalRankToRank[r] = r
	}
	return comm
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("bad log level %q: %v", cfg.LogLevel, err)
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var prov provider.Provider
	switch cfg.Provider {
	case "loopback":
		prov = loopback.New(1, 1)
	case "socket":
		prov = socket.New(1)
	default:
		logger.Fatal("unknown provider", zap.String("provider", cfg.Provider))
	}

	sender := newComm(0, 2, prov, cfg.StepSize, logger)
	receiver := newComm(1, 2, prov, cfg.StepSize, logger)
	proxy := transport.NewLocalProxies(net.NetTransport)
	proxy.Register(sender)
	proxy.Register(receiver)
	sender.Proxy = proxy
	receiver.Proxy = proxy

	exchange := bootstrap.NewExchange()
	graph := &transport.Graph{ID: 0} // dedicated ring-style buffers

	// Receiver side first: setup produces the listen handle.
	var recvConn, sendConn transport.Connector
	recvInfo := make([]byte, transport.ConnectSize)
	if err := net.NetTransport.Recv.KernelOps.Setup(receiver, graph, &receiver.Peers[1], &receiver.Peers[0], recvInfo, &recvConn, 0, 0); err != nil {
		logger.Fatal("recv setup", zap.Error(err))
	}
	if err := exchange.Publish(&bootstrap.ConnectInfo{Rank: 1, PeerRank: 0, Recv: true, Blob: recvInfo}); err != nil {
		logger.Fatal("publish recv info", zap.Error(err))
	}

	sendInfo := make([]byte, transport.ConnectSize)
	if err := net.NetTransport.Send.KernelOps.Setup(sender, graph, &sender.Peers[0], &sender.Peers[1], sendInfo, &sendConn, 0, 0); err != nil {
		logger.Fatal("send setup", zap.Error(err))
	}
	if err := exchange.Publish(&bootstrap.ConnectInfo{Rank: 0, PeerRank: 1, Blob: sendInfo}); err != nil {
		logger.Fatal("publish send info", zap.Error(err))
	}

	peerRecv, err := exchange.Take(1, 0, 0, 0, true)
	if err != nil {
		logger.Fatal("take recv info", zap.Error(err))
	}
	if err := net.NetTransport.Send.KernelOps.Connect(sender, peerRecv.Blob, 2, 0, &sendConn); err != nil {
		logger.Fatal("send connect", zap.Error(err))
	}
	peerSend, err := exchange.Take(0, 1, 0, 0, false)
	if err != nil {
		logger.Fatal("take send info", zap.Error(err))
	}
	if err := net.NetTransport.Recv.KernelOps.Connect(receiver, peerSend.Blob, 2, 1, &recvConn); err != nil {
		logger.Fatal("recv connect", zap.Error(err))
	}

	nsteps := uint64(cfg.Steps)
	sendArgs := &transport.ProxyArgs{
		State: transport.OpReady, Protocol: transport.ProtoSimple, SliceSteps: 1, ChunkSteps: 1,
		Subs: []transport.ProxySubArgs{{Conn: sendConn.ProxyConn.Connection, Nsteps: nsteps, Nbytes: cfg.StepSize}},
	}
	recvArgs := &transport.ProxyArgs{
		State: transport.OpReady, Protocol: transport.ProtoSimple, SliceSteps: 1, ChunkSteps: 1,
		Subs: []transport.ProxySubArgs{{Conn: recvConn.ProxyConn.Connection, Nsteps: nsteps, Nbytes: cfg.StepSize}},
	}

	// Stand-in kernels: the producer fills slots and bumps the tail, the
	// consumer drains slots and bumps the head.
	go func() {
		buf := sendConn.Conn.Buffs[transport.ProtoSimple]
		for k := uint64(0); k < nsteps; k++ {
			for transport.LoadWord(sendConn.Conn.Head)+transport.Steps <= k {
				runtime.Gosched()
			}
			slot := int(k % transport.Steps)
			payload := unsafe.Slice((*byte)(unsafe.Add(buf, uintptr(slot*cfg.StepSize))), cfg.StepSize)
			payload[0] = byte(k)
			transport.StoreSlot(&sendConn.Conn.SizesFifo[slot], int32(cfg.StepSize))
			transport.StoreWord(sendConn.Conn.Tail, k+1)
		}
	}()
	go func() {
		for k := uint64(0); k < nsteps; k++ {
			for transport.LoadWord(recvConn.Conn.Tail) <= k {
				runtime.Gosched()
			}
			transport.StoreWord(recvConn.Conn.Head, k+1)
		}
	}()

	start := time.Now()
	for sendArgs.State != transport.OpNone || recvArgs.State != transport.OpNone {
		if sendArgs.State != transport.OpNone {
			if err := net.NetTransport.Send.Progress(sender, sendArgs); err != nil {
				logger.Fatal("send progress", zap.Error(err))
			}
		}
		if recvArgs.State != transport.OpNone {
			if err := net.NetTransport.Recv.Progress(receiver, recvArgs); err != nil {
				logger.Fatal("recv progress", zap.Error(err))
			}
		}
	}
	elapsed := time.Since(start)

	totalBytes := int64(cfg.Steps) * int64(cfg.StepSize)
	logger.Info("bench complete",
		zap.Int("steps", cfg.Steps),
		zap.Int("stepSize", cfg.StepSize),
		zap.Duration("elapsed", elapsed),
		zap.Float64("GB/s", float64(totalBytes)/elapsed.Seconds()/1e9))

	if err := proxy.FreeConnector(&sendConn); err != nil {
		logger.Fatal("send proxy free", zap.Error(err))
	}
	if err := proxy.FreeConnector(&recvConn); err != nil {
		logger.Fatal("recv proxy free", zap.Error(err))
	}
	if err := net.NetTransport.Send.KernelOps.Free(&sendConn); err != nil {
		logger.Fatal("send free", zap.Error(err))
	}
	if err := net.NetTransport.Recv.KernelOps.Free(&recvConn); err != nil {
		logger.Fatal("recv free", zap.Error(err))
	}
}
