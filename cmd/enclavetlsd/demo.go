// Copyright 2026 The Enclavetls Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyouxian/enclavetls/config"
	"github.com/taoyouxian/enclavetls/dispatcher"
	"github.com/taoyouxian/enclavetls/engine"
	"github.com/taoyouxian/enclavetls/hostchannel"
	"github.com/taoyouxian/enclavetls/registry"
	"github.com/taoyouxian/enclavetls/session"
)

const demoHandshakeTimeout = 2 * time.Second

// runDemoHandshake wires one client Registry and one server Registry,
// bridges their FrameChannels in-process (standing in for whatever
// transport a real host uses), drives a full handshake, and sends one
// request/response round trip through dispatcher.Echo.
func runDemoHandshake(ctx context.Context, log *zap.Logger, cfg config.Config) error {
	cert, pool, err := generateDemoCertificate("enclavetlsd-demo")
	if err != nil {
		return fmt.Errorf("demo certificate: %w", err)
	}

	serverTLSCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientTLSCfg := &tls.Config{RootCAs: pool, ServerName: "enclavetlsd-demo"}
	if cfg.TLS.RequireMTLS {
		serverTLSCfg.ClientAuth = tls.RequireAndVerifyClientCert
		serverTLSCfg.ClientCAs = pool
		clientTLSCfg.Certificates = []tls.Certificate{cert}
	}

	serverChan := hostchannel.NewFrameChannel(64)
	clientChan := hostchannel.NewFrameChannel(64)

	serverDisp := buildDispatcher(cfg, log.Named("dispatcher"))

	serverReg := registry.New(
		registry.Config{
			ShardCount:   cfg.Registry.ShardCount,
			RateLimit:    rate.Limit(cfg.Registry.RateLimit),
			RateBurst:    cfg.Registry.RateBurst,
			UseConsensus: cfg.Registry.UseConsensus,
		},
		func(session.Role) engine.Engine { return engine.NewTLSEngine(serverTLSCfg, false) },
		serverChan, serverDisp, prometheus.NewRegistry(), log.Named("server"),
	)
	clientReg := registry.New(
		registry.Config{ShardCount: 1, RateLimit: rate.Inf, RateBurst: 1},
		func(session.Role) engine.Engine { return engine.NewTLSEngine(clientTLSCfg, true) },
		clientChan, dispatcher.Echo{}, prometheus.NewRegistry(), log.Named("client"),
	)

	serverID, err := serverReg.StartSession(ctx, session.RoleServer)
	if err != nil {
		return fmt.Errorf("start server session: %w", err)
	}
	clientID, err := clientReg.StartSession(ctx, session.RoleClient)
	if err != nil {
		return fmt.Errorf("start client session: %w", err)
	}

	serverSess, _ := serverReg.Lookup(serverID)
	clientSess, _ := clientReg.Lookup(clientID)

	go pumpFrames(serverChan, clientSess, ctx, log.Named("pump.server_to_client"))
	go pumpFrames(clientChan, serverSess, ctx, log.Named("pump.client_to_server"))

	// The client drives the first flight by entering doHandshake; an
	// empty Recv is enough to pump the engine's initial ClientHello out
	// through clientChan.
	clientSess.Recv(ctx, nil)

	deadline := time.Now().Add(demoHandshakeTimeout)
	for clientSess.Status() == session.Handshake && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	log.Info("handshake settled",
		zap.String("client_status", clientSess.Status().String()),
		zap.String("server_status", serverSess.Status().String()))

	if clientSess.Status() != session.Ready {
		return fmt.Errorf("demo handshake did not reach Ready: client=%s server=%s",
			clientSess.Status(), serverSess.Status())
	}

	clientSess.Send([]byte("hello from enclavetlsd"))
	time.Sleep(50 * time.Millisecond) // let the echo round trip settle

	log.Info("demo run complete")
	return nil
}

func buildDispatcher(cfg config.Config, log *zap.Logger) session.Dispatcher {
	if !cfg.Registry.UseConsensus {
		return dispatcher.Echo{}
	}
	return &dispatcher.Consensus{
		Next:      dispatcher.Echo{},
		Publisher: loggingPublisher{log: log},
		Log:       log,
	}
}

// loggingPublisher stands in for the real replication-layer
// DigestPublisher: it only logs the digest it was handed.
type loggingPublisher struct{ log *zap.Logger }

func (p loggingPublisher) Publish(_ context.Context, sessionID uint64, digest []byte) error {
	p.log.Info("digest published", zap.Uint64("session_id", sessionID), zap.Binary("digest", digest))
	return nil
}

// pumpFrames relays tls_outbound frames read off ch into dest's Recv,
// standing in for whatever host transport would otherwise carry
// ciphertext between the two peers.
func pumpFrames(ch *hostchannel.FrameChannel, dest *session.Session, ctx context.Context, log *zap.Logger) {
	for {
		f, ok := ch.Read()
		if !ok {
			return
		}
		switch f.Kind {
		case hostchannel.FrameOutbound:
			dest.Recv(ctx, f.Payload)
		case hostchannel.FrameClosed:
			log.Info("peer session closed")
			return
		case hostchannel.FrameErrored:
			log.Warn("peer session errored")
			return
		}
	}
}
