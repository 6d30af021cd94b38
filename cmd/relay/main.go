// Copyright 2026 The Relay Authors
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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/client"
	"github.com/tunnelrelay/relay/config"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "relay is the reverse-tunnel relay agent",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "relay.toml", "path to the agent's TOML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.DecodeClient(configPath)
	if err != nil {
		return err
	}
	if err := relaylog.Init(cfg.Debug); err != nil {
		return err
	}
	defer relaylog.Sync()
	log := relaylog.Named("relay")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr, err := transport.New(cfg.TransportKind)
	if err != nil {
		return err
	}
	tcfg := transport.Config{
		Kind:       cfg.TransportKind,
		ServerAddr: cfg.ServerAddr,
		ServerPort: cfg.ServerPort,
		AuthKey:    cfg.AuthKey,
		SkipVerify: cfg.SkipVerify,
		CACertPath: cfg.CACertPath,
	}

	// holder tracks whichever session is currently live, so the
	// visitor listeners below (bound once for the process's lifetime)
	// can open rendezvous substreams on it across reconnects, instead
	// of dialing the relay daemon fresh (spec §4.7).
	holder := &client.MuxHolder{}

	for _, v := range cfg.Visitors {
		vis := &client.VisitorListener{
			Desc:   v,
			Dial:   holder.OpenStream,
			Logger: log.Named("visitor." + v.Name),
		}
		go func() {
			if err := vis.Serve(); err != nil {
				log.Warn("visitor listener stopped", zap.String("visitor", vis.Desc.Name), zap.Error(err))
			}
		}()
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = config.DefaultReconnectDelay
	}

	runID := ""
	for {
		sess := client.NewSession(client.Deps{
			Transport:         tr,
			TransportConfig:   tcfg,
			AuthKey:           cfg.AuthKey,
			Bundle:            proxyconf.Bundle{Proxies: cfg.Proxies, Visitors: cfg.Visitors},
			HeartbeatInterval: cfg.HeartbeatInterval,
			Logger:            log,
			OnMuxReady:        holder.Set,
		}, runID)

		err := sess.Run(ctx)
		runID = sess.RunID()
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err != nil {
			log.Warn("session ended, reconnecting", zap.Error(err), zap.Duration("delay", reconnectDelay))
		}
		// spec §4.8: constant delay by default, not exponential
		// backoff — a relay agent's service is usually unreachable
		// for as long as the daemon is down, so growing the delay
		// only adds to the outage once it recovers.
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}
