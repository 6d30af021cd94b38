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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/config"
	"github.com/tunnelrelay/relay/internal/relaylog"
	"github.com/tunnelrelay/relay/mux"
	"github.com/tunnelrelay/relay/registry"
	"github.com/tunnelrelay/relay/server"
	"github.com/tunnelrelay/relay/stats"
	"github.com/tunnelrelay/relay/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "relayd runs the reverse-tunnel relay daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "relayd.toml", "path to the daemon's TOML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.DecodeServer(configPath)
	if err != nil {
		return err
	}
	if err := relaylog.Init(cfg.Debug); err != nil {
		return err
	}
	defer relaylog.Sync()
	log := relaylog.Named("relayd")

	reg := registry.New()

	if cfg.MetricsAddr != "" {
		collector := stats.NewCollector(reg.Snapshot)
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collector)
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr, err := transport.New(cfg.TransportKind)
	if err != nil {
		return err
	}
	acceptor, err := tr.Listen(ctx, transport.Config{
		Kind:     cfg.TransportKind,
		BindAddr: cfg.BindAddr,
		BindPort: cfg.BindPort,
		CertPath: cfg.CertPath,
		KeyPath:  cfg.KeyPath,
	})
	if err != nil {
		return err
	}
	defer acceptor.Close()

	log.Info("relayd listening", zap.String("addr", acceptor.Addr().String()), zap.String("transport", string(cfg.TransportKind)))

	redirector := server.NewVisitorRedirector(reg, log.Named("visitor"))

	for {
		stream, err := acceptor.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go serveClient(ctx, stream, cfg, reg, redirector, log)
	}
}

func serveClient(ctx context.Context, stream transport.Stream, cfg *config.ServerConfig, reg *registry.Registry, redirector *server.VisitorRedirector, log *zap.Logger) {
	muxSess, err := mux.Server(stream, mux.Config{})
	if err != nil {
		log.Warn("starting mux session failed", zap.Error(err))
		_ = stream.Close()
		return
	}
	defer muxSess.Close()

	// The client's first substream is reserved by convention for
	// control traffic (spec §4.3); every substream accepted after it
	// is an unsolicited visitor rendezvous attempt, handled by
	// Session.Run's own AcceptStream loop (spec §4.7).
	ctrlStream, err := muxSess.AcceptStream(ctx)
	if err != nil {
		log.Warn("accepting control substream failed", zap.Error(err))
		return
	}

	sess := server.NewSession(server.Deps{
		Registry:          reg,
		AuthKey:           cfg.AuthKey,
		BindRetry:         server.DefaultBindRetryPolicy,
		Logger:            log,
		ServerBindPort:    cfg.BindPort,
		IdleTimeout:       cfg.HeartbeatTimeout,
		VisitorRedirector: redirector,
	}, muxSess, ctrlStream)

	if err := sess.Run(ctx); err != nil {
		log.Info("client session ended", zap.Error(err))
	}
}
