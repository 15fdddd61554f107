// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	lattice "github.com/molecula/lattice"
	"github.com/molecula/lattice/logger"
	"github.com/molecula/lattice/prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	conf := lattice.NewConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a lattice node",
		Long: `Runs one lattice address space: listens for protocol traffic from the
configured peers and serves version state for the region trees registered
on this node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(conf, stderr)
		},
	}
	flags := cmd.Flags()
	flags.Uint32Var(&conf.Space, "space", conf.Space, "Address space ID of this node.")
	flags.StringVar(&conf.Bind, "bind", conf.Bind, "host:port to listen on for protocol traffic.")
	flags.StringSliceVar(&conf.Peers, "peers", conf.Peers, "Cluster members as <space>=<host:port> entries.")
	flags.StringVar(&conf.LogPath, "log-path", conf.LogPath, "Log to this file instead of stderr.")
	flags.BoolVar(&conf.Verbose, "verbose", conf.Verbose, "Enable verbose logging.")
	flags.StringVar(&conf.Metric.Service, "metric.service", conf.Metric.Service, "Metrics backend: none, nop, expvar, or prometheus.")
	flags.StringVar(&conf.Metric.Bind, "metric.bind", conf.Metric.Bind, "host:port for the Prometheus metrics endpoint.")
	flags.DurationVar((*time.Duration)(&conf.AdvanceAckTimeout), "advance-ack-timeout", time.Duration(conf.AdvanceAckTimeout), "Log a forwarded advance as stuck after this long without an acknowledgment.")
	return cmd
}

func runServe(conf *lattice.Config, stderr io.Writer) error {
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}
	peers, err := conf.ParsePeers()
	if err != nil {
		return err
	}

	log, logCloser, err := buildLogger(conf, stderr)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	stats, err := buildStats(conf, log)
	if err != nil {
		return err
	}

	var rt *lattice.Runtime
	transport, err := lattice.NewTCPTransport(
		lattice.AddressSpaceID(conf.Space),
		conf.Bind,
		peers,
		func(data []byte) error { return rt.Receive(data) },
		lattice.OptTCPTransportLogger(log),
	)
	if err != nil {
		return errors.Wrap(err, "starting transport")
	}
	rt = lattice.NewRuntime(lattice.AddressSpaceID(conf.Space), transport,
		lattice.OptRuntimeLogger(log),
		lattice.OptRuntimeStats(stats),
		lattice.OptRuntimeAdvanceAckTimeout(time.Duration(conf.AdvanceAckTimeout)),
	)
	rt.Open()
	log.Printf("lattice node up: space %d on %s, %d peers", conf.Space, conf.Bind, len(peers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("received %v, shutting down", s)
	return rt.Close()
}

func buildLogger(conf *lattice.Config, stderr io.Writer) (logger.Logger, io.Closer, error) {
	w := stderr
	var closer io.Closer
	if conf.LogPath != "" {
		fw, err := logger.NewFileWriter(conf.LogPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		w = fw
		closer = fw
	}
	if conf.Verbose {
		return logger.NewVerboseLogger(w), closer, nil
	}
	return logger.NewStandardLogger(w), closer, nil
}

func buildStats(conf *lattice.Config, log logger.Logger) (lattice.StatsClient, error) {
	switch conf.Metric.Service {
	case lattice.MetricsNone, lattice.MetricsNop:
		return lattice.NopStatsClient, nil
	case lattice.MetricsExpvar:
		return lattice.NewExpvarStatsClient(), nil
	case lattice.MetricsPrometheus:
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(conf.Metric.Bind, mux); err != nil {
				log.Errorf("metrics endpoint on %s: %v", conf.Metric.Bind, err)
			}
		}()
		return prometheus.NewPrometheusClient(), nil
	default:
		return nil, errors.Errorf("unknown metric service %q", conf.Metric.Service)
	}
}
