package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"prbuild-resolver/src/contracts"
	"prbuild-resolver/src/logger"
	"prbuild-resolver/src/mcp"
	"prbuild-resolver/src/metrics"
	"prbuild-resolver/src/pipeline"
)

var submitCmd = &cobra.Command{
	Use:   "submit (--url <status-url> | --pr <number>)",
	Short: "Send a resolve request to the monitor agent and wait for the result",
	Long: `Publishes a resolve request on the prbuild.requests topic and waits for the
monitor agent's answer on prbuild.results.

With REDPANDA_BROKERS set, a 'prbuild monitor' process elsewhere answers the
request. Without it, a monitor agent is started in this process.

Example:
  prbuild submit --pr 15000 --since 48h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusURL, _ := cmd.Flags().GetString("url")
		pr, _ := cmd.Flags().GetInt("pr")
		since, _ := cmd.Flags().GetDuration("since")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if (statusURL == "") == (pr == 0) {
			return errors.New("exactly one of --url and --pr is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		brk, err := pipeline.NewBroker(appConfig, log)
		if err != nil {
			return err
		}
		defer brk.Close()

		client, err := pipeline.NewClient(ctx, brk, log)
		if err != nil {
			return err
		}

		if pipeline.DetectMode(appConfig) == pipeline.InMemoryMode {
			res, c := pipeline.NewResolver(appConfig, log, nil)
			pipeline.Start(ctx, brk, res, c, appConfig, log)
			// Let the agent subscribe before the request is published.
			time.Sleep(100 * time.Millisecond)
		}

		req := contracts.ResolveRequest{StatusURL: statusURL, PullRequest: pr}
		if pr != 0 {
			req.Since = since.String()
		}
		result, err := client.Resolve(ctx, req)
		if err != nil {
			return err
		}

		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if result.Artifact == nil {
			return &notFoundError{missing: 1}
		}
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitor agent that answers resolve requests",
	Long: `Consumes resolve requests from the prbuild.requests topic, resolves them
(retrying builds that are not available yet) and publishes results to
prbuild.results. Uses Redpanda when REDPANDA_BROKERS is set, otherwise an
in-memory broker.

Prometheus metrics are served on PRBUILD_METRICS_ADDR when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := newMetrics()
		stopMetrics := serveMetrics(m, appConfig.MetricsAddr, log)
		defer stopMetrics()

		brk, err := pipeline.NewBroker(appConfig, log)
		if err != nil {
			return err
		}
		defer brk.Close()

		log.Info("[Monitor] Using %s broker", pipeline.DetectMode(appConfig))

		res, c := pipeline.NewResolver(appConfig, log, m)
		pipeline.Start(ctx, brk, res, c, appConfig, log)

		<-ctx.Done()
		log.Info("[Monitor] Shutting down")
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the resolver as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol
		silent := logger.NewSilentLogger()

		m := newMetrics()
		stopMetrics := serveMetrics(m, appConfig.MetricsAddr, silent)
		defer stopMetrics()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		res, c := pipeline.NewResolver(appConfig, silent, m)
		go c.Run(ctx, appConfig.CacheSweep)

		return mcp.NewServer(res, version).Run()
	},
}

func init() {
	submitCmd.Flags().String("url", "", "AppVeyor build status link")
	submitCmd.Flags().Int("pr", 0, "Pull request number")
	submitCmd.Flags().Duration("since", 30*24*time.Hour, "Search window for --pr")
	submitCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for the result")
}

func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}

// serveMetrics exposes /metrics on addr, if set, and returns a shutdown func.
func serveMetrics(m *metrics.Metrics, addr string, log logger.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("[Metrics] Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("[Metrics] Server error: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "[Metrics] Shutdown error: %v\n", err)
		}
	}
}
