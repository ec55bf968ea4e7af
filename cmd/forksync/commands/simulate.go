package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/blocksync"
	"github.com/tendermint/forksync/internal/simulation"
	"github.com/tendermint/forksync/libs/log"
)

const (
	reportFileName = "simulation-report.json"

	// maxMetricsRequests bounds concurrent scrapes of the metrics endpoint.
	maxMetricsRequests = 3

	// ctxTimeout bounds the shutdown of the metrics server.
	ctxTimeout = 4 * time.Second
)

// MakeSimulateCommand returns the command that syncs a fresh node from
// scripted peers as described by a simulation manifest.
func MakeSimulateCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		manifestPath, reportPath string
		persist                  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Sync a fresh node from simulated honest and faulty peers",
		Long: `Simulate runs a syncing node against honest, stalling, gap-lying and
bad-block peers over an in-memory network, as described by a TOML manifest.
A JSON report of the run is written below the data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if manifestPath == "" {
				manifestPath = filepath.Join(conf.RootDir, manifestFile)
			}
			manifest, err := simulation.LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			metrics := blocksync.NopMetrics()
			if conf.Instrumentation.Prometheus {
				metrics = blocksync.PrometheusMetrics(conf.Instrumentation.Namespace, "chain_id", conf.ChainID)
				srv := startPrometheusServer(logger, conf.Instrumentation.PrometheusListenAddr)
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
					defer cancel()
					if err := srv.Shutdown(sctx); err != nil {
						logger.Error("prometheus HTTP server Shutdown", "err", err)
					}
				}()
			}

			var opts []simulation.Option
			if persist {
				opts = append(opts, simulation.WithDBProvider(config.DefaultDBProvider))
			}
			sim, err := simulation.New(logger, conf, manifest, metrics, opts...)
			if err != nil {
				return err
			}
			report, err := sim.Run(ctx)
			if err != nil {
				return err
			}

			if reportPath == "" {
				reportPath = filepath.Join(conf.DBDir(), reportFileName)
			}
			if err := report.Save(reportPath); err != nil {
				return err
			}
			logger.Info("wrote simulation report", "path", reportPath)

			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Completed {
				return fmt.Errorf("node did not sync to height %d, stopped at %d", report.ChainLength, report.Height)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "simulation manifest (default is config/simulation.toml in the home directory)")
	cmd.Flags().StringVar(&reportPath, "report", "", "report output file (default is "+reportFileName+" in the data directory)")
	cmd.Flags().BoolVar(&persist, "persist", false, "keep the syncing node's blocks and peer records in db_dir between runs")
	return cmd
}

// startPrometheusServer serves the default Prometheus registry under
// /metrics on addr.
func startPrometheusServer(logger log.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{MaxRequestsInFlight: maxMetricsRequests},
		),
	))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func printReport(w io.Writer, r *simulation.Report) error {
	fmt.Fprintf(w, "completed: %v  height: %d/%d  hash: %v  elapsed: %s\n\n",
		r.Completed, r.Height, r.ChainLength, r.Hash.Short(), r.Elapsed)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tBEHAVIOUR\tREPUTATION\tIMPORTED\tCONNECTED")
	for _, p := range r.Peers {
		fmt.Fprintf(tw, "%v\t%v\t%d\t%d\t%v\n", p.ID, p.Behaviour, p.Reputation, p.Imported, p.Connected)
	}
	return tw.Flush()
}
