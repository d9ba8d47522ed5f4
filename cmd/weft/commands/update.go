package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/targets/localfile"
	"github.com/weftworks/weft/pkg/telemetry"
)

func newUpdateCommand() *cobra.Command {
	var (
		manifestPath  string
		live          bool
		interval      time.Duration
		metricsAddr   string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Drive an application toward its declared state",
		Long: `Run an application once, or keep it live.

A single run mounts the component tree, reconciles every declared target
state against the tracking records, applies the difference, and exits. With
--live the run repeats on filesystem change notifications and, optionally,
on a refresh interval. There is no separate delta mode: incremental behavior
follows entirely from memoization and tracking-record diffing.`,
		Example: `  # Run once
  weft update -f weft.yaml

  # Keep live on filesystem changes
  weft update -f weft.yaml --live

  # Keep live with an additional 30s refresh timer
  weft update -f weft.yaml --live --interval 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			tcfg := telemetry.DefaultConfig("weft")
			if verbose {
				tcfg.Logging.Level = "debug"
			}
			tcfg.Metrics.ListenAddr = metricsAddr
			if traceExporter != "" {
				tcfg.Tracing.Enabled = true
				tcfg.Tracing.Exporter = traceExporter
				tcfg.Tracing.Endpoint = traceEndpoint
				tcfg.Tracing.Insecure = true
			}
			if err := tcfg.Validate(); err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(tcfg.Logging)
			if err != nil {
				return err
			}
			metrics, err := telemetry.NewMetrics(tcfg.Metrics)
			if err != nil {
				return err
			}
			tracer, err := telemetry.NewTracer(tcfg.Tracing,
				tcfg.ServiceName, cmd.Root().Version, tcfg.Environment)
			if err != nil {
				return err
			}
			defer func() { _ = tracer.Shutdown(ctx) }()
			if metricsAddr != "" {
				go func() {
					if serr := metrics.Serve(); serr != nil {
						log.Error().Err(serr).Msg("Metrics endpoint failed")
					}
				}()
			}

			app, err := newApp(m.App, m.MaxInflight, store,
				engine.WithLogger(logger),
				engine.WithMetrics(metrics),
				engine.WithTracer(tracer))
			if err != nil {
				return err
			}

			log.Info().
				Str("app", m.App).
				Str("source", m.Source).
				Str("target", m.Target).
				Bool("live", live).
				Msg("Updating application")

			root := syncRoot(m)
			if !live {
				return app.Run(ctx, root)
			}

			refresh := time.Duration(m.RefreshInterval)
			if interval > 0 {
				refresh = interval
			}
			updater := engine.NewLiveUpdater(app, root, engine.LiveOptions{
				RefreshInterval: refresh,
				Notifier:        localfile.NewWatcher(m.Source),
			})
			return updater.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "weft.yaml", "application manifest")
	cmd.Flags().BoolVar(&live, "live", false, "keep running and react to changes")
	cmd.Flags().DurationVar(&interval, "interval", 0, "refresh interval in live mode (overrides manifest)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&traceExporter, "trace", "", "trace exporter (otlp, stdout)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP trace endpoint")

	return cmd
}
