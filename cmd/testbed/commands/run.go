package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/testbed/pkg/config"
	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/stores"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// runOptions are the flags of the run command.
type runOptions struct {
	stepDelay    time.Duration
	timeout      time.Duration
	metricsAddr  string
	traceMode    string
	otlpEndpoint string
	noStore      bool
	eventLog     string
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Deploy an experiment",
		Long: `Deploy every resource of an experiment and wait until all of them are
ready, the experiment timeout elapses, or the command is interrupted.

The experiment must pass the admission policies first. Resources that fail
do not stop the others; the command reports each resource and exits non-zero
unless every resource is ready. Transitions, snapshots and events are stored
in the --db database for the status command.`,
		Example: `  # Run an experiment
  testbed run ping.yaml

  # Slow the simulation down and expose metrics while it runs
  testbed run ping.yaml --step-delay 500ms --metrics-addr :9090

  # Send traces to an OTLP collector
  testbed run ping.yaml --trace otlp --otlp-endpoint localhost:4317`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().DurationVar(&opts.stepDelay, "step-delay", 0, "simulated duration of every deploy step")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "override settings.timeout of the experiment")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().StringVar(&opts.traceMode, "trace", "none", "trace exporter: none, stdout or otlp")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "do not record the run in the database")
	cmd.Flags().StringVar(&opts.eventLog, "event-log", "", "write the run's events as JSON lines to this file")

	return cmd
}

// telemetryConfig derives the telemetry configuration from the run flags.
func telemetryConfig(opts runOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = serviceVersion
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Metrics.ListenAddress = opts.metricsAddr
	if opts.traceMode != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceMode
		cfg.Tracing.Endpoint = opts.otlpEndpoint
	}
	return cfg
}

func runExperiment(ctx context.Context, out io.Writer, path string, opts runOptions) (err error) {
	file, err := config.Load(path)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		file.Settings.Timeout = opts.timeout.String()
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(opts))
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	var store *stores.SQLiteStore
	if !opts.noStore {
		store, err = openStore(ctx, tel.Logger)
		if err != nil {
			_ = tel.Shutdown(context.Background())
			return err
		}
		tel.Events.Subscribe(store.EventSubscriber(), nil)
	}

	var (
		elog   *eventLogFile
		report *engine.Report
	)

	// Telemetry goes first so that buffered events still reach the store
	// and the event log before the report closes it.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := tel.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Telemetry shutdown incomplete")
		}
		if elog != nil {
			if cerr := elog.close(report); cerr != nil && err == nil {
				err = cerr
			}
		}
		if store != nil {
			if cerr := store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	result, err := evaluatePolicies(ctx, file, tel.Events)
	if err != nil {
		return err
	}
	if len(result.Violations) > 0 {
		fmt.Fprintf(out, "Policy violations:\n")
		printViolations(out, result)
	}
	if !result.Allowed {
		return fmt.Errorf("experiment %s denied by %d policy violations", file.Name, len(result.Blocking()))
	}

	assembleOpts := assembleOptions{telemetry: tel, stepDelay: opts.stepDelay}
	if store != nil {
		assembleOpts.recorder = store
	}
	exp, err := assemble(file, assembleOpts)
	if err != nil {
		return err
	}
	defer func() { _ = exp.ctrl.Close() }()

	if opts.eventLog != "" {
		elog, err = createEventLog(opts.eventLog, exp)
		if err != nil {
			return err
		}
		tel.Events.Subscribe(elog.enc.Subscriber(tel.Logger), telemetry.FilterByExperimentID(exp.ctrl.ID()))
	}

	if err := tel.Metrics.StartMetricsServer(func(err error) {
		log.Error().Err(err).Msg("Metrics server failed")
	}); err != nil {
		return err
	}

	log.Info().
		Str("experiment", file.Name).
		Str("id", exp.ctrl.ID()).
		Int("resources", len(file.Resources)).
		Msg("Running experiment")

	report, runErr := exp.ctrl.Run(ctx)
	if report == nil {
		return runErr
	}

	if jsonOutput {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, exp, report)
	}

	if runErr != nil {
		return runErr
	}
	if !report.Ready() {
		return fmt.Errorf("experiment %s finished %s", file.Name, report.Status)
	}
	return nil
}

// openStore opens the --db database and applies migrations.
func openStore(ctx context.Context, logger *telemetry.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// printReport writes the report as a table using resource names.
func printReport(out io.Writer, exp *experiment, report *engine.Report) {
	fmt.Fprintf(out, "Experiment %s (%s): %s in %s\n",
		report.Name, report.ExperimentID, report.Status, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  %d ready, %d failed, %d reschedules\n\n",
		report.Summary.Ready, report.Summary.Failed, report.Summary.Reschedules)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tSTATE\tRESCHEDULES\tCODE\tERROR")
	for _, rr := range report.Resources {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			exp.name(rr.ID), rr.Type, rr.State, rr.Reschedules, rr.ErrorCode, rr.Error)
	}
	_ = tw.Flush()

	if report.Error != "" {
		fmt.Fprintf(out, "\n%s\n", report.Error)
	}
}
