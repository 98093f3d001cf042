package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/testbed/pkg/eventlog"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

func newReplayCommand() *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "replay <event-log>",
		Short: "Print an event log written by run --event-log",
		Long: `Print the events of a run recorded with run --event-log, followed by
the final report. Logs of interrupted runs have no report.`,
		Example: `  # Record and replay a run
  testbed run ping.yaml --event-log ping.jsonl
  testbed replay ping.jsonl

  # Only warnings and errors
  testbed replay --level warning ping.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			log, err := eventlog.ReadAll(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), log)
			}
			printEventLog(cmd.OutOrStdout(), log, telemetry.FilterByLevel(level))
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", telemetry.EventLevelInfo, "minimum event level: info, warning or error")

	return cmd
}

func printEventLog(out io.Writer, log *eventlog.Log, filter telemetry.EventFilter) {
	h := log.Header
	fmt.Fprintf(out, "Experiment %s (%s): %d resources\n\n", h.Name, h.ExperimentID, h.Resources)

	var start time.Time
	for _, ev := range log.Events {
		if start.IsZero() {
			start = ev.Timestamp
		}
		if !filter(ev) {
			continue
		}
		fmt.Fprintf(out, "  +%-10s %-7s %-24s %s\n",
			ev.Timestamp.Sub(start).Round(time.Millisecond), ev.Level, ev.Type, ev.Message)
	}

	if !log.Complete() {
		fmt.Fprintln(out, "\nThe run did not finish.")
		return
	}
	fmt.Fprintf(out, "\n%s\n", log.Report.String())
}
