package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/stores"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

func newStatusCommand() *cobra.Command {
	var (
		limit       int
		transitions bool
		events      bool
	)

	cmd := &cobra.Command{
		Use:   "status [experiment-id]",
		Short: "Show recorded experiment runs",
		Long: `Show experiment runs recorded in the --db database.

Without an argument the most recent runs are listed. With an experiment id
the final report and the resource snapshots of that run are shown, and
optionally every state transition and event.`,
		Example: `  # List recent runs
  testbed status

  # Inspect one run with its transitions
  testbed status 0b6c1c8e-... --transitions`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := openStore(ctx, telemetry.NewNopLogger())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 0 {
				experiments, err := store.ListExperiments(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, experiments)
				}
				printExperiments(out, experiments)
				return nil
			}

			id := args[0]
			exp, err := store.GetExperiment(ctx, id)
			if err != nil {
				return err
			}
			snapshots, err := store.ListSnapshots(ctx, id)
			if err != nil {
				return err
			}

			view := statusView{Experiment: exp, Snapshots: snapshots}
			if transitions {
				if view.Transitions, err = store.ListTransitions(ctx, id, nil); err != nil {
					return err
				}
			}
			if events {
				if view.Events, err = store.ListEvents(ctx, &id, nil, 1000, 0); err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(out, view)
			}
			printStatus(out, view)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&transitions, "transitions", false, "show every state transition")
	cmd.Flags().BoolVar(&events, "events", false, "show recorded events")

	return cmd
}

// statusView is everything status shows about one run.
type statusView struct {
	Experiment  *stores.Experiment        `json:"experiment"`
	Snapshots   []engine.ResourceSnapshot `json:"snapshots"`
	Transitions []engine.Transition       `json:"transitions,omitempty"`
	Events      []*stores.Event           `json:"events,omitempty"`
}

func printExperiments(out io.Writer, experiments []*stores.Experiment) {
	if len(experiments) == 0 {
		fmt.Fprintln(out, "No experiments recorded.")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tREADY\tSTARTED\tDURATION")
	for _, e := range experiments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.Name, e.Status, e.Ready, e.Total,
			e.StartedAt.Local().Format(time.DateTime), e.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()
}

func printStatus(out io.Writer, view statusView) {
	e := view.Experiment
	fmt.Fprintf(out, "Experiment %s (%s)\n", e.Name, e.ID)
	fmt.Fprintf(out, "  status:      %s\n", e.Status)
	fmt.Fprintf(out, "  started:     %s\n", e.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "  duration:    %s\n", e.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  resources:   %d ready, %d failed of %d\n", e.Ready, e.Failed, e.Total)
	fmt.Fprintf(out, "  reschedules: %d\n", e.Reschedules)
	if e.Error != nil {
		fmt.Fprintf(out, "  error:       %s\n", *e.Error)
	}

	if len(view.Snapshots) > 0 {
		fmt.Fprintln(out, "\nResources:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tTYPE\tSTATE\tATTRIBUTES\tERROR")
		for _, s := range view.Snapshots {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", s.ID, s.Type, s.State, formatAttributes(s.Attributes), s.Error)
		}
		_ = tw.Flush()
	}

	if len(view.Transitions) > 0 {
		fmt.Fprintln(out, "\nTransitions:")
		for _, t := range view.Transitions {
			line := fmt.Sprintf("  %s  #%d %s: %s -> %s",
				t.Timestamp.Local().Format("15:04:05.000"), t.ResourceID, t.ResourceType, t.From, t.To)
			if t.Error != "" {
				line += " (" + t.Error + ")"
			}
			fmt.Fprintln(out, line)
		}
	}

	if len(view.Events) > 0 {
		fmt.Fprintln(out, "\nEvents:")
		for _, ev := range view.Events {
			fmt.Fprintf(out, "  %s  %-7s %-24s %s\n",
				ev.Timestamp.Local().Format("15:04:05.000"), ev.Level, ev.Type, ev.Message)
		}
	}
}

// formatAttributes renders attributes as sorted key=value pairs.
func formatAttributes(attrs map[string]interface{}) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}
