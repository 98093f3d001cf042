package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/testbed/pkg/config"
)

// planWave is one deployment wave of the JSON plan output.
type planWave struct {
	Wave      int            `json:"wave"`
	Resources []planResource `json:"resources"`
}

type planResource struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <path>",
		Short: "Show the deployment waves of an experiment",
		Long: `Show the order in which an experiment deploys.

Resources in the same wave only depend on resources of earlier waves and
deploy concurrently. Topological connections do not order deployment.`,
		Example: `  # Show the waves of an experiment
  testbed plan ping.yaml

  # Machine readable output
  testbed plan --json ping.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(args[0])
			if err != nil {
				return err
			}
			exp, err := assemble(file, assembleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = exp.ctrl.Close() }()

			plan := buildPlan(exp)
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), plan)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Experiment %s: %d resources in %d waves\n", file.Name, len(file.Resources), len(plan))
			for _, wave := range plan {
				fmt.Fprintf(out, "\nWave %d:\n", wave.Wave)
				for _, r := range wave.Resources {
					line := fmt.Sprintf("  %-20s %s", r.Name, r.Type)
					if len(r.DependsOn) > 0 {
						line += " <- " + strings.Join(r.DependsOn, ", ")
					}
					fmt.Fprintln(out, strings.TrimRight(line, " "))
				}
			}
			return nil
		},
	}

	return cmd
}

// buildPlan lists the waves with resources sorted by name.
func buildPlan(exp *experiment) []planWave {
	graph := exp.ctrl.Graph()
	levels := graph.Levels()

	plan := make([]planWave, 0, len(levels))
	for i, ids := range levels {
		wave := planWave{Wave: i, Resources: make([]planResource, 0, len(ids))}
		for _, id := range ids {
			r, err := exp.ctrl.Resource(id)
			if err != nil {
				continue
			}
			pr := planResource{Name: exp.name(id), Type: string(r.Type())}
			for _, dep := range graph.Dependencies(id) {
				pr.DependsOn = append(pr.DependsOn, exp.name(dep))
			}
			sort.Strings(pr.DependsOn)
			wave.Resources = append(wave.Resources, pr)
		}
		sort.Slice(wave.Resources, func(a, b int) bool {
			return wave.Resources[a].Name < wave.Resources[b].Name
		})
		plan = append(plan, wave)
	}
	return plan
}
