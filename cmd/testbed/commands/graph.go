package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/testbed/pkg/config"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <path>",
		Short: "Render the connection graph in Graphviz DOT format",
		Long: `Render the connection graph of an experiment in Graphviz DOT format.

Nodes are grouped by deployment wave. Dependency connections are solid,
topological ones dashed. Node labels carry the resource id; the leading
comment maps ids to resource names.`,
		Example: `  # Render to SVG
  testbed graph ping.yaml | dot -Tsvg > ping.svg`,
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

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "// experiment %s\n", file.Name)
			for _, rc := range file.Resources {
				fmt.Fprintf(out, "// #%d %s\n", exp.ids[rc.Name], rc.Name)
			}
			fmt.Fprint(out, exp.ctrl.Graph().ToDOT(nil))
			return nil
		},
	}

	return cmd
}
