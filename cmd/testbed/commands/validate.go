package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/testbed/pkg/config"
)

// errInvalid is returned by validate after the problems were printed.
var errInvalid = errors.New("experiment is invalid")

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate an experiment file",
		Long: `Validate an experiment file or a directory of CUE files.

This command checks:
  - Syntax and schema conformance (YAML, JSON or CUE)
  - Resource types and attribute values
  - Connections, including dependency cycles
  - Admission policies (builtin and --policy)

With --watch the file is validated again whenever it changes.`,
		Example: `  # Validate a YAML experiment
  testbed validate ping.yaml

  # Validate a CUE package with extra policies
  testbed validate ./experiments/star --policy ./policies

  # Validate on every save
  testbed validate --watch ping.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			out := cmd.OutOrStdout()

			if !watch {
				return validatePath(cmd.Context(), out, path)
			}

			log.Info().Str("path", path).Msg("Watching experiment for changes")
			if err := validatePath(cmd.Context(), out, path); err != nil && !errors.Is(err, errInvalid) {
				return err
			}
			return watchPath(cmd.Context(), path, func() {
				if err := validatePath(cmd.Context(), out, path); err != nil && !errors.Is(err, errInvalid) {
					log.Error().Err(err).Str("path", path).Msg("Validation failed")
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "validate again on every change")

	return cmd
}

// validatePath loads, assembles and policy-checks one experiment and
// prints the outcome. It returns errInvalid when the experiment would not
// be admitted by run.
func validatePath(ctx context.Context, out io.Writer, path string) error {
	file, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(out, "%s: %d problems\n", path, len(verrs))
			for _, e := range verrs {
				fmt.Fprintf(out, "  %s\n", e.Error())
			}
			return errInvalid
		}
		fmt.Fprintf(out, "%s: %v\n", path, err)
		return errInvalid
	}

	exp, err := assemble(file, assembleOptions{})
	if err != nil {
		fmt.Fprintf(out, "%v\n", err)
		return errInvalid
	}
	waves := len(exp.ctrl.Graph().Levels())
	connections := len(exp.ctrl.Graph().Connections())
	_ = exp.ctrl.Close()

	result, err := evaluatePolicies(ctx, file, nil)
	if err != nil {
		return err
	}

	status := "ok"
	if !result.Allowed {
		status = "denied by policy"
	}
	fmt.Fprintf(out, "%s: %s (%d resources, %d connections, %d waves, %d policies)\n",
		path, status, len(file.Resources), connections, waves, len(result.EvaluatedPolicies))
	printViolations(out, result)

	if !result.Allowed {
		return errInvalid
	}
	return nil
}
