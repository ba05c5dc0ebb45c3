package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/topology"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse the stack file and validate the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			file, err := compose.LoadFromFile(opts.File)
			if err != nil {
				return err
			}
			if _, err := topology.Build(file.ServicesInOrder()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d services, graph is valid\n", opts.File, len(file.Services))
			return nil
		},
	}
	return cmd
}
