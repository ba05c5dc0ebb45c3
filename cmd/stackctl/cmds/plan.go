package cmds

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/topology"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the start order and the conditions gating each service",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			file, err := compose.LoadFromFile(opts.File)
			if err != nil {
				return err
			}
			graph, err := topology.Build(file.ServicesInOrder())
			if err != nil {
				return err
			}

			for i, name := range graph.TopologicalOrder() {
				var gates []string
				for _, edge := range graph.PrerequisitesOf(name) {
					gates = append(gates, fmt.Sprintf("%s (%s)", edge.Prerequisite, edge.Condition))
				}
				line := fmt.Sprintf("%d. %s", i+1, name)
				if graph.HasHealthCheck(name) {
					line += " [health-checked]"
				}
				if len(gates) > 0 {
					line += " after " + strings.Join(gates, ", ")
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}
