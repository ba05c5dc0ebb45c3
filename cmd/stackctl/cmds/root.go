package cmds

import (
	"github.com/spf13/cobra"
)

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newUpCmd())
	root.AddCommand(newDownCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newHistoryCmd())
	return nil
}
