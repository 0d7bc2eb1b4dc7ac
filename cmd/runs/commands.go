package runs

import "github.com/spf13/cobra"

// Actions defines operations on live runs.
type Actions interface {
	List(cmd *cobra.Command, args []string) error
	Shell(cmd *cobra.Command, args []string) error
}

// Commands builds the "runs" parent command with all subcommands.
func Commands(h Actions) []*cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect live runs",
	}

	listCmd := &cobra.Command{
		Use:     "list [CONFIG]",
		Aliases: []string{"ls"},
		Short:   "List live runs and queued jobs",
		Args:    cobra.MaximumNArgs(1),
		RunE:    h.List,
	}

	shellCmd := &cobra.Command{
		Use:   "shell RUN-DIR",
		Short: "Attach to a run's serial console (shell.sock)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Shell,
	}

	runsCmd.AddCommand(listCmd, shellCmd)
	return []*cobra.Command{runsCmd}
}
