package daemon

import "github.com/spf13/cobra"

// Actions defines the daemon-level operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
	Validate(cmd *cobra.Command, args []string) error
}

// Commands builds the daemon commands.
func Commands(h Actions) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [CONFIG]",
		Short: "Run the Forrest daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Serve,
	}

	validateCmd := &cobra.Command{
		Use:   "validate [CONFIG]",
		Short: "Parse and validate a config file, then exit",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Validate,
	}

	return []*cobra.Command{serveCmd, validateCmd}
}
