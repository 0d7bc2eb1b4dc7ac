package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmddaemon "github.com/forrest-runner/forrest/cmd/daemon"
	cmdruns "github.com/forrest-runner/forrest/cmd/runs"
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forrest [CONFIG]",
		Short: "Forrest - ephemeral GitHub Actions runners on QEMU/KVM",
		Args:  cobra.MaximumNArgs(1),
		// Bare "forrest config.yaml" runs the daemon, the classic
		// invocation from a systemd unit.
		RunE: cmddaemon.Handler{}.Serve,
	}

	cmd.PersistentFlags().String("config", "", "config file path")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	viper.SetEnvPrefix("FORREST")
	viper.AutomaticEnv()

	for _, c := range cmddaemon.Commands(cmddaemon.Handler{}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdruns.Commands(cmdruns.Handler{}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	return rootCmd.Execute()
}
