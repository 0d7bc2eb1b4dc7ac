package core

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultConfigPath is used when neither an argument, flag nor environment
// variable names a config file.
const DefaultConfigPath = "config.yaml"

// ConfigPath resolves the config file path from, in order: the positional
// argument, the --config flag / FORREST_CONFIG environment variable, and
// the default.
func ConfigPath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if path := viper.GetString("config"); path != "" {
		return path
	}
	return DefaultConfigPath
}

// CommandContext returns the command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
