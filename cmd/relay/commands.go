package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the bot.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and answer messages",
		Long: `Connect to Discord and answer messages.

A commented default configuration is written first when the file does not
exist. Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  relay serve

  # Start with debug logging
  relay serve --config /etc/relay/relay.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check the configuration file",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.AddCommand(buildConfigInitCmd(&configPath), buildConfigValidateCmd(&configPath))
	return cmd
}

func buildConfigInitCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, *configPath, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func buildConfigValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, *configPath)
		},
	}
}

// =============================================================================
// Keys Commands
// =============================================================================

func buildKeysCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the provider API key pool",
		Long: `Manage the provider API key pool.

Changes are written where the pool is stored: provider.keys_file when set,
otherwise provider.keys in the configuration file. A running bot picks them
up without a restart.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List keys, masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runKeysList(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "add <key>...",
			Short: "Append keys to the pool",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runKeysAdd(cmd, configPath, args)
			},
		},
		&cobra.Command{
			Use:   "remove <key|masked>...",
			Short: "Remove keys from the pool",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runKeysRemove(cmd, configPath, args)
			},
		},
	)
	return cmd
}
