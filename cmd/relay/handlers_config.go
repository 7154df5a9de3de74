package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/credentials"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigInit(cmd *cobra.Command, configPath string, force bool) error {
	written, err := config.WriteDefault(configPath, force)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !written {
		fmt.Fprintf(out, "Config already exists: %s (use --force to overwrite)\n", configPath)
		return nil
	}
	fmt.Fprintf(out, "Config written: %s\n", configPath)
	fmt.Fprintln(out, "Set DISCORD_TOKEN and OPENAI_API_KEY, or edit the file, then run: relay serve")
	return nil
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK: %s\n", configPath)
	fmt.Fprintf(out, "  provider: %s (%s)\n", cfg.Provider.Name, cfg.Provider.Model)
	fmt.Fprintf(out, "  keys:     %d\n", len(cfg.Provider.Keys))
	if len(cfg.Provider.Keys) == 0 {
		fmt.Fprintln(out, "  warning:  the key pool is empty; every request will fail")
	}
	fmt.Fprintf(out, "  token:    %s\n", credentials.Mask(cfg.Discord.Token))
	return nil
}
