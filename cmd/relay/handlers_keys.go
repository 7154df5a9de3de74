package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/credentials"
)

// =============================================================================
// Keys Command Handlers
// =============================================================================

func openKeyStore(configPath string) (*config.Config, *config.Store, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.NewStore(configPath, cfg.Provider.KeysFile), nil
}

func runKeysList(cmd *cobra.Command, configPath string) error {
	cfg, store, err := openKeyStore(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d key(s) in %s\n", len(cfg.Provider.Keys), store.Path())
	for i, k := range cfg.Provider.Keys {
		fmt.Fprintf(out, "  %d. %s\n", i+1, credentials.Mask(k))
	}
	return nil
}

func runKeysAdd(cmd *cobra.Command, configPath string, add []string) error {
	cfg, store, err := openKeyStore(configPath)
	if err != nil {
		return err
	}
	keys := cfg.Provider.Keys
	added := 0
	for _, k := range add {
		if k == "" || slices.Contains(keys, k) {
			continue
		}
		keys = append(keys, k)
		added++
	}
	if added == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No new keys.")
		return nil
	}
	if err := store.PersistCredentials(cmd.Context(), keys); err != nil {
		return fmt.Errorf("failed to save keys: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %d key(s); pool size %d.\n", added, len(keys))
	return nil
}

func runKeysRemove(cmd *cobra.Command, configPath string, remove []string) error {
	cfg, store, err := openKeyStore(configPath)
	if err != nil {
		return err
	}
	keys := slices.Clone(cfg.Provider.Keys)
	for _, arg := range remove {
		i, err := matchKey(keys, arg)
		if err != nil {
			return err
		}
		keys = slices.Delete(keys, i, i+1)
	}
	if err := store.PersistCredentials(cmd.Context(), keys); err != nil {
		return fmt.Errorf("failed to save keys: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d key(s); pool size %d.\n", len(remove), len(keys))
	return nil
}

// matchKey finds arg by value, or by its masked form when that is unique.
func matchKey(keys []string, arg string) (int, error) {
	if i := slices.Index(keys, arg); i >= 0 {
		return i, nil
	}
	found := -1
	for i, k := range keys {
		if credentials.Mask(k) != arg {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("%s matches more than one key; pass the full key", arg)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("key %s not found", arg)
	}
	return found, nil
}
