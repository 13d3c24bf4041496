// Command examcache is the operator CLI for the response cache.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/examcache"
	"github.com/ferro-labs/examcache/internal/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "examcache",
		Short:         "examcache inspects and validates the explanation and translation cache",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("EXAMCACHE_CONFIG"), "path to config file (JSON or YAML)")

	load := func() (examcache.Config, error) {
		if configPath == "" {
			return examcache.Default(), nil
		}
		cfg, err := examcache.LoadConfig(configPath)
		if err != nil {
			return examcache.Config{}, err
		}
		return *cfg, nil
	}

	root.AddCommand(
		newValidateCmd(),
		newCacheCmd(load),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "examcache %s\n", version.String())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := examcache.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Mode:        %s\n", cfg.Cache.EffectiveMode())
			fmt.Fprintf(out, "  Explanation: %s\n", providerLabel(cfg.Providers.Explanation))
			fmt.Fprintf(out, "  Translation: %s\n", providerLabel(cfg.Providers.Translation))
			return nil
		},
	}
}

func providerLabel(p examcache.ProviderConfig) string {
	if p.Model == "" {
		return p.Type
	}
	return p.Type + " (" + p.Model + ")"
}
