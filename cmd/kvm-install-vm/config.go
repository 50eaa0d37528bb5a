package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/kvm-install-vm/internal/config"
)

var configShowTOML bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configShowCmd.Flags().BoolVar(&configShowTOML, "toml", false, "print as TOML instead of YAML")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration in effect: the config file if one was found,
layered over the built-in defaults, with --connect applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := config.Marshal(conf, configShowTOML)
		if err != nil {
			return err
		}

		source := confSource
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Fprintf(os.Stderr, "# source: %s\n", source)
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the built-in defaults to a config file",
	Long: `Write the built-in configuration to a file for editing.

The path defaults to --config, or the per-user location
($XDG_CONFIG_HOME or ~/.config)/kvm-install-vm/config.yaml. A path ending
in .toml is written as TOML. An existing file is never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	// Runs without loading the config, which may not exist yet
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		setupLogging()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("config")
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			path = config.SearchPaths()[0]
		}

		if err := config.Save(config.Default(), path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("✓ Wrote %s\n", path)
		return nil
	},
}
