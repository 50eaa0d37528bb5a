package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/kvm-install-vm/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	verbose bool

	// conf is the effective configuration, loaded before every command.
	conf *config.Config
	// confSource is the file conf was loaded from, or "" for built-ins.
	confSource string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kvm-install-vm",
		Short: "Provision KVM virtual machines from cloud images",
		Long: `kvm-install-vm creates and destroys KVM guests on the local hypervisor.

A VM is built from a distro cloud image: the image is downloaded once and
cached, each VM gets a copy-on-write overlay disk, and a cloud-init seed
ISO sets the hostname, the login user and your SSH key on first boot.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringP("connect", "C", "", "hypervisor URI (default from config, qemu:///session)")
	cmd.PersistentFlags().String("config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log with microsecond timestamps")

	_ = viper.BindPFlag("connect", cmd.PersistentFlags().Lookup("connect"))
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	viper.SetEnvPrefix("KVM_INSTALL_VM")
	viper.AutomaticEnv()

	cmd.AddCommand(
		createCmd,
		destroyCmd,
		listCmd,
		getCmd,
		imageCmd,
		configCmd,
		testConnCmd,
	)

	return cmd
}()

// initConfig loads the config file and applies the --connect override.
func initConfig() error {
	setupLogging()

	cfg, source, err := config.Discover(viper.GetString("config"))
	if err != nil {
		return err
	}
	if uri := viper.GetString("connect"); uri != "" {
		cfg.ConnectURI = uri
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	conf, confSource = cfg, source
	return nil
}

func setupLogging() {
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
}
