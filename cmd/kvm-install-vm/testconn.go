package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/kvm-install-vm/internal/libvirt"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Printf("Testing libvirt connection to %s...\n", conf.ConnectURI)

		client, err := libvirt.ConnectWithContext(cmd.Context(), conf.ConnectURI, 0)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Println("✓ Connected to libvirt daemon")

		info, err := client.Info()
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		fmt.Printf("✓ Libvirt version: %s\n", info.LibVersion)
		fmt.Printf("✓ Hypervisor hostname: %s\n", info.Hostname)
		fmt.Printf("✓ Connection URI: %s\n", info.URI)

		fmt.Println("\nConnection test successful!")
		return nil
	},
}
