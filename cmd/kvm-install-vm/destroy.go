package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kvm-install-vm/internal/vm"
)

var removeDisk bool

var destroyCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <vm-name>",
		Short: "Destroy a VM",
		Long: `Destroy a virtual machine by name.

This will:
- Stop the VM if running (graceful shutdown, then force off)
- Undefine the domain
- Delete its disks and seed ISO when --remove-disk is given

Without --remove-disk the disk paths are printed for manual cleanup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmName := args[0]
			fmt.Printf("Destroying VM: %s\n", vmName)

			result, err := vm.Destroy(cmd.Context(), conf.ConnectURI, vmName, vm.DestroyOptions{
				RemoveDisk:      removeDisk,
				ShutdownTimeout: conf.Defaults.ShutdownTimeout,
			})
			if err != nil {
				return fmt.Errorf("failed to destroy VM: %w", err)
			}

			fmt.Printf("✓ VM '%s' destroyed\n", vmName)

			if !removeDisk {
				if len(result.DiskPaths) > 0 {
					fmt.Println("Disks kept (remove manually or rerun with --remove-disk):")
					for _, p := range result.DiskPaths {
						fmt.Printf("  %s\n", p)
					}
				}
				return nil
			}

			for _, p := range result.Removed {
				fmt.Printf("✓ Removed %s\n", p)
			}
			for _, f := range result.Failed {
				fmt.Printf("✗ Could not remove %s: %v\n", f.Path, f.Err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&removeDisk, "remove-disk", false, "delete the VM's disks and seed ISO")

	return cmd
}()
