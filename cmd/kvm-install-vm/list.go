package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kvm-install-vm/internal/output"
	"github.com/jbweber/kvm-install-vm/internal/vm"
)

var (
	outputFormat string
	noHeaders    bool
)

var listOpts struct {
	all      bool
	running  bool
	inactive bool
}

// addOutputFlags registers -o and --no-headers on cmd.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml or json")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit the table header")
}

// newFormatter validates the -o flag and returns the matching formatter.
func newFormatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

var listCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List VMs",
		Long: `List the virtual machines defined on the hypervisor, sorted by name.

Running domains show their runtime id; inactive domains show "-".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatter, err := newFormatter()
			if err != nil {
				return err
			}

			vms, err := vm.List(cmd.Context(), conf.ConnectURI, vm.Filter{
				RunningOnly:  listOpts.running,
				InactiveOnly: listOpts.inactive,
			})
			if err != nil {
				return fmt.Errorf("failed to list VMs: %w", err)
			}

			result, err := formatter.FormatVMList(vms)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}

			fmt.Print(result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&listOpts.all, "all", false, "show running and inactive VMs (default)")
	cmd.Flags().BoolVar(&listOpts.running, "running", false, "show running VMs only")
	cmd.Flags().BoolVar(&listOpts.inactive, "inactive", false, "show inactive VMs only")
	cmd.MarkFlagsMutuallyExclusive("all", "running", "inactive")
	addOutputFlags(cmd)

	return cmd
}()

var getCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <vm-name>",
		Short: "Get details about a VM",
		Long: `Get detailed information about a specific virtual machine.

Shows the domain's state and resources, its disks, and for VMs created by
this tool the request that provisioned them.

Output formats:
  -o table  Human-readable summary (default)
  -o yaml   YAML document
  -o json   JSON document`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmName := args[0]

			formatter, err := newFormatter()
			if err != nil {
				return err
			}

			details, err := vm.Get(cmd.Context(), conf.ConnectURI, vmName)
			if err != nil {
				return fmt.Errorf("failed to get VM: %w", err)
			}

			result, err := formatter.FormatVM(details)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}

			fmt.Print(result)
			return nil
		},
	}

	addOutputFlags(cmd)

	return cmd
}()
