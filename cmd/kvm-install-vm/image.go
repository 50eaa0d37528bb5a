package main

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
)

// Image management commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage cached base images",
	Long: `Manage the distro cloud images cached in the image directory.

Base images are used as read-only backing files for VM disks, so one
download serves every VM of that distro.`,
}

func init() {
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imagePullCmd)
	imageCmd.AddCommand(imageVerifyCmd)
	imageCmd.AddCommand(imageDeleteCmd)

	addOutputFlags(imageListCmd)
}

func newImageStore() *artifact.Store {
	return artifact.NewStore(conf.Defaults.ImageDir,
		artifact.WithProgress(artifact.TerminalProgress(os.Stderr, 250*time.Millisecond)))
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached images",
	Long: `List the finished images in the image directory.

In-progress downloads are not shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}

		images, err := newImageStore().List()
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}

		result, err := formatter.FormatImageList(images)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}

		fmt.Print(result)
		return nil
	},
}

var imagePullCmd = &cobra.Command{
	Use:   "pull <distro>",
	Short: "Download a distro's base image",
	Long: `Download the base image of a configured distro into the cache.

An interrupted download resumes where it stopped. A cached image is not
downloaded again.

Example:
  kvm-install-vm image pull ubuntu2004`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := conf.Profile(args[0])
		if err != nil {
			return err
		}

		image, err := newImageStore().Ensure(cmd.Context(), profile)
		if err != nil {
			return fmt.Errorf("failed to pull image: %w", err)
		}

		fmt.Printf("✓ Image %s ready (%s)\n", image.Path, units.HumanSize(float64(image.Size)))
		return nil
	},
}

var imageVerifyCmd = &cobra.Command{
	Use:   "verify <distro>",
	Short: "Check a cached image with qemu-img",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := conf.Profile(args[0])
		if err != nil {
			return err
		}

		store := newImageStore()
		ok, err := store.Verify(cmd.Context(), profile)
		if err != nil {
			return fmt.Errorf("failed to verify image: %w", err)
		}
		if !ok {
			return fmt.Errorf("image %s is not cached; run 'image pull %s'", store.Path(profile), profile.ID)
		}

		fmt.Printf("✓ Image %s is intact\n", store.Path(profile))
		return nil
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete <distro>",
	Short: "Delete a distro's cached image",
	Long: `Delete the cached base image of a distro.

VMs whose disks use the image as backing file will no longer start, so
destroy them first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := conf.Profile(args[0])
		if err != nil {
			return err
		}

		if err := newImageStore().Delete(profile); err != nil {
			return fmt.Errorf("failed to delete image: %w", err)
		}

		fmt.Printf("✓ Image for %s deleted\n", profile.ID)
		return nil
	},
}
