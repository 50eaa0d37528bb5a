package artifact

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// Verify runs "qemu-img check" against the cached image for p.
//
// A missing image reports false with no error. A failed check reports
// false with an ErrIntegrity error carrying the tool output. The image
// is never deleted here; the caller decides what to do with it.
func (s *Store) Verify(ctx context.Context, p config.DistroProfile) (bool, error) {
	path := s.Path(p)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, failure.Filesystem(err, "failed to stat %s", path)
	}

	if _, err := s.runner.LookPath("qemu-img"); err != nil {
		return false, failure.ExternalTool(err, "", "qemu-img is required to verify images")
	}

	log.Printf("Verifying image %s...", path)
	if _, err := s.runner.Run(ctx, "qemu-img", "check", path); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, failure.Integrity(failure.Stderr(err), "image %s failed verification", path)
	}

	return true, nil
}

// verifyDownload checks a freshly published image. An integrity failure
// is logged and recorded on img but not returned, and the image stays in
// the cache. A missing qemu-img only skips the check.
func (s *Store) verifyDownload(ctx context.Context, p config.DistroProfile, img *AcquiredImage) error {
	ok, err := s.Verify(ctx, p)
	switch {
	case ok:
		img.Verified = true
		return nil
	case errors.Is(err, failure.ErrIntegrity):
		log.Printf("Warning: %v; the image is kept, remove it with 'image delete' to download it again", err)
		img.Integrity = err
		return nil
	case errors.Is(err, failure.ErrExternalTool):
		log.Printf("Warning: skipping image verification: %v", err)
		return nil
	default:
		return err
	}
}
