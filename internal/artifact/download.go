package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/failure"
	"github.com/jbweber/kvm-install-vm/internal/naming"
)

const copyBufferSize = 32 * 1024

// Ensure returns a complete local copy of the profile's base image,
// downloading it if necessary.
//
// A cached image is returned without any network access. Otherwise the
// image is downloaded into an in-progress file, resuming a previous
// attempt where the server allows it, renamed into place once the
// transfer completes, and checked with qemu-img. On any transfer failure
// the in-progress file is retained so the next call can resume.
func (s *Store) Ensure(ctx context.Context, p config.DistroProfile) (AcquiredImage, error) {
	final := s.Path(p)

	img, ok, err := s.cached(final)
	if err != nil {
		return AcquiredImage{}, err
	}
	if ok {
		log.Printf("Image %s found in cache", final)
		return img, nil
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return AcquiredImage{}, failure.Filesystem(err, "failed to create image directory %s", s.dir)
	}

	part := naming.PartPath(final)
	lock := flock.New(naming.LockPath(part))
	locked, err := lock.TryLockContext(ctx, s.lockRetry)
	if err != nil {
		return AcquiredImage{}, failure.Filesystem(err, "failed to lock %s", lock.Path())
	}
	if !locked {
		return AcquiredImage{}, failure.Filesystem(ctx.Err(), "failed to lock %s", lock.Path())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Printf("Warning: failed to release lock %s: %v", lock.Path(), err)
		}
	}()

	// Another invocation may have published while we waited.
	img, ok, err = s.cached(final)
	if err != nil {
		return AcquiredImage{}, err
	}
	if ok {
		log.Printf("Image %s was downloaded concurrently", final)
		return img, nil
	}

	url := s.URL(p)
	log.Printf("Downloading %s to %s...", url, final)
	if err := s.download(ctx, url, part); err != nil {
		return AcquiredImage{}, err
	}

	if err := os.Rename(part, final); err != nil {
		return AcquiredImage{}, failure.Filesystem(err, "failed to publish %s", final)
	}

	img, _, err = s.cached(final)
	if err != nil {
		return AcquiredImage{}, err
	}
	log.Printf("Download complete: %s", final)

	if err := s.verifyDownload(ctx, p, &img); err != nil {
		return AcquiredImage{}, err
	}
	return img, nil
}

// download fills part with the full content at url, resuming from the
// current length of part when the server honors a byte range.
func (s *Store) download(ctx context.Context, url, part string) error {
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return failure.Filesystem(err, "failed to stat %s", part)
	}

	if offset > 0 {
		log.Printf("Resuming download from byte %d", offset)
		resp, err := s.get(ctx, url, offset)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusPartialContent && rangeStart(resp) == offset:
			return s.write(resp, part, offset)
		case resp.StatusCode == http.StatusOK:
			log.Printf("Server does not support resume. Starting a new download")
			return s.write(resp, part, 0)
		default:
			_ = resp.Body.Close()
			log.Printf("Server does not support resume (%s). Starting a new download", resp.Status)
		}
	}

	resp, err := s.get(ctx, url, 0)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return failure.Transfer(nil, "failed to download %s: unexpected status %s", url, resp.Status)
	}
	return s.write(resp, part, 0)
}

func (s *Store) get(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.Transfer(err, "failed to build request for %s", url)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, failure.Transfer(err, "failed to download %s", url)
	}
	return resp, nil
}

// write streams resp.Body into part starting at offset. An offset of zero
// truncates part. Bytes reach the file as they are read, so an
// interrupted transfer leaves part consistent for the next resume.
func (s *Store) write(resp *http.Response, part string, offset int64) error {
	defer func() { _ = resp.Body.Close() }()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return failure.Filesystem(err, "failed to open %s", part)
	}

	total := expectedTotal(resp, offset)
	done := offset
	s.report(done, total)

	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				_ = f.Close()
				return failure.Filesystem(err, "failed to write %s", part)
			}
			done += int64(n)
			s.report(done, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = f.Close()
			return failure.Transfer(readErr, "download interrupted after %d bytes", done)
		}
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return failure.Filesystem(err, "failed to sync %s", part)
	}
	if err := f.Close(); err != nil {
		return failure.Filesystem(err, "failed to close %s", part)
	}

	if total >= 0 && done != total {
		return failure.Transfer(nil, "incomplete download: got %d of %d bytes", done, total)
	}
	return nil
}

func (s *Store) report(done, total int64) {
	if s.progress != nil {
		s.progress(done, total)
	}
}

// expectedTotal returns the full size of the resource, or -1 if unknown.
func expectedTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && total >= 0 {
			return total
		}
	}
	if resp.ContentLength < 0 {
		return -1
	}
	return offset + resp.ContentLength
}

// rangeStart returns the first byte position of a 206 response, or -1.
func rangeStart(resp *http.Response) int64 {
	start, _, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok {
		return -1
	}
	return start
}

// parseContentRange parses "bytes <start>-<end>/<total>". total is -1
// when the server sends "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(h, "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
