// Package artifact implements the base image cache.
//
// Images are keyed by filename inside a single directory. A finished
// image only ever appears under its canonical name through an atomic
// rename of the in-progress ".part" file, so readers never observe a
// partially written image. Concurrent invocations fetching the same
// image serialize on an advisory lock next to the ".part" file.
package artifact

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jbweber/kvm-install-vm/internal/command"
	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/failure"
	"github.com/jbweber/kvm-install-vm/internal/naming"
)

const defaultLockRetry = 100 * time.Millisecond

// AcquiredImage is a complete base image on stable storage.
type AcquiredImage struct {
	Path string
	Size int64

	// Verified is set when this call downloaded the image and qemu-img
	// check passed. Integrity holds an ErrIntegrity failure from that
	// check; the image is kept either way.
	Verified  bool
	Integrity error
}

// ImageInfo describes one cached image.
type ImageInfo struct {
	Name    string    `json:"name" yaml:"name"`
	Path    string    `json:"path" yaml:"path"`
	Size    int64     `json:"size" yaml:"size"`
	Format  Format    `json:"format" yaml:"format"`
	ModTime time.Time `json:"modTime" yaml:"modTime"`
}

// ProgressFunc observes transfer progress. total is -1 when the server
// did not report a length.
type ProgressFunc func(done, total int64)

// Store is the base image cache rooted at one directory.
type Store struct {
	dir       string
	client    *http.Client
	runner    command.Runner
	progress  ProgressFunc
	lockRetry time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithRunner sets the runner used to invoke qemu-img.
func WithRunner(r command.Runner) Option {
	return func(s *Store) { s.runner = r }
}

// WithProgress sets a progress observer for downloads.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Store) { s.progress = fn }
}

// WithLockRetry sets how often a blocked download retries the lock.
func WithLockRetry(d time.Duration) Option {
	return func(s *Store) { s.lockRetry = d }
}

// NewStore creates a Store for imageDir. The directory is created on
// first download.
func NewStore(imageDir string, opts ...Option) *Store {
	s := &Store{
		dir:       imageDir,
		client:    &http.Client{},
		runner:    command.ExecRunner{},
		lockRetry: defaultLockRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the canonical cache path of a profile's image.
func (s *Store) Path(p config.DistroProfile) string {
	return naming.ImagePath(s.dir, p.BaseImageFilename)
}

// URL returns the download URL of a profile's image.
func (s *Store) URL(p config.DistroProfile) string {
	return naming.DownloadURL(p.SourceURLPrefix, p.BaseImageFilename)
}

// Exists reports whether a finished image is cached for p.
func (s *Store) Exists(p config.DistroProfile) (bool, error) {
	_, ok, err := s.cached(s.Path(p))
	return ok, err
}

// Delete removes the cached image for p. A missing image is not an error.
func (s *Store) Delete(p config.DistroProfile) error {
	path := s.Path(p)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failure.Filesystem(err, "failed to delete image %s", path)
	}
	log.Printf("Deleted image %s", path)
	return nil
}

// List returns the finished images in the cache, sorted by name.
// In-progress downloads and lock files are skipped.
func (s *Store) List() ([]ImageInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, failure.Filesystem(err, "failed to read image directory %s", s.dir)
	}

	var images []ImageInfo
	for _, e := range entries {
		if !e.Type().IsRegular() || naming.IsTransient(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(s.dir, e.Name())
		format, err := DetectFormat(path)
		if err != nil {
			format = FormatUnknown
		}

		images = append(images, ImageInfo{
			Name:    e.Name(),
			Path:    path,
			Size:    info.Size(),
			Format:  format,
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

// cached reports whether a finished image exists at path.
func (s *Store) cached(path string) (AcquiredImage, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AcquiredImage{}, false, nil
		}
		return AcquiredImage{}, false, failure.Filesystem(err, "failed to stat %s", path)
	}
	if !info.Mode().IsRegular() {
		return AcquiredImage{}, false, failure.Precondition("%s exists but is not a regular file", path)
	}
	return AcquiredImage{Path: path, Size: info.Size()}, true, nil
}
