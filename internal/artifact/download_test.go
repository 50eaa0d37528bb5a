package artifact

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/failure"
)

const imageName = "CentOS-8-GenericCloud.qcow2"

// imageContent returns deterministic image bytes starting with qcow2 magic.
func imageContent(size int) []byte {
	data := make([]byte, size)
	copy(data, qcow2Magic)
	for i := len(qcow2Magic); i < size; i++ {
		data[i] = byte(i % 251)
	}
	return data
}

// imageServer serves content, recording requests. When honorRange is
// false the Range header is ignored and the full body is returned.
type imageServer struct {
	*httptest.Server

	content    []byte
	honorRange bool

	mu        sync.Mutex
	requests  int
	ranges    []string
	bytesSent int64
}

func newImageServer(t *testing.T, content []byte, honorRange bool) *imageServer {
	t.Helper()
	s := &imageServer{content: content, honorRange: honorRange}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.mu.Unlock()

	if r.URL.Path != "/images/"+imageName {
		http.NotFound(w, r)
		return
	}

	cw := &countingWriter{ResponseWriter: w}
	if s.honorRange {
		http.ServeContent(cw, r, imageName, time.Time{}, bytes.NewReader(s.content))
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))
		w.WriteHeader(http.StatusOK)
		_, _ = cw.Write(s.content)
	}

	s.mu.Lock()
	s.bytesSent += cw.n
	s.mu.Unlock()
}

func (s *imageServer) stats() (requests int, ranges []string, sent int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, append([]string(nil), s.ranges...), s.bytesSent
}

func (s *imageServer) profile() config.DistroProfile {
	return config.DistroProfile{
		ID:                "centos8",
		BaseImageFilename: imageName,
		SourceURLPrefix:   s.URL + "/images/",
	}
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func TestEnsure_DownloadThenCacheHit(t *testing.T) {
	content := imageContent(200 * 1024)
	srv := newImageServer(t, content, true)
	dir := filepath.Join(t.TempDir(), "images")

	progress := &progressRecorder{}
	store := NewStore(dir, WithProgress(progress.record))

	img, err := store.Ensure(context.Background(), srv.profile())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if img.Path != filepath.Join(dir, imageName) {
		t.Errorf("Path = %s", img.Path)
	}
	if img.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", img.Size, len(content))
	}

	got, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatalf("failed to read image: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded content differs")
	}
	if _, err := os.Stat(filepath.Join(dir, "CentOS-8-GenericCloud.part")); !os.IsNotExist(err) {
		t.Errorf("expected .part to be gone after publish, stat err = %v", err)
	}

	last, err := progress.last()
	if err != nil {
		t.Fatal(err)
	}
	if last[0] != int64(len(content)) || last[1] != int64(len(content)) {
		t.Errorf("final progress = %v, want done == total == %d", last, len(content))
	}

	// Second call is a cache hit with no network access
	if _, err := store.Ensure(context.Background(), srv.profile()); err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	requests, _, _ := srv.stats()
	if requests != 1 {
		t.Errorf("expected exactly 1 request across two Ensure calls, got %d", requests)
	}
}

func TestEnsure_VerifiesDownload(t *testing.T) {
	tests := []struct {
		name         string
		runErr       error
		lookErr      error
		wantVerified bool
		wantBroken   bool
		wantCalls    int
	}{
		{name: "check passes", wantVerified: true, wantCalls: 1},
		{
			name:       "check fails",
			runErr:     failure.ExternalTool(errors.New("exit status 2"), "ERROR cluster 4 refcount=0", "qemu-img check"),
			wantBroken: true,
			wantCalls:  1,
		},
		{name: "qemu-img missing", lookErr: errors.New("not found")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newImageServer(t, imageContent(64*1024), true)
			dir := t.TempDir()
			runner := &mockRunner{
				runFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
					return nil, tt.runErr
				},
				lookPathFunc: func(name string) (string, error) {
					if tt.lookErr != nil {
						return "", tt.lookErr
					}
					return "/usr/bin/qemu-img", nil
				},
			}
			store := NewStore(dir, WithRunner(runner))

			img, err := store.Ensure(context.Background(), srv.profile())
			if err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if img.Verified != tt.wantVerified {
				t.Errorf("Verified = %v, want %v", img.Verified, tt.wantVerified)
			}
			if tt.wantBroken != errors.Is(img.Integrity, failure.ErrIntegrity) {
				t.Errorf("Integrity = %v, want integrity failure: %v", img.Integrity, tt.wantBroken)
			}

			calls := runner.calls()
			if len(calls) != tt.wantCalls {
				t.Fatalf("expected %d qemu-img calls, got %v", tt.wantCalls, calls)
			}
			if tt.wantCalls == 1 && calls[0] != "qemu-img check "+img.Path {
				t.Errorf("unexpected command %q", calls[0])
			}

			// A failed check keeps the image published
			if _, err := os.Stat(img.Path); err != nil {
				t.Errorf("image not kept: %v", err)
			}

			// Cache hits are not checked again
			if _, err := store.Ensure(context.Background(), srv.profile()); err != nil {
				t.Fatalf("second Ensure() error = %v", err)
			}
			if got := len(runner.calls()); got != tt.wantCalls {
				t.Errorf("cache hit ran qemu-img, calls = %d", got)
			}
		})
	}
}

func TestEnsure_ResumeWithRangeSupport(t *testing.T) {
	content := imageContent(100 * 1024)
	srv := newImageServer(t, content, true)
	dir := t.TempDir()

	// Simulate an earlier interrupted download
	const already = 40 * 1024
	part := filepath.Join(dir, "CentOS-8-GenericCloud.part")
	if err := os.WriteFile(part, content[:already], 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(dir)
	img, err := store.Ensure(context.Background(), srv.profile())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	_, ranges, sent := srv.stats()
	if len(ranges) != 1 || ranges[0] != "bytes=40960-" {
		t.Errorf("expected a single ranged request from byte 40960, got %q", ranges)
	}
	if sent != int64(len(content)-already) {
		t.Errorf("server sent %d bytes, want only the remaining %d", sent, len(content)-already)
	}
	if img.Size != int64(len(content)) {
		t.Errorf("final size = %d, want %d", img.Size, len(content))
	}

	got, _ := os.ReadFile(img.Path)
	if !bytes.Equal(got, content) {
		t.Error("resumed content differs from source")
	}
}

func TestEnsure_ResumeWithoutRangeSupport(t *testing.T) {
	content := imageContent(64 * 1024)
	srv := newImageServer(t, content, false)
	dir := t.TempDir()

	// Stale partial content that must not survive
	part := filepath.Join(dir, "CentOS-8-GenericCloud.part")
	if err := os.WriteFile(part, bytes.Repeat([]byte("X"), 1000), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(dir)
	img, err := store.Ensure(context.Background(), srv.profile())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	got, _ := os.ReadFile(img.Path)
	if !bytes.Equal(got, content) {
		t.Errorf("expected a fresh complete download, got %d bytes", len(got))
	}
	if requests, _, _ := srv.stats(); requests != 1 {
		t.Errorf("expected the 200 response to be reused, got %d requests", requests)
	}
}

func TestEnsure_ResumeRejected(t *testing.T) {
	content := imageContent(8 * 1024)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	part := filepath.Join(dir, "CentOS-8-GenericCloud.part")
	if err := os.WriteFile(part, []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	profile := config.DistroProfile{BaseImageFilename: imageName, SourceURLPrefix: srv.URL}
	img, err := NewStore(dir).Ensure(context.Background(), profile)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	got, _ := os.ReadFile(img.Path)
	if !bytes.Equal(got, content) {
		t.Error("expected fresh download after rejected range")
	}
	if requests.Load() != 2 {
		t.Errorf("expected ranged attempt plus fresh request, got %d", requests.Load())
	}
}

func TestEnsure_InterruptedThenResumed(t *testing.T) {
	content := imageContent(50 * 1024)
	const cut = 20 * 1024

	// First server promises the full length but drops the connection early
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content[:cut])
	}))
	defer broken.Close()

	dir := t.TempDir()
	profile := config.DistroProfile{BaseImageFilename: imageName, SourceURLPrefix: broken.URL + "/images"}

	_, err := NewStore(dir).Ensure(context.Background(), profile)
	if err == nil {
		t.Fatal("expected transfer error from truncated response")
	}
	if !errors.Is(err, failure.ErrTransfer) {
		t.Errorf("expected ErrTransfer, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, imageName)); !os.IsNotExist(err) {
		t.Error("partial image must not be published under the canonical name")
	}

	part := filepath.Join(dir, "CentOS-8-GenericCloud.part")
	info, err := os.Stat(part)
	if err != nil {
		t.Fatalf("expected .part to be retained: %v", err)
	}
	if info.Size() != cut {
		t.Errorf(".part size = %d, want %d", info.Size(), cut)
	}

	// Resume against a range-capable server
	good := newImageServer(t, content, true)
	img, err := NewStore(dir).Ensure(context.Background(), good.profile())
	if err != nil {
		t.Fatalf("resume Ensure() error = %v", err)
	}
	_, ranges, sent := good.stats()
	if ranges[0] != "bytes=20480-" {
		t.Errorf("Range = %q, want bytes=20480-", ranges[0])
	}
	if sent != int64(len(content)-cut) {
		t.Errorf("server sent %d bytes, want %d", sent, len(content)-cut)
	}
	got, _ := os.ReadFile(img.Path)
	if !bytes.Equal(got, content) {
		t.Error("resumed image differs from source")
	}
}

func TestEnsure_HTTPErrorRetainsPart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	part := filepath.Join(dir, "CentOS-8-GenericCloud.part")
	if err := os.WriteFile(part, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	profile := config.DistroProfile{BaseImageFilename: imageName, SourceURLPrefix: srv.URL}
	_, err := NewStore(dir).Ensure(context.Background(), profile)
	if !errors.Is(err, failure.ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}

	data, err := os.ReadFile(part)
	if err != nil || string(data) != "partial" {
		t.Errorf("expected .part to be untouched, got %q (err %v)", data, err)
	}
}

func TestEnsure_ConcurrentCallersDownloadOnce(t *testing.T) {
	content := imageContent(256 * 1024)
	srv := newImageServer(t, content, true)
	dir := t.TempDir()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := NewStore(dir, WithLockRetry(5*time.Millisecond))
			_, errs[i] = store.Ensure(context.Background(), srv.profile())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if requests, _, _ := srv.stats(); requests != 1 {
		t.Errorf("expected a single download, got %d requests", requests)
	}

	got, _ := os.ReadFile(filepath.Join(dir, imageName))
	if !bytes.Equal(got, content) {
		t.Error("concurrent download corrupted the image")
	}
}

func TestEnsure_UnknownLengthReportsTotalUnknown(t *testing.T) {
	content := imageContent(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before writing forces chunked encoding with no length
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	progress := &progressRecorder{}
	profile := config.DistroProfile{BaseImageFilename: imageName, SourceURLPrefix: srv.URL}
	if _, err := NewStore(t.TempDir(), WithProgress(progress.record)).Ensure(context.Background(), profile); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	last, err := progress.last()
	if err != nil {
		t.Fatal(err)
	}
	if last[0] != int64(len(content)) || last[1] != -1 {
		t.Errorf("final progress = %v, want [%d -1]", last, len(content))
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart int64
		wantTotal int64
		wantOK    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-0/1", 0, 1, true},
		{"bytes 5-9/*", 5, -1, true},
		{"", 0, 0, false},
		{"bytes */200", 0, 0, false},
		{"items 1-2/3", 0, 0, false},
		{"bytes abc-1/2", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, total, ok := parseContentRange(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && (start != tt.wantStart || total != tt.wantTotal) {
				t.Errorf("got (%d, %d), want (%d, %d)", start, total, tt.wantStart, tt.wantTotal)
			}
		})
	}
}
