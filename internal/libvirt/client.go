package libvirt

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/jbweber/kvm-install-vm/internal/failure"
)

const (
	// DefaultURI is the per-user hypervisor endpoint. The system-wide
	// endpoint is only used when configured explicitly.
	DefaultURI = "qemu:///session"

	// SystemURI is the system-wide hypervisor endpoint.
	SystemURI = "qemu:///system"

	systemRunDir = "/var/run/libvirt"
)

// socketNames are tried in order. libvirt-sock is the monolithic daemon,
// virtqemud-sock the modular one.
var socketNames = []string{"libvirt-sock", "virtqemud-sock"}

// Client wraps a go-libvirt connection to one hypervisor endpoint.
type Client struct {
	libvirt *libvirt.Libvirt
	uri     string
}

// SocketPath resolves the UNIX socket serving a local qemu URI.
//
// A socket query parameter (qemu:///system?socket=/path) wins. Otherwise
// session URIs use $XDG_RUNTIME_DIR/libvirt (or /run/user/<uid>/libvirt)
// and system URIs use /var/run/libvirt. Remote transports are rejected.
func SocketPath(uri string) (string, error) {
	u, err := parseURI(uri)
	if err != nil {
		return "", err
	}
	if s := u.Query().Get("socket"); s != "" {
		return s, nil
	}

	var dir string
	switch u.Path {
	case "/system":
		dir = systemRunDir
	case "/session":
		if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
			dir = filepath.Join(runtime, "libvirt")
		} else {
			dir = fmt.Sprintf("/run/user/%d/libvirt", os.Getuid())
		}
	}

	for _, name := range socketNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return filepath.Join(dir, socketNames[0]), nil
}

// IsSystem reports whether uri addresses the system-wide daemon.
func IsSystem(uri string) bool {
	u, err := parseURI(uri)
	return err == nil && u.Path == "/system"
}

func parseURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid connection URI %q: %w", uri, err)
	}
	switch u.Scheme {
	case "qemu", "qemu+unix":
	default:
		return nil, fmt.Errorf("unsupported connection URI %q: only local qemu URIs are supported", uri)
	}
	if u.Host != "" {
		return nil, fmt.Errorf("unsupported connection URI %q: remote hosts are not supported", uri)
	}
	if u.Path != "/session" && u.Path != "/system" {
		return nil, fmt.Errorf("unsupported connection URI %q: path must be /session or /system", uri)
	}
	return u, nil
}

// daemonURI is the URI sent in the connect handshake, without the
// transport and socket details that only matter to the dialer.
func daemonURI(u *url.URL) libvirt.ConnectURI {
	return libvirt.ConnectURI("qemu://" + u.Path)
}

// Connect establishes a connection to the local libvirt daemon serving uri.
// It returns a Client that must be closed via Close() when done.
//
// If uri is empty, DefaultURI is used. If timeout is zero, defaults to
// 5 seconds.
func Connect(uri string, timeout time.Duration) (*Client, error) {
	if uri == "" {
		uri = DefaultURI
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	u, err := parseURI(uri)
	if err != nil {
		return nil, failure.NotConnected(err, "cannot connect to %s", uri)
	}
	socketPath, err := SocketPath(uri)
	if err != nil {
		return nil, failure.NotConnected(err, "cannot connect to %s", uri)
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.ConnectToURI(daemonURI(u)); err != nil {
		return nil, failure.NotConnected(err, "failed to connect to libvirt at %s (socket %s)", uri, socketPath)
	}

	return &Client{libvirt: l, uri: uri}, nil
}

// ConnectWithContext establishes a connection with context support for cancellation.
func ConnectWithContext(ctx context.Context, uri string, timeout time.Duration) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(uri, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up on it
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, failure.NotConnected(ctx.Err(), "connection cancelled")
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client for direct API access.
// This should be used sparingly; prefer higher-level methods on Client.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// URI returns the endpoint this client is connected to.
func (c *Client) URI() string {
	return c.uri
}

// Ping verifies the connection is still alive by calling a simple libvirt API.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return failure.NotConnected(nil, "client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return failure.NotConnected(err, "libvirt connection is dead")
	}

	return nil
}

// HostInfo describes the hypervisor behind a connection.
type HostInfo struct {
	URI        string
	Hostname   string
	LibVersion string
}

// Info reports the daemon's canonical URI, hostname and library version.
func (c *Client) Info() (HostInfo, error) {
	if err := c.Ping(); err != nil {
		return HostInfo{}, err
	}

	uri, err := c.libvirt.ConnectGetUri()
	if err != nil {
		return HostInfo{}, fmt.Errorf("failed to get connection URI: %w", err)
	}
	hostname, err := c.libvirt.ConnectGetHostname()
	if err != nil {
		return HostInfo{}, fmt.Errorf("failed to get hostname: %w", err)
	}
	version, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return HostInfo{}, fmt.Errorf("failed to get libvirt version: %w", err)
	}

	return HostInfo{
		URI:        uri,
		Hostname:   hostname,
		LibVersion: FormatVersion(version),
	}, nil
}

// FormatVersion renders libvirt's packed version number as major.minor.micro.
func FormatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000)
}
