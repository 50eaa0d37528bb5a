package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// AppName names the per-user and system configuration directories.
const AppName = "kvm-install-vm"

// configFileNames are probed in each search directory, in order.
var configFileNames = []string{"config.yaml", "config.yml", "config.toml"}

// SearchPaths returns the candidate config file locations in priority
// order: $XDG_CONFIG_HOME, ~/.config, then /etc.
func SearchPaths() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".config", AppName)
		if len(dirs) == 0 || dirs[0] != dir {
			dirs = append(dirs, dir)
		}
	}
	dirs = append(dirs, filepath.Join("/etc", AppName))

	paths := make([]string, 0, len(dirs)*len(configFileNames))
	for _, dir := range dirs {
		for _, name := range configFileNames {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths
}

// Discover loads the configuration. An explicit path must exist.
// Otherwise the first existing file from SearchPaths is used, and the
// built-in defaults apply when none exists. The returned source is the
// file that was loaded, or "" for built-in defaults.
func Discover(explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := LoadFromFile(explicit)
		if err != nil {
			return nil, "", err
		}
		return cfg, explicit, nil
	}

	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := LoadFromFile(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}

	cfg := Default()
	if err := cfg.Resolve(); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// LoadFromFile loads a configuration file, layering it over the built-in
// defaults. Files ending in .toml are decoded as TOML, anything else as
// YAML.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay Config
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &overlay); err != nil {
			return nil, fmt.Errorf("failed to parse TOML %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("failed to parse YAML %s: %w", path, err)
		}
	}

	cfg := Default()
	cfg.merge(&overlay)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to path, choosing TOML or YAML by extension. An
// existing file is never overwritten.
func Save(cfg *Config, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	data, err := Marshal(cfg, isTOML(path))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Marshal encodes cfg as YAML, or TOML when asTOML is set.
func Marshal(cfg *Config, asTOML bool) ([]byte, error) {
	if asTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		return buf.Bytes(), nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	return data, nil
}

// Resolve expands a leading ~ in the directory settings.
func (c *Config) Resolve() error {
	imageDir, err := ExpandHome(c.Defaults.ImageDir)
	if err != nil {
		return fmt.Errorf("image_dir: %w", err)
	}
	vmDir, err := ExpandHome(c.Defaults.VMDir)
	if err != nil {
		return fmt.Errorf("vm_dir: %w", err)
	}
	c.Defaults.ImageDir = imageDir
	c.Defaults.VMDir = vmDir
	return nil
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// merge overlays the non-zero fields of o onto c. Distros are merged by
// id, so a file can add or replace individual profiles.
func (c *Config) merge(o *Config) {
	if o.ConnectURI != "" {
		c.ConnectURI = o.ConnectURI
	}

	d, od := &c.Defaults, o.Defaults
	if od.MemoryMB != 0 {
		d.MemoryMB = od.MemoryMB
	}
	if od.VCPUs != 0 {
		d.VCPUs = od.VCPUs
	}
	if od.DiskSizeGB != 0 {
		d.DiskSizeGB = od.DiskSizeGB
	}
	if od.ImageDir != "" {
		d.ImageDir = od.ImageDir
	}
	if od.VMDir != "" {
		d.VMDir = od.VMDir
	}
	if od.DNSDomain != "" {
		d.DNSDomain = od.DNSDomain
	}
	if od.Timezone != "" {
		d.Timezone = od.Timezone
	}
	if od.Network != "" {
		d.Network = od.Network
	}
	if od.BuiltinISO {
		d.BuiltinISO = true
	}
	if od.ShutdownTimeout != 0 {
		d.ShutdownTimeout = od.ShutdownTimeout
	}

	for id, p := range o.Distros {
		if c.Distros == nil {
			c.Distros = make(map[string]DistroProfile)
		}
		c.Distros[strings.ToLower(id)] = p
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
