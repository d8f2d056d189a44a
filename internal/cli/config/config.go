package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/xlink/internal/codec"
)

// Config lists the devices xlink knows about, kubeconfig style.
type Config struct {
	CurrentDevice string             `yaml:"currentDevice"`
	Devices       map[string]*Device `yaml:"devices"`
	Telemetry     *Telemetry         `yaml:"telemetry,omitempty"`
	// Transcripts is the directory session transcripts are written to.
	Transcripts string `yaml:"transcripts,omitempty"`
}

// Device encodes how to reach one board.
type Device struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud,omitempty"`
	Profile  string `yaml:"profile,omitempty"`
	MaxFrame int    `yaml:"maxFrame,omitempty"`
	Record   bool   `yaml:"record,omitempty"`
}

// Telemetry configures the NATS measure mirror.
type Telemetry struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Subject  string `yaml:"subject,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
}

// ErrDeviceNotFound indicates the requested device is missing.
var ErrDeviceNotFound = errors.New("device not found")

// Load decodes and checks the config file. Missing files return (nil, nil).
// Unknown keys are rejected so a misspelt "buad" does not silently fall
// back to the default rate.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	full, err := ExpandPath(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", full, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("config %s: %w", full, err)
	}
	return cfg, nil
}

func (c *Config) check() error {
	for name, d := range c.Devices {
		switch {
		case d == nil:
			return fmt.Errorf("device %q is empty", name)
		case strings.TrimSpace(d.Port) == "":
			return fmt.Errorf("device %q: port is required", name)
		case d.Baud < 0:
			return fmt.Errorf("device %q: negative baud %d", name, d.Baud)
		case d.MaxFrame < 0 || d.MaxFrame > codec.MaxFrameHardLimit:
			return fmt.Errorf("device %q: maxFrame %d outside 0..%d", name, d.MaxFrame, codec.MaxFrameHardLimit)
		}
	}
	return nil
}

// Save writes the config next to its final path and renames it into place,
// so an interrupted save never leaves a truncated file behind.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	full, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Resolve picks a device by explicit name, then currentDevice, then the only
// configured device. It returns no device when none of these apply.
func (c *Config) Resolve(name string) (*Device, string, error) {
	if c == nil {
		return nil, "", nil
	}
	pick := strings.TrimSpace(name)
	if pick == "" {
		pick = strings.TrimSpace(c.CurrentDevice)
	}
	if pick == "" && len(c.Devices) == 1 {
		for only := range c.Devices {
			pick = only
		}
	}
	if pick == "" {
		return nil, "", nil
	}
	if dev, ok := c.Devices[pick]; ok {
		return dev, pick, nil
	}
	return nil, pick, fmt.Errorf("%w: %s", ErrDeviceNotFound, pick)
}

// ExpandPath resolves "~" and relative paths to absolute ones.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return filepath.Abs(path)
}
