package client

import (
	"fmt"
	"os"
	"strconv"

	cliconfig "github.com/antonkrylov/xlink/internal/cli/config"
	"github.com/antonkrylov/xlink/internal/codec"
	"github.com/antonkrylov/xlink/internal/profile"
	"github.com/antonkrylov/xlink/internal/telemetry"
	"github.com/antonkrylov/xlink/internal/transport"
)

type Connection struct {
	Port        string
	Baud        int
	ProfilePath string
	MaxFrame    int
	Record      bool
	ConfigPath  string
	DeviceName  string
	Config      *cliconfig.Config
	Device      *cliconfig.Device
}

// ResolveConnection mirrors cmd/xlink's config semantics:
// 1) flags (port, baud, profile, device name)
// 2) config file values for the selected device
// 3) environment (XLINK_PORT, XLINK_BAUD)
// 4) defaults (115200 baud, built-in demo profile)
func ResolveConnection(configPath, deviceName, port string, baud int, profilePath string) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		DeviceName:  deviceName,
		Port:        port,
		Baud:        baud,
		ProfilePath: profilePath,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Config != nil {
		dev, name, err := conn.Config.Resolve(conn.DeviceName)
		if err != nil {
			return nil, err
		}
		conn.Device = dev
		conn.DeviceName = name
	}

	if dev := conn.Device; dev != nil {
		if conn.Port == "" {
			conn.Port = dev.Port
		}
		if conn.Baud == 0 {
			conn.Baud = dev.Baud
		}
		if conn.ProfilePath == "" {
			conn.ProfilePath = dev.Profile
		}
		conn.MaxFrame = dev.MaxFrame
		conn.Record = dev.Record
	}

	if conn.Port == "" {
		conn.Port = os.Getenv("XLINK_PORT")
	}
	if conn.Baud == 0 {
		if v := os.Getenv("XLINK_BAUD"); v != "" {
			b, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("XLINK_BAUD: %w", err)
			}
			conn.Baud = b
		}
	}
	if conn.Baud == 0 {
		conn.Baud = transport.DefaultBaud
	}
	if conn.MaxFrame == 0 {
		conn.MaxFrame = codec.DefaultMaxFrame
	}

	if conn.Port == "" {
		return nil, fmt.Errorf("serial port is required (use --port, a configured device, or XLINK_PORT)")
	}
	return conn, nil
}

// Profile loads the device profile, falling back to the built-in demo one.
func (c *Connection) Profile() (*profile.Profile, error) {
	if c.ProfilePath == "" {
		return profile.Default(), nil
	}
	path, err := cliconfig.ExpandPath(c.ProfilePath)
	if err != nil {
		return nil, err
	}
	return profile.Load(path)
}

// Telemetry returns mirror options from the config file, or nil.
func (c *Connection) Telemetry() *telemetry.Options {
	if c.Config == nil || c.Config.Telemetry == nil {
		return nil
	}
	t := c.Config.Telemetry
	return &telemetry.Options{
		URL:      t.URL,
		User:     t.User,
		Password: t.Password,
		Subject:  t.Subject,
		Stream:   t.Stream,
		Device:   c.DeviceName,
	}
}

// TranscriptDir returns where session transcripts are written.
func (c *Connection) TranscriptDir() string {
	if c.Config != nil && c.Config.Transcripts != "" {
		if dir, err := cliconfig.ExpandPath(c.Config.Transcripts); err == nil {
			return dir
		}
	}
	return cliconfig.DefaultTranscriptDir()
}
