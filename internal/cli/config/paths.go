package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("XLINK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".xlink")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

// DefaultTranscriptDir is where session transcripts go unless configured.
func DefaultTranscriptDir() string {
	return filepath.Join(DefaultConfigDir(), "transcripts")
}
