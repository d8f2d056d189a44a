package telemetry

import (
	"log/slog"
	"time"
)

// Options describe where tracker measures are mirrored.
type Options struct {
	URL      string
	User     string
	Password string
	// Subject is the prefix measures are published under, as
	// <Subject>.<device>.measure.
	Subject  string
	Stream   string
	Device   string
	MaxBytes int64
	// DupeWindow bounds JetStream deduplication of republished measures.
	DupeWindow time.Duration
	Logger     *slog.Logger
}

// Enabled reports whether a server was configured.
func (o *Options) Enabled() bool { return o != nil && o.URL != "" }

func (o *Options) setDefaults() {
	if o.Subject == "" {
		o.Subject = "xlink"
	}
	if o.Stream == "" {
		o.Stream = "xlink_measures"
	}
	if o.Device == "" {
		o.Device = "default"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
