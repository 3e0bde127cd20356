package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/echomeet/internal/transport"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultHTTPURL    = "http://localhost:8000"
	DefaultUserIDFile = "~/.echomeet/user_id"
	DefaultName       = "Guest"
)

// KnownDevices lists the audio device names registered by the application.
// Used by [Validate] to warn about unrecognised names.
var KnownDevices = []string{"wav", "tone"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.HTTPURL == "" {
		cfg.Backend.HTTPURL = DefaultHTTPURL
	}
	if cfg.Backend.WSURL == "" {
		cfg.Backend.WSURL = cfg.Backend.HTTPURL
	}
	if cfg.Identity.Name == "" {
		cfg.Identity.Name = DefaultName
	}
	if cfg.Identity.UserIDFile == "" {
		cfg.Identity.UserIDFile = DefaultUserIDFile
	}
	if cfg.Transport.MaxReconnectAttempts == 0 {
		cfg.Transport.MaxReconnectAttempts = transport.DefaultMaxAttempts
	}
	if cfg.Transport.SendQueue == 0 {
		cfg.Transport.SendQueue = transport.DefaultSendQueue
	}
	if cfg.Transport.WriteTimeout == 0 {
		cfg.Transport.WriteTimeout = transport.DefaultWriteTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if err := checkURL(cfg.Backend.HTTPURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.http_url: %w", err))
	}
	if err := checkURL(cfg.Backend.WSURL, "ws", "wss", "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.ws_url: %w", err))
	}

	if cfg.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_reconnect_attempts %d must not be negative", cfg.Transport.MaxReconnectAttempts))
	}
	if cfg.Transport.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("transport.send_queue %d must not be negative", cfg.Transport.SendQueue))
	}
	if cfg.Transport.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.write_timeout %s must not be negative", cfg.Transport.WriteTimeout))
	}

	switch cfg.Audio.Device {
	case "":
		if len(cfg.Audio.Options) > 0 {
			slog.Warn("audio.options set without audio.device; options are ignored")
		}
	case "wav":
		if cfg.Audio.String("path", "") == "" {
			errs = append(errs, errors.New("audio.options.path is required for the wav device"))
		}
	default:
		if !slices.Contains(KnownDevices, cfg.Audio.Device) {
			slog.Warn("unknown audio device; it must be registered before startup",
				"device", cfg.Audio.Device,
				"known", KnownDevices,
			)
		}
	}

	if cfg.Archive.PostgresDSN != "" && cfg.Archive.File != "" {
		errs = append(errs, errors.New("archive.postgres_dsn and archive.file are mutually exclusive"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is not one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
