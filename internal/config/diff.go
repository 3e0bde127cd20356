package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     string

	// RestartRequired names the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LanguageChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs. Log level and meeting language can be
// applied live; every other change is reported in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Meeting.Language != new.Meeting.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Meeting.Language
	}

	if old.Server.StatusAddr != new.Server.StatusAddr {
		d.RestartRequired = append(d.RestartRequired, "server.status_addr")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Identity != new.Identity {
		d.RestartRequired = append(d.RestartRequired, "identity")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}
