package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Log level, models, pipeline tuning and the entity dictionary are applied
// in place by rebuilding the orchestrator. Everything else is reported in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ModelsChanged   bool
	PipelineChanged bool
	EntitiesChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Reload reports whether the orchestrator must be rebuilt.
func (d ConfigDiff) Reload() bool {
	return d.ModelsChanged || d.PipelineChanged || d.EntitiesChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.Reload() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ModelsChanged = old.Models != new.Models
	d.PipelineChanged = old.Pipeline != new.Pipeline
	d.EntitiesChanged = old.Entities.Path != new.Entities.Path ||
		!slices.Equal(old.Entities.ProtectedWords, new.Entities.ProtectedWords)

	// Compare the server block with the log level masked out.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}

	return d
}
