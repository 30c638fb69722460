// Package settings provides configuration loading for the Maestro runtime.
// This package is separate from cli to allow core packages to import it
// without creating an import cycle (cli imports the core packages).
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maestroio/cli/cmd/maestro/cli/jsonutil"
	"github.com/maestroio/cli/cmd/maestro/cli/paths"
)

// DefaultStrategyName is the default checkpoint strategy when none is configured.
const DefaultStrategyName = "smart"

// Settings represents the <data-root>/settings.json configuration.
type Settings struct {
	// AgentBin is the user-persisted override for the Agent binary path.
	// Returned first by the binary resolver when set. The AGENT_BIN
	// environment variable ranks above this.
	AgentBin string `json:"agent_bin,omitempty"`

	// CheckpointStrategy is the default trigger strategy for new sessions
	// (manual, per_prompt, per_tool_use, smart).
	CheckpointStrategy string `json:"checkpoint_strategy,omitempty"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	// Can be overridden by the LOG_LEVEL environment variable.
	// Defaults to "info".
	LogLevel string `json:"log_level,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not asked yet, true = opted in, false = opted out
	Telemetry *bool `json:"telemetry,omitempty"`
}

// Load loads settings from <data-root>/settings.json, then applies any
// overrides from settings.local.json if it exists.
// Returns default settings if neither file exists.
func Load() (*Settings, error) {
	dataRoot, err := paths.DataRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving data root: %w", err)
	}
	return LoadFromDir(dataRoot)
}

// LoadFromDir loads settings from a specific directory.
// This is useful for testing.
func LoadFromDir(dir string) (*Settings, error) {
	settings, err := loadFromFile(filepath.Join(dir, paths.SettingsFile))
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	localData, err := os.ReadFile(filepath.Join(dir, paths.SettingsLocalFile)) //nolint:gosec // path is under the data root
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
		// Local file doesn't exist, continue without overrides
	} else {
		if err := mergeJSON(settings, localData); err != nil {
			return nil, fmt.Errorf("merging local settings: %w", err)
		}
	}

	applyDefaults(settings)
	return settings, nil
}

// Save writes settings to <data-root>/settings.json atomically.
func Save(s *Settings) error {
	dataRoot, err := paths.DataRoot()
	if err != nil {
		return fmt.Errorf("resolving data root: %w", err)
	}
	return SaveToDir(dataRoot, s)
}

// SaveToDir writes settings to a specific directory.
// This is useful for testing.
func SaveToDir(dir string, s *Settings) error {
	data, err := jsonutil.MarshalIndentWithNewline(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	settingsFile := filepath.Join(dir, paths.SettingsFile)
	tmpFile := settingsFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmpFile, settingsFile); err != nil {
		return fmt.Errorf("renaming settings file: %w", err)
	}
	return nil
}

// loadFromFile loads settings from a specific file path.
// Returns default settings if the file doesn't exist.
func loadFromFile(filePath string) (*Settings, error) {
	settings := &Settings{}

	data, err := os.ReadFile(filePath) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(settings)
			return settings, nil
		}
		return nil, fmt.Errorf("%w", err)
	}

	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	applyDefaults(settings)

	return settings, nil
}

// mergeJSON merges JSON data into existing settings.
// Only fields present in the JSON override existing settings.
func mergeJSON(settings *Settings, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	if binRaw, ok := raw["agent_bin"]; ok {
		var s string
		if err := json.Unmarshal(binRaw, &s); err != nil {
			return fmt.Errorf("parsing agent_bin field: %w", err)
		}
		if s != "" {
			settings.AgentBin = s
		}
	}

	if strategyRaw, ok := raw["checkpoint_strategy"]; ok {
		var s string
		if err := json.Unmarshal(strategyRaw, &s); err != nil {
			return fmt.Errorf("parsing checkpoint_strategy field: %w", err)
		}
		if s != "" {
			settings.CheckpointStrategy = s
		}
	}

	if levelRaw, ok := raw["log_level"]; ok {
		var s string
		if err := json.Unmarshal(levelRaw, &s); err != nil {
			return fmt.Errorf("parsing log_level field: %w", err)
		}
		if s != "" {
			settings.LogLevel = s
		}
	}

	if telemetryRaw, ok := raw["telemetry"]; ok {
		var t bool
		if err := json.Unmarshal(telemetryRaw, &t); err != nil {
			return fmt.Errorf("parsing telemetry field: %w", err)
		}
		settings.Telemetry = &t
	}

	return nil
}

// applyDefaults fills zero-valued fields with defaults.
func applyDefaults(s *Settings) {
	if s.CheckpointStrategy == "" {
		s.CheckpointStrategy = DefaultStrategyName
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}
