// Package validation provides input validation functions for the Maestro runtime.
// This package has no dependencies to avoid import cycles.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// sessionIDRegex matches canonical 128-bit UUID strings (lowercase or uppercase hex).
var sessionIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// pathSafeRegex matches alphanumeric characters, underscores, and hyphens only.
// Used to validate IDs that will be used in file paths.
var pathSafeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionID validates that a session ID is a canonical UUID string.
// This prevents path traversal attacks when session IDs are used in file paths.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID %q: must be a canonical UUID", id)
	}
	return nil
}

// ValidateCheckpointID validates that a checkpoint ID is a canonical UUID string.
func ValidateCheckpointID(id string) error {
	if id == "" {
		return errors.New("checkpoint ID cannot be empty")
	}
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid checkpoint ID %q: must be a canonical UUID", id)
	}
	return nil
}

// ValidateProjectPath validates that a project path is absolute and clean.
// Relative paths are rejected so two callers naming the same project always
// produce the same identity.
func ValidateProjectPath(path string) error {
	if path == "" {
		return errors.New("project path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("invalid project path %q: must be absolute", path)
	}
	return nil
}

// ValidatePrompt validates that a prompt is non-empty after trimming whitespace.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt cannot be empty")
	}
	return nil
}

// ValidateModelID validates that a model identifier contains only safe characters.
// Model IDs look like "m-1" or "opus-4" depending on the Agent build.
func ValidateModelID(id string) error {
	if id == "" {
		return nil // Empty means the Agent's default model
	}
	if !pathSafeRegex.MatchString(strings.ReplaceAll(id, ".", "-")) {
		return fmt.Errorf("invalid model ID %q: must be alphanumeric with dots/underscores/hyphens only", id)
	}
	return nil
}
