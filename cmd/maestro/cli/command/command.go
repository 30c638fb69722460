// Package command translates session operations into concrete child-process
// specs for the Agent CLI.
package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/validation"
)

// Operation selects the Agent invocation mode.
type Operation string

const (
	// OpExecute starts a fresh conversation.
	OpExecute Operation = "execute"
	// OpContinue continues the most recent conversation in the project.
	OpContinue Operation = "continue"
	// OpResume resumes a specific session by ID.
	OpResume Operation = "resume"
)

// ProcessKind classifies a spawned child.
type ProcessKind string

const (
	// KindInteractive is a conversational Agent session. A session has at
	// most one interactive child at a time.
	KindInteractive ProcessKind = "interactive"
	// KindTask is a one-shot auxiliary run (version probes excluded).
	KindTask ProcessKind = "task"
)

// Spec is a fully resolved child-process specification.
// The registry spawns it; nothing else does.
type Spec struct {
	// Program is the absolute path (or bare name) of the Agent binary.
	Program string

	// Args are the positional and flag arguments, in order.
	Args []string

	// Dir is the working directory (the project root).
	Dir string

	// Env is the inherited environment subset, as KEY=VALUE pairs.
	Env []string

	// SessionID scopes the child's events.
	SessionID string

	// Kind classifies the child in the registry.
	Kind ProcessKind
}

// Input describes one session operation to translate.
type Input struct {
	Operation    Operation
	ProjectRoot  string
	Prompt       string
	Model        string
	SessionID    string // required for OpResume
	SystemPrompt string // optional system-prompt override
}

// Build validates the input and produces the child-process spec.
// The Agent is always invoked with line-delimited JSON streaming output and
// verbose logging enabled.
func Build(program string, in Input) (Spec, error) {
	if err := validation.ValidateProjectPath(in.ProjectRoot); err != nil {
		return Spec{}, errs.InvalidArgument(err.Error())
	}
	if err := validation.ValidatePrompt(in.Prompt); err != nil {
		return Spec{}, errs.InvalidArgument(err.Error())
	}
	if err := validation.ValidateModelID(in.Model); err != nil {
		return Spec{}, errs.InvalidArgument(err.Error())
	}
	if in.Operation == OpResume {
		if err := validation.ValidateSessionID(in.SessionID); err != nil {
			return Spec{}, errs.InvalidArgument(err.Error())
		}
	}

	args := []string{in.Prompt, "--model", in.Model, "--output-format", "stream-json", "--verbose", "--permission-mode", "bypass"}
	switch in.Operation {
	case OpExecute:
	case OpContinue:
		args = append(args, "--continue")
	case OpResume:
		args = append(args, "--resume", in.SessionID)
	default:
		return Spec{}, errs.InvalidArgument(fmt.Sprintf("unknown operation %q", in.Operation))
	}
	if in.SystemPrompt != "" {
		args = append(args, "--system-prompt", in.SystemPrompt)
	}

	return Spec{
		Program:   program,
		Args:      args,
		Dir:       in.ProjectRoot,
		Env:       InheritedEnv(os.Environ()),
		SessionID: in.SessionID,
		Kind:      KindInteractive,
	}, nil
}

// inheritedEnvNames lists exact variable names propagated to the child.
var inheritedEnvNames = map[string]bool{
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"LOGNAME":         true,
	"SHELL":           true,
	"LANG":            true,
	"TMPDIR":          true,
	"NODE_PATH":       true,
	"HOMEBREW_PREFIX": true,
	"HOMEBREW_CELLAR": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NO_PROXY":        true,
	"http_proxy":      true,
	"https_proxy":     true,
	"no_proxy":        true,
}

// inheritedEnvPrefixes lists variable-name prefixes propagated to the child.
var inheritedEnvPrefixes = []string{"LC_", "NVM_"}

// InheritedEnv filters the runtime environment down to the subset the Agent
// needs: login identity, locale, PATH, node-manager and package-manager
// prefixes, and proxy configuration. Everything else is withheld.
func InheritedEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if inheritedEnvNames[name] {
			out = append(out, kv)
			continue
		}
		for _, prefix := range inheritedEnvPrefixes {
			if strings.HasPrefix(name, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}
