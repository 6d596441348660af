// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zyahav/mcp-skills-hub/pkg/config"
	"github.com/zyahav/mcp-skills-hub/pkg/errors"
)

// CLIError wraps a HubError with a hint for the person at the terminal.
type CLIError struct {
	*errors.HubError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(he *errors.HubError, hint string) *CLIError {
	return &CLIError{
		HubError: he,
		Hint:     hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.HubError == nil {
		return "unknown error"
	}

	msg := e.HubError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
			"hint":    e.Hint,
		}})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}

	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(os.Stderr, "  Cause: %v\n", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	he := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(he, "run 'mcphub help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	he := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath).
		WithRecoverable(false)

	hint := "check the --set overrides and MCPHUB_* environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(he, hint)
}

// wrapRunError attaches a hint to errors coming out of serve or check.
func wrapRunError(err error, cfg *config.Config) *CLIError {
	he := errors.AsHubError(err)
	switch he.Code {
	case errors.CodeRootNotFound:
		return NewCLIError(he, fmt.Sprintf("create %s or point workers.root (--root) at your skills directory", cfg.Workers.Root))
	case errors.CodeCancelled:
		return NewCLIError(he, "startup did not finish in time; raise --timeout or lower workers.handshake_timeout")
	default:
		return NewCLIError(he, "")
	}
}

// PrintSimpleError prints an error that carries no code.
func PrintSimpleError(err error, asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]string{
			"code":    "UNKNOWN",
			"message": err.Error(),
		}})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}
