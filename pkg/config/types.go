package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/telemetry"
)

// ServerConfig is the kernel configuration.
type ServerConfig struct {
	// Name identifies the server in logs and telemetry.
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`

	// Properties are the initial system properties used to resolve expressions.
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Operations are the boot operations, run in order.
	Operations []OperationConfig `json:"operations,omitempty" yaml:"operations,omitempty" validate:"dive"`

	// Script is a Starlark file whose op() calls are appended to Operations.
	// A relative path is resolved against the config file's directory.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Workers bounds concurrent service start and stop tasks. Zero uses the default.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty" validate:"gte=0,lte=1024"`

	Timeouts  TimeoutsConfig   `json:"timeouts" yaml:"timeouts"`
	Journal   JournalConfig    `json:"journal" yaml:"journal"`
	Policy    PolicyConfig     `json:"policy" yaml:"policy"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// OperationConfig is one boot operation.
type OperationConfig struct {
	// Operation is the operation name (e.g., "add").
	Operation string `json:"operation" yaml:"operation" validate:"required"`

	// Address is the target address in textual form (e.g., "/subsystem=threads").
	// Empty means the root.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Params are the operation parameters. Strings containing "${" become expressions.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// TimeoutsConfig bounds dispatcher and boot waits.
type TimeoutsConfig struct {
	// Hang bounds the wait for a handler to report.
	Hang Duration `json:"hang,omitempty" yaml:"hang,omitempty"`

	// Services bounds the wait for installed services to settle after an operation.
	Services Duration `json:"services,omitempty" yaml:"services,omitempty"`

	// Stability bounds the wait for the service graph to settle after boot.
	Stability Duration `json:"stability,omitempty" yaml:"stability,omitempty"`

	// Shutdown bounds the wait for the service graph to empty on exit.
	Shutdown Duration `json:"shutdown,omitempty" yaml:"shutdown,omitempty"`
}

// JournalConfig configures the operation journal.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PolicyConfig configures operation authorization.
type PolicyConfig struct {
	// Enabled turns authorization on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir holds .rego policy files.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" validate:"required_if=Enabled true"`

	// Watch reloads policies when files in Dir change.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns d, or def when d is zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return Duration(v), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "operations[2].operation").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// LoadError collects every problem found while loading a configuration.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].String()
	}
	return fmt.Sprintf("invalid configuration: %s (and %d more)", e.Errors[0].String(), len(e.Errors)-1)
}

// StarlarkResult represents the result of a Starlark script execution.
type StarlarkResult struct {
	// Output contains the script's public globals.
	Output map[string]interface{} `json:"output"`

	// Operations are the operations recorded by op() calls, in call order.
	Operations []OperationConfig `json:"operations,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error contains any error message from execution.
	Error string `json:"error,omitempty"`
}
