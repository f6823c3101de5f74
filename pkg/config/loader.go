package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/telemetry"
)

// Supported formats.
const (
	FormatCUE  = "cue"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Defaults applied when a configuration leaves a value unset.
const (
	DefaultHangTimeout      = 5 * time.Minute
	DefaultServiceTimeout   = time.Minute
	DefaultStabilityTimeout = 30 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
)

// Loader reads, validates and expands server configurations.
type Loader struct {
	schemas  *SchemaRegistry
	starlark *StarlarkEvaluator
	validate *validator.Validate
}

// NewLoader creates a loader. Scripts run with a 30 second timeout.
func NewLoader() *Loader {
	return &Loader{
		schemas:  NewSchemaRegistry(),
		starlark: NewStarlarkEvaluator(30 * time.Second),
		validate: validator.New(),
	}
}

// Schemas returns the schema registry.
func (l *Loader) Schemas() *SchemaRegistry { return l.schemas }

// Default returns a configuration with every default applied.
func Default() *ServerConfig {
	return &ServerConfig{
		Name:      "keel",
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// FormatOf returns the format for a file name, by extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config format %q (want .cue, .yaml, .yml or .json)", filepath.Ext(path))
	}
}

// Load reads the configuration at path. The script path, if any, is made
// relative to the file's directory.
func (l *Loader) Load(path string) (*ServerConfig, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := l.Parse(format, path, data)
	if err != nil {
		return nil, err
	}
	if cfg.Script != "" && !filepath.IsAbs(cfg.Script) {
		cfg.Script = filepath.Join(filepath.Dir(path), cfg.Script)
	}
	return cfg, nil
}

// Parse decodes data in the given format over the defaults and validates it.
// filename is used in error locations only.
func (l *Loader) Parse(format, filename string, data []byte) (*ServerConfig, error) {
	cfg := Default()

	switch format {
	case FormatCUE:
		if err := l.decodeCUE(filename, data, cfg); err != nil {
			return nil, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeCUE checks the file against the server schema and decodes it through JSON,
// so CUE and JSON files share one decoding path.
func (l *Loader) decodeCUE(filename string, data []byte, cfg *ServerConfig) error {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return &LoadError{Errors: convertCUEErrors(err)}
	}

	unified, err := l.schemas.Unify(SchemaServer, val)
	if err != nil {
		return &LoadError{Errors: convertCUEErrors(err)}
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export config: %w", err)
	}
	if err := json.Unmarshal(out, cfg); err != nil {
		return &LoadError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// Validate checks struct tags, telemetry settings and every operation address.
func (l *Loader) Validate(cfg *ServerConfig) error {
	var problems []ValidationError

	if err := l.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "ServerConfig."),
				Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			})
		}
	}

	if err := cfg.Telemetry.Validate(); err != nil {
		problems = append(problems, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	for i, o := range cfg.Operations {
		if _, err := model.ParseAddress(o.Address); err != nil {
			problems = append(problems, ValidationError{
				Path:    fmt.Sprintf("operations[%d].address", i),
				Message: err.Error(),
			})
		}
	}

	if len(problems) > 0 {
		return &LoadError{Errors: problems}
	}
	return nil
}

// BootOperations returns the configured operations followed by those recorded by
// the script. The script sees the configured properties as props.
func (l *Loader) BootOperations(ctx context.Context, cfg *ServerConfig) ([]model.Operation, error) {
	configs := cfg.Operations
	if cfg.Script != "" {
		props := cfg.Properties
		if props == nil {
			props = map[string]string{}
		}
		result, err := l.starlark.EvaluateFile(ctx, cfg.Script, map[string]interface{}{
			"props":  props,
			"server": cfg.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("boot script %s failed: %w", cfg.Script, err)
		}
		configs = append(append([]OperationConfig(nil), configs...), result.Operations...)
	}

	ops := make([]model.Operation, 0, len(configs))
	for i, c := range configs {
		op, err := c.ToOperation()
		if err != nil {
			return nil, fmt.Errorf("boot operation %d: %w", i+1, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ToOperation converts c into a model operation.
func (c OperationConfig) ToOperation() (model.Operation, error) {
	if c.Operation == "" {
		return model.Operation{}, fmt.Errorf("operation name is required")
	}
	addr, err := model.ParseAddress(c.Address)
	if err != nil {
		return model.Operation{}, err
	}
	op := model.NewOperation(c.Operation, addr)
	if len(c.Params) > 0 {
		op = op.WithParams(model.ValueOf(c.Params))
	}
	return op, nil
}
