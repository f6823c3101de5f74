package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Values checked against a
// schema must be built with the registry's Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// Built-in schema names.
const (
	SchemaServer    = "server"
	SchemaOperation = "operation"
)

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error
	if err := sr.RegisterSchema(SchemaServer, "#Server", builtinSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaOperation, "#Operation", builtinSchema); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context { return sr.ctx }

// RegisterSchema compiles source and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify checks val against the named schema and returns the unified value.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchema = `
// Server is a keel kernel configuration
#Server: {
	// Name identifies the server
	name: string & != ""

	// Properties seed the expression resolver
	properties?: {[string]: string}

	// Operations run in order at boot
	operations?: [...#Operation]

	// Script is a Starlark file that appends boot operations
	script?: string

	workers?: int & >=0 & <=1024

	timeouts?: {
		hang?:      #Duration
		services?:  #Duration
		stability?: #Duration
		shutdown?:  #Duration
	}

	journal?: {
		path?: string
	}

	policy?: {
		enabled: bool | *false
		dir?:    string
		watch?:  bool
	}

	// Telemetry is passed through to the telemetry package
	telemetry?: {...}
}

// Operation is one management operation
#Operation: {
	operation: string & =~"^[a-z][a-z0-9-]*$"

	// Address is "/key=value/..."; empty or "/" is the root
	address?: string & =~"^(/|(/[^/=]+=[^/]+)*)$"

	params?: {[string]: _}
}

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"
`

// ValidateOperation validates an operation against the operation schema.
func (sr *SchemaRegistry) ValidateOperation(ctx context.Context, op OperationConfig) error {
	return sr.ValidateAgainstSchema(ctx, SchemaOperation, op)
}
