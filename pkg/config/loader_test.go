package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelhq/keel/pkg/model"
)

const yamlConfig = `
name: edge-1
properties:
  http.port: "8080"
operations:
  - operation: add
    address: /subsystem=threads
  - operation: add
    address: /socket-binding-group=standard/socket-binding=http
    params:
      port: ${http.port}
timeouts:
  hang: 2m
  stability: 10s
journal:
  path: /var/lib/keel/journal.db
`

const cueConfig = `
name: "edge-1"
properties: "http.port": "8080"
operations: [
	{operation: "add", address: "/subsystem=threads"},
	{operation: "add", address: "/socket-binding-group=standard/socket-binding=http", params: port: "${http.port}"},
]
timeouts: {hang: "2m", stability: "10s"}
journal: path: "/var/lib/keel/journal.db"
`

const jsonConfig = `{
  "name": "edge-1",
  "properties": {"http.port": "8080"},
  "operations": [
    {"operation": "add", "address": "/subsystem=threads"},
    {"operation": "add", "address": "/socket-binding-group=standard/socket-binding=http", "params": {"port": "${http.port}"}}
  ],
  "timeouts": {"hang": "2m", "stability": "10s"},
  "journal": {"path": "/var/lib/keel/journal.db"}
}`

func TestLoader_ParseFormats(t *testing.T) {
	loader := NewLoader()

	tests := []struct {
		format string
		data   string
	}{
		{FormatYAML, yamlConfig},
		{FormatCUE, cueConfig},
		{FormatJSON, jsonConfig},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			cfg, err := loader.Parse(tt.format, "server."+tt.format, []byte(tt.data))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if cfg.Name != "edge-1" {
				t.Errorf("Expected name edge-1, got %s", cfg.Name)
			}
			if cfg.Properties["http.port"] != "8080" {
				t.Errorf("Expected http.port=8080, got %v", cfg.Properties)
			}
			if len(cfg.Operations) != 2 {
				t.Fatalf("Expected 2 operations, got %d", len(cfg.Operations))
			}
			if cfg.Timeouts.Hang.Std() != 2*time.Minute {
				t.Errorf("Expected hang timeout 2m, got %s", cfg.Timeouts.Hang)
			}
			if got := cfg.Timeouts.Services.Or(DefaultServiceTimeout); got != DefaultServiceTimeout {
				t.Errorf("Expected default service timeout, got %s", got)
			}
			if cfg.Journal.Path != "/var/lib/keel/journal.db" {
				t.Errorf("Expected journal path, got %q", cfg.Journal.Path)
			}
			// Defaults survive a partial file
			if cfg.Telemetry.ServiceName != "keel" {
				t.Errorf("Expected default telemetry service name, got %q", cfg.Telemetry.ServiceName)
			}

			op, err := cfg.Operations[1].ToOperation()
			if err != nil {
				t.Fatalf("ToOperation failed: %v", err)
			}
			if !op.Param("port").IsExpression() {
				t.Errorf("Expected port to be an expression, got %v", op.Param("port"))
			}
		})
	}
}

func TestLoader_Rejects(t *testing.T) {
	loader := NewLoader()

	tests := []struct {
		name   string
		format string
		data   string
		path   string
	}{
		{"yaml unknown field", FormatYAML, "name: a\ncolour: blue\n", ""},
		{"json unknown field", FormatJSON, `{"name": "a", "colour": "blue"}`, ""},
		{"cue closed schema", FormatCUE, `name: "a", colour: "blue"`, ""},
		{"cue bad duration", FormatCUE, `name: "a", timeouts: hang: "soon"`, ""},
		{"yaml bad duration", FormatYAML, "name: a\ntimeouts:\n  hang: soon\n", ""},
		{"negative duration", FormatJSON, `{"name": "a", "timeouts": {"hang": "-1s"}}`, ""},
		{"empty name", FormatYAML, "name: \"\"\n", "Name"},
		{"too many workers", FormatYAML, "name: a\nworkers: 5000\n", "Workers"},
		{"policy without dir", FormatYAML, "name: a\npolicy:\n  enabled: true\n", "Policy.Dir"},
		{"missing operation name", FormatYAML, "name: a\noperations:\n  - address: /subsystem=threads\n", "Operations[0].Operation"},
		{"bad address", FormatYAML, "name: a\noperations:\n  - operation: add\n    address: subsystem\n", "operations[0].address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse(tt.format, "server", []byte(tt.data))
			if err == nil {
				t.Fatal("Expected an error, got none")
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("Expected a *LoadError, got %T: %v", err, err)
			}
			if tt.path == "" {
				return
			}
			for _, ve := range le.Errors {
				if ve.Path == tt.path {
					return
				}
			}
			t.Errorf("Expected a problem at %s, got %v", tt.path, err)
		})
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "server.yml"), []byte("name: a\nscript: boot.star\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(filepath.Join(dir, "server.yml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Script != filepath.Join(dir, "boot.star") {
		t.Errorf("Expected the script next to the config, got %s", cfg.Script)
	}

	if _, err := NewLoader().Load(filepath.Join(dir, "server.toml")); err == nil {
		t.Error("Expected an unsupported extension to fail")
	}
	if _, err := NewLoader().Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected a missing file to fail")
	}
}

func TestLoader_BootOperations(t *testing.T) {
	dir := t.TempDir()
	script := `
def pools():
    for name in ["web", "batch"]:
        op("add", "/subsystem=threads/queueless-thread-pool=" + name, max_threads = int(props["pool.size"]))

pools()
op("add", "/system-property=server", value = server)
`
	if err := os.WriteFile(filepath.Join(dir, "boot.star"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	config := "name: edge-1\nscript: boot.star\nproperties:\n  pool.size: \"4\"\noperations:\n  - operation: add\n    address: /subsystem=threads\n"
	if err := os.WriteFile(filepath.Join(dir, "server.yaml"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(filepath.Join(dir, "server.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ops, err := loader.BootOperations(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BootOperations failed: %v", err)
	}

	want := []string{
		"/subsystem=threads",
		"/subsystem=threads/queueless-thread-pool=web",
		"/subsystem=threads/queueless-thread-pool=batch",
		"/system-property=server",
	}
	if len(ops) != len(want) {
		t.Fatalf("Expected %d operations, got %d", len(want), len(ops))
	}
	for i, op := range ops {
		if op.Address().String() != want[i] {
			t.Errorf("Expected operation %d at %s, got %s", i, want[i], op.Address())
		}
	}
	if got := ops[1].Param("max_threads").IntOr(0); got != 4 {
		t.Errorf("Expected max_threads=4, got %d", got)
	}
	if got := ops[3].Param(model.ParamValue).StringOr(""); got != "edge-1" {
		t.Errorf("Expected value=edge-1, got %q", got)
	}
	// The configured list is not modified
	if len(cfg.Operations) != 1 {
		t.Errorf("Expected 1 configured operation, got %d", len(cfg.Operations))
	}

	cfg.Script = filepath.Join(dir, "missing.star")
	if _, err := loader.BootOperations(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "boot script") {
		t.Errorf("Expected a boot script error, got %v", err)
	}
}
