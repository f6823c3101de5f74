package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/model"
)

const denyThreads = `# Threads are managed by the platform team
# and cannot be removed.
package site.threads

deny contains "threads cannot be removed" if {
	input.operation == "remove"
	input.path[0].name == "threads"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "threads.rego"), denyThreads)
	writeFile(t, filepath.Join(dir, "nested", "props.json"),
		`{"name": "no-props", "severity": "warning", "rego": "package site.props\n\ndeny contains \"properties are frowned upon\" if input.path[0].type == \"system-property\""}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	props, threads := policies[0], policies[1]
	if props.Name != "no-props" || props.Severity != SeverityWarning || !props.Enabled {
		t.Errorf("Unexpected JSON policy %+v", props)
	}
	if threads.Name != "threads" || threads.Severity != SeverityError {
		t.Errorf("Unexpected Rego policy %+v", threads)
	}
	if threads.Description != "Threads are managed by the platform team and cannot be removed." {
		t.Errorf("Expected the leading comment as description, got %q", threads.Description)
	}
	if threads.Source != filepath.Join(dir, "threads.rego") {
		t.Errorf("Expected the source path, got %s", threads.Source)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected a missing path to fail")
	}

	writeFile(t, filepath.Join(dir, "bad.json"), `{"name": `)
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("Expected malformed JSON to fail")
	}

	writeFile(t, filepath.Join(dir, "bad.json"), `{"name": "empty"}`)
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("Expected a policy without rego to fail")
	}
}

func TestEngineWatch(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t)
	eng.loader.reloadDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = eng.Close() }()

	remove := model.NewOperation(model.OpRemove, model.Addr("subsystem", "threads"))
	if err := eng.Authorize(ctx, remove, false); err != nil {
		t.Fatalf("Expected the remove to be allowed before the policy exists, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "threads.rego"), denyThreads)
	waitFor(t, func() bool { return eng.Authorize(ctx, remove, false) != nil })

	// A broken edit keeps the previous set
	writeFile(t, filepath.Join(dir, "threads.rego"), "package site.threads\ndeny contains")
	time.Sleep(100 * time.Millisecond)
	if err := eng.Authorize(ctx, remove, false); err == nil {
		t.Error("Expected the previous policy to stay in force")
	}

	if err := os.Remove(filepath.Join(dir, "threads.rego")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return eng.Authorize(ctx, remove, false) == nil })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
