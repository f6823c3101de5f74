package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name: "simple arithmetic",
			script: `
result = 2 + 2
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("Expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "use input variables",
			script: `
doubled = count * 2
`,
			input: map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("Expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "functions are not outputs",
			script: `
def pools(n):
    return ["pool-" + str(i) for i in range(n)]

names = pools(3)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["pools"]; ok {
					t.Error("Expected the function to be left out of the output")
				}
				names, ok := sr.Output["names"].([]interface{})
				if !ok || len(names) != 3 || names[2] != "pool-2" {
					t.Errorf("Expected [pool-0 pool-1 pool-2], got %v", sr.Output["names"])
				}
			},
		},
		{
			name: "op records operations in call order",
			script: `
def pools(names):
    for name in names:
        op("add", "/subsystem=threads/queueless-thread-pool=" + name, max_threads = 4, blocking = True)

op("add", "/subsystem=threads")
pools(["web", "batch"])
op("read-resource")
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Operations) != 4 {
					t.Fatalf("Expected 4 operations, got %d", len(sr.Operations))
				}
				web := sr.Operations[1]
				if web.Address != "/subsystem=threads/queueless-thread-pool=web" {
					t.Errorf("Expected web pool address, got %s", web.Address)
				}
				if web.Params["max_threads"] != int64(4) || web.Params["blocking"] != true {
					t.Errorf("Unexpected params %v", web.Params)
				}
				if sr.Operations[0].Params != nil {
					t.Errorf("Expected no params, got %v", sr.Operations[0].Params)
				}
				if sr.Operations[3].Address != "" {
					t.Errorf("Expected the root address, got %q", sr.Operations[3].Address)
				}
			},
		},
		{
			name: "op with properties input",
			script: `
op("add", "/system-property=mode", value = props["mode"])
`,
			input: map[string]interface{}{"props": map[string]string{"mode": "prod"}},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Operations) != 1 || sr.Operations[0].Params["value"] != "prod" {
					t.Errorf("Expected value=prod, got %+v", sr.Operations)
				}
			},
		},
		{
			name:    "op without a name",
			script:  `op()`,
			wantErr: true,
		},
		{
			name:    "op with a non-string address",
			script:  `op("add", 3)`,
			wantErr: true,
		},
		{
			name: "syntax error",
			script: `
invalid syntax here
`,
			wantErr: true,
		},
		{
			name: "runtime error",
			script: `
result = undefined_variable
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got none")
				}
				if result == nil || result.Error == "" {
					t.Error("Expected the error in the result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)
	ctx := context.Background()

	script := `
def slow_function():
    result = 0
    for i in range(100000000):
        result = result + i
    return result

output = slow_function()
`

	result, err := evaluator.Evaluate(ctx, script, nil)
	if err == nil {
		t.Error("Expected timeout error")
	}
	if result != nil && result.Error == "" {
		t.Error("Expected timeout error in result")
	}
}

func TestStarlarkEvaluator_EvaluateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.star")
	if err := os.WriteFile(path, []byte(`op("add", "/subsystem=managed-beans")`), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := NewStarlarkEvaluator(time.Second).EvaluateFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("EvaluateFile failed: %v", err)
	}
	if len(result.Operations) != 1 || result.Operations[0].Address != "/subsystem=managed-beans" {
		t.Errorf("Expected one add at /subsystem=managed-beans, got %+v", result.Operations)
	}

	if _, err := NewStarlarkEvaluator(time.Second).EvaluateFile(context.Background(), path+".missing", nil); err == nil {
		t.Error("Expected a missing file to fail")
	}
}

func TestStarlarkEvaluator_Security(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	script := `
print("this should not appear")
result = "done"
`

	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("Expected result='done', got %v", result.Output["result"])
	}
}
