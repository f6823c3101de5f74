// Package policy authorizes management operations with Open Policy Agent.
//
// Every policy is a Rego module with a deny set. For each operation the engine
// evaluates every enabled policy against an Input document:
//
//	{
//	  "operation": "add",
//	  "address":   "/subsystem=threads/queueless-thread-pool=web",
//	  "path":      [{"type": "subsystem", "name": "threads"}, ...],
//	  "params":    {"max-threads": 8},
//	  "read_only": false,
//	  "identity":  {"user": "ops", "roles": ["admin"]}
//	}
//
// A deny element is a message string or an object with message, severity and
// address. Violations at error or critical severity deny the operation; the
// rest are logged as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/keel/policies"}); err != nil {
//		return err
//	}
//	d := controller.NewDispatcher(controller.Options{Registry: reg, Authorizer: eng})
//
// A sample policy:
//
//	package keel.policies.threads
//
//	deny contains msg if {
//		input.operation == "remove"
//		input.path[0].type == "subsystem"
//		msg := sprintf("subsystem %s cannot be removed", [input.path[0].name])
//	}
package policy
