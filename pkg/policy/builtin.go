package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		rootProtectionPolicy(),
		monitorRolePolicy(),
		propertyNamingPolicy(),
		privilegedPortsPolicy(),
	}
}

// rootProtectionPolicy refuses to remove the root resource.
func rootProtectionPolicy() Policy {
	return Policy{
		Name:        "root-protection",
		Description: "The root resource cannot be removed",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package keel.policies.root

deny contains "the root resource cannot be removed" if {
	input.operation == "remove"
	count(input.path) == 0
}
`,
	}
}

// monitorRolePolicy limits callers with only the monitor role to read-only operations.
func monitorRolePolicy() Policy {
	return Policy{
		Name:        "monitor-role",
		Description: "Callers whose only role is monitor may run read-only operations",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package keel.policies.roles

monitor_only if {
	"monitor" in input.identity.roles
	every role in input.identity.roles {
		role == "monitor"
	}
}

deny contains msg if {
	monitor_only
	not input.read_only
	msg := sprintf("user %q may only run read-only operations, not %q", [input.identity.user, input.operation])
}
`,
	}
}

// propertyNamingPolicy keeps system property names usable in ${...} expressions.
func propertyNamingPolicy() Policy {
	return Policy{
		Name:        "property-naming",
		Description: "System property names may contain letters, digits, dots, dashes and underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package keel.policies.properties

deny contains violation if {
	input.operation == "add"
	count(input.path) == 1
	input.path[0].type == "system-property"
	name := input.path[0].name
	not regex.match("^[A-Za-z0-9._-]+$", name)
	violation := {
		"message": sprintf("system property name %q contains characters not allowed in expressions", [name]),
		"address": input.address,
	}
}
`,
	}
}

// privilegedPortsPolicy warns when a socket binding takes a port below 1024.
func privilegedPortsPolicy() Policy {
	return Policy{
		Name:        "privileged-ports",
		Description: "Warns about socket bindings on privileged ports",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package keel.policies.ports

deny contains violation if {
	input.operation == "add"
	last := input.path[count(input.path) - 1]
	last.type == "socket-binding"
	port := input.params.port
	is_number(port)
	port > 0
	port < 1024
	violation := {
		"message": sprintf("socket binding %q uses privileged port %d", [last.name, port]),
		"address": input.address,
	}
}
`,
	}
}
