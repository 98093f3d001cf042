package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		connectionReferencesPolicy(),
		isolatedResourcesPolicy(),
		timeoutSetPolicy(),
		sizeLimitPolicy(),
	}
}

// resourceNamingPolicy enforces lowercase resource names.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are lowercase letters, digits and hyphens, not starting or ending with a hyphen",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package testbed.policies.naming

deny contains violation if {
	some resource in input.experiment.resources
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", resource.name)
	violation := {
		"message": sprintf("resource name '%s' should contain only lowercase letters, digits and inner hyphens", [resource.name]),
		"resource": resource.name,
	}
}
`,
	}
}

// connectionReferencesPolicy rejects connections to undeclared resources.
func connectionReferencesPolicy() Policy {
	return Policy{
		Name:        "connection-references",
		Description: "Both ends of every connection are declared resources",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package testbed.policies.connections

declared contains resource.name if {
	some resource in input.experiment.resources
}

deny contains violation if {
	some conn in input.experiment.connections
	some end in [conn.from, conn.to]
	not declared[end]
	violation := {
		"message": sprintf("connection %s -> %s references undeclared resource '%s'", [conn.from, conn.to, end]),
		"resource": end,
	}
}
`,
	}
}

// isolatedResourcesPolicy flags resources nothing connects to.
func isolatedResourcesPolicy() Policy {
	return Policy{
		Name:        "isolated-resources",
		Description: "In multi-resource experiments every resource takes part in a connection",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package testbed.policies.isolated

connected contains conn.from if {
	some conn in input.experiment.connections
}

connected contains conn.to if {
	some conn in input.experiment.connections
}

deny contains violation if {
	count(input.experiment.resources) > 1
	some resource in input.experiment.resources
	not connected[resource.name]
	violation := {
		"message": sprintf("resource '%s' has no connections", [resource.name]),
		"resource": resource.name,
	}
}
`,
	}
}

// timeoutSetPolicy asks for an explicit experiment timeout.
func timeoutSetPolicy() Policy {
	return Policy{
		Name:        "timeout-set",
		Description: "The experiment sets an explicit timeout instead of relying on the default",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package testbed.policies.timeout

deny contains "settings.timeout is not set, the default applies" if {
	not input.experiment.settings.timeout
}
`,
	}
}

// sizeLimitPolicy caps the number of resources.
func sizeLimitPolicy() Policy {
	return Policy{
		Name:        "size-limit",
		Description: "The experiment does not exceed the configured resource limit",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package testbed.policies.size

deny contains msg if {
	input.limits.max_resources > 0
	n := count(input.experiment.resources)
	n > input.limits.max_resources
	msg := sprintf("experiment declares %d resources, the limit is %d", [n, input.limits.max_resources])
}
`,
	}
}
