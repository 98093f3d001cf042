// Package policy evaluates admission policies written in Rego against
// experiment files before they run.
//
// Every policy is a rego v1 module with a deny set. Its input document is
//
//	{
//	    "experiment": <config.ExperimentFile as JSON>,
//	    "limits":     {"max_resources": 1000}
//	}
//
// and each element of deny is either a message or an object with message,
// resource and severity keys. A violation with severity error denies
// admission; info and warning violations are reported only.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, file)
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.Blocking() {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Built-in Policies
//
//   - resource-naming (warning): lowercase names with inner hyphens
//   - connection-references (error): connections name declared resources
//   - isolated-resources (info): resources without any connection
//   - timeout-set (warning): settings.timeout is explicit
//   - size-limit (error): at most limits.max_resources resources
//
// # Custom Policies
//
// A .rego file may start with a comment block; it becomes the description,
// and a "# severity: error" line sets the default severity:
//
//	# Nodes may not ask for more than 64 cores.
//	# severity: error
//
//	package site.cores
//
//	deny contains violation if {
//	    some resource in input.experiment.resources
//	    resource.attributes.cores > 64
//	    violation := {"message": "too many cores", "resource": resource.name}
//	}
package policy
