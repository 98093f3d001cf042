package config

const schemaFilename = "experiment_schema.cue"

// experimentSchema constrains CUE experiment files. Definitions are closed,
// so misspelled fields are reported instead of ignored.
const experimentSchema = `
#Experiment: {
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

	settings?: #Settings

	resources: [...#Resource]

	connections?: [...#Connection]
}

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Settings: {
	timeout?:                    #Duration
	reschedule_delay?:           #Duration
	drain_timeout?:              #Duration
	workers?:                    int & >=1 & <=1024
	fail_on_blocked_dependency?: bool
}

#Resource: {
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Namespaced type tag, e.g. "dummy::Node"
	type: string & =~"^[A-Za-z0-9_]+::[A-Za-z0-9_]+$"

	attributes?: {[string]: string | int | bool}
}

#Connection: {
	from: string
	to:   string
}
`
