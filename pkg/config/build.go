package config

import (
	"fmt"

	"github.com/openfroyo/testbed/pkg/engine"
)

// Build adds the resources and connections of file to ctrl and returns the
// id assigned to every resource name. Resources are added in file order, so
// ids are stable for a given file. The first failing call aborts the build.
func Build(ctrl *engine.Controller, file *ExperimentFile) (map[string]engine.ResourceID, error) {
	ids := make(map[string]engine.ResourceID, len(file.Resources))

	for i, rc := range file.Resources {
		if _, dup := ids[rc.Name]; dup {
			return ids, fmt.Errorf("resources[%d]: duplicate resource name %q", i, rc.Name)
		}
		id, err := ctrl.AddResource(engine.ResourceType(rc.Type), rc.Attributes)
		if err != nil {
			return ids, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		ids[rc.Name] = id
	}

	for i, cc := range file.Connections {
		from, ok := ids[cc.From]
		if !ok {
			return ids, fmt.Errorf("connections[%d]: unknown resource %q", i, cc.From)
		}
		to, ok := ids[cc.To]
		if !ok {
			return ids, fmt.Errorf("connections[%d]: unknown resource %q", i, cc.To)
		}
		if err := ctrl.AddConnection(from, to); err != nil {
			return ids, fmt.Errorf("connection %s -> %s: %w", cc.From, cc.To, err)
		}
	}

	return ids, nil
}

// Names inverts the map returned by Build.
func Names(ids map[string]engine.ResourceID) map[engine.ResourceID]string {
	names := make(map[engine.ResourceID]string, len(ids))
	for name, id := range ids {
		names[id] = name
	}
	return names
}
