// Package config reads experiment description files and assembles them into
// an engine.Controller.
//
// An experiment file names the experiment, optionally tunes the controller
// and lists resources and the connections between them. YAML and JSON files
// are decoded with gopkg.in/yaml.v3 and reject unknown fields. CUE files are
// unified with a closed #Experiment schema first, which allows comprehensions
// to generate large topologies:
//
//	name: "star"
//	settings: timeout: "30s"
//	_leaves: ["a", "b", "c"]
//	resources: [
//		{name: "hub", type: "dummy::Node"},
//		for l in _leaves {name: l, type: "dummy::Node"},
//	]
//
// Both paths end in the same struct validation (go-playground/validator)
// and cross reference checks. Problems are reported as ValidationErrors
// carrying file positions where the decoder provides them.
//
// Build feeds a validated file to a controller:
//
//	file, err := config.Load("ping.yaml")
//	if err != nil {
//	    return err
//	}
//	cfg, err := file.ControllerConfig()
//	if err != nil {
//	    return err
//	}
//	ctrl, err := engine.NewController(cfg, registry)
//	if err != nil {
//	    return err
//	}
//	ids, err := config.Build(ctrl, file)
package config
