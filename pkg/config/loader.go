package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	resourceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	resourceTypePattern = regexp.MustCompile(`^[A-Za-z0-9_]+::[A-Za-z0-9_]+$`)
)

// Loader reads and validates experiment files. A Loader is not safe for
// concurrent use because the underlying CUE context is not.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a loader with the experiment schema compiled.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(experimentSchema, cue.Filename(schemaFilename))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile experiment schema: %w", err)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	custom := map[string]validator.Func{
		"duration": func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(fl.Field().String())
			return err == nil && d >= 0
		},
		"resource_name": func(fl validator.FieldLevel) bool {
			return resourceNamePattern.MatchString(fl.Field().String())
		},
		"resource_type": func(fl validator.FieldLevel) bool {
			return resourceTypePattern.MatchString(fl.Field().String())
		},
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("failed to register %s validation: %w", tag, err)
		}
	}

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Experiment")),
		validator: v,
	}, nil
}

// Load reads an experiment file or a directory holding a CUE package. The
// format follows the extension: .yaml, .yml and .json are decoded as YAML,
// .cue as CUE.
func Load(path string) (*ExperimentFile, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Load reads an experiment file or a directory holding a CUE package.
func (l *Loader) Load(path string) (*ExperimentFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return l.loadDirectory(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return l.ParseYAML(data, path)
	case ".cue":
		return l.ParseCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported experiment file %s: expected .yaml, .yml, .json or .cue", path)
	}
}

// ParseYAML decodes a YAML or JSON experiment. Unknown fields are rejected.
func (l *Loader) ParseYAML(data []byte, filename string) (*ExperimentFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file ExperimentFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ValidationErrors{{File: filename, Message: "empty experiment file"}}
		}
		return nil, yamlErrors(filename, err)
	}
	file.Source = filename

	if errs := l.Validate(&file); len(errs) > 0 {
		return nil, errs
	}
	return &file, nil
}

// ParseCUE evaluates a CUE experiment against the experiment schema.
func (l *Loader) ParseCUE(data []byte, filename string) (*ExperimentFile, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decodeCUE(val, filename)
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (*ExperimentFile, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decodeCUE(val, dir)
}

func (l *Loader) decodeCUE(val cue.Value, source string) (*ExperimentFile, error) {
	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var file ExperimentFile
	if err := unified.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode experiment %s: %w", source, err)
	}
	file.Source = source

	if errs := l.Validate(&file); len(errs) > 0 {
		return nil, errs
	}
	return &file, nil
}

// Validate checks field constraints and cross references: unique resource
// names and connections between declared resources.
func (l *Loader) Validate(file *ExperimentFile) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(file); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{File: file.Source, Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				File:    file.Source,
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	seen := make(map[string]int, len(file.Resources))
	for i, rc := range file.Resources {
		if first, ok := seen[rc.Name]; ok && rc.Name != "" {
			errs = append(errs, ValidationError{
				File:    file.Source,
				Path:    fmt.Sprintf("resources[%d].name", i),
				Message: fmt.Sprintf("duplicate resource name %q (first declared at resources[%d])", rc.Name, first),
			})
			continue
		}
		seen[rc.Name] = i
	}

	for i, cc := range file.Connections {
		for _, end := range []struct{ field, name string }{{"from", cc.From}, {"to", cc.To}} {
			if end.name == "" {
				continue
			}
			if _, ok := seen[end.name]; !ok {
				errs = append(errs, ValidationError{
					File:    file.Source,
					Path:    fmt.Sprintf("connections[%d].%s", i, end.field),
					Message: fmt.Sprintf("unknown resource %q", end.name),
				})
			}
		}
	}

	return errs
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "nefield":
		return "must differ from " + strings.ToLower(fe.Param())
	case "duration":
		return fmt.Sprintf("invalid duration %q", fe.Value())
	case "resource_name":
		return fmt.Sprintf("invalid resource name %q: use letters, digits, '_' and '-'", fe.Value())
	case "resource_type":
		return fmt.Sprintf("invalid resource type %q: expected <flavor>::<Type>", fe.Value())
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos, ok := experimentPosition(cueerrors.Positions(e)); ok {
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}

// experimentPosition prefers a position in the experiment over one in the
// schema.
func experimentPosition(positions []token.Pos) (token.Pos, bool) {
	for _, pos := range positions {
		if pos.Filename() != schemaFilename {
			return pos, true
		}
	}
	if len(positions) > 0 {
		return positions[0], true
	}
	return token.NoPos, false
}

// yamlErrors converts yaml.v3 decode errors to ValidationErrors.
func yamlErrors(filename string, err error) ValidationErrors {
	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return ValidationErrors{{File: filename, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(typeErr.Errors))
	for _, msg := range typeErr.Errors {
		out = append(out, ValidationError{File: filename, Message: msg})
	}
	return out
}
