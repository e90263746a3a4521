package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates run files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Values unified with the schemas must come from the registry's runtime.
	sr := NewSchemaRegistry()
	return &CUEParser{
		ctx:            sr.ctx,
		schemaRegistry: sr,
		validator:      v,
	}
}

// Parse parses run files and directories of run files. All sources are unified into one
// configuration, so a run may be split across files. Relative paths in the configuration
// are resolved against the directory of the first source.
//
// Syntax and schema problems are reported in ParsedConfig.Errors; the returned error is
// reserved for sources that cannot be read at all.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		cueValue    cue.Value
		sourceFiles []string
		parseErrors []ValidationError
		dir         string
	)

	for i, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val   cue.Value
			files []string
			errs  []ValidationError
		)
		if info.IsDir() {
			val, files, errs = cp.loadDirectory(source)
			if i == 0 {
				dir = source
			}
		} else {
			val, errs = cp.loadFile(source)
			files = []string{source}
			if i == 0 {
				dir = filepath.Dir(source)
			}
		}

		parseErrors = append(parseErrors, errs...)
		sourceFiles = append(sourceFiles, files...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	pc := &ParsedConfig{
		Dir:         dir,
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return pc, nil
	}

	cp.decode(cueValue, pc)
	return pc, nil
}

// ParseInline parses run file content. Relative paths resolve against the working directory.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc := &ParsedConfig{
		Dir:         ".",
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		pc.Errors = cp.convertCUEErrors(err)
		return pc, nil
	}

	cp.decode(val, pc)
	return pc, nil
}

// decode unifies val with the run schema, decodes it and validates the result.
func (cp *CUEParser) decode(val cue.Value, pc *ParsedConfig) {
	schema, _ := cp.schemaRegistry.GetSchema("config")
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		pc.Errors = append(pc.Errors, cp.convertCUEErrors(err)...)
		return
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		pc.Errors = append(pc.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode configuration: %v", err),
			Severity: "error",
		})
		return
	}

	if errs := cp.Validate(&cfg); len(errs) > 0 {
		pc.Errors = append(pc.Errors, errs...)
		return
	}
	pc.Config = &cfg
}

// Validate checks a decoded configuration: struct tags, then the parameter set it declares.
func (cp *CUEParser) Validate(cfg *Config) []ValidationError {
	var out []ValidationError

	if err := cp.validator.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				out = append(out, ValidationError{
					Path:     strings.TrimPrefix(fe.Namespace(), "Config."),
					Message:  fmt.Sprintf("failed on %q constraint", fe.Tag()),
					Severity: "error",
				})
			}
		} else {
			out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
		}
		return out
	}

	if cfg.Features.Mode == "explicit" && len(cfg.Features.Names) == 0 {
		out = append(out, ValidationError{
			Path:     "features.names",
			Message:  "explicit mode requires at least one feature name",
			Severity: "error",
		})
	}
	for _, d := range []struct{ path, value string }{
		{"model.timeout", cfg.Model.Timeout},
		{"model.startup_timeout", cfg.Model.StartupTimeout},
		{"model.remote.keep_alive", remoteKeepAlive(cfg.Model.Remote)},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			out = append(out, ValidationError{
				Path:     d.path,
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}
	if _, err := cfg.ParameterSet(); err != nil {
		out = append(out, ValidationError{
			Path:     "parameters",
			Message:  err.Error(),
			Severity: "error",
		})
	}
	return out
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var (
			file         string
			line, column int
		)
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// LoadFromDirectory lists the CUE files below dir.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func fmtLocation(file string, line, column int) string {
	if column > 0 {
		return fmt.Sprintf("%s:%d:%d", file, line, column)
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func remoteKeepAlive(rc *RemoteConfig) string {
	if rc == nil {
		return ""
	}
	return rc.KeepAlive
}
