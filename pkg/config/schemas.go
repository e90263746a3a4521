package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.registerBuiltInSchemas(); err != nil {
		// The built-in schema is a constant; failing to compile it is a programming error.
		panic(err)
	}
	return sr
}

// builtinDefinitions maps schema names to definitions of builtinRunSchema.
var builtinDefinitions = map[string]string{
	"config":       "#Config",
	"run":          "#Run",
	"model":        "#Model",
	"remote":       "#Remote",
	"parameter":    "#Parameter",
	"distribution": "#Distribution",
	"features":     "#Features",
	"policy":       "#Policy",
	"telemetry":    "#Telemetry",
}

func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	val := sr.ctx.CompileString(builtinRunSchema, cue.Filename("builtin.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schema: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range builtinDefinitions {
		v := val.LookupPath(cue.ParsePath(def))
		if !v.Exists() {
			return fmt.Errorf("built-in schema does not define %s", def)
		}
		sr.schemas[name] = v
	}
	return nil
}

// RegisterSchema registers a CUE schema with the given name. Data validated against it is
// unified with the whole compiled schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParameter validates a parameter declaration against the parameter schema.
func (sr *SchemaRegistry) ValidateParameter(ctx context.Context, p ParameterConfig) error {
	return sr.ValidateAgainstSchema(ctx, "parameter", p)
}

// ValidateDistribution validates a distribution declaration against the distribution schema.
func (sr *SchemaRegistry) ValidateDistribution(ctx context.Context, d DistributionConfig) error {
	return sr.ValidateAgainstSchema(ctx, "distribution", d)
}

// builtinRunSchema describes a run file. Definitions are closed, so misspelled fields are
// reported instead of ignored.
const builtinRunSchema = `
#Config: {
	run:        #Run
	model:      #Model
	parameters: [#Parameter, ...#Parameter]
	features:   #Features
	storage:    #Storage
	policy:     #Policy
	telemetry:  #Telemetry
}

#Run: {
	name:              string | *"uncertainpy"
	method:            *"quadrature" | "collocation" | "mc"
	order:             int & >=0 | *4
	quadrature_order:  int & >=0 | *0
	samples:           int & >=0 | *0
	seed:              int & >=0 | *0
	max_parallel:      int & >=0 | *0
	failure_policy:    *"skip" | "abort"
	max_failure_ratio: number & >=0 & <=1 | *1.0
	alignment:         *"none" | "truncate" | "interpolate"
	sensitivity:       bool | *true
	single:            bool | *false
}

#Model: {
	// Starlark file, relative to the run file.
	script?:          string & != ""
	function:         string | *"model"
	// External model process speaking the runner protocol.
	command?:         [string & != "", ...string]
	env?:             [string]: string
	remote?:          #Remote
	workers:          int & >=0 | *0
	startup_timeout?: string
	labels?:          [...string]
	max_steps:        int & >=0 | *0
	timeout?:         string
}

#Remote: {
	host:              string & != ""
	port:              int & >=1 & <=65535 | *22
	user:              string & != ""
	auth:              *"key" | "password" | "agent"
	password_env?:     string & != ""
	key_file?:         string & != ""
	passphrase_env?:   string & != ""
	known_hosts?:      string & != ""
	insecure_host_key: bool | *false
	upload:            bool | *false
	remote_dir:        string & != "" | *"/tmp/uncertainpy"
	keep_alive?:       string
}

#Parameter: {
	name:          string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
	value:         number
	distribution?: #Distribution
}

// A distribution is one of the per-kind definitions below. Every kind carries the full
// field set, since encoded Go values always include the zero fields.
#Distribution: #Uniform | #Normal | #LogNormal | #Beta | #Triangle | #Point | #UniformInterval | #NormalInterval

#DistributionFields: {
	kind:      string
	lo?:       number
	hi?:       number
	mu?:       number
	sigma?:    number
	alpha?:    number
	beta?:     number
	mode?:     number
	at?:       number
	interval?: number
}

#Uniform: #DistributionFields & {
	kind: "uniform"
	lo:   number
	hi:   number & >=lo
}

// A normal with zero sigma is a point law.
#Normal: #DistributionFields & {
	kind:  "normal"
	mu:    number
	sigma: number & >=0
}

#LogNormal: #DistributionFields & {
	kind:  "lognormal"
	mu:    number
	sigma: number & >0
}

#Beta: #DistributionFields & {
	kind:  "beta"
	alpha: number & >0
	beta:  number & >0
	lo:    number
	hi:    number & >lo
}

#Triangle: #DistributionFields & {
	kind: "triangle"
	lo:   number
	mode: number & >=lo
	hi:   number & >=mode
}

#Point: #DistributionFields & {
	kind: "point"
	at:   number
}

#UniformInterval: #DistributionFields & {
	kind:     "uniform_interval"
	interval: number
}

#NormalInterval: #DistributionFields & {
	kind:     "normal_interval"
	interval: number
}

#Features: {
	mode:            *"none" | "all" | "explicit"
	names?:          [...string]
	spiking:         bool | *false
	spike_threshold: number | *-30
	script?:         string
	functions?:      [...string]
}

#Storage: {
	// SQLite database, relative to the run file. Empty disables storage.
	path: string | *".uncertainpy/results.db"
}

#Policy: {
	enabled:           bool | *false
	paths?:            [...string]
	on_violation:      *"warn" | "fail"
	max_failure_ratio: number & >=0 & <=1 | *0.1
}

#Telemetry: {
	log_level:        *"info" | "trace" | "debug" | "warn" | "error" | "disabled"
	log_format:       *"console" | "json"
	metrics_addr?:    string
	tracing:          *"none" | "stdout" | "otlp"
	tracing_endpoint: string | *"localhost:4317"
}
`
