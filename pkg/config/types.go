package config

import (
	"time"
)

// Config is a run file: everything needed to set up and run one estimation.
type Config struct {
	// Run selects the propagation method and run policies.
	Run RunConfig `json:"run"`

	// Model names the Starlark script implementing the model.
	Model ModelConfig `json:"model"`

	// Parameters lists the model parameters in order.
	Parameters []ParameterConfig `json:"parameters" validate:"required,min=1,dive"`

	// Features selects the features computed from each model output.
	Features FeaturesConfig `json:"features"`

	// Storage configures where results are persisted.
	Storage StorageConfig `json:"storage"`

	// Policy configures the result policies.
	Policy PolicyConfig `json:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// RunConfig configures the estimation.
type RunConfig struct {
	// Name identifies the study in stored results.
	Name string `json:"name" validate:"required"`

	// Method is the propagation method (quadrature, collocation, mc).
	Method string `json:"method" validate:"required,oneof=quadrature collocation mc"`

	// Order is the polynomial order.
	Order int `json:"order" validate:"gte=0"`

	// QuadratureOrder is the number of Gauss points per dimension. Zero selects order+1.
	QuadratureOrder int `json:"quadrature_order" validate:"gte=0"`

	// Samples is the number of collocation nodes or Monte Carlo base samples.
	Samples int `json:"samples" validate:"gte=0"`

	// Seed makes sampled designs reproducible.
	Seed uint64 `json:"seed"`

	// MaxParallel bounds concurrent model evaluations. Zero uses every CPU.
	MaxParallel int `json:"max_parallel" validate:"gte=0"`

	// FailurePolicy is skip or abort.
	FailurePolicy string `json:"failure_policy" validate:"required,oneof=skip abort"`

	// MaxFailureRatio is the largest tolerated share of failed nodes.
	MaxFailureRatio float64 `json:"max_failure_ratio" validate:"gte=0,lte=1"`

	// Alignment is none, truncate or interpolate.
	Alignment string `json:"alignment" validate:"required,oneof=none truncate interpolate"`

	// Sensitivity requests Sobol indices.
	Sensitivity bool `json:"sensitivity"`

	// Single runs one analysis per uncertain parameter instead of a joint one.
	Single bool `json:"single"`
}

// ModelConfig names the model implementation: a Starlark script or an external command
// speaking the runner protocol. Exactly one of Script and Command is set.
type ModelConfig struct {
	// Script is the path of the Starlark file, relative to the run file.
	Script string `json:"script,omitempty" validate:"required_without=Command,excluded_with=Command"`

	// Function is the model function in the script.
	Function string `json:"function"`

	// Command is the executable and its arguments. A relative executable path containing
	// a separator is resolved against the run file.
	Command []string `json:"command,omitempty" validate:"required_with=Remote"`

	// Remote runs Command on another host over SSH.
	Remote *RemoteConfig `json:"remote,omitempty"`

	// Env holds extra environment variables for the command.
	Env map[string]string `json:"env,omitempty"`

	// Workers bounds the number of command processes. Zero uses max_parallel, or one
	// process per CPU when that is zero too.
	Workers int `json:"workers" validate:"gte=0"`

	// StartupTimeout bounds the wait for a command to announce itself, as a Go duration.
	StartupTimeout string `json:"startup_timeout,omitempty"`

	// Labels are the axis labels of the model output.
	Labels []string `json:"labels,omitempty"`

	// MaxSteps bounds the Starlark steps of one evaluation. Zero means unbounded.
	MaxSteps uint64 `json:"max_steps"`

	// Timeout bounds the wall time of one evaluation, as a Go duration. Empty means unbounded.
	Timeout string `json:"timeout,omitempty"`
}

// RemoteConfig names the host a model command runs on. Secrets are read from the
// environment variables it names, never from the run file.
type RemoteConfig struct {
	Host string `json:"host" validate:"required"`
	Port int    `json:"port" validate:"gte=1,lte=65535"`
	User string `json:"user" validate:"required"`

	// Auth is key, password or agent.
	Auth          string `json:"auth" validate:"oneof=key password agent"`
	PasswordEnv   string `json:"password_env,omitempty" validate:"required_if=Auth password"`
	KeyFile       string `json:"key_file,omitempty"`
	PassphraseEnv string `json:"passphrase_env,omitempty"`

	// KnownHosts defaults to ~/.ssh/known_hosts. InsecureHostKey skips the check.
	KnownHosts      string `json:"known_hosts,omitempty"`
	InsecureHostKey bool   `json:"insecure_host_key"`

	// Upload copies the local executable to RemoteDir before the first evaluation.
	// Without it the command is run as written on the remote host.
	Upload    bool   `json:"upload"`
	RemoteDir string `json:"remote_dir"`

	// KeepAlive is the keep-alive interval, as a Go duration.
	KeepAlive string `json:"keep_alive,omitempty"`
}

// ParameterConfig declares one parameter.
type ParameterConfig struct {
	Name  string  `json:"name" validate:"required"`
	Value float64 `json:"value"`

	// Distribution makes the parameter uncertain. Absent means fixed.
	Distribution *DistributionConfig `json:"distribution,omitempty"`
}

// DistributionConfig declares a distribution or a rule applied to the nominal value.
type DistributionConfig struct {
	// Kind is uniform, normal, lognormal, beta, triangle, point, uniform_interval or
	// normal_interval.
	Kind string `json:"kind" validate:"required,oneof=uniform normal lognormal beta triangle point uniform_interval normal_interval"`

	Lo       float64 `json:"lo"`
	Hi       float64 `json:"hi"`
	Mu       float64 `json:"mu"`
	Sigma    float64 `json:"sigma"`
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	Mode     float64 `json:"mode"`
	At       float64 `json:"at"`
	Interval float64 `json:"interval"`
}

// FeaturesConfig selects features.
type FeaturesConfig struct {
	// Mode is none, all or explicit.
	Mode string `json:"mode" validate:"required,oneof=none all explicit"`

	// Names lists the features run in explicit mode.
	Names []string `json:"names,omitempty"`

	// Spiking adds the built-in spiking features.
	Spiking bool `json:"spiking"`

	// SpikeThreshold is the voltage a spike must cross.
	SpikeThreshold float64 `json:"spike_threshold"`

	// Script is a Starlark file defining feature functions, relative to the run file.
	Script string `json:"script,omitempty"`

	// Functions lists the feature functions of Script. Empty takes every public function.
	Functions []string `json:"functions,omitempty"`
}

// StorageConfig configures result persistence.
type StorageConfig struct {
	// Path is the SQLite database path, relative to the run file. Empty disables storage.
	Path string `json:"path"`
}

// PolicyConfig configures result policies.
type PolicyConfig struct {
	// Enabled evaluates policies after each run.
	Enabled bool `json:"enabled"`

	// Paths lists additional .rego files or directories.
	Paths []string `json:"paths,omitempty"`

	// OnViolation is warn or fail.
	OnViolation string `json:"on_violation" validate:"required,oneof=warn fail"`

	// MaxFailureRatio is the failed-node budget checked by the node-failure-budget policy.
	MaxFailureRatio float64 `json:"max_failure_ratio" validate:"gte=0,lte=1"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `json:"log_level" validate:"required,oneof=trace debug info warn error disabled"`
	LogFormat string `json:"log_format" validate:"required,oneof=console json"`

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// Tracing is none, stdout or otlp.
	Tracing         string `json:"tracing" validate:"required,oneof=none stdout otlp"`
	TracingEndpoint string `json:"tracing_endpoint,omitempty" validate:"required_if=Tracing otlp"`
}

// ParsedConfig is the outcome of parsing run files.
type ParsedConfig struct {
	// Config is the decoded configuration. Nil when parsing failed.
	Config *Config `json:"config,omitempty"`

	// Dir is the directory relative paths are resolved against.
	Dir string `json:"dir"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether parsing or validation produced errors.
func (pc *ParsedConfig) HasErrors() bool {
	for _, e := range pc.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending field (e.g., "parameters[1].distribution").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// String formats the error with its location.
func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmtLocation(e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return loc + ": " + e.Path + ": " + e.Message
	case loc != "":
		return loc + ": " + e.Message
	case e.Path != "":
		return e.Path + ": " + e.Message
	default:
		return e.Message
	}
}
