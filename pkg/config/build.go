package config

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chaztikov/uncertainpy/pkg/chaos"
	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/engine"
	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/features"
	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/parameters"
	"github.com/Chaztikov/uncertainpy/pkg/script"
	"github.com/Chaztikov/uncertainpy/pkg/telemetry"
	sshtransport "github.com/Chaztikov/uncertainpy/pkg/transports/ssh"
)

// Runtime holds what a run file declares, ready to hand to an UncertaintyEstimation.
type Runtime struct {
	Name       string
	Parameters *parameters.Set
	Model      model.Model
	Features   *features.Registry
	Options    engine.Options
	Single     bool
}

// Source returns the distribution, or for the *_interval kinds the rule, a declaration
// describes.
func (d *DistributionConfig) Source() (any, error) {
	switch d.Kind {
	case "uniform":
		return distribution.Uniform(d.Lo, d.Hi)
	case "normal":
		return distribution.Normal(d.Mu, d.Sigma)
	case "lognormal":
		return distribution.LogNormal(d.Mu, d.Sigma)
	case "beta":
		return distribution.Beta(d.Alpha, d.Beta, d.Lo, d.Hi)
	case "triangle":
		return distribution.Triangle(d.Lo, d.Mode, d.Hi)
	case "point":
		return distribution.Point(d.At)
	case "uniform_interval":
		return distribution.UniformRule(d.Interval), nil
	case "normal_interval":
		return distribution.NormalRule(d.Interval), nil
	default:
		return nil, fmt.Errorf("unknown distribution kind %q", d.Kind)
	}
}

// ParameterSet builds the declared parameters, in order.
func (c *Config) ParameterSet() (*parameters.Set, error) {
	specs := make([]parameters.Spec, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		spec := parameters.Spec{Name: p.Name, Value: p.Value}
		if p.Distribution != nil {
			src, err := p.Distribution.Source()
			if err != nil {
				return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidDistribution,
					"invalid distribution", err).WithParameter(p.Name)
			}
			spec.Distribution = src
		}
		specs = append(specs, spec)
	}
	return parameters.FromSpecs(specs)
}

// EngineOptions maps the run section to engine options.
func (c *Config) EngineOptions() engine.Options {
	r := c.Run
	return engine.Options{
		Method:          chaos.Method(r.Method),
		Order:           r.Order,
		QuadratureOrder: r.QuadratureOrder,
		Samples:         r.Samples,
		Seed:            r.Seed,
		MaxParallel:     r.MaxParallel,
		FailurePolicy:   engine.FailurePolicy(r.FailurePolicy),
		MaxFailureRatio: engine.Ratio(r.MaxFailureRatio),
		Alignment:       engine.Alignment(r.Alignment),
		Sensitivity:     r.Sensitivity,
	}
}

// TelemetryConfig maps the telemetry section onto the telemetry defaults.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	if c.Telemetry.MetricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	}
	if c.Telemetry.Tracing != "none" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = c.Telemetry.Tracing
		tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	return tc
}

// StoragePath returns the database path resolved against dir, or "" when storage is off.
func (c *Config) StoragePath(dir string) string {
	if c.Storage.Path == "" {
		return ""
	}
	return resolve(dir, c.Storage.Path)
}

// PolicyPaths returns the policy paths resolved against dir.
func (c *Config) PolicyPaths(dir string) []string {
	out := make([]string, len(c.Policy.Paths))
	for i, p := range c.Policy.Paths {
		out[i] = resolve(dir, p)
	}
	return out
}

// Build loads the scripts a configuration names and assembles the run. Script paths are
// resolved against dir.
func (c *Config) Build(dir string, logger zerolog.Logger) (*Runtime, error) {
	set, err := c.ParameterSet()
	if err != nil {
		return nil, err
	}

	opts := []script.Option{script.WithMaxSteps(c.Model.MaxSteps), script.WithLogger(logger)}
	var timeout time.Duration
	if c.Model.Timeout != "" {
		timeout, err = time.ParseDuration(c.Model.Timeout)
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "invalid model timeout", err)
		}
		opts = append(opts, script.WithTimeout(timeout))
	}

	m, err := c.buildModel(dir, timeout, opts, logger)
	if err != nil {
		return nil, err
	}

	registry, err := c.buildFeatures(dir, opts)
	if err != nil {
		if cl, ok := m.(io.Closer); ok {
			_ = cl.Close()
		}
		return nil, err
	}

	return &Runtime{
		Name:       c.Run.Name,
		Parameters: set,
		Model:      m,
		Features:   registry,
		Options:    c.EngineOptions(),
		Single:     c.Run.Single,
	}, nil
}

// buildModel loads the model script or prepares the model command. Command processes
// start with the first evaluation.
func (c *Config) buildModel(dir string, timeout time.Duration, opts []script.Option, logger zerolog.Logger) (model.Model, error) {
	mc := c.Model
	if len(mc.Command) == 0 {
		prog, err := script.LoadFile(resolve(dir, mc.Script), opts...)
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidModel, "failed to load model script", err)
		}
		m, err := model.NewStarlark(prog, mc.Function, mc.Labels...)
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidModel, "invalid model", err)
		}
		return m, nil
	}

	command := append([]string(nil), mc.Command...)
	if mc.Remote == nil || mc.Remote.Upload {
		if strings.ContainsRune(command[0], filepath.Separator) {
			command[0] = resolve(dir, command[0])
		}
		if _, err := exec.LookPath(command[0]); err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidModel, "model command not found", err)
		}
	}
	var startup time.Duration
	if mc.StartupTimeout != "" {
		var err error
		if startup, err = time.ParseDuration(mc.StartupTimeout); err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "invalid model startup timeout", err)
		}
	}
	workers := mc.Workers
	if workers == 0 {
		workers = c.Run.MaxParallel
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	pcfg := model.ProcessConfig{
		Command:        command,
		Dir:            dir,
		Workers:        workers,
		Timeout:        timeout,
		StartupTimeout: startup,
		Labels:         mc.Labels,
		Logger:         logger,
	}

	if mc.Remote != nil {
		launcher, err := remoteLauncher(dir, mc.Remote, command, mc.Env, logger)
		if err != nil {
			return nil, err
		}
		return model.NewProcessWithLauncher(launcher, pcfg), nil
	}

	for _, k := range sortedKeys(mc.Env) {
		pcfg.Env = append(pcfg.Env, k+"="+mc.Env[k])
	}
	m, err := model.NewProcess(pcfg)
	if err != nil {
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidModel, "invalid model command", err)
	}
	return m, nil
}

// remoteLauncher connects lazily: the host is dialled by the first evaluation.
func remoteLauncher(dir string, rc *RemoteConfig, command []string, env map[string]string, logger zerolog.Logger) (*sshtransport.Launcher, error) {
	sc := sshtransport.DefaultConfig(rc.Host, rc.User)
	if rc.Port != 0 {
		sc.Port = rc.Port
	}
	if rc.Auth != "" {
		sc.AuthMethod = sshtransport.AuthMethod(rc.Auth)
	}
	if rc.PasswordEnv != "" {
		sc.Password = os.Getenv(rc.PasswordEnv)
	}
	if rc.KeyFile != "" {
		sc.PrivateKeyPath = resolve(dir, rc.KeyFile)
	}
	if rc.PassphraseEnv != "" {
		sc.PrivateKeyPassphrase = os.Getenv(rc.PassphraseEnv)
	}
	if rc.KnownHosts != "" {
		sc.KnownHostsPath = resolve(dir, rc.KnownHosts)
	}
	sc.StrictHostKeyChecking = !rc.InsecureHostKey
	if rc.KeepAlive != "" {
		d, err := time.ParseDuration(rc.KeepAlive)
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "invalid remote keep-alive", err)
		}
		sc.KeepAliveInterval = d
	}

	logger = logger.With().Str("component", "model-process").Str("command", command[0]).Logger()
	client, err := sshtransport.NewSSHClient(sc, logger)
	if err != nil {
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidModel, "invalid remote host", err)
	}

	launcher := &sshtransport.Launcher{
		Client:  client,
		Command: command,
		Env:     env,
		Stderr:  logger.With().Str("stream", "stderr").Logger(),
	}
	if rc.Upload {
		remoteDir := rc.RemoteDir
		if remoteDir == "" {
			remoteDir = "/tmp/uncertainpy"
		}
		launcher.Upload = &sshtransport.Upload{
			Local:  command[0],
			Remote: path.Join(remoteDir, filepath.Base(command[0])),
		}
	}
	return launcher, nil
}

// Close releases the model's resources, stopping model processes.
func (rt *Runtime) Close() error {
	if cl, ok := rt.Model.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Config) buildFeatures(dir string, opts []script.Option) (*features.Registry, error) {
	fc := c.Features
	if fc.Mode == "none" {
		return nil, nil
	}

	defaults := features.NewGeneral()
	if fc.Spiking {
		var err error
		defaults, err = features.NewSpiking(features.SpikingConfig{Threshold: &fc.SpikeThreshold})
		if err != nil {
			return nil, err
		}
	}

	if fc.Script != "" {
		prog, err := script.LoadFile(resolve(dir, fc.Script), opts...)
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidFeatures, "failed to load feature script", err)
		}
		scripted, err := features.FromScript(prog, fc.Functions...)
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidFeatures, "invalid feature script", err)
		}
		for _, f := range scripted {
			if err := defaults.Register(f); err != nil {
				return nil, err
			}
		}
	}

	if fc.Mode == "all" {
		return features.ConfigureWith("all", defaults)
	}
	return features.ConfigureWith(fc.Names, defaults)
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}
