package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Chaztikov/uncertainpy/pkg/chaos"
	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/features"
	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/parameters"
	"github.com/Chaztikov/uncertainpy/pkg/telemetry"
)

// UncertaintyEstimation propagates parameter uncertainty through a model. It owns a
// parameter set, a model and a feature registry, each set through a validating setter.
// Configuration is guarded by a mutex; a run works on a snapshot, so setters may be called
// while a run is in progress.
type UncertaintyEstimation struct {
	mu       sync.Mutex
	params   *parameters.Set
	model    model.Model
	registry *features.Registry
	defaults *features.Registry
	opts     Options

	backend chaos.Backend
	policy  ResultsPolicy
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	sink    telemetry.Sink
}

// Option configures an UncertaintyEstimation.
type Option func(*UncertaintyEstimation)

// WithOptions sets the run options.
func WithOptions(opts Options) Option {
	return func(u *UncertaintyEstimation) { u.opts = opts }
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(u *UncertaintyEstimation) { u.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(u *UncertaintyEstimation) { u.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(u *UncertaintyEstimation) { u.tracer = tracer }
}

// WithSink sets the diagnostics sink.
func WithSink(sink telemetry.Sink) Option {
	return func(u *UncertaintyEstimation) { u.sink = sink }
}

// WithBackend replaces the backend built from the options.
func WithBackend(backend chaos.Backend) Option {
	return func(u *UncertaintyEstimation) { u.backend = backend }
}

// WithPolicy sets a policy checked once statistics are ready.
func WithPolicy(policy ResultsPolicy) Option {
	return func(u *UncertaintyEstimation) { u.policy = policy }
}

// WithDefaultFeatures sets the features selected by SetFeatures("all") or by name.
func WithDefaultFeatures(defaults *features.Registry) Option {
	return func(u *UncertaintyEstimation) { u.defaults = defaults }
}

// New creates an estimation with DefaultOptions. Parameters and a model must be set
// before running.
func New(opts ...Option) *UncertaintyEstimation {
	u := &UncertaintyEstimation{
		opts:   DefaultOptions(),
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = telemetry.NopLogger()
	}
	return u
}

// SetParameters accepts a *parameters.Set, a *parameters.Parameter, a parameters.Spec or a
// list of either.
func (u *UncertaintyEstimation) SetParameters(v any) error {
	set, err := parameters.Configure(v)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.params = set
	return nil
}

// SetModel accepts a model.Model or a function model.Wrap understands.
func (u *UncertaintyEstimation) SetModel(v any) error {
	m, err := model.Wrap(v)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.model = m
	return nil
}

// SetFeatures accepts nil, "all", a *features.Registry, or a list of features and names
// resolved against the default features.
func (u *UncertaintyEstimation) SetFeatures(v any) error {
	u.mu.Lock()
	defaults := u.defaults
	u.mu.Unlock()

	r, err := features.ConfigureWith(v, defaults)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.registry = r
	return nil
}

// SetOptions replaces the run options.
func (u *UncertaintyEstimation) SetOptions(opts Options) error {
	if err := opts.Validate(); err != nil {
		return errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "invalid options", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opts = opts
	return nil
}

// Parameters returns the configured parameter set.
func (u *UncertaintyEstimation) Parameters() *parameters.Set {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.params
}

// Features returns the configured feature registry, or nil.
func (u *UncertaintyEstimation) Features() *features.Registry {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registry
}

// Options returns the run options.
func (u *UncertaintyEstimation) Options() Options {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.opts
}

// config is the snapshot a run works on.
type config struct {
	set      *parameters.Set
	model    model.Model
	registry *features.Registry
	opts     Options
}

// Validate checks that a run can start.
func (u *UncertaintyEstimation) Validate() error {
	_, err := u.snapshot()
	return err
}

func (u *UncertaintyEstimation) snapshot() (config, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.params == nil || u.params.Len() == 0 {
		return config{}, errdefs.NewConfigurationError(errdefs.CodeInvalidParameters,
			"no parameters are configured", nil)
	}
	if len(u.params.Uncertain()) == 0 {
		return config{}, errdefs.NewConfigurationError(errdefs.CodeNoUncertainParameters,
			"no parameter has a distribution, there is nothing to propagate", nil)
	}
	if u.model == nil {
		return config{}, errdefs.NewConfigurationError(errdefs.CodeInvalidModel,
			"no model is configured", nil)
	}
	if err := u.opts.Validate(); err != nil {
		return config{}, errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "invalid options", err)
	}

	m := u.model
	if b, ok := m.(model.Binder); ok {
		m = b.Bind(u.params.Names())
	}

	return config{
		set:      u.params.Clone(),
		model:    m,
		registry: u.registry,
		opts:     u.opts.withDefaults(),
	}, nil
}

// Run performs one uncertainty quantification. Configuration errors are returned without
// Results. Once the run has started, Results are returned even when it fails, carrying the
// state it failed in and the diagnostics gathered so far.
func (u *UncertaintyEstimation) Run(ctx context.Context) (*Results, error) {
	cfg, err := u.snapshot()
	if err != nil {
		return nil, err
	}
	return u.execute(ctx, cfg)
}

// RunSingle analyses each uncertain parameter on its own, holding the others at their
// nominal values. Results are keyed by parameter name. A failed analysis does not stop the
// others; the errors are joined, except cancellation which returns immediately.
func (u *UncertaintyEstimation) RunSingle(ctx context.Context) (map[string]*Results, error) {
	cfg, err := u.snapshot()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Results)
	var errs []error
	for _, name := range cfg.set.UncertainNames() {
		single, err := cfg.set.Only(name)
		if err != nil {
			return out, err
		}
		c := cfg
		c.set = single
		if cfg.opts.RunID != "" {
			c.opts.RunID = cfg.opts.RunID + "-" + name
		}

		res, err := u.execute(ctx, c)
		if res != nil {
			out[name] = res
		}
		if err != nil {
			if errdefs.IsCancelled(err) {
				return out, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return out, errors.Join(errs...)
}

// run carries the state of one execution.
type run struct {
	u       *UncertaintyEstimation
	cfg     config
	results *Results
	logger  *telemetry.Logger
}

func (u *UncertaintyEstimation) execute(ctx context.Context, cfg config) (*Results, error) {
	runID := cfg.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	r := &run{
		u:       u,
		cfg:     cfg,
		results: newResults(runID, cfg.opts.Method, cfg.set.UncertainNames()),
		logger:  u.logger.NewComponentLogger("engine").WithRunID(runID),
	}

	ctx, span := u.tracer.StartRunSpan(ctx, runID, string(cfg.opts.Method))
	u.metrics.RecordRunStarted()
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("run started with %d uncertain parameters", len(r.results.uncertain)),
		Data:    map[string]any{"method": string(cfg.opts.Method), "uncertain": r.results.uncertain},
	})
	r.logger.Infof("starting %s run over %v", cfg.opts.Method, r.results.uncertain)

	err := r.execute(ctx)
	r.finish(err)
	telemetry.EndSpan(span, err)
	if err != nil {
		return r.results, err
	}
	return r.results, nil
}

// phase runs fn in a span and advances to state when it succeeds.
func (r *run) phase(ctx context.Context, state RunState, fn func(context.Context) error) error {
	ctx, span := r.u.tracer.StartPhaseSpan(ctx, string(state))
	err := fn(ctx)
	if err == nil {
		err = r.transition(state)
	}
	telemetry.EndSpan(span, err)
	return err
}

func (r *run) transition(to RunState) error {
	from := r.results.state
	if !CanTransition(from, to) {
		return errdefs.NewRunError(errdefs.CodeInvalidStateTransition,
			fmt.Sprintf("cannot move from %s to %s", from, to), nil)
	}
	r.results.state = to
	r.logger.Debugf("state %s -> %s", from, to)
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeStateChanged,
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("%s -> %s", from, to),
		Data:    map[string]any{"from": string(from), "to": string(to)},
	})
	return nil
}

func (r *run) publish(event telemetry.Event) {
	if r.u.sink == nil {
		return
	}
	event.RunID = r.results.runID
	if err := r.u.sink.Publish(event); err != nil {
		r.logger.WithError(err).Debug("diagnostic event dropped")
	}
}

func (r *run) finish(err error) {
	res := r.results
	res.completedAt = time.Now()

	if err != nil {
		if !res.state.IsTerminal() {
			_ = r.transition(StateFailed)
		}
		r.u.metrics.RecordError(string(errdefs.ClassOf(err)))
		r.logger.WithError(err).Error("run failed")
		r.publish(telemetry.Event{
			Type:    telemetry.EventTypeRunFailed,
			Level:   telemetry.EventLevelError,
			Message: err.Error(),
			Data:    map[string]any{"state": string(res.state)},
		})
	} else {
		d := res.Diagnostics()
		r.logger.Infof("run finished: %s, %d outputs", d.Summary(), len(res.order))
		r.publish(telemetry.Event{
			Type:    telemetry.EventTypeRunCompleted,
			Level:   telemetry.EventLevelInfo,
			Message: fmt.Sprintf("statistics ready for %d outputs, %s", len(res.order), d.Summary()),
			Data:    map[string]any{"duration": res.Duration().Seconds()},
		})
	}
	r.u.metrics.RecordRunCompleted(string(res.state), res.Duration())
}

// plan is the node design of a run.
type plan struct {
	active      []string       // uncertain parameters spanning the node space
	activeIndex map[string]int // position of each active parameter
	backend     chaos.Backend  // nil when every uncertain parameter collapsed
	nodes       *chaos.NodeSet // nil when every uncertain parameter collapsed
	assignments []map[string]float64
}

func (r *run) execute(ctx context.Context) error {
	var (
		p           *plan
		nodeResults []nodeResult
		expansions  map[string]chaos.Expansion
	)

	err := r.phase(ctx, StateNodesGenerated, func(ctx context.Context) (err error) {
		p, err = r.generate(ctx)
		return err
	})
	if err != nil {
		return err
	}

	err = r.phase(ctx, StateEvaluated, func(ctx context.Context) (err error) {
		nodeResults, err = r.evaluate(ctx, p)
		return err
	})
	if err != nil {
		return err
	}

	err = r.phase(ctx, StateExpanded, func(ctx context.Context) (err error) {
		expansions, err = r.expand(ctx, p, nodeResults)
		return err
	})
	if err != nil {
		return err
	}

	err = r.phase(ctx, StateStatisticsReady, func(context.Context) error {
		r.statistics(p, expansions)
		return nil
	})
	if err != nil {
		return err
	}

	r.checkPolicy(ctx)
	return nil
}

// generate builds the node design. Uncertain parameters whose distribution collapsed to a
// point are held at that point and do not span a dimension.
func (r *run) generate(ctx context.Context) (*plan, error) {
	p := &plan{activeIndex: make(map[string]int)}
	fixed := make(map[string]float64)
	var dists []distribution.Distribution

	for _, param := range r.cfg.set.Uncertain() {
		d := param.Distribution()
		if distribution.IsDegenerate(d) {
			fixed[param.Name()] = d.Mean()
			r.results.diagnostics.Collapsed = append(r.results.diagnostics.Collapsed, param.Name())
			continue
		}
		p.activeIndex[param.Name()] = len(p.active)
		p.active = append(p.active, param.Name())
		dists = append(dists, d)
	}

	if len(p.active) == 0 {
		r.logger.Warn("every uncertain parameter collapsed to a point, evaluating a single node")
		p.assignments = []map[string]float64{fixed}
		r.results.nodes = 1
		return p, nil
	}

	backend := r.u.backend
	if backend == nil {
		var err error
		backend, err = chaos.New(chaos.Config{
			Method:          r.cfg.opts.Method,
			Order:           r.cfg.opts.Order,
			QuadratureOrder: r.cfg.opts.QuadratureOrder,
			Samples:         r.cfg.opts.Samples,
			Seed:            r.cfg.opts.Seed,
			Sensitivity:     r.sensitivity(),
		})
		if err != nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "invalid backend configuration", err)
		}
	}
	p.backend = backend

	nodes, err := backend.Nodes(ctx, dists)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.NewCancelledError(ctx.Err())
		}
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidConfig, "node generation failed", err)
	}
	p.nodes = nodes

	p.assignments = make([]map[string]float64, nodes.Len())
	for k, point := range nodes.Points {
		a := make(map[string]float64, len(point)+len(fixed))
		for name, v := range fixed {
			a[name] = v
		}
		for d, v := range point {
			a[p.active[d]] = v
		}
		p.assignments[k] = a
	}
	r.results.nodes = nodes.Len()
	r.logger.Infof("generated %d nodes over %d dimensions", nodes.Len(), len(p.active))
	return p, nil
}

// sensitivity reports whether Sobol indices are computed for this run.
func (r *run) sensitivity() bool {
	return r.cfg.opts.Sensitivity && len(r.results.uncertain) >= 2
}

func (r *run) evaluate(ctx context.Context, p *plan) ([]nodeResult, error) {
	s := &scheduler{
		adapter:     model.NewAdapter(r.cfg.model, r.cfg.set),
		registry:    r.cfg.registry,
		maxParallel: r.cfg.opts.MaxParallel,
		policy:      r.cfg.opts.FailurePolicy,
		runID:       r.results.runID,
		logger:      r.logger,
		metrics:     r.u.metrics,
		tracer:      r.u.tracer,
		sink:        r.u.sink,
	}

	results, err := s.evaluate(ctx, p.assignments)

	d := &r.results.diagnostics
	summarize(results, p.assignments, d)
	for idx, res := range results {
		for _, name := range r.enabledFeatures() {
			o, ok := res.features[name]
			if !ok || o.Err == nil {
				continue
			}
			d.FeatureFailures = append(d.FeatureFailures, FeatureFailure{
				Node:       idx,
				Feature:    name,
				Assignment: p.assignments[idx],
				Error:      o.Err.Error(),
				Err:        o.Err,
			})
		}
	}

	if err != nil {
		return nil, err
	}
	if d.SucceededNodes == 0 {
		var cause error
		if len(d.NodeFailures) > 0 {
			cause = d.NodeFailures[0].Err
		}
		return nil, errdefs.NewRunError(errdefs.CodeAllNodesFailed,
			fmt.Sprintf("every one of %d nodes failed", d.TotalNodes), cause)
	}
	if ratio := d.FailureRatio(); ratio > *r.cfg.opts.MaxFailureRatio {
		return nil, errdefs.NewRunError(errdefs.CodeFailureThreshold,
			fmt.Sprintf("%s, above the tolerated ratio of %g", d.Summary(), *r.cfg.opts.MaxFailureRatio), nil).
			WithDetail("failure_ratio", ratio)
	}
	if d.FailedNodes > 0 {
		r.logger.Warnf("%s, continuing with %d rows", d.Summary(), d.SucceededNodes)
	}
	return results, nil
}

func (r *run) enabledFeatures() []string {
	if r.cfg.registry == nil {
		return nil
	}
	return r.cfg.registry.Enabled()
}

// expand aligns and fits every output. Failures are recorded per output.
func (r *run) expand(ctx context.Context, p *plan, nodeResults []nodeResult) (map[string]chaos.Expansion, error) {
	adapter := model.NewAdapter(r.cfg.model, r.cfg.set)
	r.results.add(&Record{Name: DirectOutput, Kind: OutputKindDirect, Labels: adapter.Labels()})
	for _, name := range r.enabledFeatures() {
		r.results.add(&Record{Name: name, Kind: OutputKindFeature, Labels: r.cfg.registry.Labels(name)})
	}

	expansions := make(map[string]chaos.Expansion)
	for _, name := range r.results.order {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.NewCancelledError(err)
		}
		rec := r.results.records[name]

		outputs, index := collect(rec, nodeResults)
		if len(outputs) == 0 {
			status := OutputStatusMissing
			msg := "no node produced a value"
			if rec.Errored > 0 {
				status = OutputStatusErrored
				msg = fmt.Sprintf("evaluation failed on all %d nodes", rec.Errored)
			}
			r.outputFailed(rec, status, errdefs.New(errdefs.ClassRun, errdefs.CodeFitFailed, msg, nil).WithOutput(name))
			continue
		}

		a, err := align(outputs, r.cfg.opts.Alignment)
		if err != nil {
			r.outputFailed(rec, OutputStatusShapeMismatch, errdefs.NewShapeError(name, err.Error()))
			continue
		}
		rec.T, rec.Shape, rec.Evaluations, rec.NodeIndex = a.t, a.shape, a.rows, index

		exp, err := r.fit(ctx, p, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errdefs.NewCancelledError(ctx.Err())
			}
			r.outputFailed(rec, OutputStatusFitFailed,
				errdefs.NewRunError(errdefs.CodeFitFailed, "fit failed", err).WithOutput(name))
			continue
		}
		expansions[name] = exp
	}
	return expansions, nil
}

// collect gathers the values of one output from successful nodes, in node order.
func collect(rec *Record, nodeResults []nodeResult) ([]model.Output, []int) {
	var (
		outputs []model.Output
		index   []int
	)
	for idx, res := range nodeResults {
		if res.status != NodeStatusSucceeded {
			continue
		}
		out := res.direct
		if rec.Kind == OutputKindFeature {
			o := res.features[rec.Name]
			switch {
			case o.Err != nil:
				rec.Errored++
				continue
			case o.Missing:
				rec.Missing++
				continue
			}
			out = o.Output
		}
		if len(out.U) == 0 || !out.Finite() {
			rec.Missing++
			continue
		}
		outputs = append(outputs, out)
		index = append(index, idx)
	}
	return outputs, index
}

func (r *run) fit(ctx context.Context, p *plan, rec *Record) (chaos.Expansion, error) {
	ctx, span := r.u.tracer.StartFitSpan(ctx, rec.Name, rec.Rows())
	var (
		exp chaos.Expansion
		err error
	)
	if p.nodes == nil {
		exp = newPointExpansion(rec.Evaluations[0])
	} else {
		exp, err = p.backend.Fit(ctx, p.nodes, chaos.Samples{Index: rec.NodeIndex, Values: rec.Evaluations})
	}
	telemetry.EndSpan(span, err)
	return exp, err
}

func (r *run) outputFailed(rec *Record, status OutputStatus, err error) {
	rec.Status = status
	rec.Error = err.Error()
	r.results.diagnostics.OutputFailures = append(r.results.diagnostics.OutputFailures, OutputFailure{
		Output: rec.Name,
		Status: status,
		Error:  err.Error(),
		Err:    err,
	})
	r.u.metrics.RecordOutputFailure(string(status))
	r.logger.WithOutput(rec.Name).WithError(err).Warnf("no statistics: %s", status)
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeOutputFailed,
		Level:   telemetry.EventLevelWarning,
		Output:  rec.Name,
		Message: err.Error(),
		Data:    map[string]any{"status": string(status)},
	})
}

// statistics reads moments, percentiles and Sobol indices into the records.
func (r *run) statistics(p *plan, expansions map[string]chaos.Expansion) {
	for _, name := range r.results.order {
		exp, ok := expansions[name]
		if !ok {
			continue
		}
		rec := r.results.records[name]
		rec.Status = OutputStatusOK
		rec.Mean = exp.Mean()
		rec.Variance = exp.Variance()
		rec.P05 = exp.Percentile(5)
		rec.P95 = exp.Percentile(95)

		if !r.sensitivity() {
			continue
		}
		first, total, ok := exp.Sensitivity()
		if !ok {
			continue
		}
		width := len(rec.Mean)
		rec.FirstOrder = make(map[string][]float64, len(r.results.uncertain))
		rec.Total = make(map[string][]float64, len(r.results.uncertain))
		for _, param := range r.results.uncertain {
			if d, active := p.activeIndex[param]; active {
				rec.FirstOrder[param] = first[d]
				rec.Total[param] = total[d]
				continue
			}
			// Collapsed parameters contribute no variance.
			rec.FirstOrder[param] = make([]float64, width)
			rec.Total[param] = make([]float64, width)
		}
	}
}

func (r *run) checkPolicy(ctx context.Context) {
	if r.u.policy == nil {
		return
	}
	report, err := r.u.policy.EvaluateResults(ctx, r.results)
	if err != nil {
		r.results.diagnostics.PolicyError = err.Error()
		r.logger.WithError(err).Warn("results policy evaluation failed")
		return
	}
	r.results.policy = report
	for _, v := range report.Violations {
		r.publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyViolation,
			Level:   telemetry.EventLevelWarning,
			Output:  v.Output,
			Message: fmt.Sprintf("%s: %s", v.Policy, v.Message),
			Data:    map[string]any{"severity": v.Severity},
		})
	}
}

// pointExpansion describes an output evaluated at a single point.
type pointExpansion struct {
	values []float64
}

func newPointExpansion(values []float64) *pointExpansion {
	return &pointExpansion{values: append([]float64(nil), values...)}
}

func (e *pointExpansion) Mean() []float64                                  { return append([]float64(nil), e.values...) }
func (e *pointExpansion) Variance() []float64                              { return make([]float64, len(e.values)) }
func (e *pointExpansion) Percentile(float64) []float64                     { return append([]float64(nil), e.values...) }
func (e *pointExpansion) Sensitivity() (first, total [][]float64, ok bool) { return nil, nil, true }
