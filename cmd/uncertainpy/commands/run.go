package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chaztikov/uncertainpy/pkg/config"
	"github.com/Chaztikov/uncertainpy/pkg/engine"
	"github.com/Chaztikov/uncertainpy/pkg/policy"
	"github.com/Chaztikov/uncertainpy/pkg/stores"
	"github.com/Chaztikov/uncertainpy/pkg/telemetry"
)

// rerunDelay debounces bursts of file events in watch mode.
const rerunDelay = 500 * time.Millisecond

type runFlags struct {
	format      string
	single      bool
	watch       bool
	metricsAddr string
	noStore     bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [path...]",
		Short: "Run an uncertainty quantification",
		Long: `Run the study described by CUE run files.

The model is evaluated at every node of the method's design, statistics and Sobol
indices are computed for the model output and each enabled feature, and the results
are stored in the results database. With policies enabled, results are checked
against the built-in and configured Rego policies.`,
		Example: `  # Run the study in the current directory
  uncertainpy run

  # Run one analysis per uncertain parameter and print YAML
  uncertainpy run study.cue --single --format yaml

  # Re-run whenever the run file, model or policies change
  uncertainpy run study.cue --watch --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(flags.format); err != nil {
				return err
			}
			sources := args
			if len(sources) == 0 {
				sources = []string{"."}
			}
			ctx := cmd.Context()

			pc, err := parseRunFiles(ctx, sources)
			if err != nil {
				return err
			}

			var dbPath string
			if cmd.Flags().Changed("db") {
				dbPath, _ = cmd.Flags().GetString("db")
			}
			s, err := newSession(ctx, pc, dbPath, flags)
			if err != nil {
				return err
			}
			defer s.close()

			if !flags.watch {
				return s.run(ctx, pc, cmd.OutOrStdout())
			}
			return s.watch(ctx, sources, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&flags.format, "format", "o", formatTable, "output format (table, json, yaml)")
	cmd.Flags().BoolVar(&flags.single, "single", false, "analyse each uncertain parameter on its own")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "re-run when run files, scripts or policies change")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&flags.noStore, "no-store", false, "do not store results")

	return cmd
}

func parseRunFiles(ctx context.Context, sources []string) (*config.ParsedConfig, error) {
	pc, err := config.NewCUEParser().Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if pc.HasErrors() {
		for _, e := range pc.Errors {
			log.Error().Msg(e.String())
		}
		return nil, fmt.Errorf("configuration has %d errors", len(pc.Errors))
	}
	return pc, nil
}

// session holds what outlives a single run: telemetry, the metrics server and the store.
type session struct {
	flags  runFlags
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	logger zerolog.Logger
}

func newSession(ctx context.Context, pc *config.ParsedConfig, dbPath string, flags runFlags) (*session, error) {
	cfg := pc.Config
	if flags.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = flags.metricsAddr
	}

	tcfg := cfg.TelemetryConfig()
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	s := &session{flags: flags, tel: tel, logger: tel.Logger.Zerolog()}

	if tcfg.Metrics.Enabled {
		if err := tel.Metrics.StartMetricsServer(ctx, tel.Logger); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Info().Str("addr", tcfg.Metrics.ListenAddress).Msg("Serving metrics")
	}

	if !flags.noStore {
		if dbPath == "" {
			dbPath = cfg.StoragePath(pc.Dir)
		}
		if dbPath != "" {
			store, err := openStore(ctx, dbPath)
			if err != nil {
				s.close()
				return nil, err
			}
			s.store = store
		}
	}

	return s, nil
}

func (s *session) close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

func (s *session) sink() telemetry.Sink {
	sinks := telemetry.Fanout{s.tel.Sink()}
	if s.store != nil {
		sinks = append(sinks, stores.NewEventSink(s.store, s.logger))
	}
	return sinks
}

// run executes one study, stores and prints its results, and applies the violation policy.
func (s *session) run(ctx context.Context, pc *config.ParsedConfig, w io.Writer) error {
	cfg := pc.Config
	rt, err := cfg.Build(pc.Dir, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop the model")
		}
	}()
	if s.flags.single {
		rt.Single = true
	}

	opts := rt.Options
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	engOpts := []engine.Option{
		engine.WithLogger(s.tel.Logger),
		engine.WithMetrics(s.tel.Metrics),
		engine.WithTracer(s.tel.Tracer),
		engine.WithSink(s.sink()),
	}
	if cfg.Policy.Enabled {
		pe, err := newPolicyEngine(ctx, cfg, pc.Dir, s.logger)
		if err != nil {
			return err
		}
		engOpts = append(engOpts, engine.WithPolicy(pe))
	}

	u := engine.New(engOpts...)
	if err := u.SetOptions(opts); err != nil {
		return err
	}
	if err := u.SetParameters(rt.Parameters); err != nil {
		return err
	}
	if err := u.SetModel(rt.Model); err != nil {
		return err
	}
	if err := u.SetFeatures(rt.Features); err != nil {
		return err
	}

	var (
		ids     []string
		order   []string
		results = make(map[string]*engine.Results)
		runErr  error
	)
	if rt.Single {
		order = rt.Parameters.UncertainNames()
		for _, name := range order {
			ids = append(ids, opts.RunID+"-"+name)
		}
	} else {
		order = []string{""}
		ids = []string{opts.RunID}
	}
	s.recordStart(ctx, rt.Name, opts, ids)

	log.Info().
		Str("run_id", opts.RunID).
		Str("name", rt.Name).
		Str("method", string(opts.Method)).
		Strs("uncertain", rt.Parameters.UncertainNames()).
		Bool("single", rt.Single).
		Msg("Starting run")

	if rt.Single {
		results, runErr = u.RunSingle(ctx)
	} else {
		var res *engine.Results
		res, runErr = u.Run(ctx)
		if res != nil {
			results[""] = res
		}
	}

	var reports []*runReport
	for i, key := range order {
		res, ok := results[key]
		if !ok {
			s.recordFailure(ids[i], runErr)
			continue
		}
		var resErr error
		if res.State() == engine.StateFailed {
			resErr = runErr
		}
		s.save(ctx, rt.Name, opts, res, resErr)
		reports = append(reports, newRunReport(rt.Name, res, resErr))
	}

	if len(reports) > 0 {
		if err := writeReports(w, s.flags.format, reports); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	return checkPolicies(cfg.Policy.OnViolation, results)
}

// recordStart creates the run rows before execution so that events have a run to attach to.
func (s *session) recordStart(ctx context.Context, name string, opts engine.Options, ids []string) {
	if s.store == nil {
		return
	}
	for _, id := range ids {
		err := s.store.CreateRun(ctx, &stores.Run{
			ID:        id,
			Name:      name,
			Method:    string(opts.Method),
			State:     engine.StateConfigured,
			StartedAt: time.Now(),
		})
		if err != nil {
			log.Warn().Err(err).Str("run_id", id).Msg("Failed to record run")
		}
	}
}

func (s *session) recordFailure(id string, runErr error) {
	if s.store == nil {
		return
	}
	msg := "run did not start"
	if runErr != nil {
		msg = runErr.Error()
	}
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateRunState(ctx, id, engine.StateFailed, &msg); err != nil {
		log.Warn().Err(err).Str("run_id", id).Msg("Failed to record run failure")
	}
}

func (s *session) save(ctx context.Context, name string, opts engine.Options, res *engine.Results, runErr error) {
	if s.store == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.store.SaveResults(ctx, name, opts, res, runErr); err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID()).Msg("Failed to store results")
		return
	}
	log.Debug().Str("run_id", res.RunID()).Msg("Results stored")
}

func newPolicyEngine(ctx context.Context, cfg *config.Config, dir string, logger zerolog.Logger) (*policy.Engine, error) {
	settings := policy.DefaultSettings()
	settings.MaxFailureRatio = cfg.Policy.MaxFailureRatio

	pe, err := policy.NewEngine(logger, policy.WithSettings(settings))
	if err != nil {
		return nil, err
	}
	if paths := cfg.PolicyPaths(dir); len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// checkPolicies logs policy violations and, when onViolation is fail, rejects results that
// a blocking violation disallowed.
func checkPolicies(onViolation string, results map[string]*engine.Results) error {
	var errs []error
	for _, res := range results {
		report := res.Policy()
		if report == nil {
			continue
		}
		for _, v := range report.Violations {
			event := log.Warn()
			if policy.Severity(v.Severity).Blocking() {
				event = log.Error()
			}
			event.Str("run_id", res.RunID()).
				Str("policy", v.Policy).
				Str("output", v.Output).
				Msg(v.Message)
		}
		if !report.Allowed && onViolation == "fail" {
			errs = append(errs, fmt.Errorf("run %s rejected by policy (%d violations)", res.RunID(), len(report.Violations)))
		}
	}
	return errors.Join(errs...)
}

// watch runs the study, then re-runs it whenever a run file, script or policy changes.
func (s *session) watch(ctx context.Context, sources []string, w io.Writer) error {
	runOnce := func() {
		pc, err := parseRunFiles(ctx, sources)
		if err == nil {
			err = s.run(ctx, pc, w)
		}
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Run failed")
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := watchDirs(sources)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	runOnce()
	log.Info().Strs("dirs", dirs).Msg("Watching for changes")

	trigger := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !watchedFile(event.Name) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(rerunDelay, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")

		case <-trigger:
			log.Info().Msg("Change detected, re-running")
			runOnce()
		}
	}
}

// watchDirs returns the directories holding sources, with their non-hidden subdirectories.
func watchDirs(sources []string) ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		root := src
		if !info.IsDir() {
			root = filepath.Dir(src)
		}
		err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if !seen[p] {
				seen[p] = true
				dirs = append(dirs, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return dirs, nil
}

func watchedFile(name string) bool {
	switch filepath.Ext(name) {
	case ".cue", ".star", ".rego", ".json":
		return true
	}
	return false
}
