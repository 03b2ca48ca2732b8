package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/volley/internal/load/config"
	"github.com/wesleyorama2/volley/internal/load/output"
	"github.com/wesleyorama2/volley/perf"
)

// ErrThresholdsFailed is returned by run when at least one threshold failed.
var ErrThresholdsFailed = errors.New("thresholds failed")

type runOptions struct {
	configFile string

	// Quick mode
	url       string
	method    string
	users     int
	spawnRate float64
	duration  string
	stages    string

	timeout          time.Duration
	seed             uint64
	outputPath       string
	jsonOutput       bool
	quiet            bool
	verbose          bool
	noColor          bool
	metricsAddr      string
	progressInterval time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run a load test from a plan file, or against a single URL.

Plan file mode:
  volley run --config shop.yaml

Quick mode (one GET task):
  volley run --url https://api.example.com/health --users 20 --spawn-rate 5 --duration 2m

Staged ramp:
  volley run --url https://api.example.com/health --stages "30s:10,2m:10,30s:0"

The process exits with status 1 when the run fails or a threshold fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, a, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Plan file (YAML or JSON)")
	f.StringVar(&opts.url, "url", "", "URL to test (alternative to --config)")
	f.StringVar(&opts.method, "method", "GET", "HTTP method for --url")
	f.IntVarP(&opts.users, "users", "u", 0, "Number of virtual users")
	f.Float64VarP(&opts.spawnRate, "spawn-rate", "r", 0, "Users started per second (0 starts all at once)")
	f.StringVarP(&opts.duration, "duration", "d", "", "Test duration (e.g. 30s, 5m)")
	f.StringVar(&opts.stages, "stages", "", "Stages in format 'duration:target,duration:target,...'")
	f.DurationVarP(&opts.timeout, "timeout", "t", 0, "Default per-request timeout")
	f.Uint64Var(&opts.seed, "seed", 0, "Seed for reproducible task selection")
	f.StringVarP(&opts.outputPath, "output", "o", "", "Write the JSON result to this file")
	f.BoolVar(&opts.jsonOutput, "json", false, "Write the JSON result to stdout")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Disable progress output, print only PASSED or FAILED")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Show per-task notes and last errors in the summary")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run (e.g. :9090)")
	f.DurationVar(&opts.progressInterval, "progress-interval", 5*time.Second, "How often to print progress")

	return cmd
}

// runLoad compiles the plan, runs it, and reports the result.
func runLoad(cmd *cobra.Command, a *app, opts *runOptions) error {
	cfg, err := loadPlanConfig(cmd, opts)
	if err != nil {
		return err
	}

	stdout := cmd.OutOrStdout()
	consoleOut := stdout
	if opts.jsonOutput && opts.outputPath == "" {
		consoleOut = cmd.ErrOrStderr()
	}
	console := output.NewConsole(output.ConsoleConfig{
		Writer:  consoleOut,
		Quiet:   opts.quiet,
		Verbose: opts.verbose,
		NoColor: opts.noColor,
	})

	pr, err := perf.NewRunner(cfg,
		perf.WithLogger(a.logger),
		perf.WithProgress(opts.progressInterval, console.PrintProgress),
	)
	if err != nil {
		return err
	}
	p := pr.Plan()
	console.PrintHeader(p.Name, pr.RunID(), p.Ramp.String(), pr.TotalDuration())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var result *perf.Result
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		var err error
		result, err = pr.Run(gctx)
		return err
	})
	if opts.metricsAddr != "" {
		serveMetrics(g, gctx, done, opts.metricsAddr, pr.MetricsHandler(), a)
	}

	runErr := g.Wait()
	if result == nil {
		return runErr
	}
	if runErr != nil && result.Error == "" {
		result.Error = runErr.Error()
		result.Passed = false
	}

	console.PrintSummary(result)

	switch {
	case opts.outputPath != "":
		if err := result.WriteJSONFile(opts.outputPath); err != nil {
			return err
		}
		if !opts.quiet {
			fmt.Fprintf(consoleOut, "Results written to: %s\n", opts.outputPath)
		}
	case opts.jsonOutput:
		if err := result.WriteJSON(stdout); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	if !result.Passed {
		return ErrThresholdsFailed
	}
	return nil
}

// serveMetrics runs a Prometheus endpoint in g until the run is done.
func serveMetrics(g *errgroup.Group, ctx context.Context, done <-chan struct{}, addr string, handler http.Handler, a *app) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		a.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// loadPlanConfig reads the plan file or builds one from quick mode flags,
// then applies flag overrides.
func loadPlanConfig(cmd *cobra.Command, opts *runOptions) (*config.PlanConfig, error) {
	var cfg *config.PlanConfig
	var err error

	switch {
	case opts.configFile != "" && opts.url != "":
		return nil, errors.New("--config and --url are mutually exclusive")
	case opts.configFile != "":
		cfg, err = config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, err
		}
		if err := applyOverrides(cmd, cfg, opts); err != nil {
			return nil, err
		}
	case opts.url != "":
		cfg, err = buildPlanFromFlags(opts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("either --config or --url is required")
	}

	if cmd.Flags().Changed("timeout") {
		cfg.Settings.Timeout = config.Duration(opts.timeout)
	}
	if cmd.Flags().Changed("seed") {
		cfg.Load.Seed = opts.seed
	}
	return cfg, nil
}

// applyOverrides lets load flags replace a plan file's load section.
func applyOverrides(cmd *cobra.Command, cfg *config.PlanConfig, opts *runOptions) error {
	flags := cmd.Flags()
	if flags.Changed("stages") {
		stages, err := parseStages(opts.stages)
		if err != nil {
			return fmt.Errorf("invalid stages format: %w", err)
		}
		cfg.Load.Stages = stages
		cfg.Load.Users = 0
		cfg.Load.SpawnRate = 0
	}
	if flags.Changed("users") {
		cfg.Load.Users = opts.users
		cfg.Load.Stages = nil
	}
	if flags.Changed("spawn-rate") {
		cfg.Load.SpawnRate = opts.spawnRate
	}
	if flags.Changed("duration") {
		d, err := config.ParseDurationString(opts.duration)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		cfg.Load.Duration = config.Duration(d)
	}
	return nil
}

// buildPlanFromFlags builds a single-task plan from quick mode flags.
func buildPlanFromFlags(opts *runOptions) (*config.PlanConfig, error) {
	u, err := url.Parse(opts.url)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", opts.url)
	}

	users := opts.users
	duration := opts.duration
	if opts.stages == "" {
		if users == 0 {
			users = 10
		}
		if duration == "" {
			duration = "30s"
		}
	}

	cfg := &config.PlanConfig{
		Name:        "CLI Test",
		Description: fmt.Sprintf("Test generated from CLI flags for %s", opts.url),
		Settings:    config.GlobalSettings{BaseURL: u.Scheme + "://" + u.Host},
		Load: config.LoadSettings{
			Users:     users,
			SpawnRate: opts.spawnRate,
		},
		TaskSets: map[string]*config.TaskSetConfig{
			"cli": {
				Tasks: []config.TaskConfig{{
					Name:   "cli-request",
					Method: strings.ToUpper(opts.method),
					Path:   u.RequestURI(),
				}},
			},
		},
	}

	if duration != "" {
		d, err := config.ParseDurationString(duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		cfg.Load.Duration = config.Duration(d)
	}

	if opts.stages != "" {
		stages, err := parseStages(opts.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid stages format: %w", err)
		}
		cfg.Load.Stages = stages
	}

	return cfg, nil
}

// parseStages parses stages from CLI format "30s:10,2m:10,30s:0".
func parseStages(stagesStr string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	for i, part := range strings.Split(stagesStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		d, err := config.ParseDurationString(durationStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		stages = append(stages, config.StageConfig{
			Duration: config.Duration(d),
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}

	return stages, nil
}
