// SPDX-License-Identifier: MIT

// Command scrobsky imports a listening history into an ATProto personal data
// server, batch by batch, staying inside the server's advertised rate limits.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrobsky/scrobsky/internal/batch"
	"github.com/scrobsky/scrobsky/internal/cache"
	"github.com/scrobsky/scrobsky/internal/config"
	"github.com/scrobsky/scrobsky/internal/httpx"
	"github.com/scrobsky/scrobsky/internal/log"
	"github.com/scrobsky/scrobsky/internal/ops"
	"github.com/scrobsky/scrobsky/internal/pds"
	"github.com/scrobsky/scrobsky/internal/publish"
	"github.com/scrobsky/scrobsky/internal/quota"
	"github.com/scrobsky/scrobsky/internal/records"
	"github.com/scrobsky/scrobsky/internal/resilience"
	"github.com/scrobsky/scrobsky/internal/telemetry"
	"github.com/scrobsky/scrobsky/internal/tid"
	"github.com/scrobsky/scrobsky/internal/version"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

type flags struct {
	input      string
	identifier string
	pdsURL     string
	configPath string

	dryRun       bool
	aggressive   bool
	batchSize    int
	safetyFactor float64
	collection   string
	resolver     string
	stateDir     string
	metricsAddr  string
	logLevel     string

	showVersion bool
}

func parseFlags() (flags, map[string]bool) {
	var f flags
	flag.StringVar(&f.input, "input", "", "path to JSONL file of play records (required)")
	flag.StringVar(&f.identifier, "identifier", "", "account handle or DID (required)")
	flag.StringVar(&f.pdsURL, "pds", "", "PDS base URL (skips identity resolution)")
	flag.StringVar(&f.configPath, "config", "", "path to config file (YAML)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "build batches but submit nothing")
	flag.BoolVar(&f.aggressive, "aggressive", false, "use 85% of advertised quota instead of 75%")
	flag.IntVar(&f.batchSize, "batch-size", 0, "fixed batch size (0 = adaptive)")
	flag.Float64Var(&f.safetyFactor, "safety-factor", 0, "usable fraction of advertised quota (0 = default)")
	flag.StringVar(&f.collection, "collection", "", "target collection NSID")
	flag.StringVar(&f.resolver, "resolver", "", "identity resolver base URL")
	flag.StringVar(&f.stateDir, "state-dir", "", "state directory (default ~/.scrobsky)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "ops server listen address (empty = disabled)")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (trace..error)")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set
}

// resolveOptions applies precedence flags > env > file > defaults.
func resolveOptions(f flags, set map[string]bool) (config.Options, error) {
	opts := config.Default()
	opts, err := config.LoadFile(f.configPath, opts)
	if err != nil {
		return opts, err
	}
	opts = opts.FromEnv()

	if set["dry-run"] {
		opts.DryRun = f.dryRun
	}
	if set["aggressive"] {
		opts.Aggressive = f.aggressive
	}
	if set["batch-size"] {
		opts.BatchSize = f.batchSize
	}
	if set["safety-factor"] {
		opts.SafetyFactor = f.safetyFactor
	}
	if set["collection"] {
		opts.Collection = f.collection
	}
	if set["resolver"] {
		opts.Resolver = f.resolver
	}
	if set["state-dir"] {
		opts.StateDir = f.stateDir
	}
	if set["metrics-addr"] {
		opts.MetricsAddr = f.metricsAddr
	}
	if set["log-level"] {
		opts.LogLevel = f.logLevel
	}
	return opts, opts.Validate()
}

func run() int {
	f, set := parseFlags()

	if f.showVersion {
		fmt.Printf("scrobsky %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return exitOK
	}

	// Safe defaults until the full config is resolved.
	log.Configure(log.Config{Level: "info", Service: "scrobsky", Version: version.Version})
	logger := log.WithComponent("main")

	if strings.TrimSpace(f.input) == "" || strings.TrimSpace(f.identifier) == "" {
		logger.Error().Str("event", "config.invalid").Msg("--input and --identifier are required")
		flag.Usage()
		return exitFailure
	}

	opts, err := resolveOptions(f, set)
	if err != nil {
		logger.Error().Err(err).Str("event", "config.load_failed").Msg("failed to resolve configuration")
		return exitFailure
	}
	log.Configure(log.Config{Level: opts.LogLevel, Service: "scrobsky", Version: version.Version})

	token := strings.TrimSpace(config.ParseString("SCROBSKY_ACCESS_TOKEN", ""))
	if token == "" && !opts.DryRun {
		logger.Error().Str("event", "config.invalid").Msg("SCROBSKY_ACCESS_TOKEN must be set")
		return exitFailure
	}

	// First interrupt asks the publisher to stop at the next batch boundary.
	// A second one does not wait.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Str("event", "signal.interrupt").Msg("interrupt received, finishing the in-flight batch")
		cancel()
		<-sigCh
		logger.Error().Str("event", "signal.forced").Msg("second interrupt, exiting immediately")
		os.Exit(exitInterrupt)
	}()

	res, err := execute(ctx, f, opts, token, logger)
	if err != nil {
		logger.Error().Err(err).Str("event", "run.failed").Msg("import failed")
		return exitFailure
	}
	switch {
	case res.Cancelled:
		return exitInterrupt
	case res.ErrorCount > 0 || res.PersistFailed:
		return exitFailure
	default:
		return exitOK
	}
}

func execute(ctx context.Context, f flags, opts config.Options, token string, logger zerolog.Logger) (publish.Result, error) {
	input, err := records.ReadJSONLFile(f.input, opts.Collection)
	if err != nil {
		return publish.Result{}, fmt.Errorf("load input: %w", err)
	}
	logger.Info().
		Str("event", "input.loaded").
		Str("path", f.input).
		Int("records", len(input)).
		Msg("input loaded")

	dirs, err := config.ResolveStateDirs(opts.StateDir)
	if err != nil {
		return publish.Result{}, err
	}
	if err := dirs.Ensure(); err != nil {
		return publish.Result{}, err
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        opts.TelemetryEnabled,
		ServiceName:    "scrobsky",
		ServiceVersion: version.Version,
		ExporterType:   opts.TelemetryExporter,
		Endpoint:       opts.TelemetryEndpoint,
		SamplingRate:   opts.TelemetrySampling,
	})
	if err != nil {
		return publish.Result{}, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	httpClient := httpx.NewClient(opts.Timeout())

	session, err := buildSession(ctx, f, opts, token, httpClient)
	if err != nil {
		return publish.Result{}, err
	}

	runID := uuid.NewString()
	ctx = log.ContextWithRunID(ctx, runID)
	ctx = log.ContextWithAccount(ctx, session.AccountID)
	logger.Info().
		Str("event", "run.start").
		Str("run_id", runID).
		Str("account", session.AccountID).
		Str("pds", session.PDSBaseURL).
		Bool("dry_run", opts.DryRun).
		Msg("starting import")

	clockOpts := []tid.Option{}
	if opts.DryRun {
		// Deterministic identifiers so two dry runs over the same input log
		// identical record keys.
		clockOpts = append(clockOpts, tid.WithClockID(0))
	}
	clock := tid.NewClock(dirs.StatePath("tid-clock.json"), clockOpts...)

	govOpts := []quota.Option{quota.WithSafetyFactor(opts.EffectiveSafetyFactor())}
	if opts.BatchDelayMs > 0 {
		govOpts = append(govOpts, quota.WithPacingDelay(time.Duration(opts.BatchDelayMs)*time.Millisecond))
	}
	governor := quota.NewGovernor(dirs.StatePath("rate-limit.json"), govOpts...)

	publisher := publish.New(publish.Deps{
		Logger:   log.WithComponent("publish"),
		Client:   pds.NewClient(httpClient, session),
		Clock:    clock,
		Governor: governor,
		Sizer:    batch.NewSizer(len(input), opts.BatchSize),
		Breaker:  resilience.NewCircuitBreaker("pds", 5, opts.Timeout()),
		Cache:    cache.NewStore(dirs.CachePath(""), cache.WithTTL(opts.CacheTTL())),
	}, publish.Config{
		Collection:  opts.Collection,
		DryRun:      opts.DryRun,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout(),
	})

	// The ops server lives for the duration of the publish run and is torn
	// down once the result is in.
	opsCtx, stopOps := context.WithCancel(ctx)
	defer stopOps()
	var g errgroup.Group
	if opts.MetricsAddr != "" {
		opsSrv := ops.NewServer(opts.MetricsAddr, log.WithComponent("ops"), publisher.Progress)
		g.Go(func() error { return opsSrv.Run(opsCtx) })
	}

	res := publisher.Run(ctx, input)

	stopOps()
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Str("event", "ops.failed").Msg("ops server error")
	}
	return res, nil
}

// buildSession resolves the account identity unless the caller pinned the PDS
// and passed a DID directly.
func buildSession(ctx context.Context, f flags, opts config.Options, token string, httpClient *http.Client) (pds.Session, error) {
	if f.pdsURL != "" && strings.HasPrefix(f.identifier, "did:") {
		return pds.Session{AccountID: f.identifier, PDSBaseURL: f.pdsURL, AccessToken: token}, nil
	}
	doc, err := pds.ResolveIdentity(ctx, httpClient, opts.Resolver, f.identifier)
	if err != nil {
		return pds.Session{}, fmt.Errorf("resolve %q: %w", f.identifier, err)
	}
	base := doc.PDS
	if f.pdsURL != "" {
		base = f.pdsURL
	}
	return pds.Session{AccountID: doc.DID, PDSBaseURL: base, AccessToken: token}, nil
}
