package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/CZERTAINLY/Inspector/internal/agent"
	"github.com/CZERTAINLY/Inspector/internal/analyzer"
	"github.com/CZERTAINLY/Inspector/internal/analyzer/certificate"
	"github.com/CZERTAINLY/Inspector/internal/analyzer/external"
	"github.com/CZERTAINLY/Inspector/internal/analyzer/pattern"
	"github.com/CZERTAINLY/Inspector/internal/analyzer/secrets"
	"github.com/CZERTAINLY/Inspector/internal/api"
	"github.com/CZERTAINLY/Inspector/internal/log"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/report"
	"github.com/CZERTAINLY/Inspector/internal/rules"
	"github.com/CZERTAINLY/Inspector/internal/service"
	"github.com/CZERTAINLY/Inspector/internal/source/github"
	"github.com/CZERTAINLY/Inspector/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newRegistry registers analyzer modules for every rule kind the
// configuration can evaluate.
func newRegistry(cfg model.Config) (*analyzer.Registry, error) {
	opts := []analyzer.Option{analyzer.WithMaxSize(cfg.Scan.MaxFileSize)}
	reg := analyzer.NewRegistry(pattern.New(opts...), certificate.New(opts...))

	leaks, err := secrets.New(opts...)
	if err != nil {
		return nil, err
	}
	reg.Register(leaks)

	if cfg.External != nil {
		reg.Register(external.New(external.FromModel(*cfg.External), opts...))
	}
	return reg, nil
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", "scan"), slog.Int("pid", os.Getpid()))

	provider, err := rules.Load(config.Rules.Dir, config.Rules.Default)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("ruleset")
	ruleSet, err := provider.Resolve(name)
	if err != nil {
		return err
	}
	if ruleSet.Empty() {
		return fmt.Errorf("rule set %s is empty", ruleSet.Name)
	}

	reg, err := newRegistry(config)
	if err != nil {
		return err
	}
	result, err := reg.Scan(ctx, model.ScanConfig{
		Dir:       args[0],
		RuleSet:   ruleSet,
		Threads:   config.Scan.Threads,
		Benchmark: config.Scan.Benchmark,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "sarif":
		return report.WriteSARIF(out, "inspector", result.Report())
	case "cyclonedx":
		return report.NewBuilder(filepath.Base(args[0])).
			AppendViolations(result.Report().Violations...).
			AppendErrors(result.Report().Errors...).
			AsJSON(out)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.String("cmd", "serve"), slog.Int("pid", os.Getpid()))

	if err := os.MkdirAll(config.Service.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := config.Service.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(config.Service.DataDir, dbPath)
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store", "error", err)
		}
	}()

	provider, err := rules.Load(config.Rules.Dir, config.Rules.Default)
	if err != nil {
		return err
	}
	reg, err := newRegistry(config)
	if err != nil {
		return err
	}

	services, pr, err := newServices(ctx, config, st, provider, reg)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return errors.New("no job family is enabled")
	}

	apiServices := make([]api.Service, 0, len(services))
	for _, svc := range services {
		if err := svc.RecoverFromDowntime(ctx); err != nil {
			slog.ErrorContext(ctx, "recovery failed", "family", svc.Family(), "error", err)
		}
		apiServices = append(apiServices, svc)
	}

	var pollers []func() error
	if gh := config.GitHub; pr != nil && gh != nil && gh.Schedule != "" {
		shutdown, err := pr.StartPolling(ctx, gh.Schedule)
		if err != nil {
			return err
		}
		pollers = append(pollers, shutdown)
	}

	var secret []byte
	if gh := config.GitHub; gh != nil && gh.SecretEnv != "" {
		secret = []byte(os.Getenv(gh.SecretEnv))
	}
	server := api.NewServer(api.Config{
		UploadDir:     filepath.Join(config.Service.DataDir, "uploads"),
		WebhookSecret: secret,
	}, st, apiServices...)

	err = server.Start(ctx, config.Service.Listen)
	slog.InfoContext(ctx, "shutting down")

	var errs []error
	errs = append(errs, err)
	for _, shutdown := range pollers {
		errs = append(errs, shutdown())
	}
	// services drain in parallel, each one waits up to the timeout
	var g errgroup.Group
	for _, svc := range services {
		g.Go(func() error {
			return svc.Shutdown(config.Service.ShutdownAfter())
		})
	}
	errs = append(errs, g.Wait())
	return errors.Join(errs...)
}

// newServices builds a service for every enabled family, the pull request
// one is returned separately for polling.
func newServices(ctx context.Context, cfg model.Config, st *store.Store, provider *rules.Provider, reg *analyzer.Registry) ([]*service.Service, *service.Service, error) {
	agentCfg := agent.Config{
		WorkRoot:  filepath.Join(cfg.Service.DataDir, "work"),
		Threads:   cfg.Scan.Threads,
		Benchmark: cfg.Scan.Benchmark,
	}
	if err := os.MkdirAll(agentCfg.WorkRoot, 0o750); err != nil {
		return nil, nil, fmt.Errorf("creating work dir: %w", err)
	}
	svcCfg := func(f model.FamilyConfig) service.Config {
		return service.Config{Workers: f.Workers, Capacity: f.Capacity, Agent: agentCfg}
	}

	var services []*service.Service
	var pr *service.Service
	if f := cfg.Families.Upload; f.Enabled {
		services = append(services, service.NewUpload(
			agent.Upload{MaxFileSize: cfg.Scan.MaxFileSize}, st, provider, reg, svcCfg(f)))
	}
	if f := cfg.Families.Image; f.Enabled {
		services = append(services, service.NewImage(
			agent.Image{MaxFileSize: cfg.Scan.MaxFileSize}, st, provider, reg, svcCfg(f)))
	}
	if f := cfg.Families.PullRequest; f.Enabled {
		var (
			source       service.PullRequestSource
			token        string
			repositories []string
		)
		gh := cfg.GitHub
		if gh != nil {
			token = os.Getenv(gh.TokenEnv)
			client, err := github.New(ctx, token, gh.BaseURL)
			if err != nil {
				return nil, nil, err
			}
			source = client
			repositories = gh.Repositories
		}
		pr = service.NewPullRequest(agent.PullRequest{Token: token}, source, repositories, st, provider, reg, svcCfg(f))
		services = append(services, pr)
	}
	return services, pr, nil
}
