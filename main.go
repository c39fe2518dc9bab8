package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"market-pipeline/api"
	"market-pipeline/api/handler"
	"market-pipeline/config"
	"market-pipeline/models"
	"market-pipeline/services"
	"market-pipeline/storage"
	"market-pipeline/utils"
)

const usage = `usage: market-pipeline [-memory] <command> [flags]

commands:
  crawl [-dry-run] <source>...   crawl the given sources once (default: all enabled)
  pipeline [-limit n]            map SKUs and refresh price statistics once
  serve                          run the HTTP API and the job scheduler
  schedule                       run the job scheduler without the API
  seed-regions <file.csv>        load an sd,sgg,emd region list
`

func main() {
	memory := flag.Bool("memory", false, "use the in-memory store instead of PostgreSQL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *memory, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, memory bool, cmd string, args []string) error {
	a, err := newApp(ctx, cfg, logger, memory)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.seedCatalog(ctx); err != nil {
		return err
	}

	switch cmd {
	case "crawl":
		return runCrawl(ctx, a, args)
	case "pipeline":
		return runPipeline(ctx, a, args)
	case "serve":
		return serve(ctx, a)
	case "schedule":
		s := services.NewScheduler(logger, a.jobs()...)
		logger.Info("scheduler started", zap.Strings("sources", cfg.Sources))
		s.Run(ctx)
		return nil
	case "seed-regions":
		return seedRegions(ctx, a, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runCrawl(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("crawl", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "crawl and filter without writing anything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sources := fs.Args()
	if len(sources) == 0 {
		sources = a.cfg.Sources
	}

	var errs []error
	for _, name := range sources {
		if ctx.Err() != nil {
			break
		}
		res, err := a.crawl(ctx, models.Source(name), *dryRun)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		printJSON(res)
	}
	return errors.Join(errs...)
}

func runPipeline(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	limit := fs.Int("limit", a.cfg.SKUBatchLimit, "listings to map in this run, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := a.runPipeline(ctx, *limit)
	printJSON(res)
	return err
}

func seedRegions(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("seed-regions takes exactly one file")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := storage.LoadRegionSeed(ctx, a.store, f)
	if err != nil {
		return err
	}
	a.logger.Info("regions seeded", zap.Int("rows", n), zap.String("file", args[0]))
	return nil
}

// serve runs the API and the scheduler until ctx is cancelled.
func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := services.NewScheduler(a.logger, a.jobs()...)
	filter := services.NewFilterChain(a.rules, services.NewRunningMeans(), a.logger)
	h := handler.New(ctx, a.analytics, a.ingest, filter, scheduler)

	srv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           api.SetupRouter(h, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	<-schedDone
	scheduler.Wait()
	return serveErr
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
