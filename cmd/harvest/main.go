// Package main is the entry point for the harvest crawler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/engine"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvest: %v\n", err)
		return 1
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvest: %v\n", err)
		return 1
	}
	defer logger.Sync()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvest: %s: %v\n", errkind.Of(err), err)
		return 1
	}
	defer eng.Close()

	ch, cancel := eng.Bus().Subscribe(
		telemetry.WithKinds(telemetry.KindMilestone, telemetry.KindProblem),
		telemetry.WithBuffer(256))
	defer cancel()
	go printEvents(ch)

	ctx := context.Background()

	switch args[0] {
	case "crawl":
		return runCrawl(ctx, eng, cfg, args[1:])
	case "resume":
		return runResume(ctx, eng, args[1:])
	case "jobs":
		return runJobs(eng)
	case "ingest":
		return runIngest(ctx, eng, args[1:])
	case "resume-tasks":
		return runResumeTasks(ctx, eng)
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: harvest <command> [args]

Commands:
  crawl <url> [type]   start a crawl; types: basic, basic-with-sitemap,
                       intelligent, sitemap-only, geography (default basic)
  resume <job-id>      resume a paused crawl
  jobs                 list jobs that can still make progress
  ingest [source]      run staged ingestion (default geography); --force re-ingests
  resume-tasks         restart background tasks interrupted by a previous run

Config: $HARVEST_CONFIG names a JSON or YAML file; defaults apply otherwise.`)
}

// loadConfig reads $HARVEST_CONFIG when set, else starts from defaults,
// then applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := os.Getenv("HARVEST_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.OutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func runCrawl(ctx context.Context, eng *engine.Engine, cfg *config.Config, args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	crawlType := config.CrawlBasic
	if len(args) > 1 {
		parsed, err := config.ParseCrawlType(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "harvest: %v\n", err)
			return 2
		}
		crawlType = parsed
	}

	opts := config.NewCrawlOptions(cfg, args[0], crawlType)
	jobID, err := eng.StartCrawl(ctx, opts)
	if err != nil {
		return fail(eng, err)
	}
	fmt.Printf("job %d: %s crawl of %s\n", jobID, crawlType, args[0])
	return driveJob(eng, jobID)
}

func runResume(ctx context.Context, eng *engine.Engine, args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvest: bad job id %q\n", args[0])
		return 2
	}
	if err := eng.ResumeCrawl(ctx, jobID); err != nil {
		return fail(eng, err)
	}
	fmt.Printf("job %d: resumed\n", jobID)
	return driveJob(eng, jobID)
}

func runJobs(eng *engine.Engine) int {
	jobs, err := eng.ListIncompleteCrawls()
	if err != nil {
		return fail(eng, err)
	}
	if len(jobs) == 0 {
		fmt.Println("no resumable jobs")
		return 0
	}
	for _, j := range jobs {
		fmt.Printf("job %d  %-10s %-18s queued=%-5d visited=%-5d %s\n",
			j.JobID, j.Status, j.CrawlType, j.QueueDepth, j.VisitedCount, j.SeedURL)
	}
	return 0
}

func runIngest(ctx context.Context, eng *engine.Engine, args []string) int {
	source := engine.SourceGeography
	force := false
	for _, a := range args {
		if a == "--force" || a == "-force" {
			force = true
			continue
		}
		source = a
	}

	jobID, err := eng.StartIngestion(ctx, source, force)
	if err != nil {
		return fail(eng, err)
	}
	fmt.Printf("job %d: %s ingestion\n", jobID, source)
	return driveJob(eng, jobID)
}

func runResumeTasks(ctx context.Context, eng *engine.Engine) int {
	n, err := eng.ResumeInterruptedTasks(ctx)
	if err != nil {
		return fail(eng, err)
	}
	if n == 0 {
		fmt.Println("no interrupted tasks")
		return 0
	}
	fmt.Printf("restarted %d tasks\n", n)
	eng.WaitTasks()
	return 0
}

// driveJob follows one job to its settle point: periodic stats while it
// runs, pause on the first interrupt, stop on the second.
func driveJob(eng *engine.Engine, jobID int64) int {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if st, ok := eng.CrawlStats(jobID); ok {
					fmt.Printf("[stats] phase=%s visited=%d saved=%d failed=%d queued=%d articles=%d\n",
						st.Phase, st.Visited, st.Saved, st.Failed, st.Queued, st.Articles)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\ninterrupt: pausing (resume with \"harvest resume\")")
		if err := eng.PauseCrawl(jobID); err != nil {
			// Ingestion jobs only stop.
			_ = eng.StopCrawl(jobID)
			return
		}
		if _, ok := <-sigCh; ok {
			fmt.Println("\nsecond interrupt: stopping")
			_ = eng.StopCrawl(jobID)
		}
	}()

	status, err := eng.WaitCrawl(jobID)
	close(done)
	signal.Stop(sigCh)
	close(sigCh)
	if err != nil {
		return fail(eng, err)
	}

	fmt.Printf("job %d: %s\n", jobID, status)
	switch status {
	case storage.JobCompleted, storage.JobCancelled:
		return 0
	case storage.JobPaused:
		fmt.Printf("resume with: harvest resume %d\n", jobID)
		return 0
	default:
		return 1
	}
}

func printEvents(ch <-chan telemetry.Event) {
	for ev := range ch {
		switch ev.Kind {
		case telemetry.KindProblem:
			fmt.Printf("[problem] job=%d %v: %v\n", ev.JobID, ev.Details["code"], ev.Details["message"])
		default:
			fmt.Printf("[milestone] job=%d %v\n", ev.JobID, ev.Details["name"])
		}
	}
}

// fail prints and publishes the failure so it lands in the problem log
// before the engine closes.
func fail(eng *engine.Engine, err error) int {
	fmt.Fprintf(os.Stderr, "harvest: %s: %v\n", errkind.Of(err), err)
	eng.Bus().Publish(telemetry.Problem(0, telemetry.SeverityCritical,
		string(errkind.Of(err)), err.Error(), 0))
	return 1
}
