// Package main is the entry point for stimrun.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/audiolab/stimrun/internal/api"
	"github.com/audiolab/stimrun/internal/config"
	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/experiment"
	"github.com/audiolab/stimrun/internal/report"
	"github.com/audiolab/stimrun/internal/store"
	"github.com/audiolab/stimrun/internal/timing"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	simulate := flag.Bool("simulate", false, "dry run on a simulated clock with a simulated participant")
	serve := flag.Bool("serve", false, "serve the results API only")
	seed := flag.Uint64("seed", 0, "random seed, overrides the config")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stimrun %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	// Resolve config path: --config flag > STIMRUN_CONFIG env > auto-discover.
	path, err := config.Resolve(*configPath)
	if err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			cfg.Seed = seed
		}
	})

	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		fatal(fmt.Sprintf("create results dir: %v", err))
	}
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Cancel on interrupt; the run still persists what it completed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	if *serve {
		runServer(ctx, db, cfg.ListenAddr)
		return
	}

	prepared, err := experiment.Prepare(ctx, cfg)
	if err != nil {
		fatal(fmt.Sprintf("prepare run: %v", err))
	}
	log.Printf("planned %d trials (%.1f s), seed %d", len(prepared.Plan.Trials), prepared.Plan.TotalSec(), prepared.Seed)

	acks := &device.AckLog{}
	var devices experiment.Devices
	if *simulate {
		devices = experiment.SimulatedDevices(prepared.Seed+1, *cfg.Triggers, acks)
	} else {
		clock := timing.NewSystemClock()
		input := device.NewLineInput(clock, cfg.ResponseKey, cfg.CancelKey, func() {
			log.Println("cancel key pressed, stopping run")
			cancel()
		})
		input.StartKey = cfg.StartKey
		input.Start(os.Stdin)
		defer input.Stop()
		devices = experiment.Devices{
			Clock:    clock,
			Playback: &device.ClockPlayback{Clock: clock, Log: acks},
			Trigger:  &device.LogSink{Log: acks, Codes: *cfg.Triggers},
			Input:    input,
		}
		if cfg.StartKey != "" {
			log.Printf("type %q and Enter to start, %q and Enter to abort", cfg.StartKey, cfg.CancelKey)
		}
		// Nothing is recorded for a run aborted before its first trial.
		if err := input.WaitStart(ctx); err != nil {
			log.Printf("run not started: %v", err)
			return
		}
		log.Printf("press Enter to respond, type %q and Enter to stop", cfg.CancelKey)
	}

	svc := experiment.NewService(db, cfg.ResultsDir)
	res, runErr := svc.Execute(ctx, prepared, devices)
	if res == nil {
		fatal(fmt.Sprintf("run: %v", runErr))
	}
	log.Printf("%d trigger and playback acknowledgements logged", acks.Len())

	trials, err := svc.TrialRepo.ListByRun(context.Background(), db, res.RunID)
	if err != nil {
		log.Printf("list trials: %v", err)
	}
	if err := report.Write(os.Stdout, report.Summarize(*res, report.ExecutedSeconds(trials))); err != nil {
		log.Printf("write summary: %v", err)
	}
	if runErr != nil {
		fatal(fmt.Sprintf("run %s: %v", res.RunID, runErr))
	}
}

// runServer serves the API until ctx is cancelled.
func runServer(ctx context.Context, db *sql.DB, listenAddr string) {
	srv := api.NewServer(api.NewHandler(db), listenAddr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("stimrun API listening on %s", listenAddr)
	if err := srv.Start(); err != nil {
		fatal(fmt.Sprintf("server error: %v", err))
	}
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
