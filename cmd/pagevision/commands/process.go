package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/pagevision/cmd/pagevision/ui"
	"github.com/spherical-ai/pagevision/internal/config"
	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/export"
	"github.com/spherical-ai/pagevision/internal/pipeline"
	"github.com/spherical-ai/pagevision/internal/render"
	"github.com/spherical-ai/pagevision/internal/store"
)

var (
	processPDFPath     string
	processOutputDir   string
	processMode        string
	processLanguage    string
	processPages       string
	processBatchSize   int
	processConcurrency int
	processInterval    time.Duration
	processEngine      string
	processModel       string
	processHTML        bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process a PDF into consolidated markdown",
	Long: `Process renders the PDF's pages to images, runs each batch through the
configured vision model, and writes per-page markdown plus a consolidated
document into the output directory.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&processPDFPath, "pdf", "p", "", "Path to PDF file (required)")
	processCmd.Flags().StringVarP(&processOutputDir, "output", "o", "output", "Output directory")
	processCmd.Flags().StringVarP(&processMode, "mode", "m", "extract", "Processing mode: extract or summarize")
	processCmd.Flags().StringVarP(&processLanguage, "language", "l", "english", "Prompt language: english or chinese")
	processCmd.Flags().StringVar(&processPages, "pages", "", "Page range, N or N-M (default: whole document)")
	processCmd.Flags().IntVarP(&processBatchSize, "batch-size", "b", 1, "Pages per model call (1-4)")
	processCmd.Flags().IntVar(&processConcurrency, "concurrency", 1, "Parallel batch workers (1-10)")
	processCmd.Flags().DurationVar(&processInterval, "interval", 0, "Minimum spacing between model calls (e.g. 2s)")
	processCmd.Flags().StringVarP(&processEngine, "engine", "e", "openai", "Vision engine: openai or gemini")
	processCmd.Flags().StringVar(&processModel, "model", "", "Model name (engine default when empty)")
	processCmd.Flags().BoolVar(&processHTML, "html", false, "Also export the consolidated markdown as HTML")
	processCmd.MarkFlagRequired("pdf")
	rootCmd.AddCommand(processCmd)
}

type runOutcome struct {
	result domain.RunResult
	err    error
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyProcessFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.APIKey() == "" {
		return domain.ConfigError(fmt.Sprintf("no API key for engine %s, set OPENAI_API_KEY or GEMINI_API_KEY", cfg.API.Engine), nil)
	}

	startPage, endPage, err := parsePageRange(processPages)
	if err != nil {
		return err
	}

	mode, err := domain.ParseMode(cfg.Processing.Mode)
	if err != nil {
		return err
	}
	language, err := domain.ParseLanguage(cfg.Processing.Language)
	if err != nil {
		return err
	}

	ui.Init(noColor, verbose)
	log := newLogger(cfg, true)

	job := domain.Job{
		SourcePath:      processPDFPath,
		OutputDir:       cfg.Output.Dir,
		StartPage:       startPage,
		EndPage:         endPage,
		Mode:            mode,
		Language:        language,
		BatchSize:       cfg.Processing.BatchSize,
		Concurrency:     cfg.Processing.Concurrency,
		MinCallInterval: cfg.Processing.CallInterval,
		Engine:          cfg.API.Engine,
		Model:           cfg.API.Model,
	}

	ui.Section("PDF Processing")
	ui.KeyValue("Source", job.SourcePath)
	ui.KeyValue("Output", job.OutputDir)
	ui.KeyValue("Mode", fmt.Sprintf("%s / %s", job.Mode, job.Language))
	ui.KeyValue("Engine", job.Engine)
	if processPages != "" {
		ui.KeyValue("Pages", processPages)
	}
	ui.Newline()

	var sp *ui.Spinner
	if !ui.Verbose() {
		sp = ui.NewSpinner("Opening " + filepath.Base(job.SourcePath))
		sp.Start()
	}
	renderer, err := render.NewRenderer(job.SourcePath, filepath.Join(job.OutputDir, "images"), log)
	if sp != nil {
		sp.Stop()
	}
	if err != nil {
		return err
	}
	defer renderer.Close()

	engine, err := buildEngines(cfg, log).Get(job.Engine)
	if err != nil {
		return err
	}

	orch, err := pipeline.New(job, renderer, engine, log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	runID := uuid.New()
	var runs *store.RunRepository
	if cfg.Ledger.Enabled {
		db, err := store.OpenLedger(cfg.Ledger.Path)
		if err != nil {
			log.Warn().Err(err).Msg("Run ledger unavailable")
		} else {
			defer db.Close()
			runs = store.NewRunRepository(db)
			if err := runs.Create(ctx, &store.Run{
				ID:        runID,
				Source:    job.SourcePath,
				StartPage: job.StartPage,
				EndPage:   job.EndPage,
				Mode:      string(job.Mode),
				Language:  string(job.Language),
				Engine:    job.Engine,
				Model:     job.Model,
				Status:    string(domain.StatusIdle),
			}); err != nil {
				log.Warn().Err(err).Msg("Failed to record run in ledger")
			}
		}
	}

	// First interrupt cancels cooperatively, a second one force quits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		ui.Warning("Interrupt received, waiting for in-flight pages (press again to force quit)")
		orch.Cancel()
		<-sigCh
		os.Exit(130)
	}()

	events := make(chan domain.StreamEvent, 256)
	outcome := make(chan runOutcome, 1)
	go func() {
		result, runErr := orch.Run(ctx, events)
		close(events)
		outcome <- runOutcome{result: result, err: runErr}
	}()

	// With --verbose the structured log already narrates the run, so the
	// bar stays out of the way.
	var bar *ui.ProgressBar
	if !ui.Verbose() {
		bar = ui.NewProgressBar("Starting...")
	}

	finalMsg := ""
	for ev := range events {
		switch ev.Type {
		case domain.EventStatus:
			if bar != nil {
				bar.Describe(ev.Message)
			}
		case domain.EventProgress:
			if bar != nil {
				bar.Set(ev.Progress)
			}
		case domain.EventComplete:
			finalMsg = ev.Message
		}
	}
	out := <-outcome

	if bar != nil {
		if out.result.Status == domain.StatusCompleted {
			bar.Set(100)
			bar.Finish()
		} else {
			bar.Stop()
		}
	}

	if runs != nil {
		if err := runs.UpdateProgress(ctx, runID, out.result.PagesRendered, out.result.PagesTotal); err != nil {
			log.Warn().Err(err).Msg("Failed to update run progress in ledger")
		}
		errMsg := ""
		if out.err != nil && !errors.Is(out.err, domain.ErrCancelled) {
			errMsg = out.err.Error()
		}
		if err := runs.Complete(ctx, runID, string(out.result.Status), out.result.ConsolidatedPath, errMsg); err != nil {
			log.Warn().Err(err).Msg("Failed to complete run in ledger")
		}
	}

	switch {
	case out.err == nil:
		ui.Newline()
		ui.Success("%s", finalMsg)
		ui.Newline()
		ui.Table([]string{"Metric", "Value"}, [][]string{
			{"Consolidated file", out.result.ConsolidatedPath},
			{"Pages", fmt.Sprintf("%d", out.result.PagesRendered)},
			{"Batches", fmt.Sprintf("%d", out.result.BatchesTotal)},
			{"Failed batches", fmt.Sprintf("%d", out.result.BatchesFailed)},
			{"Duration", ui.FormatDuration(out.result.Duration)},
		})
		if out.result.BatchesFailed > 0 {
			ui.Warning("%d of %d batches failed; their pages are missing from the consolidated file", out.result.BatchesFailed, out.result.BatchesTotal)
		}
		if cfg.Output.HTML {
			htmlPath, err := export.HTML(out.result.ConsolidatedPath)
			if err != nil {
				ui.Warning("HTML export failed: %v", err)
			} else {
				ui.Success("HTML saved to: %s", htmlPath)
			}
		}
		return nil

	case errors.Is(out.err, domain.ErrCancelled):
		ui.Newline()
		ui.Warning("%s", finalMsg)
		ui.Step("Partial page files kept in %s", filepath.Join(job.OutputDir, "md"))
		return out.err

	default:
		return fmt.Errorf("processing failed: %w", out.err)
	}
}

// applyProcessFlags copies explicitly set flags over the loaded config.
func applyProcessFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Output.Dir = processOutputDir
	}
	if flags.Changed("mode") {
		cfg.Processing.Mode = processMode
	}
	if flags.Changed("language") {
		cfg.Processing.Language = processLanguage
	}
	if flags.Changed("batch-size") {
		cfg.Processing.BatchSize = processBatchSize
	}
	if flags.Changed("concurrency") {
		cfg.Processing.Concurrency = processConcurrency
	}
	if flags.Changed("interval") {
		cfg.Processing.CallInterval = processInterval
	}
	if flags.Changed("engine") {
		cfg.API.Engine = processEngine
	}
	if flags.Changed("model") {
		cfg.API.Model = processModel
	}
	if flags.Changed("html") {
		cfg.Output.HTML = processHTML
	}
}
