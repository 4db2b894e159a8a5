package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"clinicclaim-agent/internal/agent"
	"clinicclaim-agent/internal/browser"
	"clinicclaim-agent/internal/claims"
	"clinicclaim-agent/internal/config"
	"clinicclaim-agent/internal/diag"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath string
	batchPath  string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "clinicclaim-agent",
		Short: "Drafts clinic visit claims on the insurance portal",
		Long: `clinicclaim-agent logs into the clinic insurance portal, locates each
patient in a visit batch, fills the claim form, and saves it as a draft.
It never submits a claim; every draft is left for a human to review.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Work through a visit batch file",
		RunE:  runBatch,
	}
	runCmd.Flags().StringVarP(&batchPath, "batch", "b", "", "path to the visit batch file (required)")
	_ = runCmd.MarkFlagRequired("batch")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a visit batch file without touching the portal",
		RunE:  checkBatch,
	}
	checkCmd.Flags().StringVarP(&batchPath, "batch", "b", "", "path to the visit batch file (required)")
	_ = checkCmd.MarkFlagRequired("batch")

	root.AddCommand(runCmd, checkCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg)

	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}

	batch, err := claims.Load(batchPath)
	if err != nil {
		return err
	}
	log.Info().Int("visits", len(batch.Visits)).Str("batch", batchPath).Msg("batch loaded")

	pages := browser.NewManager(cfg.Browser, log)
	if err := pages.Start(ctx); err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	defer func() {
		if err := pages.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("browser shutdown")
		}
	}()

	tracer, err := diag.NewTracer(cfg.Diag)
	if err != nil {
		log.Warn().Err(err).Msg("trace recorder unavailable, continuing without")
		tracer = nil
	}

	runner := agent.NewRunner(cfg, pages, creds, tracer, log)
	report, err := runner.Run(ctx, batch)

	for _, o := range report.Outcomes {
		ev := log.Info()
		if o.Err != "" {
			ev = log.Error().Str("error", o.Err)
		}
		ev.Str("patient", o.PatientID).
			Bool("drafted", o.Drafted).
			Strs("skipped", o.Skipped).
			Msg("visit outcome")
	}
	log.Info().
		Str("run_id", report.RunID).
		Int("drafted", report.Drafted()).
		Int("total", len(report.Outcomes)).
		Msg("run complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func checkBatch(cmd *cobra.Command, _ []string) error {
	batch, err := claims.Load(batchPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d visits, all valid\n", batchPath, len(batch.Visits))
	return nil
}

// newLogger writes human-readable logs to stderr and the full stream to a
// rotating file.
func newLogger(cfg config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	var sink io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.Agent.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Agent.LogFile,
			MaxSize:    cfg.Agent.LogMaxSizeMB,
			MaxBackups: cfg.Agent.LogMaxBackups,
		}
		sink = zerolog.MultiLevelWriter(sink, rotated)
	}

	return zerolog.New(sink).Level(level).With().Timestamp().Logger()
}
