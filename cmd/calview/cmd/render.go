package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/configstore"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/infrastructure/calendarfetch"
	"github.com/calview/calview/internal/infrastructure/raster"
	"github.com/calview/calview/internal/logging"
	"github.com/calview/calview/internal/pipeline"
	"github.com/calview/calview/internal/settings"
	"github.com/calview/calview/internal/worker"
)

var (
	renderID            string
	renderTrigger       string
	renderCorrelationID string
)

// renderCmd is the one-shot child process WorkerPool execs for a single
// config id (spec §4.G). It never opens an HTTP listener or a cron
// scheduler: configstore, cache, history, fetcher, renderer, and pipeline
// are the only collaborators a render needs, and its result is streamed
// back to the parent as a single framed message on stdout.
var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Run the generation pipeline once for a single config and print a framed result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRender(cmd.Context())
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderID, "id", "", "config id to render")
	renderCmd.Flags().StringVar(&renderTrigger, "trigger", string(history.TriggerUnknown), "provenance trigger recorded in history")
	renderCmd.Flags().StringVar(&renderCorrelationID, "correlation-id", "", "correlation id minted by the submitting WorkerPool, echoed back in the result frame")
	_ = renderCmd.MarkFlagRequired("id")
}

func runRender(ctx context.Context) error {
	cfg, err := settings.Load(configPath)
	if err != nil {
		return writeFailureFrame(err)
	}

	logger := logging.New(logging.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stderr",
		Filename: cfg.Log.Filename, MaxSize: cfg.Log.MaxSize, MaxBackups: cfg.Log.MaxBackups,
		MaxAge: cfg.Log.MaxAge, Compress: cfg.Log.Compress,
	})
	if renderCorrelationID != "" {
		logger = logger.With("correlation_id", renderCorrelationID)
	}

	imageCache, err := cache.New(cfg.Paths.CacheDir, cfg.Cache.MemoryEntries, logger, nil, nil)
	if err != nil {
		return writeFailureFrame(err)
	}
	ledger := history.New(cfg.Paths.CacheDir, logger)

	configs := configstore.New(cfg.Paths.ConfigDir, logger)
	fetcher := calendarfetch.New(cfg.Worker.RenderTimeout)
	rend := raster.New()
	pipe := pipeline.New(configs, fetcher, rend, imageCache, ledger, logger)

	result, err := pipe.Run(ctx, renderID, pipeline.Options{
		Trigger:   history.Trigger(renderTrigger),
		SaveCache: true,
	})
	if err != nil {
		return writeFailureFrame(err)
	}

	frame := worker.Frame{
		OK:            true,
		Bytes:         result.Bytes,
		ContentType:   result.ContentType,
		ImageType:     result.ImageType,
		CRC32:         result.CRC32,
		DurationMS:    result.Duration.Milliseconds(),
		EventCount:    result.EventCount,
		CorrelationID: renderCorrelationID,
	}
	return worker.WriteFrame(os.Stdout, frame)
}

// writeFailureFrame reports a failed render to the parent through the same
// framed channel a success uses, so WorkerPool never has to distinguish
// "child wrote nothing" from "child wrote a failure" by exit code alone. If
// cause is already a classified *apperr.Error, its Kind rides along so the
// parent can preserve it instead of collapsing every failure into
// WorkerCrashed.
func writeFailureFrame(cause error) error {
	frame := worker.Frame{OK: false, Error: cause.Error(), CorrelationID: renderCorrelationID}
	if ae, ok := apperr.As(cause); ok {
		frame.Kind = string(ae.Kind)
	}
	if err := worker.WriteFrame(os.Stdout, frame); err != nil {
		return err
	}
	return cause
}
