// Package pipeline orchestrates ConfigStore.Load → Fetcher ∥ Fetcher →
// Renderer.RenderTemplate → Renderer.Rasterize → ImageCache.Write →
// HistoryLedger.Append for one config (spec §4.F).
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/checksum"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/pageconfig"
	"github.com/calview/calview/internal/renderer"
)

// Options carries the per-run knobs Dispatcher/Scheduler/WorkerPool set.
type Options struct {
	Trigger   history.Trigger
	SaveCache bool
}

// Result is what Run returns to its caller (Dispatcher or the render
// subcommand's IPC frame).
type Result struct {
	Bytes       []byte
	ContentType string
	ImageType   string
	CRC32       string
	Duration    time.Duration
	EventCount  int
}

// ConfigLoader is the subset of internal/configstore.Store Pipeline needs.
type ConfigLoader interface {
	Load(id string) (*pageconfig.Config, error)
}

// Pipeline wires together one config's Load → Fetch → Render → Cache →
// History run.
type Pipeline struct {
	configs  ConfigLoader
	fetcher  renderer.Fetcher
	renderer renderer.Renderer
	cache    *cache.Cache
	history  *history.Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Pipeline. Any of fetcher/renderer/cache/history may be
// used across many concurrent Run calls; Pipeline itself holds no
// per-config state.
func New(configs ConfigLoader, fetcher renderer.Fetcher, rend renderer.Renderer, imageCache *cache.Cache, ledger *history.Ledger, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		configs:  configs,
		fetcher:  fetcher,
		renderer: rend,
		cache:    imageCache,
		history:  ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the full eight-step contract of spec §4.F for id.
func (p *Pipeline) Run(ctx context.Context, id string, opts Options) (Result, error) {
	start := p.now()

	// Step 1: load and validate config.
	cfg, err := p.configs.Load(id)
	if err != nil {
		return Result{}, err
	}

	// Step 2: fetch events and extra data in parallel. Each branch times
	// itself from its own local fetchStart into its own duration variable
	// (eventsWindow, extraWindow), and the log line reads both only after
	// both branches finish, so neither can be logged stale (spec §9).
	var (
		events       []renderer.CalendarEvent
		extraData    []any
		eventsErr    error
		extraErr     error
		eventsWindow time.Duration
		extraWindow  time.Duration
		wg           sync.WaitGroup
	)

	icsSources, sourceErr := cfg.ICSSources()
	if sourceErr != nil {
		return Result{}, sourceErr
	}
	extraSources, sourceErr := cfg.ExtraSources()
	if sourceErr != nil {
		return Result{}, sourceErr
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		fetchStart := p.now()
		events, eventsErr = p.fetcher.Events(ctx, toEventsQueries(cfg, icsSources, start))
		eventsWindow = p.now().Sub(fetchStart)
	}()
	go func() {
		defer wg.Done()
		fetchStart := p.now()
		extraData, extraErr = p.fetcher.Extra(ctx, toExtraQueries(extraSources))
		extraWindow = p.now().Sub(fetchStart)
	}()
	wg.Wait()

	if eventsErr != nil {
		return Result{}, apperr.Wrap(apperr.KindFetchFailed, "calendar fetch failed", eventsErr)
	}
	if extraErr != nil {
		return Result{}, apperr.Wrap(apperr.KindFetchFailed, "auxiliary data fetch failed", extraErr)
	}
	p.logger.Debug("pipeline fetch complete", "id", id, "events_duration", eventsWindow, "extra_duration", extraWindow, "event_count", len(events))

	// Step 3: render the template to HTML.
	html, err := p.renderer.RenderTemplate(ctx, renderer.TemplateInput{
		Template:  cfg.Template,
		Events:    events,
		ExtraData: extraData,
		Now:       start,
		Locale:    cfg.Locale,
		Timezone:  cfg.Timezone,
	})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindTemplateFailed, "template render failed", err)
	}

	// Step 4: rasterize HTML to image bytes.
	raster, err := p.renderer.Rasterize(ctx, html, renderer.RasterOptions{
		Width:     cfg.Width,
		Height:    cfg.Height,
		ImageType: string(cfg.ImageType),
		Grayscale: cfg.Grayscale,
		BitDepth:  cfg.BitDepth,
		Rotate:    int(cfg.Rotate),
	})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindRasterFailed, "rasterization failed", err)
	}

	// Step 5: classify change against the previous artifact's checksum.
	crc := checksum.Of(raster.Bytes)
	previousMeta, hadPrevious, _ := p.cache.ReadMeta(id)
	changed := !hadPrevious || previousMeta.CRC32 != crc

	duration := p.now().Sub(start)

	// Step 6: best-effort generation timeline logging.
	p.logger.Info("pipeline run complete",
		"id", id,
		"crc32", crc,
		"previous_crc32", previousMeta.CRC32,
		"changed", changed,
		"duration", duration,
		"template", cfg.Template,
		"image_size", len(raster.Bytes),
		"event_count", len(events),
		"trigger", opts.Trigger,
	)

	// Step 7: publish to cache when requested, then append the ledger entry
	// the write produced. Every successful SaveCache write appends exactly
	// one HistoryEntry (spec I6), regardless of which binary (serve or the
	// WorkerPool's render subcommand) ran this pipeline.
	if opts.SaveCache {
		genDuration := duration
		meta, err := p.cache.Write(id, raster.Bytes, raster.ContentType, string(cfg.ImageType), cache.WriteOpts{
			Trigger:            string(opts.Trigger),
			GenerationDuration: &genDuration,
		})
		if err != nil {
			return Result{}, err
		}
		genDurationMS := genDuration.Milliseconds()
		size := int64(len(raster.Bytes))
		p.history.Append(id, history.Entry{
			CRC32:              meta.CRC32,
			Timestamp:          meta.GeneratedAt,
			Trigger:            opts.Trigger,
			GenerationDuration: &genDurationMS,
			ImageSize:          &size,
		})
	}

	// Step 8: return the artifact.
	return Result{
		Bytes:       raster.Bytes,
		ContentType: raster.ContentType,
		ImageType:   string(cfg.ImageType),
		CRC32:       crc,
		Duration:    duration,
		EventCount:  len(events),
	}, nil
}

func toEventsQueries(cfg *pageconfig.Config, sources []pageconfig.ICSSource, now time.Time) []renderer.EventsQuery {
	queries := make([]renderer.EventsQuery, 0, len(sources))
	windowFrom := now.AddDate(0, 0, cfg.ExpandFrom)
	windowTo := now.AddDate(0, 0, cfg.ExpandTo)
	for _, s := range sources {
		queries = append(queries, renderer.EventsQuery{
			URL:        s.URL,
			SourceName: s.SourceName,
			WindowFrom: windowFrom,
			WindowTo:   windowTo,
			Timezone:   cfg.Timezone,
		})
	}
	return queries
}

func toExtraQueries(sources []pageconfig.ExtraSource) []renderer.ExtraQuery {
	queries := make([]renderer.ExtraQuery, 0, len(sources))
	for _, s := range sources {
		ttl := 300 * time.Second
		if s.CacheTTL != nil {
			ttl = time.Duration(*s.CacheTTL) * time.Second
		}
		queries = append(queries, renderer.ExtraQuery{URL: s.URL, Headers: s.Headers, CacheTTL: ttl})
	}
	return queries
}
