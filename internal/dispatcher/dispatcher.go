// Package dispatcher is the request-side contract the HTTP layer uses to
// read a cached artifact or force (re)generation (spec §4.I). It never
// imports net/http: internal/httpapi depends on this package, not the
// other way around.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/pageconfig"
	"github.com/calview/calview/internal/pipeline"
)

// ConfigLoader is the subset of internal/configstore.Store Dispatcher needs.
type ConfigLoader interface {
	Load(id string) (*pageconfig.Config, error)
}

// ImageCache is the subset of internal/cache.Cache Dispatcher needs.
type ImageCache interface {
	Read(id string) (cache.Artifact, bool, error)
	ReadMeta(id string) (cache.Metadata, bool, error)
}

// PipelineRunner is the capability Dispatcher needs to run a pipeline
// inline, satisfied by internal/pipeline.Pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, id string, opts pipeline.Options) (pipeline.Result, error)
}

// HistoryReader is the subset of internal/history.Ledger Dispatcher needs.
type HistoryReader interface {
	Load(id string, limit int) ([]history.Entry, error)
	Stats(id string) (history.Stats, error)
	Exists(id string) (bool, error)
}

// CacheStatus is the X-Cache value GetImage's result maps to (spec §6:
// HIT/MISS/DISABLED). GetFreshImage's BYPASS is set by the HTTP layer
// directly, since it is a property of the endpoint, not of Image.
type CacheStatus string

const (
	// CacheStatusHit: served straight from the cache tier.
	CacheStatusHit CacheStatus = "HIT"
	// CacheStatusMiss: schedulable config, cache was cold, rendered inline
	// and published.
	CacheStatusMiss CacheStatus = "MISS"
	// CacheStatusDisabled: config is not schedulable, so it never
	// populates the cache; every request renders inline.
	CacheStatusDisabled CacheStatus = "DISABLED"
)

// Image is what GetImage/GetFreshImage return to the HTTP layer.
type Image struct {
	Bytes       []byte
	ContentType string
	ImageType   string
	CRC32       string
	CacheStatus CacheStatus
	GeneratedAt time.Time
}

// HistoryResponse is what GetHistory returns, matching the §6 JSON shape.
type HistoryResponse struct {
	ID         string          `json:"id"`
	History    []history.Entry `json:"history"`
	Stats      history.Stats   `json:"stats"`
	MaxEntries int             `json:"maxEntries"`
}

// Dispatcher implements spec §4.I.
type Dispatcher struct {
	configs  ConfigLoader
	cache    ImageCache
	pipeline PipelineRunner
	history  HistoryReader
	logger   *slog.Logger
}

// New constructs a Dispatcher.
func New(configs ConfigLoader, imageCache ImageCache, runner PipelineRunner, hist HistoryReader, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{configs: configs, cache: imageCache, pipeline: runner, history: hist, logger: logger}
}

// checkExt validates ext against the config's fixed output codec,
// returning ExtMismatch (404 with hint) on mismatch.
func checkExt(cfg *pageconfig.Config, ext string) error {
	if string(cfg.ImageType) != ext {
		return apperr.New(apperr.KindExtMismatch, "config serves a different image type").
			WithDetails(map[string]string{"served": string(cfg.ImageType), "requested": ext})
	}
	return nil
}

// GetImage serves id.ext: cache hit when schedulable, otherwise an inline
// cache-miss render; non-schedulable configs always render inline without
// ever populating the cache (spec §4.I).
func (d *Dispatcher) GetImage(ctx context.Context, id, ext string) (Image, error) {
	cfg, err := d.configs.Load(id)
	if err != nil {
		return Image{}, err
	}
	if err := checkExt(cfg, ext); err != nil {
		return Image{}, err
	}

	if cfg.Schedulable() {
		artifact, found, err := d.cache.Read(id)
		if err != nil {
			d.logger.Warn("cache read failed, treating as miss", "id", id, "error", err)
		}
		if found {
			return Image{
				Bytes:       artifact.Bytes,
				ContentType: artifact.Metadata.ContentType,
				ImageType:   artifact.Metadata.ImageType,
				CRC32:       artifact.Metadata.CRC32,
				CacheStatus: CacheStatusHit,
				GeneratedAt: artifact.Metadata.GeneratedAt,
			}, nil
		}

		result, err := d.pipeline.Run(ctx, id, pipeline.Options{Trigger: history.TriggerCacheMiss, SaveCache: true})
		if err != nil {
			return Image{}, err
		}
		return Image{Bytes: result.Bytes, ContentType: result.ContentType, ImageType: result.ImageType, CRC32: result.CRC32, CacheStatus: CacheStatusMiss}, nil
	}

	result, err := d.pipeline.Run(ctx, id, pipeline.Options{Trigger: history.TriggerOnDemand, SaveCache: false})
	if err != nil {
		return Image{}, err
	}
	return Image{Bytes: result.Bytes, ContentType: result.ContentType, ImageType: result.ImageType, CRC32: result.CRC32, CacheStatus: CacheStatusDisabled}, nil
}

// GetFreshImage always renders inline, bypassing the cache on read but
// still publishing the result (trigger=fresh, saveCache=true).
func (d *Dispatcher) GetFreshImage(ctx context.Context, id, ext string) (Image, error) {
	cfg, err := d.configs.Load(id)
	if err != nil {
		return Image{}, err
	}
	if err := checkExt(cfg, ext); err != nil {
		return Image{}, err
	}

	result, err := d.pipeline.Run(ctx, id, pipeline.Options{Trigger: history.TriggerFresh, SaveCache: true})
	if err != nil {
		return Image{}, err
	}
	return Image{Bytes: result.Bytes, ContentType: result.ContentType, ImageType: result.ImageType, CRC32: result.CRC32}, nil
}

// GetChecksum prefers the cached metadata's crc32; on a cold cache it runs
// the pipeline with trigger=crc32_check and caches the result.
func (d *Dispatcher) GetChecksum(ctx context.Context, id, ext string) (string, error) {
	cfg, err := d.configs.Load(id)
	if err != nil {
		return "", err
	}
	if err := checkExt(cfg, ext); err != nil {
		return "", err
	}

	if meta, found, err := d.cache.ReadMeta(id); err == nil && found {
		return meta.CRC32, nil
	}

	result, err := d.pipeline.Run(ctx, id, pipeline.Options{Trigger: history.TriggerCRC32Check, SaveCache: true})
	if err != nil {
		return "", err
	}
	return result.CRC32, nil
}

// GetHistory returns id's ledger entries plus derived stats. A config that
// exists but has never produced an artifact (its ledger file was never
// written) is a distinct 404 from an absent config, per spec §6.
func (d *Dispatcher) GetHistory(id string) (HistoryResponse, error) {
	if _, err := d.configs.Load(id); err != nil {
		return HistoryResponse{}, err
	}

	exists, err := d.history.Exists(id)
	if err != nil {
		return HistoryResponse{}, apperr.Wrap(apperr.KindHistoryNotFound, "failed to check history existence", err)
	}
	if !exists {
		return HistoryResponse{}, apperr.New(apperr.KindHistoryNotFound, "no history recorded for this config yet")
	}

	entries, err := d.history.Load(id, 0)
	if err != nil {
		return HistoryResponse{}, apperr.Wrap(apperr.KindHistoryNotFound, "failed to load history", err)
	}
	stats, err := d.history.Stats(id)
	if err != nil {
		return HistoryResponse{}, apperr.Wrap(apperr.KindHistoryNotFound, "failed to compute history stats", err)
	}

	return HistoryResponse{ID: id, History: entries, Stats: stats, MaxEntries: history.MaxEntries}, nil
}
