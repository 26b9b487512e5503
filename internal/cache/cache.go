// Package cache implements the two-tier (in-memory + on-disk) per-config
// artifact store (spec §4.E), the atomic replacement that guarantees I1-I3,
// and an optional, never-authoritative Redis mirror of the disk tier.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/checksum"
	"github.com/calview/calview/internal/namesanitizer"
)

// Metadata is the on-disk sidecar for one config's artifact.
type Metadata struct {
	ID          string    `json:"id"`
	ContentType string    `json:"contentType"`
	ImageType   string    `json:"imageType"`
	Size        int64     `json:"size"`
	CRC32       string    `json:"crc32"`
	GeneratedAt time.Time `json:"generatedAt"`
	CachePath   string    `json:"cachePath"`
}

// Artifact is a full in-memory artifact: bytes plus metadata.
type Artifact struct {
	Bytes    []byte
	Metadata Metadata
}

// WriteOpts carries a write's provenance fields. Write itself does not read
// them and appends no history; the caller records the HistoryLedger entry.
type WriteOpts struct {
	Trigger            string
	GenerationDuration *time.Duration
}

// KeyStats is one entry of Stats().PerKey.
type KeyStats struct {
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
}

// Stats is a snapshot of the in-memory tier.
type Stats struct {
	Entries    int        `json:"entries"`
	TotalBytes int64      `json:"totalBytes"`
	PerKey     []KeyStats `json:"perKey"`
}

// RemoteMirror is the optional, non-authoritative third tier. A Cache with
// a nil RemoteMirror behaves identically to one with an unreachable Redis:
// I1-I6 never depend on it.
type RemoteMirror interface {
	Set(ctx context.Context, key string, artifact Artifact, ttl time.Duration) error
	Get(ctx context.Context, key string) (Artifact, bool, error)
	Delete(ctx context.Context, key string) error
}

// Cache is the two-tier ImageCache.
type Cache struct {
	root      string
	sanitizer namesanitizer.Sanitizer
	logger    *slog.Logger
	metrics   *Metrics
	mirror    RemoteMirror

	memMu sync.Mutex
	mem   *lru.Cache[string, Artifact]
}

// New constructs a Cache rooted at dir with a bounded in-memory tier of
// memoryEntries. mirror may be nil.
func New(dir string, memoryEntries int, logger *slog.Logger, metrics *Metrics, mirror RemoteMirror) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if memoryEntries <= 0 {
		memoryEntries = 256
	}

	mem, err := lru.New[string, Artifact](memoryEntries)
	if err != nil {
		return nil, err
	}

	return &Cache{
		root:      dir,
		sanitizer: namesanitizer.New(),
		logger:    logger,
		metrics:   metrics,
		mirror:    mirror,
		mem:       mem,
	}, nil
}

// EnsureDir creates the cache directory if missing, then removes any
// orphaned "*.tmp" files left by a crash mid-write (spec §4.E, P3).
func (c *Cache) EnsureDir() error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return apperr.Wrap(apperr.KindCacheWriteFailed, "failed to create cache directory", err)
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return apperr.Wrap(apperr.KindCacheWriteFailed, "failed to scan cache directory", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(c.root, e.Name())
		info, statErr := e.Info()
		age := "unknown"
		if statErr == nil {
			age = time.Since(info.ModTime()).String()
		}
		if rmErr := os.Remove(path); rmErr != nil {
			c.logger.Warn("temp cleanup failed", "path", path, "error", rmErr)
		} else {
			c.logger.Info("removed orphaned temp file", "path", path, "age", age)
		}
	}
	return nil
}

func (c *Cache) metaPath(key string) string { return filepath.Join(c.root, key+".meta.json") }
func (c *Cache) bytesPath(key, ext string) string {
	return filepath.Join(c.root, key+"."+ext)
}

// ReadMeta reads metadata from disk only, never populating memory.
// Returns (Metadata{}, false, nil) on absence or parse failure.
func (c *Cache) ReadMeta(id string) (Metadata, bool, error) {
	key, err := c.sanitizer.ToCacheKey(id)
	if err != nil {
		return Metadata{}, false, err
	}

	raw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return Metadata{}, false, nil
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, false, nil
	}
	return meta, true, nil
}

// Read returns the artifact for id, memory first, falling back to disk.
// A disk hit populates memory before returning; concurrent populators may
// race but always carry identical content since I3 holds.
func (c *Cache) Read(id string) (Artifact, bool, error) {
	key, err := c.sanitizer.ToCacheKey(id)
	if err != nil {
		return Artifact{}, false, err
	}

	c.memMu.Lock()
	a, ok := c.mem.Get(key)
	c.memMu.Unlock()
	if ok {
		c.observe("memory", true)
		return a, true, nil
	}
	c.observe("memory", false)

	meta, found, err := c.ReadMeta(id)
	if err != nil {
		return Artifact{}, false, err
	}
	if !found {
		c.observe("disk", false)
		return Artifact{}, false, nil
	}

	ext := strings.TrimPrefix(filepath.Ext(meta.CachePath), ".")
	if ext == "" {
		ext = meta.ImageType
	}
	bytes, err := os.ReadFile(c.bytesPath(key, ext))
	if err != nil {
		c.recordError("read")
		return Artifact{}, false, apperr.Wrap(apperr.KindCacheReadFailed, "failed to read cached artifact bytes", err)
	}
	c.observe("disk", true)

	artifact := Artifact{Bytes: bytes, Metadata: meta}

	c.memMu.Lock()
	c.mem.Add(key, artifact)
	c.memMu.Unlock()

	return artifact, true, nil
}

// Write performs the five-step atomic publish of spec §4.E: compute CRC32,
// build metadata, write both files to .tmp, rename both, then (and only
// then) publish to memory. The caller (internal/pipeline.Pipeline) is
// responsible for the HistoryLedger append that follows a successful write.
func (c *Cache) Write(id string, bytes []byte, contentType, imageType string, opts WriteOpts) (Metadata, error) {
	key, err := c.sanitizer.ToCacheKey(id)
	if err != nil {
		return Metadata{}, err
	}

	crc := checksum.Of(bytes)
	generatedAt := time.Now().UTC()
	bytesPath := c.bytesPath(key, imageType)
	meta := Metadata{
		ID:          id,
		ContentType: contentType,
		ImageType:   imageType,
		Size:        int64(len(bytes)),
		CRC32:       crc,
		GeneratedAt: generatedAt,
		CachePath:   bytesPath,
	}

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		c.recordError("write")
		return Metadata{}, apperr.Wrap(apperr.KindCacheWriteFailed, "failed to create cache directory", err)
	}

	bytesTmp := bytesPath + ".tmp"
	metaTmp := c.metaPath(key) + ".tmp"

	if err := os.WriteFile(bytesTmp, bytes, 0o644); err != nil {
		c.recordError("write")
		return Metadata{}, apperr.Wrap(apperr.KindCacheWriteFailed, "failed to write artifact bytes", err)
	}

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		c.recordError("write")
		return Metadata{}, apperr.Wrap(apperr.KindCacheWriteFailed, "failed to marshal metadata", err)
	}
	if err := os.WriteFile(metaTmp, metaRaw, 0o644); err != nil {
		c.recordError("write")
		return Metadata{}, apperr.Wrap(apperr.KindCacheWriteFailed, "failed to write metadata", err)
	}

	if err := os.Rename(bytesTmp, bytesPath); err != nil {
		c.recordError("write")
		return Metadata{}, apperr.Wrap(apperr.KindCacheWriteFailed, "failed to publish artifact bytes", err)
	}
	if err := os.Rename(metaTmp, c.metaPath(key)); err != nil {
		c.recordError("write")
		return Metadata{}, apperr.Wrap(apperr.KindCacheWriteFailed, "failed to publish metadata", err)
	}

	artifact := Artifact{Bytes: bytes, Metadata: meta}
	c.memMu.Lock()
	c.mem.Add(key, artifact)
	c.memMu.Unlock()

	if c.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.mirror.Set(ctx, key, artifact, 0); err != nil {
				c.logger.Warn("remote mirror write failed", "id", id, "error", err)
			}
		}()
	}

	return meta, nil
}

// Delete removes id from memory, then unlinks both files on disk. Missing
// files are not treated as an error.
func (c *Cache) Delete(id string) error {
	key, err := c.sanitizer.ToCacheKey(id)
	if err != nil {
		return err
	}

	c.memMu.Lock()
	c.mem.Remove(key)
	c.memMu.Unlock()

	meta, found, _ := c.ReadMeta(id)
	ext := "bin"
	if found {
		ext = strings.TrimPrefix(filepath.Ext(meta.CachePath), ".")
		if ext == "" {
			ext = meta.ImageType
		}
	}

	for _, p := range []string{c.bytesPath(key, ext), c.metaPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindCacheWriteFailed, "failed to delete cached artifact", err)
		}
	}

	if c.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.mirror.Delete(ctx, key)
		}()
	}

	return nil
}

// Stats snapshots the in-memory tier under the mutex.
func (c *Cache) Stats() Stats {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	keys := c.mem.Keys()
	perKey := make([]KeyStats, 0, len(keys))
	var total int64
	for _, k := range keys {
		if a, ok := c.mem.Peek(k); ok {
			perKey = append(perKey, KeyStats{Key: k, Bytes: int64(len(a.Bytes))})
			total += int64(len(a.Bytes))
		}
	}
	sort.Slice(perKey, func(i, j int) bool { return perKey[i].Key < perKey[j].Key })

	if c.metrics != nil {
		c.metrics.Size.WithLabelValues("memory").Set(float64(len(keys)))
	}

	return Stats{Entries: len(keys), TotalBytes: total, PerKey: perKey}
}

func (c *Cache) observe(tier string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.Hits.WithLabelValues(tier).Inc()
	} else {
		c.metrics.Misses.WithLabelValues(tier).Inc()
	}
}

func (c *Cache) recordError(op string) {
	if c.metrics != nil {
		c.metrics.Errors.WithLabelValues(op).Inc()
	}
}
