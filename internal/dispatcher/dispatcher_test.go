package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/pageconfig"
	"github.com/calview/calview/internal/pipeline"
)

type stubConfigs struct {
	cfg *pageconfig.Config
	err error
}

func (s *stubConfigs) Load(id string) (*pageconfig.Config, error) { return s.cfg, s.err }

type stubCache struct {
	artifact cache.Artifact
	found    bool
	readErr  error
	meta     cache.Metadata
	metaOK   bool
}

func (c *stubCache) Read(id string) (cache.Artifact, bool, error) {
	return c.artifact, c.found, c.readErr
}
func (c *stubCache) ReadMeta(id string) (cache.Metadata, bool, error) {
	return c.meta, c.metaOK, nil
}

type stubRunner struct {
	result pipeline.Result
	err    error
	calls  []pipeline.Options
}

func (r *stubRunner) Run(ctx context.Context, id string, opts pipeline.Options) (pipeline.Result, error) {
	r.calls = append(r.calls, opts)
	return r.result, r.err
}

type stubHistory struct {
	entries    []history.Entry
	stats      history.Stats
	loadErr    error
	statsErr   error
	exists     bool
	existsErr  error
}

func (h *stubHistory) Load(id string, limit int) ([]history.Entry, error) { return h.entries, h.loadErr }
func (h *stubHistory) Stats(id string) (history.Stats, error)             { return h.stats, h.statsErr }
func (h *stubHistory) Exists(id string) (bool, error)                     { return h.exists, h.existsErr }

func pngConfig(t *testing.T, schedulable bool) *pageconfig.Config {
	t.Helper()
	body := `{"template":"week-view","imageType":"png"`
	if schedulable {
		body += `,"preGenerateInterval":"0 * * * *"`
	}
	body += `}`
	cfg, err := pageconfig.Parse([]byte(body))
	require.NoError(t, err)
	return cfg
}

func TestGetImageSchedulableCacheHit(t *testing.T) {
	cfg := pngConfig(t, true)
	c := &stubCache{found: true, artifact: cache.Artifact{Bytes: []byte("img"), Metadata: cache.Metadata{ContentType: "image/png", CRC32: "abc", GeneratedAt: time.Now()}}}
	runner := &stubRunner{}

	d := New(&stubConfigs{cfg: cfg}, c, runner, &stubHistory{}, nil)
	img, err := d.GetImage(context.Background(), "a", "png")
	require.NoError(t, err)
	assert.Equal(t, CacheStatusHit, img.CacheStatus)
	assert.Equal(t, "abc", img.CRC32)
	assert.Empty(t, runner.calls)
}

func TestGetImageSchedulableCacheMissRunsPipeline(t *testing.T) {
	cfg := pngConfig(t, true)
	c := &stubCache{found: false}
	runner := &stubRunner{result: pipeline.Result{Bytes: []byte("fresh"), CRC32: "xyz"}}

	d := New(&stubConfigs{cfg: cfg}, c, runner, &stubHistory{}, nil)
	img, err := d.GetImage(context.Background(), "a", "png")
	require.NoError(t, err)
	assert.Equal(t, CacheStatusMiss, img.CacheStatus)
	assert.Equal(t, "xyz", img.CRC32)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, history.TriggerCacheMiss, runner.calls[0].Trigger)
	assert.True(t, runner.calls[0].SaveCache)
}

func TestGetImageNonSchedulableAlwaysRendersInline(t *testing.T) {
	cfg := pngConfig(t, false)
	c := &stubCache{found: true} // must never be consulted
	runner := &stubRunner{result: pipeline.Result{Bytes: []byte("inline"), CRC32: "q"}}

	d := New(&stubConfigs{cfg: cfg}, c, runner, &stubHistory{}, nil)
	img, err := d.GetImage(context.Background(), "a", "png")
	require.NoError(t, err)
	assert.Equal(t, CacheStatusDisabled, img.CacheStatus)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, history.TriggerOnDemand, runner.calls[0].Trigger)
	assert.False(t, runner.calls[0].SaveCache)
}

func TestGetImageExtMismatch(t *testing.T) {
	cfg := pngConfig(t, true)
	d := New(&stubConfigs{cfg: cfg}, &stubCache{}, &stubRunner{}, &stubHistory{}, nil)

	_, err := d.GetImage(context.Background(), "a", "jpg")
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindExtMismatch, ae.Kind)
}

func TestGetFreshImageAlwaysSavesCache(t *testing.T) {
	cfg := pngConfig(t, true)
	runner := &stubRunner{result: pipeline.Result{Bytes: []byte("f"), CRC32: "f1"}}

	d := New(&stubConfigs{cfg: cfg}, &stubCache{}, runner, &stubHistory{}, nil)
	img, err := d.GetFreshImage(context.Background(), "a", "png")
	require.NoError(t, err)
	assert.Equal(t, "f1", img.CRC32)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, history.TriggerFresh, runner.calls[0].Trigger)
	assert.True(t, runner.calls[0].SaveCache)
}

func TestGetChecksumPrefersCachedMeta(t *testing.T) {
	cfg := pngConfig(t, true)
	c := &stubCache{metaOK: true, meta: cache.Metadata{CRC32: "cached-crc"}}
	runner := &stubRunner{}

	d := New(&stubConfigs{cfg: cfg}, c, runner, &stubHistory{}, nil)
	crc, err := d.GetChecksum(context.Background(), "a", "png")
	require.NoError(t, err)
	assert.Equal(t, "cached-crc", crc)
	assert.Empty(t, runner.calls)
}

func TestGetChecksumFallsBackToPipelineOnColdCache(t *testing.T) {
	cfg := pngConfig(t, true)
	c := &stubCache{metaOK: false}
	runner := &stubRunner{result: pipeline.Result{CRC32: "new-crc"}}

	d := New(&stubConfigs{cfg: cfg}, c, runner, &stubHistory{}, nil)
	crc, err := d.GetChecksum(context.Background(), "a", "png")
	require.NoError(t, err)
	assert.Equal(t, "new-crc", crc)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, history.TriggerCRC32Check, runner.calls[0].Trigger)
}

func TestGetHistoryReturnsEntriesAndStats(t *testing.T) {
	cfg := pngConfig(t, true)
	hist := &stubHistory{
		entries: []history.Entry{{CRC32: "a"}},
		stats:   history.Stats{UniqueCRC32Values: 1},
		exists:  true,
	}

	d := New(&stubConfigs{cfg: cfg}, &stubCache{}, &stubRunner{}, hist, nil)
	resp, err := d.GetHistory("a")
	require.NoError(t, err)
	assert.Equal(t, "a", resp.ID)
	assert.Len(t, resp.History, 1)
	assert.Equal(t, 1, resp.Stats.UniqueCRC32Values)
	assert.Equal(t, history.MaxEntries, resp.MaxEntries)
}

func TestGetHistoryConfigNotFound(t *testing.T) {
	d := New(&stubConfigs{err: apperr.New(apperr.KindConfigNotFound, "nope")}, &stubCache{}, &stubRunner{}, &stubHistory{}, nil)
	_, err := d.GetHistory("missing")
	assert.Error(t, err)
}

func TestGetHistoryNeverGeneratedReturnsNotFound(t *testing.T) {
	cfg := pngConfig(t, true)
	d := New(&stubConfigs{cfg: cfg}, &stubCache{}, &stubRunner{}, &stubHistory{exists: false}, nil)

	_, err := d.GetHistory("a")
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindHistoryNotFound, ae.Kind)
}
