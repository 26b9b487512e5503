package pipeline

import (
	"context"
	"testing"

	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/pageconfig"
	"github.com/calview/calview/internal/renderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfigs struct {
	cfg *pageconfig.Config
	err error
}

func (s *stubConfigs) Load(id string) (*pageconfig.Config, error) { return s.cfg, s.err }

type stubFetcher struct {
	events    []renderer.CalendarEvent
	extra     []any
	eventsErr error
	extraErr  error
}

func (f *stubFetcher) Events(ctx context.Context, q []renderer.EventsQuery) ([]renderer.CalendarEvent, error) {
	return f.events, f.eventsErr
}

func (f *stubFetcher) Extra(ctx context.Context, q []renderer.ExtraQuery) ([]any, error) {
	return f.extra, f.extraErr
}

type stubRenderer struct {
	html        string
	templateErr error
	result      renderer.RasterResult
	rasterErr   error
}

func (r *stubRenderer) RenderTemplate(ctx context.Context, in renderer.TemplateInput) (string, error) {
	return r.html, r.templateErr
}

func (r *stubRenderer) Rasterize(ctx context.Context, html string, opts renderer.RasterOptions) (renderer.RasterResult, error) {
	return r.result, r.rasterErr
}

func newTestPipeline(t *testing.T, cfg *pageconfig.Config, fetcher *stubFetcher, rend *stubRenderer) (*Pipeline, *cache.Cache, *history.Ledger) {
	t.Helper()
	c, err := cache.New(t.TempDir(), 16, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.EnsureDir())

	ledger := history.New(t.TempDir(), nil)
	require.NoError(t, ledger.Init())

	p := New(&stubConfigs{cfg: cfg}, fetcher, rend, c, ledger, nil)
	return p, c, ledger
}

func baseConfig() *pageconfig.Config {
	cfg, err := pageconfig.Parse([]byte(`{"template":"week-view","imageType":"png"}`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestRunHappyPathWritesCacheAndHistory(t *testing.T) {
	fetcher := &stubFetcher{events: []renderer.CalendarEvent{{UID: "1"}}}
	rend := &stubRenderer{html: "<html/>", result: renderer.RasterResult{Bytes: []byte{0x89, 0x50, 0x4e, 0x47}, ContentType: "image/png"}}

	p, c, ledger := newTestPipeline(t, baseConfig(), fetcher, rend)

	result, err := p.Run(context.Background(), "a", Options{Trigger: history.TriggerFresh, SaveCache: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, result.Bytes)
	assert.Equal(t, 1, result.EventCount)
	assert.NotEmpty(t, result.CRC32)

	meta, found, err := c.ReadMeta("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, result.CRC32, meta.CRC32)

	entries, err := ledger.Load("a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a successful SaveCache write must append exactly one HistoryEntry (I6)")
	assert.Equal(t, result.CRC32, entries[0].CRC32)
	assert.Equal(t, history.TriggerFresh, entries[0].Trigger)
	require.NotNil(t, entries[0].ImageSize)
	assert.Equal(t, int64(len(result.Bytes)), *entries[0].ImageSize)
}

func TestRunWithoutSaveCacheDoesNotWrite(t *testing.T) {
	fetcher := &stubFetcher{}
	rend := &stubRenderer{html: "<html/>", result: renderer.RasterResult{Bytes: []byte("img"), ContentType: "image/png"}}

	p, c, ledger := newTestPipeline(t, baseConfig(), fetcher, rend)

	_, err := p.Run(context.Background(), "a", Options{Trigger: history.TriggerOnDemand, SaveCache: false})
	require.NoError(t, err)

	_, found, err := c.ReadMeta("a")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := ledger.Load("a", 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "an inline render with SaveCache=false must not append a HistoryEntry")
}

func TestRunMapsFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{eventsErr: assertErr{}}
	rend := &stubRenderer{}

	p, _, _ := newTestPipeline(t, baseConfig(), fetcher, rend)
	_, err := p.Run(context.Background(), "a", Options{Trigger: history.TriggerFresh})
	require.Error(t, err)
}

func TestRunMapsRasterFailure(t *testing.T) {
	fetcher := &stubFetcher{}
	rend := &stubRenderer{html: "<html/>", rasterErr: assertErr{}}

	p, _, _ := newTestPipeline(t, baseConfig(), fetcher, rend)
	_, err := p.Run(context.Background(), "a", Options{Trigger: history.TriggerFresh})
	require.Error(t, err)
}

func TestRunSameInputsYieldSameCRC32(t *testing.T) {
	fetcher := &stubFetcher{}
	rend := &stubRenderer{html: "<html/>", result: renderer.RasterResult{Bytes: []byte("stable"), ContentType: "image/png"}}

	p, _, _ := newTestPipeline(t, baseConfig(), fetcher, rend)

	r1, err := p.Run(context.Background(), "a", Options{Trigger: history.TriggerFresh, SaveCache: true})
	require.NoError(t, err)
	r2, err := p.Run(context.Background(), "a", Options{Trigger: history.TriggerFresh, SaveCache: true})
	require.NoError(t, err)

	assert.Equal(t, r1.CRC32, r2.CRC32)
}

type assertErr struct{}

func (assertErr) Error() string { return "stub error" }
