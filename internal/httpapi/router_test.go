package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calview/calview/internal/api/middleware"
	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/dispatcher"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/pageconfig"
	"github.com/calview/calview/internal/pipeline"
)

type stubConfigs struct{ cfg *pageconfig.Config }

func (s *stubConfigs) Load(id string) (*pageconfig.Config, error) { return s.cfg, nil }

type stubCache struct {
	found bool
	art   cache.Artifact
}

func (c *stubCache) Read(id string) (cache.Artifact, bool, error) { return c.art, c.found, nil }
func (c *stubCache) ReadMeta(id string) (cache.Metadata, bool, error) {
	return c.art.Metadata, c.found, nil
}

type stubRunner struct{ result pipeline.Result }

func (r *stubRunner) Run(ctx context.Context, id string, opts pipeline.Options) (pipeline.Result, error) {
	return r.result, nil
}

type stubHistory struct{}

func (stubHistory) Load(id string, limit int) ([]history.Entry, error) {
	return []history.Entry{{CRC32: "abc"}}, nil
}
func (stubHistory) Stats(id string) (history.Stats, error) { return history.Stats{}, nil }
func (stubHistory) Exists(id string) (bool, error)          { return true, nil }

func testConfig(t *testing.T) *pageconfig.Config {
	t.Helper()
	cfg, err := pageconfig.Parse([]byte(`{"template":"week-view","imageType":"png","preGenerateInterval":"0 * * * *"}`))
	require.NoError(t, err)
	return cfg
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	d := dispatcher.New(
		&stubConfigs{cfg: testConfig(t)},
		&stubCache{found: true, art: cache.Artifact{Bytes: []byte("img-bytes"), Metadata: cache.Metadata{ContentType: "image/png", CRC32: "abc", GeneratedAt: time.Now()}}},
		&stubRunner{result: pipeline.Result{Bytes: []byte("img-bytes"), ContentType: "image/png", CRC32: "abc"}},
		stubHistory{},
		nil,
	)
	return New(d, nil, nil, nil, nil, nil)
}

func TestHandleHealth(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleReadyWithoutReadinessReportsReady(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleImageReturnsCacheHitWithHeaders(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/weekly.png", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "abc", rr.Header().Get("X-CRC32"))
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
	assert.Equal(t, []byte("img-bytes"), rr.Body.Bytes())
}

func TestHandleImageNonSchedulableReportsDisabledCacheStatus(t *testing.T) {
	cfg, err := pageconfig.Parse([]byte(`{"template":"week-view","imageType":"png"}`))
	require.NoError(t, err)

	d := dispatcher.New(
		&stubConfigs{cfg: cfg},
		&stubCache{found: true, art: cache.Artifact{Bytes: []byte("img-bytes"), Metadata: cache.Metadata{ContentType: "image/png", CRC32: "abc", GeneratedAt: time.Now()}}},
		&stubRunner{result: pipeline.Result{Bytes: []byte("inline"), ContentType: "image/png", CRC32: "inline-crc"}},
		stubHistory{},
		nil,
	)
	r := New(d, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/weekly.png", nil)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DISABLED", rr.Header().Get("X-Cache"))
	assert.Empty(t, rr.Header().Get("X-Generated-At"))
}

func TestHandleImageExtMismatchMapsToStatusCode(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/weekly.jpg", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleFreshBypassesCache(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/weekly/fresh.png", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"))
}

func TestHandleChecksumReturnsPlainText(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/weekly.png.crc32", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc", rr.Body.String())
}

func TestHandleImageLabelsHTTPMetricsByRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	hm := middleware.NewHTTPMetrics(reg)
	d := dispatcher.New(
		&stubConfigs{cfg: testConfig(t)},
		&stubCache{found: true, art: cache.Artifact{Bytes: []byte("img-bytes"), Metadata: cache.Metadata{ContentType: "image/png", CRC32: "abc", GeneratedAt: time.Now()}}},
		&stubRunner{result: pipeline.Result{Bytes: []byte("img-bytes"), ContentType: "image/png", CRC32: "abc"}},
		stubHistory{},
		nil,
	)
	r := New(d, nil, nil, nil, hm, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/weekly.png", nil)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() != "calview_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lbl := range m.GetLabel() {
				if lbl.GetName() == "endpoint" && lbl.GetValue() == "/api/{id}.{ext}" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "expected endpoint label normalized to the route template, not the raw path")
}

func TestHandleHistoryReturnsJSON(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/weekly/crc32-history", nil)
	rr := httptest.NewRecorder()

	r.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "weekly", body["id"])
}
