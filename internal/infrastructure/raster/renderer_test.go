package raster

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calview/calview/internal/renderer"
)

func TestRenderTemplateIncludesEventsAndTitle(t *testing.T) {
	r := New()
	html, err := r.RenderTemplate(context.Background(), renderer.TemplateInput{
		Template: "week-view",
		Events:   []renderer.CalendarEvent{{Summary: "Standup", Start: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}},
		Locale:   "en-US",
		Timezone: "UTC",
	})
	require.NoError(t, err)
	assert.Contains(t, html, "week-view")
	assert.Contains(t, html, "Standup")
}

func TestRasterizePNGDefault(t *testing.T) {
	r := New()
	result, err := r.Rasterize(context.Background(), "<html></html>", renderer.RasterOptions{Width: 200, Height: 100, ImageType: "png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", result.ContentType)

	img, err := png.Decode(bytes.NewReader(result.Bytes))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestRasterizeSwapsDimensionsOnRotate90(t *testing.T) {
	r := New()
	result, err := r.Rasterize(context.Background(), "<html></html>", renderer.RasterOptions{Width: 200, Height: 100, ImageType: "png", Rotate: 90})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(result.Bytes))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestRasterizeJPEG(t *testing.T) {
	r := New()
	result, err := r.Rasterize(context.Background(), "<html></html>", renderer.RasterOptions{Width: 50, Height: 50, ImageType: "jpg"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", result.ContentType)
	assert.NotEmpty(t, result.Bytes)
}

func TestRasterizeBMP(t *testing.T) {
	r := New()
	result, err := r.Rasterize(context.Background(), "<html></html>", renderer.RasterOptions{Width: 16, Height: 8, ImageType: "bmp"})
	require.NoError(t, err)
	assert.Equal(t, "image/bmp", result.ContentType)
	assert.Equal(t, "BM", string(result.Bytes[:2]))
}

func TestRasterizeGrayscaleStillEncodes(t *testing.T) {
	r := New()
	result, err := r.Rasterize(context.Background(), "<html></html>", renderer.RasterOptions{Width: 32, Height: 32, ImageType: "png", Grayscale: true})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(result.Bytes))
	require.NoError(t, err)
	_, isGray := img.(*image.Gray)
	assert.True(t, isGray)
}
