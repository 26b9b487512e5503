// Package raster is a minimal concrete implementation of
// internal/renderer.Renderer: a text-only HTML template plus a stdlib-only
// rasterizer. Real headless-browser rendering is out of this module's core
// scope (spec §1); this package exists so cmd/calview has something real
// to drive end to end, not a mock.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/calview/calview/internal/renderer"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="{{.Locale}}">
<head><meta charset="utf-8"><title>{{.Template}}</title></head>
<body>
<h1>{{.Template}}</h1>
<p>Generated {{.Now}} ({{.Timezone}})</p>
<ul>
{{range .Events}}<li>{{.Start}} — {{.Summary}}{{if .Location}} @ {{.Location}}{{end}}</li>
{{end}}
</ul>
</body>
</html>`))

// Renderer implements internal/renderer.Renderer.
type Renderer struct{}

// New constructs a Renderer.
func New() *Renderer { return &Renderer{} }

// RenderTemplate fills the fixed page template with the supplied events,
// template name, time, locale and timezone; ExtraData is not rendered.
// Unknown template names are accepted as-is: there is no per-template
// lookup in this minimal implementation.
func (r *Renderer) RenderTemplate(ctx context.Context, input renderer.TemplateInput) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, input); err != nil {
		return "", fmt.Errorf("execute template %q: %w", input.Template, err)
	}
	return buf.String(), nil
}

// Rasterize renders a placeholder raster image, a white canvas with a
// one-pixel black border, since this module does not embed a headless
// browser; the html argument is not drawn. Width/height/grayscale/
// imageType are honored, rotate only swaps width and height; bitDepth is
// accepted but not applied (stdlib image codecs are always 8-bit-per-
// channel).
func (r *Renderer) Rasterize(ctx context.Context, html string, opts renderer.RasterOptions) (renderer.RasterResult, error) {
	w, h := opts.Width, opts.Height
	if opts.Rotate == 90 || opts.Rotate == 270 {
		w, h = h, w
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	drawBorder(img, color.Black)

	var base image.Image = img
	if opts.Grayscale {
		base = toGray(img)
	}

	switch opts.ImageType {
	case "jpg":
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, base, &jpeg.Options{Quality: 90}); err != nil {
			return renderer.RasterResult{}, err
		}
		return renderer.RasterResult{Bytes: buf.Bytes(), ContentType: "image/jpeg"}, nil
	case "bmp":
		buf, err := encodeBMP(base)
		if err != nil {
			return renderer.RasterResult{}, err
		}
		return renderer.RasterResult{Bytes: buf, ContentType: "image/bmp"}, nil
	default:
		var buf bytes.Buffer
		if err := png.Encode(&buf, base); err != nil {
			return renderer.RasterResult{}, err
		}
		return renderer.RasterResult{Bytes: buf.Bytes(), ContentType: "image/png"}, nil
	}
}

func drawBorder(img *image.RGBA, c color.Color) {
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		img.Set(x, b.Min.Y, c)
		img.Set(x, b.Max.Y-1, c)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		img.Set(b.Min.X, y, c)
		img.Set(b.Max.X-1, y, c)
	}
}

func toGray(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewGray(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}
