// Package renderer defines the capability interfaces Pipeline depends on
// but does not implement: iCalendar/auxiliary-data fetching and HTML
// templating/rasterization are out of scope (spec §1). Concrete
// implementations are satisfied by infrastructure packages outside this
// module's concern, composed in at `cmd/calview` startup.
package renderer

import (
	"context"
	"time"
)

// CalendarEvent is one expanded occurrence of a calendar entry, already
// windowed to the config's expandRecurringFrom/To range.
type CalendarEvent struct {
	UID         string
	Summary     string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Location    string
	Description string
	SourceName  string
}

// EventsQuery carries everything Fetcher.Events needs to resolve one
// icsUrl source (or the empty set, when the config names none).
type EventsQuery struct {
	URL        string
	SourceName string
	WindowFrom time.Time
	WindowTo   time.Time
	Timezone   string
}

// ExtraQuery carries everything Fetcher.Extra needs to resolve one
// extraDataUrl source.
type ExtraQuery struct {
	URL      string
	Headers  map[string]string
	CacheTTL time.Duration
}

// Fetcher resolves a config's external data sources. Implementations own
// their own HTTP client, retry policy, and any extra-data TTL caching.
type Fetcher interface {
	// Events fetches and recurrence-expands zero or more calendar sources.
	// An empty queries slice must return an empty, non-nil slice.
	Events(ctx context.Context, queries []EventsQuery) ([]CalendarEvent, error)

	// Extra fetches zero or more auxiliary JSON documents, in the same
	// order as queries. An empty queries slice must return an empty,
	// non-nil slice.
	Extra(ctx context.Context, queries []ExtraQuery) ([]any, error)
}

// TemplateInput is everything a template needs to produce HTML.
type TemplateInput struct {
	Template  string
	Events    []CalendarEvent
	ExtraData []any
	Now       time.Time
	Locale    string
	Timezone  string
}

// RasterOptions controls the HTML-to-image conversion.
type RasterOptions struct {
	Width     int
	Height    int
	ImageType string
	Grayscale bool
	BitDepth  int
	Rotate    int
}

// RasterResult is a finished, encoded image.
type RasterResult struct {
	Bytes       []byte
	ContentType string
}

// Renderer turns a template input into HTML and then into raster bytes.
// Implementations typically wrap a headless browser; this module only
// depends on the contract.
type Renderer interface {
	RenderTemplate(ctx context.Context, input TemplateInput) (string, error)
	Rasterize(ctx context.Context, html string, opts RasterOptions) (RasterResult, error)
}
