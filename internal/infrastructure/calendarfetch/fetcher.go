// Package calendarfetch is a minimal concrete implementation of
// internal/renderer.Fetcher: enough to make cmd/calview runnable end to
// end. Full iCalendar recurrence-rule expansion and auxiliary-data caching
// are out of this module's core scope (spec §1); this package gives the
// core something real to drive rather than a mock, trading recurrence
// fidelity for simplicity.
package calendarfetch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/calview/calview/internal/renderer"
)

// Client fetches calendar and auxiliary sources over plain net/http.
type Client struct {
	http *http.Client

	mu    sync.Mutex
	cache map[string]cachedExtra
}

type cachedExtra struct {
	value   any
	expires time.Time
}

// New constructs a Client with the given request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}, cache: make(map[string]cachedExtra)}
}

// Events fetches and minimally parses each ICS source, skipping recurrence
// expansion: every VEVENT's own DTSTART/DTEND is used as-is, windowed by
// the caller-provided range.
func (c *Client) Events(ctx context.Context, queries []renderer.EventsQuery) ([]renderer.CalendarEvent, error) {
	events := make([]renderer.CalendarEvent, 0)
	for _, q := range queries {
		raw, err := c.fetchText(ctx, q.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", q.URL, err)
		}
		parsed := parseICS(raw, q.SourceName)
		for _, ev := range parsed {
			if ev.End.Before(q.WindowFrom) || ev.Start.After(q.WindowTo) {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// Extra fetches each auxiliary JSON document, honoring per-source headers
// and a simple in-process TTL cache.
func (c *Client) Extra(ctx context.Context, queries []renderer.ExtraQuery) ([]any, error) {
	out := make([]any, 0, len(queries))
	for _, q := range queries {
		c.mu.Lock()
		entry, ok := c.cache[q.URL]
		c.mu.Unlock()
		if ok && time.Now().Before(entry.expires) {
			out = append(out, entry.value)
			continue
		}

		raw, err := c.fetchText(ctx, q.URL, q.Headers)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", q.URL, err)
		}

		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.URL, err)
		}

		ttl := q.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		c.mu.Lock()
		c.cache[q.URL] = cachedExtra{value: doc, expires: time.Now().Add(ttl)}
		c.mu.Unlock()

		out = append(out, doc)
	}
	return out, nil
}

func (c *Client) fetchText(ctx context.Context, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	var b strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	return b.String(), scanner.Err()
}

// parseICS extracts VEVENT blocks; unfolding, RRULE expansion, and
// timezone-aware parsing beyond UTC/local "basic" date-time forms are
// deliberately not implemented here.
func parseICS(raw, sourceName string) []renderer.CalendarEvent {
	var events []renderer.CalendarEvent
	var cur map[string]string
	inEvent := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "BEGIN:VEVENT":
			inEvent = true
			cur = map[string]string{}
		case line == "END:VEVENT":
			if inEvent {
				events = append(events, toEvent(cur, sourceName))
			}
			inEvent = false
		case inEvent:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			key = strings.SplitN(key, ";", 2)[0]
			cur[key] = value
		}
	}
	return events
}

func toEvent(fields map[string]string, sourceName string) renderer.CalendarEvent {
	start, startAllDay := parseICSTime(fields["DTSTART"])
	end, _ := parseICSTime(fields["DTEND"])
	if end.IsZero() {
		end = start
	}
	return renderer.CalendarEvent{
		UID:         fields["UID"],
		Summary:     fields["SUMMARY"],
		Start:       start,
		End:         end,
		AllDay:      startAllDay,
		Location:    fields["LOCATION"],
		Description: fields["DESCRIPTION"],
		SourceName:  sourceName,
	}
}

func parseICSTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if len(v) == 8 {
		t, err := time.ParseInLocation("20060102", v, time.UTC)
		return t, err == nil
	}
	t, err := time.Parse("20060102T150405Z", v)
	if err == nil {
		return t, false
	}
	t, err = time.ParseInLocation("20060102T150405", v, time.UTC)
	return t, false
}
