// Package pageconfig defines the per-calendar Config document (spec §3):
// its schema, defaults, and validation. This is distinct from
// internal/settings, which loads process-level environment configuration;
// a pageconfig.Config is untrusted, hot-reloaded JSON owned by
// internal/configstore.
package pageconfig

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/calview/calview/internal/apperr"
)

// ImageType is the output codec, which fixes the served file extension.
type ImageType string

const (
	ImagePNG ImageType = "png"
	ImageJPG ImageType = "jpg"
	ImageBMP ImageType = "bmp"
)

// Rotate is a fixed raster rotation in degrees.
type Rotate int

const (
	RotateNone Rotate = 0
	Rotate90   Rotate = 90
	Rotate180  Rotate = 180
	Rotate270  Rotate = 270
)

var localePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z]{2})?$`)

// ExtraSource is one element of an extraDataUrl array.
type ExtraSource struct {
	URL       string            `json:"url" validate:"required,url"`
	Headers   map[string]string `json:"headers,omitempty"`
	CacheTTL  *int              `json:"cacheTtl,omitempty" validate:"omitempty,min=0"`
}

// ICSSource is one element of an icsUrl array.
type ICSSource struct {
	URL        string `json:"url" validate:"required,url"`
	SourceName string `json:"sourceName,omitempty"`
}

// Config is the validated, defaulted representation of one `<id>.json` file.
//
// icsUrl and extraDataUrl are modeled as raw JSON on the wire (they accept
// either a bare string or an array of objects) and normalized into
// ICSSources()/ExtraSources() below; struct tags alone can't express a
// union type, so RawICSUrl/RawExtraDataUrl carry the as-parsed form and a
// dedicated validator checks it.
type Config struct {
	RawICSUrl       json.RawMessage `json:"icsUrl,omitempty"`
	Template        string          `json:"template" validate:"required"`
	Width           int             `json:"width" validate:"min=100,max=4096"`
	Height          int             `json:"height" validate:"min=100,max=4096"`
	Grayscale       bool            `json:"grayscale"`
	BitDepth        int             `json:"bitDepth" validate:"min=1,max=32"`
	Rotate          Rotate          `json:"rotate" validate:"oneof=0 90 180 270"`
	ImageType       ImageType       `json:"imageType" validate:"oneof=png jpg bmp"`
	ExpandFrom      int             `json:"expandRecurringFrom"`
	ExpandTo        int             `json:"expandRecurringTo"`
	Locale          string          `json:"locale" validate:"required"`
	Timezone        string          `json:"timezone,omitempty"`
	RawExtraDataUrl json.RawMessage `json:"extraDataUrl,omitempty"`
	ExtraHeaders    map[string]string `json:"extraDataHeaders,omitempty"`
	ExtraCacheTTL   int             `json:"extraDataCacheTtl" validate:"min=0"`
	PreGenerateInterval string      `json:"preGenerateInterval,omitempty"`
}

// Schedulable reports whether the config carries a cron expression.
func (c *Config) Schedulable() bool {
	return c.PreGenerateInterval != ""
}

// rawDoc is used to reject unknown top-level keys: spec §3 requires it.
type rawDoc map[string]json.RawMessage

var knownKeys = map[string]struct{}{
	"icsUrl": {}, "template": {}, "width": {}, "height": {}, "grayscale": {},
	"bitDepth": {}, "rotate": {}, "imageType": {}, "expandRecurringFrom": {},
	"expandRecurringTo": {}, "locale": {}, "timezone": {}, "extraDataUrl": {},
	"extraDataHeaders": {}, "extraDataCacheTtl": {}, "preGenerateInterval": {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v
}

// defaults mirrors the Default column of spec §3's Config table.
func defaults() Config {
	return Config{
		Width:         800,
		Height:        600,
		BitDepth:      8,
		Rotate:        RotateNone,
		ImageType:     ImagePNG,
		ExpandFrom:    -31,
		ExpandTo:      31,
		Locale:        "en-US",
		ExtraCacheTTL: 300,
	}
}

// Parse decodes raw JSON into a defaulted, validated Config. Unknown
// top-level keys are rejected with ConfigInvalid, matching spec §3.
func Parse(raw []byte) (*Config, error) {
	var doc rawDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Wrap(apperr.KindConfigInvalid, "malformed JSON", err)
	}
	for key := range doc {
		if _, ok := knownKeys[key]; !ok {
			return nil, apperr.New(apperr.KindConfigInvalid, "unknown config key").
				WithDetails(map[string]string{"key": key})
		}
	}

	cfg := defaults()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfigInvalid, "malformed JSON", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the union-type and cross-field
// checks struct tags can't express (icsUrl/extraDataUrl shape, locale regex).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperr.Wrap(apperr.KindConfigInvalid, "config failed validation", err)
	}

	if !localePattern.MatchString(c.Locale) {
		return apperr.New(apperr.KindConfigInvalid, "locale must match ^[a-z]{2,3}(-[A-Z]{2})?$").
			WithDetails(map[string]string{"locale": c.Locale})
	}

	if _, err := c.ICSSources(); err != nil {
		return err
	}
	if _, err := c.ExtraSources(); err != nil {
		return err
	}

	return nil
}

// ICSSources normalizes RawICSUrl into zero-or-more ICSSources. Absent
// means "no calendar"; a bare string means one unnamed source; an array
// means one-or-more named sources.
func (c *Config) ICSSources() ([]ICSSource, error) {
	if len(c.RawICSUrl) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(c.RawICSUrl, &asString); err == nil {
		if asString == "" {
			return nil, apperr.New(apperr.KindConfigInvalid, "icsUrl must not be empty")
		}
		return []ICSSource{{URL: asString}}, nil
	}

	var asArray []ICSSource
	if err := json.Unmarshal(c.RawICSUrl, &asArray); err == nil {
		if len(asArray) == 0 {
			return nil, apperr.New(apperr.KindConfigInvalid, "icsUrl array must be non-empty")
		}
		for i, s := range asArray {
			if err := validate.Struct(s); err != nil {
				return nil, apperr.Wrap(apperr.KindConfigInvalid, fmt.Sprintf("icsUrl[%d] invalid", i), err)
			}
		}
		return asArray, nil
	}

	return nil, apperr.New(apperr.KindConfigInvalid, "icsUrl must be a string or an array of {url, sourceName?}")
}

// ExtraSources normalizes RawExtraDataUrl the same way ICSSources does,
// filling in the config-level default headers/TTL for elements that omit them.
func (c *Config) ExtraSources() ([]ExtraSource, error) {
	if len(c.RawExtraDataUrl) == 0 {
		return nil, nil
	}

	fillDefaults := func(s ExtraSource) ExtraSource {
		if s.Headers == nil && len(c.ExtraHeaders) > 0 {
			s.Headers = c.ExtraHeaders
		}
		if s.CacheTTL == nil {
			ttl := c.ExtraCacheTTL
			s.CacheTTL = &ttl
		}
		return s
	}

	var asString string
	if err := json.Unmarshal(c.RawExtraDataUrl, &asString); err == nil {
		if asString == "" {
			return nil, apperr.New(apperr.KindConfigInvalid, "extraDataUrl must not be empty")
		}
		return []ExtraSource{fillDefaults(ExtraSource{URL: asString})}, nil
	}

	var asArray []ExtraSource
	if err := json.Unmarshal(c.RawExtraDataUrl, &asArray); err == nil {
		out := make([]ExtraSource, 0, len(asArray))
		for i, s := range asArray {
			if err := validate.Struct(s); err != nil {
				return nil, apperr.Wrap(apperr.KindConfigInvalid, fmt.Sprintf("extraDataUrl[%d] invalid", i), err)
			}
			out = append(out, fillDefaults(s))
		}
		return out, nil
	}

	return nil, apperr.New(apperr.KindConfigInvalid, "extraDataUrl must be a string or an array of {url, headers?, cacheTtl?}")
}
