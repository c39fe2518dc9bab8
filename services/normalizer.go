package services

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"market-pipeline/models"
)

var (
	// manwonRegexp captures prices written in units of 10,000 won, e.g. "65만"
	manwonRegexp   = regexp.MustCompile(`^(\d+(?:\.\d+)?)만$`)
	nonDigitRegexp = regexp.MustCompile(`\D`)

	relativeKoRegexp = regexp.MustCompile(`(\d+)\s*(초|분|시간|일|주|개월|달)\s*전`)
	relativeEnRegexp = regexp.MustCompile(`(?i)(\d+)\s*(second|sec|minute|min|hour|day|week|month)s?\s+ago`)

	articleIDRegexp = regexp.MustCompile(`/articles/(\d+)`)
	productIDRegexp = regexp.MustCompile(`/products?/(\d+)`)
	buySellIDRegexp = regexp.MustCompile(`(?i)/buy-sell/[^/?#]*-([a-z0-9]{6,})`)
	numericRegexp   = regexp.MustCompile(`^\d+$`)
)

// noPriceMarkers are price texts meaning "no number given". They parse as
// absent, never as zero.
var noPriceMarkers = []string{"나눔", "무료", "문의", "협의", "free", "negotiable", "inquire", "contact"}

// ErrUnidentifiable is returned for raw records that carry no usable identity.
var ErrUnidentifiable = errors.New("listing has no identity")

// Normalizer turns intake records into typed listings.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer with the given logger.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize validates raw and converts it into a Listing. Field-level parse
// failures leave the field absent; only a missing source, URL or category is
// an error.
func (n *Normalizer) Normalize(raw models.RawListing, now time.Time) (models.Listing, error) {
	url := strings.TrimSpace(raw.URL)
	if !raw.Source.Valid() {
		return models.Listing{}, fmt.Errorf("%w: unknown source %q", ErrUnidentifiable, raw.Source)
	}
	if url == "" {
		return models.Listing{}, fmt.Errorf("%w: empty url", ErrUnidentifiable)
	}
	if raw.CategoryID <= 0 {
		return models.Listing{}, fmt.Errorf("%w: missing category", ErrUnidentifiable)
	}

	externalID := strings.TrimSpace(raw.ExternalID)
	if externalID == "" {
		externalID = ExtractExternalID(url)
		if externalID == url {
			n.logger.Debug("external id fell back to url", zap.String("url", url))
		}
	}

	hints := models.RegionNames{
		Province:     normaliseText(raw.Province),
		District:     normaliseText(raw.District),
		Neighborhood: normaliseText(raw.Neighborhood),
	}

	l := models.Listing{
		Source:     raw.Source,
		ExternalID: externalID,
		CategoryID: raw.CategoryID,
		Title:      normaliseText(raw.Title),
		Price:      ParsePrice(string(raw.RawPrice)),
		URL:        url,
		Status:     models.ParseStatus(strings.TrimSpace(raw.Status)),
		Region:     ParseRegion(raw.Location, hints),
	}

	if t := parseTimestamp(raw.PostedAt); t != nil {
		l.PostedAt = t
	} else if t := ParseRelativeTime(raw.PostedRelative, now); t != nil {
		l.PostedAt = t
	}
	l.PostedUpdatedAt = parseTimestamp(raw.PostedUpdatedAt)
	if t := parseTimestamp(raw.LastCrawledAt); t != nil {
		l.LastCrawledAt = *t
	} else {
		l.LastCrawledAt = now.UTC()
	}

	if len(raw.Attributes) > 0 {
		l.Attributes = make(map[string]string, len(raw.Attributes))
		for k, v := range raw.Attributes {
			k = strings.ToLower(strings.TrimSpace(k))
			v = normaliseText(v)
			if k != "" && v != "" {
				l.Attributes[k] = v
			}
		}
	}
	return l, nil
}

// ParsePrice extracts an integer won amount.
// Examples:
//
//	"650,000원" → 650000
//	"65만원"    → 650000
//	"가격문의"   → nil
func ParsePrice(raw string) *int {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return nil
	}
	for _, marker := range noPriceMarkers {
		if strings.Contains(s, marker) {
			return nil
		}
	}

	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "원", "")
	s = strings.Join(strings.Fields(s), "")

	if m := manwonRegexp.FindStringSubmatch(s); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil
		}
		v := int(f * 10000)
		return &v
	}

	digits := nonDigitRegexp.ReplaceAllString(s, "")
	if digits == "" || len(digits) > 12 {
		return nil
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &v
}

// ParseRegion splits whitespace-delimited location text by position:
// one token is a neighborhood, two are district and neighborhood, three or
// more are province, district and (last token) neighborhood. Non-empty hints
// replace the province and district positions, and fill the neighborhood
// only when the text has none.
func ParseRegion(text string, hints models.RegionNames) models.RegionNames {
	var r models.RegionNames
	tokens := strings.Fields(text)
	switch {
	case len(tokens) == 1:
		r.Neighborhood = tokens[0]
	case len(tokens) == 2:
		r.District, r.Neighborhood = tokens[0], tokens[1]
	case len(tokens) >= 3:
		r.Province, r.District, r.Neighborhood = tokens[0], tokens[1], tokens[len(tokens)-1]
	}

	if hints.Province != "" {
		r.Province = hints.Province
	}
	if hints.District != "" {
		r.District = hints.District
	}
	if r.Neighborhood == "" {
		r.Neighborhood = hints.Neighborhood
	}
	return r
}

// ParseRelativeTime converts "<N> <unit> 전" or "<N> <unit>s ago" into an
// absolute UTC instant by subtracting from now. A month counts as 30 days.
func ParseRelativeTime(text string, now time.Time) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.Contains(text, "방금") || strings.EqualFold(text, "just now") {
		t := now.UTC()
		return &t
	}

	var num, unit string
	if m := relativeKoRegexp.FindStringSubmatch(text); m != nil {
		num, unit = m[1], m[2]
	} else if m := relativeEnRegexp.FindStringSubmatch(text); m != nil {
		num, unit = m[1], strings.ToLower(m[2])
	} else {
		return nil
	}

	n, err := strconv.Atoi(num)
	if err != nil {
		return nil
	}
	var d time.Duration
	switch unit {
	case "초", "second", "sec":
		d = time.Second
	case "분", "minute", "min":
		d = time.Minute
	case "시간", "hour":
		d = time.Hour
	case "일", "day":
		d = 24 * time.Hour
	case "주", "week":
		d = 7 * 24 * time.Hour
	case "개월", "달", "month":
		d = 30 * 24 * time.Hour
	default:
		return nil
	}
	t := now.Add(-time.Duration(n) * d).UTC()
	return &t
}

// ExtractExternalID pulls the marketplace's listing id out of a URL. When no
// pattern matches, the whole URL is the id.
func ExtractExternalID(url string) string {
	url = strings.TrimSpace(url)
	for _, re := range []*regexp.Regexp{articleIDRegexp, productIDRegexp, buySellIDRegexp} {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if numericRegexp.MatchString(segments[i]) {
			return segments[i]
		}
	}
	return url
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp reads ISO-8601 text or Unix seconds. Zone-less values are
// taken as UTC.
func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.Join(fields, " ")
}

// NormalizeBatch normalizes raws, dropping records without identity and
// keeping the last record for each (source, external id).
func (n *Normalizer) NormalizeBatch(raws []models.RawListing, now time.Time) []models.Listing {
	index := make(map[string]int, len(raws))
	out := make([]models.Listing, 0, len(raws))

	for _, r := range raws {
		l, err := n.Normalize(r, now)
		if err != nil {
			n.logger.Warn("dropping raw listing", zap.String("title", r.Title), zap.Error(err))
			continue
		}
		key := string(l.Source) + "\x00" + l.ExternalID
		if i, dup := index[key]; dup {
			n.logger.Debug("duplicate listing in batch", zap.String("external_id", l.ExternalID))
			out[i] = l
			continue
		}
		index[key] = len(out)
		out = append(out, l)
	}

	n.logger.Info("normalization complete", zap.Int("input", len(raws)), zap.Int("output", len(out)))
	return out
}
