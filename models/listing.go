package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Source identifies the marketplace a listing was scraped from.
type Source string

const (
	SourceDaangn  Source = "daangn"
	SourceBunjang Source = "bunjang"
	SourceJoongna Source = "joongna"
)

// Valid reports whether s is one of the known marketplaces.
func (s Source) Valid() bool {
	switch s {
	case SourceDaangn, SourceBunjang, SourceJoongna:
		return true
	}
	return false
}

// Status is the sale state of a listing.
type Status string

const (
	StatusActive   Status = "active"
	StatusReserved Status = "reserved"
	StatusSold     Status = "sold"
	StatusHidden   Status = "hidden"
)

// ParseStatus maps free-form status text onto one of the four states.
// Anything unrecognised is treated as active.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusReserved, StatusSold, StatusHidden:
		return Status(s)
	}
	switch s {
	case "판매중":
		return StatusActive
	case "예약중":
		return StatusReserved
	case "판매완료", "거래완료":
		return StatusSold
	case "숨김":
		return StatusHidden
	}
	return StatusActive
}

// RawListing is the intake record handed over by a scraper adapter or an
// external producer. Nothing in it has been validated yet.
type RawListing struct {
	Source     Source   `json:"source" csv:"source"`
	ExternalID string   `json:"external_id" csv:"external_id"`
	CategoryID int      `json:"category_id" csv:"category_id"`
	Title      string   `json:"title" csv:"title"`
	RawPrice   RawPrice `json:"price" csv:"price"`
	URL        string   `json:"url" csv:"url"`
	Status     string   `json:"status" csv:"status"`

	// Free-text location as shown by the marketplace, e.g. "서울 강남구 역삼동".
	Location     string `json:"location,omitempty" csv:"location"`
	Province     string `json:"sd,omitempty" csv:"sd"`
	District     string `json:"sgg,omitempty" csv:"sgg"`
	Neighborhood string `json:"emd,omitempty" csv:"emd"`

	PostedAt        string `json:"posted_at,omitempty" csv:"posted_at"`
	PostedRelative  string `json:"posted_relative,omitempty" csv:"posted_relative"`
	PostedUpdatedAt string `json:"posted_updated_at,omitempty" csv:"posted_updated_at"`
	LastCrawledAt   string `json:"last_crawled_at,omitempty" csv:"last_crawled_at"`

	Attributes map[string]string `json:"attributes,omitempty" csv:"-"`

	// NeedsDetail marks summaries whose title/price must come from a detail page.
	NeedsDetail bool      `json:"-" csv:"-"`
	ScrapedAt   time.Time `json:"scraped_at" csv:"scraped_at"`
}

// RawPrice is the price exactly as published. JSON input may carry it as a
// string or as a number.
type RawPrice string

func (p *RawPrice) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = RawPrice(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = RawPrice(n.String())
	return nil
}

// RegionNames is a location split into administrative levels. Any level may
// be empty.
type RegionNames struct {
	Province     string `json:"sd,omitempty"`
	District     string `json:"sgg,omitempty"`
	Neighborhood string `json:"emd,omitempty"`
}

// Complete reports whether all three levels are known.
func (r RegionNames) Complete() bool {
	return r.Province != "" && r.District != "" && r.Neighborhood != ""
}

// Listing is a normalized marketplace item ready for filtering and storage.
type Listing struct {
	ID         int64
	Source     Source
	ExternalID string
	CategoryID int
	SKUID      *int64
	RegionID   *int64
	Region     RegionNames
	Title      string
	// Price is nil when the marketplace did not show a usable number.
	Price  *int
	URL    string
	Status Status

	PostedAt        *time.Time
	PostedUpdatedAt *time.Time
	LastCrawledAt   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Attributes map[string]string
}

// PriceValue returns the price or zero when absent.
func (l *Listing) PriceValue() int {
	if l.Price == nil {
		return 0
	}
	return *l.Price
}

// PricedListing is the projection the aggregator works on.
type PricedListing struct {
	SKUID     int64
	RegionID  int64
	Price     int
	CreatedAt time.Time
}

// ListingView is a live listing as returned to analytics callers.
type ListingView struct {
	Price        int    `json:"listing_price"`
	District     string `json:"sgg"`
	Neighborhood string `json:"emd"`
	Source       Source `json:"source"`
	URL          string `json:"source_url"`
}

// UpsertResult tells whether an upsert inserted a new row.
type UpsertResult struct {
	ID      int64
	Created bool
}
