package models

import "time"

// AnalyticsRequest is the query accepted by the analytics boundary.
type AnalyticsRequest struct {
	Product string            `json:"product" binding:"required"`
	Spec    map[string]string `json:"spec"`
	Region  RegionFilter      `json:"region"`
}

// RegionFilter is a sparse administrative filter.
type RegionFilter struct {
	Province     string `json:"sd,omitempty"`
	District     string `json:"sgg,omitempty"`
	Neighborhood string `json:"emd,omitempty"`
}

// AnalyticsResponse is always one of two shapes: success with data, or
// error with a user-facing message.
type AnalyticsResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    *AnalyticsData `json:"data,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AnalyticsData bundles every block of a successful response.
type AnalyticsData struct {
	Summary  Summary          `json:"summary_info"`
	Regional RegionalAnalysis `json:"regional_analysis"`
	Trend    PriceTrend       `json:"price_trend"`
	Lowest   []ListingView    `json:"lowest_price_listings"`
}

// Summary is the headline price block.
type Summary struct {
	ModelName    string    `json:"model_name"`
	AveragePrice int64     `json:"average_price"`
	MaxPrice     int       `json:"highest_listing_price"`
	MinPrice     int       `json:"lowest_listing_price"`
	ListingCount int       `json:"listing_count"`
	DataDate     time.Time `json:"data_date"`
}

// RegionalAnalysis wraps the per-neighborhood breakdown.
type RegionalAnalysis struct {
	Districts []DistrictPrice `json:"detail_by_district"`
}

// DistrictPrice is one row of the regional breakdown.
type DistrictPrice struct {
	District     string `json:"sgg"`
	Neighborhood string `json:"emd"`
	AveragePrice int64  `json:"average_price"`
	ListingCount int    `json:"listing_count"`
}

// PriceTrend is the weekly price series.
type PriceTrend struct {
	Periods    int          `json:"trend_period"`
	ChangeRate float64      `json:"change_rate"`
	Series     []TrendPoint `json:"chart_data"`
}

// TrendPoint is one week of the trend.
type TrendPoint struct {
	Period time.Time `json:"period"`
	Price  int64     `json:"price"`
}
