package models

import (
	"math"
	"time"
)

// Channel ids assigned by the metering provider. Only these two carry
// data we publish; every other channel in a day response is ignored.
const (
	ChannelConsumption = 16180
	ChannelFeedIn      = 16280
)

// StatusValid is the only measurement status that contributes to a
// Reading. Anything else ("Invalid", "Estimated", ...) is dropped.
const StatusValid = "Valid"

// Measurement is a single interval reading as returned by the
// measurements endpoint: a value attributed to a fixed time slice,
// tagged with a validity status and the Unix timestamp of slice start.
type Measurement struct {
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Channel groups the interval measurements of one register for a day.
type Channel struct {
	ChannelID    int           `json:"channelId"`
	Measurements []Measurement `json:"Measurements"`
}

// LegacyMeasurement is the flat day-total shape returned by the v1
// measurements endpoint, keyed by type instead of channel id.
type LegacyMeasurement struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// Reading is a normalized (consumption, feed-in) pair in kWh for one
// wall-clock instant. Values are non-negative, rounded to 3 decimals;
// a channel with no data contributes 0.0.
type Reading struct {
	Consumption float64
	FeedIn      float64
	Timestamp   time.Time
}

// DayReport is a full day of quarter-hour readings keyed by local
// "HH:MM" slot, plus the daily sums derived from them. Slots with no
// valid measurement are absent from the map rather than zero-filled.
type DayReport struct {
	Date             time.Time
	Slots            map[string]Reading
	ConsumptionTotal float64
	FeedInTotal      float64
}

// TokenResponse is the token endpoint's JSON body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// Round3 rounds a kWh value to 3 decimal places, the precision at
// which every numeric output of this service is published.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
