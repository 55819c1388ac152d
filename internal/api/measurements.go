// Package api implements the client for the Kenter metering API. It
// turns the provider's day-scoped channel/measurement payloads into
// normalized readings for the publish pipeline.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stanbrug/cs-kenter/internal/auth"
	"github.com/stanbrug/cs-kenter/internal/metrics"
	"github.com/stanbrug/cs-kenter/internal/models"
)

var (
	// ErrNoToken means no usable bearer token could be obtained; the
	// fetch fails fast without an HTTP call.
	ErrNoToken = errors.New("no usable access token")
	// ErrRequestFailed wraps transport-level failures against the API.
	ErrRequestFailed = errors.New("error requesting measurements")
	// ErrStatus marks a non-2xx response from the API.
	ErrStatus = errors.New("unexpected status from metering API")
)

// MeasurementFetcher fetches and normalizes day-scoped interval
// measurements for one metering point.
type MeasurementFetcher struct {
	baseURL       string
	connectionID  string
	meteringPoint string
	tokens        auth.TokenSource
	client        *http.Client
	limiter       *rate.Limiter
	logger        *logrus.Logger
	loc           *time.Location
}

func NewFetcher(baseURL, connectionID, meteringPoint string, tokens auth.TokenSource, logger *logrus.Logger) *MeasurementFetcher {
	return &MeasurementFetcher{
		baseURL:       baseURL,
		connectionID:  connectionID,
		meteringPoint: meteringPoint,
		tokens:        tokens,
		client:        &http.Client{},
		// One request per second is plenty for a poll loop that fires
		// at most once a minute.
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		logger:  logger,
		loc:     time.Local,
	}
}

// FetchInstant returns the reading whose interval timestamp equals the
// target instant. A channel with no matching valid measurement
// contributes 0.0 for that cycle.
func (f *MeasurementFetcher) FetchInstant(ctx context.Context, target time.Time) (models.Reading, error) {
	channels, err := f.fetchDay(ctx, target.In(f.loc))
	if err != nil {
		return models.Reading{}, err
	}

	reading := models.Reading{Timestamp: target}
	want := target.Unix()
	for _, ch := range channels {
		for _, m := range ch.Measurements {
			if m.Status != models.StatusValid || m.Timestamp != want {
				continue
			}
			switch ch.ChannelID {
			case models.ChannelConsumption:
				reading.Consumption = models.Round3(m.Value)
			case models.ChannelFeedIn:
				reading.FeedIn = models.Round3(m.Value)
			}
		}
	}
	return reading, nil
}

// FetchDayTotal sums all valid measurements per channel for the day
// containing date.
func (f *MeasurementFetcher) FetchDayTotal(ctx context.Context, date time.Time) (models.Reading, error) {
	channels, err := f.fetchDay(ctx, date.In(f.loc))
	if err != nil {
		return models.Reading{}, err
	}

	reading := models.Reading{Timestamp: date}
	for _, ch := range channels {
		var sum float64
		for _, m := range ch.Measurements {
			if m.Status != models.StatusValid {
				continue
			}
			sum += m.Value
		}
		switch ch.ChannelID {
		case models.ChannelConsumption:
			reading.Consumption = models.Round3(sum)
		case models.ChannelFeedIn:
			reading.FeedIn = models.Round3(sum)
		}
	}
	return reading, nil
}

// FetchDayBreakdown buckets every valid measurement of the day into
// its local "HH:MM" quarter-hour slot. Slots without data are omitted
// so downstream publishing can skip them.
func (f *MeasurementFetcher) FetchDayBreakdown(ctx context.Context, date time.Time) (models.DayReport, error) {
	channels, err := f.fetchDay(ctx, date.In(f.loc))
	if err != nil {
		return models.DayReport{}, err
	}

	report := models.DayReport{
		Date:  date,
		Slots: make(map[string]models.Reading),
	}
	for _, ch := range channels {
		if ch.ChannelID != models.ChannelConsumption && ch.ChannelID != models.ChannelFeedIn {
			continue
		}
		for _, m := range ch.Measurements {
			if m.Status != models.StatusValid {
				continue
			}
			at := time.Unix(m.Timestamp, 0).In(f.loc)
			slot := at.Format("15:04")
			r := report.Slots[slot]
			r.Timestamp = at
			switch ch.ChannelID {
			case models.ChannelConsumption:
				r.Consumption += m.Value
				report.ConsumptionTotal += m.Value
			case models.ChannelFeedIn:
				r.FeedIn += m.Value
				report.FeedInTotal += m.Value
			}
			report.Slots[slot] = r
		}
	}

	// Round once at the end so repeated same-slot measurements sum at
	// full precision first.
	for slot, r := range report.Slots {
		r.Consumption = models.Round3(r.Consumption)
		r.FeedIn = models.Round3(r.FeedIn)
		report.Slots[slot] = r
	}
	report.ConsumptionTotal = models.Round3(report.ConsumptionTotal)
	report.FeedInTotal = models.Round3(report.FeedInTotal)
	return report, nil
}

// fetchDay issues the authenticated GET for one calendar day and
// decodes the channel set.
func (f *MeasurementFetcher) fetchDay(ctx context.Context, date time.Time) ([]models.Channel, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	url := fmt.Sprintf("%s/meetdata/v2/measurements/connections/%s/metering-points/%s/days/%04d/%02d/%02d",
		f.baseURL, f.connectionID, f.meteringPoint,
		date.Year(), int(date.Month()), date.Day())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.Fetches.WithLabelValues(metrics.ResultError).Inc()
		f.logger.WithError(err).Error("error fetching measurements")
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Fetches.WithLabelValues(metrics.ResultError).Inc()
		f.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"date":   date.Format("2006-01-02"),
		}).Error("metering API returned error status")
		return nil, fmt.Errorf("%w: got %d", ErrStatus, resp.StatusCode)
	}

	channels, err := decodeDayResponse(resp.Body, date)
	if err != nil {
		metrics.Fetches.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}

	metrics.Fetches.WithLabelValues(metrics.ResultOK).Inc()
	return channels, nil
}

// decodeDayResponse handles both response shapes the provider has
// served over time: the current per-channel array and the older flat
// measurements object. The flat shape carries day totals keyed by
// type, so it maps onto pseudo-channels with a single valid
// measurement stamped at local midnight of the requested day.
func decodeDayResponse(body io.Reader, date time.Time) ([]models.Channel, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrRequestFailed, err)
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var channels []models.Channel
		if err := json.Unmarshal(raw, &channels); err != nil {
			return nil, fmt.Errorf("%w: decoding channels: %v", ErrRequestFailed, err)
		}
		return channels, nil
	}

	var legacy struct {
		Measurements []models.LegacyMeasurement `json:"measurements"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("%w: decoding measurements: %v", ErrRequestFailed, err)
	}

	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	var channels []models.Channel
	for _, m := range legacy.Measurements {
		var id int
		switch m.Type {
		case "consumption":
			id = models.ChannelConsumption
		case "feedin":
			id = models.ChannelFeedIn
		default:
			continue
		}
		channels = append(channels, models.Channel{
			ChannelID: id,
			Measurements: []models.Measurement{{
				Status:    models.StatusValid,
				Timestamp: midnight.Unix(),
				Value:     m.Value,
			}},
		})
	}
	return channels, nil
}
