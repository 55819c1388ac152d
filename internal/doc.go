// Package cskenter implements a bridge between the Kenter metering API
// and Home Assistant via MQTT.
//
// # Architecture
//
// The service is structured into several key packages:
//   - auth: OAuth2 client-credentials token lifecycle
//   - api: metering API client and measurement normalization
//   - aggregate: accumulation strategies per publish mode
//   - mqtt: broker connection lifecycle and retained HA publishing
//   - scheduler: the poll/fetch/publish loop
//   - config: configuration loading and validation
//   - models: shared data structures
//
// Key behaviors
//
//   - Token freshness:
//     Access tokens are cached with a 5-minute expiry margin; a failed
//     refresh falls back to full re-authentication.
//
//   - Time alignment:
//     Raw 15-minute interval readings are mapped onto calendar-aligned
//     publish cycles: day totals, a day-to-date running total, or a
//     full quarter-hour breakdown, selected by configuration.
//
//   - Delivery:
//     All messages are retained; publishes retry up to three times
//     with a reconnect between attempts, and a message that still
//     fails is dropped for the cycle and re-derived on the next poll.
//
// For more information about specific packages, see their respective
// documentation.
package cskenter
