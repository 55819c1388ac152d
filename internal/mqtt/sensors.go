package mqtt

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stanbrug/cs-kenter/internal/config"
	"github.com/stanbrug/cs-kenter/internal/models"
)

// Sensor metric names; they appear in topics and unique ids.
const (
	MetricConsumption = "consumption"
	MetricFeedIn      = "feedin"
)

// MessagePublisher is the delivery seam the sensor layer publishes
// through. *Publisher satisfies it.
type MessagePublisher interface {
	Publish(topic string, payload []byte, retain bool) bool
}

// SensorPublisher formats discovery configs and state messages for the
// consumption and feed-in sensors. Discovery is (re)published before
// every state update so a broker that lost its retained messages heals
// on the next cycle.
type SensorPublisher struct {
	pub             MessagePublisher
	mode            string
	namespace       string
	discoveryPrefix string
	deviceID        string
	device          DeviceInfo
	logger          *logrus.Logger
}

func NewSensorPublisher(pub MessagePublisher, meteringPoint, namespace, discoveryPrefix, mode string, logger *logrus.Logger) *SensorPublisher {
	deviceID := "kenter_" + sanitizeID(meteringPoint)
	return &SensorPublisher{
		pub:             pub,
		mode:            mode,
		namespace:       namespace,
		discoveryPrefix: discoveryPrefix,
		deviceID:        deviceID,
		device: DeviceInfo{
			Identifiers:  []string{deviceID},
			Name:         "Kenter Metering Point " + meteringPoint,
			Manufacturer: "Kenter",
			Model:        "cs-kenter bridge",
		},
		logger: logger,
	}
}

// PublishInstant publishes the reading's values as plain numeric
// strings, used by the interval (running total) mode.
func (s *SensorPublisher) PublishInstant(r models.Reading) bool {
	ok := s.publishDiscovery()
	ok = s.publishState(MetricConsumption, []byte(formatKWH(r.Consumption))) && ok
	ok = s.publishState(MetricFeedIn, []byte(formatKWH(r.FeedIn))) && ok
	return ok
}

// PublishDaily publishes day totals as {"<metric>": v, "date": d} JSON
// so the discovery value_template can pick the metric out. The fetch
// date also goes out on each sensor's attributes topic.
func (s *SensorPublisher) PublishDaily(r models.Reading, date time.Time) bool {
	dateStr := date.Format("2006-01-02")

	ok := s.publishDiscovery()
	for _, m := range []struct {
		metric string
		value  float64
	}{
		{MetricConsumption, r.Consumption},
		{MetricFeedIn, r.FeedIn},
	} {
		payload, err := json.Marshal(map[string]interface{}{
			m.metric: m.value,
			"date":   dateStr,
		})
		if err != nil {
			s.logger.WithError(err).Error("marshal state payload")
			ok = false
			continue
		}
		ok = s.publishState(m.metric, payload) && ok

		attrs, err := json.Marshal(map[string]interface{}{"date": dateStr})
		if err != nil {
			s.logger.WithError(err).Error("marshal attributes payload")
			ok = false
			continue
		}
		ok = s.pub.Publish(s.attributesTopic(m.metric), attrs, true) && ok
	}
	return ok
}

// PublishBreakdown publishes the daily sums as sensor states and the
// per-slot quarter-hour values on the attributes topics. Absent slots
// stay absent from the attributes payload.
func (s *SensorPublisher) PublishBreakdown(rep models.DayReport) bool {
	ok := s.publishDiscovery()
	ok = s.publishState(MetricConsumption, []byte(formatKWH(rep.ConsumptionTotal))) && ok
	ok = s.publishState(MetricFeedIn, []byte(formatKWH(rep.FeedInTotal))) && ok

	dateStr := rep.Date.Format("2006-01-02")
	for _, m := range []string{MetricConsumption, MetricFeedIn} {
		slots := make(map[string]float64, len(rep.Slots))
		for slot, r := range rep.Slots {
			if m == MetricConsumption {
				slots[slot] = r.Consumption
			} else {
				slots[slot] = r.FeedIn
			}
		}
		payload, err := json.Marshal(map[string]interface{}{
			"date":  dateStr,
			"slots": slots,
		})
		if err != nil {
			s.logger.WithError(err).Error("marshal attributes payload")
			ok = false
			continue
		}
		ok = s.pub.Publish(s.attributesTopic(m), payload, true) && ok
	}
	return ok
}

func (s *SensorPublisher) publishDiscovery() bool {
	ok := true
	for _, cfg := range s.sensorConfigs() {
		payload, err := json.Marshal(cfg.config)
		if err != nil {
			s.logger.WithError(err).Error("marshal discovery payload")
			ok = false
			continue
		}
		ok = s.pub.Publish(s.discoveryTopic(cfg.metric), payload, true) && ok
	}
	return ok
}

func (s *SensorPublisher) publishState(metric string, payload []byte) bool {
	return s.pub.Publish(s.stateTopic(metric), payload, true)
}

type sensorDef struct {
	metric string
	config SensorConfig
}

func (s *SensorPublisher) sensorConfigs() []sensorDef {
	defs := []sensorDef{
		{metric: MetricConsumption, config: SensorConfig{Name: "Kenter Energy Consumption"}},
		{metric: MetricFeedIn, config: SensorConfig{Name: "Kenter Energy Feed-in"}},
	}
	for i := range defs {
		c := &defs[i].config
		metric := defs[i].metric
		c.UniqueID = s.deviceID + "_" + metric
		c.StateTopic = s.stateTopic(metric)
		c.DeviceClass = "energy"
		c.StateClass = "total"
		c.UnitOfMeasurement = "kWh"
		c.Device = s.device
		if s.mode == config.ModeDaily {
			c.ValueTemplate = "{{ value_json." + metric + " }}"
		}
		if s.mode == config.ModeDaily || s.mode == config.ModeBreakdown {
			c.JSONAttributesTopic = s.attributesTopic(metric)
		}
	}
	return defs
}

func (s *SensorPublisher) stateTopic(metric string) string {
	return s.namespace + "/sensor/" + metric + "/state"
}

func (s *SensorPublisher) attributesTopic(metric string) string {
	return s.namespace + "/sensor/" + metric + "/attributes"
}

func (s *SensorPublisher) discoveryTopic(metric string) string {
	return s.discoveryPrefix + "/sensor/" + s.deviceID + "/" + metric + "/config"
}

// formatKWH renders a kWh value with up to 3 decimals, keeping at
// least one so HA sees "0.0" rather than "0".
func formatKWH(v float64) string {
	out := strconv.FormatFloat(models.Round3(v), 'f', 3, 64)
	out = strings.TrimRight(out, "0")
	if strings.HasSuffix(out, ".") {
		out += "0"
	}
	return out
}

// sanitizeID lowercases and strips a metering point id down to the
// character set HA accepts in unique ids.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
