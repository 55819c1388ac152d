package mqtt

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload this bridge publishes, so HA groups the
// consumption and feed-in sensors under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// SensorConfig is the JSON payload of an HA MQTT sensor discovery
// message, published retained so late subscribers still auto-create
// the sensor.
type SensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
}
