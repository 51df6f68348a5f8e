package types

import (
	"fmt"
	"time"
)

// ReadingType identifies the measured quantity of a reading
type ReadingType string

const (
	ReadingTypeAmbientTemperature ReadingType = "temperature_ambient"
	ReadingTypeObjectTemperature  ReadingType = "temperature_object"
	ReadingTypePH                 ReadingType = "ph"
	ReadingTypeOxygen             ReadingType = "oxygen"
	ReadingTypeLuminosity         ReadingType = "luminosity"
)

// MetricName returns the Prometheus metric name for the reading type
func (t ReadingType) MetricName() string {
	switch t {
	case ReadingTypeAmbientTemperature:
		return "iot_temperature_ambient_celsius"
	case ReadingTypeObjectTemperature:
		return "iot_temperature_object_celsius"
	case ReadingTypePH:
		return "iot_ph"
	case ReadingTypeOxygen:
		return "iot_oxygen_mg_per_liter"
	case ReadingTypeLuminosity:
		return "iot_luminosity_lux"
	default:
		return "iot_" + string(t)
	}
}

// Reading is one normalized sensor measurement
type Reading struct {
	Type      ReadingType
	Sensor    string // catalog key, e.g. "temperature"
	Timestamp time.Time
	Value     float64
}

// GetTimestamp returns the measurement time
func (r *Reading) GetTimestamp() time.Time {
	return r.Timestamp
}

// Key identifies a measurement so the same sample is not recorded twice
func (r *Reading) Key() string {
	return fmt.Sprintf("%s/%d", r.Type, r.Timestamp.UnixMilli())
}
