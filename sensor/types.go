package sensor

// TemperatureReading is the dual-probe temperature measurement
type TemperatureReading struct {
	Ambient  float64 `json:"ambient"`
	Object   float64 `json:"object"`
	Datetime string  `json:"datetime"`
}

// Reading is a single-value measurement (pH, oxygen, luminosity)
type Reading struct {
	Valeur   float64 `json:"valeur"`
	Datetime string  `json:"datetime"`
}

// LatestReadings holds the most recent measurement of each sensor, when known
type LatestReadings struct {
	Temperature *TemperatureReading `json:"temperature,omitempty"`
	PH          *Reading            `json:"ph,omitempty"`
	Oxygen      *Reading            `json:"oxygen,omitempty"`
	Luminosite  *Reading            `json:"luminosite,omitempty"`
}

// SystemStatus is the system/status payload
type SystemStatus struct {
	LatestReadings *LatestReadings `json:"latest_readings"`
}

// HistoryEntry is one element of a sensor history list. Temperature entries
// carry Ambient and Object, every other sensor carries Valeur.
type HistoryEntry struct {
	Ambient  *float64 `json:"ambient,omitempty"`
	Object   *float64 `json:"object,omitempty"`
	Valeur   *float64 `json:"valeur,omitempty"`
	Datetime string   `json:"datetime"`
}

// Stats is the sensors/stats payload. Counts is keyed by sensor plus "total".
type Stats struct {
	Counts map[string]int `json:"counts"`
}

// Total returns the "total" count
func (s *Stats) Total() int {
	if s == nil {
		return 0
	}
	return s.Counts["total"]
}
