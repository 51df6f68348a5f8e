package sensor

// Sensor describes one of the environmental sensors exposed by the API
type Sensor struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Unit     string `json:"unit"`
	Endpoint string `json:"endpoint"`
}

const (
	Temperature = "temperature"
	PH          = "ph"
	Oxygen      = "oxygen"
	Luminosite  = "luminosite"
)

// Catalog lists the known sensors in display order
var Catalog = []Sensor{
	{Key: Temperature, Label: "Température", Unit: "°C", Endpoint: "temperature"},
	{Key: PH, Label: "pH", Unit: "", Endpoint: "ph"},
	{Key: Oxygen, Label: "Oxygène", Unit: "mg/L", Endpoint: "oxygen"},
	{Key: Luminosite, Label: "Luminosité", Unit: "lux", Endpoint: "luminosite"},
}

// Lookup finds a sensor by key
func Lookup(key string) (Sensor, bool) {
	for _, s := range Catalog {
		if s.Key == key {
			return s, true
		}
	}
	return Sensor{}, false
}
