package dashboard

import (
	"fmt"
	"time"

	"github.com/mjasion/balena-home/iot-sensors/pkg/types"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
)

// HistoryListSize is how many history entries are listed before "load more"
const HistoryListSize = 20

// ConnectionState is the dashboard's view of the API link
type ConnectionState string

const (
	StateLoading ConnectionState = "loading"
	StateOnline  ConnectionState = "online"
	StateOffline ConnectionState = "offline"
)

// Label is the text shown next to the status indicator
func (s ConnectionState) Label() string {
	switch s {
	case StateOnline:
		return "En ligne"
	case StateOffline:
		return "Hors ligne"
	case StateLoading:
		return "Connexion..."
	default:
		return ""
	}
}

// Card is one sensor tile of the dashboard
type Card struct {
	Sensor    string `json:"sensor"`
	Label     string `json:"label"`
	Value     string `json:"value"`
	Secondary string `json:"secondary,omitempty"`
	Time      string `json:"time"`
	Datetime  string `json:"datetime"`
}

// View is the rendered dashboard
type View struct {
	State      ConnectionState `json:"state"`
	StateLabel string          `json:"stateLabel"`
	LastSync   time.Time       `json:"lastSync,omitzero"`
	Offline    bool            `json:"offline"`
	CachedAt   time.Time       `json:"cachedAt,omitzero"`
	Cards      []Card          `json:"cards"`
}

// HistoryItem is one line of the history list
type HistoryItem struct {
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
	Label     string `json:"label"`
}

// HistoryView is the chart summary plus the list of recent measurements
type HistoryView struct {
	Sensor      sensor.Sensor `json:"sensor"`
	Empty       bool          `json:"empty"`
	Current     string        `json:"current,omitempty"`
	LastMeasure string        `json:"lastMeasure,omitempty"`
	Count       int           `json:"count"`
	Timespan    string        `json:"timespan,omitempty"`
	Items       []HistoryItem `json:"items"`
	Remaining   int           `json:"remaining"`
	LoadMore    string        `json:"loadMore,omitempty"`
}

// SensorCount is one tile of the statistics page
type SensorCount struct {
	Sensor string `json:"sensor"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
}

// StatsView summarizes measurement counts over a period
type StatsView struct {
	Hours            int           `json:"hours"`
	Empty            bool          `json:"empty"`
	Sensors          []SensorCount `json:"sensors"`
	Total            int           `json:"total"`
	AverageFrequency float64       `json:"averageFrequency"`
}

// buildCards renders the tiles in catalog order, skipping sensors without a reading
func buildCards(latest *sensor.LatestReadings, loc *time.Location) []Card {
	cards := make([]Card, 0, len(sensor.Catalog))
	for _, s := range sensor.Catalog {
		card := Card{Sensor: s.Key, Label: s.Label}
		switch s.Key {
		case sensor.Temperature:
			if latest.Temperature == nil {
				continue
			}
			card.Value = formatRaw(latest.Temperature.Ambient) + "°C"
			card.Secondary = formatRaw(latest.Temperature.Object) + "°C"
			card.Datetime = latest.Temperature.Datetime
		case sensor.PH:
			if latest.PH == nil {
				continue
			}
			card.Value = FormatNumber(latest.PH.Valeur, 1)
			card.Datetime = latest.PH.Datetime
		case sensor.Oxygen:
			if latest.Oxygen == nil {
				continue
			}
			card.Value = FormatNumber(latest.Oxygen.Valeur, 1) + " mg/L"
			card.Datetime = latest.Oxygen.Datetime
		case sensor.Luminosite:
			if latest.Luminosite == nil {
				continue
			}
			card.Value = FormatNumber(latest.Luminosite.Valeur, 0) + " lux"
			card.Datetime = latest.Luminosite.Datetime
		default:
			continue
		}
		card.Time = FormatTime(card.Datetime, loc)
		cards = append(cards, card)
	}
	return cards
}

// readingsOf flattens the latest readings for the metrics buffer. Readings
// with an unparsable datetime are skipped.
func readingsOf(latest *sensor.LatestReadings, loc *time.Location) []*types.Reading {
	var out []*types.Reading
	add := func(typ types.ReadingType, key, datetime string, value float64) {
		ts, ok := ParseDatetime(datetime, loc)
		if !ok {
			return
		}
		out = append(out, &types.Reading{Type: typ, Sensor: key, Timestamp: ts, Value: value})
	}

	if t := latest.Temperature; t != nil {
		add(types.ReadingTypeAmbientTemperature, sensor.Temperature, t.Datetime, t.Ambient)
		add(types.ReadingTypeObjectTemperature, sensor.Temperature, t.Datetime, t.Object)
	}
	if r := latest.PH; r != nil {
		add(types.ReadingTypePH, sensor.PH, r.Datetime, r.Valeur)
	}
	if r := latest.Oxygen; r != nil {
		add(types.ReadingTypeOxygen, sensor.Oxygen, r.Datetime, r.Valeur)
	}
	if r := latest.Luminosite; r != nil {
		add(types.ReadingTypeLuminosity, sensor.Luminosite, r.Datetime, r.Valeur)
	}
	return out
}

func buildHistory(s sensor.Sensor, entries []sensor.HistoryEntry, loc *time.Location) HistoryView {
	view := HistoryView{Sensor: s, Count: len(entries), Items: []HistoryItem{}}
	if len(entries) == 0 {
		view.Empty = true
		return view
	}

	latest := entries[0]
	view.Current = HistoryValue(s, latest)
	view.LastMeasure = FormatTime(latest.Datetime, loc)
	view.Timespan = Timespan(entries, loc)

	shown := entries[:min(len(entries), HistoryListSize)]
	for _, e := range shown {
		view.Items = append(view.Items, HistoryItem{
			Value:     HistoryValue(s, e),
			Timestamp: FormatDateTime(e.Datetime, loc),
			Label:     s.Label,
		})
	}
	if len(entries) > HistoryListSize {
		view.Remaining = len(entries) - HistoryListSize
		view.LoadMore = fmt.Sprintf("Charger plus (%d restants)", view.Remaining)
	}
	return view
}

func buildStats(stats *sensor.Stats, hours int) StatsView {
	view := StatsView{Hours: hours, Sensors: []SensorCount{}}
	if stats == nil || stats.Counts == nil {
		view.Empty = true
		return view
	}

	for _, s := range sensor.Catalog {
		count, ok := stats.Counts[s.Key]
		if !ok {
			continue
		}
		view.Sensors = append(view.Sensors, SensorCount{Sensor: s.Key, Label: s.Label, Count: count})
	}
	view.Total = stats.Total()
	view.AverageFrequency = AverageFrequency(view.Total, hours)
	return view
}
