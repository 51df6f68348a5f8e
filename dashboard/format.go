package dashboard

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mjasion/balena-home/iot-sensors/sensor"
)

const (
	invalidTime     = "Heure invalide"
	invalidDateTime = "Date invalide"
	notEnoughData   = "Données insuffisantes"
	missingValue    = "-"
)

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseDatetime parses the API's datetime strings. Values without a zone
// are read in loc.
func ParseDatetime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTime renders the clock time, fr-FR style
func FormatTime(datetime string, loc *time.Location) string {
	t, ok := ParseDatetime(datetime, loc)
	if !ok {
		return invalidTime
	}
	return t.In(loc).Format("15:04:05")
}

// FormatDateTime renders date and time, fr-FR style
func FormatDateTime(datetime string, loc *time.Location) string {
	t, ok := ParseDatetime(datetime, loc)
	if !ok {
		return invalidDateTime
	}
	return t.In(loc).Format("02/01/2006 15:04:05")
}

// FormatNumber renders v with a fixed number of decimals
func FormatNumber(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// formatRaw renders v with the shortest exact representation, as received
func formatRaw(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return missingValue
	}
	return formatRaw(*v)
}

// HistoryValue renders one history entry: "a°C / o°C" for temperature, "v unit" otherwise
func HistoryValue(s sensor.Sensor, e sensor.HistoryEntry) string {
	if s.Key == sensor.Temperature {
		return formatOptional(e.Ambient) + "°C / " + formatOptional(e.Object) + "°C"
	}
	return strings.TrimSpace(formatOptional(e.Valeur) + " " + s.Unit)
}

// Timespan describes the period covered by a newest-first history:
// "Nh" under a day, "Nj" otherwise
func Timespan(entries []sensor.HistoryEntry, loc *time.Location) string {
	if len(entries) < 2 {
		return notEnoughData
	}
	newest, ok1 := ParseDatetime(entries[0].Datetime, loc)
	oldest, ok2 := ParseDatetime(entries[len(entries)-1].Datetime, loc)
	if !ok1 || !ok2 {
		return notEnoughData
	}

	hours := int(math.Round(newest.Sub(oldest).Hours()))
	if hours < 24 {
		return strconv.Itoa(hours) + "h"
	}
	return strconv.Itoa(int(math.Round(float64(hours)/24))) + "j"
}

// AverageFrequency returns measurements per hour rounded to one decimal
func AverageFrequency(total, hours int) float64 {
	if hours <= 0 {
		return 0
	}
	return math.Round(float64(total)/float64(hours)*10) / 10
}
