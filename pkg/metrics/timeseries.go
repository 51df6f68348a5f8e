package metrics

import (
	"context"
	"sort"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/iot-sensors/pkg/types"
)

// BuildSensorTimeSeries groups readings into one series per reading type and
// sensor. Samples are sorted by timestamp since remote_write rejects
// out-of-order samples within a series.
func BuildSensorTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildSensorTimeSeries")
	defer span.End()

	type seriesKey struct {
		typ    types.ReadingType
		sensor string
	}
	grouped := make(map[seriesKey][]prompb.Sample)
	var order []seriesKey

	for _, r := range readings {
		if r == nil {
			continue
		}
		key := seriesKey{typ: r.Type, sensor: r.Sensor}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], prompb.Sample{
			Value:     r.Value,
			Timestamp: r.Timestamp.UnixMilli(),
		})
	}

	timeSeries := make([]prompb.TimeSeries, 0, len(order))
	for _, key := range order {
		samples := grouped[key]
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })

		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: key.typ.MetricName()},
				{Name: "sensor", Value: key.sensor},
			},
			Samples: samples,
		})
	}

	span.SetAttributes(attribute.Int("metrics.sensor_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "sensor time series built")
	return timeSeries, nil
}
