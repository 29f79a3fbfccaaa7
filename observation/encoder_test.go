package observation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

func defaultObservation(t *testing.T, mode string) config.Observation {
	rc, err := config.NewRuntimeConfig(config.Config{Observation: config.Observation{Mode: mode}})
	assert.NoError(t, err)
	return rc.O
}

func TestEncodeFull(t *testing.T) {
	e := New(defaultObservation(t, config.ObservationFull), 2, 1)
	assert.Equal(t, 8, e.Len())

	obs := e.Encode(
		[]entity.EdgeStat{
			{Halting: 50, Vehicles: 100, MeanSpeed: 13.89 / 2},
			{Halting: 400, Vehicles: 400, MeanSpeed: 30},
		},
		[]SignalReading{{Phase: 2, Elapsed: 60}},
	)
	assert.Len(t, obs, e.Len())
	assert.InDeltaSlice(t, []float64{0.25, 1, 0.5, 1, 0.5, 1, 0.2, 0.5}, obs, 1e-9)
}

func TestEncodeReduced(t *testing.T) {
	e := New(defaultObservation(t, config.ObservationReduced), 3, 2)
	assert.Equal(t, 7, e.Len())

	obs := e.Encode(
		[]entity.EdgeStat{{Halting: 20, Vehicles: 20}, {}, {Halting: 10, Vehicles: 30}},
		[]SignalReading{{Phase: 0, Elapsed: 240}, {Phase: 15, Elapsed: 12}},
	)
	assert.InDeltaSlice(t, []float64{0.1, 0, 0.05, 0, 1, 1, 0.1}, obs, 1e-9)
}

func TestEncodeEmptyEdgeIsZero(t *testing.T) {
	e := New(defaultObservation(t, config.ObservationFull), 1, 0)
	// 空道路上仿真报告的平均速度为限速
	obs := e.Encode([]entity.EdgeStat{{Halting: 0, Vehicles: 0, MeanSpeed: 13.89}}, nil)
	assert.Equal(t, []float64{0, 0, 0}, obs)
}

func TestEncodeBounds(t *testing.T) {
	e := New(defaultObservation(t, config.ObservationFull), 2, 2)
	obs := e.Encode(
		[]entity.EdgeStat{
			{Halting: -3, Vehicles: 5, MeanSpeed: math.NaN()},
			{Halting: 1e6, Vehicles: 1e6, MeanSpeed: math.Inf(1)},
		},
		[]SignalReading{{Phase: -1, Elapsed: -5}, {Phase: 1000, Elapsed: 1 << 30}},
	)
	assert.Len(t, obs, e.Len())
	for i, v := range obs {
		assert.False(t, math.IsNaN(v), "index %d", i)
		assert.GreaterOrEqual(t, v, 0.0, "index %d", i)
		assert.LessOrEqual(t, v, 1.0, "index %d", i)
	}
}

func TestEncodeLengthMismatchPanics(t *testing.T) {
	e := New(defaultObservation(t, config.ObservationFull), 2, 1)
	assert.Panics(t, func() {
		e.Encode([]entity.EdgeStat{{}}, []SignalReading{{}})
	})
}
