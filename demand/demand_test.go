package demand

import (
	"context"
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

func randomConfig() config.Random {
	return config.Random{
		Origins:      []string{"E1", "E2"},
		Destinations: []string{"-E1", "-E2", "E3"},
	}
}

func TestNew(t *testing.T) {
	g, err := New(config.Demand{})
	require.NoError(t, err)
	assert.Nil(t, g)

	r := randomConfig()
	g, err = New(config.Demand{Kind: KindRandom, Random: &r})
	require.NoError(t, err)
	assert.IsType(t, &RandomTrips{}, g)

	g, err = New(config.Demand{Kind: KindPipeline, Commands: []string{"true"}})
	require.NoError(t, err)
	assert.IsType(t, &Pipeline{}, g)

	for _, c := range []config.Demand{
		{Kind: "osm"},
		{Kind: KindRandom},
		{Kind: KindPipeline},
		{Kind: KindPipeline, Commands: []string{"  "}},
		{Kind: KindRandom, Random: &config.Random{Origins: []string{"E1"}}},
		{Kind: KindRandom, Random: &config.Random{Origins: []string{"E1"}, Destinations: []string{"E2"}, PeriodMin: 2, PeriodMax: 1}},
	} {
		_, err := New(c)
		assert.ErrorIs(t, err, entity.ErrInvalidConfig, c)
	}
}

func TestRandomTripsDeterministic(t *testing.T) {
	g, err := NewRandomTrips(randomConfig())
	require.NoError(t, err)

	a, b := g.trips(600, 7), g.trips(600, 7)
	assert.Equal(t, a, b)
	require.NotEmpty(t, a)
	// 平均间隔在[0.4, 0.75]之间
	assert.GreaterOrEqual(t, len(a), 800)
	assert.LessOrEqual(t, len(a), 1500)

	last := -1.0
	for _, trip := range a {
		assert.Contains(t, []string{"E1", "E2"}, trip.From)
		assert.NotEqual(t, trip.From, trip.To)
		assert.Contains(t, []string{"passenger", "truck", "motorcycle"}, trip.Type)
		depart, err := strconv.ParseFloat(trip.Depart, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, depart, last)
		assert.Less(t, depart, 600.0)
		last = depart
	}
	assert.NotEqual(t, a, g.trips(600, 8))
}

func TestRandomTripsGenerate(t *testing.T) {
	c := randomConfig()
	c.TypeWeights = map[string]float64{"truck": 1}
	g, err := NewRandomTrips(c)
	require.NoError(t, err)
	output := filepath.Join(t.TempDir(), "demand.rou.xml")
	require.NoError(t, g.Generate(context.Background(), output, 60, 1))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var routes routesXML
	require.NoError(t, xml.Unmarshal(data, &routes))
	assert.Equal(t, []vTypeXML{{ID: "truck", VClass: "truck"}}, routes.VTypes)
	assert.NotEmpty(t, routes.Trips)
	for _, trip := range routes.Trips {
		assert.Equal(t, "truck", trip.Type)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Generate(ctx, output, 60, 1), context.Canceled)
}

func TestRandomTripsUseLoadedTypes(t *testing.T) {
	c := randomConfig()
	define := false
	c.DefineTypes = &define
	g, err := NewRandomTrips(c)
	require.NoError(t, err)
	output := filepath.Join(t.TempDir(), "demand.rou.xml")
	require.NoError(t, g.Generate(context.Background(), output, 60, 1))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "<vType")
	var routes routesXML
	require.NoError(t, xml.Unmarshal(data, &routes))
	assert.Empty(t, routes.VTypes)
	assert.NotEmpty(t, routes.Trips)

	c = randomConfig()
	c.TypeWeights = map[string]float64{"passenger": 1, "pedestrian": 0.2}
	_, err = NewRandomTrips(c)
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)
}

func TestPipelineExpand(t *testing.T) {
	p, err := NewPipeline([]string{
		"python randomTrips.py -o trips.xml -r {output} --end {duration} --seed {seed}",
		"duarouter --version",
	})
	require.NoError(t, err)
	cmds := p.Expand("/tmp/a.rou.xml", 1200, 42)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"python", "randomTrips.py", "-o", "trips.xml", "-r", "/tmp/a.rou.xml", "--end", "1200", "--seed", "42"}, cmds[0])
	assert.Equal(t, []string{"duarouter", "--version"}, cmds[1])
}

func TestPipelineGenerate(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.txt")
	p, err := NewPipeline([]string{"touch {output}"})
	require.NoError(t, err)
	require.NoError(t, p.Generate(context.Background(), output, 10, 1))
	assert.FileExists(t, output)

	p, err = NewPipeline([]string{"false"})
	require.NoError(t, err)
	assert.Error(t, p.Generate(context.Background(), output, 10, 1))
}
