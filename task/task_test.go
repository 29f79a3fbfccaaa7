package task

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/gateway/stub"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

func crossConfig(ids ...string) config.Config {
	c := config.Config{}
	for _, id := range ids {
		c.Intersections = append(c.Intersections, config.Intersection{
			ID:     id,
			Phases: []int32{0, 2},
			Yellow: map[int32]int32{0: 1, 2: 3},
		})
	}
	return c
}

func newTestEnv(t *testing.T, c config.Config, gw *stub.Gateway, demand entity.IDemandGenerator) *Env {
	rc, err := config.NewRuntimeConfig(c)
	require.NoError(t, err)
	env, err := NewEnv(context.Background(), rc, gw, demand)
	require.NoError(t, err)
	return env
}

type fixedPolicy struct {
	action []int
}

func (p *fixedPolicy) Name() string { return "fixed-test" }
func (p *fixedPolicy) Reset(env *Env) {}
func (p *fixedPolicy) Act(env *Env, obs []float64) []int { return p.action }

type recordingDemand struct {
	outputs []string
	seeds   []uint64
	err     error
}

func (d *recordingDemand) Generate(ctx context.Context, output string, duration float64, seed uint64) error {
	d.outputs = append(d.outputs, output)
	d.seeds = append(d.seeds, seed)
	return d.err
}

func TestNewEnvDiscoversTopology(t *testing.T) {
	gw := stub.NewCross("J6", "J15")
	env := newTestEnv(t, crossConfig("J6", "J15"), gw, nil)

	assert.Equal(t, 3*8+2*2, env.ObservationSize())
	assert.Equal(t, []int{2, 4, 2, 4}, env.ActionShape())
	assert.Equal(t, 1, gw.Starts)
	assert.Equal(t, 1, gw.Closes)
	assert.False(t, gw.Running())
}

func TestObservationCoversOutgoingEdges(t *testing.T) {
	gw := stub.NewCross("J6")
	gw.TrafficLights["J6"].Links = []entity.Link{
		{Incoming: "J6_n_0", Outgoing: "J6_out_s_0"},
		{Incoming: "J6_s_0", Outgoing: "J6_out_n_0"},
		{Incoming: "J6_e_0", Outgoing: "J6_out_w_0"},
		{Incoming: "J6_w_0", Outgoing: "J6_out_e_0"},
		{Incoming: ":J6_c_0", Outgoing: "J6_out_s_1"},
	}
	env := newTestEnv(t, crossConfig("J6"), gw, nil)

	assert.Equal(t, []string{"J6_n", "J6_s", "J6_e", "J6_w", "J6_out_s", "J6_out_n", "J6_out_w", "J6_out_e"}, env.JunctionManager().Edges())
	assert.Equal(t, 3*8+2, env.ObservationSize())

	gw.Edges["J6_out_s"] = entity.EdgeStat{Halting: 200, Vehicles: 200, MeanSpeed: 1}
	obs, err := env.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, obs[4])
}

func TestNewEnvLogsCloseFailure(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	gw := stub.NewCross("J6")
	gw.StartErr = errors.New("sumo exited")
	gw.CloseErr = errors.New("kill failed")
	rc, err := config.NewRuntimeConfig(crossConfig("J6"))
	require.NoError(t, err)
	_, err = NewEnv(context.Background(), rc, gw, nil)
	assert.ErrorIs(t, err, gw.StartErr)
	assert.Equal(t, 1, gw.Closes)

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "kill failed") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewEnvRejectsBadTable(t *testing.T) {
	gw := stub.NewCross("J6")
	c := crossConfig("J6")
	c.Intersections[0].Yellow = map[int32]int32{0: 1}
	rc, err := config.NewRuntimeConfig(c)
	require.NoError(t, err)

	_, err = NewEnv(context.Background(), rc, gw, nil)
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)
	assert.False(t, gw.Running())
}

func TestStepBeforeReset(t *testing.T) {
	env := newTestEnv(t, crossConfig("J6"), stub.NewCross("J6"), nil)
	_, err := env.Step(context.Background(), []int{0, 0})
	assert.ErrorIs(t, err, ErrNotReset)
}

func TestObservationLengthIsConstant(t *testing.T) {
	gw := stub.NewCross("J6")
	gw.Script = func(g *stub.Gateway, step int32) error {
		g.Edges["J6_n"] = entity.EdgeStat{Halting: step % 7, Vehicles: step % 11, MeanSpeed: float64(step % 5)}
		return nil
	}
	env := newTestEnv(t, crossConfig("J6"), gw, nil)
	ctx := context.Background()

	for episode := 0; episode < 2; episode++ {
		obs, err := env.Reset(ctx)
		require.NoError(t, err)
		assert.Len(t, obs, env.ObservationSize())
		for i := 0; i < 50; i++ {
			res, err := env.Step(ctx, []int{i, i})
			require.NoError(t, err)
			require.Len(t, res.Observation, env.ObservationSize())
			for _, v := range res.Observation {
				require.True(t, v >= 0 && v <= 1)
			}
		}
	}
}

func TestTerminatesAtMaxSteps(t *testing.T) {
	gw := stub.NewCross("J6")
	env := newTestEnv(t, crossConfig("J6"), gw, nil)
	ctx := context.Background()
	_, err := env.Reset(ctx)
	require.NoError(t, err)

	steps := 0
	for {
		res, err := env.Step(ctx, []int{1, 5})
		require.NoError(t, err)
		steps++
		require.LessOrEqual(t, steps, 3600)
		if res.Terminated {
			assert.NotNil(t, res.Info)
			break
		}
		assert.Nil(t, res.Info)
	}
	assert.Equal(t, 3600, steps)
	assert.False(t, gw.Running())

	_, err = env.Step(ctx, []int{0, 0})
	assert.ErrorIs(t, err, ErrEpisodeDone)
}

func TestTerminatesWhenDemandExhausted(t *testing.T) {
	gw := stub.NewCross("J6")
	gw.Vehicles = map[string]entity.VehicleStat{
		"car0":   {Type: "passenger", AccumulatedWait: 4},
		"car1":   {Type: "passenger", AccumulatedWait: 8},
		"truck0": {Type: "truck", AccumulatedWait: 20},
	}
	gw.Script = func(g *stub.Gateway, step int32) error {
		if step == 5 {
			g.Vehicles = map[string]entity.VehicleStat{}
			g.Stat = entity.SimulationStat{Arrived: 3, Pending: 0}
		}
		return nil
	}
	env := newTestEnv(t, crossConfig("J6"), gw, nil)
	ctx := context.Background()
	_, err := env.Reset(ctx)
	require.NoError(t, err)

	var res StepResult
	for i := 0; i < 5; i++ {
		res, err = env.Step(ctx, []int{0, 0})
		require.NoError(t, err)
	}
	assert.True(t, res.Terminated)
	assert.Equal(t, int64(3), res.Breakdown.NewArrived)
	assert.Len(t, res.Info, len(config.DefaultVehicleTypes))
	assert.Equal(t, 6.0, res.Info["wait_time/passenger"])
	assert.Equal(t, 20.0, res.Info["wait_time/truck"])
	assert.Equal(t, 0.0, res.Info["wait_time/emergency"])

	summary := env.Summary()
	assert.Equal(t, int32(5), summary.Steps)
	assert.Equal(t, 3, summary.Vehicles)
	assert.Equal(t, int64(3), summary.Arrived)
	assert.InDelta(t, 32.0/3, summary.AvgWait, 1e-9)
}

func TestGatewayErrorClosesSimulation(t *testing.T) {
	boom := errors.New("connection reset by peer")
	gw := stub.NewCross("J6")
	gw.Script = func(g *stub.Gateway, step int32) error {
		if step == 3 {
			return boom
		}
		return nil
	}
	env := newTestEnv(t, crossConfig("J6"), gw, nil)
	ctx := context.Background()
	_, err := env.Reset(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = env.Step(ctx, []int{0, 0})
		require.NoError(t, err)
	}
	_, err = env.Step(ctx, []int{0, 0})
	assert.ErrorIs(t, err, boom)
	assert.False(t, gw.Running())
	assert.Equal(t, gw.Starts, gw.Closes)

	_, err = env.Step(ctx, []int{0, 0})
	assert.ErrorIs(t, err, ErrNotReset)
}

func TestActionShapeRejected(t *testing.T) {
	gw := stub.NewCross("J6")
	env := newTestEnv(t, crossConfig("J6"), gw, nil)
	ctx := context.Background()
	_, err := env.Reset(ctx)
	require.NoError(t, err)

	_, err = env.Step(ctx, []int{0})
	assert.ErrorIs(t, err, ErrActionShape)
	assert.True(t, gw.Running())

	// 越界索引按模回绕，不报错
	_, err = env.Step(ctx, []int{-7, 1 << 20})
	assert.NoError(t, err)
}

func TestResetClosesPreviousEpisode(t *testing.T) {
	gw := stub.NewCross("J6")
	demand := &recordingDemand{}
	c := crossConfig("J6")
	c.Demand.Duration = 3600
	env := newTestEnv(t, c, gw, demand)
	ctx := context.Background()

	_, err := env.Reset(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = env.Step(ctx, []int{0, 0})
		require.NoError(t, err)
	}
	_, err = env.Reset(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, gw.Starts)
	assert.Equal(t, 2, gw.Closes)
	assert.Equal(t, int32(0), env.Clock().InternalStep)
	assert.Len(t, demand.outputs, 2)
	assert.Equal(t, []string{demand.outputs[1]}, gw.Last.RouteFiles)
	assert.Equal(t, demand.seeds[1], gw.Last.Seed)
}

func TestDemandErrorDoesNotStartSimulation(t *testing.T) {
	gw := stub.NewCross("J6")
	demand := &recordingDemand{err: errors.New("randomTrips.py not found")}
	env := newTestEnv(t, crossConfig("J6"), gw, demand)

	_, err := env.Reset(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, gw.Starts)
	assert.False(t, gw.Running())
}

func TestStepHonoursCancellation(t *testing.T) {
	gw := stub.NewCross("J6")
	env := newTestEnv(t, crossConfig("J6"), gw, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := env.Reset(ctx)
	require.NoError(t, err)
	cancel()

	_, err = env.Step(ctx, []int{0, 0})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), gw.CurrentStep())
	require.NoError(t, env.Close())
	assert.False(t, gw.Running())
}

func TestRunEpisode(t *testing.T) {
	gw := stub.NewCross("J6")
	gw.Script = func(g *stub.Gateway, step int32) error {
		g.Stat.Arrived = int64(step / 10)
		if step == 100 {
			g.Stat.Pending = 0
		}
		return nil
	}
	env := newTestEnv(t, crossConfig("J6"), gw, nil)

	res, err := RunEpisode(context.Background(), env, &fixedPolicy{action: []int{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, int32(100), res.Steps)
	assert.Equal(t, int64(10), res.Arrived)
	assert.Len(t, res.Info, len(config.DefaultVehicleTypes))
	assert.False(t, gw.Running())
}
