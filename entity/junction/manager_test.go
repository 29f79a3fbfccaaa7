package junction

import (
	"context"
	"errors"
	"testing"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/clock"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction/trafficlight"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/gateway/stub"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

type testContext struct {
	clock *clock.Clock
	gw    entity.IGateway
	rc    *config.RuntimeConfig
}

func (c *testContext) Clock() *clock.Clock { return c.clock }
func (c *testContext) Gateway() entity.IGateway { return c.gw }
func (c *testContext) RuntimeConfig() *config.RuntimeConfig { return c.rc }

func newTestContext(t *testing.T, gw entity.IGateway) *testContext {
	rc, err := config.NewRuntimeConfig(config.Config{})
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background(), entity.StartOptions{}))
	return &testContext{clock: clock.New(rc.C), gw: gw, rc: rc}
}

func crossSpec(id string) config.Intersection {
	return config.Intersection{
		ID:     id,
		Phases: []int32{0, 2},
		Yellow: map[int32]int32{0: 1, 2: 3},
	}
}

func TestManagerInit(t *testing.T) {
	gw := stub.NewCross("J6", "J15")
	ctx := newTestContext(t, gw)
	m := NewManager(ctx)
	require.NoError(t, m.Init([]config.Intersection{crossSpec("J15"), crossSpec("J6")}, []string{"E9", "J6_n"}))

	assert.Equal(t, []string{"J15", "J6"}, []string{m.Intersections()[0].ID(), m.Intersections()[1].ID()})
	assert.Equal(t, []string{"J15_n", "J15_s", "J15_e", "J15_w", "J6_n", "J6_s", "J6_e", "J6_w", "E9"}, m.Edges())
	assert.Equal(t, "J6", m.Get("J6").ID())
	_, err := m.GetOrError("J7")
	assert.Error(t, err)
}

func TestManagerInitRejectsBadTable(t *testing.T) {
	cases := map[string]func(*config.Intersection){
		"unknown":         func(s *config.Intersection) { s.ID = "J99" },
		"no phases":       func(s *config.Intersection) { s.Phases = nil },
		"phase range":     func(s *config.Intersection) { s.Phases = []int32{0, 7} },
		"yellow missing":  func(s *config.Intersection) { s.Yellow = map[int32]int32{0: 1} },
		"yellow is green": func(s *config.Intersection) { s.Yellow = map[int32]int32{0: 2, 2: 3} },
		"green is yellow": func(s *config.Intersection) { s.Phases = []int32{0, 1}; s.Yellow = map[int32]int32{0: 3, 1: 3} },
		"failsafe safe": func(s *config.Intersection) {
			s.Failsafe = &config.Failsafe{ProbePhases: []int32{2}, MaxElapsed: 120, SafePhase: 1}
		},
		"failsafe elapsed": func(s *config.Intersection) {
			s.Failsafe = &config.Failsafe{ProbePhases: []int32{2}, SafePhase: 0}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := newTestContext(t, stub.NewCross("J6"))
			spec := crossSpec("J6")
			mutate(&spec)
			err := NewManager(ctx).Init([]config.Intersection{spec}, nil)
			assert.ErrorIs(t, err, entity.ErrInvalidConfig)
		})
	}

	ctx := newTestContext(t, stub.NewCross("J6"))
	err := NewManager(ctx).Init([]config.Intersection{crossSpec("J6"), crossSpec("J6")}, nil)
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)
	err = NewManager(ctx).Init(nil, nil)
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)
}

func TestManagerResetKeepsValidPhase(t *testing.T) {
	gw := stub.NewCross("J6", "J15")
	gw.TrafficLights["J6"].Phase = 2
	gw.TrafficLights["J15"].Phase = 3
	ctx := newTestContext(t, gw)
	m := NewManager(ctx)
	require.NoError(t, m.Init([]config.Intersection{crossSpec("J6"), crossSpec("J15")}, nil))
	require.NoError(t, m.Reset())

	assert.Equal(t, int32(2), m.Get("J6").Phase())
	assert.Equal(t, int32(0), m.Get("J15").Phase())
	assert.Equal(t, int32(15), m.Get("J6").Signal().Hold())
	assert.Equal(t, []stub.PhaseCommand{{TLS: "J6", Phase: 2}, {TLS: "J15", Phase: 0}}, gw.Commands)
}

func TestManagerUpdateAppliesTransitions(t *testing.T) {
	gw := stub.NewCross("J6")
	ctx := newTestContext(t, gw)
	m := NewManager(ctx)
	require.NoError(t, m.Init([]config.Intersection{crossSpec("J6")}, nil))
	require.NoError(t, m.Reset())
	gw.Commands = nil

	for step := int32(0); step <= 18; step++ {
		ctx.clock.InternalStep = step
		_, err := m.Update(step, []int{1, 0})
		require.NoError(t, err)
		require.NoError(t, gw.Step())
	}
	assert.Equal(t, []stub.PhaseCommand{{Step: 15, TLS: "J6", Phase: 1}, {Step: 18, TLS: "J6", Phase: 2}}, gw.Commands)
	assert.Equal(t, trafficlight.StateStable, m.Get("J6").Signal().State())

	_, err := m.Update(19, []int{1})
	assert.Error(t, err)
}

func TestManagerUpdateReportsFailsafe(t *testing.T) {
	gw := stub.NewCross("J6")
	gw.TrafficLights["J6"].Phase = 2
	ctx := newTestContext(t, gw)
	spec := crossSpec("J6")
	spec.Failsafe = &config.Failsafe{ProbePhases: []int32{2, 3}, MaxElapsed: 10, SafePhase: 0, DurationIndex: 3}
	m := NewManager(ctx)
	require.NoError(t, m.Init([]config.Intersection{spec}, nil))
	require.NoError(t, m.Reset())

	// 持续请求相位2、最长时长，保持时长15 > 10，由防饿死保护强制切换
	forced := 0
	for step := int32(0); step <= 10; step++ {
		n, err := m.Update(step, []int{1, 3})
		require.NoError(t, err)
		forced += n
	}
	assert.Equal(t, 1, forced)
	assert.Equal(t, int32(0), m.Get("J6").Phase())
	assert.Equal(t, int32(60), m.Get("J6").Signal().Hold())
}

func TestManagerUpdatePropagatesGatewayError(t *testing.T) {
	gw := stub.NewCross("J6")
	ctx := newTestContext(t, gw)
	m := NewManager(ctx)
	require.NoError(t, m.Init([]config.Intersection{crossSpec("J6")}, nil))
	require.NoError(t, m.Reset())
	require.NoError(t, gw.Close())

	_, err := m.Update(15, []int{0, 0})
	assert.True(t, errors.Is(err, entity.ErrGatewayClosed))
}

func TestManagerPressure(t *testing.T) {
	gw := stub.NewCross("J6")
	ctx := newTestContext(t, gw)
	m := NewManager(ctx)
	require.NoError(t, m.Init([]config.Intersection{crossSpec("J6")}, nil))

	order, err := m.Pressure("J6", map[string]int32{"J6_n": 1, "J6_s": 2, "J6_e": 7})
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 0}, order)

	order, err = m.Pressure("J6", map[string]int32{"J6_n": 5, "J6_w": 1})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2}, order)
}

func TestLaneEdge(t *testing.T) {
	edge, ok := laneEdge("-E3_1")
	assert.True(t, ok)
	assert.Equal(t, "-E3", edge)
	_, ok = laneEdge(":J6_0_0")
	assert.False(t, ok)
	edge, ok = laneEdge("gneE5")
	assert.True(t, ok)
	assert.Equal(t, "gneE5", edge)
}

func TestHasState(t *testing.T) {
	assert.False(t, hasState(nil, mapv2.LightState_LIGHT_STATE_GREEN))
	assert.True(t, hasState(&mapv2.Phase{States: []mapv2.LightState{mapv2.LightState_LIGHT_STATE_RED, mapv2.LightState_LIGHT_STATE_GREEN}}, mapv2.LightState_LIGHT_STATE_GREEN))
}
