package traci

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

type setCall struct {
	varID  byte
	object string
	value  any
}

// fakeServer 按变量表应答的TraCI服务端
type fakeServer struct {
	vars  map[string]any
	sets  []setCall
	steps int
}

func varKey(domain, varID byte, object string) string {
	return fmt.Sprintf("%02x/%02x/%s", domain, varID, object)
}

func statusCommand(id, result byte, desc string) []byte {
	var w writer
	w.ubyte(result)
	w.string(desc)
	return command(id, w.Bytes())
}

func (f *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return
		}
		buf := make([]byte, binary.BigEndian.Uint32(header[:])-4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		s := newStorage(buf)
		id, _, err := s.commandHeader()
		if err != nil {
			return
		}
		if _, err := conn.Write(f.handle(id, s)); err != nil || id == cmdClose {
			return
		}
	}
}

func (f *fakeServer) handle(id byte, s *storage) []byte {
	ok := statusCommand(id, rtypeOK, "")
	switch id {
	case cmdGetVersion:
		var w writer
		w.int32(21)
		w.string("SUMO fake")
		return message(ok, command(id, w.Bytes()))
	case cmdSimStep:
		f.steps++
		var w writer
		w.int32(0)
		return message(ok, w.Bytes())
	case cmdClose:
		return message(ok)
	case cmdSetTLVariable:
		v, _ := s.ubyte()
		obj, _ := s.string()
		val, _ := s.typed()
		f.sets = append(f.sets, setCall{varID: v, object: obj, value: val})
		return message(ok)
	}
	v, _ := s.ubyte()
	obj, _ := s.string()
	val, found := f.vars[varKey(id, v, obj)]
	if !found {
		return message(statusCommand(id, rtypeErr, fmt.Sprintf("Object '%s' is not known", obj)))
	}
	var w writer
	w.ubyte(v)
	w.string(obj)
	if err := w.typed(val); err != nil {
		panic(err)
	}
	return message(ok, command(id+responseOffset, w.Bytes()))
}

func sumoConfig() config.Sumo {
	return config.Sumo{ExtraArgs: []string{"--time-to-teleport", "300"}}
}

func newTestGateway(t *testing.T, vars map[string]any) (*Gateway, *fakeServer) {
	server, client := net.Pipe()
	f := &fakeServer{vars: vars}
	go f.serve(server)
	g := New(sumoConfig())
	g.client = NewClient(client)
	t.Cleanup(func() { g.Close() })
	return g, f
}

func TestCommandHeader(t *testing.T) {
	short := command(0xa4, []byte{1, 2, 3})
	assert.Equal(t, byte(5), short[0])

	long := command(0xa4, make([]byte, 300))
	assert.Equal(t, byte(0), long[0])
	s := newStorage(long)
	id, n, err := s.commandHeader()
	require.NoError(t, err)
	assert.Equal(t, byte(0xa4), id)
	assert.Equal(t, 300, n)
}

func TestTypedCompound(t *testing.T) {
	var w writer
	require.NoError(t, w.typed([]any{int32(3), 1.5, "a", []string{"x", "y"}, []any{uint8(7)}}))
	v, err := newStorage(w.Bytes()).typed()
	require.NoError(t, err)
	assert.Equal(t, []any{int32(3), 1.5, "a", []string{"x", "y"}, []any{uint8(7)}}, v)

	_, err = newStorage([]byte{typeString, 0, 0, 0, 9, 'a'}).typed()
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = newStorage([]byte{0x42}).typed()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadLinks(t *testing.T) {
	var w writer
	w.ubyte(typeCompound)
	w.int32(99) // 项数与实际内容无关
	require.NoError(t, w.typed(int32(2)))
	require.NoError(t, w.typed(int32(1)))
	require.NoError(t, w.typed([]string{"N_0", "S_0", ":J_0_0"}))
	require.NoError(t, w.typed(int32(0)))
	links, err := readLinks(newStorage(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []entity.Link{{Incoming: "N_0", Outgoing: "S_0", Via: ":J_0_0"}}, links)

	w.Reset()
	w.ubyte(typeCompound)
	w.int32(2)
	require.NoError(t, w.typed(int32(1)))
	require.NoError(t, w.typed(int32(1)))
	require.NoError(t, w.typed([]string{"N_0"}))
	_, err = readLinks(newStorage(w.Bytes()))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStatusError(t *testing.T) {
	s := newStorage(statusCommand(cmdGetVehicleVariable, rtypeErr, "Vehicle 'v1' is not known"))
	err := s.status(cmdGetVehicleVariable)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Description, "v1")
}

func logic(program string, states ...string) []any {
	phases := make([]any, 0, len(states))
	for _, st := range states {
		phases = append(phases, []any{30.0, st, 5.0, 50.0, []any{}, ""})
	}
	return []any{program, int32(0), int32(0), phases, []any{}}
}

func TestParseLogics(t *testing.T) {
	logics := []any{logic("off", "oooo"), logic("0", "GgrR", "yyrr", "rrGs")}
	phases, err := parseLogics(logics, "0")
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, 30.0, phases[0].Duration)
	assert.Equal(t, []mapv2.LightState{
		mapv2.LightState_LIGHT_STATE_GREEN,
		mapv2.LightState_LIGHT_STATE_GREEN,
		mapv2.LightState_LIGHT_STATE_RED,
		mapv2.LightState_LIGHT_STATE_RED,
	}, phases[0].States)
	assert.Equal(t, mapv2.LightState_LIGHT_STATE_YELLOW, phases[1].States[1])
	assert.Equal(t, mapv2.LightState_LIGHT_STATE_RED, phases[2].States[3])

	_, err = parseLogics(logics, "1")
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = parseLogics([]any{"bad"}, "0")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestGatewayReadsTelemetry(t *testing.T) {
	vars := map[string]any{
		varKey(cmdGetSimVariable, varArrivedNumber, ""):             int32(2),
		varKey(cmdGetSimVariable, varStartingTeleportNumber, ""):    int32(1),
		varKey(cmdGetSimVariable, varEndingTeleportNumber, ""):      int32(1),
		varKey(cmdGetSimVariable, varMinExpectedNumber, ""):         int32(40),
		varKey(cmdGetTLVariable, varIDList, ""):                     []string{"J6"},
		varKey(cmdGetTLVariable, varTLControlledLanes, "J6"):        []string{"E1_0", "E2_0"},
		varKey(cmdGetTLVariable, varTLControlledLinks, "J6"):        []any{int32(1), int32(2), []string{"E1_0", "E3_0", ":J6_0_0"}, []string{"E2_0", "E4_0", ":J6_1_0"}},
		varKey(cmdGetTLVariable, varTLCurrentPhase, "J6"):           int32(2),
		varKey(cmdGetTLVariable, varTLCurrentProgram, "J6"):         "0",
		varKey(cmdGetTLVariable, varTLCompleteDefinition, "J6"):     []any{logic("0", "Gr", "yr", "rG", "ry")},
		varKey(cmdGetEdgeVariable, varLastStepHalting, "E1"):        int32(4),
		varKey(cmdGetEdgeVariable, varLastStepVehicleNumber, "E1"):  int32(6),
		varKey(cmdGetEdgeVariable, varLastStepMeanSpeed, "E1"):      2.5,
		varKey(cmdGetVehicleVariable, varIDList, ""):                []string{"v1"},
		varKey(cmdGetVehicleVariable, varType, "v1"):                "truck",
		varKey(cmdGetVehicleVariable, varSpeed, "v1"):               3.0,
		varKey(cmdGetVehicleVariable, varAcceleration, "v1"):        -5.0,
		varKey(cmdGetVehicleVariable, varAccumulatedWaitTime, "v1"): 12.0,
	}
	g, f := newTestGateway(t, vars)

	api, id, err := g.client.Version()
	require.NoError(t, err)
	assert.Equal(t, int32(21), api)
	assert.Equal(t, "SUMO fake", id)

	for range 3 {
		require.NoError(t, g.Step())
	}
	assert.Equal(t, 3, f.steps)
	sim, err := g.Simulation()
	require.NoError(t, err)
	// 开始与结束瞬移都计入
	assert.Equal(t, entity.SimulationStat{Arrived: 6, Teleported: 6, Pending: 40}, sim)

	ids, err := g.TrafficLightIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"J6"}, ids)
	lanes, err := g.ControlledLanes("J6")
	require.NoError(t, err)
	assert.Equal(t, []string{"E1_0", "E2_0"}, lanes)
	links, err := g.ControlledLinks("J6")
	require.NoError(t, err)
	assert.Equal(t, []entity.Link{
		{Incoming: "E1_0", Outgoing: "E3_0", Via: ":J6_0_0"},
		{Incoming: "E2_0", Outgoing: "E4_0", Via: ":J6_1_0"},
	}, links)
	phases, err := g.PhaseDefinitions("J6")
	require.NoError(t, err)
	assert.Len(t, phases, 4)
	phase, err := g.Phase("J6")
	require.NoError(t, err)
	assert.Equal(t, int32(2), phase)

	edge, err := g.Edge("E1")
	require.NoError(t, err)
	assert.Equal(t, entity.EdgeStat{Halting: 4, Vehicles: 6, MeanSpeed: 2.5}, edge)

	v, err := g.Vehicle("v1")
	require.NoError(t, err)
	assert.Equal(t, entity.VehicleStat{ID: "v1", Type: "truck", Speed: 3, Acceleration: -5, AccumulatedWait: 12}, v)
	_, err = g.Vehicle("v2")
	assert.ErrorIs(t, err, entity.ErrVehicleGone)

	require.NoError(t, g.SetPhase("J6", 1))
	require.Len(t, f.sets, 2)
	assert.Equal(t, setCall{varID: varTLPhaseIndex, object: "J6", value: int32(1)}, f.sets[0])
	assert.Equal(t, setCall{varID: varTLPhaseDuration, object: "J6", value: float64(pinnedDuration)}, f.sets[1])

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	_, err = g.Edge("E1")
	assert.ErrorIs(t, err, entity.ErrGatewayClosed)
	assert.ErrorIs(t, g.Step(), entity.ErrGatewayClosed)
}

func TestArgs(t *testing.T) {
	g := New(sumoConfig())
	args := g.Args(entity.StartOptions{ConfigFile: "net.sumocfg", RouteFiles: []string{"a.rou.xml", "b.rou.xml"}, Seed: 7}, 8813)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c net.sumocfg")
	assert.Contains(t, joined, "--remote-port 8813")
	assert.Contains(t, joined, "--seed 7")
	assert.Contains(t, joined, "-r a.rou.xml,b.rou.xml")
	assert.Equal(t, "--time-to-teleport", args[len(args)-2])
}
