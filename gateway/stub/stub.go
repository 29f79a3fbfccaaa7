// 内存中的脚本化仿真网关，用于测试与不启动仿真进程的试运行
package stub

import (
	"context"
	"fmt"
	"sort"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
)

var (
	G = mapv2.LightState_LIGHT_STATE_GREEN
	Y = mapv2.LightState_LIGHT_STATE_YELLOW
	R = mapv2.LightState_LIGHT_STATE_RED
)

// TrafficLight 脚本中的信号灯
type TrafficLight struct {
	Lanes  []string
	Links  []entity.Link // 为空时由Lanes生成，不含出口车道
	Phases []*mapv2.Phase
	Phase  int32 // 启动时的相位
}

// PhaseCommand 记录一次相位下发
type PhaseCommand struct {
	Step  int32
	TLS   string
	Phase int32
}

// Script 每个tick推进后调用，用于修改遥测数据或注入错误
type Script func(g *Gateway, step int32) error

// Gateway 脚本化网关
// 说明：非并发安全，与真实网关一样只允许episode所在的goroutine调用
type Gateway struct {
	TrafficLights map[string]*TrafficLight
	Edges         map[string]entity.EdgeStat
	Vehicles      map[string]entity.VehicleStat
	Gone          map[string]bool // 查询时返回ErrVehicleGone的车辆
	Stat          entity.SimulationStat
	Script        Script
	StartErr      error // Start返回的错误（仍视为进程已拉起）
	CloseErr      error // Close返回的错误

	running  bool
	step     int32
	phases   map[string]int32
	Starts   int
	Closes   int
	Last     entity.StartOptions
	Commands []PhaseCommand
}

// New 创建网关，Pending默认1，表示需求永不耗尽
func New(tls map[string]*TrafficLight) *Gateway {
	return &Gateway{
		TrafficLights: tls,
		Edges:         make(map[string]entity.EdgeStat),
		Vehicles:      make(map[string]entity.VehicleStat),
		Gone:          make(map[string]bool),
		Stat:          entity.SimulationStat{Pending: 1},
	}
}

// NewCross 创建若干个两相位十字路口
// 功能：每个路口有南北、东西两组进口道路，相位0/2为绿灯，1/3为对应黄灯
func NewCross(ids ...string) *Gateway {
	tls := make(map[string]*TrafficLight, len(ids))
	for _, id := range ids {
		tls[id] = &TrafficLight{
			Lanes: []string{id + "_n_0", id + "_s_0", id + "_e_0", id + "_w_0", ":" + id + "_c_0"},
			Phases: []*mapv2.Phase{
				{Duration: 30, States: []mapv2.LightState{G, G, R, R, G}},
				{Duration: 3, States: []mapv2.LightState{Y, Y, R, R, Y}},
				{Duration: 30, States: []mapv2.LightState{R, R, G, G, G}},
				{Duration: 3, States: []mapv2.LightState{R, R, Y, Y, Y}},
			},
		}
	}
	return New(tls)
}

func (g *Gateway) Start(ctx context.Context, opts entity.StartOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.running {
		return fmt.Errorf("stub: already running")
	}
	g.running = true
	g.step = 0
	g.Starts++
	if g.StartErr != nil {
		return g.StartErr
	}
	g.Last = opts
	g.Commands = nil
	g.phases = lo.MapValues(g.TrafficLights, func(tl *TrafficLight, _ string) int32 { return tl.Phase })
	return nil
}

func (g *Gateway) Step() error {
	if !g.running {
		return entity.ErrGatewayClosed
	}
	g.step++
	if g.Script != nil {
		return g.Script(g, g.step)
	}
	return nil
}

func (g *Gateway) Close() error {
	if g.running {
		g.running = false
		g.Closes++
	}
	return g.CloseErr
}

// Running 是否处于启动状态
func (g *Gateway) Running() bool {
	return g.running
}

// CurrentStep 已推进的tick数
func (g *Gateway) CurrentStep() int32 {
	return g.step
}

func (g *Gateway) tl(id string) (*TrafficLight, error) {
	if !g.running {
		return nil, entity.ErrGatewayClosed
	}
	tl, ok := g.TrafficLights[id]
	if !ok {
		return nil, fmt.Errorf("stub: unknown traffic light %s", id)
	}
	return tl, nil
}

func (g *Gateway) TrafficLightIDs() ([]string, error) {
	if !g.running {
		return nil, entity.ErrGatewayClosed
	}
	ids := lo.Keys(g.TrafficLights)
	sort.Strings(ids)
	return ids, nil
}

func (g *Gateway) ControlledLanes(tlsID string) ([]string, error) {
	tl, err := g.tl(tlsID)
	if err != nil {
		return nil, err
	}
	return tl.Lanes, nil
}

func (g *Gateway) ControlledLinks(tlsID string) ([]entity.Link, error) {
	tl, err := g.tl(tlsID)
	if err != nil {
		return nil, err
	}
	if tl.Links != nil {
		return tl.Links, nil
	}
	return lo.Map(tl.Lanes, func(lane string, _ int) entity.Link { return entity.Link{Incoming: lane} }), nil
}

func (g *Gateway) PhaseDefinitions(tlsID string) ([]*mapv2.Phase, error) {
	tl, err := g.tl(tlsID)
	if err != nil {
		return nil, err
	}
	return tl.Phases, nil
}

func (g *Gateway) Phase(tlsID string) (int32, error) {
	if _, err := g.tl(tlsID); err != nil {
		return 0, err
	}
	return g.phases[tlsID], nil
}

func (g *Gateway) SetPhase(tlsID string, phase int32) error {
	tl, err := g.tl(tlsID)
	if err != nil {
		return err
	}
	if phase < 0 || int(phase) >= len(tl.Phases) {
		return fmt.Errorf("stub: phase %d outside program of %s", phase, tlsID)
	}
	g.phases[tlsID] = phase
	g.Commands = append(g.Commands, PhaseCommand{Step: g.step, TLS: tlsID, Phase: phase})
	return nil
}

// Edge 未脚本化的道路返回全0
func (g *Gateway) Edge(edgeID string) (entity.EdgeStat, error) {
	if !g.running {
		return entity.EdgeStat{}, entity.ErrGatewayClosed
	}
	return g.Edges[edgeID], nil
}

func (g *Gateway) VehicleIDs() ([]string, error) {
	if !g.running {
		return nil, entity.ErrGatewayClosed
	}
	ids := lo.Keys(g.Vehicles)
	sort.Strings(ids)
	return ids, nil
}

func (g *Gateway) Vehicle(vehicleID string) (entity.VehicleStat, error) {
	if !g.running {
		return entity.VehicleStat{}, entity.ErrGatewayClosed
	}
	v, ok := g.Vehicles[vehicleID]
	if !ok || g.Gone[vehicleID] {
		return entity.VehicleStat{}, fmt.Errorf("stub: vehicle %s: %w", vehicleID, entity.ErrVehicleGone)
	}
	v.ID = vehicleID
	return v, nil
}

func (g *Gateway) Simulation() (entity.SimulationStat, error) {
	if !g.running {
		return entity.SimulationStat{}, entity.ErrGatewayClosed
	}
	return g.Stat, nil
}
