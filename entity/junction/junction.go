package junction

import (
	"strings"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction/trafficlight"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

// Intersection 受控路口
// 功能：保存由配置与仿真拓扑共同确定的不可变数据，以及路口独占的信号灯状态机
// 说明：不可变部分在episode之间共享，状态机在每次reset时重建运行时数据
type Intersection struct {
	ctx entity.ITaskContext

	index       int32  // 在Manager中的序号，RPC以此作为路口ID
	id          string // 仿真中的信号灯ID
	spec        config.Intersection
	lanes       []string       // 信号灯每个link对应的进口车道（去重前）
	edges       []string       // 受观测道路：进口道路在前、出口道路在后（去重、保持首次出现顺序）
	definitions []*mapv2.Phase // 信控程序的相位定义

	signal *trafficlight.Signal
}

// newIntersection 创建路口并校验配置
// 功能：读取仿真拓扑中该信号灯的受控车道与相位定义，校验信控表后构建状态机
// 参数：ctx-任务上下文，index-序号，spec-信控表项
// 返回：路口实例；信控表与拓扑不一致时返回ErrInvalidConfig
func newIntersection(ctx entity.ITaskContext, index int32, spec config.Intersection) (*Intersection, error) {
	gw := ctx.Gateway()
	lanes, err := gw.ControlledLanes(spec.ID)
	if err != nil {
		return nil, err
	}
	links, err := gw.ControlledLinks(spec.ID)
	if err != nil {
		return nil, err
	}
	definitions, err := gw.PhaseDefinitions(spec.ID)
	if err != nil {
		return nil, err
	}
	if err := validate(spec, definitions); err != nil {
		return nil, err
	}

	c := ctx.RuntimeConfig().C
	program := &trafficlight.Program{
		Phases:          spec.Phases,
		Yellow:          spec.Yellow,
		YellowTime:      c.YellowTime,
		DurationOptions: c.DurationOptions,
		AvoidRepeat:     c.AvoidRepeat,
	}
	if fs := spec.Failsafe; fs != nil {
		program.Failsafe = &trafficlight.Failsafe{
			ProbePhases: fs.ProbePhases,
			MaxElapsed:  fs.MaxElapsed,
			SafePhase:   fs.SafePhase,
			Duration:    ctx.RuntimeConfig().Duration(fs.DurationIndex),
		}
	}

	outgoing := lo.Map(links, func(l entity.Link, _ int) string { return l.Outgoing })
	edges := lo.Uniq(lo.FilterMap(append(append([]string{}, lanes...), outgoing...), func(lane string, _ int) (string, bool) {
		return laneEdge(lane)
	}))

	return &Intersection{
		ctx:         ctx,
		index:       index,
		id:          spec.ID,
		spec:        spec,
		lanes:       lanes,
		edges:       edges,
		definitions: definitions,
		signal:      trafficlight.NewSignal(spec.ID, program),
	}, nil
}

// validate 校验信控表项与仿真中的相位定义
func validate(spec config.Intersection, definitions []*mapv2.Phase) error {
	n := int32(len(definitions))
	if len(spec.Phases) == 0 {
		return entity.ConfigError("intersection %s: no stable phases", spec.ID)
	}
	if len(lo.Uniq(spec.Phases)) != len(spec.Phases) {
		return entity.ConfigError("intersection %s: duplicated stable phases %v", spec.ID, spec.Phases)
	}
	for _, p := range spec.Phases {
		if p < 0 || p >= n {
			return entity.ConfigError("intersection %s: stable phase %d outside program of %d phases", spec.ID, p, n)
		}
		if !hasState(definitions[p], mapv2.LightState_LIGHT_STATE_GREEN) {
			return entity.ConfigError("intersection %s: stable phase %d has no green link", spec.ID, p)
		}
		y, ok := spec.Yellow[p]
		if !ok {
			return entity.ConfigError("intersection %s: stable phase %d has no yellow mapping", spec.ID, p)
		}
		if y < 0 || y >= n {
			return entity.ConfigError("intersection %s: yellow phase %d outside program of %d phases", spec.ID, y, n)
		}
		if lo.Contains(spec.Phases, y) {
			return entity.ConfigError("intersection %s: yellow phase %d is also a stable phase", spec.ID, y)
		}
		if !hasState(definitions[y], mapv2.LightState_LIGHT_STATE_YELLOW) {
			return entity.ConfigError("intersection %s: phase %d mapped as yellow has no yellow link", spec.ID, y)
		}
	}
	if fs := spec.Failsafe; fs != nil {
		if fs.MaxElapsed <= 0 {
			return entity.ConfigError("intersection %s: failsafe max_elapsed must be positive", spec.ID)
		}
		if len(fs.ProbePhases) == 0 {
			return entity.ConfigError("intersection %s: failsafe without probe phases", spec.ID)
		}
		if !lo.Contains(spec.Phases, fs.SafePhase) {
			return entity.ConfigError("intersection %s: failsafe safe phase %d is not a stable phase", spec.ID, fs.SafePhase)
		}
		if lo.Contains(fs.ProbePhases, fs.SafePhase) {
			return entity.ConfigError("intersection %s: failsafe safe phase %d is also probed", spec.ID, fs.SafePhase)
		}
		for _, p := range fs.ProbePhases {
			if p < 0 || p >= n {
				return entity.ConfigError("intersection %s: failsafe probe phase %d outside program", spec.ID, p)
			}
		}
	}
	return nil
}

func isGreen(state mapv2.LightState) bool {
	return state == mapv2.LightState_LIGHT_STATE_GREEN
}

func hasState(phase *mapv2.Phase, state mapv2.LightState) bool {
	return phase != nil && lo.Contains(phase.States, state)
}

// laneEdge 车道ID转道路ID（"edge_0" -> "edge"），路口内部车道返回false
func laneEdge(lane string) (string, bool) {
	if lane == "" || strings.HasPrefix(lane, ":") {
		return "", false
	}
	i := strings.LastIndexByte(lane, '_')
	if i <= 0 {
		return lane, true
	}
	return lane[:i], true
}

// reset 开始新的episode
// 功能：沿用仿真当前所处的合法绿灯相位，否则切到第一个绿灯相位；两种情况都会锁定相位
func (j *Intersection) reset() error {
	gw := j.ctx.Gateway()
	phase, err := gw.Phase(j.id)
	if err != nil {
		return err
	}
	if !lo.Contains(j.spec.Phases, phase) {
		phase = j.spec.Phases[0]
	}
	if err := gw.SetPhase(j.id, phase); err != nil {
		return err
	}
	rc := j.ctx.RuntimeConfig()
	j.signal.Reset(phase, rc.Duration(rc.C.DefaultDurationIndex))
	return nil
}

// update 推进信号灯状态机并下发相位变化
// 参数：step-当前tick，phaseIndex/durationIndex-agent给出的离散动作
// 返回：本tick是否触发了防饿死保护；下发失败时返回网关错误
func (j *Intersection) update(step int32, phaseIndex, durationIndex int) (bool, error) {
	req := j.signal.Decode(phaseIndex, durationIndex)
	tr := j.signal.Update(step, req)
	switch tr.Kind {
	case trafficlight.TransitionNone:
		return false, nil
	case trafficlight.TransitionFailsafe:
		log.Warnf("intersection %s: phase held %d ticks, forced to safe phase %d", j.id, j.signal.Program().Failsafe.MaxElapsed, tr.Phase)
	default:
		log.Debugf("intersection %s: %v -> phase %d at step %d", j.id, j.signal.State(), tr.Phase, step)
	}
	if err := j.ctx.Gateway().SetPhase(j.id, tr.Phase); err != nil {
		return false, err
	}
	return tr.Kind == trafficlight.TransitionFailsafe, nil
}

func (j *Intersection) ID() string {
	return j.id
}

// Edges 受观测的进口与出口道路
func (j *Intersection) Edges() []string {
	return j.edges
}

// Lanes 受控车道（与相位定义中的link一一对应）
func (j *Intersection) Lanes() []string {
	return j.lanes
}

// PhaseDefinitions 信控程序的相位定义
func (j *Intersection) PhaseDefinitions() []*mapv2.Phase {
	return j.definitions
}

// StablePhases 可选绿灯相位
func (j *Intersection) StablePhases() []int32 {
	return j.spec.Phases
}

// Signal 路口的信号灯状态机
func (j *Intersection) Signal() *trafficlight.Signal {
	return j.signal
}

// Phase 当前相位
func (j *Intersection) Phase() int32 {
	return j.signal.Phase()
}

// Elapsed 当前相位已持续的tick数
func (j *Intersection) Elapsed() int32 {
	return j.signal.Elapsed(j.ctx.Clock().InternalStep)
}

// Remaining 当前相位的剩余tick数（绿灯为保持时长，黄灯为黄灯时长）
func (j *Intersection) Remaining() int32 {
	total := j.signal.Hold()
	if j.signal.State() == trafficlight.StateTransitional {
		total = j.signal.Program().YellowTime
	}
	return max(total-j.Elapsed(), 0)
}
