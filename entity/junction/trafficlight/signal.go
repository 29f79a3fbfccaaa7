// 提供由外部agent驱动的信号灯状态机
// 每个路口在任意时刻处于STABLE（绿灯相位）或TRANSITIONAL（黄灯相位）之一，
// 黄灯结束后切换到agent请求的绿灯相位，绿灯保持时长同样由请求决定
package trafficlight

import (
	"github.com/samber/lo"
)

// State 信号灯状态
type State int

const (
	StateStable       State = iota // 绿灯相位，可变时长
	StateTransitional              // 黄灯相位，固定时长
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "STABLE"
	case StateTransitional:
		return "TRANSITIONAL"
	default:
		return "UNKNOWN"
	}
}

// TransitionKind 一次Update产生的相位变化类型
type TransitionKind int

const (
	TransitionNone     TransitionKind = iota // 无变化
	TransitionYellow                         // 绿灯 -> 黄灯
	TransitionCommit                         // 黄灯 -> 请求的绿灯
	TransitionFailsafe                       // 防饿死强制切换（不经过黄灯）
)

// Transition Update的结果，Kind非None时需要向仿真下发Phase
type Transition struct {
	Kind  TransitionKind
	Phase int32
}

// Request 解码后的agent请求
type Request struct {
	Phase    int32 // 绿灯相位（仿真中的相位索引）
	Duration int32 // 绿灯保持tick数
}

// Failsafe 防饿死保护参数
type Failsafe struct {
	ProbePhases []int32 // 被监控的相位
	MaxElapsed  int32   // 在被监控相位停留的最大tick数（达到即触发）
	SafePhase   int32   // 强制切换到的绿灯相位
	Duration    int32   // 强制切换后的保持时长
}

// Program 路口的静态信控程序，episode之间共享，不可修改
type Program struct {
	Phases          []int32         // 可选绿灯相位（有序）
	Yellow          map[int32]int32 // 绿灯相位 -> 黄灯相位
	YellowTime      int32           // 黄灯持续tick数
	DurationOptions []int32         // 保持时长选项
	AvoidRepeat     bool            // 请求与上一绿灯相同且有其他候选时顺延
	Failsafe        *Failsafe       // 可选
}

// signalRuntime 信号灯运行时数据，reset时整体重建
type signalRuntime struct {
	state      State
	phase      int32 // 当前下发的相位（绿灯或黄灯）
	from       int32 // 黄灯之前的绿灯相位
	lastChange int32 // 上一次相位变化时的tick
	hold       int32 // 当前绿灯保持时长
	pending    Request
	hasPending bool
	lastGreen  int32 // 上一次生效的绿灯相位
}

// Signal 单个路口的信号灯状态机
type Signal struct {
	id      string
	program *Program
	runtime signalRuntime
}

// NewSignal 创建信号灯状态机
// 参数：id-路口ID，program-已校验的信控程序
func NewSignal(id string, program *Program) *Signal {
	return &Signal{id: id, program: program}
}

// Reset 以指定绿灯相位和保持时长开始新的episode
func (s *Signal) Reset(phase int32, hold int32) {
	s.runtime = signalRuntime{
		state:     StateStable,
		phase:     phase,
		from:      phase,
		hold:      hold,
		lastGreen: phase,
	}
}

// Decode 将离散动作索引映射为请求
// 功能：相位索引按路口自身的绿灯相位列表取模，时长索引按时长选项取模，负数同样回绕
// 说明：越界索引永远不会报错，也不会被忽略
func (s *Signal) Decode(phaseIndex, durationIndex int) Request {
	phases := s.program.Phases
	i := wrap(phaseIndex, len(phases))
	phase := phases[i]
	// 请求与上一个绿灯相同且存在其他候选时，顺延到下一个不同的候选
	if s.program.AvoidRepeat && len(phases) > 1 && phase == s.runtime.lastGreen {
		phase = phases[(i+1)%len(phases)]
	}
	return Request{
		Phase:    phase,
		Duration: s.program.DurationOptions[wrap(durationIndex, len(s.program.DurationOptions))],
	}
}

// Update 推进状态机
// 功能：根据当前tick与agent请求决定是否切换相位
// 参数：step-当前tick，req-本tick的agent请求（已解码）
// 返回：需要下发的相位变化
// 算法说明：
// 1. 防饿死检查：在被监控相位停留达到上限时直接切到安全相位，忽略请求
// 2. STABLE：已持续时间达到保持时长则进入对应黄灯，记录请求作为下一绿灯
// 3. TRANSITIONAL：每tick刷新请求；黄灯结束时提交最新请求，保持时长从提交时开始计算
func (s *Signal) Update(step int32, req Request) Transition {
	rt := &s.runtime
	elapsed := step - rt.lastChange

	if fs := s.program.Failsafe; fs != nil && elapsed >= fs.MaxElapsed && lo.Contains(fs.ProbePhases, rt.phase) {
		s.commit(step, Request{Phase: fs.SafePhase, Duration: fs.Duration})
		return Transition{Kind: TransitionFailsafe, Phase: fs.SafePhase}
	}

	switch rt.state {
	case StateStable:
		if elapsed < rt.hold {
			return Transition{}
		}
		yellow := s.program.Yellow[rt.phase]
		rt.state = StateTransitional
		rt.from = rt.phase
		rt.phase = yellow
		rt.lastChange = step
		rt.pending = req
		rt.hasPending = true
		return Transition{Kind: TransitionYellow, Phase: yellow}
	case StateTransitional:
		rt.pending = req
		if elapsed < s.program.YellowTime {
			return Transition{}
		}
		next := rt.pending
		s.commit(step, next)
		return Transition{Kind: TransitionCommit, Phase: next.Phase}
	}
	return Transition{}
}

// commit 进入绿灯相位
func (s *Signal) commit(step int32, req Request) {
	s.runtime = signalRuntime{
		state:      StateStable,
		phase:      req.Phase,
		from:       req.Phase,
		lastChange: step,
		hold:       req.Duration,
		lastGreen:  req.Phase,
	}
}

func (s *Signal) ID() string {
	return s.id
}

func (s *Signal) Program() *Program {
	return s.program
}

// State 当前状态
func (s *Signal) State() State {
	return s.runtime.state
}

// Phase 当前下发的相位
func (s *Signal) Phase() int32 {
	return s.runtime.phase
}

// From 黄灯之前的绿灯相位（STABLE时等于当前相位）
func (s *Signal) From() int32 {
	return s.runtime.from
}

// Elapsed 当前相位已持续的tick数
func (s *Signal) Elapsed(step int32) int32 {
	return step - s.runtime.lastChange
}

// Hold 当前绿灯保持时长
func (s *Signal) Hold() int32 {
	return s.runtime.hold
}

// Pending 黄灯期间等待提交的请求
func (s *Signal) Pending() (Request, bool) {
	return s.runtime.pending, s.runtime.hasPending
}

// LastGreen 上一次生效的绿灯相位
func (s *Signal) LastGreen() int32 {
	return s.runtime.lastGreen
}

func wrap(i, n int) int {
	return ((i % n) + n) % n
}
