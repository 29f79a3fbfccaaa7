// 最大压力策略
// 不按相位顺序切换，而是在每次黄灯期间计算所有绿灯相位的压力，选取压力最大的相位
package agent

import (
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction/trafficlight"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
)

// mpRuntime 单个路口的最大压力运行时数据
type mpRuntime struct {
	state       trafficlight.State // 上一次观察到的状态
	from        int32              // 上一次观察到的黄灯前绿灯
	repeatCount int                // 当前绿灯连续重复的次数
}

// MaxPressure 最大压力策略
type MaxPressure struct {
	duration  int
	maxRepeat int
	runtime   map[string]*mpRuntime
}

func NewMaxPressure(durationIndex, maxRepeat int) *MaxPressure {
	return &MaxPressure{
		duration:  durationIndex,
		maxRepeat: maxRepeat,
		runtime:   make(map[string]*mpRuntime),
	}
}

func (p *MaxPressure) Name() string {
	return PolicyMaxPressure
}

// Reset 清空所有路口的重复计数
func (p *MaxPressure) Reset(env *task.Env) {
	p.runtime = lo.SliceToMap(env.JunctionManager().Intersections(), func(j *junction.Intersection) (string, *mpRuntime) {
		return j.ID(), &mpRuntime{state: trafficlight.StateStable, repeatCount: 1}
	})
}

// Act 计算动作
// 算法说明：
// 1. 根据上一tick的道路停车数计算每个绿灯相位的压力（压力=绿灯进口道路停车数之和）
// 2. 选择压力最大的相位
// 3. 如果最大压力相位与当前绿灯相同且已达到最大重复次数，则改选压力第二大的相位
// 4. 黄灯结束后相位生效时更新重复次数
func (p *MaxPressure) Act(env *task.Env, obs []float64) []int {
	halting := lo.MapValues(env.EdgeStats(), func(s entity.EdgeStat, _ string) int32 {
		return s.Halting
	})
	m := env.JunctionManager()
	intersections := m.Intersections()
	action := make([]int, 0, 2*len(intersections))
	for _, j := range intersections {
		signal := j.Signal()
		rt, ok := p.runtime[j.ID()]
		if !ok {
			rt = &mpRuntime{state: trafficlight.StateStable, repeatCount: 1}
			p.runtime[j.ID()] = rt
		}
		// 黄灯 -> 绿灯：相位刚刚生效
		if rt.state == trafficlight.StateTransitional && signal.State() == trafficlight.StateStable {
			if signal.LastGreen() == rt.from {
				rt.repeatCount++
			} else {
				rt.repeatCount = 1
			}
		}
		rt.state = signal.State()
		rt.from = signal.From()

		order, err := m.Pressure(j.ID(), halting)
		if err != nil || len(order) == 0 {
			log.Panicf("max pressure: %v", err)
		}
		next := order[0]
		if next == signal.LastGreen() && rt.repeatCount >= p.maxRepeat && len(order) > 1 {
			next = order[1]
		}
		action = append(action, lo.IndexOf(j.StablePhases(), next), p.duration)
	}
	return action
}
