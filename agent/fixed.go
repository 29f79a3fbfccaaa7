package agent

import (
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
)

// FixedCycle 固定周期策略
// 按信控表中的绿灯相位顺序轮转，每个绿灯使用相同的保持时长
type FixedCycle struct {
	duration int
}

func NewFixedCycle(durationIndex int) *FixedCycle {
	return &FixedCycle{duration: durationIndex}
}

func (p *FixedCycle) Name() string {
	return PolicyFixed
}

func (p *FixedCycle) Reset(env *task.Env) {}

// Act 每个路口请求上一个生效绿灯的下一个相位
func (p *FixedCycle) Act(env *task.Env, obs []float64) []int {
	intersections := env.JunctionManager().Intersections()
	action := make([]int, 0, 2*len(intersections))
	for _, j := range intersections {
		phases := j.StablePhases()
		i := lo.IndexOf(phases, j.Signal().LastGreen())
		action = append(action, (i+1)%len(phases), p.duration)
	}
	return action
}
