package agent

import (
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/randengine"
)

// Random 均匀随机策略，相同种子产生相同的动作序列
type Random struct {
	generator *randengine.Engine
}

func NewRandom(seed uint64) *Random {
	return &Random{generator: randengine.New(seed)}
}

func (p *Random) Name() string {
	return PolicyRandom
}

func (p *Random) Reset(env *task.Env) {}

func (p *Random) Act(env *task.Env, obs []float64) []int {
	shape := env.ActionShape()
	action := make([]int, len(shape))
	for i, n := range shape {
		action[i] = p.generator.Intn(n)
	}
	return action
}
