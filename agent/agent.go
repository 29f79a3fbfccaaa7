// 内置决策策略，用于基线评估与数据采集
package agent

import (
	"errors"
	"flag"
	"fmt"

	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
)

var (
	durationIndex  = flag.Int("agent.duration_index", 0, "固定周期与最大压力策略使用的保持时长索引")
	maxRepeatCount = flag.Int("agent.mp_max_repeat_count", 6, "最大压力策略每个相位最多连续重复的次数")
)

var (
	ErrUnknownPolicy = errors.New("agent: unknown policy")
)

const (
	PolicyFixed       = "fixed"
	PolicyMaxPressure = "maxpressure"
	PolicyRandom      = "random"
)

// New 根据名称创建策略
// 参数：name-策略名（fixed | maxpressure | random），seed-随机策略的种子
func New(name string, seed uint64) (task.Policy, error) {
	switch name {
	case "", PolicyFixed:
		return NewFixedCycle(*durationIndex), nil
	case PolicyMaxPressure:
		return NewMaxPressure(*durationIndex, *maxRepeatCount), nil
	case PolicyRandom:
		return NewRandom(seed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
