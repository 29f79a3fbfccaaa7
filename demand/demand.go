// 出行需求生成
// 每次reset前根据种子生成新的需求文件，由仿真启动时通过-r读取
package demand

import (
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

const (
	KindNone     = "none"
	KindRandom   = "random"
	KindPipeline = "pipeline"
)

// New 根据配置创建需求生成器
// 返回：未配置需求时返回nil，表示直接使用仿真配置文件中的需求
func New(c config.Demand) (entity.IDemandGenerator, error) {
	switch c.Kind {
	case "", KindNone:
		return nil, nil
	case KindRandom:
		if c.Random == nil {
			return nil, entity.ConfigError("demand: kind random requires a random section")
		}
		r, err := NewRandomTrips(*c.Random)
		if err != nil {
			return nil, err
		}
		return r, nil
	case KindPipeline:
		p, err := NewPipeline(c.Commands)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, entity.ConfigError("demand: unknown kind %q", c.Kind)
	}
}
