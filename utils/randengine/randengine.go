// 随机数引擎，包装了golang.org/x/exp/rand
// 需求生成、随机策略与每个episode的种子派生共用，同一种子得到完全相同的序列
package randengine

import (
	"flag"
	"log"

	"golang.org/x/exp/rand"
)

var (
	seedOffset = flag.Uint64("rand.seed_offset", 0, "seed offset") // 种子偏移量，不改配置即可整体换一组随机序列
)

// Engine 随机数引擎（非线程安全，每个episode控制器/策略/生成器各持有一个）
type Engine struct {
	*rand.Rand
}

// New 创建随机数引擎
// 参数：seed-随机数种子（会加上rand.seed_offset）
func New(seed uint64) *Engine {
	return &Engine{Rand: rand.New(rand.NewSource(seed + *seedOffset))}
}

// DiscreteDistribution 按给定权重抽取下标
// 功能：权重无需归一化，权重为0的下标不会被抽中
// 参数：weight-非负权重数组，总和必须大于0
// 返回：[0, len(weight))中的下标
func (e *Engine) DiscreteDistribution(weight []float64) int32 {
	total := .0
	for _, w := range weight {
		total += w
	}
	random := total * e.Float64()
	sum := 0.
	for i, w := range weight {
		sum += w
		if sum > random {
			return int32(i)
		}
	}
	log.Panicf("randengine: DiscreteDistribution: sum: %f random: %f", sum, random)
	return -1
}

// PTrue 以概率p返回true
func (e *Engine) PTrue(p float64) bool {
	return e.Float64() < p
}

// Choice 从非空切片中均匀抽取一个元素
func Choice[T any](e *Engine, xs []T) T {
	return xs[e.Intn(len(xs))]
}

// Derive 派生一个新的种子
// 说明：用于每次reset时为需求生成取一个与前一个episode不同、但可复现的种子，结果不为0
func (e *Engine) Derive() uint64 {
	for {
		if s := e.Uint64(); s != 0 {
			return s
		}
	}
}
