// 观测编码：将道路遥测与路口计时转换为定长、归一化到[0,1]的向量
package observation

import (
	"math"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

// SignalReading 路口在当前tick的相位与已持续时间
type SignalReading struct {
	Phase   int32
	Elapsed int32
}

// Encoder 观测编码器
// 功能：向量组成与长度在创建时确定，整个生命周期内不变
// 说明：
//   - full：[停车数×E, 车辆数×E, 平均速度×E, 相位×N, 已持续时间×N]，长度3E+2N
//   - reduced：[停车数×E, 相位×N, 已持续时间×N]，长度E+2N
type Encoder struct {
	o             config.Observation
	edges         int
	intersections int
	length        int
}

// New 创建观测编码器
// 参数：o-观测配置（已补全默认值），edges-受观测道路数，intersections-路口数
func New(o config.Observation, edges, intersections int) *Encoder {
	e := &Encoder{o: o, edges: edges, intersections: intersections}
	switch o.Mode {
	case config.ObservationReduced:
		e.length = edges + 2*intersections
	default:
		e.length = 3*edges + 2*intersections
	}
	return e
}

// Len 观测向量长度
func (e *Encoder) Len() int {
	return e.length
}

// Mode 观测组成
func (e *Encoder) Mode() string {
	if e.o.Mode == config.ObservationReduced {
		return config.ObservationReduced
	}
	return config.ObservationFull
}

// Encode 生成观测向量
// 功能：每个量除以饱和值后截断到[0,1]，NaN记为0；没有车辆的道路三项均为0
// 参数：edges-按受观测道路顺序排列的统计，signals-按路口顺序排列的相位读数
// 返回：观测向量；输入长度与创建时不一致时panic
func (e *Encoder) Encode(edges []entity.EdgeStat, signals []SignalReading) []float64 {
	if len(edges) != e.edges || len(signals) != e.intersections {
		log.Panicf("observation: got %d edges and %d intersections, want %d and %d", len(edges), len(signals), e.edges, e.intersections)
	}
	obs := make([]float64, 0, e.length)

	halting := make([]float64, e.edges)
	vehicles := make([]float64, e.edges)
	speed := make([]float64, e.edges)
	for i, s := range edges {
		if s.Vehicles <= 0 {
			continue
		}
		halting[i] = normalize(float64(s.Halting), e.o.MaxVehiclesPerEdge)
		vehicles[i] = normalize(float64(s.Vehicles), e.o.MaxVehiclesPerEdge)
		speed[i] = normalize(s.MeanSpeed, e.o.MaxSpeed)
	}
	phases := lo.Map(signals, func(s SignalReading, _ int) float64 {
		return normalize(float64(s.Phase), e.o.MaxPhaseIndex)
	})
	elapsed := lo.Map(signals, func(s SignalReading, _ int) float64 {
		return normalize(float64(s.Elapsed), e.o.MaxElapsed)
	})

	obs = append(obs, halting...)
	if e.Mode() == config.ObservationFull {
		obs = append(obs, vehicles...)
		obs = append(obs, speed...)
	}
	obs = append(obs, phases...)
	obs = append(obs, elapsed...)
	return obs
}

func normalize(v, saturation float64) float64 {
	if math.IsNaN(v) || saturation <= 0 {
		return 0
	}
	return lo.Clamp(v/saturation, 0, 1)
}
