// 奖励函数：每个tick根据拥堵、通行、死锁、安全与相位停滞情况计算标量奖励
package reward

import (
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

// Counters 上一个tick的累计计数，属于episode状态，只在Reset中创建
type Counters struct {
	Arrived    int64
	Teleported int64
}

// Inputs 单个tick的奖励输入
type Inputs struct {
	Halted       int64                 // 受观测道路上的停车车辆数之和
	Simulation   entity.SimulationStat // 累计到达/瞬移计数
	HarshBraking int                   // 加速度低于阈值的车辆数
	MaxWait      float64               // 在网车辆的最大累计等待时间（秒）
	ElapsedSum   float64               // 所有路口当前相位已持续tick数之和
}

// Breakdown 奖励分项，Total为各项之和除以缩放系数
type Breakdown struct {
	NewArrived    int64   `json:"new_arrived"`
	NewTeleported int64   `json:"new_teleported"`
	Congestion    float64 `json:"congestion"`
	Throughput    float64 `json:"throughput"`
	Gridlock      float64 `json:"gridlock"`
	Time          float64 `json:"time"`
	HarshBraking  float64 `json:"harsh_braking"`
	MaxWait       float64 `json:"max_wait"`
	StalePhase    float64 `json:"stale_phase"`
	Total         float64 `json:"total"`
}

// Function 奖励函数
type Function struct {
	w        config.Weights
	counters Counters
}

// New 创建奖励函数
// 参数：w-已补全默认值的权重
func New(w config.Weights) *Function {
	return &Function{w: w}
}

// Reset 以仿真启动时的累计计数作为新episode的基线
func (f *Function) Reset(stat entity.SimulationStat) {
	f.counters = Counters{
		Arrived:    stat.Arrived,
		Teleported: stat.Teleported,
	}
}

// Counters 当前基线
func (f *Function) Counters() Counters {
	return f.counters
}

// Compute 计算本tick奖励并推进基线
// 功能：新到达/新瞬移为本tick累计值与上一tick之差；差值为负（仿真计数回退）时记为0并告警
// 算法说明：
// 1. 拥堵：-Halted × 停车数
// 2. 通行：+Arrived × 新到达数
// 3. 死锁：-Teleported × 新瞬移数
// 4. 时间：-Tick
// 5. 急刹：-HarshBraking × 急刹车辆数
// 6. 最大等待：-MaxWait × 最大等待时间²
// 7. 相位停滞：-StalePhase × Σ已持续时间
// 8. 总和除以Scale
func (f *Function) Compute(in Inputs) Breakdown {
	newArrived := in.Simulation.Arrived - f.counters.Arrived
	if newArrived < 0 {
		log.Warnf("arrived counter went backwards: %d -> %d", f.counters.Arrived, in.Simulation.Arrived)
		newArrived = 0
	}
	newTeleported := in.Simulation.Teleported - f.counters.Teleported
	if newTeleported < 0 {
		log.Warnf("teleport counter went backwards: %d -> %d", f.counters.Teleported, in.Simulation.Teleported)
		newTeleported = 0
	}
	f.counters = Counters{Arrived: in.Simulation.Arrived, Teleported: in.Simulation.Teleported}

	b := Breakdown{
		NewArrived:    newArrived,
		NewTeleported: newTeleported,
		Congestion:    -f.w.Halted * float64(in.Halted),
		Throughput:    f.w.Arrived * float64(newArrived),
		Gridlock:      -f.w.Teleported * float64(newTeleported),
		Time:          -f.w.Tick,
		HarshBraking:  -f.w.HarshBraking * float64(in.HarshBraking),
		MaxWait:       -f.w.MaxWait * in.MaxWait * in.MaxWait,
		StalePhase:    -f.w.StalePhase * in.ElapsedSum,
	}
	sum := b.Congestion + b.Throughput + b.Gridlock + b.Time + b.HarshBraking + b.MaxWait + b.StalePhase
	b.Total = sum / f.w.Scale
	return b
}
