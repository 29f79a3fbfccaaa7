package task

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/observation"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/reward"
)

// StepResult 单步结果
type StepResult struct {
	Observation []float64          `json:"observation"`
	Reward      float64            `json:"reward"`
	Breakdown   reward.Breakdown   `json:"breakdown"`
	Terminated  bool               `json:"terminated"`
	Info        map[string]float64 `json:"info,omitempty"` // 只在episode结束时填充
}

// episode 单个episode的可变状态，Reset时新建，结束后丢弃
type episode struct {
	done        bool
	totalReward float64
	haltedSum   int64
	arrived     int64
	teleported  int64
	failsafes   int

	edges map[string]entity.EdgeStat // 上一tick的道路统计

	waits    map[string]float64 // 车辆ID -> episode内观测到的最大累计等待时间
	types    map[string]string  // 车辆ID -> 车辆类型
	speedSum float64
	speedN   int
}

func newEpisode() *episode {
	return &episode{
		edges: make(map[string]entity.EdgeStat),
		waits: make(map[string]float64),
		types: make(map[string]string),
	}
}

// Step 推进一个tick
// 功能：
// 1. 按路口解码动作并推进信号灯状态机（含防饿死检查），下发相位变化
// 2. 仿真推进一个tick
// 3. 读取遥测，计算观测与奖励
// 4. 判断终止：仿真没有待完成的需求，或达到最大tick数
// 5. 终止时计算各类车辆的平均累计等待时间并关闭仿真
// 参数：ctx-只在tick开始前检查取消，action-长度为2×路口数的离散动作，越界索引按模回绕
// 返回：单步结果；网关错误时仿真已被关闭
func (env *Env) Step(ctx context.Context, action []int) (StepResult, error) {
	ep := env.ep
	if ep == nil {
		return StepResult{}, ErrNotReset
	}
	if ep.done {
		return StepResult{}, ErrEpisodeDone
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if want := 2 * len(env.junctionManager.Intersections()); len(action) != want {
		return StepResult{}, fmt.Errorf("%w: got %d values, want %d", ErrActionShape, len(action), want)
	}

	forced, err := env.junctionManager.Update(env.clock.InternalStep, action)
	if err != nil {
		return StepResult{}, env.fail(err)
	}
	if err := env.gateway.Step(); err != nil {
		return StepResult{}, env.fail(fmt.Errorf("simulation step: %w", err))
	}
	env.clock.Tick()

	obs, in, err := env.observe(ep)
	if err != nil {
		return StepResult{}, env.fail(err)
	}
	b := env.reward.Compute(in)
	ep.totalReward += b.Total
	ep.haltedSum += in.Halted
	ep.arrived += b.NewArrived
	ep.teleported += b.NewTeleported
	ep.failsafes += forced

	res := StepResult{
		Observation: obs,
		Reward:      b.Total,
		Breakdown:   b,
		Terminated:  in.Simulation.Pending <= 0 || env.clock.Exhausted(),
	}

	if interval := env.runtimeConfig.C.HeartbeatInterval; interval > 0 && env.clock.InternalStep%interval == 0 {
		log.Infof(
			"STEP: %d(%s) reward %.4f total %.4f halted %d arrived %d pending %d",
			env.clock.InternalStep, env.clock, b.Total, ep.totalReward, in.Halted, ep.arrived, in.Simulation.Pending,
		)
	}

	if res.Terminated {
		ep.done = true
		res.Info = env.info(ep)
		log.Infof("episode terminated at step %d with total reward %.4f", env.clock.InternalStep, ep.totalReward)
		if err := env.closeGateway(); err != nil {
			log.Warnf("close simulation at episode end: %v", err)
		}
	}
	return res, nil
}

// observe 读取当前tick的遥测
// 功能：生成观测向量与奖励输入，并累积episode内的车辆统计
func (env *Env) observe(ep *episode) ([]float64, reward.Inputs, error) {
	gw := env.gateway
	names := env.junctionManager.Edges()
	edges := make([]entity.EdgeStat, len(names))
	var halted int64
	for i, name := range names {
		s, err := gw.Edge(name)
		if err != nil {
			return nil, reward.Inputs{}, fmt.Errorf("read edge %s: %w", name, err)
		}
		edges[i] = s
		ep.edges[name] = s
		halted += int64(max(s.Halting, 0))
	}

	intersections := env.junctionManager.Intersections()
	signals := lo.Map(intersections, func(j *junction.Intersection, _ int) observation.SignalReading {
		return observation.SignalReading{Phase: j.Phase(), Elapsed: j.Elapsed()}
	})
	elapsedSum := lo.SumBy(signals, func(s observation.SignalReading) float64 {
		return float64(s.Elapsed)
	})

	sim, err := gw.Simulation()
	if err != nil {
		return nil, reward.Inputs{}, fmt.Errorf("read simulation: %w", err)
	}
	vehicles, err := reward.CollectVehicles(gw, env.runtimeConfig.R.BrakeThreshold)
	if err != nil {
		return nil, reward.Inputs{}, err
	}
	for _, v := range vehicles.List {
		ep.waits[v.ID] = max(ep.waits[v.ID], v.AccumulatedWait)
		ep.types[v.ID] = v.Type
		ep.speedSum += v.Speed
		ep.speedN++
	}

	obs := env.encoder.Encode(edges, signals)
	return obs, reward.Inputs{
		Halted:       halted,
		Simulation:   sim,
		HarshBraking: vehicles.HarshBraking,
		MaxWait:      vehicles.MaxWait,
		ElapsedSum:   elapsedSum,
	}, nil
}

// info episode结束时的诊断信息：各类车辆的平均累计等待时间，没有该类车辆时为0
func (env *Env) info(ep *episode) map[string]float64 {
	byType := lo.GroupBy(lo.Keys(ep.waits), func(id string) string {
		return ep.types[id]
	})
	info := make(map[string]float64, len(env.runtimeConfig.C.VehicleTypes))
	for _, vtype := range env.runtimeConfig.C.VehicleTypes {
		ids := byType[vtype]
		if len(ids) == 0 {
			info["wait_time/"+vtype] = 0
			continue
		}
		info["wait_time/"+vtype] = lo.SumBy(ids, func(id string) float64 { return ep.waits[id] }) / float64(len(ids))
	}
	return info
}

// EdgeStats 上一tick的道路统计
func (env *Env) EdgeStats() map[string]entity.EdgeStat {
	if env.ep == nil {
		return nil
	}
	return env.ep.edges
}
