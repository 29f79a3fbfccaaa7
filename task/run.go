package task

import (
	"context"
	"fmt"

	"github.com/samber/lo"
)

// Policy 决策策略
// Act根据当前观测给出长度为2×路口数的动作，env用于读取路口拓扑与上一tick的道路统计
type Policy interface {
	Name() string
	Reset(env *Env)
	Act(env *Env, obs []float64) []int
}

// EpisodeResult episode汇总
type EpisodeResult struct {
	Steps       int32              `json:"steps" bson:"steps"`
	SimSeconds  float64            `json:"sim_seconds" bson:"sim_seconds"`
	TotalReward float64            `json:"total_reward" bson:"total_reward"`
	MeanHalted  float64            `json:"mean_halted" bson:"mean_halted"` // 每tick受观测道路停车数均值
	Arrived     int64              `json:"arrived" bson:"arrived"`
	Teleported  int64              `json:"teleported" bson:"teleported"`
	Failsafes   int                `json:"failsafes" bson:"failsafes"`
	Vehicles    int                `json:"vehicles" bson:"vehicles"` // episode内出现过的车辆数
	AvgWait     float64            `json:"avg_wait" bson:"avg_wait"`
	TotalWait   float64            `json:"total_wait" bson:"total_wait"`
	AvgSpeed    float64            `json:"avg_speed" bson:"avg_speed"`
	Info        map[string]float64 `json:"info" bson:"info"`
}

// Summary 当前（或刚结束的）episode的汇总
func (env *Env) Summary() EpisodeResult {
	ep := env.ep
	if ep == nil {
		return EpisodeResult{}
	}
	steps := env.clock.InternalStep
	res := EpisodeResult{
		Steps:       steps,
		SimSeconds:  env.clock.T,
		TotalReward: ep.totalReward,
		Arrived:     ep.arrived,
		Teleported:  ep.teleported,
		Failsafes:   ep.failsafes,
		Vehicles:    len(ep.waits),
		TotalWait:   lo.Sum(lo.Values(ep.waits)),
		Info:        env.info(ep),
	}
	if steps > 0 {
		res.MeanHalted = float64(ep.haltedSum) / float64(steps)
	}
	if res.Vehicles > 0 {
		res.AvgWait = res.TotalWait / float64(res.Vehicles)
	}
	if ep.speedN > 0 {
		res.AvgSpeed = ep.speedSum / float64(ep.speedN)
	}
	return res
}

// RunEpisode 以给定策略运行一个完整episode
// 功能：reset后循环调用策略与step直到终止，返回汇总
// 参数：ctx-在tick之间检查取消，env-episode控制器，policy-决策策略
// 返回：episode汇总；出错时仿真已被关闭
func RunEpisode(ctx context.Context, env *Env, policy Policy) (EpisodeResult, error) {
	obs, err := env.Reset(ctx)
	if err != nil {
		return EpisodeResult{}, fmt.Errorf("reset: %w", err)
	}
	policy.Reset(env)
	log.Infof("episode started with policy %s", policy.Name())
	for {
		res, err := env.Step(ctx, policy.Act(env, obs))
		if err != nil {
			if cerr := env.Close(); cerr != nil {
				log.Warnf("close simulation: %v", cerr)
			}
			return EpisodeResult{}, fmt.Errorf("step %d: %w", env.clock.InternalStep, err)
		}
		if res.Terminated {
			break
		}
		obs = res.Observation
	}
	return env.Summary(), nil
}
