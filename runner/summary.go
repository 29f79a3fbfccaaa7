package runner

import (
	"sort"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
	"gonum.org/v1/gonum/stat"
)

// Stat 一个指标在所有episode上的分布
type Stat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	P10  float64 `json:"p10"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
}

// Summary 并行采集的汇总
type Summary struct {
	Workers       int  `json:"workers"`
	FailedWorkers int  `json:"failed_workers"`
	Episodes      int  `json:"episodes"`
	TotalReward   Stat `json:"total_reward"`
	AvgWait       Stat `json:"avg_wait"`
	AvgSpeed      Stat `json:"avg_speed"`
	Arrived       Stat `json:"arrived"`
	Teleported    Stat `json:"teleported"`
}

func describe(xs []float64) Stat {
	if len(xs) == 0 {
		return Stat{}
	}
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		std = 0
	}
	return Stat{
		Mean: mean,
		Std:  std,
		P10:  stat.Quantile(0.1, stat.Empirical, sorted, nil),
		P50:  stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P90:  stat.Quantile(0.9, stat.Empirical, sorted, nil),
	}
}

// Summarize 汇总所有worker的episode
func Summarize(results []WorkerResult) Summary {
	episodes := lo.FlatMap(results, func(r WorkerResult, _ int) []task.EpisodeResult {
		return r.Episodes
	})
	metric := func(f func(task.EpisodeResult) float64) Stat {
		return describe(lo.Map(episodes, func(e task.EpisodeResult, _ int) float64 { return f(e) }))
	}
	return Summary{
		Workers:       len(results),
		FailedWorkers: lo.CountBy(results, func(r WorkerResult) bool { return r.Error != "" }),
		Episodes:      len(episodes),
		TotalReward:   metric(func(e task.EpisodeResult) float64 { return e.TotalReward }),
		AvgWait:       metric(func(e task.EpisodeResult) float64 { return e.AvgWait }),
		AvgSpeed:      metric(func(e task.EpisodeResult) float64 { return e.AvgSpeed }),
		Arrived:       metric(func(e task.EpisodeResult) float64 { return float64(e.Arrived) }),
		Teleported:    metric(func(e task.EpisodeResult) float64 { return float64(e.Teleported) }),
	}
}
