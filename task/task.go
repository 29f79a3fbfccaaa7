package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/clock"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/observation"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/reward"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/randengine"
)

var (
	// ErrNotReset Step在Reset之前调用，或上一次Reset失败
	ErrNotReset = errors.New("task: episode not started, call Reset first")
	// ErrEpisodeDone episode已结束，需要重新Reset
	ErrEpisodeDone = errors.New("task: episode already terminated")
	// ErrActionShape 动作长度不等于2×路口数
	ErrActionShape = errors.New("task: action shape mismatch")
)

// Env episode控制器
// 功能：持有一个episode内的全部可变状态（信号灯状态机、奖励基线、时钟），对外提供reset/step/close
// 说明：非并发安全，所有调用必须串行；仿真网关的生命周期限定在单个episode内
type Env struct {
	// 时钟
	clock *clock.Clock
	// 仿真网关
	gateway entity.IGateway
	// 需求生成器，nil表示使用仿真配置自带的需求
	demand entity.IDemandGenerator
	// 运行时配置
	runtimeConfig *config.RuntimeConfig

	// 路口管理器（拓扑常量 + 每个路口的信号灯状态机）
	junctionManager *junction.Manager
	// 观测编码器
	encoder *observation.Encoder
	// 奖励函数（持有episode内的累计计数基线）
	reward *reward.Function

	// 需求种子
	seeds *randengine.Engine
	// 本次运行的ID，用于需求文件命名
	runID string

	// 当前episode状态
	ep *episode
	// 网关是否处于启动状态
	started bool
}

// NewEnv 创建episode控制器
// 功能：启动一次仿真读取拓扑、校验信控表并确定观测长度，随后关闭仿真
// 参数：rc-运行时配置，gw-仿真网关，demand-需求生成器（可为nil）
// 返回：控制器；信控表与拓扑不一致时返回ErrInvalidConfig
func NewEnv(ctx context.Context, rc *config.RuntimeConfig, gw entity.IGateway, demand entity.IDemandGenerator) (*Env, error) {
	env := &Env{
		clock:         clock.New(rc.C),
		gateway:       gw,
		demand:        demand,
		runtimeConfig: rc,
		reward:        reward.New(rc.R),
		seeds:         randengine.New(seedOf(rc.All.Demand.Seed)),
		runID:         uuid.NewString(),
	}
	env.junctionManager = junction.NewManager(env)

	if err := gw.Start(ctx, entity.StartOptions{ConfigFile: rc.All.Sumo.ConfigFile}); err != nil {
		if cerr := gw.Close(); cerr != nil {
			log.Warnf("close simulation after failed topology discovery start: %v", cerr)
		}
		return nil, fmt.Errorf("start simulation for topology discovery: %w", err)
	}
	err := env.junctionManager.Init(rc.All.Intersections, rc.O.ExtraEdges)
	if cerr := gw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close simulation after topology discovery: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	env.encoder = observation.New(rc.O, len(env.junctionManager.Edges()), len(env.junctionManager.Intersections()))
	log.Infof("observation %s of length %d, action shape %v", env.encoder.Mode(), env.encoder.Len(), env.ActionShape())
	return env, nil
}

// seedOf 未指定种子时使用当前时间
func seedOf(seed uint64) uint64 {
	if seed != 0 {
		return seed
	}
	return uint64(time.Now().UnixNano())
}

func (env *Env) Clock() *clock.Clock {
	return env.clock
}

func (env *Env) Gateway() entity.IGateway {
	return env.gateway
}

func (env *Env) RuntimeConfig() *config.RuntimeConfig {
	return env.runtimeConfig
}

// JunctionManager 路口管理器
func (env *Env) JunctionManager() *junction.Manager {
	return env.junctionManager
}

// ObservationSize 观测向量长度，在整个生命周期内不变
func (env *Env) ObservationSize() int {
	return env.encoder.Len()
}

// ActionShape 每个动作分量的取值个数，按路口顺序排列为[相位数, 时长选项数, ...]
func (env *Env) ActionShape() []int {
	durations := len(env.runtimeConfig.C.DurationOptions)
	return lo.FlatMap(env.junctionManager.Intersections(), func(j *junction.Intersection, _ int) []int {
		return []int{len(j.StablePhases()), durations}
	})
}

// Reset 开始新的episode
// 功能：
// 1. 关闭上一个episode的仿真并丢弃其全部状态
// 2. 按配置生成新的出行需求
// 3. 启动仿真，重置信号灯状态机、奖励基线与时钟
// 4. 返回初始观测
// 返回：初始观测；任一步失败时仿真已被关闭
func (env *Env) Reset(ctx context.Context) ([]float64, error) {
	if err := env.closeGateway(); err != nil {
		log.Warnf("close previous simulation: %v", err)
	}
	env.ep = nil

	opts := entity.StartOptions{
		ConfigFile: env.runtimeConfig.All.Sumo.ConfigFile,
		Seed:       env.seeds.Derive(),
	}
	if env.demand != nil {
		output := env.demandPath()
		d := env.runtimeConfig.All.Demand
		if err := env.demand.Generate(ctx, output, d.Duration, opts.Seed); err != nil {
			return nil, fmt.Errorf("generate demand: %w", err)
		}
		opts.RouteFiles = []string{output}
	}

	if err := env.gateway.Start(ctx, opts); err != nil {
		// 启动失败时进程可能已经拉起
		if cerr := env.gateway.Close(); cerr != nil {
			log.Warnf("close simulation after failed start: %v", cerr)
		}
		return nil, fmt.Errorf("start simulation: %w", err)
	}
	env.started = true

	obs, err := env.reset()
	if err != nil {
		return nil, env.fail(err)
	}
	return obs, nil
}

// reset 仿真启动后的episode初始化
func (env *Env) reset() ([]float64, error) {
	env.clock.Init()
	if err := env.junctionManager.Reset(); err != nil {
		return nil, err
	}
	sim, err := env.gateway.Simulation()
	if err != nil {
		return nil, err
	}
	env.reward.Reset(sim)
	ep := newEpisode()
	obs, _, err := env.observe(ep)
	if err != nil {
		return nil, err
	}
	env.ep = ep
	return obs, nil
}

// demandPath 本次运行的需求文件路径
func (env *Env) demandPath() string {
	d := env.runtimeConfig.All.Demand
	if d.Output != "" {
		return d.Output
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("tsc-%s.rou.xml", env.runID))
}

// fail 网关错误时关闭仿真并结束当前episode
func (env *Env) fail(err error) error {
	env.ep = nil
	if cerr := env.closeGateway(); cerr != nil {
		log.Errorf("close simulation after failure: %v", cerr)
	}
	log.Errorf("episode aborted: %v", err)
	return err
}

func (env *Env) closeGateway() error {
	if !env.started {
		return nil
	}
	env.started = false
	return env.gateway.Close()
}

// Close 关闭仿真，可重复调用
func (env *Env) Close() error {
	env.ep = nil
	return env.closeGateway()
}
