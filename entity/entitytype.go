package entity

import (
	"context"
	"errors"
	"fmt"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
)

var (
	// ErrInvalidConfig 配置错误（拓扑或相位映射缺失、非法），初始化时直接失败
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrVehicleGone 车辆在查询时已离开仿真，属于可恢复错误，调用方跳过该车辆
	ErrVehicleGone = errors.New("vehicle already left the simulation")
	// ErrGatewayClosed 仿真网关未启动或已关闭
	ErrGatewayClosed = errors.New("simulation gateway is not running")
)

// ConfigError 构造带有诊断信息的配置错误
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// EdgeStat 道路（edge）在当前tick的统计量
type EdgeStat struct {
	Halting   int32   // 停车（速度低于阈值）车辆数
	Vehicles  int32   // 车辆总数
	MeanSpeed float64 // 平均速度（m/s）
}

// VehicleStat 单车在当前tick的状态
type VehicleStat struct {
	ID              string
	Type            string  // 车辆类型ID（passenger/truck/pedestrian...）
	Speed           float64 // m/s
	Acceleration    float64 // m/s^2，负值表示减速
	AccumulatedWait float64 // 累计等待时间（秒）
}

// SimulationStat 仿真全局计数，Arrived与Teleported均为本次仿真启动以来的累计值
type SimulationStat struct {
	Arrived    int64 // 累计到达车辆数
	Teleported int64 // 累计瞬移（拥堵强制移除）次数
	Pending    int32 // 仍在路网中或等待出发的车辆数
}

// Link 信号灯控制的一条连接
type Link struct {
	Incoming string // 进口车道
	Outgoing string // 出口车道
	Via      string // 路口内部车道
}

// StartOptions 启动仿真所需参数
type StartOptions struct {
	ConfigFile string   // 仿真配置文件
	RouteFiles []string // 额外的需求文件（覆盖配置中的route-files）
	Seed       uint64
}

// 仿真网关的依赖倒置
// 所有读取接口返回当前tick的快照，只在下一次Step前有效
type IGateway interface {
	Start(ctx context.Context, opts StartOptions) error // 启动仿真
	Step() error                                       // 推进一个tick
	Close() error                                      // 关闭仿真，可重复调用

	TrafficLightIDs() ([]string, error)                    // 所有信号灯ID
	ControlledLanes(tlsID string) ([]string, error)        // 信号灯每个link对应的进口车道
	ControlledLinks(tlsID string) ([]Link, error)          // 信号灯控制的所有连接（含出口车道）
	PhaseDefinitions(tlsID string) ([]*mapv2.Phase, error) // 信号灯当前程序的相位定义
	Phase(tlsID string) (int32, error)                     // 当前相位索引
	SetPhase(tlsID string, phase int32) error              // 切换相位并锁定（仿真不会自行切换）
	Edge(edgeID string) (EdgeStat, error)                  // 道路统计
	VehicleIDs() ([]string, error)                         // 当前车辆ID列表
	Vehicle(vehicleID string) (VehicleStat, error)         // 单车状态，车辆已离开时返回ErrVehicleGone
	Simulation() (SimulationStat, error)                   // 全局计数
}

// 需求生成器的依赖倒置
// 给定输出路径与时长，生成可被仿真启动时读取的出行需求文件
type IDemandGenerator interface {
	Generate(ctx context.Context, output string, duration float64, seed uint64) error
}
