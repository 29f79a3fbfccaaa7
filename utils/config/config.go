package config

import (
	"errors"
	"fmt"
)

var (
	ErrBadControl     = errors.New("config: bad control section")
	ErrBadObservation = errors.New("config: bad observation section")
	ErrBadReward      = errors.New("config: bad reward section")
)

// 默认值，与训练时使用的环境保持一致
var (
	DefaultDurationOptions = []int32{15, 30, 45, 60}
	DefaultVehicleTypes    = []string{"pedestrian", "passenger", "truck", "bicycle", "motorcycle", "delivery", "emergency"}
)

const (
	// 需求时长（秒）
	DefaultDemandDuration = 1200

	ObservationFull    = "full"
	ObservationReduced = "reduced"
)

// RuntimeConfig 运行时配置
// 功能：在原始YAML配置上补全默认值并完成校验，供各模块只读使用
type RuntimeConfig struct {
	All Config  // 全部配置
	C   Control // 信控与episode控制配置
	O   Observation
	R   Weights
}

// NewRuntimeConfig 根据配置初始化运行时配置
// 功能：补全缺省项并校验控制、观测配置
// 参数：config-原始配置对象
// 返回：运行时配置指针；配置非法时返回错误
func NewRuntimeConfig(config Config) (*RuntimeConfig, error) {
	c := config.Control
	if c.MaxSteps == 0 {
		c.MaxSteps = 3600
	}
	if c.Interval == 0 {
		c.Interval = 1
	}
	// 0与未配置无法区分，均取默认值；相位切换总要经过黄灯
	if c.YellowTime == 0 {
		c.YellowTime = 3
	}
	if len(c.DurationOptions) == 0 {
		c.DurationOptions = DefaultDurationOptions
	}
	if len(c.VehicleTypes) == 0 {
		c.VehicleTypes = DefaultVehicleTypes
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 100
	}
	if c.MaxSteps < 0 || c.YellowTime < 0 || c.Interval < 0 {
		return nil, fmt.Errorf("%w: max_steps, yellow_time and interval must be positive", ErrBadControl)
	}
	for _, d := range c.DurationOptions {
		if d <= 0 {
			return nil, fmt.Errorf("%w: duration option %d must be positive", ErrBadControl, d)
		}
	}
	if c.DefaultDurationIndex < 0 || c.DefaultDurationIndex >= len(c.DurationOptions) {
		return nil, fmt.Errorf("%w: default_duration_index %d out of %d options", ErrBadControl, c.DefaultDurationIndex, len(c.DurationOptions))
	}

	o := config.Observation
	switch o.Mode {
	case "":
		o.Mode = ObservationFull
	case ObservationFull, ObservationReduced:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBadObservation, o.Mode)
	}
	if o.MaxVehiclesPerEdge == 0 {
		o.MaxVehiclesPerEdge = 200
	}
	if o.MaxSpeed == 0 {
		o.MaxSpeed = 13.89
	}
	if o.MaxPhaseIndex == 0 {
		o.MaxPhaseIndex = 10
	}
	if o.MaxElapsed == 0 {
		o.MaxElapsed = 120
	}
	if o.MaxVehiclesPerEdge < 0 || o.MaxSpeed < 0 || o.MaxPhaseIndex < 0 || o.MaxElapsed < 0 {
		return nil, fmt.Errorf("%w: saturation constants must be positive", ErrBadObservation)
	}

	w, err := newWeights(config.Reward)
	if err != nil {
		return nil, err
	}

	rc := &RuntimeConfig{
		All: config,
		C:   c,
		O:   o,
		R:   w,
	}
	rc.All.Control = c
	rc.All.Observation = o
	if rc.All.Demand.Duration == 0 {
		rc.All.Demand.Duration = DefaultDemandDuration
	}
	if rc.All.Runner.Workers == 0 {
		rc.All.Runner.Workers = 1
	}
	if rc.All.Runner.Episodes == 0 {
		rc.All.Runner.Episodes = 1
	}
	return rc, nil
}

// DefaultWeights 默认奖励权重
var DefaultWeights = Weights{
	Halted:         1.5,
	Arrived:        5,
	Teleported:     500,
	Tick:           0.5,
	HarshBraking:   1,
	BrakeThreshold: -4.5,
	MaxWait:        0.01,
	StalePhase:     0.025,
	Scale:          1000,
}

// newWeights 逐项补全默认值并校验
func newWeights(r Reward) (Weights, error) {
	w := DefaultWeights
	for _, f := range []struct {
		dst *float64
		src *float64
	}{
		{&w.Halted, r.Halted},
		{&w.Arrived, r.Arrived},
		{&w.Teleported, r.Teleported},
		{&w.Tick, r.Tick},
		{&w.HarshBraking, r.HarshBraking},
		{&w.BrakeThreshold, r.BrakeThreshold},
		{&w.MaxWait, r.MaxWait},
		{&w.StalePhase, r.StalePhase},
		{&w.Scale, r.Scale},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	if w.Scale <= 0 {
		return Weights{}, fmt.Errorf("%w: scale %v must be positive", ErrBadReward, w.Scale)
	}
	if w.BrakeThreshold >= 0 {
		return Weights{}, fmt.Errorf("%w: brake_threshold %v must be negative", ErrBadReward, w.BrakeThreshold)
	}
	return w, nil
}

// Duration 将保持时长索引映射为tick数（越界按模回绕）
func (rc *RuntimeConfig) Duration(index int) int32 {
	n := len(rc.C.DurationOptions)
	return rc.C.DurationOptions[((index%n)+n)%n]
}
