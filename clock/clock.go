package clock

import (
	"fmt"

	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

// Clock episode时钟
// 功能：记录当前episode已推进的tick数与对应的仿真时间
// 说明：每次reset归零，END_STEP为单个episode允许的最大tick数
type Clock struct {
	DT       float64 // 每个tick的仿真时间间隔（秒）
	END_STEP int32   // 最大tick数，episode区间[0, END_STEP]

	T            float64 // 当前仿真时间（秒）
	InternalStep int32   // 当前tick
}

// New 根据控制配置创建时钟
func New(c config.Control) *Clock {
	clk := &Clock{
		DT:       c.Interval,
		END_STEP: c.MaxSteps,
	}
	clk.Init()
	return clk
}

// Init 重置时钟到episode起点
func (c *Clock) Init() {
	c.InternalStep = 0
	c.T = 0
}

// Tick 推进一个tick
func (c *Clock) Tick() {
	c.InternalStep++
	c.T = float64(c.InternalStep) * c.DT
}

// Exhausted 是否已达到最大tick数
func (c *Clock) Exhausted() bool {
	return c.InternalStep >= c.END_STEP
}

// String 获取时钟的字符串表示
// 返回：格式化的时间字符串（HH:MM:SS）
func (c *Clock) String() string {
	hour, minute, second := c.GetHourMinuteSecond()
	return fmt.Sprintf("%02d:%02d:%02d", hour, minute, int(second))
}

// GetHourMinuteSecond 获取当前时间的小时、分钟、秒
func (c *Clock) GetHourMinuteSecond() (int, int, float64) {
	hour := int(c.T) / 3600
	minute := int(c.T) % 3600 / 60
	second := c.T - float64(hour*3600+minute*60)
	return hour, minute, second
}
