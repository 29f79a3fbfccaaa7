package entity

import (
	"github.com/tsinghua-fib-lab/agentsociety-tsc/clock"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

// 一个episode内各模块共享的上下文
type ITaskContext interface {
	Clock() *clock.Clock
	Gateway() IGateway
	RuntimeConfig() *config.RuntimeConfig
}
