package junction

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	mapv2connect "git.fiblab.net/sim/protos/v2/go/city/map/v2/mapv2connect"
	"git.fiblab.net/sim/syncer/v3"
)

// Register 将路口管理器注册到sidecar
// 功能：提供只读的信号灯查询接口，路口ID为信控表中的序号
// 说明：相位由agent控制，所有Set类接口保持未实现；读取快照不需要sidecar的步进锁
func (m *Manager) Register(sidecar *syncer.Sidecar) {
	sidecar.Register(
		mapv2connect.TrafficLightServiceName,
		func(opts ...connect.HandlerOption) (pattern string, handler http.Handler) {
			return mapv2connect.NewTrafficLightServiceHandler(m, opts...)
		},
		syncer.WithNoLock(),
	)
}

// GetTrafficLight RPC接口：获取指定路口的信号灯状态
// 功能：返回路口的相位定义、当前相位与当前相位剩余时间（秒）
// 说明：读取的是上一个tick结束时的快照，不会与episode推进发生竞争
func (m *Manager) GetTrafficLight(
	ctx context.Context, in *connect.Request[mapv2.GetTrafficLightRequest],
) (*connect.Response[mapv2.GetTrafficLightResponse], error) {
	index := in.Msg.JunctionId
	m.snapshotMtx.RLock()
	defer m.snapshotMtx.RUnlock()
	if index < 0 || int(index) >= len(m.snapshots) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("junction id does not exist"))
	}
	j := m.intersections[index]
	s := m.snapshots[index]
	return connect.NewResponse(&mapv2.GetTrafficLightResponse{
		TrafficLight: &mapv2.TrafficLight{
			JunctionId: j.index,
			Phases:     j.definitions,
		},
		PhaseIndex:    s.phase,
		TimeRemaining: float64(s.remaining) * m.ctx.Clock().DT,
	}), nil
}
