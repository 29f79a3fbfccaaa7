package junction

import (
	"fmt"
	"sync"

	mapv2connect "git.fiblab.net/sim/protos/v2/go/city/map/v2/mapv2connect"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/container"
)

// snapshot 供RPC读取的路口状态快照，每个tick结束时整体替换
type snapshot struct {
	phase     int32
	remaining int32
}

// Manager 受控路口管理器
type Manager struct {
	mapv2connect.UnimplementedTrafficLightServiceHandler

	ctx entity.ITaskContext

	data          map[string]*Intersection
	intersections []*Intersection
	edges         []string // 所有受观测道路，顺序固定

	snapshotMtx sync.RWMutex
	snapshots   []snapshot
}

// NewManager 创建路口管理器实例
func NewManager(ctx entity.ITaskContext) *Manager {
	return &Manager{
		ctx:           ctx,
		data:          make(map[string]*Intersection),
		intersections: make([]*Intersection, 0),
	}
}

// Init 初始化所有受控路口
// 功能：按信控表顺序创建路口，校验信控表与仿真拓扑的一致性，生成受观测道路列表
// 参数：specs-信控表，extraEdges-额外观测的道路
// 返回：信控表缺失、重复、与拓扑不一致时返回ErrInvalidConfig；网关错误原样返回
// 说明：路口与道路的顺序只由信控表决定，不依赖仿真返回的顺序
func (m *Manager) Init(specs []config.Intersection, extraEdges []string) error {
	if len(specs) == 0 {
		return entity.ConfigError("no intersections configured")
	}
	if dup := lo.FindDuplicatesBy(specs, func(s config.Intersection) string { return s.ID }); len(dup) > 0 {
		return entity.ConfigError("duplicated intersection %s", dup[0].ID)
	}
	ids, err := m.ctx.Gateway().TrafficLightIDs()
	if err != nil {
		return fmt.Errorf("list traffic lights: %w", err)
	}
	known := lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })

	m.intersections = make([]*Intersection, 0, len(specs))
	for i, spec := range specs {
		if _, ok := known[spec.ID]; !ok {
			return entity.ConfigError("intersection %s does not exist in the simulation", spec.ID)
		}
		j, err := newIntersection(m.ctx, int32(i), spec)
		if err != nil {
			return err
		}
		m.intersections = append(m.intersections, j)
	}
	m.data = lo.SliceToMap(m.intersections, func(j *Intersection) (string, *Intersection) {
		return j.id, j
	})

	m.edges = make([]string, 0)
	for _, j := range m.intersections {
		m.edges = append(m.edges, j.edges...)
	}
	m.edges = lo.Uniq(append(m.edges, extraEdges...))
	if len(m.edges) == 0 {
		return entity.ConfigError("no observed edges: intersections control no lanes")
	}
	log.Infof("controlling %d intersections over %d observed edges", len(m.intersections), len(m.edges))
	return nil
}

// Reset 重置所有路口的信号灯状态机
func (m *Manager) Reset() error {
	for _, j := range m.intersections {
		if err := j.reset(); err != nil {
			return fmt.Errorf("reset intersection %s: %w", j.id, err)
		}
	}
	m.takeSnapshot()
	return nil
}

// Update 推进所有路口
// 功能：逐路口解码动作、推进状态机并下发相位
// 参数：step-当前tick，action-按路口顺序排列的(相位索引, 时长索引)对，长度必须为2×路口数
// 返回：触发防饿死保护的路口数；网关错误
func (m *Manager) Update(step int32, action []int) (int, error) {
	if len(action) != 2*len(m.intersections) {
		return 0, fmt.Errorf("action length %d, want %d", len(action), 2*len(m.intersections))
	}
	forced := 0
	for i, j := range m.intersections {
		f, err := j.update(step, action[2*i], action[2*i+1])
		if err != nil {
			return forced, fmt.Errorf("update intersection %s: %w", j.id, err)
		}
		if f {
			forced++
		}
	}
	m.takeSnapshot()
	return forced, nil
}

func (m *Manager) takeSnapshot() {
	snapshots := lo.Map(m.intersections, func(j *Intersection, _ int) snapshot {
		return snapshot{
			phase:     j.Phase(),
			remaining: j.Remaining(),
		}
	})
	m.snapshotMtx.Lock()
	m.snapshots = snapshots
	m.snapshotMtx.Unlock()
}

// Get 根据ID获取路口，不存在则panic
func (m *Manager) Get(id string) *Intersection {
	if j, ok := m.data[id]; !ok {
		log.Panicf("no id %s in intersection data", id)
		return nil
	} else {
		return j
	}
}

// GetOrError 根据ID获取路口
func (m *Manager) GetOrError(id string) (*Intersection, error) {
	if j, ok := m.data[id]; !ok {
		return nil, fmt.Errorf("no id %s in intersection data", id)
	} else {
		return j, nil
	}
}

// Intersections 按信控表顺序排列的全部路口
func (m *Manager) Intersections() []*Intersection {
	return m.intersections
}

// Edges 受观测道路
func (m *Manager) Edges() []string {
	return m.edges
}

// Pressure 计算路口每个绿灯相位的压力并按压力从大到小返回相位
// 功能：相位压力为该相位中绿灯link所在进口道路的停车数之和，同一道路只计一次
// 参数：id-路口ID，halting-道路ID到停车数的映射
// 返回：按压力降序排列的绿灯相位
func (m *Manager) Pressure(id string, halting map[string]int32) ([]int32, error) {
	j, err := m.GetOrError(id)
	if err != nil {
		return nil, err
	}
	heap := container.NewPriorityQueue[int32]()
	for _, p := range j.spec.Phases {
		edges := make(map[string]struct{})
		for k, state := range j.definitions[p].States {
			if k >= len(j.lanes) || !isGreen(state) {
				continue
			}
			if edge, ok := laneEdge(j.lanes[k]); ok {
				edges[edge] = struct{}{}
			}
		}
		pressure := 0.
		for edge := range edges {
			pressure += float64(halting[edge])
		}
		heap.Push(p, -pressure) // 小顶堆，压力越大越靠前
	}
	heap.Heapify()
	order := make([]int32, 0, heap.Len())
	for heap.Len() > 0 {
		p, _ := heap.HeapPop()
		order = append(order, p)
	}
	return order, nil
}
