package demand

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/randengine"
)

const (
	defaultPeriodMin = 0.4
	defaultPeriodMax = 0.75
	// 选择终点时优先使用终点表的概率，其余从全部道路中随机选择
	preferredDestination = 0.8
)

var defaultTypeWeights = map[string]float64{
	"passenger":  0.85,
	"truck":      0.1,
	"motorcycle": 0.05,
}

// 需求文件的XML结构
type routesXML struct {
	XMLName xml.Name   `xml:"routes"`
	VTypes  []vTypeXML `xml:"vType"`
	Trips   []tripXML  `xml:"trip"`
}

type vTypeXML struct {
	ID     string `xml:"id,attr"`
	VClass string `xml:"vClass,attr"`
}

type tripXML struct {
	ID          string `xml:"id,attr"`
	Type        string `xml:"type,attr"`
	Depart      string `xml:"depart,attr"`
	From        string `xml:"from,attr"`
	To          string `xml:"to,attr"`
	DepartLane  string `xml:"departLane,attr"`
	DepartSpeed string `xml:"departSpeed,attr"`
}

// RandomTrips 在给定起终点道路之间生成随机出行
type RandomTrips struct {
	c     config.Random
	types []string  // 按名称排序，保证相同种子结果一致
	ws    []float64 // 与types对应的权重
	edges []string  // 起终点道路的并集
}

func NewRandomTrips(c config.Random) (*RandomTrips, error) {
	if len(c.Origins) == 0 || len(c.Destinations) == 0 {
		return nil, entity.ConfigError("demand: random trips need origins and destinations")
	}
	if c.PeriodMin == 0 && c.PeriodMax == 0 {
		c.PeriodMin, c.PeriodMax = defaultPeriodMin, defaultPeriodMax
	}
	if c.PeriodMin <= 0 || c.PeriodMax < c.PeriodMin {
		return nil, entity.ConfigError("demand: bad period range [%v, %v]", c.PeriodMin, c.PeriodMax)
	}
	if len(c.TypeWeights) == 0 {
		c.TypeWeights = defaultTypeWeights
	}
	// 行人需求是person而不是trip
	if _, ok := c.TypeWeights["pedestrian"]; ok {
		return nil, entity.ConfigError("demand: random trips cannot generate pedestrians")
	}
	types := lo.Keys(c.TypeWeights)
	sort.Strings(types)
	ws := lo.Map(types, func(t string, _ int) float64 { return c.TypeWeights[t] })
	if lo.Sum(ws) <= 0 || lo.SomeBy(ws, func(w float64) bool { return w < 0 }) {
		return nil, entity.ConfigError("demand: type weights must be non-negative with positive sum")
	}
	return &RandomTrips{
		c:     c,
		types: types,
		ws:    ws,
		edges: lo.Uniq(append(append([]string{}, c.Origins...), c.Destinations...)),
	}, nil
}

// trips 生成出行列表
// 算法说明：
// 1. 在[PeriodMin, PeriodMax]中均匀抽取本次的平均发车间隔
// 2. 按该间隔在[0, duration)内依次安排出发时间
// 3. 每次出行按权重抽取车辆类型，从起点表抽取起点
// 4. 终点以较高概率取自终点表，否则从全部道路中选择，始终不等于起点
func (g *RandomTrips) trips(duration float64, seed uint64) []tripXML {
	engine := randengine.New(seed)
	period := g.c.PeriodMin + engine.Float64()*(g.c.PeriodMax-g.c.PeriodMin)
	n := int(math.Floor(duration / period))
	trips := make([]tripXML, 0, n)
	for i := range n {
		from := randengine.Choice(engine, g.c.Origins)
		candidates := g.c.Destinations
		if !engine.PTrue(preferredDestination) {
			candidates = g.edges
		}
		candidates = lo.Without(candidates, from)
		if len(candidates) == 0 {
			candidates = lo.Without(g.edges, from)
		}
		if len(candidates) == 0 {
			continue
		}
		t := g.types[engine.DiscreteDistribution(g.ws)]
		trips = append(trips, tripXML{
			ID:          t + strconv.Itoa(i),
			Type:        t,
			Depart:      strconv.FormatFloat(float64(i)*period, 'f', 2, 64),
			From:        from,
			To:          randengine.Choice(engine, candidates),
			DepartLane:  "best",
			DepartSpeed: "0",
		})
	}
	return trips
}

// Generate 将随机出行写入SUMO需求文件
func (g *RandomTrips) Generate(ctx context.Context, output string, duration float64, seed uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	routes := routesXML{Trips: g.trips(duration, seed)}
	if g.c.DefineTypes == nil || *g.c.DefineTypes {
		routes.VTypes = lo.Map(g.types, func(t string, _ int) vTypeXML {
			return vTypeXML{ID: t, VClass: t}
		})
	}
	data, err := xml.MarshalIndent(routes, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, append([]byte(xml.Header), data...), 0o644); err != nil {
		return fmt.Errorf("write demand %s: %w", output, err)
	}
	log.Debugf("generated %d trips into %s (seed %d)", len(routes.Trips), output, seed)
	return nil
}
