package reward

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Vehicles 在网车辆的聚合统计
type Vehicles struct {
	Count        int                  // 成功读取的车辆数
	Gone         int                  // 读取时已离开仿真、被跳过的车辆数
	HarshBraking int                  // 加速度低于阈值的车辆数
	MaxWait      float64              // 最大累计等待时间
	Waits        map[string][]float64 // 车辆类型 -> 累计等待时间
	List         []entity.VehicleStat
}

// CollectVehicles 读取所有在网车辆
// 功能：逐车读取状态并聚合；车辆在列表与读取之间离开仿真时跳过该车
// 参数：gw-仿真网关，brakeThreshold-急刹加速度阈值（负数）
// 返回：聚合结果；除ErrVehicleGone以外的错误原样返回
func CollectVehicles(gw entity.IGateway, brakeThreshold float64) (Vehicles, error) {
	ids, err := gw.VehicleIDs()
	if err != nil {
		return Vehicles{}, fmt.Errorf("list vehicles: %w", err)
	}
	res := Vehicles{
		Waits: make(map[string][]float64),
		List:  make([]entity.VehicleStat, 0, len(ids)),
	}
	waits := make([]float64, 0, len(ids))
	for _, id := range ids {
		v, err := gw.Vehicle(id)
		if errors.Is(err, entity.ErrVehicleGone) {
			log.Debugf("skip vehicle %s: %v", id, err)
			res.Gone++
			continue
		}
		if err != nil {
			return Vehicles{}, fmt.Errorf("read vehicle %s: %w", id, err)
		}
		res.Count++
		res.List = append(res.List, v)
		if v.Acceleration < brakeThreshold {
			res.HarshBraking++
		}
		waits = append(waits, v.AccumulatedWait)
		res.Waits[v.Type] = append(res.Waits[v.Type], v.AccumulatedWait)
	}
	if len(waits) > 0 {
		res.MaxWait = floats.Max(waits)
	}
	return res, nil
}

// MeanWait 指定类型车辆的平均累计等待时间，该类型没有车辆时为0
func (v Vehicles) MeanWait(vtype string) float64 {
	waits := v.Waits[vtype]
	if len(waits) == 0 {
		return 0
	}
	return stat.Mean(waits, nil)
}

// TotalWait 所有车辆累计等待时间之和
func (v Vehicles) TotalWait() float64 {
	return lo.SumBy(lo.Values(v.Waits), func(w []float64) float64 {
		return floats.Sum(w)
	})
}
