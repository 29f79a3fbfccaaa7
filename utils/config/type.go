package config

// InputPath 指定MongoDB中数据来源的配置
type InputPath struct {
	DB  string `yaml:"db"`  // 数据库名
	Col string `yaml:"col"` // 集合名
}

// GetDb 获取数据库名
func (p InputPath) GetDb() string {
	return p.DB
}

// GetColl 获取集合名
func (p InputPath) GetColl() string {
	return p.Col
}

// Input 路口信控表的外部来源（文件优先于MongoDB）
type Input struct {
	URI           string     `yaml:"uri,omitempty"`           // MongoDB连接字符串
	Intersections *InputPath `yaml:"intersections,omitempty"` // 路口信控表集合
	File          string     `yaml:"file,omitempty"`          // 路口信控表文件（yaml）
}

// Sumo 仿真进程配置
type Sumo struct {
	Binary       string   `yaml:"binary"`                  // 可执行文件，默认sumo
	ConfigFile   string   `yaml:"config"`                  // .sumocfg
	ExtraArgs    []string `yaml:"extra_args,omitempty"`    // 额外命令行参数
	Host         string   `yaml:"host,omitempty"`          // TraCI地址，默认127.0.0.1
	Port         int      `yaml:"port,omitempty"`          // TraCI端口，0表示自动选择
	StartRetries int      `yaml:"start_retries,omitempty"` // 连接重试次数
}

// Control 信控与episode控制配置
type Control struct {
	MaxSteps             int32    `yaml:"max_steps"`               // 单个episode最大tick数
	Interval             float64  `yaml:"interval"`                // 每tick对应的仿真秒数
	YellowTime           int32    `yaml:"yellow_time"`             // 黄灯持续tick数，0表示默认值3；黄灯至少持续1个tick，不支持瞬时切换
	DurationOptions      []int32  `yaml:"duration_options"`        // 绿灯保持时长的离散选项（tick）
	DefaultDurationIndex int      `yaml:"default_duration_index"`  // reset后使用的保持时长
	AvoidRepeat          bool     `yaml:"avoid_repeat,omitempty"`  // 请求与上一绿灯相同且存在其他候选时，顺延到下一个候选
	VehicleTypes         []string `yaml:"vehicle_types,omitempty"` // episode结束时统计平均等待时间的车辆类型
	HeartbeatInterval    int32    `yaml:"heartbeat_interval,omitempty"`
}

// Observation 观测编码配置
type Observation struct {
	Mode               string   `yaml:"mode"`                  // full | reduced
	MaxVehiclesPerEdge float64  `yaml:"max_vehicles_per_edge"` // 车辆数/停车数饱和值
	MaxSpeed           float64  `yaml:"max_speed"`             // 速度饱和值（m/s）
	MaxPhaseIndex      float64  `yaml:"max_phase_index"`       // 相位索引饱和值
	MaxElapsed         float64  `yaml:"max_elapsed"`           // 相位已持续时间饱和值（tick）
	ExtraEdges         []string `yaml:"extra_edges,omitempty"` // 除信号灯进口道外额外观测的道路
}

// Reward 奖励函数权重（YAML）
// 未出现的字段取默认值，显式写0可关闭对应分项
type Reward struct {
	Halted         *float64 `yaml:"halted,omitempty"`          // 每辆停车车辆的惩罚
	Arrived        *float64 `yaml:"arrived,omitempty"`         // 每辆新到达车辆的奖励
	Teleported     *float64 `yaml:"teleported,omitempty"`      // 每次新瞬移的惩罚
	Tick           *float64 `yaml:"tick,omitempty"`            // 每tick的时间惩罚
	HarshBraking   *float64 `yaml:"harsh_braking,omitempty"`   // 每辆急刹车辆的惩罚
	BrakeThreshold *float64 `yaml:"brake_threshold,omitempty"` // 急刹加速度阈值（负数）
	MaxWait        *float64 `yaml:"max_wait,omitempty"`        // 最大等待时间平方的系数
	StalePhase     *float64 `yaml:"stale_phase,omitempty"`     // 每个路口每tick相位未变化的惩罚
	Scale          *float64 `yaml:"scale,omitempty"`           // 总和除以该值
}

// Weights 补全默认值后的奖励权重
type Weights struct {
	Halted         float64
	Arrived        float64
	Teleported     float64
	Tick           float64
	HarshBraking   float64
	BrakeThreshold float64
	MaxWait        float64
	StalePhase     float64
	Scale          float64
}

// Failsafe 防饿死保护：在探测相位停留过久时强制切到安全相位
type Failsafe struct {
	ProbePhases   []int32 `yaml:"probe_phases"`
	MaxElapsed    int32   `yaml:"max_elapsed"`
	SafePhase     int32   `yaml:"safe_phase"`
	DurationIndex int     `yaml:"duration_index"`
}

// Intersection 单个路口的信控表项
type Intersection struct {
	ID       string          `yaml:"id" bson:"id"`
	Phases   []int32         `yaml:"phases" bson:"phases"`                         // 可选绿灯相位（有序）
	Yellow   map[int32]int32 `yaml:"yellow" bson:"yellow"`                         // 绿灯相位 -> 黄灯相位
	Failsafe *Failsafe       `yaml:"failsafe,omitempty" bson:"failsafe,omitempty"` // 可选
}

// Demand 需求生成配置
type Demand struct {
	Kind     string   `yaml:"kind,omitempty"`     // none | random | pipeline
	Output   string   `yaml:"output,omitempty"`   // 输出的需求文件路径
	Duration float64  `yaml:"duration,omitempty"` // 需求时长（秒）
	Seed     uint64   `yaml:"seed,omitempty"`     // 0表示每次reset随机生成
	Random   *Random  `yaml:"random,omitempty"`
	Commands []string `yaml:"commands,omitempty"` // pipeline: 依次执行的命令行模板
}

// Random 随机出行生成参数
type Random struct {
	Origins      []string           `yaml:"origins"`
	Destinations []string           `yaml:"destinations"`
	PeriodMin    float64            `yaml:"period_min"`   // 平均发车间隔下限（秒）
	PeriodMax    float64            `yaml:"period_max"`   // 平均发车间隔上限（秒）
	TypeWeights  map[string]float64 `yaml:"type_weights"` // 车辆类型 -> 权重
	DefineTypes  *bool              `yaml:"define_types"` // 是否在需求文件中定义vType，仿真配置已加载车辆类型文件时设为false，默认true
}

// Recorder episode统计的输出配置
type Recorder struct {
	Kind  string `yaml:"kind,omitempty"`  // none | csv | mongo | sqlite | postgres | mqtt
	Path  string `yaml:"path,omitempty"`  // csv/sqlite文件路径
	URI   string `yaml:"uri,omitempty"`   // mongo/postgres连接串、mqtt broker
	DB    string `yaml:"db,omitempty"`    // mongo数据库
	Col   string `yaml:"col,omitempty"`   // mongo集合/SQL表
	Topic string `yaml:"topic,omitempty"` // mqtt主题
}

// Runner 并行采样配置
type Runner struct {
	Workers  int    `yaml:"workers,omitempty"`
	Episodes int    `yaml:"episodes,omitempty"` // 每个worker的episode数
	Policy   string `yaml:"policy,omitempty"`   // fixed | maxpressure | random
	WorkDir  string `yaml:"work_dir,omitempty"` // worker需求文件目录
}

// Config YAML配置文件的根结构
type Config struct {
	Sumo          Sumo           `yaml:"sumo"`
	Control       Control        `yaml:"control"`
	Observation   Observation    `yaml:"observation"`
	Reward        Reward         `yaml:"reward"`
	Intersections []Intersection `yaml:"intersections,omitempty"`
	Input         Input          `yaml:"input,omitempty"`
	Demand        Demand         `yaml:"demand,omitempty"`
	Recorder      Recorder       `yaml:"recorder,omitempty"`
	Runner        Runner         `yaml:"runner,omitempty"`
}
