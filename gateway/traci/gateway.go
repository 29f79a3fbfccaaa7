// 基于TraCI协议的SUMO仿真网关
package traci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

const (
	dialInterval = 200 * time.Millisecond
	// 相位锁定时长（秒），保证仿真不会自行切换相位
	pinnedDuration = 1e6
	// 等待仿真进程退出的时长，超时后强制结束
	exitTimeout = 5 * time.Second
)

// Gateway SUMO仿真网关
// 功能：管理仿真进程的生命周期，将TraCI变量读写封装为entity.IGateway
// 说明：仿真每步只报告当步到达与瞬移数，网关在Step中累加为启动以来的累计值
type Gateway struct {
	cfg config.Sumo

	cmd    *exec.Cmd
	stdout io.Closer
	stderr io.Closer
	client *Client

	arrived    int64
	teleported int64
}

func New(cfg config.Sumo) *Gateway {
	if cfg.Binary == "" {
		cfg.Binary = "sumo"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartRetries == 0 {
		cfg.StartRetries = 50
	}
	return &Gateway{cfg: cfg}
}

// Args 启动仿真进程的命令行参数
func (g *Gateway) Args(opts entity.StartOptions, port int) []string {
	args := []string{
		"-c", opts.ConfigFile,
		"--remote-port", strconv.Itoa(port),
		"--seed", strconv.FormatUint(opts.Seed%(1<<31), 10),
		"--no-step-log", "true",
	}
	if len(opts.RouteFiles) > 0 {
		args = append(args, "-r", strings.Join(opts.RouteFiles, ","))
	}
	return append(args, g.cfg.ExtraArgs...)
}

// Start 启动仿真进程并建立TraCI连接
// 算法说明：
// 1. 端口未配置时向操作系统申请一个空闲端口
// 2. 启动仿真进程，标准输出与错误输出转入日志
// 3. 按固定间隔重试连接，直到仿真开始监听
func (g *Gateway) Start(ctx context.Context, opts entity.StartOptions) error {
	if g.client != nil {
		return fmt.Errorf("simulation already running")
	}
	if opts.ConfigFile == "" {
		opts.ConfigFile = g.cfg.ConfigFile
	}
	port := g.cfg.Port
	if port == 0 {
		var err error
		if port, err = freePort(g.cfg.Host); err != nil {
			return fmt.Errorf("allocate traci port: %w", err)
		}
	}
	args := g.Args(opts, port)
	log.Debugf("start %s %s", g.cfg.Binary, strings.Join(args, " "))
	cmd := exec.Command(g.cfg.Binary, args...)
	stdout := log.WriterLevel(logrus.DebugLevel)
	stderr := log.WriterLevel(logrus.WarnLevel)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", g.cfg.Binary, err)
	}
	g.cmd, g.stdout, g.stderr = cmd, stdout, stderr

	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(port))
	client, err := Dial(ctx, addr, g.cfg.StartRetries, dialInterval)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	g.client = client
	g.arrived, g.teleported = 0, 0
	if api, id, err := client.Version(); err == nil {
		log.Infof("connected to %s (api %d) at %s", id, api, addr)
	} else {
		return fmt.Errorf("query traci version: %w", err)
	}
	return nil
}

// freePort 申请一个当前空闲的TCP端口
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Step 推进一步并累加到达与瞬移计数
func (g *Gateway) Step() error {
	if g.client == nil {
		return entity.ErrGatewayClosed
	}
	if err := g.client.SimStep(); err != nil {
		return err
	}
	arrived, err := g.client.getInt(cmdGetSimVariable, varArrivedNumber, "")
	if err != nil {
		return err
	}
	starting, err := g.client.getInt(cmdGetSimVariable, varStartingTeleportNumber, "")
	if err != nil {
		return err
	}
	ending, err := g.client.getInt(cmdGetSimVariable, varEndingTeleportNumber, "")
	if err != nil {
		return err
	}
	g.arrived += int64(arrived)
	g.teleported += int64(starting) + int64(ending)
	return nil
}

// Close 关闭连接并等待仿真进程退出，可重复调用
func (g *Gateway) Close() error {
	var err error
	if g.client != nil {
		err = g.client.Close()
		g.client = nil
	}
	if g.cmd != nil {
		done := make(chan error, 1)
		go func() { done <- g.cmd.Wait() }()
		select {
		case werr := <-done:
			if err == nil && werr != nil {
				err = fmt.Errorf("simulation exited: %w", werr)
			}
		case <-time.After(exitTimeout):
			log.Warnf("simulation did not exit in %v, killing", exitTimeout)
			_ = g.cmd.Process.Kill()
			<-done
		}
		g.stdout.Close()
		g.stderr.Close()
		g.cmd = nil
	}
	return err
}

func (g *Gateway) running() (*Client, error) {
	if g.client == nil {
		return nil, entity.ErrGatewayClosed
	}
	return g.client, nil
}

func (g *Gateway) TrafficLightIDs() ([]string, error) {
	c, err := g.running()
	if err != nil {
		return nil, err
	}
	return c.getStringList(cmdGetTLVariable, varIDList, "")
}

func (g *Gateway) ControlledLanes(tlsID string) ([]string, error) {
	c, err := g.running()
	if err != nil {
		return nil, err
	}
	return c.getStringList(cmdGetTLVariable, varTLControlledLanes, tlsID)
}

// ControlledLinks 信号灯控制的连接，按信号序号展开
func (g *Gateway) ControlledLinks(tlsID string) ([]entity.Link, error) {
	c, err := g.running()
	if err != nil {
		return nil, err
	}
	s, err := c.query(cmdGetTLVariable, varTLControlledLinks, tlsID)
	if err != nil {
		return nil, err
	}
	return readLinks(s)
}

// readLinks 解析TL_CONTROLLED_LINKS
// 格式：compound头（项数不可靠，忽略）、信号数，每个信号：连接数 + 每个连接一个[进口, 出口, 内部]字符串列表
func readLinks(s *storage) ([]entity.Link, error) {
	t, err := s.ubyte()
	if err != nil {
		return nil, err
	}
	if t != typeCompound {
		return nil, fmt.Errorf("%w: controlled links type 0x%02x", ErrProtocol, t)
	}
	if _, err := s.int32(); err != nil {
		return nil, err
	}
	signals, err := typedInt(s)
	if err != nil {
		return nil, err
	}
	links := make([]entity.Link, 0, signals)
	for range signals {
		n, err := typedInt(s)
		if err != nil {
			return nil, err
		}
		for range n {
			v, err := s.typed()
			if err != nil {
				return nil, err
			}
			lanes, ok := v.([]string)
			if !ok || len(lanes) != 3 {
				return nil, fmt.Errorf("%w: bad controlled link %v", ErrProtocol, v)
			}
			links = append(links, entity.Link{Incoming: lanes[0], Outgoing: lanes[1], Via: lanes[2]})
		}
	}
	return links, nil
}

func typedInt(s *storage) (int32, error) {
	v, err := s.typed()
	if err != nil {
		return 0, err
	}
	n, ok := v.(int32)
	if !ok || n < 0 {
		return 0, fmt.Errorf("%w: expect non-negative int, got %v", ErrProtocol, v)
	}
	return n, nil
}

// PhaseDefinitions 读取信号灯当前程序的相位定义
// 说明：完整定义包含全部程序，按当前程序ID选取；每个相位为(duration, state, minDur, maxDur, next, name)
func (g *Gateway) PhaseDefinitions(tlsID string) ([]*mapv2.Phase, error) {
	c, err := g.running()
	if err != nil {
		return nil, err
	}
	program, err := c.getString(cmdGetTLVariable, varTLCurrentProgram, tlsID)
	if err != nil {
		return nil, err
	}
	logics, err := c.getCompound(cmdGetTLVariable, varTLCompleteDefinition, tlsID)
	if err != nil {
		return nil, err
	}
	return parseLogics(logics, program)
}

// parseLogics 从完整定义中取出指定程序的相位
func parseLogics(logics []any, program string) ([]*mapv2.Phase, error) {
	bad := func(what string) error {
		return fmt.Errorf("%w: bad traffic light definition (%s)", ErrProtocol, what)
	}
	for _, l := range logics {
		logic, ok := l.([]any)
		if !ok || len(logic) < 4 {
			return nil, bad("logic")
		}
		if id, _ := logic[0].(string); id != program {
			continue
		}
		items, ok := logic[3].([]any)
		if !ok {
			return nil, bad("phases")
		}
		phases := make([]*mapv2.Phase, 0, len(items))
		for _, item := range items {
			p, ok := item.([]any)
			if !ok || len(p) < 2 {
				return nil, bad("phase")
			}
			duration, ok1 := p[0].(float64)
			state, ok2 := p[1].(string)
			if !ok1 || !ok2 {
				return nil, bad("phase fields")
			}
			phases = append(phases, &mapv2.Phase{
				Duration: duration,
				States:   lightStates(state),
			})
		}
		return phases, nil
	}
	return nil, fmt.Errorf("%w: program %q not found", ErrProtocol, program)
}

// lightStates 将SUMO的信号状态字符串转换为每个link的灯色
// G/g为绿灯，y/Y为黄灯，o/O（无信号）为未指定，其余（r/R/s/u）为红灯
func lightStates(state string) []mapv2.LightState {
	return lo.Map([]rune(state), func(r rune, _ int) mapv2.LightState {
		switch r {
		case 'G', 'g':
			return mapv2.LightState_LIGHT_STATE_GREEN
		case 'y', 'Y':
			return mapv2.LightState_LIGHT_STATE_YELLOW
		case 'o', 'O':
			return mapv2.LightState_LIGHT_STATE_UNSPECIFIED
		default:
			return mapv2.LightState_LIGHT_STATE_RED
		}
	})
}

func (g *Gateway) Phase(tlsID string) (int32, error) {
	c, err := g.running()
	if err != nil {
		return 0, err
	}
	return c.getInt(cmdGetTLVariable, varTLCurrentPhase, tlsID)
}

// SetPhase 切换相位并将剩余时长设为极大值，相位只由控制器切换
func (g *Gateway) SetPhase(tlsID string, phase int32) error {
	c, err := g.running()
	if err != nil {
		return err
	}
	if err := c.set(cmdSetTLVariable, varTLPhaseIndex, tlsID, phase); err != nil {
		return err
	}
	return c.set(cmdSetTLVariable, varTLPhaseDuration, tlsID, float64(pinnedDuration))
}

func (g *Gateway) Edge(edgeID string) (entity.EdgeStat, error) {
	c, err := g.running()
	if err != nil {
		return entity.EdgeStat{}, err
	}
	halting, err := c.getInt(cmdGetEdgeVariable, varLastStepHalting, edgeID)
	if err != nil {
		return entity.EdgeStat{}, err
	}
	vehicles, err := c.getInt(cmdGetEdgeVariable, varLastStepVehicleNumber, edgeID)
	if err != nil {
		return entity.EdgeStat{}, err
	}
	speed, err := c.getDouble(cmdGetEdgeVariable, varLastStepMeanSpeed, edgeID)
	if err != nil {
		return entity.EdgeStat{}, err
	}
	return entity.EdgeStat{Halting: halting, Vehicles: vehicles, MeanSpeed: speed}, nil
}

func (g *Gateway) VehicleIDs() ([]string, error) {
	c, err := g.running()
	if err != nil {
		return nil, err
	}
	return c.getStringList(cmdGetVehicleVariable, varIDList, "")
}

// Vehicle 读取单车状态，仿真拒绝查询时视为车辆已离开
func (g *Gateway) Vehicle(vehicleID string) (entity.VehicleStat, error) {
	c, err := g.running()
	if err != nil {
		return entity.VehicleStat{}, err
	}
	gone := func(err error) error {
		if ce := (*CommandError)(nil); errors.As(err, &ce) {
			return fmt.Errorf("%w: %s", entity.ErrVehicleGone, ce.Description)
		}
		return err
	}
	v := entity.VehicleStat{ID: vehicleID}
	if v.Type, err = c.getString(cmdGetVehicleVariable, varType, vehicleID); err != nil {
		return v, gone(err)
	}
	if v.Speed, err = c.getDouble(cmdGetVehicleVariable, varSpeed, vehicleID); err != nil {
		return v, gone(err)
	}
	if v.Acceleration, err = c.getDouble(cmdGetVehicleVariable, varAcceleration, vehicleID); err != nil {
		return v, gone(err)
	}
	if v.AccumulatedWait, err = c.getDouble(cmdGetVehicleVariable, varAccumulatedWaitTime, vehicleID); err != nil {
		return v, gone(err)
	}
	return v, nil
}

func (g *Gateway) Simulation() (entity.SimulationStat, error) {
	c, err := g.running()
	if err != nil {
		return entity.SimulationStat{}, err
	}
	pending, err := c.getInt(cmdGetSimVariable, varMinExpectedNumber, "")
	if err != nil {
		return entity.SimulationStat{}, err
	}
	return entity.SimulationStat{Arrived: g.arrived, Teleported: g.teleported, Pending: pending}, nil
}
