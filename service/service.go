// 对外部学习程序提供的Env RPC服务
// 以connect协议承载Spec/Reset/Step三个一元调用，消息为JSON
package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"git.fiblab.net/sim/syncer/v3"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity/junction"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/recorder"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/reward"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
)

const (
	// sidecar中注册的服务名
	SelfName = "tsc"

	EnvServiceName = "tsc.env.v1.EnvService"

	EnvServiceSpecProcedure  = "/" + EnvServiceName + "/Spec"
	EnvServiceResetProcedure = "/" + EnvServiceName + "/Reset"
	EnvServiceStepProcedure  = "/" + EnvServiceName + "/Step"
)

type SpecRequest struct{}

// IntersectionSpec 单个路口的动作空间说明
type IntersectionSpec struct {
	ID     string   `json:"id"`
	Phases []int32  `json:"phases"` // 动作第一个分量的取值对应的绿灯相位
	Edges  []string `json:"edges"`
}

type SpecResponse struct {
	ObservationSize int                `json:"observation_size"`
	ObservationMode string             `json:"observation_mode"`
	ActionShape     []int              `json:"action_shape"`
	DurationOptions []int32            `json:"duration_options"`
	Edges           []string           `json:"edges"`
	Intersections   []IntersectionSpec `json:"intersections"`
	MaxSteps        int32              `json:"max_steps"`
}

type ResetRequest struct{}

type ResetResponse struct {
	Observation []float64 `json:"observation"`
}

type StepRequest struct {
	Action []int `json:"action"`
}

type StepResponse struct {
	Observation []float64          `json:"observation"`
	Reward      float64            `json:"reward"`
	Breakdown   reward.Breakdown   `json:"breakdown"`
	Terminated  bool               `json:"terminated"`
	Info        map[string]float64 `json:"info,omitempty"`
}

// Service Env RPC服务
// 说明：Env非并发安全，所有调用由互斥锁串行化；episode结束时将汇总写入recorder
type Service struct {
	mtx      sync.Mutex
	env      *task.Env
	recorder recorder.Recorder
	runID    string
	policy   string
	episode  int
}

// New 创建服务
// 参数：env-episode控制器，rec-episode汇总输出（可为recorder.Nop），runID-本次运行ID
func New(env *task.Env, rec recorder.Recorder, runID string) *Service {
	return &Service{env: env, recorder: rec, runID: runID, policy: "external"}
}

// Spec 返回观测长度与动作空间
func (s *Service) Spec(
	ctx context.Context, in *connect.Request[SpecRequest],
) (*connect.Response[SpecResponse], error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m := s.env.JunctionManager()
	rc := s.env.RuntimeConfig()
	return connect.NewResponse(&SpecResponse{
		ObservationSize: s.env.ObservationSize(),
		ObservationMode: rc.O.Mode,
		ActionShape:     s.env.ActionShape(),
		DurationOptions: rc.C.DurationOptions,
		Edges:           m.Edges(),
		Intersections: lo.Map(m.Intersections(), func(j *junction.Intersection, _ int) IntersectionSpec {
			return IntersectionSpec{ID: j.ID(), Phases: j.StablePhases(), Edges: j.Edges()}
		}),
		MaxSteps: rc.C.MaxSteps,
	}), nil
}

// Reset 开始新的episode
func (s *Service) Reset(
	ctx context.Context, in *connect.Request[ResetRequest],
) (*connect.Response[ResetResponse], error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	obs, err := s.env.Reset(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ResetResponse{Observation: obs}), nil
}

// Step 推进一个tick
func (s *Service) Step(
	ctx context.Context, in *connect.Request[StepRequest],
) (*connect.Response[StepResponse], error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	res, err := s.env.Step(ctx, in.Msg.Action)
	if err != nil {
		return nil, toConnectError(err)
	}
	if res.Terminated {
		s.record(ctx)
	}
	return connect.NewResponse(&StepResponse{
		Observation: res.Observation,
		Reward:      res.Reward,
		Breakdown:   res.Breakdown,
		Terminated:  res.Terminated,
		Info:        res.Info,
	}), nil
}

// record 写入刚结束的episode汇总，失败只记录日志
func (s *Service) record(ctx context.Context) {
	summary := s.env.Summary()
	log.Infof("episode %d finished: steps=%d reward=%.4f arrived=%d teleported=%d",
		s.episode, summary.Steps, summary.TotalReward, summary.Arrived, summary.Teleported)
	err := s.recorder.Write(ctx, recorder.Record{
		RunID:         s.runID,
		Episode:       s.episode,
		Policy:        s.policy,
		Finished:      time.Now(),
		EpisodeResult: summary,
	})
	if err != nil {
		log.Errorf("record episode %d: %v", s.episode, err)
	}
	s.episode++
}

// toConnectError 将episode控制器的错误映射为RPC错误码
func toConnectError(err error) error {
	switch {
	case errors.Is(err, task.ErrActionShape):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, task.ErrNotReset), errors.Is(err, task.ErrEpisodeDone):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// NewEnvServiceHandler 构建服务的HTTP处理器
// 返回：路由前缀与处理器，与connect生成代码的形式一致
func NewEnvServiceHandler(s *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append(opts, connect.WithCodec(jsonCodec{}))
	mux := http.NewServeMux()
	mux.Handle(EnvServiceSpecProcedure, connect.NewUnaryHandler(EnvServiceSpecProcedure, s.Spec, opts...))
	mux.Handle(EnvServiceResetProcedure, connect.NewUnaryHandler(EnvServiceResetProcedure, s.Reset, opts...))
	mux.Handle(EnvServiceStepProcedure, connect.NewUnaryHandler(EnvServiceStepProcedure, s.Step, opts...))
	return "/" + EnvServiceName + "/", mux
}

// Register 将Env服务与信号灯查询服务注册到sidecar
func (s *Service) Register(sidecar *syncer.Sidecar) {
	sidecar.Register(
		EnvServiceName,
		func(opts ...connect.HandlerOption) (pattern string, handler http.Handler) {
			return NewEnvServiceHandler(s, opts...)
		},
		syncer.WithNoLock(),
	)
	s.env.JunctionManager().Register(sidecar)
}
