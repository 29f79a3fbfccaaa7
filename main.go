package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mapv2 "git.fiblab.net/sim/protos/v2/go/city/map/v2"
	"git.fiblab.net/sim/syncer/v3"
	easy "git.fiblab.net/utils/logrus-easy-formatter"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/agent"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/demand"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/gateway/traci"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/recorder"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/runner"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/service"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/input"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v2"
)

const (
	modeServe   = "serve"
	modeCollect = "collect"
	modeWorker  = "worker"
	modeEval    = "eval"
	modeInspect = "inspect"
)

var (
	// 分布式模式syncer地址，如果设置为空则激活独立部署模式
	syncerAddr = flag.String("syncer", "", "syncer address (empty means standalone mode), e.g. http://localhost:53001")
	// 任务名，作为运行ID的前缀写入episode记录
	job = flag.String("job", "job0", "the name of the whole control task")
	// serve模式下本程序监听的RPC地址
	grpcAddr = flag.String("listen", ":51102", "RPC listening address")
	// 配置文件路径
	configPath = flag.String("config", "", "config file path")
	// 配置文件Base64编码后的数据
	configData = flag.String("config-data", "", "config file base64 encoded data")

	mode     = flag.String("mode", modeServe, "运行模式（可选项：serve collect worker eval inspect）")
	worker   = flag.Int("worker", 0, "worker序号（worker模式，由collect模式设置）")
	workers  = flag.Int("workers", 0, "并行worker数（collect模式，0表示使用配置）")
	episodes = flag.Int("episodes", 0, "每个worker运行的episode数（0表示使用配置）")
	policy   = flag.String("policy", "", "内置策略（可选项：fixed maxpressure random，空表示使用配置）")

	// log
	logLevels = map[string]logrus.Level{
		"trace":    logrus.TraceLevel,
		"debug":    logrus.DebugLevel,
		"info":     logrus.InfoLevel,
		"warn":     logrus.WarnLevel,
		"error":    logrus.ErrorLevel,
		"critical": logrus.FatalLevel,
		"off":      logrus.PanicLevel,
	}
	logLevel = flag.String("log.level", "info", "日志级别（可选项：trace debug info warn error critical off）")

	log = logrus.WithField("module", "tsc")
)

// collect模式不转发给worker的参数
var workerOnlyFlags = map[string]bool{
	"mode": true, "worker": true, "workers": true, "episodes": true, "policy": true,
}

func main() {
	flag.Parse()
	logrus.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05.0000",
		LogFormat:       "[%module%] [%time%] [%lvl%] %msg%\n",
	})
	// log: 运行时才修改
	if level, ok := logLevels[*logLevel]; ok {
		logrus.SetLevel(level)
	} else {
		log.Panicf("log.level must be one of %v", logLevels)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := loadConfig(ctx)
	if *mode == modeWorker {
		c = runner.WorkerConfig(c, *worker)
	}
	rc, err := config.NewRuntimeConfig(c)
	if err != nil {
		log.Fatalf("config err: %v", err)
	}
	runID := fmt.Sprintf("%s-%s", *job, uuid.NewString())
	log.Infof("run %s in %s mode", runID, *mode)

	switch *mode {
	case modeServe:
		serve(ctx, rc, runID)
	case modeCollect:
		collect(ctx, rc, runID)
	case modeWorker:
		work(ctx, rc)
	case modeEval:
		eval(ctx, rc, runID)
	case modeInspect:
		inspect(ctx, rc)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

// loadConfig 读取配置文件并载入路口信控表
func loadConfig(ctx context.Context) config.Config {
	var c config.Config
	var file []byte
	var err error
	if *configPath != "" {
		file, err = os.ReadFile(*configPath)
		if err != nil {
			log.Panicf("config file load err: %v", err)
		}
	} else if *configData != "" {
		file, err = base64.StdEncoding.DecodeString(*configData)
		if err != nil {
			log.Panicf("config data load err: %v", err)
		}
	} else {
		log.Panic("config file or config data must be specified")
	}
	if err := yaml.UnmarshalStrict(file, &c); err != nil {
		log.Panicf("config file load err: %v", err)
	}
	c.Intersections, err = input.Intersections(ctx, c)
	if err != nil {
		log.Fatalf("intersection table err: %v", err)
	}
	log.Debugf("%+v", c)
	return c
}

// newEnv 创建连接SUMO的episode控制器
func newEnv(ctx context.Context, rc *config.RuntimeConfig) *task.Env {
	generator, err := demand.New(rc.All.Demand)
	if err != nil {
		log.Fatalf("demand err: %v", err)
	}
	env, err := task.NewEnv(ctx, rc, traci.New(rc.All.Sumo), generator)
	if err != nil {
		log.Fatalf("init env err: %v", err)
	}
	return env
}

func newRecorder(ctx context.Context, rc *config.RuntimeConfig) recorder.Recorder {
	rec, err := recorder.New(ctx, rc.All.Recorder)
	if err != nil {
		log.Fatalf("recorder err: %v", err)
	}
	return rec
}

func policyName(rc *config.RuntimeConfig) string {
	if *policy != "" {
		return *policy
	}
	if rc.All.Runner.Policy != "" {
		return rc.All.Runner.Policy
	}
	return agent.PolicyFixed
}

func episodeCount(rc *config.RuntimeConfig) int {
	if *episodes > 0 {
		return *episodes
	}
	return rc.All.Runner.Episodes
}

func newPolicy(rc *config.RuntimeConfig, worker int) task.Policy {
	p, err := agent.New(policyName(rc), rc.All.Demand.Seed+uint64(worker))
	if err != nil {
		log.Fatalf("policy err: %v", err)
	}
	return p
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Errorf("write output: %v", err)
	}
}

// serve 在sidecar上提供Env服务，直到收到退出信号
func serve(ctx context.Context, rc *config.RuntimeConfig, runID string) {
	env := newEnv(ctx, rc)
	defer env.Close()
	rec := newRecorder(ctx, rc)
	defer rec.Close()

	sidecar := syncer.NewSidecar(service.SelfName, *grpcAddr, *syncerAddr)
	service.New(env, rec, runID).Register(sidecar)
	closeCh := make(chan struct{})
	go func() {
		if err := sidecar.Serve(); err != nil {
			log.Panicf("failed to serve: %v", err)
		}
		close(closeCh)
	}()
	log.Infof("env service listening on %s", *grpcAddr)
	<-ctx.Done()
	log.Infof("shutting down")
	sidecar.Close()
	// wait for graceful stop
	<-closeCh
}

// collect 启动多个worker进程并行采样，全部返回后汇总
func collect(ctx context.Context, rc *config.RuntimeConfig, runID string) {
	var args []string
	flag.Visit(func(f *flag.Flag) {
		if !workerOnlyFlags[f.Name] {
			args = append(args, "-"+f.Name+"="+f.Value.String())
		}
	})
	n := *workers
	if n <= 0 {
		n = rc.All.Runner.Workers
	}
	name := policyName(rc)
	results := runner.Run(ctx, runner.Options{
		Args:     args,
		Workers:  n,
		Episodes: episodeCount(rc),
		Policy:   name,
	})

	rec := newRecorder(ctx, rc)
	defer rec.Close()
	for _, r := range results {
		for i, ep := range r.Episodes {
			err := rec.Write(ctx, recorder.Record{
				RunID:         runID,
				Worker:        r.Worker,
				Episode:       i,
				Policy:        name,
				Finished:      time.Now(),
				EpisodeResult: ep,
			})
			if err != nil {
				log.Errorf("record worker %d episode %d: %v", r.Worker, i, err)
			}
		}
	}
	writeJSON(runner.Summarize(results))
}

// work worker进程：结果以JSON写到标准输出，日志写到标准错误
func work(ctx context.Context, rc *config.RuntimeConfig) {
	env := newEnv(ctx, rc)
	defer env.Close()
	if err := runner.RunWorker(ctx, env, newPolicy(rc, *worker), *worker, episodeCount(rc), os.Stdout); err != nil {
		log.Errorf("worker %d: %v", *worker, err)
		env.Close()
		os.Exit(1)
	}
}

// eval 在当前进程中用内置策略依次运行episode
func eval(ctx context.Context, rc *config.RuntimeConfig, runID string) {
	env := newEnv(ctx, rc)
	defer env.Close()
	rec := newRecorder(ctx, rc)
	defer rec.Close()
	p := newPolicy(rc, 0)

	res := runner.WorkerResult{}
	for i := range episodeCount(rc) {
		r, err := task.RunEpisode(ctx, env, p)
		if err != nil {
			res.Error = err.Error()
			log.Errorf("episode %d: %v", i, err)
			break
		}
		log.Infof("episode %d: steps=%d reward=%.4f avg_wait=%.2f", i, r.Steps, r.TotalReward, r.AvgWait)
		res.Episodes = append(res.Episodes, r)
		err = rec.Write(ctx, recorder.Record{
			RunID:         runID,
			Episode:       i,
			Policy:        p.Name(),
			Finished:      time.Now(),
			EpisodeResult: r,
		})
		if err != nil {
			log.Errorf("record episode %d: %v", i, err)
		}
	}
	writeJSON(runner.Summarize([]runner.WorkerResult{res}))
}

// inspect 校验信控表并输出每个路口的相位程序
func inspect(ctx context.Context, rc *config.RuntimeConfig) {
	env := newEnv(ctx, rc)
	defer env.Close()
	marshal := protojson.MarshalOptions{Multiline: true, Indent: "  "}
	for i, j := range env.JunctionManager().Intersections() {
		data, err := marshal.Marshal(&mapv2.TrafficLight{
			JunctionId: int32(i),
			Phases:     j.PhaseDefinitions(),
		})
		if err != nil {
			log.Fatalf("marshal %s: %v", j.ID(), err)
		}
		fmt.Printf("# %s phases=%v edges=%v\n%s\n", j.ID(), j.StablePhases(), j.Edges(), data)
	}
}
