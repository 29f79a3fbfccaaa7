// 并行数据采集
// 每个worker是同一程序的独立进程（-mode worker），独占一个仿真实例；父进程在所有worker返回后汇总
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"git.fiblab.net/general/common/v2/parallel"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

// Options 并行采集参数
type Options struct {
	Executable string   // worker程序，默认为当前程序
	Args       []string // 转发给所有worker的参数（配置、日志级别等）
	Workers    int
	Episodes   int // 每个worker的episode数
	Policy     string
}

// WorkerResult 单个worker的输出，以JSON写到标准输出
type WorkerResult struct {
	Worker   int                  `json:"worker"`
	Episodes []task.EpisodeResult `json:"episodes"`
	Error    string               `json:"error,omitempty"`
}

// WorkerArgs worker进程的命令行参数
func WorkerArgs(opts Options, worker int) []string {
	return append(append([]string{}, opts.Args...),
		"-mode", "worker",
		"-worker", strconv.Itoa(worker),
		"-episodes", strconv.Itoa(opts.Episodes),
		"-policy", opts.Policy,
	)
}

// WorkerConfig 为worker调整配置
// 功能：需求文件使用带uuid的独立文件名，避免多个进程写同一文件；固定种子时按worker错开
func WorkerConfig(c config.Config, worker int) config.Config {
	dir := c.Runner.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	c.Demand.Output = filepath.Join(dir, fmt.Sprintf("worker-%d-%s.rou.xml", worker, uuid.NewString()))
	if c.Demand.Seed != 0 {
		c.Demand.Seed += uint64(worker) * 1000003
	}
	return c
}

// Run 启动所有worker并等待其返回
// 返回：按worker序号排列的结果；单个worker失败记录在其Error中，不影响其他worker
func Run(ctx context.Context, opts Options) []WorkerResult {
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			log.Panicf("locate executable: %v", err)
		}
		opts.Executable = exe
	}
	log.Infof("start %d workers x %d episodes with policy %s", opts.Workers, opts.Episodes, opts.Policy)
	return parallel.GoMap(lo.Range(opts.Workers), func(worker int) WorkerResult {
		res := runWorker(ctx, opts, worker)
		if res.Error != "" {
			log.Errorf("worker %d failed: %s", worker, res.Error)
		} else {
			log.Infof("worker %d finished %d episodes", worker, len(res.Episodes))
		}
		return res
	})
}

func runWorker(ctx context.Context, opts Options, worker int) WorkerResult {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, opts.Executable, WorkerArgs(opts, worker)...)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()

	var res WorkerResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		res = WorkerResult{Error: fmt.Sprintf("decode worker output: %v", err)}
		if runErr != nil {
			res.Error = runErr.Error()
		}
	} else if runErr != nil && res.Error == "" {
		res.Error = runErr.Error()
	}
	res.Worker = worker
	return res
}

// RunWorker worker进程的主体：依次运行episode并把结果写到out
// 说明：出错时已完成的episode仍然输出，错误信息写入Error
func RunWorker(ctx context.Context, env *task.Env, policy task.Policy, worker, episodes int, out io.Writer) error {
	res := WorkerResult{Worker: worker, Episodes: make([]task.EpisodeResult, 0, episodes)}
	var runErr error
	for i := range episodes {
		r, err := task.RunEpisode(ctx, env, policy)
		if err != nil {
			runErr = fmt.Errorf("episode %d: %w", i, err)
			res.Error = runErr.Error()
			break
		}
		log.Infof("worker %d episode %d: steps=%d reward=%.4f avg_wait=%.2f", worker, i, r.Steps, r.TotalReward, r.AvgWait)
		res.Episodes = append(res.Episodes, r)
	}
	if err := json.NewEncoder(out).Encode(res); err != nil {
		return err
	}
	return runErr
}
