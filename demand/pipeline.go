package demand

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
)

// Pipeline 依次执行外部命令生成需求（如randomTrips.py、duarouter）
// 命令模板中的{output}、{duration}、{seed}在执行前替换为实际值
type Pipeline struct {
	commands [][]string
}

func NewPipeline(commands []string) (*Pipeline, error) {
	if len(commands) == 0 {
		return nil, entity.ConfigError("demand: pipeline needs at least one command")
	}
	fields := lo.Map(commands, func(c string, _ int) []string { return strings.Fields(c) })
	if lo.SomeBy(fields, func(f []string) bool { return len(f) == 0 }) {
		return nil, entity.ConfigError("demand: empty pipeline command")
	}
	return &Pipeline{commands: fields}, nil
}

// Expand 替换模板参数，返回每条命令的参数列表
func (p *Pipeline) Expand(output string, duration float64, seed uint64) [][]string {
	r := strings.NewReplacer(
		"{output}", output,
		"{duration}", strconv.FormatFloat(duration, 'f', -1, 64),
		"{seed}", strconv.FormatUint(seed, 10),
	)
	return lo.Map(p.commands, func(c []string, _ int) []string {
		return lo.Map(c, func(arg string, _ int) string { return r.Replace(arg) })
	})
}

// Generate 顺序执行所有命令，任一命令失败即返回错误并附带其输出
func (p *Pipeline) Generate(ctx context.Context, output string, duration float64, seed uint64) error {
	for _, args := range p.Expand(output, duration, seed) {
		log.Debugf("run %s", strings.Join(args, " "))
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("demand command %q: %w: %s", args[0], err, tail(string(out), 512))
		}
	}
	return nil
}

// tail 保留输出的最后n个字节
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
