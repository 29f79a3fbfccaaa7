// episode汇总的持久化输出
package recorder

import (
	"context"
	"time"

	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

const (
	KindNone     = "none"
	KindCSV      = "csv"
	KindMongo    = "mongo"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindMQTT     = "mqtt"
)

// Record 一条episode记录
type Record struct {
	RunID    string    `json:"run_id" bson:"run_id"`
	Worker   int       `json:"worker" bson:"worker"`
	Episode  int       `json:"episode" bson:"episode"`
	Policy   string    `json:"policy" bson:"policy"`
	Finished time.Time `json:"finished" bson:"finished"`

	task.EpisodeResult `bson:",inline"`
}

// Recorder episode记录的输出目标
type Recorder interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

// New 根据配置创建输出目标，未配置时返回不输出的Nop
func New(ctx context.Context, c config.Recorder) (Recorder, error) {
	switch c.Kind {
	case "", KindNone:
		return Nop{}, nil
	case KindCSV:
		return checked(NewCSV(c.Path))
	case KindMongo:
		return checked(NewMongo(ctx, c.URI, c.DB, c.Col))
	case KindSQLite:
		return checked(NewSQL(ctx, DialectSQLite, c.Path, c.Col))
	case KindPostgres:
		return checked(NewSQL(ctx, DialectPostgres, c.URI, c.Col))
	case KindMQTT:
		return checked(NewMQTT(c.URI, c.Topic))
	default:
		return nil, entity.ConfigError("recorder: unknown kind %q", c.Kind)
	}
}

// Nop 丢弃所有记录
type Nop struct{}

func (Nop) Write(context.Context, Record) error { return nil }
func (Nop) Close() error { return nil }

// checked 出错时返回nil接口而不是带nil指针的接口
func checked[T Recorder](r T, err error) (Recorder, error) {
	if err != nil {
		return nil, err
	}
	return r, nil
}
