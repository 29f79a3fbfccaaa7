package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	defaultTable = "episodes"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var sqlColumns = []string{
	"run_id", "worker", "episode", "policy", "finished",
	"steps", "sim_seconds", "total_reward", "mean_halted", "arrived", "teleported",
	"failsafes", "vehicles", "avg_wait", "total_wait", "avg_speed", "info",
}

// SQL 写入sqlite或postgres表，表不存在时自动创建
type SQL struct {
	db     *sql.DB
	insert string
}

// NewSQL 打开数据库并建表
// 参数：dialect-sqlite | postgres，dsn-sqlite文件路径或postgres连接串，table-表名（为空时使用episodes）
func NewSQL(ctx context.Context, dialect, dsn, table string) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("recorder: sql dsn is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("recorder: bad table name %q", table)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, createTable(dialect, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQL{db: db, insert: insertInto(dialect, table)}, nil
}

func createTable(dialect, table string) string {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TEXT"
	info := "TEXT"
	if dialect == DialectPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
		info = "JSONB"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s,
		run_id TEXT NOT NULL,
		worker INTEGER NOT NULL,
		episode INTEGER NOT NULL,
		policy TEXT NOT NULL,
		finished %s NOT NULL,
		steps INTEGER NOT NULL,
		sim_seconds DOUBLE PRECISION NOT NULL,
		total_reward DOUBLE PRECISION NOT NULL,
		mean_halted DOUBLE PRECISION NOT NULL,
		arrived BIGINT NOT NULL,
		teleported BIGINT NOT NULL,
		failsafes INTEGER NOT NULL,
		vehicles INTEGER NOT NULL,
		avg_wait DOUBLE PRECISION NOT NULL,
		total_wait DOUBLE PRECISION NOT NULL,
		avg_speed DOUBLE PRECISION NOT NULL,
		info %s
	)`, table, id, ts, info)
}

func insertInto(dialect, table string) string {
	placeholders := make([]string, len(sqlColumns))
	for i := range placeholders {
		if dialect == DialectPostgres {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(sqlColumns, ", "), strings.Join(placeholders, ", "))
}

func (r *SQL) Write(ctx context.Context, rec Record) error {
	info, err := json.Marshal(rec.Info)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.insert,
		rec.RunID, rec.Worker, rec.Episode, rec.Policy, rec.Finished,
		rec.Steps, rec.SimSeconds, rec.TotalReward, rec.MeanHalted, rec.Arrived, rec.Teleported,
		rec.Failsafes, rec.Vehicles, rec.AvgWait, rec.TotalWait, rec.AvgSpeed, string(info),
	)
	return err
}

func (r *SQL) Close() error {
	return r.db.Close()
}
