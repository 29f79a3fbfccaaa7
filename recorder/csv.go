package recorder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

var csvHeader = []string{
	"episode", "worker", "steps", "avg_wait", "total_wait", "vehicles", "avg_speed",
	"total_reward", "arrived", "teleported", "failsafes", "policy", "run_id",
}

// CSV 追加写入CSV文件，文件不存在时先写表头
type CSV struct {
	mtx  sync.Mutex
	file *os.File
	w    *csv.Writer
}

func NewCSV(path string) (*CSV, error) {
	if path == "" {
		return nil, errors.New("recorder: csv path is required")
	}
	_, statErr := os.Stat(path)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r := &CSV{file: file, w: csv.NewWriter(file)}
	if os.IsNotExist(statErr) {
		if err := r.write(csvHeader); err != nil {
			file.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *CSV) write(row []string) error {
	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	return r.w.Error()
}

func round2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func (r *CSV) Write(_ context.Context, rec Record) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	row := []string{
		strconv.Itoa(rec.Episode),
		strconv.Itoa(rec.Worker),
		strconv.Itoa(int(rec.Steps)),
		round2(rec.AvgWait),
		round2(rec.TotalWait),
		strconv.Itoa(rec.Vehicles),
		round2(rec.AvgSpeed),
		strconv.FormatFloat(rec.TotalReward, 'f', 4, 64),
		strconv.FormatInt(rec.Arrived, 10),
		strconv.FormatInt(rec.Teleported, 10),
		strconv.Itoa(rec.Failsafes),
		rec.Policy,
		rec.RunID,
	}
	if err := r.write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

func (r *CSV) Close() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.w.Flush()
	return errors.Join(r.w.Error(), r.file.Close())
}
