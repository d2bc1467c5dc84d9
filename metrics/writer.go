package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"selfplay/engine"
	"strconv"
	"sync"
	"time"
)

const reportFile = "reports.csv"

var reportHeader = []string{"test_index", "step", "first_win", "first_draw", "first_loss", "second_win", "second_draw", "second_loss", "time"}

// Record is one evaluation report tagged with the global step it measured.
type Record struct {
	Step int64
	Time time.Time
	engine.Report
}

// Writer appends evaluation records to a CSV file in baseDir.
type Writer struct {
	mu   sync.Mutex
	path string
}

func NewWriter(baseDir string) (*Writer, error) {
	err := os.MkdirAll(baseDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &Writer{
		path: filepath.Join(baseDir, reportFile),
	}, nil
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) WriteRecord(record Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, statErr := os.Stat(w.path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open report file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)

	if fresh {
		err = writer.Write(reportHeader)
		if err != nil {
			return fmt.Errorf("failed to write report header: %w", err)
		}
	}

	row := []string{
		strconv.Itoa(record.TestIndex),
		strconv.FormatInt(record.Step, 10),
		strconv.Itoa(record.First.Win),
		strconv.Itoa(record.First.Draw),
		strconv.Itoa(record.First.Loss),
		strconv.Itoa(record.Second.Win),
		strconv.Itoa(record.Second.Draw),
		strconv.Itoa(record.Second.Loss),
		record.Time.UTC().Format(time.RFC3339),
	}
	err = writer.Write(row)
	if err != nil {
		return fmt.Errorf("failed to write report row: %w", err)
	}

	writer.Flush()
	return writer.Error()
}
