package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/forge/internal/xjson"
)

// FileLogger appends events as newline-delimited JSON, one file per job
// and day under <dir>/events/<job_id>/events-<date>.jsonl. Every write is
// synced before Publish returns.
type FileLogger struct {
	directory string
	mu        sync.Mutex
}

func NewFileLogger(directory string) *FileLogger {
	return &FileLogger{directory: directory}
}

func (l *FileLogger) jobDir(jobID string) string {
	return filepath.Join(l.directory, "events", jobID)
}

func (l *FileLogger) eventLogPath(e Event) string {
	return filepath.Join(l.jobDir(e.JobID), fmt.Sprintf("events-%s.jsonl", e.Timestamp.UTC().Format("2006-01-02")))
}

func (l *FileLogger) Publish(ctx context.Context, e Event) error {
	if e.JobID == "" {
		return errors.New("event has no job id")
	}
	data, err := xjson.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	filePath := l.eventLogPath(e)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// History returns every event recorded for a job, oldest file first.
func (l *FileLogger) History(ctx context.Context, jobID string) ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.jobDir(jobID), "events-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []Event
	for _, path := range files {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e Event
			if err := xjson.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to parse event in %s: %w", path, err)
			}
			out = append(out, e)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *FileLogger) Close() error {
	return nil
}
