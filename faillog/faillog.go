// Package faillog writes one JSON file per poll failure under a per-day
// directory, for post-mortem inspection without trawling the service log.
package faillog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Failure is one poll failure record.
type Failure struct {
	Timestamp      time.Time `json:"timestamp"`
	PLCCode        string    `json:"plcCode"`
	GroupName      string    `json:"groupName"`
	ErrorType      string    `json:"errorType"`
	ErrorMessage   string    `json:"errorMessage"`
	TagAddresses   []string  `json:"tagAddresses"`
	TagCount       int       `json:"tagCount"`
	PollDurationMs float64   `json:"pollDurationMs"`
	RetryCount     int       `json:"retryCount"`
	Request        string    `json:"request,omitempty"`
	Response       string    `json:"response,omitempty"`
}

// ConnectionFailure builds the record for a failed PLC connection.
func ConnectionFailure(plcCode, groupName string, addrs []string, err error) Failure {
	return Failure{
		Timestamp:    time.Now(),
		PLCCode:      plcCode,
		GroupName:    groupName,
		ErrorType:    "CONNECTION_FAILED",
		ErrorMessage: err.Error(),
		TagAddresses: addrs,
		TagCount:     len(addrs),
	}
}

// ReadError builds the record for a failed read.
func ReadError(plcCode, groupName string, addrs []string, durationMs float64, err error) Failure {
	return Failure{
		Timestamp:      time.Now(),
		PLCCode:        plcCode,
		GroupName:      groupName,
		ErrorType:      "READ_ERROR",
		ErrorMessage:   err.Error(),
		TagAddresses:   addrs,
		TagCount:       len(addrs),
		PollDurationMs: durationMs,
	}
}

// Timeout builds the record for a timed-out poll.
func Timeout(plcCode, groupName string, addrs []string, durationMs float64, err error) Failure {
	return Failure{
		Timestamp:      time.Now(),
		PLCCode:        plcCode,
		GroupName:      groupName,
		ErrorType:      "TIMEOUT",
		ErrorMessage:   err.Error(),
		TagAddresses:   addrs,
		TagCount:       len(addrs),
		PollDurationMs: durationMs,
	}
}

// Logger writes failure files and sweeps old day-directories.
type Logger struct {
	dir       string
	retention int // days; directories older than this are removed

	mu       sync.Mutex
	sweeping bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
	log    *slog.Logger
}

// New returns a logger rooted at dir, keeping retentionDays of history
// (default 7).
func New(dir string, retentionDays int, log *slog.Logger) *Logger {
	if dir == "" {
		dir = filepath.Join("logs", "polling_failures")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		dir:       dir,
		retention: retentionDays,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       log,
	}
}

// Write persists one failure as dir/YYYYMMDD/<plc>_failure_<HHMMSS_mmm>.log.
// Write failures are logged and swallowed: the failure logger must never
// take the poll loop down with it.
func (l *Logger) Write(f Failure) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	day := f.Timestamp.Format("20060102")
	name := fmt.Sprintf("%s_failure_%s_%03d.log",
		f.PLCCode,
		f.Timestamp.Format("150405"),
		f.Timestamp.Nanosecond()/int(time.Millisecond))

	l.mu.Lock()
	defer l.mu.Unlock()

	dayDir := filepath.Join(l.dir, day)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		l.log.Error("failure log mkdir", "dir", dayDir, "error", err)
		return
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		l.log.Error("failure log marshal", "error", err)
		return
	}
	path := filepath.Join(dayDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		l.log.Error("failure log write", "path", path, "error", err)
	}
}

// StartSweeper launches the daily retention sweep.
func (l *Logger) StartSweeper() {
	l.mu.Lock()
	if l.sweeping {
		l.mu.Unlock()
		return
	}
	l.sweeping = true
	l.mu.Unlock()

	go func() {
		defer close(l.doneCh)

		l.Sweep()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper, if one was started.
func (l *Logger) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.mu.Lock()
	sweeping := l.sweeping
	l.mu.Unlock()
	if sweeping {
		<-l.doneCh
	}
}

// Sweep removes day-directories older than the retention window. It
// returns the number of directories removed.
func (l *Logger) Sweep() int {
	cutoff := time.Now().AddDate(0, 0, -l.retention).Format("20060102")

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Error("failure log sweep", "dir", l.dir, "error", err)
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != 8 || name >= cutoff {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.dir, name)); err != nil {
			l.log.Error("failure log sweep remove", "dir", name, "error", err)
			continue
		}
		removed++
		l.log.Info("removed expired failure logs", "day", name)
	}
	return removed
}
