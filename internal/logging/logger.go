// Package logging configures the module-wide logrus logger shared by auth,
// connection, and channel: a package-level sync.Once setup, a compact custom
// formatter, and an optional rotating file sink via lumberjack.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	fileSink  *lumberjack.Logger
)

// Formatter renders one log line per entry:
// [2026-07-29 09:14:04] [a1b2c3d4] [info ] [connection.go:142] opened
type Formatter struct{}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	corr := "--------"
	if id, ok := entry.Data["correlation_id"].(string); ok && id != "" {
		corr = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fields string
	for _, k := range []string{"component", "channel", "attempt", "pingId", "provider"} {
		if v, ok := entry.Data[k]; ok {
			fields += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	var line string
	if entry.Caller != nil {
		line = fmt.Sprintf("[%s] [%s] [%s] [%s:%d] %s%s\n", timestamp, corr, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fields)
	} else {
		line = fmt.Sprintf("[%s] [%s] [%s] %s%s\n", timestamp, corr, levelStr, message, fields)
	}
	return []byte(line), nil
}

// Setup configures the shared logrus instance exactly once. Safe to call
// repeatedly (e.g. once per Client constructed in a test suite).
func Setup(debug bool) {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
		if debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
	})
}

// ToFile redirects the shared logger to a rotating file under path, keeping
// at most maxSizeMB per file. Passing an empty path restores stdout.
func ToFile(path string, maxSizeMB int) error {
	writerMu.Lock()
	defer writerMu.Unlock()

	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
	if path == "" {
		log.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	fileSink = &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB}
	log.SetOutput(fileSink)
	return nil
}

// WithCorrelation returns a log.Entry tagged with correlation_id for a
// single operation, such as one connection attempt.
func WithCorrelation(id string) *log.Entry {
	return log.WithField("correlation_id", id)
}
