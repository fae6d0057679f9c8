// Package logging configures the process-wide logrus logger and provides
// request-scoped field helpers for the HTTP layer.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
)

var (
	mu      sync.Mutex
	fileOut *os.File
)

// Setup points the standard logger at the configured level, format and
// sinks: JSON at info level normally, colored text at debug level in debug
// mode, teed into the configured log file when one is set. Safe to call
// again on config reload; the previous file handle is closed first.
func Setup(cfg *config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	if cfg != nil && cfg.Security.Debug {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	if fileOut != nil {
		_ = fileOut.Close()
		fileOut = nil
	}

	out := io.Writer(os.Stdout)
	if cfg != nil && cfg.Security.LogFile != "" {
		f, err := openLogFile(cfg.Security.LogFile)
		if err != nil {
			return err
		}
		fileOut = f
		out = io.MultiWriter(os.Stdout, f)
	}
	log.SetOutput(out)
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
