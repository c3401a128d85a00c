package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./newsbeat.log"
)

type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to stdout instead of the console format.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Apply swaps them for every Logger it handed out.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg. A file sink that cannot be opened is
// reported on the returned logger; console output still works.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file sink unavailable", Err(err))
	}
	return s, log
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply switches level and sinks. The log file is reopened only when its
// path changes. If the new file cannot be opened the previous file, if any,
// stays in use and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fileErr error
	wantPath := ""
	if cfg.File.Enabled {
		if wantPath = strings.TrimSpace(cfg.File.Path); wantPath == "" {
			wantPath = defaultFilePath
		}
	}
	if wantPath != s.filePath {
		var next *os.File
		if wantPath != "" {
			next, fileErr = os.OpenFile(wantPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if fileErr != nil {
				fileErr = fmt.Errorf("open %s: %w", wantPath, fileErr)
			}
		}
		if fileErr == nil {
			if s.file != nil {
				_ = s.file.Close()
			}
			s.file, s.filePath = next, wantPath
		}
	}

	var writers []io.Writer
	switch {
	case cfg.Console && cfg.JSON:
		writers = append(writers, os.Stdout)
	case cfg.Console:
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return fileErr
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
