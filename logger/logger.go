package logger

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias for logrus fields.
type Fields = logrus.Fields

// Field keys shared across components
const (
	FieldCategory = "category"
	FieldJobID    = "job_id"
	FieldMarket   = "market"
	FieldSymbol   = "symbol"
)

// Logger wraps logrus.Entry so that category and job fields travel with the logger.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // explicit destination, takes priority over LogFile
	ServiceName string

	// File output with rotation; empty LogFile writes to stdout only
	LogFile    string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

var (
	base   *logrus.Logger
	root   *Logger
	rootMu sync.RWMutex
	closer io.Closer
)

func init() {
	Init(nil)
}

// DefaultConfig returns the configuration used before Init is called explicitly.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "text",
		ServiceName: "stock-collector",
		MaxSize:     100,
		MaxBackups:  7,
		MaxAge:      30,
		Compress:    true,
	}
}

// Init (re)builds the process logger. Safe to call more than once.
func Init(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	log := logrus.New()
	log.SetLevel(parseLevel(cfg.Level))
	log.SetReportCaller(true)

	if strings.ToLower(cfg.Format) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
			CallerPrettyfier: callerPrettyfier,
		})
	}

	var fileWriter *lumberjack.Logger
	switch {
	case cfg.Output != nil:
		log.SetOutput(cfg.Output)
	case cfg.LogFile != "":
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	default:
		log.SetOutput(os.Stdout)
	}

	rootMu.Lock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
	if fileWriter != nil {
		closer = fileWriter
	}
	base = log
	root = &Logger{Entry: log.WithField("service", cfg.ServiceName)}
	rootMu.Unlock()
}

// Sync closes the rotating file writer, if any.
func Sync() error {
	rootMu.Lock()
	defer rootMu.Unlock()
	if closer != nil {
		err := closer.Close()
		closer = nil
		return err
	}
	return nil
}

// SetLevel changes the level of every logger derived from the process logger.
// Unknown levels are ignored and false is returned.
func SetLevel(level string) bool {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return false
	}
	rootMu.RLock()
	base.SetLevel(lvl)
	rootMu.RUnlock()
	return true
}

// GetLevel returns the current level name.
func GetLevel() string {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return base.GetLevel().String()
}

// IsValidLevel reports whether level names a logrus level.
func IsValidLevel(level string) bool {
	_, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	return err == nil
}

// Default returns the process logger.
func Default() *Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// Category returns a logger scoped to a component, e.g. "scheduler" or "collector".
func Category(name string) *Logger {
	return Default().WithField(FieldCategory, name)
}

// WithFields returns a new Logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// WithField returns a new Logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a new Logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// WithJob tags the logger with a job id.
func (l *Logger) WithJob(jobID string) *Logger {
	if jobID == "" {
		return l
	}
	return l.WithField(FieldJobID, jobID)
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// callerPrettyfier keeps only the short function name and file:line
func callerPrettyfier(frame *runtime.Frame) (function string, file string) {
	funcName := frame.Function
	if idx := strings.LastIndex(funcName, "/"); idx != -1 {
		funcName = funcName[idx+1:]
	}
	return funcName, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}
