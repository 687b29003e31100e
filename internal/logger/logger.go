// Package logger provides structured logging with file rotation support.
// It uses a simple custom logger implementation to avoid external dependencies.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seqget-project/seqget/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const (
	filePrefix     = "seqget"
	fileDateLayout = "20060102"
	lineTimeLayout = "2006-01-02 15:04:05"
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	console     io.Writer
	file        *os.File
	logDir      string
	maxSize     int64 // MB
	maxBackups  int
	maxAge      int // days
	currentSize int64
	currentDate string
	mode        string // cli, serve
	stop        chan struct{}
	stopOnce    sync.Once
}

var (
	defaultLogger *Logger
	loggerMu      sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, mode string) error {
	logger, err := NewLogger(cfg, mode)
	if err != nil {
		return err
	}
	if cfg.StreamSize > 0 {
		InitLogStream(cfg.StreamSize)
	}

	loggerMu.Lock()
	previous := defaultLogger
	defaultLogger = logger
	loggerMu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, mode string) (*Logger, error) {
	l := &Logger{
		level:       parseLevel(cfg.Level),
		formatJSON:  strings.EqualFold(cfg.Format, "json"),
		logDir:      cfg.Directory,
		maxSize:     int64(cfg.MaxSize),
		maxBackups:  cfg.MaxBackups,
		maxAge:      cfg.MaxAge,
		currentDate: time.Now().Format(fileDateLayout),
		mode:        mode,
		stop:        make(chan struct{}),
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.console = os.Stdout
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	default:
		l.console = os.Stdout
	}

	return l, nil
}

// LogFileName returns the active log file name for a mode and date
func LogFileName(mode string, date time.Time) string {
	return fmt.Sprintf("%s-%s-%s.log", filePrefix, mode, date.Format(fileDateLayout))
}

func (l *Logger) activePath() string {
	return filepath.Join(l.logDir, fmt.Sprintf("%s-%s-%s.log", filePrefix, l.mode, l.currentDate))
}

func (l *Logger) setupFileWriter() error {
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := l.openFile(); err != nil {
		return err
	}

	go l.rotationChecker()
	return nil
}

func (l *Logger) openFile() error {
	logFile := l.activePath()

	l.currentSize = 0
	if info, err := os.Stat(logFile); err == nil {
		l.currentSize = info.Size()
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.file = f
	return nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.checkRotation(time.Now())
		}
	}
}

func (l *Logger) checkRotation(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	// Rotate on date change
	if date := now.Format(fileDateLayout); date != l.currentDate {
		l.rotateLog(now, "date")
		l.currentDate = date
		l.reopen()
		return
	}

	// Rotate on size
	if l.maxSize > 0 && l.currentSize >= l.maxSize*1024*1024 {
		l.rotateLog(now, "size")
		l.reopen()
	}
}

// rotateLog renames the active file to seqget-{mode}-{date}-{timestamp}-{reason}.log
func (l *Logger) rotateLog(now time.Time, reason string) {
	l.file.Close()
	l.file = nil

	backup := filepath.Join(l.logDir, fmt.Sprintf("%s-%s-%s-%s-%s.log",
		filePrefix, l.mode, l.currentDate, now.Format("20060102-150405"), reason))
	if err := os.Rename(l.activePath(), backup); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] failed to rotate log file: %v\n", err)
	}

	l.cleanOldBackups(now)
}

func (l *Logger) reopen() {
	if err := l.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
	}
}

var backupPattern = regexp.MustCompile(`^` + filePrefix + `-([a-z]+)-(\d{8})-(\d{8}-\d{6})-[a-z]+\.log$`)

// cleanOldBackups removes backups older than maxAge and keeps at most maxBackups of this mode
func (l *Logger) cleanOldBackups(now time.Time) {
	files, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	type backup struct {
		name  string
		stamp string
		date  time.Time
	}
	var backups []backup
	for _, file := range files {
		m := backupPattern.FindStringSubmatch(file.Name())
		if m == nil || m[1] != l.mode {
			continue
		}
		date, err := time.ParseInLocation(fileDateLayout, m[2], time.Local)
		if err != nil {
			continue
		}
		backups = append(backups, backup{name: file.Name(), stamp: m[3], date: date})
	}

	// Newest first
	sort.Slice(backups, func(i, j int) bool { return backups[i].stamp > backups[j].stamp })

	cutoff := now.AddDate(0, 0, -l.maxAge)
	for i, b := range backups {
		expired := l.maxAge > 0 && b.date.Before(cutoff)
		surplus := l.maxBackups > 0 && i >= l.maxBackups
		if expired || surplus {
			os.Remove(filepath.Join(l.logDir, b.name))
		}
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerMu.RLock()
	l := defaultLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(&config.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		}, "cli")
	}
	return defaultLogger
}

// formatLine renders a log line in text or JSON form
func (l *Logger) formatLine(now time.Time, level LogLevel, msg string, fields []Field) string {
	if l.formatJSON {
		record := make(map[string]interface{}, len(fields)+3)
		for _, f := range fields {
			record[f.Key] = jsonValue(f.Value)
		}
		record["time"] = now.Format(time.RFC3339)
		record["level"] = level.String()
		record["msg"] = msg
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q}`+"\n", now.Format(time.RFC3339), level, msg)
		}
		return string(data) + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", now.Format(lineTimeLayout), level, msg)
	for _, f := range sortedFields(fields) {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	return b.String()
}

func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}

func sortedFields(fields []Field) []Field {
	if len(fields) < 2 {
		return fields
	}
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	return sorted
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	now := time.Now()
	line := l.formatLine(now, level, msg, fields)

	l.mu.Lock()
	if l.console != nil {
		if _, err := io.WriteString(l.console, line); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v\n", err)
		}
	}
	if l.file != nil {
		n, err := l.file.WriteString(line)
		l.currentSize += int64(n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log file: %v\n", err)
		}
	}
	l.mu.Unlock()

	// Send to log stream for real-time viewing
	if stream := currentStream(); stream != nil {
		fieldsMap := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			fieldsMap[f.Key] = jsonValue(f.Value)
		}
		stream.Add(StreamLogEntry{
			Timestamp: now,
			Level:     level.String(),
			Message:   msg,
			Fields:    fieldsMap,
		})
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{{Key: key, Value: value}}}
}

// WithFields creates a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	e := &LogEntry{logger: l, fields: make([]Field, 0, len(fields))}
	return e.WithFields(fields)
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	e := &LogEntry{logger: l}
	return e.WithError(err)
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, Field{Key: k, Value: v})
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	e.fields = append(e.fields, Field{Key: "error", Value: err.Error()})
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprint(args...), e.fields)
}

// Debugf logs a formatted message at debug level
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

// Info logs at info level
func (e *LogEntry) Info(args ...interface{}) {
	e.logger.log(INFO, fmt.Sprint(args...), e.fields)
}

// Infof logs a formatted message at info level
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warn logs at warning level
func (e *LogEntry) Warn(args ...interface{}) {
	e.logger.log(WARN, fmt.Sprint(args...), e.fields)
}

// Warnf logs a formatted message at warning level
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Error logs at error level
func (e *LogEntry) Error(args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprint(args...), e.fields)
}

// Errorf logs a formatted message at error level
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprint(args...), e.fields)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func (e *LogEntry) Fatalf(format string, args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprintf(format, args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

// Debug logs a message at debug level
func Debug(args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func Warn(args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func Error(args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatal logs a message at fatal level and exits
func Fatal(args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprint(args...), nil)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close closes the logger and releases resources
func (l *Logger) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Close closes the global logger
func Close() error {
	loggerMu.RLock()
	l := defaultLogger
	loggerMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Info logs a message at info level
func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func (l *Logger) Warn(args ...interface{}) {
	l.log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func (l *Logger) Error(args ...interface{}) {
	l.log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Debug logs a message at debug level
func (l *Logger) Debug(args ...interface{}) {
	l.log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
