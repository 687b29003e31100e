package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqget-project/seqget/internal/config"
)

// syncBuffer guards bytes.Buffer for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newBufferLogger(level LogLevel, jsonFormat bool) (*Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return &Logger{
		level:      level,
		formatJSON: jsonFormat,
		console:    buf,
		stop:       make(chan struct{}),
	}, buf
}

func TestNewLogger(t *testing.T) {
	t.Run("Initialize with stdout output", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stdout"}, "cli")
		require.NoError(t, err)
		assert.Equal(t, DEBUG, logger.level)
		assert.True(t, logger.formatJSON)
		assert.Nil(t, logger.file)
	})

	t.Run("Initialize with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger, err := NewLogger(&config.LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "file",
			Directory: tmpDir,
			MaxSize:   1,
		}, "serve")
		require.NoError(t, err)

		logger.Info("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(filepath.Join(tmpDir, LogFileName("serve", time.Now())))
		require.NoError(t, err)
		assert.Contains(t, string(data), "INFO test message")
	})

	t.Run("Unwritable directory", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0644))

		_, err := NewLogger(&config.LogConfig{Output: "file", Directory: filepath.Join(blocker, "logs")}, "cli")
		assert.Error(t, err)
	})
}

func TestLogFormats(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		logger, buf := newBufferLogger(DEBUG, false)
		logger.WithFields(map[string]interface{}{"url": "http://h/a", "item": 3}).Info("item finished")

		line := buf.String()
		assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] INFO item finished item=3 url=http://h/a\n$`, line)
	})

	t.Run("JSON", func(t *testing.T) {
		logger, buf := newBufferLogger(DEBUG, true)
		logger.WithField("run", "abc").WithError(errors.New(`bad "quote"`)).Warn("run failed")

		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(buf.String()), &record))
		assert.Equal(t, "WARN", record["level"])
		assert.Equal(t, "run failed", record["msg"])
		assert.Equal(t, "abc", record["run"])
		assert.Equal(t, `bad "quote"`, record["error"])
		_, err := time.Parse(time.RFC3339, record["time"].(string))
		assert.NoError(t, err)
	})
}

func TestLogLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(WARN, false)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Errorf("error %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "DEBUG")
	assert.NotContains(t, out, "INFO")
	assert.Contains(t, out, "WARN warn")
	assert.Contains(t, out, "ERROR error 1")
}

func TestLogEntryChaining(t *testing.T) {
	logger, buf := newBufferLogger(DEBUG, false)

	logger.WithField("a", 1).WithField("b", 2).WithError(nil).Debugf("value %s", "x")
	assert.Contains(t, buf.String(), "DEBUG value x a=1 b=2")
	assert.NotContains(t, buf.String(), "error=")
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "FATAL", FATAL.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"Error":   ERROR,
		"fatal":   FATAL,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestGlobalLogger(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, InitLogger(&config.LogConfig{
		Level:      "debug",
		Format:     "text",
		Output:     "file",
		Directory:  tmpDir,
		StreamSize: 50,
	}, "cli"))
	t.Cleanup(func() {
		Close()
		loggerMu.Lock()
		defaultLogger = nil
		loggerMu.Unlock()
	})

	WithField("run", "r1").Infof("run %s started", "r1")
	assert.NotNil(t, GetLogger())

	entries := GetLogStream().GetEntries(0)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "INFO", last.Level)
	assert.Equal(t, "run r1 started", last.Message)
	assert.Equal(t, "r1", last.Fields["run"])

	require.NoError(t, Close())
	data, err := os.ReadFile(filepath.Join(tmpDir, LogFileName("cli", time.Now())))
	require.NoError(t, err)
	assert.Contains(t, string(data), "run r1 started run=r1")
}

func TestLogRotationBySize(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewLogger(&config.LogConfig{
		Level:      "info",
		Output:     "file",
		Directory:  tmpDir,
		MaxSize:    1,
		MaxBackups: 5,
	}, "cli")
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("before rotation")
	logger.mu.Lock()
	logger.currentSize = 2 * 1024 * 1024
	logger.mu.Unlock()

	logger.checkRotation(time.Now())
	logger.Info("after rotation")

	files, err := ListLogFiles(tmpDir, "cli")
	require.NoError(t, err)
	require.Len(t, files, 2)

	var backups, active []LogFileInfo
	for _, f := range files {
		if f.IsBackup {
			backups = append(backups, f)
		} else {
			active = append(active, f)
		}
	}
	require.Len(t, backups, 1)
	require.Len(t, active, 1)
	assert.True(t, strings.HasSuffix(backups[0].Name, "-size.log"))

	data, err := os.ReadFile(active[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after rotation")
	assert.NotContains(t, string(data), "before rotation")
}

func TestLogRotationByDatePrunesExpired(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewLogger(&config.LogConfig{
		Level:     "info",
		Output:    "file",
		Directory: tmpDir,
		MaxAge:    7,
	}, "cli")
	require.NoError(t, err)
	defer logger.Close()

	// Pretend the active file was opened long ago
	logger.mu.Lock()
	logger.file.Close()
	logger.currentDate = "20000101"
	require.NoError(t, logger.openFile())
	logger.mu.Unlock()
	logger.Info("old day")

	now := time.Now()
	logger.checkRotation(now)

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "-20000101")
	}
	assert.FileExists(t, filepath.Join(tmpDir, LogFileName("cli", now)))
}

func TestCleanOldBackupsKeepsNewest(t *testing.T) {
	tmpDir := t.TempDir()
	today := time.Now().Format(fileDateLayout)
	names := []string{
		fmt.Sprintf("seqget-cli-%s-%s-100000-size.log", today, today),
		fmt.Sprintf("seqget-cli-%s-%s-110000-size.log", today, today),
		fmt.Sprintf("seqget-cli-%s-%s-120000-size.log", today, today),
		fmt.Sprintf("seqget-serve-%s-%s-090000-size.log", today, today),
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, name), []byte("x"), 0644))
	}

	logger := &Logger{logDir: tmpDir, mode: "cli", maxBackups: 2}
	logger.cleanOldBackups(time.Now())

	assert.NoFileExists(t, filepath.Join(tmpDir, names[0]))
	assert.FileExists(t, filepath.Join(tmpDir, names[1]))
	assert.FileExists(t, filepath.Join(tmpDir, names[2]))
	assert.FileExists(t, filepath.Join(tmpDir, names[3]))
}

func TestConcurrency(t *testing.T) {
	logger, buf := newBufferLogger(INFO, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.WithField("worker", id).Info("tick")
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 200)
	for _, line := range lines {
		assert.Contains(t, line, "INFO tick worker=")
	}
}

func TestLogStream(t *testing.T) {
	stream := NewLogStream(3)
	ch := stream.Subscribe()

	for i := 0; i < 5; i++ {
		stream.Add(StreamLogEntry{Level: "INFO", Message: fmt.Sprintf("m%d", i)})
	}

	entries := stream.GetEntries(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Message)
	assert.Equal(t, "m4", entries[2].Message)

	recent := stream.GetEntries(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "m3", recent[0].Message)

	first := <-ch
	assert.Equal(t, "m0", first.Message)

	stream.Unsubscribe(ch)
	stream.Unsubscribe(ch)
	remaining := 0
	for range ch {
		remaining++
	}
	assert.Equal(t, 4, remaining)

	other := stream.Subscribe()
	stream.Close()
	_, open := <-other
	assert.False(t, open)

	stream.Add(StreamLogEntry{Message: "ignored"})
	assert.Len(t, stream.GetEntries(0), 3)

	closedSub := stream.Subscribe()
	_, open = <-closedSub
	assert.False(t, open)
}
