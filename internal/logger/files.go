package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// LogFileInfo represents information about a log file
type LogFileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	Date       string    `json:"date"`
	ModifiedAt time.Time `json:"modifiedAt"`
	IsBackup   bool      `json:"isBackup"`
}

// ParsedLogEntry represents a parsed log entry from file
type ParsedLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Raw       string                 `json:"raw"`
}

// LogFileFilter contains filter options for reading log files
type LogFileFilter struct {
	Level     string    `json:"level"`
	Search    string    `json:"search"`
	Offset    int       `json:"offset"`
	Limit     int       `json:"limit"` // 0 = unlimited
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// seqget-{mode}-{date}.log or seqget-{mode}-{date}-{timestamp}-{reason}.log
var logFilePattern = regexp.MustCompile(`^` + filePrefix + `-([a-z]+)-(\d{8})(?:-(\d{8}-\d{6})-([a-z]+))?\.log$`)

var (
	textLinePattern  = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] (\w+) (.*)$`)
	textFieldPattern = regexp.MustCompile(`(\w+)=("[^"]*"|\S+)`)
)

// IsLogFileName reports whether name is a plain seqget log file name
func IsLogFileName(name string) bool {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return logFilePattern.MatchString(name)
}

// ListLogFiles lists the log files in logDir, newest first; an empty mode lists all modes
func ListLogFiles(logDir string, mode string) ([]LogFileInfo, error) {
	if logDir == "" {
		return nil, fmt.Errorf("log directory not configured")
	}

	files, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []LogFileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	logFiles := []LogFileInfo{}
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := logFilePattern.FindStringSubmatch(file.Name())
		if matches == nil {
			continue
		}
		if mode != "" && mode != matches[1] {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		logFiles = append(logFiles, LogFileInfo{
			Name:       file.Name(),
			Path:       filepath.Join(logDir, file.Name()),
			Size:       info.Size(),
			Mode:       matches[1],
			Date:       matches[2],
			ModifiedAt: info.ModTime(),
			IsBackup:   matches[3] != "",
		})
	}

	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].ModifiedAt.After(logFiles[j].ModifiedAt)
	})

	return logFiles, nil
}

// ReadLogFile reads a log file and returns filtered entries
func ReadLogFile(logPath string, filter LogFileFilter) ([]ParsedLogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	entries := []ParsedLogEntry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		entry := parseLogLine(scanner.Text())
		if entry == nil || !matchesFilter(entry, filter) {
			continue
		}
		entries = append(entries, *entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return []ParsedLogEntry{}, nil
		}
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(entries) {
		entries = entries[:filter.Limit]
	}

	return entries, nil
}

// CountLevels returns the number of entries per level plus a "total" key
func CountLevels(entries []ParsedLogEntry) map[string]int {
	stats := map[string]int{"total": len(entries)}
	for _, entry := range entries {
		stats[strings.ToUpper(entry.Level)]++
	}
	return stats
}

// parseLogLine parses one line written by Logger in either format
func parseLogLine(line string) *ParsedLogEntry {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	entry := &ParsedLogEntry{
		Fields: make(map[string]interface{}),
		Raw:    line,
	}

	if strings.HasPrefix(line, "{") {
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(line), &record); err == nil {
			for k, v := range record {
				switch k {
				case "time":
					if s, ok := v.(string); ok {
						entry.Timestamp, _ = time.Parse(time.RFC3339, s)
					}
				case "level":
					entry.Level = strings.ToUpper(fmt.Sprint(v))
				case "msg":
					entry.Message = fmt.Sprint(v)
				default:
					entry.Fields[k] = v
				}
			}
			return entry
		}
	}

	if m := textLinePattern.FindStringSubmatch(line); m != nil {
		if ts, err := time.ParseInLocation(lineTimeLayout, m[1], time.Local); err == nil {
			entry.Timestamp = ts
		}
		entry.Level = strings.ToUpper(m[2])
		entry.Message = m[3]
		for _, f := range textFieldPattern.FindAllStringSubmatch(m[3], -1) {
			entry.Fields[f[1]] = strings.Trim(f[2], `"`)
		}
		return entry
	}

	// Continuation or foreign line
	entry.Level = INFO.String()
	entry.Message = line
	return entry
}

// matchesFilter checks if a log entry matches the given filter
func matchesFilter(entry *ParsedLogEntry, filter LogFileFilter) bool {
	if filter.Level != "" && !strings.EqualFold(entry.Level, filter.Level) {
		return false
	}

	if filter.Search != "" &&
		!strings.Contains(strings.ToLower(entry.Message), strings.ToLower(filter.Search)) {
		return false
	}

	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}

	return true
}
