// Package monitor samples host resources relevant to a download run:
// free space of the target directory, memory and CPU load.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/seqget-project/seqget/internal/logger"
)

// DiskUsage describes the file system holding a path
type DiskUsage struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// FreeHuman returns the free space in IEC units
func (d DiskUsage) FreeHuman() string {
	return humanize.IBytes(d.Free)
}

// Resources is one sample of the host
type Resources struct {
	Timestamp   time.Time `json:"timestamp"`
	Disk        DiskUsage `json:"disk"`
	MemoryTotal uint64    `json:"memoryTotal"`
	MemoryUsed  uint64    `json:"memoryUsed"`
	CPUPercent  float64   `json:"cpuPercent"`
	LowSpace    bool      `json:"lowSpace"`
}

// DiskSpace reports usage of the file system that holds path.
// A path that does not exist yet is resolved through its nearest existing parent.
func DiskSpace(path string) (*DiskUsage, error) {
	dir, err := existingDir(path)
	if err != nil {
		return nil, err
	}

	stat, err := disk.Usage(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage of %s: %w", dir, err)
	}

	return &DiskUsage{
		Path:        stat.Path,
		Fstype:      stat.Fstype,
		Total:       stat.Total,
		Free:        stat.Free,
		Used:        stat.Used,
		UsedPercent: stat.UsedPercent,
	}, nil
}

func existingDir(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	for {
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing directory for %q", path)
		}
		abs = parent
	}
}

// Config configures a Monitor
type Config struct {
	Path       string        // directory whose file system is watched
	Interval   time.Duration // sampling interval, default 5s
	MinFree    uint64        // bytes; below this LowSpace is reported, 0 disables
	MaxHistory int           // samples kept, default 60
}

// Monitor samples Resources periodically and notifies watchers
type Monitor struct {
	path       string
	interval   time.Duration
	minFree    uint64
	maxHistory int

	mu         sync.RWMutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	history    []Resources
	callbacks  []func(Resources)
	onLow      []func(DiskUsage)
	lowSpace   bool
	lastUpdate time.Time
}

// NewMonitor creates a monitor; call Start to begin sampling
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	return &Monitor{
		path:       cfg.Path,
		interval:   cfg.Interval,
		minFree:    cfg.MinFree,
		maxHistory: cfg.MaxHistory,
		history:    make([]Resources, 0, cfg.MaxHistory),
	}
}

// Start begins sampling in the background
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("resource monitor already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(ctx)

	logger.Debugf("Resource monitor started for %s, interval %v", m.path, m.interval)
	return nil
}

// Stop halts sampling and waits for the loop to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// IsRunning returns whether the monitor is running
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Watch adds a callback invoked after every sample
func (m *Monitor) Watch(callback func(Resources)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// OnLowSpace adds a callback invoked when free space drops below the minimum.
// It fires once per crossing, not on every sample.
func (m *Monitor) OnLowSpace(callback func(DiskUsage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLow = append(m.onLow, callback)
}

// Latest returns the most recent sample, or nil before the first one
func (m *Monitor) Latest() *Resources {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return nil
	}
	latest := m.history[len(m.history)-1]
	return &latest
}

// History returns up to count of the most recent samples, oldest first
func (m *Monitor) History(count int) []Resources {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if count <= 0 || count > len(m.history) {
		count = len(m.history)
	}
	result := make([]Resources, count)
	copy(result, m.history[len(m.history)-count:])
	return result
}

// GetLastUpdateTime returns the last update time
func (m *Monitor) GetLastUpdateTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Sample()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one measurement, records it and notifies watchers
func (m *Monitor) Sample() Resources {
	res := Resources{Timestamp: time.Now()}

	if usage, err := DiskSpace(m.path); err == nil {
		res.Disk = *usage
		res.LowSpace = m.minFree > 0 && usage.Free < m.minFree
	} else {
		logger.WithError(err).Warn("Failed to sample disk usage")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemoryTotal = vm.Total
		res.MemoryUsed = vm.Used
	} else {
		logger.WithError(err).Debug("Failed to sample memory usage")
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		res.CPUPercent = pct[0]
	}

	m.mu.Lock()
	m.history = append(m.history, res)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	m.lastUpdate = res.Timestamp
	crossed := res.LowSpace && !m.lowSpace
	m.lowSpace = res.LowSpace
	callbacks := append([]func(Resources){}, m.callbacks...)
	var onLow []func(DiskUsage)
	if crossed {
		onLow = append(onLow, m.onLow...)
	}
	m.mu.Unlock()

	// Invoke callbacks outside the lock
	for _, cb := range callbacks {
		cb(res)
	}
	if crossed {
		logger.WithFields(map[string]interface{}{
			"path": res.Disk.Path,
			"free": res.Disk.FreeHuman(),
			"min":  humanize.IBytes(m.minFree),
		}).Warn("Free disk space below minimum")
		for _, cb := range onLow {
			cb(res.Disk)
		}
	}

	return res
}
