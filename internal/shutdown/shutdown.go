// Package shutdown provides graceful shutdown for SeqGet.
//
// The first interrupt runs the registered interrupt handler (the CLI uses it to cancel the
// run gracefully); every further interrupt runs it again with a higher count, which lets
// the handler escalate to an abort. Shutdown hooks run once, ordered by priority, when
// Shutdown is called or a terminating signal arrives without an interrupt handler.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/seqget-project/seqget/internal/logger"
)

// ShutdownHook represents a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// InterruptHandler is called for each interrupt; count starts at 1
type InterruptHandler func(count int)

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (e.g., stop accepting new connections)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (e.g., stop processing)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (e.g., cleanup resources)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (e.g., flush logs)
	PriorityLow HookPriority = 3
)

type shutdownHook struct {
	name     string
	hook     ShutdownHook
	priority HookPriority
}

// Manager manages graceful shutdown
type Manager struct {
	mu          sync.RWMutex
	hooks       []shutdownHook
	onInterrupt InterruptHandler
	interrupts  int
	timeout     time.Duration

	sigChan  chan os.Signal
	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
	shutdown bool

	doneCtx context.Context
	done    context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a new shutdown manager; timeout bounds each hook
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:  timeout,
		sigChan:  make(chan os.Signal, 2),
		stopChan: make(chan struct{}),
		doneCtx:  ctx,
		done:     cancel,
	}
}

// Register registers a new shutdown hook with the given name and priority
func (m *Manager) Register(name string, hook ShutdownHook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, shutdownHook{
		name:     name,
		hook:     hook,
		priority: priority,
	})

	logger.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// OnInterrupt sets the handler for SIGINT/SIGTERM. Without one, the first signal shuts down.
func (m *Manager) OnInterrupt(handler InterruptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInterrupt = handler
}

// Start begins listening for shutdown signals
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	m.wg.Add(1)
	go m.listen()
}

func (m *Manager) listen() {
	defer m.wg.Done()
	defer signal.Stop(m.sigChan)

	for {
		select {
		case sig := <-m.sigChan:
			m.Interrupt(sig)
		case <-m.stopChan:
			return
		}
	}
}

// Interrupt dispatches a signal as if it had been received
func (m *Manager) Interrupt(sig os.Signal) {
	m.mu.Lock()
	handler := m.onInterrupt
	m.interrupts++
	count := m.interrupts
	m.mu.Unlock()

	logger.Infof("Received signal: %v (%d)", sig, count)

	if handler == nil || sig == syscall.SIGQUIT {
		go m.Shutdown()
		return
	}
	handler(count)
}

// Interrupts returns how many interrupts were received
func (m *Manager) Interrupts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interrupts
}

// Shutdown runs all hooks once in priority order; later calls wait for the first to finish
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		<-m.doneCtx.Done()
		return
	}
	m.shutdown = true
	hooks := make([]shutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopChan) })

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	logger.Info("Shutting down...")
	for _, hook := range hooks {
		m.runHook(hook)
	}
	logger.Info("Shutdown complete")

	m.done()
}

func (m *Manager) runHook(hook shutdownHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	logger.Debugf("Running shutdown hook: %s", hook.name)

	done := make(chan error, 1)
	go func() {
		done <- hook.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.WithError(err).Errorf("Shutdown hook %s failed", hook.name)
		}
	case <-ctx.Done():
		logger.Errorf("Shutdown hook %s timed out (%v)", hook.name, m.timeout)
	}
}

// Done returns a channel that's closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.doneCtx.Done()
}

// Wait blocks until the signal listener has exited
func (m *Manager) Wait() {
	m.wg.Wait()
}
