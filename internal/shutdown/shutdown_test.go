package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooksRunInPriorityOrder(t *testing.T) {
	m := NewManager(time.Second)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) ShutdownHook {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	m.Register("logs", record("logs"), PriorityLow)
	m.Register("http", record("http"), PriorityCritical)
	m.Register("storage", record("storage"), PriorityNormal)
	m.Register("run", record("run"), PriorityHigh)
	m.Register("failing", func(ctx context.Context) error { return errors.New("boom") }, PriorityNormal)

	m.Shutdown()
	m.Shutdown()

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, []string{"http", "run", "storage", "logs"}, order)
}

func TestHookTimeout(t *testing.T) {
	m := NewManager(20 * time.Millisecond)

	ran := false
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	}, PriorityHigh)
	m.Register("after", func(ctx context.Context) error {
		ran = true
		return nil
	}, PriorityLow)

	start := time.Now()
	m.Shutdown()
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ran)
}

func TestInterruptEscalates(t *testing.T) {
	m := NewManager(time.Second)

	var counts []int
	m.OnInterrupt(func(count int) { counts = append(counts, count) })

	m.Interrupt(os.Interrupt)
	m.Interrupt(os.Interrupt)
	assert.Equal(t, []int{1, 2}, counts)
	assert.Equal(t, 2, m.Interrupts())

	select {
	case <-m.Done():
		t.Fatal("interrupt handler must not trigger shutdown")
	default:
	}
}

func TestInterruptWithoutHandlerShutsDown(t *testing.T) {
	m := NewManager(time.Second)

	called := make(chan struct{})
	m.Register("hook", func(ctx context.Context) error {
		close(called)
		return nil
	}, PriorityNormal)

	m.Start()
	m.Interrupt(syscall.SIGTERM)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	_, open := <-called
	require.False(t, open)

	// the listener exits once shutdown starts
	m.Wait()
}
