package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/seqget-project/seqget/internal/download"
)

// progressView renders orchestrator events as a terminal spinner.
// It keeps its own counters so the listener never calls back into the orchestrator.
type progressView struct {
	bar *progressbar.ProgressBar

	mu        sync.Mutex
	state     string
	done      int
	failed    int
	bytes     int64
	startedAt time.Time
}

func newProgressView(w io.Writer) *progressView {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &progressView{bar: bar, state: "initiated", startedAt: time.Now()}
}

// OnEvent is registered as an orchestrator listener
func (p *progressView) OnEvent(ev download.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case download.EventState:
		p.state = ev.State
		if ev.PrevState == "initiated" {
			p.startedAt = ev.Time
		}
	case download.EventSlotFinished:
		if ev.Slot == nil {
			return
		}
		p.bytes += ev.Slot.BytesReceived
		if ev.Slot.StateName == download.SlotDone.String() {
			p.done++
			p.bar.Add(1)
		} else {
			p.failed++
		}
	default:
		return
	}

	p.bar.Describe(p.describeLocked())
}

func (p *progressView) describeLocked() string {
	rate := 0.0
	if elapsed := time.Since(p.startedAt).Seconds(); elapsed > 0 {
		rate = float64(p.bytes) / elapsed
	}
	return fmt.Sprintf("%s %s (%s/s), %d failed",
		p.state, humanize.IBytes(uint64(p.bytes)), humanize.IBytes(uint64(rate)), p.failed)
}

// Finish completes the spinner line
func (p *progressView) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Describe(p.describeLocked())
	p.bar.Finish()
}

// Counts returns finished and failed items seen so far
func (p *progressView) Counts() (done, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.failed
}
