package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/seqget-project/seqget/internal/logger"
	"github.com/seqget-project/seqget/internal/sequence"
	"github.com/seqget-project/seqget/internal/state"
	"github.com/seqget-project/seqget/internal/storage"
	"github.com/seqget-project/seqget/internal/transfer"
)

const (
	defaultPollInterval = time.Second
	eventBufferSize     = 256
	eventSendTimeout    = 100 * time.Millisecond
	abortDrainPolls     = 5
)

// run holds everything that belongs to a single Start
type run struct {
	id        string
	seq       *sequence.Sequence
	target    string
	startedAt time.Time

	ctx   context.Context
	abort context.CancelFunc
	done  chan struct{}

	slotAvail   *signal
	interactive *signal

	itemSeq    int64        // production loop only
	inflight   atomic.Int64 // started items whose completion is not yet accounted
	exhausted  atomic.Bool
	currentURL atomic.Value

	started   atomic.Int64
	finished  atomic.Int64
	failed    atomic.Int64
	empty     atomic.Int64
	cancelled atomic.Int64
	bytes     atomic.Int64
}

// Orchestrator walks an address sequence and downloads every address through a bounded
// pool of reusable slots
type Orchestrator struct {
	transferer transfer.Transferer
	opts       Options
	limiter    *rate.Limiter

	state *state.Machine
	runID atomic.Value

	mu      sync.Mutex
	current *run
	running bool

	// gate is held across the Working check and the start of an item, and by
	// Pause and Cancel, so no item starts once either has returned
	gate sync.Mutex

	poolMu  sync.Mutex
	pool    []*Slot
	nextKey int

	droppedEvents atomic.Int64

	listenerMu sync.RWMutex
	listeners  []Listener
	events     chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an idle orchestrator
func NewOrchestrator(tr transfer.Transferer, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		transferer: tr,
		opts:       opts,
		events:     make(chan Event, eventBufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.RequestsPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	o.runID.Store("")
	o.state = state.NewMachine(o.stateChanged)

	o.wg.Add(1)
	go o.eventBroadcaster()

	return o
}

// AddListener registers a listener for orchestrator events
func (o *Orchestrator) AddListener(listener Listener) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.listeners = append(o.listeners, listener)
}

// State returns the current process state
func (o *Orchestrator) State() state.State {
	return o.state.Current()
}

// Start launches a run over seq, writing files below targetPath. Validation failures are
// warnings: they are logged, published and returned, and the orchestrator stays usable.
func (o *Orchestrator) Start(seq *sequence.Sequence, targetPath string) error {
	if seq == nil {
		return o.warn(fmt.Errorf("%w: no sequence", ErrInvalidSequence))
	}
	if err := seq.Validate(); err != nil {
		return o.warn(fmt.Errorf("%w: %v", ErrInvalidSequence, err))
	}
	if targetPath == "" {
		return o.warn(fmt.Errorf("%w: target path cannot be empty", ErrInvalidArgument))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return o.warn(ErrAlreadyRunning)
	}

	ctx, abort := context.WithCancel(context.Background())
	r := &run{
		id:          uuid.NewString(),
		seq:         seq,
		target:      targetPath,
		startedAt:   time.Now(),
		ctx:         ctx,
		abort:       abort,
		done:        make(chan struct{}),
		slotAvail:   newSignal(),
		interactive: newSignal(),
	}
	r.currentURL.Store(seq.Render())

	o.poolMu.Lock()
	o.pool = nil
	o.nextKey = 0
	o.poolMu.Unlock()

	o.current = r
	o.running = true
	o.runID.Store(r.id)
	o.state.Set(state.StateInitiated)

	if o.opts.Store != nil {
		err := o.opts.Store.CreateRun(context.Background(), &storage.Run{
			ID:             r.id,
			Template:       seq.Template(),
			TargetPath:     targetPath,
			MaxConcurrency: seq.MaxConcurrency(),
			State:          state.StateWorking.String(),
			StartedAt:      r.startedAt,
		})
		if err != nil {
			logger.WithField("run", r.id).WithError(err).Warn("Failed to record run")
		}
	}

	o.state.Set(state.StateWorking)
	logger.WithFields(map[string]interface{}{
		"run":    r.id,
		"target": targetPath,
	}).Infof("Run started: %s", seq.Template())

	go o.loop(r)
	return nil
}

// Pause stops issuing new items. In-flight transfers continue.
func (o *Orchestrator) Pause() error {
	o.gate.Lock()
	defer o.gate.Unlock()

	if old, ok := o.state.Transition(state.StatePaused, state.StateWorking); !ok {
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, old)
	}
	return nil
}

// Resume continues a paused or cancelling run
func (o *Orchestrator) Resume() error {
	if old, ok := o.state.Transition(state.StateWorking, state.StatePaused, state.StateCancelling); !ok {
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, old)
	}
	o.wake()
	return nil
}

// Cancel stops issuing new items and lets in-flight transfers finish. Calling it again
// while cancelling aborts the in-flight transfers.
func (o *Orchestrator) Cancel() error {
	o.gate.Lock()
	_, ok := o.state.Transition(state.StateCancelling, state.StateWorking, state.StatePaused)
	o.gate.Unlock()
	if ok {
		o.wake()
		return nil
	}
	if old, ok := o.state.Transition(state.StateCancelled, state.StateCancelling); !ok {
		return fmt.Errorf("%w: cannot cancel while %s", ErrInvalidState, old)
	}
	o.abortTransfers()
	return nil
}

// SetMaxConcurrency changes the cap of the running sequence and returns the clamped value
func (o *Orchestrator) SetMaxConcurrency(n int) (int, error) {
	r := o.currentRun()
	if r == nil {
		return 0, fmt.Errorf("%w: no run", ErrInvalidState)
	}
	r.seq.SetMaxConcurrency(n)
	r.slotAvail.Set()
	return r.seq.MaxConcurrency(), nil
}

// Sequence returns the sequence of the current or last run, nil before the first Start
func (o *Orchestrator) Sequence() *sequence.Sequence {
	if r := o.currentRun(); r != nil {
		return r.seq
	}
	return nil
}

// Status returns a summary of the current or last run
func (o *Orchestrator) Status() Status {
	current := o.state.Current()
	st := Status{
		State:         current,
		StateName:     current.String(),
		DroppedEvents: o.droppedEvents.Load(),
	}

	o.poolMu.Lock()
	st.PoolSize = len(o.pool)
	for _, s := range o.pool {
		if s.State() == SlotWorking {
			st.Working++
		}
	}
	o.poolMu.Unlock()

	r := o.currentRun()
	if r == nil {
		return st
	}

	st.RunID = r.id
	st.Template = r.seq.Template()
	st.CurrentURL, _ = r.currentURL.Load().(string)
	st.TargetPath = r.target
	st.MaxConcurrency = r.seq.MaxConcurrency()
	st.Started = r.started.Load()
	st.Done = r.finished.Load()
	st.Failed = r.failed.Load()
	st.Empty = r.empty.Load()
	st.Cancelled = r.cancelled.Load()
	st.BytesReceived = r.bytes.Load()
	st.Exhausted = r.exhausted.Load()
	st.StartedAt = r.startedAt
	return st
}

// Slots returns snapshots of the pooled slots
func (o *Orchestrator) Slots() []SlotSnapshot {
	o.poolMu.Lock()
	pool := make([]*Slot, len(o.pool))
	copy(pool, o.pool)
	o.poolMu.Unlock()

	snaps := make([]SlotSnapshot, 0, len(pool))
	for _, s := range pool {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Done returns a channel closed when the current run ends. It is closed already when
// nothing has been started.
func (o *Orchestrator) Done() <-chan struct{} {
	if r := o.currentRun(); r != nil {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Wait blocks until the current run ends or ctx is done
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts an active run, waits for it to end and stops the event broadcaster
func (o *Orchestrator) Close() error {
	o.gate.Lock()
	active := o.state.IsActive()
	if active {
		o.state.Set(state.StateCancelled)
	}
	o.gate.Unlock()
	if active {
		o.abortTransfers()
	}

	var err error
	select {
	case <-o.Done():
	case <-time.After(30 * time.Second):
		err = fmt.Errorf("timeout waiting for run to finish")
	}

	o.cancel()
	o.wg.Wait()
	return err
}

func (o *Orchestrator) currentRun() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// wake raises the interactive signal of the current run
func (o *Orchestrator) wake() {
	if r := o.currentRun(); r != nil {
		r.interactive.Set()
		r.slotAvail.Set()
	}
}

func (o *Orchestrator) abortTransfers() {
	r := o.currentRun()
	if r == nil {
		return
	}
	r.abort()

	o.poolMu.Lock()
	pool := make([]*Slot, len(o.pool))
	copy(pool, o.pool)
	o.poolMu.Unlock()

	for _, s := range pool {
		if s.State() == SlotWorking {
			s.Abandon()
		}
	}

	logger.WithField("run", r.id).Warn("Run aborted, in-flight transfers abandoned")
	r.interactive.Set()
	r.slotAvail.Set()
}

func (o *Orchestrator) loop(r *run) {
	defer o.finish(r)

	for {
		if o.state.Current() == state.StateCancelled {
			return
		}
		if !o.resolveInteractive(r) {
			return
		}
		if r.exhausted.Load() {
			o.drain(r)
			return
		}
		if !o.waitForSlot(r) {
			continue
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(r.ctx); err != nil {
				continue
			}
		}
		o.startItem(r)
	}
}

// resolveInteractive blocks while paused and settles a graceful cancel. It reports
// whether the loop should keep producing.
func (o *Orchestrator) resolveInteractive(r *run) bool {
	for {
		switch o.state.Current() {
		case state.StateWorking:
			return true
		case state.StatePaused:
			r.interactive.Wait(o.opts.PollInterval)
		case state.StateCancelling:
			if o.drained(r) {
				o.state.Transition(state.StateCancelled, state.StateCancelling)
				return false
			}
			waitEither(o.opts.PollInterval, r.interactive, r.slotAvail)
		default:
			return false
		}
	}
}

// drain waits for in-flight slots after the sequence is exhausted
func (o *Orchestrator) drain(r *run) {
	for {
		current := o.state.Current()
		if current == state.StateCancelled {
			return
		}
		if o.drained(r) {
			if current == state.StateCancelling {
				o.state.Transition(state.StateCancelled, state.StateCancelling)
			} else {
				o.state.Transition(state.StateDone, state.StateWorking, state.StatePaused)
			}
			return
		}
		waitEither(o.opts.PollInterval, r.slotAvail, r.interactive)
	}
}

// waitForSlot blocks until fewer slots are working than the cap. The cap is re-read on
// every check. It returns false when the state left Working.
func (o *Orchestrator) waitForSlot(r *run) bool {
	for {
		if o.state.Current() != state.StateWorking {
			return false
		}
		if o.sweep() < r.seq.MaxConcurrency() {
			return true
		}
		waitEither(o.opts.PollInterval, r.slotAvail, r.interactive)
	}
}

// drained reports whether every started item has been accounted for
func (o *Orchestrator) drained(r *run) bool {
	idle := r.inflight.Load() == 0
	o.sweep()
	return idle
}

// sweep counts working slots and evicts finished slots the reuse policy does not keep
func (o *Orchestrator) sweep() int {
	o.poolMu.Lock()
	defer o.poolMu.Unlock()

	working := 0
	kept := o.pool[:0]
	for _, s := range o.pool {
		st := s.State()
		if st == SlotWorking {
			working++
		}
		if o.evict(st) {
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(o.pool); i++ {
		o.pool[i] = nil
	}
	o.pool = kept

	return working
}

func (o *Orchestrator) evict(st SlotState) bool {
	if o.opts.DisableRecycling {
		return st.Finished()
	}
	if !o.opts.RecycleFailed {
		return st == SlotCancelled || st == SlotError
	}
	return false
}

// acquireSlot reserves an idle pooled slot or adds a new one
func (o *Orchestrator) acquireSlot(r *run) *Slot {
	o.poolMu.Lock()
	defer o.poolMu.Unlock()

	for _, s := range o.pool {
		if s.TryLock() {
			return s
		}
	}

	o.nextKey++
	s := NewSlot(o.nextKey, o.transferer, func(snap SlotSnapshot, finished bool) {
		o.slotChanged(r, snap, finished)
	})
	s.Lock()
	o.pool = append(o.pool, s)
	return s
}

// startItem starts the current address on a reserved slot. It does nothing
// when the state is no longer Working.
func (o *Orchestrator) startItem(r *run) {
	o.gate.Lock()
	if o.state.Current() != state.StateWorking {
		o.gate.Unlock()
		return
	}

	s := o.acquireSlot(r)
	r.itemSeq++
	id := r.itemSeq
	rawURL := r.seq.Render()
	r.currentURL.Store(rawURL)
	r.started.Add(1)
	r.inflight.Add(1)

	localPath, err := LocalPath(r.target, rawURL)
	if err == nil {
		err = s.Start(id, rawURL, localPath)
	}
	o.gate.Unlock()

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"run":  r.id,
			"item": id,
			"url":  rawURL,
		}).WithError(err).Warn("Item could not be started")
		s.Fail(id, rawURL, localPath, err)
	}

	if r.seq.Increment() {
		r.exhausted.Store(true)
		logger.WithField("run", r.id).Debugf("Sequence exhausted after %d items", id)
	}
}

func (o *Orchestrator) slotChanged(r *run, snap SlotSnapshot, finished bool) {
	if !finished {
		o.publish(Event{Type: EventSlotProgress, Slot: &snap}, true)
		return
	}

	switch snap.State {
	case SlotDone:
		r.finished.Add(1)
	case SlotError:
		r.failed.Add(1)
	case SlotEmpty:
		r.empty.Add(1)
	case SlotCancelled:
		r.cancelled.Add(1)
	}
	r.bytes.Add(snap.BytesReceived)

	if snap.State == SlotError || snap.State == SlotEmpty {
		logger.WithFields(map[string]interface{}{
			"run":   r.id,
			"item":  snap.ItemID,
			"url":   snap.URL,
			"error": snap.Error,
		}).Warnf("Item finished %s", snap.State)
	}

	o.recordItem(r, snap)
	r.inflight.Add(-1)
	r.slotAvail.Set()
	o.publish(Event{Type: EventSlotFinished, Slot: &snap}, false)
}

func (o *Orchestrator) recordItem(r *run, snap SlotSnapshot) {
	if o.opts.Store == nil {
		return
	}

	err := o.opts.Store.RecordItem(context.Background(), &storage.ItemRecord{
		RunID:      r.id,
		ItemID:     snap.ItemID,
		URL:        snap.URL,
		LocalPath:  snap.LocalPath,
		State:      snap.StateName,
		Bytes:      snap.BytesReceived,
		Duration:   snap.LastEventAt.Sub(snap.StartedAt),
		Error:      snap.Error,
		FinishedAt: snap.LastEventAt,
	})
	if err != nil {
		logger.WithField("run", r.id).WithError(err).Warn("Failed to record item")
	}
}

func (o *Orchestrator) finish(r *run) {
	// abandoned transfers report back asynchronously
	for i := 0; i < abortDrainPolls && !o.drained(r); i++ {
		r.slotAvail.Wait(o.opts.PollInterval)
	}

	final := o.state.Current()
	if o.opts.Store != nil {
		finishedAt := time.Now()
		err := o.opts.Store.UpdateRun(context.Background(), &storage.Run{
			ID:             r.id,
			Template:       r.seq.Template(),
			TargetPath:     r.target,
			MaxConcurrency: r.seq.MaxConcurrency(),
			State:          final.String(),
			Started:        r.started.Load(),
			Done:           r.finished.Load(),
			Failed:         r.failed.Load(),
			Empty:          r.empty.Load(),
			Cancelled:      r.cancelled.Load(),
			Bytes:          r.bytes.Load(),
			FinishedAt:     &finishedAt,
		})
		if err != nil {
			logger.WithField("run", r.id).WithError(err).Warn("Failed to record run result")
		}
	}

	logger.WithFields(map[string]interface{}{
		"run":     r.id,
		"started": r.started.Load(),
		"done":    r.finished.Load(),
		"failed":  r.failed.Load() + r.empty.Load(),
	}).Infof("Run finished: %s", final)

	r.abort()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()

	close(r.done)
}

func (o *Orchestrator) stateChanged(old, new state.State) {
	logger.WithField("run", o.runID.Load()).Debugf("State %s -> %s", old, new)
	o.publish(Event{Type: EventState, State: new.String(), PrevState: old.String()}, false)
}

func (o *Orchestrator) warn(err error) error {
	logger.Warnf("Run not started: %v", err)
	o.publish(Event{Type: EventWarning, Message: err.Error()}, false)
	return err
}

// publish queues an event for the broadcaster. Droppable events are discarded when the
// queue is full; others wait briefly.
func (o *Orchestrator) publish(event Event, droppable bool) {
	event.Time = time.Now()
	event.RunID, _ = o.runID.Load().(string)

	if droppable {
		select {
		case o.events <- event:
		default:
		}
		return
	}

	timer := time.NewTimer(eventSendTimeout)
	defer timer.Stop()

	select {
	case o.events <- event:
	case <-timer.C:
		o.droppedEvents.Add(1)
		logger.WithFields(map[string]interface{}{
			"run":   event.RunID,
			"event": event.Type,
		}).Warn("Event queue full, listeners are too slow; event dropped")
	case <-o.ctx.Done():
	}
}

// DroppedEvents returns how many completion and state events never reached the listeners
func (o *Orchestrator) DroppedEvents() int64 {
	return o.droppedEvents.Load()
}

// eventBroadcaster delivers events to all listeners
func (o *Orchestrator) eventBroadcaster() {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return
		case event := <-o.events:
			o.listenerMu.RLock()
			listeners := make([]Listener, len(o.listeners))
			copy(listeners, o.listeners)
			o.listenerMu.RUnlock()

			for _, listener := range listeners {
				listener(event)
			}
		}
	}
}
