package download

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/seqget-project/seqget/internal/transfer"
)

// Slot is a reusable worker that runs one transfer at a time
type Slot struct {
	mu         sync.Mutex
	key        int
	transferer transfer.Transferer
	onChange   func(snap SlotSnapshot, finished bool)

	state      SlotState
	generation uint64
	handle     transfer.Transfer
	abandoned  bool // Abandon arrived before the handle

	itemID    int64
	url       string
	localPath string

	bytesReceived int64
	totalBytes    int64
	progress      int

	downloadStart time.Time
	lastEvent     time.Time

	// baseline for the next interval sample
	blockStart    time.Time
	blockStartPos int64

	// latched on the first received bytes, excludes connection latency from the average
	secondBlockStart    time.Time
	secondBlockStartPos int64

	currentRate float64
	smoothed    ewma.MovingAverage

	meta      transfer.Metadata
	err       error
	cancelled bool
}

// NewSlot creates an idle slot. onChange is called outside the slot lock with a snapshot
// taken at the change, after every progress update and once more, with finished set,
// when a transfer ends.
func NewSlot(key int, tr transfer.Transferer, onChange func(snap SlotSnapshot, finished bool)) *Slot {
	return &Slot{
		key:        key,
		transferer: tr,
		onChange:   onChange,
		state:      SlotInitiated,
		smoothed:   ewma.NewMovingAverage(),
	}
}

// Key returns the slot's pool identifier
func (s *Slot) Key() int {
	return s.key
}

// State returns the current slot state
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TryLock reserves the slot if it is available. Exactly one of several racing callers wins.
func (s *Slot) TryLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Available() {
		return false
	}
	s.state = SlotBlocked
	return true
}

// Lock reserves the slot, failing with ErrSlotUnavailable if it is busy
func (s *Slot) Lock() error {
	if s.TryLock() {
		return nil
	}
	return fmt.Errorf("%w: slot %d is %s", ErrSlotUnavailable, s.key, s.State())
}

// Start begins transferring rawURL into localPath. Transfer failures do not return an
// error; they end the slot in Error or Empty.
func (s *Slot) Start(id int64, rawURL, localPath string) error {
	s.mu.Lock()

	if s.state == SlotWorking {
		s.mu.Unlock()
		return fmt.Errorf("%w: slot %d is already working", ErrInvalidState, s.key)
	}

	source, err := parseAbsolute(rawURL)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if localPath == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: local path cannot be empty", ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot create directory: %v", ErrInvalidArgument, err)
	}

	now := time.Now()
	s.generation++
	gen := s.generation
	s.state = SlotWorking
	s.handle = nil
	s.abandoned = false
	s.itemID = id
	s.url = rawURL
	s.localPath = localPath
	s.bytesReceived = 0
	s.totalBytes = 0
	s.progress = 0
	s.downloadStart = now
	s.lastEvent = now
	s.blockStart = now
	s.blockStartPos = 0
	s.secondBlockStart = time.Time{}
	s.secondBlockStartPos = 0
	s.currentRate = 0
	s.smoothed = ewma.NewMovingAverage()
	s.meta = transfer.Metadata{}
	s.err = nil
	s.cancelled = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap, false)

	handle, err := s.transferer.Begin(source, localPath, &slotObserver{slot: s, gen: gen})
	if err != nil {
		s.complete(gen, false, err)
		return nil
	}

	s.mu.Lock()
	abandon := false
	if s.generation == gen && s.state == SlotWorking {
		s.handle = handle
		abandon = s.abandoned
	}
	s.mu.Unlock()

	if abandon {
		handle.Abandon()
	}
	return nil
}

// Fail ends a reserved slot in Error without starting a transfer
func (s *Slot) Fail(id int64, rawURL, localPath string, err error) {
	s.mu.Lock()
	if s.state == SlotWorking {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.generation++
	s.state = SlotError
	s.handle = nil
	s.itemID = id
	s.url = rawURL
	s.localPath = localPath
	s.bytesReceived = 0
	s.totalBytes = 0
	s.progress = 0
	s.currentRate = 0
	s.secondBlockStart = time.Time{}
	s.meta = transfer.Metadata{}
	s.downloadStart = now
	s.lastEvent = now
	s.err = err
	s.cancelled = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap, true)
}

// Abandon asks a working transfer to stop
func (s *Slot) Abandon() {
	s.mu.Lock()
	var handle transfer.Transfer
	if s.state == SlotWorking {
		handle = s.handle
		s.abandoned = handle == nil
	}
	s.mu.Unlock()

	if handle != nil {
		handle.Abandon()
	}
}

// Snapshot returns a consistent copy of the slot
func (s *Slot) Snapshot() SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Slot) snapshotLocked() SlotSnapshot {
	snap := SlotSnapshot{
		Key:           s.key,
		ItemID:        s.itemID,
		URL:           s.url,
		LocalPath:     s.localPath,
		State:         s.state,
		StateName:     s.state.String(),
		BytesReceived: s.bytesReceived,
		TotalBytes:    s.totalBytes,
		Progress:      s.progress,
		CurrentRate:   s.currentRate,
		SmoothedRate:  round1(s.smoothed.Value()),
		StartedAt:     s.downloadStart,
		LastEventAt:   s.lastEvent,
		ContentLength: s.meta.ContentLength,
		ContentType:   s.meta.ContentType,
		LastModified:  s.meta.LastModified,
		Server:        s.meta.Server,
		Cancelled:     s.cancelled,
	}
	if !s.secondBlockStart.IsZero() {
		snap.AverageRate = Bandwidth(s.bytesReceived-s.secondBlockStartPos, s.secondBlockStart, s.lastEvent)
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

func (s *Slot) notify(snap SlotSnapshot, finished bool) {
	if s.onChange != nil {
		s.onChange(snap, finished)
	}
}

func (s *Slot) response(gen uint64, meta transfer.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.state != SlotWorking {
		return
	}
	s.meta = meta
	if meta.ContentLength > 0 {
		s.totalBytes = meta.ContentLength
	}
}

func (s *Slot) advance(gen uint64, received, total int64) {
	s.mu.Lock()
	if gen != s.generation || s.state != SlotWorking {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if now.After(s.blockStart) {
		s.currentRate = Bandwidth(received-s.blockStartPos, s.blockStart, now)
		s.smoothed.Add(s.currentRate)
	}
	s.blockStart = now
	s.blockStartPos = received

	if s.secondBlockStart.IsZero() && received > 0 {
		s.secondBlockStart = now
		s.secondBlockStartPos = received
	}

	s.bytesReceived = received
	if total > 0 {
		s.totalBytes = total
	}
	if s.totalBytes > 0 {
		s.progress = int(received * 100 / s.totalBytes)
		if s.progress > 100 {
			s.progress = 100
		}
	}
	s.lastEvent = now
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap, false)
}

func (s *Slot) complete(gen uint64, cancelled bool, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state != SlotWorking {
		s.mu.Unlock()
		return
	}

	s.cancelled = cancelled
	s.err = err
	s.handle = nil
	s.lastEvent = time.Now()

	final := SlotDone
	switch {
	case cancelled:
		final = SlotCancelled
	case err != nil:
		final = SlotError
	}

	if final == SlotError {
		if info, statErr := os.Stat(s.localPath); statErr == nil && info.Size() == 0 {
			final = SlotEmpty
			os.Remove(s.localPath)
		}
	}

	if final != SlotEmpty && !s.meta.LastModified.IsZero() {
		os.Chtimes(s.localPath, s.meta.LastModified, s.meta.LastModified)
	}

	s.state = final
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap, true)
}

type slotObserver struct {
	slot *Slot
	gen  uint64
}

func (o *slotObserver) OnResponse(meta transfer.Metadata) {
	o.slot.response(o.gen, meta)
}

func (o *slotObserver) OnProgress(received, total int64) {
	o.slot.advance(o.gen, received, total)
}

func (o *slotObserver) OnComplete(cancelled bool, err error) {
	o.slot.complete(o.gen, cancelled, err)
}

// Bandwidth returns the transfer rate in KiB/s rounded to one decimal.
// It is 0 when bytes or the elapsed interval is not positive.
func Bandwidth(bytes int64, begin, end time.Time) float64 {
	secs := end.Sub(begin).Seconds()
	if bytes <= 0 || secs <= 0 {
		return 0
	}
	return round1(float64(bytes) / secs / 1024)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// LocalPath maps rawURL to root/host/path. Directory URLs get index.html.
func LocalPath(root, rawURL string) (string, error) {
	u, err := parseAbsolute(rawURL)
	if err != nil {
		return "", err
	}

	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")

	host := strings.ReplaceAll(u.Host, ":", "_")
	return filepath.Join(root, host, filepath.FromSlash(p)), nil
}

func parseAbsolute(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: url cannot be empty", ErrInvalidArgument)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute url", ErrInvalidArgument, rawURL)
	}
	return u, nil
}
