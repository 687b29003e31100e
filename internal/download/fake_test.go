package download

import (
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seqget-project/seqget/internal/transfer"
)

// fakeTransferer completes transfers on demand, or by itself in auto mode
type fakeTransferer struct {
	mu        sync.Mutex
	auto      bool
	delay     time.Duration
	body      []byte
	meta      transfer.Metadata
	failures  map[string]error
	beginErr  error
	started   []string
	pending   []*fakeTransfer
	abandoned int
	active    int
	maxActive int
}

func newFakeTransferer(auto bool) *fakeTransferer {
	return &fakeTransferer{
		auto:     auto,
		body:     []byte("payload"),
		failures: make(map[string]error),
	}
}

type fakeTransfer struct {
	owner *fakeTransferer
	url   string
	path  string
	obs   transfer.Observer
	once  sync.Once
}

func (f *fakeTransferer) Begin(source *url.URL, localPath string, obs transfer.Observer) (transfer.Transfer, error) {
	f.mu.Lock()
	if f.beginErr != nil {
		err := f.beginErr
		f.mu.Unlock()
		return nil, err
	}

	t := &fakeTransfer{owner: f, url: source.String(), path: localPath, obs: obs}
	f.started = append(f.started, t.url)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	auto := f.auto
	delay := f.delay
	if !auto {
		f.pending = append(f.pending, t)
	}
	f.mu.Unlock()

	if auto {
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			t.succeedOrFail()
		}()
	}
	return t, nil
}

func (t *fakeTransfer) Abandon() {
	t.owner.mu.Lock()
	t.owner.abandoned++
	t.owner.mu.Unlock()
	t.finish(true, nil)
}

func (t *fakeTransfer) succeedOrFail() {
	f := t.owner
	f.mu.Lock()
	err := f.failures[t.url]
	body := f.body
	meta := f.meta
	f.mu.Unlock()

	if err != nil {
		t.finish(false, err)
		return
	}

	os.MkdirAll(filepath.Dir(t.path), 0755)
	os.WriteFile(t.path, body, 0644)
	meta.StatusCode = 200
	meta.ContentLength = int64(len(body))
	t.obs.OnResponse(meta)
	if len(body) > 0 {
		t.obs.OnProgress(int64(len(body))/2, int64(len(body)))
		t.obs.OnProgress(int64(len(body)), int64(len(body)))
	}
	t.finish(false, nil)
}

func (t *fakeTransfer) finish(cancelled bool, err error) {
	t.once.Do(func() {
		t.owner.mu.Lock()
		t.owner.active--
		t.owner.mu.Unlock()
		t.obs.OnComplete(cancelled, err)
	})
}

// releaseAll completes every pending transfer
func (f *fakeTransferer) releaseAll() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, t := range pending {
		t.succeedOrFail()
	}
}

// setAuto switches to self-completing transfers and releases the pending ones
func (f *fakeTransferer) setAuto() {
	f.mu.Lock()
	f.auto = true
	f.mu.Unlock()
	f.releaseAll()
}

func (f *fakeTransferer) startedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

func (f *fakeTransferer) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeTransferer) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeTransferer) abandonedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abandoned
}
