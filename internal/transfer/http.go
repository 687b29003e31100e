package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seqget-project/seqget/internal/version"
)

// Options configures the HTTP transferer
type Options struct {
	Timeout   time.Duration // whole transfer, 0 = none
	UserAgent string
	ChunkSize int // read buffer size
	Client    *http.Client
}

// partSuffix marks a body still being received
const partSuffix = ".part"

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		Timeout:   60 * time.Second,
		UserAgent: version.UserAgent(),
		ChunkSize: 32 * 1024,
	}
}

// HTTPTransferer downloads with plain HTTP GET requests
type HTTPTransferer struct {
	opts   Options
	client *http.Client
}

// NewHTTPTransferer creates a transferer, filling unset options with defaults
func NewHTTPTransferer(opts Options) *HTTPTransferer {
	def := DefaultOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPTransferer{opts: opts, client: client}
}

type httpTransfer struct {
	cancel    context.CancelFunc
	abandoned atomic.Bool
	once      sync.Once
}

func (t *httpTransfer) Abandon() {
	t.once.Do(func() {
		t.abandoned.Store(true)
		t.cancel()
	})
}

// Begin starts downloading source into localPath and returns immediately
func (h *HTTPTransferer) Begin(source *url.URL, localPath string, obs Observer) (Transfer, error) {
	if source == nil || !source.IsAbs() {
		return nil, fmt.Errorf("source must be an absolute URL")
	}
	if localPath == "" {
		return nil, fmt.Errorf("local path cannot be empty")
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if h.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), h.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", h.opts.UserAgent)

	t := &httpTransfer{cancel: cancel}
	go func() {
		defer cancel()
		err := h.run(ctx, req, localPath, obs)
		cancelled := t.abandoned.Load()
		if cancelled {
			err = nil
		}
		obs.OnComplete(cancelled, err)
	}()

	return t, nil
}

func (h *HTTPTransferer) run(ctx context.Context, req *http.Request, localPath string, obs Observer) error {
	resp, err := h.client.Do(req)
	if err != nil {
		// A failed connection still leaves an empty local file, unless the transfer was abandoned
		if !errors.Is(ctx.Err(), context.Canceled) {
			touch(localPath)
		}
		return err
	}
	defer resp.Body.Close()

	meta := Metadata{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		Server:        resp.Header.Get("Server"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = t
		}
	}
	obs.OnResponse(meta)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		touch(localPath)
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}

	// The body goes to a side file so a failed transfer never clobbers an existing download
	partPath := localPath + partSuffix
	file, err := os.Create(partPath)
	if err != nil {
		return err
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	var received int64
	buf := make([]byte, h.opts.ChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Close()
				discardPart(partPath, localPath, false)
				return err
			}
			received += int64(n)
			obs.OnProgress(received, total)
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			file.Close()
			if ctx.Err() != nil {
				discardPart(partPath, localPath, errors.Is(ctx.Err(), context.DeadlineExceeded))
				return ctx.Err()
			}
			discardPart(partPath, localPath, true)
			return readErr
		}
	}

	if err := file.Close(); err != nil {
		discardPart(partPath, localPath, false)
		return err
	}
	return os.Rename(partPath, localPath)
}

// discardPart drops a failed side file. With keepPartial the bytes are moved
// into place, but only when no earlier download exists at localPath.
func discardPart(partPath, localPath string, keepPartial bool) {
	if keepPartial {
		if _, err := os.Stat(localPath); os.IsNotExist(err) {
			if os.Rename(partPath, localPath) == nil {
				return
			}
		}
	}
	os.Remove(partPath)
}

// touch creates an empty file at path if none exists; existing content is left alone
func touch(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644); err == nil {
		f.Close()
	}
}
