// Package transfer performs single asynchronous file transfers.
// A transfer reports response metadata, progress and exactly one completion to its Observer
// on the transfer's own goroutine.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Metadata describes the response of a transfer once headers are available
type Metadata struct {
	StatusCode    int       `json:"statusCode"`
	ContentLength int64     `json:"contentLength"`
	ContentType   string    `json:"contentType,omitempty"`
	LastModified  time.Time `json:"lastModified,omitempty"`
	Server        string    `json:"server,omitempty"`
}

// Observer receives the callbacks of one transfer
type Observer interface {
	// OnResponse is called once when response headers arrive
	OnResponse(meta Metadata)
	// OnProgress is called with the cumulative byte count and the expected total (0 if unknown)
	OnProgress(received, total int64)
	// OnComplete is called exactly once, after the local file has been closed
	OnComplete(cancelled bool, err error)
}

// Transfer is a handle on an in-flight transfer
type Transfer interface {
	// Abandon asks the transfer to stop; its completion reports cancelled
	Abandon()
}

// Transferer starts transfers
type Transferer interface {
	Begin(source *url.URL, localPath string, obs Observer) (Transfer, error)
}

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d (%s)", e.StatusCode, e.Status)
}

// IsTimeout reports whether err comes from a deadline, either the transfer
// timeout or a network-level timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
