package types

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := map[ErrorCode]int{
		ErrNotFound:          http.StatusNotFound,
		ErrInvalidRequest:    http.StatusBadRequest,
		ErrConflict:          http.StatusConflict,
		ErrInvalidState:      http.StatusConflict,
		ErrForbidden:         http.StatusForbidden,
		ErrTimeout:           http.StatusRequestTimeout,
		ErrResourceExhausted: http.StatusInsufficientStorage,
		ErrInternalError:     http.StatusInternalServerError,
		ErrorCode("OTHER"):   http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, code.HTTPStatusCode(), code.String())
	}
}

func TestErrorInfo(t *testing.T) {
	assert.Equal(t, "[CONFLICT] busy", (&ErrorInfo{Code: ErrConflict, Message: "busy"}).Error())
	assert.Equal(t, "[CONFLICT] busy: run abc", (&ErrorInfo{Code: ErrConflict, Message: "busy", Details: "run abc"}).Error())
}

func TestResponses(t *testing.T) {
	ok := NewSuccessResponse(42, "req-1")
	assert.True(t, ok.Success)
	assert.Equal(t, 42, ok.Data)
	assert.Equal(t, "req-1", ok.Metadata.RequestID)
	assert.NotEmpty(t, ok.Metadata.Timestamp)

	failed := NewErrorResponse(ErrInvalidRequest, "bad", "req-2")
	assert.False(t, failed.Success)
	assert.Equal(t, ErrInvalidRequest, failed.Error.Code)
	assert.Empty(t, failed.Error.Details)

	page := NewPaginatedResponse[string](nil, 0, 10, 5, "req-3")
	assert.NotNil(t, page.Data)
	assert.Equal(t, 10, page.Offset)
	assert.Equal(t, 5, page.Limit)
}
