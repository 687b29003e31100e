package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seqget-project/seqget/internal/types"
)

// GetRequestID returns the request ID set by RequestID, "unknown" if missing
func GetRequestID(c *gin.Context) string {
	if requestID := c.GetString(RequestIDKey); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a 200 response with data
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, GetRequestID(c)))
}

// Accepted sends a 202 response for work that continues in the background
func Accepted[T any](c *gin.Context, data T) {
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(data, GetRequestID(c)))
}

// Error sends an error response
func Error(c *gin.Context, code types.ErrorCode, message string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, GetRequestID(c)))
}

// ErrorWithDetails sends an error response with details
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, message, details, GetRequestID(c)))
}

// Fail sends an error response; err, if any, becomes the details
func Fail(c *gin.Context, code types.ErrorCode, message string, err error) {
	if err == nil {
		Error(c, code, message)
		return
	}
	ErrorWithDetails(c, code, message, err.Error())
}

// BadRequest sends an INVALID_REQUEST response
func BadRequest(c *gin.Context, message string, err error) {
	Fail(c, types.ErrInvalidRequest, message, err)
}

// NotFound sends a NOT_FOUND response
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrNotFound, resource+" not found")
}

// Paginated sends one page of a list
func Paginated[T any](c *gin.Context, data []T, offset, limit int) {
	c.JSON(http.StatusOK, types.NewPaginatedResponse(data, int64(len(data)), offset, limit, GetRequestID(c)))
}
