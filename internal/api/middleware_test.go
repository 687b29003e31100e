package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqget-project/seqget/internal/types"
)

func newTestEngine(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(), RequestID(), CORS(origins), Logger())

	r.GET("/ok", func(c *gin.Context) { Success(c, gin.H{"value": 1}) })
	r.POST("/async", func(c *gin.Context) { Accepted(c, gin.H{"queued": true}) })
	r.GET("/missing", func(c *gin.Context) { NotFound(c, "Run") })
	r.GET("/bad", func(c *gin.Context) { BadRequest(c, "Invalid body", errors.New("eof")) })
	r.GET("/list", func(c *gin.Context) { Paginated(c, []string{"a", "b"}, 4, 2) })
	r.GET("/empty", func(c *gin.Context) { Paginated[string](c, nil, 0, 10) })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.POST("/mutate", func(c *gin.Context) { Success(c, gin.H{"changed": true}) })
	return r
}

func serve(t *testing.T, r *gin.Engine, method, path string, header http.Header) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestRequestID(t *testing.T) {
	r := newTestEngine([]string{"*"})

	w, body := serve(t, r, http.MethodGet, "/ok", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, body["metadata"].(map[string]interface{})["requestId"])

	w, _ = serve(t, r, http.MethodGet, "/ok", http.Header{RequestIDHeader: {"abc"}})
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}

func TestResponses(t *testing.T) {
	r := newTestEngine(nil)

	tests := []struct {
		path    string
		method  string
		status  int
		code    types.ErrorCode
		success bool
	}{
		{"/ok", http.MethodGet, http.StatusOK, "", true},
		{"/async", http.MethodPost, http.StatusAccepted, "", true},
		{"/missing", http.MethodGet, http.StatusNotFound, types.ErrNotFound, false},
		{"/bad", http.MethodGet, http.StatusBadRequest, types.ErrInvalidRequest, false},
		{"/panic", http.MethodGet, http.StatusInternalServerError, types.ErrInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w, body := serve(t, r, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.success, body["success"])
			if tt.code != "" {
				assert.Equal(t, string(tt.code), body["error"].(map[string]interface{})["code"])
			}
		})
	}

	_, body := serve(t, r, http.MethodGet, "/bad", nil)
	assert.Equal(t, "eof", body["error"].(map[string]interface{})["details"])
}

func TestPaginated(t *testing.T) {
	r := newTestEngine(nil)

	_, body := serve(t, r, http.MethodGet, "/list", nil)
	assert.Equal(t, []interface{}{"a", "b"}, body["data"])
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 4, body["offset"])
	assert.EqualValues(t, 2, body["limit"])

	_, body = serve(t, r, http.MethodGet, "/empty", nil)
	assert.Equal(t, []interface{}{}, body["data"])
}

func TestCORS(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		r := newTestEngine([]string{"*"})
		w, _ := serve(t, r, http.MethodOptions, "/ok", http.Header{"Origin": {"http://ui.local"}})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("listed origin", func(t *testing.T) {
		r := newTestEngine([]string{"http://ui.local"})
		w, _ := serve(t, r, http.MethodGet, "/ok", http.Header{"Origin": {"http://ui.local"}})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "http://ui.local", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, RequestIDHeader, w.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("other origin", func(t *testing.T) {
		r := newTestEngine([]string{"http://ui.local"})
		w, _ := serve(t, r, http.MethodGet, "/ok", http.Header{"Origin": {"http://evil.local"}})
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origins configured", func(t *testing.T) {
		r := newTestEngine(nil)
		w, _ := serve(t, r, http.MethodOptions, "/mutate", http.Header{"Origin": {"http://evil.local"}})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin cannot mutate", func(t *testing.T) {
		r := newTestEngine([]string{"http://ui.local"})
		w, body := serve(t, r, http.MethodPost, "/mutate", http.Header{"Origin": {"http://evil.local"}})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, string(types.ErrForbidden), body["error"].(map[string]interface{})["code"])

		w, _ = serve(t, r, http.MethodGet, "/ok", http.Header{"Origin": {"http://evil.local"}})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("same origin and non-browser clients", func(t *testing.T) {
		r := newTestEngine(nil)
		// httptest.NewRequest targets example.com
		w, _ := serve(t, r, http.MethodPost, "/mutate", http.Header{"Origin": {"http://example.com"}})
		assert.Equal(t, http.StatusOK, w.Code)

		w, _ = serve(t, r, http.MethodPost, "/mutate", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
