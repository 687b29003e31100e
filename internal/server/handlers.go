package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seqget-project/seqget/internal/api"
	"github.com/seqget-project/seqget/internal/download"
	"github.com/seqget-project/seqget/internal/logger"
	"github.com/seqget-project/seqget/internal/monitor"
	"github.com/seqget-project/seqget/internal/sequence"
	"github.com/seqget-project/seqget/internal/storage"
	"github.com/seqget-project/seqget/internal/transfer"
	"github.com/seqget-project/seqget/internal/types"
	"github.com/seqget-project/seqget/internal/version"
)

const maxWaitSeconds = 300

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	download.Status
	Disk      *monitor.DiskUsage `json:"disk,omitempty"`
	Resources *monitor.Resources `json:"resources,omitempty"`
}

// SequenceResponse is returned by GET /api/sequence
type SequenceResponse struct {
	Template       string          `json:"template"`
	Items          []sequence.Item `json:"items"`
	MaxConcurrency int             `json:"maxConcurrency"`
	CurrentURL     string          `json:"currentUrl"`
}

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	Sample         string `json:"sample"`
	SequenceFile   string `json:"sequenceFile"`
	Target         string `json:"target"`
	MaxConcurrency int    `json:"maxConcurrency"`
}

// ConcurrencyRequest is the body of PUT /api/sequence/concurrency
type ConcurrencyRequest struct {
	MaxConcurrency int `json:"maxConcurrency" binding:"required"`
}

// errorCode maps domain errors onto API error codes
func errorCode(err error) types.ErrorCode {
	var storageErr *storage.StorageError
	switch {
	case errors.Is(err, download.ErrAlreadyRunning):
		return types.ErrConflict
	case errors.Is(err, download.ErrInvalidState):
		return types.ErrInvalidState
	case errors.Is(err, download.ErrInvalidSequence),
		errors.Is(err, download.ErrInvalidArgument),
		errors.Is(err, sequence.ErrBadHeader),
		errors.Is(err, sequence.ErrEmptyTemplate),
		errors.Is(err, sequence.ErrInvalidItem):
		return types.ErrInvalidRequest
	case errors.Is(err, storage.ErrRunNotFound):
		return types.ErrNotFound
	case transfer.IsTimeout(err):
		return types.ErrTimeout
	case errors.As(err, &storageErr) && storageErr.Code == "CONFLICT":
		return types.ErrConflict
	default:
		return types.ErrInternalError
	}
}

// resolveWithin resolves p against base and rejects anything that leaves base.
// An empty p resolves to base itself.
func resolveWithin(base, p string) (string, error) {
	if base == "" {
		return "", errors.New("no base directory configured")
	}
	root, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	if p == "" {
		return root, nil
	}

	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", p, root)
	}
	return resolved, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) handleVersion(c *gin.Context) {
	api.Success(c, version.GetVersionInfo())
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{Status: s.orch.Status()}

	target := resp.TargetPath
	if target == "" {
		target = s.config.DownloadDir
	}
	if usage, err := monitor.DiskSpace(target); err == nil {
		resp.Disk = usage
	}
	if s.monitor != nil {
		resp.Resources = s.monitor.Latest()
	}

	api.Success(c, resp)
}

func (s *Server) handleSlots(c *gin.Context) {
	api.Success(c, s.orch.Slots())
}

func (s *Server) control(c *gin.Context, action string, fn func() error) {
	if err := fn(); err != nil {
		api.Fail(c, errorCode(err), "Cannot "+action, err)
		return
	}
	api.Success(c, s.orch.Status())
}

func (s *Server) handlePause(c *gin.Context) {
	s.control(c, "pause", s.orch.Pause)
}

func (s *Server) handleResume(c *gin.Context) {
	s.control(c, "resume", s.orch.Resume)
}

func (s *Server) handleCancel(c *gin.Context) {
	s.control(c, "cancel", s.orch.Cancel)
}

func (s *Server) handleGetSequence(c *gin.Context) {
	seq := s.orch.Sequence()
	if seq == nil {
		api.Fail(c, types.ErrNotFound, "No sequence loaded", nil)
		return
	}

	api.Success(c, SequenceResponse{
		Template:       seq.Template(),
		Items:          seq.Items(),
		MaxConcurrency: seq.MaxConcurrency(),
		CurrentURL:     seq.Render(),
	})
}

func (s *Server) handleSetConcurrency(c *gin.Context) {
	var req ConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, types.ErrInvalidRequest, "Invalid request body", err)
		return
	}

	applied, err := s.orch.SetMaxConcurrency(req.MaxConcurrency)
	if err != nil {
		api.Fail(c, errorCode(err), "Cannot change concurrency", err)
		return
	}
	api.Success(c, gin.H{"maxConcurrency": applied})
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, types.ErrInvalidRequest, "Invalid request body", err)
		return
	}

	var (
		seq *sequence.Sequence
		err error
	)
	switch {
	case req.Sample != "":
		seq = sequence.Parse(req.Sample)
	case req.SequenceFile != "":
		path, perr := resolveWithin(s.config.SequenceDir, req.SequenceFile)
		if perr != nil {
			api.Fail(c, types.ErrInvalidRequest, "Invalid sequence file", perr)
			return
		}
		seq, err = sequence.LoadFile(path)
	case s.config.SequenceFile != "":
		seq, err = sequence.LoadFile(s.config.SequenceFile)
	default:
		api.Fail(c, types.ErrInvalidRequest, "Either sample or sequenceFile is required", nil)
		return
	}
	if err != nil {
		api.Fail(c, types.ErrInvalidRequest, "Cannot load sequence file", err)
		return
	}
	if req.MaxConcurrency > 0 {
		seq.SetMaxConcurrency(req.MaxConcurrency)
	}

	target, err := resolveWithin(s.config.DownloadDir, req.Target)
	if err != nil {
		api.Fail(c, types.ErrInvalidRequest, "Invalid target", err)
		return
	}

	if s.config.MinFree > 0 {
		if usage, err := monitor.DiskSpace(target); err == nil && usage.Free < s.config.MinFree {
			api.Fail(c, types.ErrResourceExhausted, "Not enough free disk space",
				fmt.Errorf("%s free on %s", usage.FreeHuman(), usage.Path))
			return
		}
	}

	if err := s.orch.Start(seq, target); err != nil {
		api.Fail(c, errorCode(err), "Cannot start run", err)
		return
	}
	api.Accepted(c, s.orch.Status())
}

// handleWait blocks until the current run ends, at most timeout seconds
func (s *Server) handleWait(c *gin.Context) {
	timeout := queryInt(c, "timeout", 30)
	if timeout > maxWaitSeconds {
		timeout = maxWaitSeconds
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(timeout)*time.Second)
	defer cancel()

	if err := s.orch.Wait(ctx); err != nil {
		api.Fail(c, errorCode(err), "Run still active", err)
		return
	}
	api.Success(c, s.orch.Status())
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.store == nil {
		api.Fail(c, types.ErrNotFound, "Run history is disabled", nil)
		return
	}

	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	runs, err := s.store.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		api.Fail(c, errorCode(err), "Cannot list runs", err)
		return
	}
	api.Paginated(c, runs, offset, limit)
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.store == nil {
		api.Fail(c, types.ErrNotFound, "Run history is disabled", nil)
		return
	}

	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.Fail(c, errorCode(err), "Cannot load run", err)
		return
	}
	api.Success(c, run)
}

func (s *Server) handleDeleteRun(c *gin.Context) {
	if s.store == nil {
		api.Fail(c, types.ErrNotFound, "Run history is disabled", nil)
		return
	}

	id := c.Param("id")
	if id == s.orch.Status().RunID && s.orch.State().IsActive() {
		api.Fail(c, types.ErrConflict, "Cannot delete the active run", nil)
		return
	}
	if err := s.store.DeleteRun(c.Request.Context(), id); err != nil {
		api.Fail(c, errorCode(err), "Cannot delete run", err)
		return
	}
	api.Success(c, gin.H{"deleted": id})
}

func (s *Server) handleListItems(c *gin.Context) {
	if s.store == nil {
		api.Fail(c, types.ErrNotFound, "Run history is disabled", nil)
		return
	}

	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)
	items, err := s.store.ListItems(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		api.Fail(c, errorCode(err), "Cannot list items", err)
		return
	}
	api.Paginated(c, items, offset, limit)
}

func (s *Server) handleLogEntries(c *gin.Context) {
	entries := logger.GetLogStream().GetEntries(queryInt(c, "limit", 100))
	api.Success(c, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleListLogFiles(c *gin.Context) {
	files, err := logger.ListLogFiles(s.config.LogDir, c.Query("mode"))
	if err != nil {
		api.Fail(c, types.ErrNotFound, "Cannot list log files", err)
		return
	}
	api.Success(c, files)
}

func (s *Server) handleReadLogFile(c *gin.Context) {
	name := c.Param("name")
	if !logger.IsLogFileName(name) {
		api.Fail(c, types.ErrInvalidRequest, "Invalid log file name", nil)
		return
	}
	if s.config.LogDir == "" {
		api.Fail(c, types.ErrNotFound, "Log directory not configured", nil)
		return
	}

	entries, err := logger.ReadLogFile(filepath.Join(s.config.LogDir, name), logger.LogFileFilter{
		Level:  c.Query("level"),
		Search: c.Query("search"),
		Offset: queryInt(c, "offset", 0),
		Limit:  queryInt(c, "limit", 500),
	})
	if err != nil {
		api.Fail(c, types.ErrNotFound, "Cannot read log file", err)
		return
	}
	api.Success(c, gin.H{
		"entries": entries,
		"stats":   logger.CountLevels(entries),
	})
}
