// Package handler provides the HTTP request handlers of the benchkeeper API.
//
// Handlers are thin: they decode the request, check suite access for the
// authenticated token and delegate to the storage service. Errors are
// mapped to HTTP status codes through the errors package.
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/benchkeeper/internal/alert"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage"
	"github.com/xtxerr/benchkeeper/internal/storage/query"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

var log = logging.Component("handler")

// =============================================================================
// Context Keys
// =============================================================================

const (
	tokenKey     = "benchkeeper_token"
	requestIDKey = "benchkeeper_request_id"
)

// SetToken stores the authenticated token in the gin context.
func SetToken(c *gin.Context, cfg *TokenConfig) {
	c.Set(tokenKey, cfg)
}

// GetToken returns the authenticated token, nil for anonymous access.
func GetToken(c *gin.Context) *TokenConfig {
	v, ok := c.Get(tokenKey)
	if !ok {
		return nil
	}
	cfg, _ := v.(*TokenConfig)
	return cfg
}

// SetRequestID stores the request ID in the gin context.
func SetRequestID(c *gin.Context, id string) {
	c.Set(requestIDKey, id)
}

// GetRequestID returns the request ID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// =============================================================================
// Handler
// =============================================================================

// Handler serves the API on top of the storage service.
type Handler struct {
	svc *storage.Service
}

// NewHandler creates a new handler.
func NewHandler(svc *storage.Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the API routes on rg (typically /api/v1).
//
//	GET  /suites                            list suites
//	POST /suites/:suite/entries             ingest one entry
//	GET  /suites/:suite/entries             query entries (from, to, latest)
//	GET  /suites/:suite/verdicts/:commit    verdicts and action of a commit
//	GET  /suites/:suite/measurements        measurement names (prefix)
//	GET  /suites/:suite/summary             history summary (name)
//	GET  /suites/:suite/trend               exported history (name, limit)
//	POST /export                            write the Parquet export
//	POST /query                             SQL over the export
func (h *Handler) Register(rg *gin.RouterGroup) {
	suites := rg.Group("/suites")
	suites.GET("", h.ListSuites)
	suites.POST("/:suite/entries", h.Ingest)
	suites.GET("/:suite/entries", h.Entries)
	suites.GET("/:suite/verdicts/:commit", h.Verdicts)
	suites.GET("/:suite/measurements", h.Measurements)
	suites.GET("/:suite/summary", h.Summary)
	suites.GET("/:suite/trend", h.Trend)

	rg.POST("/export", h.Export)
	rg.POST("/query", h.Query)
}

// Health reports liveness and basic store size.
func (h *Handler) Health(c *gin.Context) {
	st := h.svc.Stats()
	status := http.StatusOK
	state := "ok"
	if !st.Running {
		status = http.StatusServiceUnavailable
		state = "stopped"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"uptime":  st.Uptime.Round(time.Second).String(),
		"suites":  st.Store.Suites,
		"entries": st.Store.Entries,
	})
}

// =============================================================================
// Suite Handlers
// =============================================================================

// ListSuites returns the suites visible to the caller.
func (h *Handler) ListSuites(c *gin.Context) {
	token := GetToken(c)
	visible := make([]string, 0)
	for _, s := range h.svc.Suites() {
		if CanAccessSuite(token, s) {
			visible = append(visible, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"suites": visible})
}

// Ingest appends the entry in the request body.
func (h *Handler) Ingest(c *gin.Context) {
	suite, ok := h.suite(c)
	if !ok {
		return
	}

	var entry types.CommitEntry
	if !h.bind(c, &entry) {
		return
	}

	ctx := logging.ContextWithRequestID(c.Request.Context(), GetRequestID(c))
	res, err := h.svc.Ingest(ctx, suite, entry)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if res.Result == types.DuplicateIgnored {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// Entries returns the entries of a suite within ?from=&to=&latest=.
func (h *Handler) Entries(c *gin.Context) {
	suite, ok := h.suite(c)
	if !ok {
		return
	}

	r, err := parseRange(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	entries := h.svc.Query(suite, r)
	if entries == nil {
		entries = []types.CommitEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"suite": suite, "entries": entries})
}

// VerdictsResponse is the body of a verdicts request.
type VerdictsResponse struct {
	Suite    string          `json:"suite"`
	Commit   string          `json:"commit"`
	Verdicts []types.Verdict `json:"verdicts"`
	Action   alert.Action    `json:"action"`
}

// Verdicts returns the verdicts of a stored commit and the resulting action.
func (h *Handler) Verdicts(c *gin.Context) {
	suite, ok := h.suite(c)
	if !ok {
		return
	}
	commit := c.Param("commit")

	verdicts, err := h.svc.Verdicts(c.Request.Context(), suite, commit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if verdicts == nil {
		verdicts = []types.Verdict{}
	}
	c.JSON(http.StatusOK, VerdictsResponse{
		Suite:    suite,
		Commit:   commit,
		Verdicts: verdicts,
		Action:   h.svc.Evaluate(verdicts),
	})
}

// Measurements lists measurement names of a suite, filtered by ?prefix=.
func (h *Handler) Measurements(c *gin.Context) {
	suite, ok := h.suite(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurements": h.svc.Measurements(suite, c.Query("prefix"))})
}

// Summary summarizes the history of the measurement named by ?name=.
func (h *Handler) Summary(c *gin.Context) {
	suite, ok := h.suite(c)
	if !ok {
		return
	}
	name := c.Query("name")
	if name == "" {
		h.fail(c, errors.NewMissingField("name"))
		return
	}
	sum, err := h.svc.Summary(suite, name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// =============================================================================
// Export Handlers
// =============================================================================

// Trend returns the exported history of ?name=, newest last.
func (h *Handler) Trend(c *gin.Context) {
	suite, ok := h.suite(c)
	if !ok {
		return
	}
	name := c.Query("name")
	if name == "" {
		h.fail(c, errors.NewMissingField("name"))
		return
	}
	limit, err := intParam(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}

	points, err := h.svc.Trend(c.Request.Context(), query.TrendQuery{Suite: suite, Name: name, Limit: limit})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suite": suite, "name": name, "points": points})
}

// Export writes the Parquet export.
func (h *Handler) Export(c *gin.Context) {
	if !h.admin(c) {
		return
	}
	res, err := h.svc.Export(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// QueryRequest is the body of an SQL request.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// Query runs SQL over the export.
func (h *Handler) Query(c *gin.Context) {
	if !h.admin(c) {
		return
	}
	var req QueryRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.QuerySQL(c.Request.Context(), req.SQL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// =============================================================================
// Helpers
// =============================================================================

// suite extracts the suite parameter and checks access to it.
func (h *Handler) suite(c *gin.Context) (string, bool) {
	suite := c.Param("suite")
	if suite == "" {
		h.fail(c, errors.NewMissingField("suite"))
		return "", false
	}
	if !CanAccessSuite(GetToken(c), suite) {
		h.fail(c, fmt.Errorf("suite %q: %w", suite, errors.ErrNotAuthorized))
		return "", false
	}
	return suite, true
}

func (h *Handler) admin(c *gin.Context) bool {
	if !IsAdmin(GetToken(c)) {
		h.fail(c, fmt.Errorf("cross-suite operation: %w", errors.ErrNotAuthorized))
		return false
	}
	return true
}

// bind decodes the JSON body into v. Oversized bodies are rejected with 413.
func (h *Handler) bind(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:     fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			RequestID: GetRequestID(c),
		})
		return false
	}
	h.fail(c, errors.NewMalformed("request body", err))
	return false
}

// fail aborts the request with the status mapped from err.
func (h *Handler) fail(c *gin.Context, err error) {
	status := errors.ErrorToStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", GetRequestID(c),
			"error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), RequestID: GetRequestID(c)})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// parseRange reads ?from=&to=&latest=. Times are RFC 3339 or unix
// milliseconds.
func parseRange(c *gin.Context) (types.Range, error) {
	var r types.Range
	var err error
	if r.From, err = timeParam(c, "from"); err != nil {
		return r, err
	}
	if r.To, err = timeParam(c, "to"); err != nil {
		return r, err
	}
	if r.Latest, err = intParam(c, "latest"); err != nil {
		return r, err
	}
	return r, nil
}

func timeParam(c *gin.Context, name string) (time.Time, error) {
	s := c.Query(name)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.NewInvalidValue(name, s, "expected RFC 3339 or unix milliseconds")
	}
	return t, nil
}

func intParam(c *gin.Context, name string) (int, error) {
	s := c.Query(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidValue(name, s, "expected a non-negative integer")
	}
	return n, nil
}
