package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/locoerr"
	"github.com/locomote-sh/server/internal/pipeline"
)

// etagFor is "<commit>-<group>".
func etagFor(commit, group string) string {
	return `"` + commit + "-" + group + `"`
}

// notModified answers 304 when the client's If-None-Match matches etag.
func notModified(c *gin.Context, etag string) bool {
	if c.GetHeader("If-None-Match") != etag {
		return false
	}
	c.Header("Etag", etag)
	c.Status(http.StatusNotModified)
	return true
}

// sendHandle streams a pipeline artifact with the common response
// policy: etag, cache-control, mime type and content location.
func (s *Server) sendHandle(c *gin.Context, rctx *api.RequestContext, h *pipeline.Handle, contentLocation string) {
	etag := etagFor(h.Commit, h.Group)
	if notModified(c, etag) {
		return
	}

	cacheControl := h.CacheControl
	if cacheControl == "" {
		cacheControl = s.cfg.HTTP.CacheControl
	}
	c.Header("Etag", etag)
	c.Header("Cache-Control", cacheControl)
	if contentLocation != "" {
		c.Header("Content-Location", contentLocation)
	}

	mime := h.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	size, err := h.Size()
	if err != nil {
		s.respondError(c, rctx, http.StatusInternalServerError)
		return
	}
	r, err := h.Open()
	if err != nil {
		s.respondError(c, rctx, http.StatusInternalServerError)
		return
	}
	defer r.Close()
	c.DataFromReader(http.StatusOK, size, mime, r, nil)
}

// mapError picks the HTTP status for an error from the shared taxonomy.
func mapError(err error) (int, map[string]string) {
	var ae *locoerr.AuthError
	switch {
	case errors.As(err, &ae):
		return ae.Status, ae.Headers
	case errors.Is(err, locoerr.ErrNotFound):
		return http.StatusNotFound, nil
	case errors.Is(err, locoerr.ErrBadRequest):
		return http.StatusBadRequest, nil
	default:
		return http.StatusInternalServerError, nil
	}
}

// fail maps err onto a response and logs server faults.
func (s *Server) fail(c *gin.Context, rctx *api.RequestContext, err error) {
	status, headers := mapError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	for k, v := range headers {
		c.Header(k, v)
	}
	s.respondError(c, rctx, status)
}

// respondError emits the status with the branch's matching error page
// when the client accepts HTML, else an empty body. Error pages live in
// the branch content under errors/<code>.html with an errors/xxx.html
// wildcard fallback.
func (s *Server) respondError(c *gin.Context, rctx *api.RequestContext, status int) {
	s.metrics.Requests.WithLabelValues(endpointLabel(c), strconv.Itoa(status)).Inc()

	if rctx == nil || !strings.Contains(c.GetHeader("Accept"), "text/html") {
		c.Status(status)
		return
	}
	for _, page := range []string{
		fmt.Sprintf("errors/%d.html", status),
		"errors/xxx.html",
	} {
		h, err := s.files.GetFileContents(c.Request.Context(), rctx, page)
		if err != nil {
			continue
		}
		r, err := h.Open()
		if err != nil {
			continue
		}
		defer r.Close()
		c.Status(status)
		c.Header("Content-Type", "text/html")
		_, _ = io.Copy(c.Writer, r)
		return
	}
	c.Status(status)
}

func endpointLabel(c *gin.Context) string {
	path := c.Request.URL.Path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if strings.HasSuffix(path, ".api") {
			return path[i+1:]
		}
	}
	return "file"
}
