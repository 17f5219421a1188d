package server

import (
	"net/http"
	"os"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/pipeline"
)

// evalRe matches the trivial substitution form {%= name %}.
var evalRe = regexp.MustCompile(`\{%=\s*(\w+)\s*%\}`)

// sendEvaluated serves a text artifact with {%= name %} placeholders
// substituted from the request's query parameters. Evaluated responses
// vary per request, so they carry no etag.
func (s *Server) sendEvaluated(c *gin.Context, rctx *api.RequestContext, h *pipeline.Handle) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		s.respondError(c, rctx, http.StatusInternalServerError)
		return
	}
	out := evalRe.ReplaceAllFunc(data, func(m []byte) []byte {
		name := evalRe.FindSubmatch(m)[1]
		return []byte(c.Query(string(name)))
	})
	s.count(c, http.StatusOK)
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, h.MimeType, out)
}
