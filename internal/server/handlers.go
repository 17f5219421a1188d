package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ohler55/ojg/oj"

	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

// dispatch parses the address and routes to the endpoint handler.
func (s *Server) dispatch(c *gin.Context) {
	res, ok := s.resolveAddress(c)
	if !ok {
		return
	}

	switch res.endpoint {
	case "authenticate.api":
		s.handleAuthenticate(c, res)
	case "commits.api":
		s.handleCommits(c, res)
	case "updates.api":
		s.handleUpdates(c, res)
	case "filesets.api":
		s.handleFilesets(c, res)
	case "search.api":
		s.handleSearch(c, res)
	default:
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			s.respondError(c, res.rctx, http.StatusNotFound)
			return
		}
		s.handleFile(c, res)
	}
}

// authenticateCtx runs ACM for the request and reports failures.
func (s *Server) authenticateCtx(c *gin.Context, res *resolved, cvs map[string]string) bool {
	if err := s.engine.Authenticate(c.Request.Context(), res.rctx, acmInput(c, cvs)); err != nil {
		s.fail(c, res.rctx, err)
		return false
	}
	return true
}

// handleAuthenticate forces secure mode and returns the resolved user.
func (s *Server) handleAuthenticate(c *gin.Context, res *resolved) {
	if c.Request.Method != http.MethodPost {
		s.respondError(c, res.rctx, http.StatusNotFound)
		return
	}
	res.rctx.Secure = true
	if !s.authenticateCtx(c, res, nil) {
		return
	}
	s.count(c, http.StatusOK)
	c.JSON(http.StatusOK, res.rctx.Auth.UserInfo)
}

// commitsLimit caps a commits.api response.
const commitsLimit = 100

// handleCommits lists the branch's commits, cached per (key, head).
func (s *Server) handleCommits(c *gin.Context, res *resolved) {
	rctx := res.rctx
	if !s.authenticateCtx(c, res, nil) {
		return
	}
	head, err := vcs.HeadCommit(c.Request.Context(), rctx.RepoPath, rctx.Branch)
	if err != nil {
		s.fail(c, rctx, err)
		return
	}
	if head == nil {
		s.respondError(c, rctx, http.StatusNotFound)
		return
	}

	v, err := s.commits.Do(rctx.Key+"@"+head.ID, func() (any, error) {
		commits, err := vcs.ListCommits(c.Request.Context(), rctx.RepoPath, rctx.Branch, commitsLimit)
		if err != nil {
			return nil, err
		}
		out := make([]gin.H, 0, len(commits))
		for _, ci := range commits {
			out = append(out, gin.H{
				"commit":    ci.ID,
				"message":   ci.Subject,
				"date":      ci.UnixSec,
				"committer": ci.Committer,
			})
		}
		return out, nil
	})
	if err != nil {
		s.fail(c, rctx, err)
		return
	}
	s.count(c, http.StatusOK)
	c.JSON(http.StatusOK, v.([]gin.H))
}

// updatesBody is the POST form of updates.api.
type updatesBody struct {
	Since string         `json:"since"`
	CVS   map[string]any `json:"cvs"`
}

// handleUpdates streams file records since a commit, or the full listing.
func (s *Server) handleUpdates(c *gin.Context, res *resolved) {
	rctx := res.rctx
	since := c.Query("since")
	var cvs map[string]string

	if c.Request.Method == http.MethodPost {
		var body updatesBody
		data, err := c.GetRawData()
		if err == nil && len(data) > 0 {
			if err := oj.Unmarshal(data, &body); err != nil {
				s.respondError(c, rctx, http.StatusBadRequest)
				return
			}
		}
		if body.Since != "" {
			since = body.Since
		}
		if body.CVS != nil {
			cvs = make(map[string]string, len(body.CVS))
			for k, v := range body.CVS {
				if str, ok := v.(string); ok {
					cvs[k] = str
				}
			}
		}
	}

	if !s.authenticateCtx(c, res, cvs) {
		return
	}

	// A stale client group means its view no longer matches the server's
	// filtering; the client must reset.
	if submitted := c.Query("group"); submitted != "" && submitted != rctx.Auth.Group {
		s.count(c, http.StatusResetContent)
		c.Status(http.StatusResetContent)
		return
	}

	var h *pipeline.Handle
	var err error
	if since != "" {
		h, err = s.files.ListUpdatesSince(c.Request.Context(), rctx, since, "")
	} else {
		h, err = s.files.ListAllFiles(c.Request.Context(), rctx, "")
	}
	if err != nil {
		s.fail(c, rctx, err)
		return
	}

	if c.Request.Method == http.MethodHead {
		etag := etagFor(h.Commit, h.Group)
		if notModified(c, etag) {
			return
		}
		c.Header("Etag", etag)
		s.count(c, http.StatusOK)
		c.Status(http.StatusOK)
		return
	}

	h.MimeType = "application/x-ndjson"
	s.count(c, http.StatusOK)
	s.sendHandle(c, rctx, h, rctx.BasePath+"updates.api")
}

// handleFilesets serves /filesets.api/:category/:mode with an optional
// since parameter; mode is list or contents.
func (s *Server) handleFilesets(c *gin.Context, res *resolved) {
	rctx := res.rctx
	if len(res.trailing) < 3 {
		s.respondError(c, rctx, http.StatusBadRequest)
		return
	}
	category, mode := res.trailing[1], res.trailing[2]
	since := c.Query("since")
	if c.Request.Method == http.MethodPost && c.PostForm("since") != "" {
		since = c.PostForm("since")
	}

	if !s.authenticateCtx(c, res, nil) {
		return
	}

	var h *pipeline.Handle
	var err error
	switch mode {
	case "list":
		h, err = s.files.ListFilesetFiles(c.Request.Context(), rctx, category, since)
		if h != nil {
			h.MimeType = "application/x-ndjson"
		}
	case "contents":
		if since != "" {
			h, err = s.files.GetFilesetUpdatedContents(c.Request.Context(), rctx, category, since)
		} else {
			h, err = s.files.GetFilesetContents(c.Request.Context(), rctx, category)
		}
	default:
		s.respondError(c, rctx, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(c, rctx, err)
		return
	}
	s.count(c, http.StatusOK)
	s.sendHandle(c, rctx, h, "")
}

// handleFile fetches a file through content negotiation. format=record
// returns the file's JSON record instead of its contents; the @d flag
// enables template evaluation of text responses.
func (s *Server) handleFile(c *gin.Context, res *resolved) {
	rctx := res.rctx
	if !s.authenticateCtx(c, res, nil) {
		return
	}

	requestPath := strings.Join(res.trailing, "/")
	path, err := s.negotiator.GetRepresentationPath(
		c.Request.Context(), rctx, c.Request.Header, requestPath)
	if err != nil {
		s.fail(c, rctx, err)
		return
	}

	if c.Query("format") == "record" {
		rec, err := s.files.GetFileRecord(c.Request.Context(), rctx, path)
		if err != nil {
			s.fail(c, rctx, err)
			return
		}
		s.count(c, http.StatusOK)
		c.Header("Etag", etagFor(rec.Commit, rctx.Auth.Group))
		c.JSON(http.StatusOK, rec)
		return
	}

	h, err := s.files.GetFileContents(c.Request.Context(), rctx, path)
	if err != nil {
		s.fail(c, rctx, err)
		return
	}

	if _, dynamic := c.GetQuery("@d"); dynamic && strings.HasPrefix(h.MimeType, "text/") {
		s.sendEvaluated(c, rctx, h)
		return
	}
	s.count(c, http.StatusOK)
	s.sendHandle(c, rctx, h, rctx.BasePath+path)
}

func (s *Server) count(c *gin.Context, status int) {
	s.metrics.Requests.WithLabelValues(endpointLabel(c), strconv.Itoa(status)).Inc()
}
