package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
)

// shutdownGrace bounds graceful HTTP shutdown.
const shutdownGrace = 5 * time.Second

// resolved is the outcome of address parsing: the request context plus
// the endpoint (or content path) the remaining segments name.
type resolved struct {
	rctx     *api.RequestContext
	endpoint string
	trailing []string
}

// resolveAddress parses /<account-or-@account>/<repo>?/<branch>?/<rest…>.
// A missing repo falls back to the account's configured default; a
// missing branch falls back to the default public branch.
func (s *Server) resolveAddress(c *gin.Context) (*resolved, bool) {
	mountPrefix := strings.TrimSuffix(s.cfg.HTTP.Mount, "/")
	path := c.Request.URL.Path
	if mountPrefix != "" {
		if !strings.HasPrefix(path, mountPrefix+"/") {
			s.respondError(c, nil, http.StatusNotFound)
			return nil, false
		}
		path = strings.TrimPrefix(path, mountPrefix)
	}
	raw := strings.Trim(path, "/")
	segments := []string{}
	if raw != "" {
		segments = strings.Split(raw, "/")
	}
	if len(segments) == 0 {
		s.respondError(c, nil, http.StatusNotFound)
		return nil, false
	}

	account := strings.TrimPrefix(segments[0], "@")
	consumed := 1
	if !s.branches.IsAccountName(account) {
		s.respondError(c, nil, http.StatusNotFound)
		return nil, false
	}

	var repo string
	if consumed < len(segments) && s.branches.IsRepoName(account, segments[consumed]) {
		repo = segments[consumed]
		consumed++
	} else {
		repo = s.cfg.HTTP.DefaultRepo[account]
		if repo == "" || !s.branches.IsRepoName(account, repo) {
			s.respondError(c, nil, http.StatusNotFound)
			return nil, false
		}
	}

	var branch string
	if consumed < len(segments) && s.branches.IsPublicBranch(account, repo, segments[consumed]) {
		branch = segments[consumed]
		consumed++
	} else {
		branch = s.branches.GetDefaultPublicBranch(account, repo)
		if branch == "" {
			s.respondError(c, nil, http.StatusNotFound)
			return nil, false
		}
	}

	// The base path is exactly the URL prefix consumed so far; with
	// @account addressing the defaulted repo never appears in it.
	mount := strings.TrimSuffix(s.cfg.HTTP.Mount, "/")
	basePath := mount + "/" + strings.Join(segments[:consumed], "/") + "/"

	trailing := segments[consumed:]
	endpoint := ""
	if len(trailing) > 0 {
		endpoint = trailing[0]
	}

	rctx := &api.RequestContext{
		Account:  account,
		Repo:     repo,
		Branch:   branch,
		Key:      account + "/" + repo + "/" + branch,
		RepoPath: s.branches.RepoPath(account, repo),
		BasePath: basePath,
		Hostname: c.Request.Host,
		Trailing: trailing,
		Secure:   false,
	}
	return &resolved{rctx: rctx, endpoint: endpoint, trailing: trailing}, true
}

// acmInput gathers the request facts ACM derives groups and filters
// from. POST bodies (updates.api) may carry since and cvs form values;
// the handler merges those separately.
func acmInput(c *gin.Context, cvs map[string]string) acm.Input {
	q := c.Request.URL.Query()
	in := acm.Input{
		Authorization:  c.GetHeader("Authorization"),
		AcceptLanguage: c.GetHeader("Accept-Language"),
		CVS:            cvs,
	}
	if patterns, ok := q["filter"]; ok {
		for _, p := range patterns {
			in.FilterPatterns = append(in.FilterPatterns, strings.Split(p, ",")...)
		}
	}
	for _, inc := range q["filter[includes]"] {
		in.FilterIncludes = append(in.FilterIncludes, strings.Split(inc, ",")...)
	}
	for _, exc := range q["filter[excludes]"] {
		in.FilterExcludes = append(in.FilterExcludes, strings.Split(exc, ",")...)
	}
	return in
}
