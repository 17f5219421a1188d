package server

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ohler55/ojg/oj"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/fingerprint"
	"github.com/locomote-sh/server/internal/search"
)

// rowRecord adapts a search row to the record shape ACM filters expect.
func rowRecord(row *search.Row) *api.FileRecord {
	return &api.FileRecord{
		Path:     row.Path,
		Category: row.Category,
		Status:   api.StatusPublished,
	}
}

// handleSearch serves /search.api?s=<term>&m=<mode>&p=<path> as a JSON
// array of result objects. Rows stream from the query artifact; each is
// re-checked against the request's ACM context and the negotiator's
// preferred-representation predicate before being written.
func (s *Server) handleSearch(c *gin.Context, res *resolved) {
	rctx := res.rctx
	if !s.authenticateCtx(c, res, nil) {
		return
	}

	term := c.Query("s")
	mode := c.Query("m")
	path := c.Query("p")

	etag := `"` + fingerprint.OfValue(map[string]any{
		"term": term, "mode": mode, "path": path, "group": rctx.Auth.Group,
	}) + `"`
	if notModified(c, etag) {
		return
	}

	started := time.Now()
	artifact, err := s.query.Run(c.Request.Context(), rctx, term, mode, path)
	if err != nil {
		s.fail(c, rctx, err)
		return
	}
	s.metrics.SearchQueries.Observe(time.Since(started).Seconds())

	f, err := os.Open(artifact)
	if err != nil {
		s.fail(c, rctx, err)
		return
	}
	defer f.Close()

	c.Header("Etag", etag)
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	s.count(c, http.StatusOK)

	// All writes for one response serialize on a response-scoped queue so
	// the array framing survives concurrent record producers.
	queueName := fmt.Sprintf("search-response-%p", c.Writer)
	write := func(data []byte) {
		_, _ = s.queue.Do(queueName, func() (any, error) {
			_, err := c.Writer.Write(data)
			return nil, err
		})
	}

	wrote := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row search.Row
		if err := oj.Unmarshal(line, &row); err != nil {
			continue
		}
		if !rctx.Auth.Accessible[row.Category] {
			continue
		}
		if rctx.Auth.Filter != nil && !rctx.Auth.Filter(rowRecord(&row)) {
			continue
		}
		if !s.negotiator.IsPreferredPath(c.Request.Context(), rctx, c.Request.Header, row.Path) {
			continue
		}

		encoded, err := oj.Marshal(&row, &oj.Options{OmitNil: true})
		if err != nil {
			continue
		}
		if wrote {
			write(append([]byte(","), encoded...))
		} else {
			write(append([]byte("["), encoded...))
			wrote = true
		}
	}
	if wrote {
		write([]byte("]"))
	} else {
		write([]byte("[]"))
	}
}
