package acm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/fingerprint"
	"github.com/locomote-sh/server/internal/glob"
	"github.com/locomote-sh/server/internal/locoerr"
)

// Input carries the request facts the ACM engine derives groups and
// filters from. The HTTP layer populates it; POST bodies contribute the
// CVS map.
type Input struct {
	Authorization  string
	AcceptLanguage string
	// FilterPatterns is the flat filter=<patterns> query form.
	FilterPatterns []string
	// FilterIncludes / FilterExcludes is the structured form.
	FilterIncludes []string
	FilterExcludes []string
	// CVS is the client-visible-set: file id → version.
	CVS map[string]string
}

var localeRe = regexp.MustCompile(`^\w\w([_-]\w\w)?$`)

// deriveLocaleGroup extracts the Accept-Language group, when the header
// carries a plain locale tag.
func deriveLocaleGroup(acceptLanguage string) string {
	tag := acceptLanguage
	if i := strings.IndexAny(tag, ",;"); i >= 0 {
		tag = tag[:i]
	}
	tag = strings.TrimSpace(tag)
	if tag == "" || !localeRe.MatchString(tag) {
		return ""
	}
	return "Accept-Language:" + strings.ReplaceAll(tag, "-", "_")
}

// deriveFilter builds the request's record filter and its groups.
func deriveFilter(in Input) (func(*api.FileRecord) bool, []string, error) {
	identity := func(*api.FileRecord) bool { return true }
	var filters []func(*api.FileRecord) bool
	var groups []string

	includes := in.FilterIncludes
	excludes := in.FilterExcludes
	if len(in.FilterPatterns) > 0 {
		includes = append(includes, in.FilterPatterns...)
	}
	if len(includes) > 0 || len(excludes) > 0 {
		matcher, err := glob.CompileComplement(includes, excludes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", locoerr.ErrBadRequest, err)
		}
		filters = append(filters, func(rec *api.FileRecord) bool {
			return matcher.Matches(rec.Path)
		})
		canonical := map[string]any{"includes": includes, "excludes": excludes}
		groups = append(groups, fingerprint.OfValue(canonical))
	}

	if in.CVS != nil {
		cvs := in.CVS
		filters = append(filters, func(rec *api.FileRecord) bool {
			version, had := cvs[rec.Path]
			if rec.Status == api.StatusDeleted {
				return had
			}
			if !had {
				return true
			}
			return version != rec.Commit
		})
		groups = append(groups, "CVS:"+fingerprint.OfValue(cvs))
	}

	if len(filters) == 0 {
		return identity, groups, nil
	}
	return func(rec *api.FileRecord) bool {
		for _, f := range filters {
			if !f(rec) {
				return false
			}
		}
		return true
	}, groups, nil
}
