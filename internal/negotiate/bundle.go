// Package negotiate indexes a branch's resources by representation
// attributes and picks the best representation for a request. A resource
// is a directory holding one or more index.* files; each file's extension
// components classify as media type, language, encoding or capability
// group.
package negotiate

import (
	"path"
	"regexp"
	"strings"
)

// Wildcard marks an unconstrained attribute level in the bundle tree.
const Wildcard = "*"

// Representation is one concrete file able to satisfy a resource.
type Representation struct {
	Path     string
	Type     string
	Language string
	Encoding string
	Group    string
}

// Key returns the representation's position in the inverted tree.
func (r *Representation) Key() [4]string {
	return [4]string{orWild(r.Type), orWild(r.Language), orWild(r.Encoding), orWild(r.Group)}
}

func orWild(s string) string {
	if s == "" {
		return Wildcard
	}
	return s
}

// Bundle indexes the representations of one resource path.
type Bundle struct {
	// Resource is the parent directory the bundle belongs to.
	Resource string
	reps     map[[4]string]*Representation
	// groups lists declared capability groups in first-seen order; the
	// group resolver honors this order.
	groups []string
}

func newBundle(resource string) *Bundle {
	return &Bundle{Resource: resource, reps: make(map[[4]string]*Representation)}
}

// Add indexes one representation. Besides its concrete key, the rep is
// registered under every wildcard alias of its type, language and
// encoding so that an unconstrained request still resolves. An alias
// goes to the representation with the fewest concrete attributes hidden
// behind it, so index.html answers an unlisted language ahead of
// index.fr.html whatever the listing order; among equally specific
// representations the first registered wins.
// The group dimension is never aliased: a grouped representation is only
// reachable by members of its group.
func (b *Bundle) Add(rep *Representation) {
	key := rep.Key()
	b.reps[key] = rep
	hidden := func(k, alias [4]string) int {
		n := 0
		for i := 0; i < 3; i++ {
			if alias[i] == Wildcard && k[i] != Wildcard {
				n++
			}
		}
		return n
	}
	for mask := 1; mask < 8; mask++ {
		alias := key
		if mask&1 != 0 {
			alias[0] = Wildcard
		}
		if mask&2 != 0 {
			alias[1] = Wildcard
		}
		if mask&4 != 0 {
			alias[2] = Wildcard
		}
		if cur, exists := b.reps[alias]; !exists || hidden(key, alias) < hidden(cur.Key(), alias) {
			b.reps[alias] = rep
		}
	}
	if rep.Group != "" && !contains(b.groups, rep.Group) {
		b.groups = append(b.groups, rep.Group)
	}
}

// Groups returns the declared capability groups in declaration order.
func (b *Bundle) Groups() []string {
	return b.groups
}

// Choose traverses the bundle via the resolver chain. Each level tries
// the caller's candidates in preference order and falls back to the
// wildcard. Returns nil when nothing matches.
func (b *Bundle) Choose(types, langs, encs, groups []string) *Representation {
	for _, t := range withWildcard(types) {
		for _, l := range withWildcard(langs) {
			for _, e := range withWildcard(encs) {
				for _, g := range withWildcard(groups) {
					if rep := b.reps[[4]string{t, l, e, g}]; rep != nil {
						return rep
					}
				}
			}
		}
	}
	return nil
}

func withWildcard(cands []string) []string {
	for _, c := range cands {
		if c == Wildcard {
			return cands
		}
	}
	return append(append([]string{}, cands...), Wildcard)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	mediaTypeRe = regexp.MustCompile(`^(application|audio|font|image|text|video)/\S+$`)
	languageRe  = regexp.MustCompile(`^\w\w$`)
	encodingRe  = regexp.MustCompile(`^(ascii|latin1|iso8859-1|ucs-?2|ucs-?16le|utf-?8|base64|hex|gzip)$`)
)

// mimeTable maps file extensions to media types. Unrecognized extensions
// classify as capability groups.
var mimeTable = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"csv":  "text/csv",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"xml":  "text/xml",
	"js":   "application/javascript",
	"json": "application/json",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"webp": "image/webp",
	"ico":  "image/x-icon",
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"woff": "font/woff",
	"woff2": "font/woff2",
	"ttf":  "font/ttf",
}

// MimeTypeForPath returns the media type for a file path's extension, or
// the empty string when unknown.
func MimeTypeForPath(p string) string {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	return mimeTable[strings.ToLower(ext)]
}

// ParseRepresentation classifies an index.* file into a Representation,
// or returns nil when the basename is not an index file.
func ParseRepresentation(filePath string) *Representation {
	base := path.Base(filePath)
	if !strings.HasPrefix(base, "index.") {
		return nil
	}
	rep := &Representation{Path: filePath}
	for _, part := range strings.Split(base[len("index."):], ".") {
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)
		switch {
		case mediaTypeRe.MatchString(lower):
			rep.Type = lower
		case mimeTable[lower] != "":
			rep.Type = mimeTable[lower]
		case encodingRe.MatchString(lower):
			rep.Encoding = lower
		case languageRe.MatchString(lower):
			rep.Language = lower
		default:
			rep.Group = part
		}
	}
	return rep
}

// GetParentResourcePath strips the index.* filename, yielding the
// resource directory the representation belongs to.
func GetParentResourcePath(filePath string) string {
	dir := path.Dir(filePath)
	if dir == "." {
		return ""
	}
	return dir
}
