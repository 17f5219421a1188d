package fileset

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/locomote-sh/server/api"
)

// parsePage extracts the title and meta fields from an HTML document.
func parsePage(data []byte) (*api.Page, error) {
	page := &api.Page{Type: "html"}
	z := html.NewTokenizer(bytes.NewReader(data))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return page, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "meta":
				var metaName, metaContent string
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					switch string(key) {
					case "name", "property":
						metaName = string(val)
					case "content":
						metaContent = string(val)
					}
				}
				if metaName != "" {
					if page.Meta == nil {
						page.Meta = make(map[string]string)
					}
					page.Meta[metaName] = metaContent
				}
			case "body":
				// Title and meta live in the head; stop early.
				return page, nil
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = false
			}
		case html.TextToken:
			if inTitle {
				page.Title += strings.TrimSpace(string(z.Text()))
			}
		}
	}
}

// relocatedAttrs are the URL attributes rewritten by RelocateHTML.
var relocatedAttrs = map[string]bool{"src": true, "href": true}

// RelocateHTML copies an HTML byte stream from r to w, prepending basePath
// to every absolute src and href URL. The rewrite is token-streaming; the
// document is never buffered whole.
func RelocateHTML(w io.Writer, r io.Reader, basePath string) error {
	if basePath == "" || basePath == "/" {
		_, err := io.Copy(w, r)
		return err
	}
	prefix := strings.TrimSuffix(basePath, "/")

	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return nil
			}
			return z.Err()
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			changed := false
			for i, attr := range tok.Attr {
				if relocatedAttrs[attr.Key] && strings.HasPrefix(attr.Val, "/") && !strings.HasPrefix(attr.Val, "//") {
					tok.Attr[i].Val = prefix + attr.Val
					changed = true
				}
			}
			var err error
			if changed {
				_, err = io.WriteString(w, tok.String())
			} else {
				_, err = w.Write(z.Raw())
			}
			if err != nil {
				return err
			}
		default:
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}
		}
	}
}

// skippedTextParents are elements whose text content is not page text.
var skippedTextParents = map[string]bool{"script": true, "style": true}

// ExtractText strips tags from an HTML document, yielding the searchable
// text with single-space separators.
func ExtractText(data []byte) string {
	var b strings.Builder
	z := html.NewTokenizer(bytes.NewReader(data))
	skip := ""
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedTextParents[string(name)] {
				skip = string(name)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skip != "" && string(name) == skip {
				skip = ""
			}
		case html.TextToken:
			if skip == "" {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}
