package search

import "strings"

// excerptLength bounds the excerpt, in characters.
const excerptLength = 500

// Excerpt returns a window of at most excerptLength characters centered
// on the first occurrence of any term, with every term occurrence inside
// the window wrapped in <em></em>. Matching is case-insensitive. An
// ellipsis marks each end of the window that is not a string boundary.
func Excerpt(content string, terms []string) string {
	if content == "" || len(terms) == 0 {
		return ""
	}
	lower := strings.ToLower(content)

	first := -1
	for _, term := range terms {
		t := strings.ToLower(term)
		if t == "" {
			continue
		}
		if idx := strings.Index(lower, t); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	if first < 0 {
		// No term in the body: lead with the head of the content.
		first = 0
	}

	start := first - excerptLength/2
	if start < 0 {
		start = 0
	}
	end := start + excerptLength
	if end > len(content) {
		end = len(content)
		if start = end - excerptLength; start < 0 {
			start = 0
		}
	}

	excerpt := highlight(content[start:end], terms)
	if start > 0 {
		excerpt = "…" + excerpt
	}
	if end < len(content) {
		excerpt += "…"
	}
	return excerpt
}

// highlight wraps every case-insensitive term occurrence in <em></em>.
func highlight(window string, terms []string) string {
	lower := strings.ToLower(window)
	// Collect match ranges over all terms, then emit left to right,
	// skipping overlaps.
	type span struct{ start, end int }
	var spans []span
	for _, term := range terms {
		t := strings.ToLower(term)
		if t == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(lower[from:], t)
			if idx < 0 {
				break
			}
			start := from + idx
			spans = append(spans, span{start, start + len(t)})
			from = start + len(t)
		}
	}
	if len(spans) == 0 {
		return window
	}
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		if s.start < pos {
			continue
		}
		b.WriteString(window[pos:s.start])
		b.WriteString("<em>")
		b.WriteString(window[s.start:s.end])
		b.WriteString("</em>")
		pos = s.end
	}
	b.WriteString(window[pos:])
	return b.String()
}
