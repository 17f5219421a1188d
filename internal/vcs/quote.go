package vcs

import "strings"

// UnquotePath decodes git's C-style quoted path form. Paths containing
// bytes outside the printable-ASCII set are emitted by git double-quoted
// with backslash escapes (\t, \n, \", \\ and \ooo octal). Unquoted input
// is returned unchanged.
func UnquotePath(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	body := s[1 : len(s)-1]
	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := body[i]; e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte(7)
		case 'b':
			b.WriteByte(8)
		case 'f':
			b.WriteByte(12)
		case 'v':
			b.WriteByte(11)
		case '"', '\\':
			b.WriteByte(e)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			// Up to three octal digits.
			v := int(e - '0')
			for n := 0; n < 2 && i+1 < len(body); n++ {
				d := body[i+1]
				if d < '0' || d > '7' {
					break
				}
				v = v*8 + int(d-'0')
				i++
			}
			b.WriteByte(byte(v))
		default:
			b.WriteByte(e)
		}
	}
	return b.String()
}
