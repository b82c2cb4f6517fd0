package export

import "strings"

// SanitizeName strips characters that are unsafe in filenames across
// platforms and caps the result at maxLen bytes, preserving the extension
// when one is present.
func SanitizeName(name string, maxLen int) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "export.mp4"
	}
	if maxLen > 0 && len(s) > maxLen {
		ext := ""
		if i := strings.LastIndexByte(s, '.'); i > 0 {
			ext = s[i:]
		}
		keep := maxLen - len(ext)
		if keep < 1 {
			keep = 1
		}
		s = s[:keep] + ext
	}
	return s
}
