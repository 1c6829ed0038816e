package textutil

import "strings"

// PathSegment converts an identifier such as a plant barcode into a single
// directory name. Case is preserved because barcodes are case sensitive.
// Letters, digits, hyphens, underscores and inner dots are kept; everything
// else becomes an underscore. Returns "unknown" for empty input.
func PathSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-.")
	if out == "" {
		return "unknown"
	}
	return out
}
