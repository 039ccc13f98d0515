package resolve

import "strings"

// Invisible characters that show up in transcribed speech payloads,
// written as escapes so no raw zero-width byte sits in the source.
var cleaner = strings.NewReplacer(
	"\u200B", "", // zero-width space
	"\u200C", "", // zero-width non-joiner
	"\u200D", "", // zero-width joiner
	"\uFEFF", "", // byte order mark
	"\u00A0", " ", // non-breaking space
	"\t", " ",
	"\n", " ",
	"\r", " ",
)

// Normalize prepares free text for fuzzy matching: lowercase, trimmed,
// whitespace collapsed, zero-width characters stripped.
func Normalize(s string) string {
	s = cleaner.Replace(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
