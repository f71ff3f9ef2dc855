package reconcile

import (
	"strings"
	"unicode"
)

// FormatCategory turns a Monzo category code into a display name. Custom
// category codes are looked up in replacements first; everything else gets
// underscores swapped for spaces and Title Case ("eating_out" -> "Eating Out").
func FormatCategory(code string, replacements map[string]string) string {
	if name, ok := replacements[code]; ok {
		return name
	}
	return titleWords(strings.ReplaceAll(code, "_", " "))
}

// MapCategory resolves a Monzo category code to a Lunch Money category.
// Unmapped categories fall through with a nil ID so the destination files
// them as uncategorized; mapping never fails.
func MapCategory(code string, replacements map[string]string, categoryIDs map[string]int64) (string, *int64) {
	name := FormatCategory(code, replacements)
	if id, ok := categoryIDs[name]; ok {
		return name, &id
	}
	return name, nil
}

func titleWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true
	for _, r := range s {
		if prevSpace {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		prevSpace = r == ' '
	}
	return b.String()
}
