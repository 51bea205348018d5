package chat

import (
	"strings"
	"unicode"
)

// scriptRule maps a Unicode script to a language code.
type scriptRule struct {
	lang  string
	table *unicode.RangeTable
}

// Non-Latin scripts checked after kana, in priority order. Kanji next to
// kana is Japanese, so Han only counts as Chinese when no kana was seen.
var scriptRules = []scriptRule{
	{lang: "ko", table: unicode.Hangul},
	{lang: "zh", table: unicode.Han},
	{lang: "ar", table: unicode.Arabic},
	{lang: "hi", table: unicode.Devanagari},
	{lang: "th", table: unicode.Thai},
	{lang: "ru", table: unicode.Cyrillic},
}

// latinRule matches accented characters typical for a language.
type latinRule struct {
	lang  string
	marks string
}

var latinRules = []latinRule{
	{lang: "es", marks: "ñ¿¡"},
	{lang: "pt", marks: "ãõ"},
	{lang: "de", marks: "ßäöü"},
	{lang: "fr", marks: "çœèêàâîôû"},
	{lang: "it", marks: "ìò"},
	// Lone acutes without any of the marks above read as Spanish.
	{lang: "es", marks: "áéíóú"},
}

var dutchWords = map[string]struct{}{
	"het":  {},
	"een":  {},
	"niet": {},
	"ook":  {},
	"maar": {},
}

// DetectLanguage classifies text by Unicode script and accent patterns.
// The result is best effort and defaults to "en".
func DetectLanguage(text string) string {
	if containsScript(text, unicode.Hiragana) || containsScript(text, unicode.Katakana) {
		return "ja"
	}
	for _, rule := range scriptRules {
		if containsScript(text, rule.table) {
			return rule.lang
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range latinRules {
		if strings.ContainsAny(lower, rule.marks) {
			return rule.lang
		}
	}
	if looksDutch(lower) {
		return "nl"
	}
	return "en"
}

func containsScript(text string, table *unicode.RangeTable) bool {
	for _, r := range text {
		if unicode.Is(table, r) {
			return true
		}
	}
	return false
}

func looksDutch(lower string) bool {
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if _, ok := dutchWords[word]; ok || strings.Contains(word, "ij") {
			return true
		}
	}
	return false
}
