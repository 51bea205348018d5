package translate

import (
	"strings"
	"unicode"
)

// fallbackPhrases holds translations of common short phrases, served when the
// upstream API cannot be reached.
var fallbackPhrases = map[string]map[string]string{
	"hello": {
		"es": "hola", "fr": "bonjour", "de": "hallo", "it": "ciao", "pt": "olá",
		"nl": "hallo", "ja": "こんにちは", "ko": "안녕하세요", "zh": "你好",
		"ru": "привет", "ar": "مرحبا", "hi": "नमस्ते", "th": "สวัสดี",
	},
	"thank you": {
		"es": "gracias", "fr": "merci", "de": "danke", "it": "grazie", "pt": "obrigado",
		"nl": "dank je", "ja": "ありがとう", "ko": "감사합니다", "zh": "谢谢",
		"ru": "спасибо", "ar": "شكرا", "hi": "धन्यवाद", "th": "ขอบคุณ",
	},
	"good morning": {
		"es": "buenos días", "fr": "bonjour", "de": "guten Morgen", "it": "buongiorno",
		"pt": "bom dia", "nl": "goedemorgen", "ja": "おはようございます", "ko": "좋은 아침",
		"zh": "早上好", "ru": "доброе утро",
	},
	"goodbye": {
		"es": "adiós", "fr": "au revoir", "de": "auf Wiedersehen", "it": "arrivederci",
		"pt": "adeus", "nl": "tot ziens", "ja": "さようなら", "ko": "안녕히 가세요",
		"zh": "再见", "ru": "до свидания",
	},
	"yes": {
		"es": "sí", "fr": "oui", "de": "ja", "it": "sì", "pt": "sim", "nl": "ja",
		"ja": "はい", "ko": "네", "zh": "是", "ru": "да",
	},
	"no": {
		"es": "no", "fr": "non", "de": "nein", "it": "no", "pt": "não", "nl": "nee",
		"ja": "いいえ", "ko": "아니요", "zh": "不", "ru": "нет",
	},
}

// lookupFallback finds an English phrase in the dictionary, ignoring case and
// surrounding punctuation.
func lookupFallback(text, target string) (string, bool) {
	key := strings.ToLower(strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}))
	byLang, ok := fallbackPhrases[key]
	if !ok {
		return "", false
	}
	translated, ok := byLang[target]
	return translated, ok
}
