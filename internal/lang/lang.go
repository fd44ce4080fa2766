// SPDX-License-Identifier: MIT

// Package lang implements cross-standard language tag matching.
//
// Media containers carry language tags in a mix of ISO 639-1 (two letter),
// ISO 639-2/T and ISO 639-2/B (three letter) forms. Matching is bidirectional
// and alias-aware: "ger", "deu" and "de" all identify German.
package lang

import "strings"

// aliasGroups lists the equivalence classes for languages whose 639-1,
// 639-2/T and 639-2/B forms differ. The first entry is the canonical
// (639-2/T) form.
var aliasGroups = [][]string{
	{"alb", "sqi", "sq"},
	{"arm", "hye", "hy"},
	{"baq", "eus", "eu"},
	{"bur", "mya", "my"},
	{"chi", "zho", "zh"},
	{"cze", "ces", "cs"},
	{"dut", "nld", "nl"},
	{"fre", "fra", "fr"},
	{"geo", "kat", "ka"},
	{"ger", "deu", "de"},
	{"gre", "ell", "el"},
	{"ice", "isl", "is"},
	{"mac", "mkd", "mk"},
	{"mao", "mri", "mi"},
	{"may", "msa", "ms"},
	{"per", "fas", "fa"},
	{"rum", "ron", "ro"},
	{"slo", "slk", "sk"},
	{"tib", "bod", "bo"},
	{"wel", "cym", "cy"},
}

// twoLetter maps common ISO 639-1 codes to their 639-2 form for languages
// where the three-letter forms agree across T and B.
var twoLetter = map[string]string{
	"aa": "aar", "ab": "abk", "af": "afr", "am": "amh", "ar": "ara",
	"as": "asm", "az": "aze", "be": "bel", "bg": "bul", "bn": "ben",
	"bs": "bos", "ca": "cat", "da": "dan", "en": "eng", "eo": "epo",
	"es": "spa", "et": "est", "fi": "fin", "fj": "fij", "gl": "glg",
	"gu": "guj", "he": "heb", "hi": "hin", "hr": "hrv", "hu": "hun",
	"id": "ind", "it": "ita", "ja": "jpn", "jv": "jav", "kk": "kaz",
	"km": "khm", "kn": "kan", "ko": "kor", "ku": "kur", "ky": "kir",
	"la": "lat", "lb": "ltz", "lt": "lit", "lv": "lav", "ml": "mal",
	"mn": "mon", "mr": "mar", "mt": "mlt", "ne": "nep", "no": "nor",
	"nb": "nob", "nn": "nno", "pa": "pan", "pl": "pol", "ps": "pus",
	"pt": "por", "ru": "rus", "sd": "snd", "si": "sin", "sl": "slv",
	"so": "som", "sr": "srp", "sv": "swe", "sw": "swa", "ta": "tam",
	"te": "tel", "th": "tha", "tl": "tgl", "tr": "tur", "uk": "ukr",
	"ur": "urd", "uz": "uzb", "vi": "vie", "yi": "yid",
}

var canonical map[string]string

func init() {
	canonical = make(map[string]string, len(twoLetter)+len(aliasGroups)*3)
	for two, three := range twoLetter {
		canonical[two] = three
		canonical[three] = three
	}
	for _, group := range aliasGroups {
		for _, code := range group {
			canonical[code] = group[0]
		}
	}
}

// Canonical reduces a language tag to its canonical three-letter form.
// Unknown tags are returned lowercased and trimmed so that exact matching
// still works for tags outside the table.
func Canonical(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	// Strip region subtags such as "pt-BR" before lookup.
	if i := strings.IndexAny(c, "-_"); i > 0 {
		c = c[:i]
	}
	if mapped, ok := canonical[c]; ok {
		return mapped
	}
	return c
}

// Match reports whether two language tags identify the same language,
// across ISO 639-1/2T/2B spellings.
func Match(a, b string) bool {
	ca, cb := Canonical(a), Canonical(b)
	if ca == "" || cb == "" {
		return false
	}
	return ca == cb
}

// MatchAny reports whether code matches any entry of the list.
func MatchAny(code string, list []string) bool {
	for _, want := range list {
		if Match(code, want) {
			return true
		}
	}
	return false
}

// IsUndetermined reports whether a tag carries no language information.
func IsUndetermined(code string) bool {
	switch Canonical(code) {
	case "", "und", "zxx", "mis", "mul":
		return true
	}
	return false
}
