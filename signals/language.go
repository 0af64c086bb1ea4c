package signals

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// UnknownLanguage is returned when no language token is found.
const UnknownLanguage = "Unknown"

// subtitleLanguages is scanned in order; the first language whose token
// appears in the URL wins. The order is a plain preference, not a
// confidence ranking.
var subtitleLanguages = []lingua.Language{
	lingua.English,
	lingua.Spanish,
	lingua.French,
	lingua.German,
	lingua.Italian,
	lingua.Portuguese,
	lingua.Russian,
	lingua.Japanese,
	lingua.Korean,
	lingua.Chinese,
	lingua.Arabic,
	lingua.Hindi,
	lingua.Turkish,
	lingua.Dutch,
	lingua.Polish,
	lingua.Swedish,
	lingua.Indonesian,
	lingua.Vietnamese,
	lingua.Thai,
	lingua.Bengali,
	lingua.Tamil,
	lingua.Telugu,
	lingua.Urdu,
	lingua.Persian,
	lingua.Hebrew,
	lingua.Greek,
	lingua.Ukrainian,
	lingua.Romanian,
	lingua.Hungarian,
	lingua.Czech,
	lingua.Malay,
	lingua.Tagalog,
}

// languageEntry is one row of the token table built from lingua metadata.
type languageEntry struct {
	name   string
	tokens []string // lowercased ISO 639-1, ISO 639-3 and English name
}

var languageTable = buildLanguageTable(subtitleLanguages)

func buildLanguageTable(langs []lingua.Language) []languageEntry {
	table := make([]languageEntry, 0, len(langs))
	for _, l := range langs {
		name := l.String()
		table = append(table, languageEntry{
			name: displayName(name),
			tokens: []string{
				strings.ToLower(l.IsoCode639_1().String()),
				strings.ToLower(l.IsoCode639_3().String()),
				strings.ToLower(name),
			},
		})
	}
	return table
}

// displayName turns lingua's upper-case enum names into "English" style.
func displayName(name string) string {
	if name == "" {
		return name
	}
	lower := strings.ToLower(name)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// InferLanguage scans rawURL for a language token in a path segment
// ("/en/"), a filename stem ("_es.", "/en.vtt") or a query parameter
// ("lang=hi") and returns the language's English name, or UnknownLanguage.
func InferLanguage(rawURL string) string {
	lower := strings.ToLower(rawURL)
	for _, entry := range languageTable {
		for _, tok := range entry.tokens {
			if tok == "" {
				continue
			}
			if containsLanguageToken(lower, tok) {
				return entry.name
			}
		}
	}
	return UnknownLanguage
}

// LanguageFromTag maps a BCP 47 style tag or English name ("en", "en-US",
// "eng", "English") to a display name. Unrecognised tags yield
// UnknownLanguage.
func LanguageFromTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return UnknownLanguage
	}
	primary, _, _ := strings.Cut(strings.ReplaceAll(tag, "_", "-"), "-")
	for _, entry := range languageTable {
		for _, tok := range entry.tokens {
			if tok == primary || tok == tag {
				return entry.name
			}
		}
	}
	return UnknownLanguage
}

// containsLanguageToken looks for tok surrounded by URL delimiters.
func containsLanguageToken(lowerURL, tok string) bool {
	patterns := [...]string{
		"/" + tok + "/",
		"/" + tok + ".",
		"_" + tok + ".",
		"-" + tok + ".",
		"." + tok + ".",
		"_" + tok + "/",
		"-" + tok + "/",
		"lang=" + tok,
		"language=" + tok,
		"srclang=" + tok,
		"subtitle=" + tok,
	}
	for _, p := range patterns {
		idx := strings.Index(lowerURL, p)
		if idx < 0 {
			continue
		}
		if strings.HasSuffix(p, tok) {
			// Query values must end at a delimiter: "lang=en" but not "lang=eng".
			end := idx + len(p)
			if end < len(lowerURL) && isTokenChar(lowerURL[end]) {
				continue
			}
		}
		return true
	}
	return false
}

func isTokenChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
