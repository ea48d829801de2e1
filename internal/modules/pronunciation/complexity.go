package pronunciation

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/lingvo-space/core/internal/pkg/langcode"
	"golang.org/x/text/unicode/norm"
)

// Constructs that learners of each language commonly struggle with.
var phoneticPatterns = map[string][]*regexp.Regexp{
	"en": compile(`th`, `ough|augh`, `^wh`, `(tion|sion)$`, `[^aeiou]r[^aeiou]`, `^(str|spr|scr|spl)`),
	"es": compile(`rr`, `ñ`, `^r`, `j|g[ei]`, `ll`, `[gq]u[eiéí]`),
	"fr": compile(`[aeiou][nm]($|[^aeiouy])`, `eu|œu?`, `r`, `gn`, `ill`, `[^o]u[^aeiou]`),
	"de": compile(`ch`, `[äöü]`, `sch`, `pf`, `z`, `r$`),
	"it": compile(`gli|gn`, `(bb|cc|dd|ff|gg|ll|mm|nn|pp|rr|ss|tt|zz)`, `sc[ei]`, `^r|rr`),
	"pt": compile(`[ãõ]`, `lh|nh`, `rr|^r`, `ção|ções`, `[aeo]m$`),
	"nl": compile(`g|ch`, `ui|eu|ij`, `sch`, `oe`),
	"ru": compile(`[ыщ]`, `[ьъ]`, `р`, `[жшчц]`, `[бвгдзклмнпрстфх]{3,}`),
	"zh": compile(`[āáǎàēéěèīíǐìōóǒòūúǔùǖǘǚǜ]`, `zh|ch|sh`, `^[xq]`, `ü`),
	"ja": compile(`ー`, `[っッ]`, `[ゃゅょャュョ]`, `ん|ン`),
	// Korean jamo patterns match the NFD form of precomposed syllables.
	"ko": compile(
		`[\x{1101}\x{1104}\x{1108}\x{110A}\x{110D}]`, // tense initials
		`[었았겠]`,
		`[\x{11AA}\x{11AC}\x{11AD}\x{11B0}-\x{11B6}\x{11B9}]`, // double finals
		`\x{1174}`, // ui diphthong
	),
	"ar": compile(`[عغ]`, `[حخ]`, `ق`, `[ضطظص]`),
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// lengthThresholds returns the letter counts worth 1, 2 and 3 points for a
// CEFR level. Beginners find shorter words hard, advanced learners longer.
func lengthThresholds(level string) [3]float64 {
	scale := 1.0
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "A1", "A2":
		scale = 0.8
	case "C1", "C2":
		scale = 1.2
	}
	return [3]float64{4 * scale, 7 * scale, 10 * scale}
}

func lengthPoints(letters int, th [3]float64) float64 {
	n := float64(letters)
	switch {
	case n >= th[2]:
		return 3
	case n >= th[1]:
		return 2
	case n >= th[0]:
		return 1
	}
	return 0
}

const vowels = "aeiouyáéíóúàèìòùâêîôûäëïöüãõåæœøāēīōūǎěǐǒǔǖǘǚǜаеёиоуыэюя"

// syllables estimates syllables by counting vowel clusters. Each CJK or
// Hangul character counts as one.
func syllables(word string) int {
	count := 0
	inCluster := false
	for _, r := range word {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			count++
			inCluster = false
			continue
		}
		if strings.ContainsRune(vowels, r) {
			if !inCluster {
				count++
			}
			inCluster = true
			continue
		}
		inCluster = false
	}
	return count
}

func syllablePoints(n int) float64 {
	switch {
	case n >= 4:
		return 3
	case n == 3:
		return 2
	case n == 2:
		return 1
	}
	return 0
}

// decomposed lists languages whose patterns also run against the NFD form.
var decomposed = map[string]bool{"ko": true}

func phoneticPoints(word, language string) float64 {
	nfd := word
	if decomposed[language] {
		nfd = norm.NFD.String(word)
	}
	hits := 0
	for _, re := range phoneticPatterns[language] {
		if re.MatchString(word) || re.MatchString(nfd) {
			hits++
			if hits == 2 {
				break
			}
		}
	}
	return float64(hits)
}

// Score is the mean per-word complexity of text, between 0 and 8. language
// may be a code or a name; unsupported languages score no phonetic points.
func Score(text, language, level string) float64 {
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}
	if code, err := langcode.Normalize(language); err == nil {
		language = code
	}
	th := lengthThresholds(level)
	total := 0.0
	for _, w := range words {
		letters := 0
		for range w {
			letters++
		}
		total += lengthPoints(letters, th) + syllablePoints(syllables(w)) + phoneticPoints(w, language)
	}
	return total / float64(len(words))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsMark(r) && r != '\'' && r != 'ー'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "'"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
