// Package langcode normalizes lesson language tags to the ISO-639-1 codes
// the speech capabilities expect.
package langcode

import (
	"fmt"
	"strings"

	"github.com/lingvo-space/core/internal/pkg/apperr"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// supported lists the languages lessons can be held in, with the regional
// locale used by locale-sensitive providers.
var supported = map[string]string{
	"en": "en-US",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
	"it": "it-IT",
	"pt": "pt-BR",
	"zh": "zh-CN",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"ru": "ru-RU",
	"ar": "ar-SA",
	"nl": "nl-NL",
}

var aliases = map[string]string{
	"mandarin":  "zh",
	"castilian": "es",
}

var byName = func() map[string]string {
	names := make(map[string]string, len(supported)*2+len(aliases))
	english := display.English.Languages()
	for code := range supported {
		tag := language.MustParse(code)
		if n := strings.ToLower(english.Name(tag)); n != "" {
			names[n] = code
		}
		if n := strings.ToLower(display.Self.Name(tag)); n != "" {
			names[n] = code
		}
	}
	for alias, code := range aliases {
		names[alias] = code
	}
	return names
}()

// Normalize accepts a human-readable language name ("Spanish", "español") or a
// BCP 47 / ISO-639-1 tag ("es", "es-MX") and returns the two-letter code.
func Normalize(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", fmt.Errorf("%w: empty", apperr.ErrUnsupportedLanguage)
	}
	if code, ok := byName[v]; ok {
		return code, nil
	}
	tag, err := language.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: %q", apperr.ErrUnsupportedLanguage, raw)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", fmt.Errorf("%w: %q", apperr.ErrUnsupportedLanguage, raw)
	}
	code := base.String()
	if _, ok := supported[code]; !ok {
		return "", fmt.Errorf("%w: %q", apperr.ErrUnsupportedLanguage, raw)
	}
	return code, nil
}

// Locale returns the regional locale for a language, e.g. "es" -> "es-ES".
func Locale(raw string) (string, error) {
	code, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return supported[code], nil
}

// Supported reports whether raw normalizes to a supported language.
func Supported(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Name returns the English name of a language, or raw unchanged when it is
// not supported.
func Name(raw string) string {
	code, err := Normalize(raw)
	if err != nil {
		return raw
	}
	return display.English.Languages().Name(language.MustParse(code))
}
