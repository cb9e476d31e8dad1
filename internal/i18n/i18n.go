// Package i18n renders overlay strings from embedded locale catalogs.
// Keys follow a dotted convention: verdict.accept, reason.peak_hour,
// advice.rest_due, level.surge, trend.rising. Lookups fall back to the
// base locale, then to the key itself so a missing translation never
// blanks the overlay.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
	"gopkg.in/yaml.v3"
)

// BaseLocale is the fallback catalog every lookup can land on.
const BaseLocale = "en"

//go:embed locales/*.yaml
var localeFS embed.FS

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Localizer matches driver locales against the loaded catalogs and
// renders messages and money strings.
type Localizer struct {
	tags     []language.Tag
	matcher  language.Matcher
	messages map[string]map[string]string
}

// Load builds a localizer from the embedded catalogs.
func Load() (*Localizer, error) {
	return LoadFromFS(localeFS)
}

// LoadFromFS builds a localizer from locales/*.yaml in the given
// filesystem.
func LoadFromFS(fsys fs.FS) (*Localizer, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locale catalogs: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no locale catalogs found")
	}
	sort.Strings(paths)

	messages := make(map[string]map[string]string, len(paths))
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
		locale := strings.TrimSpace(file.Locale)
		if locale == "" {
			return nil, fmt.Errorf("catalog %s: locale is required", path)
		}
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: bad locale %q: %w", path, locale, err)
		}
		if len(file.Messages) == 0 {
			return nil, fmt.Errorf("catalog %s: messages are required", path)
		}
		if _, dup := messages[tag.String()]; dup {
			return nil, fmt.Errorf("catalog %s: locale %q already loaded", path, locale)
		}
		messages[tag.String()] = file.Messages
	}
	if _, ok := messages[BaseLocale]; !ok {
		return nil, fmt.Errorf("base locale %q is not in the catalogs", BaseLocale)
	}

	// The base locale goes first so the matcher falls back to it.
	tags := []language.Tag{language.MustParse(BaseLocale)}
	locales := make([]string, 0, len(messages))
	for locale := range messages {
		locales = append(locales, locale)
	}
	sort.Strings(locales)
	for _, locale := range locales {
		if locale != BaseLocale {
			tags = append(tags, language.MustParse(locale))
		}
	}

	return &Localizer{
		tags:     tags,
		matcher:  language.NewMatcher(tags),
		messages: messages,
	}, nil
}

// Locales returns the loaded locale identifiers, base first.
func (l *Localizer) Locales() []string {
	out := make([]string, len(l.tags))
	for i, tag := range l.tags {
		out[i] = tag.String()
	}
	return out
}

// Match resolves a driver locale to the closest loaded catalog.
func (l *Localizer) Match(locale string) language.Tag {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	tag, err := language.Parse(locale)
	if err != nil {
		return l.tags[0]
	}
	_, idx, _ := l.matcher.Match(tag)
	return l.tags[idx]
}

// Message returns the translation for key in the closest locale.
func (l *Localizer) Message(locale, key string) string {
	tag := l.Match(locale)
	if msg, ok := l.messages[tag.String()][key]; ok {
		return msg
	}
	if msg, ok := l.messages[BaseLocale][key]; ok {
		return msg
	}
	return key
}

// FormatMoney renders cents in the locale's number convention, e.g.
// "R$ 2,10" for pt-BR and "$2.10" for en.
func (l *Localizer) FormatMoney(locale string, cents int64, currency string) string {
	p := message.NewPrinter(l.Match(locale))
	amount := p.Sprintf("%v", number.Decimal(float64(cents)/100, number.Scale(2)))
	return currencySymbol(currency) + amount
}

// FormatPerKm renders a per-kilometer rate, e.g. "R$ 2,10/km".
func (l *Localizer) FormatPerKm(locale string, cents int64, currency string) string {
	return l.FormatMoney(locale, cents, currency) + "/km"
}

func currencySymbol(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "BRL":
		return "R$ "
	case "USD":
		return "$"
	case "EUR":
		return "€"
	case "":
		return ""
	default:
		return strings.ToUpper(strings.TrimSpace(code)) + " "
	}
}
