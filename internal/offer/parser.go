package offer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/farepilot/farepilot/internal/errors"
)

// ErrNoOffer is returned when the captured text does not contain a
// recognizable offer. It is expected and frequent: most screens are chrome,
// maps, or menus.
var ErrNoOffer = errors.New(errors.CodeOfferNotRecognized, "no recognizable offer in text")

var (
	moneyPattern    = regexp.MustCompile(`(R\$|US\$|\$)\s*(\d+(?:[.,]\d{3})*(?:[.,]\d{1,2})?)`)
	distancePattern = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(km|mi)\b`)
	durationPattern = regexp.MustCompile(`(?i)\b(\d+)\s*min(?:utos|s)?\b`)
	ratingPattern   = regexp.MustCompile(`(?:★|⭐)\s*(\d[.,]\d{1,2})|(\d[.,]\d{1,2})\s*(?:★|⭐)`)
	surgePattern    = regexp.MustCompile(`(?i)\b\d+[.,]\d+\s*[x×]`)
)

var surgeMarkers = []string{"surge", "dinâmic", "dynamic", "boost", "prioridade", "priority"}

var bonusMarkers = []string{"bônus", "bonus", "promo", "extra", "incentiv"}

// categoryAlias maps a platform spelling onto a normalized category. More
// specific aliases must come before their substrings.
type categoryAlias struct {
	alias    string
	category string
}

// platformProfile describes how one partner app renders offer cards.
type platformProfile struct {
	platform string

	// dollarCurrency resolves a bare "$" symbol. "R$" is always BRL.
	dollarCurrency string

	// tripOptional marks platforms that hide the trip distance until the
	// offer is accepted. For those a card with a single distance is
	// still a valid offer.
	tripOptional bool

	aliases []categoryAlias
}

var genericProfile = platformProfile{
	platform:       "unknown",
	dollarCurrency: "USD",
	tripOptional:   true,
	aliases: []categoryAlias{
		{"comfort", CategoryComfort},
		{"black", CategoryBlack},
		{"moto", CategoryMoto},
		{"taxi", CategoryTaxi},
	},
}

func defaultProfiles() map[string]platformProfile {
	return map[string]platformProfile{
		"uber": {
			platform:       "uber",
			dollarCurrency: "USD",
			aliases: []categoryAlias{
				{"uber black", CategoryBlack},
				{"black", CategoryBlack},
				{"comfort", CategoryComfort},
				{"uberx", CategoryUberX},
				{"uber x", CategoryUberX},
				{"moto", CategoryMoto},
				{"flash", CategoryFlash},
			},
		},
		"99": {
			platform:       "99",
			dollarCurrency: "BRL",
			aliases: []categoryAlias{
				{"99pop", CategoryPop},
				{"pop", CategoryPop},
				{"99moto", CategoryMoto},
				{"moto", CategoryMoto},
				{"comfort", CategoryComfort},
				{"taxi", CategoryTaxi},
			},
		},
		"indrive": {
			platform:       "indrive",
			dollarCurrency: "USD",
			tripOptional:   true,
			aliases: []categoryAlias{
				{"econ", CategoryEconomy},
				{"comfort", CategoryComfort},
				{"moto", CategoryMoto},
			},
		},
	}
}

// Parser extracts offers from flattened screen text using per-platform
// profiles.
type Parser struct {
	profiles map[string]platformProfile
}

// NewParser creates a parser with the built-in platform profiles.
func NewParser() *Parser {
	return &Parser{profiles: defaultProfiles()}
}

// Parse extracts at most one offer from the captured text. It returns
// ErrNoOffer when the text has no fare or no distance, and a malformed-offer
// error when the card looks like an offer but a mandatory field is broken.
func (p *Parser) Parse(appID, text string, observedAt time.Time) (Offer, error) {
	prof := p.profileFor(appID)
	lower := strings.ToLower(text)

	amounts := moneyPattern.FindAllStringSubmatch(text, -1)
	distances := distancePattern.FindAllStringSubmatch(text, -1)
	if len(amounts) == 0 || len(distances) == 0 {
		return Offer{}, ErrNoOffer
	}

	fare, currency, rest, err := splitFare(amounts, prof)
	if err != nil {
		return Offer{}, err
	}
	if fare <= 0 {
		return Offer{}, errors.New(errors.CodeOfferMalformed, "fare must be positive")
	}

	pickupKm, tripKm, err := splitDistances(distances)
	if err != nil {
		return Offer{}, err
	}
	if tripKm == 0 && !prof.tripOptional {
		return Offer{}, errors.Newf(errors.CodeOfferMalformed, "platform %s requires a trip distance", prof.platform)
	}

	o := Offer{
		ID:         uuid.NewString(),
		Platform:   prof.platform,
		Category:   categoryOf(lower, prof),
		FareCents:  fare,
		Currency:   currency,
		TripKm:     tripKm,
		PickupKm:   pickupKm,
		SurgeSeen:  surgeSeen(lower, text),
		ObservedAt: observedAt,
		RawText:    truncateText(text, MaxRawTextLen),
	}
	o.PickupMin, o.TripMin = splitDurations(text)
	o.PassengerRating = parseRating(text)
	if hasAnyMarker(lower, bonusMarkers) {
		for _, cents := range rest {
			o.BonusCents += cents
		}
	}
	o.Fingerprint = Fingerprint(o)
	return o, nil
}

func (p *Parser) profileFor(appID string) platformProfile {
	id := strings.ToLower(strings.TrimSpace(appID))
	if prof, ok := p.profiles[id]; ok {
		return prof
	}
	for key, prof := range p.profiles {
		if strings.Contains(id, key) {
			return prof
		}
	}
	return genericProfile
}

// splitFare picks the largest amount on the card as the fare and returns the
// remaining amounts as bonus candidates.
func splitFare(amounts [][]string, prof platformProfile) (fare int64, currency string, rest []int64, err error) {
	for _, m := range amounts {
		cents, perr := parseMoneyCents(m[2])
		if perr != nil {
			return 0, "", nil, errors.Wrapf(perr, errors.CodeOfferMalformed, "bad amount %q", m[0])
		}
		if cents > fare {
			if fare > 0 {
				rest = append(rest, fare)
			}
			fare = cents
			currency = currencyFor(m[1], prof)
		} else {
			rest = append(rest, cents)
		}
	}
	return fare, currency, rest, nil
}

// splitDistances assigns card distances in render order: pickup first, trip
// second. A single distance is the pickup; the trip stays unknown.
func splitDistances(matches [][]string) (pickupKm, tripKm float64, err error) {
	kms := make([]float64, 0, len(matches))
	for _, m := range matches {
		val, perr := parseDecimal(m[1])
		if perr != nil {
			return 0, 0, errors.Wrapf(perr, errors.CodeOfferMalformed, "bad distance %q", m[0])
		}
		if strings.EqualFold(m[2], "mi") {
			val *= KmPerMile
		}
		kms = append(kms, val)
	}
	pickupKm = kms[0]
	if len(kms) > 1 {
		tripKm = kms[1]
	}
	return pickupKm, tripKm, nil
}

// splitDurations assigns card durations in render order, mirroring
// splitDistances.
func splitDurations(text string) (pickupMin, tripMin int) {
	matches := durationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		pickupMin, _ = strconv.Atoi(matches[0][1])
	}
	if len(matches) > 1 {
		tripMin, _ = strconv.Atoi(matches[1][1])
	}
	return pickupMin, tripMin
}

func categoryOf(lower string, prof platformProfile) string {
	for _, a := range prof.aliases {
		if strings.Contains(lower, a.alias) {
			return a.category
		}
	}
	return CategoryUnknown
}

func parseRating(text string) float64 {
	m := ratingPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	rating, err := parseDecimal(raw)
	if err != nil || rating > 5 {
		return 0
	}
	return rating
}

func surgeSeen(lower, text string) bool {
	return hasAnyMarker(lower, surgeMarkers) || surgePattern.MatchString(text)
}

func hasAnyMarker(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func currencyFor(symbol string, prof platformProfile) string {
	switch symbol {
	case "R$":
		return "BRL"
	case "US$":
		return "USD"
	default:
		return prof.dollarCurrency
	}
}

// parseMoneyCents converts a matched amount to integer cents, handling both
// decimal-comma ("1.234,56") and decimal-point ("1,234.56") conventions. A
// single separator followed by exactly three digits is a thousands
// separator.
func parseMoneyCents(raw string) (int64, error) {
	s := strings.ReplaceAll(raw, " ", "")
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	var sep int
	switch {
	case lastDot >= 0 && lastComma >= 0:
		sep = max(lastDot, lastComma)
	case lastDot >= 0 && len(s)-lastDot-1 != 3:
		sep = lastDot
	case lastComma >= 0 && len(s)-lastComma-1 != 3:
		sep = lastComma
	default:
		sep = -1
	}

	intPart, fracPart := s, ""
	if sep >= 0 {
		intPart, fracPart = s[:sep], s[sep+1:]
	}
	intPart = stripNonDigits(intPart)
	if intPart == "" {
		intPart = "0"
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, err
	}
	cents := units * 100
	switch len(fracPart) {
	case 0:
	case 1:
		d, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, err
		}
		cents += d * 10
	default:
		d, err := strconv.ParseInt(fracPart[:2], 10, 64)
		if err != nil {
			return 0, err
		}
		cents += d
	}
	return cents, nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseDecimal(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

func truncateText(s string, maxRunes int) string {
	if len(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
