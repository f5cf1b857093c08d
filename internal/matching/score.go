package matching

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
	"github.com/zombor/expense-agent/internal/extraction"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var merchantSanitize = regexp.MustCompile(`[^a-z0-9]+`)

// minPartialLen is the shortest name compared by substring window; shorter
// names are compared whole so "a" does not match every merchant
const minPartialLen = 3

// NormalizeMerchant lowercases, strips accents and turns every run of
// non-alphanumerics into one space
func NormalizeMerchant(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = merchantSanitize.ReplaceAllString(strings.ToLower(folded), " ")
	return strings.TrimSpace(folded)
}

// MerchantScore is the partial Levenshtein similarity of the normalized
// names: the shorter name is slid over the longer one and the best window
// scores 1 - distance/len(shorter). Missing names score 0.
func MerchantScore(a, b string) float64 {
	na, nb := []rune(NormalizeMerchant(a)), []rune(NormalizeMerchant(b))
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	if string(na) == string(nb) {
		return 1
	}

	short, long := na, nb
	if len(short) > len(long) {
		short, long = long, short
	}

	if len(short) < minPartialLen {
		d := levenshtein.ComputeDistance(string(short), string(long))
		return clamp01(1 - float64(d)/float64(len(long)))
	}

	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		d := levenshtein.ComputeDistance(s, string(long[i:i+len(short)]))
		if sim := 1 - float64(d)/float64(len(short)); sim > best {
			best = sim
			if best == 1 {
				break
			}
		}
	}
	return clamp01(best)
}

// AmountScore is 1 for equal amounts and falls linearly to 0 at the
// tolerance, which is the larger of absTol and pctTol times the larger
// magnitude. A missing amount scores 0.
func AmountScore(a, b *decimal.Decimal, absTol, pctTol decimal.Decimal) float64 {
	if a == nil || b == nil {
		return 0
	}
	diff := a.Sub(*b).Abs()
	if diff.IsZero() {
		return 1
	}

	tol := decimal.Max(a.Abs(), b.Abs()).Mul(pctTol)
	if absTol.GreaterThan(tol) {
		tol = absTol
	}
	if !tol.IsPositive() || diff.GreaterThanOrEqual(tol) {
		return 0
	}
	score, _ := decimal.NewFromInt(1).Sub(diff.Div(tol)).Float64()
	return clamp01(score)
}

// dateSteps maps a day offset to its score; offsets of 3 or more score 0
var dateSteps = [...]float64{1, 0.6, 0.3}

// DateStep scores a day offset: 0 -> 1, 1 -> 0.6, 2 -> 0.3, otherwise 0
func DateStep(days int) float64 {
	if days < 0 {
		days = -days
	}
	if days >= len(dateSteps) {
		return 0
	}
	return dateSteps[days]
}

// DateScore compares a candidate date with the receipt. A service period
// takes precedence: dates inside it score 1 and dates outside use the
// distance to the nearest edge.
func DateScore(date *extraction.Date, period *extraction.Period, candidate extraction.Date) float64 {
	if candidate.IsZero() {
		return 0
	}
	if period != nil && !period.End.Before(period.Start) {
		switch {
		case period.Contains(candidate):
			return 1
		case candidate.Before(period.Start):
			return DateStep(candidate.DaysUntil(period.Start))
		default:
			return DateStep(period.End.DaysUntil(candidate))
		}
	}
	if date == nil {
		return 0
	}
	return DateStep(date.DaysUntil(candidate))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// round4 keeps composite scores free of float noise so ties compare equal
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
