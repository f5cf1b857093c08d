package scanning

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	isoDateToken = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})[-_.]?(0[1-9]|1[0-2])[-_.]?(0[1-9]|[12]\d|3[01])(?:[^0-9]|$)`)
	dmyDateToken = regexp.MustCompile(`(?:^|[^0-9])(0[1-9]|[12]\d|3[01])[-_.](0[1-9]|1[0-2])[-_.]((?:19|20)\d{2})(?:[^0-9]|$)`)
	// amounts need cents or a currency marker so counters like "scan_003" are not read as totals
	decimalAmountToken  = regexp.MustCompile(`(?:^|[^0-9])(\d{1,6}[.,]\d{2})(?:[^0-9]|$)`)
	currencyAmountToken = regexp.MustCompile(`(?:\$|usd|eur|gbp|chf)[-_ ]?(\d{1,6})(?:[^0-9]|$)|(?:^|[^0-9])(\d{1,6})[-_ ]?(?:usd|eur|gbp|chf)`)
	wordToken           = regexp.MustCompile(`[a-z][a-z&']+`)
)

var genericFilenameWords = map[string]bool{
	"receipt": true, "receipts": true, "invoice": true, "invoices": true, "bill": true,
	"scan": true, "scanned": true, "img": true, "image": true, "photo": true, "pic": true,
	"document": true, "doc": true, "pdf": true, "copy": true, "page": true, "final": true,
	"statement": true, "total": true, "amount": true, "usd": true, "eur": true, "gbp": true,
	"chf": true, "jpg": true, "jpeg": true, "png": true, "heic": true, "screenshot": true,
	"whatsapp": true, "at": true, "of": true, "the": true, "and": true, "for": true,
}

// Heuristic derives best-effort fields from the filename alone. It never
// makes a network call and never fails.
type Heuristic struct{}

func (Heuristic) Backend() Backend {
	return BackendHeuristic
}

// Analyze always returns a payload, possibly with no fields at all
func (h Heuristic) Analyze(_ context.Context, doc Document) (*Payload, error) {
	fields := GuessFromFilename(doc.Filename)
	raw := map[string]any{"filename": doc.Filename}
	for k, v := range fields {
		raw[k] = v
	}
	return &Payload{Backend: BackendHeuristic, Fields: raw, Attempts: 0}, nil
}

// GuessFromFilename returns the merchant, date and amount tokens found in a
// filename. Keys are omitted when nothing plausible is found.
func GuessFromFilename(filename string) map[string]any {
	fields := map[string]any{}

	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == "/" {
		return fields
	}

	rest := name
	if date, span, ok := findDate(name); ok {
		fields["date"] = date
		rest = name[:span[0]] + " " + name[span[1]:]
	}

	if m := decimalAmountToken.FindStringSubmatchIndex(rest); m != nil {
		fields["amount"] = strings.ReplaceAll(rest[m[2]:m[3]], ",", ".")
		rest = rest[:m[2]] + " " + rest[m[3]:]
	} else if m := currencyAmountToken.FindStringSubmatch(rest); m != nil {
		if m[1] != "" {
			fields["amount"] = m[1]
		} else {
			fields["amount"] = m[2]
		}
	}

	var words []string
	for _, w := range wordToken.FindAllString(rest, -1) {
		if genericFilenameWords[w] {
			continue
		}
		words = append(words, w)
		if len(words) == 3 {
			break
		}
	}
	if len(words) > 0 {
		fields["merchant"] = strings.Join(words, " ")
	}

	return fields
}

// findDate returns the first valid calendar date token as YYYY-MM-DD together
// with the byte span it occupied
func findDate(name string) (string, [2]int, bool) {
	if m := isoDateToken.FindStringSubmatchIndex(name); m != nil {
		s := name[m[2]:m[3]] + "-" + name[m[4]:m[5]] + "-" + name[m[6]:m[7]]
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return s, [2]int{m[2], m[7]}, true
		}
	}
	if m := dmyDateToken.FindStringSubmatchIndex(name); m != nil {
		s := name[m[6]:m[7]] + "-" + name[m[4]:m[5]] + "-" + name[m[2]:m[3]]
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return s, [2]int{m[2], m[7]}, true
		}
	}
	return "", [2]int{}, false
}
