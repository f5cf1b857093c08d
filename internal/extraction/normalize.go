package extraction

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/zombor/expense-agent/internal/scanning"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Candidate keys per field, most specific first. Keys are compared after
// folding, so "merchant_name" and "MerchantName" are the same key.
var (
	merchantKeys = foldAll("MerchantName", "Merchant", "StoreName", "HotelName", "BusinessName")
	vendorKeys   = foldAll("VendorName", "Vendor", "SupplierName", "CustomerName")
	amountKeys   = foldAll("Total", "GrandTotal", "InvoiceTotal", "AmountDue", "TotalValue", "TotalAmount", "TotalTaxInclusive", "Amount")
	subtotalKeys = foldAll("Subtotal", "SubTotal", "NetTotal")
	taxKeys      = foldAll("TotalTax", "Tax", "TaxAmount", "Taxes")
	dateKeys     = foldAll("TransactionDate", "PurchaseDate", "InvoiceDate", "ReceiptDate", "Date")
	startKeys    = foldAll("ServiceStartDate", "ServiceStart", "ArrivalDate", "CheckInDate", "Arrival", "CheckIn")
	endKeys      = foldAll("ServiceEndDate", "ServiceEnd", "DepartureDate", "CheckOutDate", "Departure", "CheckOut")
	currencyKeys = foldAll("Currency", "CurrencyCode")

	itemDescriptionKeys = foldAll("Description", "Name", "ItemName", "ProductCode", "Text")
	itemAmountKeys      = foldAll("TotalPrice", "Amount", "Total", "Price", "UnitPrice")
	itemDateKeys        = foldAll("Date", "ServiceDate", "TransactionDate")
)

// scalarKeys are the wrapper keys providers use around a field's value
var scalarKeys = []string{"valueCurrency", "valueNumber", "valueInteger", "valueString", "valueDate", "valueTime", "content", "value", "amount", "text"}

// fieldMetaKeys sit next to a value inside a provider field
var fieldMetaKeys = map[string]bool{
	"type": true, "confidence": true, "boundingRegions": true, "spans": true,
	"currencyCode": true, "currencySymbol": true, "source": true,
}

const maxWalkDepth = 8

var (
	nonAlnum       = regexp.MustCompile(`[^a-z0-9]+`)
	amountJunk     = regexp.MustCompile(`[^0-9.,'\-]`)
	moneyToken     = regexp.MustCompile(`-?\p{Sc}?\d(?:[\d.,']*\d)?-?`)
	spacedGroups   = regexp.MustCompile(`(\d)[ \x{00A0}\x{202F}](\d{3})\b`)
	currencyCodeRe = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

// Normalize maps a provider payload onto a NormalizedReceipt. Fields that
// cannot be parsed are left unset; Normalize never fails. Status and error
// information are left to the caller.
func Normalize(p *scanning.Payload) NormalizedReceipt {
	var r NormalizedReceipt
	if p == nil {
		return r
	}
	r.Backend = p.Backend
	fields := p.Fields

	if s, ok := lookupString(fields, merchantKeys); ok {
		r.Merchant = CleanMerchant(s)
	}
	if r.Merchant == "" {
		if s, ok := lookupString(fields, vendorKeys); ok {
			r.Merchant = CleanMerchant(s)
		}
	}

	total, hasTotal := lookupField(fields, amountKeys)
	if hasTotal {
		if s, ok := scalar(total, 0); ok {
			r.Amount = ParseAmount(s)
		}
	}
	if s, ok := lookupString(fields, subtotalKeys); ok {
		r.Subtotal = ParseAmount(s)
	}
	if s, ok := lookupString(fields, taxKeys); ok {
		r.Tax = ParseAmount(s)
	}
	if r.Amount == nil && r.Subtotal != nil {
		r.Amount = r.Subtotal
	}

	currency, ok := lookupString(fields, currencyKeys)
	if !ok && hasTotal {
		currency, ok = currencyOf(total)
	}
	if ok && currencyCodeRe.MatchString(strings.TrimSpace(currency)) {
		r.Currency = strings.ToUpper(strings.TrimSpace(currency))
	}

	if s, ok := lookupString(fields, dateKeys); ok {
		r.Date = ParseDate(s)
	}
	var start, end *Date
	if s, ok := lookupString(fields, startKeys); ok {
		start = ParseDate(s)
	}
	if s, ok := lookupString(fields, endKeys); ok {
		end = ParseDate(s)
	}
	if start != nil && end != nil {
		r.ServicePeriod = &Period{Start: *start, End: *end}
	}
	if r.Date == nil && start != nil {
		d := *start
		r.Date = &d
	}

	r.LineItems = NormalizeItems(p.Items)
	r.DebugFields = debugFields(p)
	return r
}

func debugFields(p *scanning.Payload) map[string]any {
	debug := map[string]any{
		"backend": string(p.Backend),
	}
	if p.Fields != nil {
		debug["fields"] = p.Fields
	}
	if len(p.Items) > 0 {
		debug["items"] = p.Items
	}
	if p.Attempts > 0 {
		debug["attempts"] = p.Attempts
	}
	if len(p.Raw) > 0 && json.Valid(p.Raw) {
		debug["raw"] = p.Raw
	}
	return debug
}

// NormalizeItems converts provider line items, dropping those without a
// usable amount
func NormalizeItems(items []map[string]any) []LineItem {
	var out []LineItem
	for i, item := range items {
		s, ok := lookupTop(item, itemAmountKeys)
		if !ok {
			continue
		}
		amount := ParseAmount(s)
		if amount == nil {
			continue
		}
		li := LineItem{Amount: *amount}
		if desc, ok := lookupTop(item, itemDescriptionKeys); ok {
			li.Description = strings.Join(strings.Fields(desc), " ")
		}
		if li.Description == "" {
			li.Description = "Item " + strconv.Itoa(i+1)
		}
		if ds, ok := lookupTop(item, itemDateKeys); ok {
			li.Date = ParseDate(ds)
		}
		out = append(out, li)
	}
	return out
}

// CleanMerchant collapses whitespace, trims surrounding punctuation, drops
// adjacent repeated words and title-cases names that arrive in one case
func CleanMerchant(s string) string {
	words := strings.Fields(s)
	deduped := words[:0]
	for _, w := range words {
		if n := len(deduped); n > 0 && strings.EqualFold(trimPunct(deduped[n-1]), trimPunct(w)) {
			continue
		}
		deduped = append(deduped, w)
	}
	name := trimPunct(strings.Join(deduped, " "))
	if name == "" {
		return ""
	}
	if name == strings.ToUpper(name) || name == strings.ToLower(name) {
		// Casers carry state, so one per call
		name = cases.Title(language.English).String(name)
	}
	return name
}

func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '&' && r != ')') || unicode.IsSymbol(r)
	})
}

// ParseAmount coerces a money string into a decimal rounded to cents.
// Currency symbols and codes, thousands separators and decimal commas are
// handled. A lone dot is always a decimal point, so "1.234" reads as 1.23;
// dots only group thousands when repeated or followed by a comma. It returns
// nil when s holds no number or more than one.
func ParseAmount(s string) *decimal.Decimal {
	token, ok := amountToken(s)
	if !ok {
		return nil
	}
	s = standardizeAmount(token)
	if s == "" || s == "-" || s == "." {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	d = d.Round(2)
	return &d
}

// amountToken picks the single money-shaped token out of s, joining digit
// groups split by spaces first ("1 234,56")
func amountToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for {
		joined := spacedGroups.ReplaceAllString(s, "$1$2")
		if joined == s {
			break
		}
		s = joined
	}
	tokens := moneyToken.FindAllString(s, -1)
	if len(tokens) != 1 {
		return "", false
	}
	return tokens[0], true
}

func standardizeAmount(s string) string {
	s = amountJunk.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "'", "")

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(s, ".") < strings.LastIndex(s, ",") {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		parts := strings.Split(s, ",")
		if len(parts) == 2 && len(parts[1]) <= 2 {
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	// a trailing minus is how some terminals print refunds
	if strings.HasSuffix(s, "-") && !strings.HasPrefix(s, "-") {
		s = "-" + strings.TrimSuffix(s, "-")
	}
	return s
}

var (
	isoLayouts = []string{"2006-1-2", "2006/1/2", "2006.1.2", "20060102"}
	// day-first wins for ambiguous numeric dates; month-first is only used
	// when the day-first reading is impossible
	dmyLayouts  = []string{"2-1-2006", "2-1-06"}
	mdyLayouts  = []string{"1-2-2006", "1-2-06"}
	nameLayouts = []string{
		"January 2, 2006", "Jan 2, 2006", "January 2 2006", "Jan 2 2006",
		"2 January 2006", "2 Jan 2006", "2-Jan-2006", "02-Jan-06", "Mon, Jan 2, 2006",
	}
)

// ParseDate parses the date formats seen on receipts. It returns nil when
// nothing usable is found.
func ParseDate(s string) *Date {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}

	if d, ok := tryLayouts(s, isoLayouts); ok {
		return d
	}

	token := strings.Fields(s)[0]
	numeric := strings.NewReplacer(".", "-", "/", "-").Replace(token)
	if d, ok := tryLayouts(numeric, isoLayouts); ok {
		return d
	}
	if d, ok := tryLayouts(numeric, dmyLayouts); ok {
		return d
	}
	if d, ok := tryLayouts(numeric, mdyLayouts); ok {
		return d
	}

	if d, ok := tryLayouts(strings.TrimSuffix(s, "."), nameLayouts); ok {
		return d
	}

	// ISO date-times such as 2024-03-10T14:22:00Z
	if len(s) > 10 && (s[10] == 'T' || s[10] == ' ') {
		if d, ok := tryLayouts(s[:10], isoLayouts); ok {
			return d
		}
	}
	return nil
}

func tryLayouts(s string, layouts []string) (*Date, bool) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1900 || t.Year() > 2100 {
			continue
		}
		d := DateOf(t)
		return &d, true
	}
	return nil, false
}

func foldKey(k string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(k), "")
}

func foldAll(keys ...string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = foldKey(k)
	}
	return out
}

// lookupString finds the first candidate key with a usable value, checking
// the top level of fields before searching nested containers
func lookupString(fields map[string]any, keys []string) (string, bool) {
	v, ok := lookupField(fields, keys)
	if !ok {
		return "", false
	}
	return scalar(v, 0)
}

// lookupField is lookupString returning the matched field itself
func lookupField(fields map[string]any, keys []string) (any, bool) {
	if v, ok := lookupTopField(fields, keys); ok {
		return v, true
	}
	for _, key := range keys {
		if v, ok := walk(fields, key, 0); ok {
			return v, true
		}
	}
	return nil, false
}

func lookupTop(fields map[string]any, keys []string) (string, bool) {
	v, ok := lookupTopField(fields, keys)
	if !ok {
		return "", false
	}
	return scalar(v, 0)
}

func lookupTopField(fields map[string]any, keys []string) (any, bool) {
	if fields == nil {
		return nil, false
	}
	byKey := make(map[string]any, len(fields))
	for _, k := range sortedKeys(fields) {
		fk := foldKey(k)
		if _, seen := byKey[fk]; !seen {
			byKey[fk] = fields[k]
		}
	}
	for _, key := range keys {
		if v, ok := byKey[key]; ok {
			if _, ok := scalar(v, 0); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// walk searches nested containers for key. It never looks inside the value
// wrapper of another field, so the amount of a Tip cannot answer for Amount.
func walk(v any, key string, depth int) (any, bool) {
	if depth > maxWalkDepth {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		keys := sortedKeys(t)
		for _, k := range keys {
			if foldKey(k) == key {
				if _, ok := scalar(t[k], 0); ok {
					return t[k], true
				}
			}
		}
		for _, k := range keys {
			// line items carry their own descriptions, amounts and dates
			if fk := foldKey(k); fk == "items" || fk == "lineitems" || isScalarKey(k) || isValueWrapper(t[k]) {
				continue
			}
			if found, ok := walk(t[k], key, depth+1); ok {
				return found, true
			}
		}
	case []any:
		for _, el := range t {
			if found, ok := walk(el, key, depth+1); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func isScalarKey(k string) bool {
	for _, sk := range scalarKeys {
		if k == sk {
			return true
		}
	}
	return false
}

// isValueWrapper reports whether v is a single field's value, such as
// {"type": "currency", "valueCurrency": {...}} or {"amount": 5}, rather than
// a container of fields
func isValueWrapper(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	wrapped := false
	for k := range m {
		switch {
		case isScalarKey(k):
			wrapped = true
		case fieldMetaKeys[k]:
		default:
			return false
		}
	}
	return wrapped
}

// currencyOf reads the currency code an Azure currency field carries
// alongside its amount
func currencyOf(field any) (string, bool) {
	m, ok := field.(map[string]any)
	if !ok {
		return "", false
	}
	vc, ok := m["valueCurrency"].(map[string]any)
	if !ok {
		return "", false
	}
	code, ok := vc["currencyCode"].(string)
	return code, ok && code != ""
}

// scalar unwraps a provider field into its string form
func scalar(v any, depth int) (string, bool) {
	if depth > maxWalkDepth {
		return "", false
	}
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case map[string]any:
		for _, k := range scalarKeys {
			if inner, ok := t[k]; ok {
				if s, ok := scalar(inner, depth+1); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
