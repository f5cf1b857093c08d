package extraction

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zombor/expense-agent/internal/scanning"
)

// Status is the outcome tag of one extraction attempt. Every status is
// terminal; a retry produces a new record with its own status.
type Status string

const (
	StatusExtracted                     Status = "extracted"
	StatusExtractedContentUnderstanding Status = "extracted_content_understanding"
	StatusExtractedVision               Status = "extracted_vision"
	StatusExtractedPartial              Status = "extracted_partial"
)

// SuccessStatus is the status of a successful analysis by backend b
func SuccessStatus(b scanning.Backend) Status {
	switch b {
	case scanning.BackendDocumentIntelligence:
		return StatusExtracted
	case scanning.BackendContentUnderstanding:
		return StatusExtractedContentUnderstanding
	case scanning.BackendVision:
		return StatusExtractedVision
	}
	return StatusExtractedPartial
}

// ErrorStatus builds error_<backend>_<kind>, e.g. error_cu_analyze
func ErrorStatus(b scanning.Backend, kind scanning.FaultKind) Status {
	return Status("error_" + b.Code() + "_" + kind.String())
}

// IsError reports whether s is one of the error variants
func (s Status) IsError() bool {
	return strings.HasPrefix(string(s), "error_")
}

// LineItem is one charge on a receipt. Synthetic items were derived by the
// itemizer rather than reported by a provider.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        *Date           `json:"date,omitempty"`
	Synthetic   bool            `json:"synthetic"`
}

// NormalizedReceipt is the provider-agnostic result of one extraction
// attempt. It is never mutated after the dispatcher returns it.
type NormalizedReceipt struct {
	Merchant      string           `json:"merchant,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Subtotal      *decimal.Decimal `json:"subtotal,omitempty"`
	Tax           *decimal.Decimal `json:"tax,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	Date          *Date            `json:"date,omitempty"`
	ServicePeriod *Period          `json:"service_period,omitempty"`
	LineItems     []LineItem       `json:"line_items,omitempty"`
	Status        Status           `json:"status"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Backend       scanning.Backend `json:"backend"`
	DebugFields   map[string]any   `json:"debug_fields,omitempty"`
}

// Excluded reports whether the receipt must be kept out of matching
func (r NormalizedReceipt) Excluded() bool {
	return r.Status.IsError() || r.ErrorMessage != ""
}
