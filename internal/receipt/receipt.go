package receipt

import (
	"time"

	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/itemize"
)

// Receipt is one stored extraction attempt. Retries create a new Receipt
// pointing at the same stored file; the earlier record is never modified.
type Receipt struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	StoredPath  string    `json:"stored_path"`
	ContentType string    `json:"content_type"`
	Provider    string    `json:"provider,omitempty"` // explicitly requested backend, empty for auto
	RetryOf     string    `json:"retry_of,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Extraction extraction.NormalizedReceipt `json:"extraction"`
	// ProviderItems are the raw line items reported by the backend, kept for
	// itemization
	ProviderItems []map[string]any `json:"provider_items,omitempty"`
}

// Match is a user-confirmed link between a receipt and an expense candidate
type Match struct {
	ReceiptID   string    `json:"receipt_id"`
	CandidateID string    `json:"candidate_id"`
	Score       float64   `json:"score"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (m *Match) key() string {
	return m.ReceiptID + "/" + m.CandidateID
}

// Itemization is the stored line-item breakdown of a receipt
type Itemization struct {
	ReceiptID string `json:"receipt_id"`
	itemize.Result
	CreatedAt time.Time `json:"created_at"`
}
