package receipt

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/matching"
)

// candidateRow is one line of a candidate CSV export. Amount and date use
// the same lenient parsing as receipts, so bank exports load unchanged.
type candidateRow struct {
	ID          string `csv:"id"`
	Merchant    string `csv:"merchant"`
	Amount      string `csv:"amount"`
	Date        string `csv:"date"`
	Description string `csv:"description"`
}

// ParseCandidatesCSV reads expense candidates from CSV with an
// id,merchant,amount,date[,description] header
func ParseCandidatesCSV(r io.Reader) ([]matching.ExpenseCandidate, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	var rows []*candidateRow
	if err := gocsv.UnmarshalCSV(reader, &rows); err != nil {
		return nil, fmt.Errorf("parsing candidates csv: %w", err)
	}

	candidates := make([]matching.ExpenseCandidate, 0, len(rows))
	for i, row := range rows {
		// header is line 1
		line := i + 2
		amount := extraction.ParseAmount(row.Amount)
		if amount == nil {
			return nil, fmt.Errorf("line %d: invalid amount %q", line, row.Amount)
		}
		date := extraction.ParseDate(row.Date)
		if date == nil {
			return nil, fmt.Errorf("line %d: invalid date %q", line, row.Date)
		}
		candidates = append(candidates, matching.ExpenseCandidate{
			ID:          strings.TrimSpace(row.ID),
			Merchant:    strings.TrimSpace(row.Merchant),
			Amount:      *amount,
			Date:        *date,
			Description: strings.TrimSpace(row.Description),
		})
	}
	return candidates, nil
}
