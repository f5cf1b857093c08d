package matching

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zombor/expense-agent/internal/extraction"
)

// ErrExcludedReceipt is returned in strict mode when an error-status receipt
// is handed to the engine
var ErrExcludedReceipt = errors.New("receipt has an error status and cannot be matched")

// ExpenseCandidate is a previously recorded expense line the engine scores
// receipts against. The engine never modifies candidates.
type ExpenseCandidate struct {
	ID          string          `json:"id"`
	Merchant    string          `json:"merchant"`
	Amount      decimal.Decimal `json:"amount"`
	Date        extraction.Date `json:"date"`
	Description string          `json:"description,omitempty"`
}

// ComponentScores holds the per-signal scores, each in [0,1]
type ComponentScores struct {
	Merchant float64 `json:"merchant"`
	Amount   float64 `json:"amount"`
	Date     float64 `json:"date"`
}

// MatchProposal is a scored suggestion linking a receipt to a candidate.
// It is never a confirmed link.
type MatchProposal struct {
	ReceiptID       string          `json:"receipt_id,omitempty"`
	CandidateID     string          `json:"candidate_id"`
	Score           float64         `json:"score"`
	ComponentScores ComponentScores `json:"component_scores"`
	Rationale       string          `json:"rationale"`
}

// Ranking is the ordered proposal list for one receipt. Suggested is the top
// proposal when it clears the minimum score.
type Ranking struct {
	Suggested *MatchProposal  `json:"suggested,omitempty"`
	Proposals []MatchProposal `json:"proposals"`
}

type Weights struct {
	Merchant float64
	Amount   float64
	Date     float64
}

// Config tunes the engine. The zero value is not useful; start from DefaultConfig.
type Config struct {
	Weights            Weights
	AmountAbsTolerance decimal.Decimal
	AmountPctTolerance decimal.Decimal
	// MinScore is the floor for surfacing the top proposal as the suggestion
	MinScore float64
	// Strict makes error-status receipts an error instead of an empty result
	Strict bool
}

func DefaultConfig() Config {
	return Config{
		Weights:            Weights{Merchant: 0.5, Amount: 0.3, Date: 0.2},
		AmountAbsTolerance: decimal.NewFromInt(1),
		AmountPctTolerance: decimal.NewFromFloat(0.05),
		MinScore:           0.5,
	}
}

// Engine ranks expense candidates for normalized receipts. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Score compares one receipt with one candidate
func (e *Engine) Score(rec extraction.NormalizedReceipt, c ExpenseCandidate) MatchProposal {
	amount := c.Amount
	comp := ComponentScores{
		Merchant: MerchantScore(rec.Merchant, c.Merchant),
		Amount:   AmountScore(rec.Amount, &amount, e.cfg.AmountAbsTolerance, e.cfg.AmountPctTolerance),
		Date:     DateScore(rec.Date, rec.ServicePeriod, c.Date),
	}

	w := e.cfg.Weights
	var score float64
	if sum := w.Merchant + w.Amount + w.Date; sum > 0 {
		score = (comp.Merchant*w.Merchant + comp.Amount*w.Amount + comp.Date*w.Date) / sum
	}

	parts := []string{
		fmt.Sprintf("merchant:%.2f*%g", comp.Merchant, w.Merchant),
		fmt.Sprintf("amount:%.2f*%g", comp.Amount, w.Amount),
		fmt.Sprintf("date:%.2f*%g", comp.Date, w.Date),
	}
	if p := rec.ServicePeriod; p != nil {
		parts = append(parts, fmt.Sprintf("range:%s->%s", p.Start, p.End))
	}

	return MatchProposal{
		CandidateID:     c.ID,
		Score:           round4(clamp01(score)),
		ComponentScores: comp,
		Rationale:       strings.Join(parts, "; "),
	}
}

// Rank scores every candidate and orders the proposals by descending score,
// breaking ties by candidate ID. Error-status receipts produce no proposals
// (or ErrExcludedReceipt in strict mode), as do receipts with neither a
// merchant nor an amount.
func (e *Engine) Rank(rec extraction.NormalizedReceipt, candidates []ExpenseCandidate) (Ranking, error) {
	if rec.Excluded() {
		if e.cfg.Strict {
			return Ranking{}, fmt.Errorf("%w: %s", ErrExcludedReceipt, rec.Status)
		}
		e.logger.Warn("refusing to match receipt with error status", "status", rec.Status)
		return Ranking{Proposals: []MatchProposal{}}, nil
	}
	if rec.Merchant == "" && rec.Amount == nil {
		e.logger.Info("skipping receipt without merchant or amount", "status", rec.Status)
		return Ranking{Proposals: []MatchProposal{}}, nil
	}

	proposals := make([]MatchProposal, 0, len(candidates))
	for _, c := range candidates {
		proposals = append(proposals, e.Score(rec, c))
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Score != proposals[j].Score {
			return proposals[i].Score > proposals[j].Score
		}
		return proposals[i].CandidateID < proposals[j].CandidateID
	})

	ranking := Ranking{Proposals: proposals}
	if len(proposals) > 0 && proposals[0].Score >= e.cfg.MinScore {
		top := proposals[0]
		ranking.Suggested = &top
	}
	return ranking, nil
}

// Receipt pairs a normalized record with its stored identifier
type Receipt struct {
	ID     string
	Record extraction.NormalizedReceipt
}

// ProposeAll returns the suggested match of every eligible receipt, in
// receipt order. Receipts without a suggestion are left out.
func (e *Engine) ProposeAll(receipts []Receipt, candidates []ExpenseCandidate) []MatchProposal {
	var out []MatchProposal
	for _, r := range receipts {
		if r.Record.Excluded() {
			continue
		}
		ranking, err := e.Rank(r.Record, candidates)
		if err != nil || ranking.Suggested == nil {
			continue
		}
		best := *ranking.Suggested
		best.ReceiptID = r.ID
		out = append(out, best)
	}
	return out
}
