package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/itemize"
	"github.com/zombor/expense-agent/internal/matching"
	"github.com/zombor/expense-agent/internal/scanning"
)

// Ranking outcomes reported to the RankingObserver
const (
	OutcomeSuggested = "suggested"
	OutcomeUnmatched = "unmatched"
	OutcomeExcluded  = "excluded"
)

var (
	ErrInvalidMatch     = errors.New("invalid match")
	ErrInvalidCandidate = errors.New("invalid candidate")
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Extractor turns uploads into normalized receipts
type Extractor interface {
	Extract(ctx context.Context, up extraction.Upload) (*extraction.NormalizedReceipt, error)
	ExtractAll(ctx context.Context, uploads []extraction.Upload) ([]extraction.NormalizedReceipt, error)
}

// Matcher ranks expense candidates for receipts
type Matcher interface {
	Rank(rec extraction.NormalizedReceipt, candidates []matching.ExpenseCandidate) (matching.Ranking, error)
}

type RankingObserver interface {
	ObserveRanking(outcome string)
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now()
}

// Service handles receipt operations. It owns persistence; the extractor and
// matcher never write anything.
type Service struct {
	db          DB
	extractor   Extractor
	matcher     Matcher
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	observer    RankingObserver
}

// NewService creates a Service with uuid IDs and the system clock
func NewService(db DB, extractor Extractor, matcher Matcher, storage Storage) *Service {
	return NewServiceWithDeps(db, extractor, matcher, storage, uuidGenerator{}, systemTime{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(db DB, extractor Extractor, matcher Matcher, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		extractor:   extractor,
		matcher:     matcher,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// SetRankingObserver registers o to be told the outcome of every ranking
func (s *Service) SetRankingObserver(o RankingObserver) {
	s.observer = o
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveRanking(outcome)
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

const maxFilenameBase = 50

// sanitizeFilename keeps alphanumerics, spaces, hyphens and underscores of
// the base name and truncates long phone-generated names
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(filenameSpaces.ReplaceAllString(base, " "))
	if len(base) > maxFilenameBase {
		base = base[:maxFilenameBase]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// UploadFile is one file received by the upload endpoint
type UploadFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UploadResult holds the stored receipts, in upload order, and the best
// proposal of every receipt that has one
type UploadResult struct {
	Receipts  []*Receipt              `json:"receipts"`
	Proposals []matching.MatchProposal `json:"proposals"`
}

// providerItems pulls the raw line items the normalizer kept in the debug
// fields
func providerItems(rec extraction.NormalizedReceipt) []map[string]any {
	items, _ := rec.DebugFields["items"].([]map[string]any)
	return items
}

// ProcessUploads stores the files, extracts every receipt (concurrently, by
// the extractor's limit), persists one record per file and proposes matches.
// A cancelled ctx stores nothing.
func (s *Service) ProcessUploads(ctx context.Context, files []UploadFile, provider scanning.Backend) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}

	var saved []string
	cleanup := func() {
		for _, p := range saved {
			if err := s.storage.Delete(p); err != nil {
				slog.Warn("Failed to delete file", "path", p, "error", err)
			}
		}
	}

	ids := make([]string, len(files))
	uploads := make([]extraction.Upload, len(files))
	for i, f := range files {
		ids[i] = s.idGenerator.Generate()
		path, err := s.storage.Save(fmt.Sprintf("%s_%s", ids[i], sanitizeFilename(f.Filename)), f.Data)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("saving file %s: %w", f.Filename, err)
		}
		saved = append(saved, path)
		uploads[i] = extraction.Upload{
			Filename:    f.Filename,
			ContentType: f.ContentType,
			Content:     f.Data,
			Provider:    provider,
		}
	}

	records, err := s.extractor.ExtractAll(ctx, uploads)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("extracting receipts: %w", err)
	}

	now := s.timeSource.Now()
	result := &UploadResult{Receipts: make([]*Receipt, 0, len(files)), Proposals: []matching.MatchProposal{}}
	for i, rec := range records {
		receipt := &Receipt{
			ID:            ids[i],
			Filename:      files[i].Filename,
			StoredPath:    saved[i],
			ContentType:   files[i].ContentType,
			Provider:      string(provider),
			CreatedAt:     now,
			Extraction:    rec,
			ProviderItems: providerItems(rec),
		}
		if err := s.db.SaveReceipt(receipt); err != nil {
			for _, r := range result.Receipts {
				s.db.DeleteReceipt(r.ID)
			}
			cleanup()
			return nil, fmt.Errorf("saving receipt to database: %w", err)
		}
		result.Receipts = append(result.Receipts, receipt)
	}

	candidates, err := s.db.ListCandidates()
	if err != nil {
		// the receipts are stored; proposals can be fetched later
		slog.Error("Failed to load candidates", "error", err)
		return result, nil
	}
	for _, r := range result.Receipts {
		ranking, err := s.rank(r, candidates)
		if err != nil || ranking.Suggested == nil {
			continue
		}
		result.Proposals = append(result.Proposals, *ranking.Suggested)
	}
	return result, nil
}

// Retry runs a fresh extraction of a stored receipt's file and stores the
// outcome as a new record
func (s *Service) Retry(ctx context.Context, id string, provider scanning.Backend) (*Receipt, error) {
	original, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	data, err := s.storage.Get(original.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("getting receipt file: %w", err)
	}

	rec, err := s.extractor.Extract(ctx, extraction.Upload{
		Filename:    original.Filename,
		ContentType: original.ContentType,
		Content:     data,
		Provider:    provider,
	})
	if err != nil {
		return nil, fmt.Errorf("extracting receipt: %w", err)
	}

	receipt := &Receipt{
		ID:            s.idGenerator.Generate(),
		Filename:      original.Filename,
		StoredPath:    original.StoredPath,
		ContentType:   original.ContentType,
		Provider:      string(provider),
		RetryOf:       original.ID,
		CreatedAt:     s.timeSource.Now(),
		Extraction:    *rec,
		ProviderItems: providerItems(*rec),
	}
	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	slog.Info("Retried receipt", "id", receipt.ID, "retry_of", original.ID, "status", rec.Status)
	return receipt, nil
}

func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts, oldest first
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		if !receipts[i].CreatedAt.Equal(receipts[j].CreatedAt) {
			return receipts[i].CreatedAt.Before(receipts[j].CreatedAt)
		}
		return receipts[i].ID < receipts[j].ID
	})
	return receipts, nil
}

// DeleteReceipt removes a receipt with its matches and itemization. The file
// is removed once no other record (an earlier attempt or a retry) uses it.
func (s *Service) DeleteReceipt(id string) error {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	if err := s.db.DeleteMatches(id); err != nil {
		slog.Warn("Failed to delete matches", "id", id, "error", err)
	}
	if err := s.db.DeleteItemization(id); err != nil {
		slog.Warn("Failed to delete itemization", "id", id, "error", err)
	}

	others, err := s.db.ListReceipts()
	if err != nil {
		slog.Warn("Keeping file, cannot check other records", "filename", receipt.StoredPath, "error", err)
		return nil
	}
	for _, r := range others {
		if r.StoredPath == receipt.StoredPath {
			return nil
		}
	}
	if err := s.storage.Delete(receipt.StoredPath); err != nil {
		slog.Warn("Failed to delete file", "filename", receipt.StoredPath, "error", err)
	}
	return nil
}

// GetReceiptFile returns the original bytes and content type of a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}
	data, err := s.storage.Get(receipt.StoredPath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.ContentType, nil
}

// rank scores the candidates for one receipt and stamps the receipt ID on
// the proposals
func (s *Service) rank(receipt *Receipt, candidates []matching.ExpenseCandidate) (matching.Ranking, error) {
	ranking, err := s.matcher.Rank(receipt.Extraction, candidates)
	if err != nil {
		s.observe(OutcomeExcluded)
		return ranking, err
	}
	switch {
	case receipt.Extraction.Excluded():
		s.observe(OutcomeExcluded)
	case ranking.Suggested != nil:
		s.observe(OutcomeSuggested)
	default:
		s.observe(OutcomeUnmatched)
	}

	for i := range ranking.Proposals {
		ranking.Proposals[i].ReceiptID = receipt.ID
	}
	if ranking.Suggested != nil {
		ranking.Suggested.ReceiptID = receipt.ID
	}
	return ranking, nil
}

// Proposals ranks every known candidate for a receipt
func (s *Service) Proposals(id string) (*matching.Ranking, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	candidates, err := s.db.ListCandidates()
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	ranking, err := s.rank(receipt, candidates)
	if err != nil {
		return nil, fmt.Errorf("ranking receipt %s: %w", id, err)
	}
	return &ranking, nil
}

// Itemize returns the stored breakdown of a receipt, computing and storing
// it first when there is none or rebuild is set
func (s *Service) Itemize(id string, rebuild bool) (*Itemization, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	if !rebuild {
		stored, err := s.db.GetItemization(id)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("getting itemization: %w", err)
		}
	}

	payload := &scanning.Payload{Backend: receipt.Extraction.Backend, Items: receipt.ProviderItems}
	it := &Itemization{
		ReceiptID: id,
		Result:    itemize.Itemize(receipt.Extraction, payload),
		CreatedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveItemization(it); err != nil {
		return nil, fmt.Errorf("saving itemization: %w", err)
	}
	slog.Info("Itemized receipt", "id", id, "source", it.Source, "items", len(it.Items))
	return it, nil
}

// AddCandidates stores expense candidates, assigning IDs to those without
func (s *Service) AddCandidates(candidates []matching.ExpenseCandidate) ([]matching.ExpenseCandidate, error) {
	out := make([]matching.ExpenseCandidate, len(candidates))
	for i, c := range candidates {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			c.ID = s.idGenerator.Generate()
		}
		if strings.Contains(c.ID, "/") {
			return nil, fmt.Errorf("%w %d: id must not contain '/'", ErrInvalidCandidate, i+1)
		}
		if c.Date.IsZero() {
			return nil, fmt.Errorf("%w %d: date is required", ErrInvalidCandidate, i+1)
		}
		out[i] = c
	}
	if err := s.db.SaveCandidates(out); err != nil {
		return nil, fmt.Errorf("saving candidates: %w", err)
	}
	return out, nil
}

// ImportCandidatesCSV parses and stores candidates from a CSV export
func (s *Service) ImportCandidatesCSV(r io.Reader) ([]matching.ExpenseCandidate, error) {
	candidates, err := ParseCandidatesCSV(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return s.AddCandidates(candidates)
}

// ListCandidates returns candidates sorted by ID
func (s *Service) ListCandidates() ([]matching.ExpenseCandidate, error) {
	candidates, err := s.db.ListCandidates()
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates, nil
}

// ConfirmMatch records a user-chosen link. Receipts with an error status
// cannot be matched.
func (s *Service) ConfirmMatch(receiptID, candidateID string, score float64) (*Match, error) {
	receipt, err := s.db.GetReceipt(receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.Extraction.Excluded() {
		return nil, fmt.Errorf("%w: receipt %s has status %s", ErrInvalidMatch, receiptID, receipt.Extraction.Status)
	}
	if _, err := s.db.GetCandidate(candidateID); err != nil {
		return nil, fmt.Errorf("getting candidate: %w", err)
	}
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: score %v outside [0,1]", ErrInvalidMatch, score)
	}

	match := &Match{
		ReceiptID:   receiptID,
		CandidateID: candidateID,
		Score:       score,
		ConfirmedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveMatch(match); err != nil {
		return nil, fmt.Errorf("saving match: %w", err)
	}
	slog.Info("Confirmed match", "receipt_id", receiptID, "candidate_id", candidateID, "score", score)
	return match, nil
}

func (s *Service) ListMatches() ([]*Match, error) {
	matches, err := s.db.ListMatches()
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].key() < matches[j].key() })
	return matches, nil
}
